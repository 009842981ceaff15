package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pipetrace/pipetrace/internal/domain"
	"github.com/pipetrace/pipetrace/internal/engine"
	"github.com/pipetrace/pipetrace/internal/query"
)

var (
	searchPipe       string
	searchInputNodes []string
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search tasks by pipe and input nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if searchPipe == "" && len(searchInputNodes) == 0 {
			return fmt.Errorf("at least one of --pipe or --input is required")
		}
		eng, closeEngine, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		q := eng.Query()
		var preds []query.Predicate
		if searchPipe != "" {
			preds = append(preds, query.ByPipe(searchPipe))
		}
		for _, nodeID := range searchInputNodes {
			ref, err := resolveNodeRef(eng, nodeID)
			if err != nil {
				return err
			}
			preds = append(preds, query.ArgumentContains(ref))
		}

		result, err := q.Eval(query.And(preds...))
		if err != nil {
			return err
		}
		for _, id := range result.TaskIDs() {
			task, err := eng.Store().GetTask(id)
			if err != nil {
				return err
			}
			fmt.Printf("%s  pipe=%s  finished=%s\n", task.ID, task.PipeID, task.FinishedAt.Format("2006-01-02T15:04:05"))
		}
		fmt.Printf("%d tasks matched\n", len(result.TaskIDs()))
		return nil
	},
}

// resolveNodeRef decides whether an id names a resource or a file
// resource by probing the store.
func resolveNodeRef(eng *engine.Engine, id string) (domain.Ref, error) {
	if _, err := eng.Store().GetResource(id); err == nil {
		return domain.Ref{Type: domain.EntryResource, ID: id}, nil
	}
	if _, err := eng.Store().GetFileResource(id); err == nil {
		return domain.Ref{Type: domain.EntryFileResource, ID: id}, nil
	}
	return domain.Ref{}, fmt.Errorf("no resource or file resource with id %s", id)
}

func init() {
	searchCmd.Flags().StringVar(&searchPipe, "pipe", "", "pipe id to filter by")
	searchCmd.Flags().StringSliceVar(&searchInputNodes, "input", nil, "node ids that must appear among task inputs")
	rootCmd.AddCommand(searchCmd)
}

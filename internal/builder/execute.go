package builder

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pipetrace/pipetrace/internal/domain"
	"github.com/pipetrace/pipetrace/internal/engine"
	"github.com/pipetrace/pipetrace/internal/log"
	"github.com/pipetrace/pipetrace/internal/pool"
)

type completion struct {
	ut     *domain.UnrunTask
	result *engine.RunResult
	err    error
}

// Execute resolves the batch: ready unrun tasks are submitted to the
// worker pool, completions install replacements and unblock successors,
// failures skip their transitive successors while independent branches
// continue. The batch must form a DAG; a self- or cross-reference cycle
// fails with CycleError before anything runs.
func (b *Builder) Execute(ctx context.Context) (*Result, error) {
	if b.executed {
		return nil, fmt.Errorf("builder already executed")
	}
	b.executed = true

	ctx, span := b.eng.Tracer().Start(ctx, "builder.execute")
	defer span.End()
	span.SetAttributes(attribute.Int("builder.tasks", len(b.unrun)))

	batch := b.unrun
	b.unrun = nil

	deps, succ, err := dependencyGraph(batch)
	if err != nil {
		return nil, err
	}
	if err := checkAcyclic(batch, deps, succ); err != nil {
		return nil, err
	}

	result := &Result{Failed: make(map[string]error)}
	if len(batch) == 0 {
		return result, nil
	}

	workers := pool.New(b.poolSize)
	defer workers.Shutdown()

	completions := make(chan completion, len(batch))
	// fpDone folds later unrun tasks with the fingerprint of an already
	// completed one; fpRunning joins them to an in-flight execution.
	fpDone := make(map[string]*engine.RunResult)
	fpRunning := make(map[string][]*domain.UnrunTask)
	fpOfRunning := make(map[string]string) // unrun task id -> fingerprint

	pending := make(map[string]*domain.UnrunTask, len(batch))
	for _, ut := range batch {
		pending[ut.ID] = ut
	}
	running := 0

	var ready []*domain.UnrunTask
	for _, ut := range batch {
		if len(deps[ut.ID]) == 0 {
			ready = append(ready, ut)
		}
	}

	skip := func(ut *domain.UnrunTask) {
		for _, id := range transitiveSuccessors(ut, succ) {
			if dep, ok := pending[id]; ok {
				delete(pending, id)
				result.Skipped = append(result.Skipped, dep)
			}
		}
	}

	submit := func(ut *domain.UnrunTask) {
		pipe := b.pipes[ut.PipeID]
		substituted, err := substitute(ut.Args)
		if err != nil {
			delete(pending, ut.ID)
			result.Failed[ut.ID] = err
			skip(ut)
			return
		}
		fp, err := b.eng.Fingerprint(pipe, substituted)
		if err != nil {
			delete(pending, ut.ID)
			result.Failed[ut.ID] = err
			skip(ut)
			return
		}

		if prev, ok := fpDone[fp]; ok && pipe.Deterministic {
			// Folded into an already completed unrun task of this batch.
			completions <- completion{ut: ut, result: prev}
			running++
			return
		}
		if _, ok := fpRunning[fp]; ok && pipe.Deterministic {
			fpRunning[fp] = append(fpRunning[fp], ut)
			return
		}
		fpRunning[fp] = nil
		fpOfRunning[ut.ID] = fp

		future, err := workers.Submit(pool.Spec{
			Label: ut.ID,
			Run: func(runCtx context.Context) (any, error) {
				return b.eng.RunBoundWithDescription(runCtx, pipe, substituted, ut.Description)
			},
		})
		if err != nil {
			delete(pending, ut.ID)
			delete(fpRunning, fp)
			delete(fpOfRunning, ut.ID)
			result.Failed[ut.ID] = err
			skip(ut)
			return
		}
		running++
		go func() {
			value, err := future.Wait(context.Background())
			c := completion{ut: ut, err: err}
			if err == nil {
				c.result = value.(*engine.RunResult)
			}
			completions <- c
		}()
	}

	for _, ut := range ready {
		if b.cancelled.Load() {
			break
		}
		submit(ut)
	}

	for running > 0 {
		c := <-completions
		running--

		fp := fpOfRunning[c.ut.ID]
		delete(fpOfRunning, c.ut.ID)
		joined := fpRunning[fp]
		delete(fpRunning, fp)

		group := append([]*domain.UnrunTask{c.ut}, joined...)
		if c.err != nil {
			log.ErrorErr(log.CatBuild, "Unrun task failed", c.err, "unrunTaskID", c.ut.ID)
			for _, ut := range group {
				delete(pending, ut.ID)
				result.Failed[ut.ID] = c.err
				skip(ut)
			}
			continue
		}
		if fp != "" {
			fpDone[fp] = c.result
		}

		for _, ut := range group {
			if err := installReplacement(ut, c.result); err != nil {
				delete(pending, ut.ID)
				result.Failed[ut.ID] = err
				skip(ut)
				continue
			}
			delete(pending, ut.ID)
			result.Completed = append(result.Completed, c.result.Task)

			for id := range succ[ut.ID] {
				next, ok := pending[id]
				if !ok {
					continue
				}
				delete(deps[id], ut.ID)
				if len(deps[id]) > 0 {
					continue
				}
				if b.cancelled.Load() {
					continue
				}
				submit(next)
			}
		}

		if b.cancelled.Load() {
			continue
		}
		select {
		case <-ctx.Done():
			b.cancelled.Store(true)
		default:
		}
	}

	// Whatever is still pending was never submitted: cancelled, or its
	// predecessors failed.
	for _, ut := range batch {
		if _, ok := pending[ut.ID]; ok {
			result.Skipped = append(result.Skipped, ut)
		}
	}

	if b.cancelled.Load() && len(result.Skipped) > 0 {
		return result, domain.ErrCancelled
	}
	for _, ut := range batch {
		if err, ok := result.Failed[ut.ID]; ok {
			return result, err
		}
	}
	return result, nil
}

// dependencyGraph scans bound arguments for placeholders and records, for
// each unrun task, the set of owner ids it waits on and the reverse
// successor sets.
func dependencyGraph(batch []*domain.UnrunTask) (map[string]map[string]struct{}, map[string]map[string]struct{}, error) {
	inBatch := make(map[string]struct{}, len(batch))
	for _, ut := range batch {
		inBatch[ut.ID] = struct{}{}
	}
	deps := make(map[string]map[string]struct{}, len(batch))
	succ := make(map[string]map[string]struct{}, len(batch))
	for _, ut := range batch {
		deps[ut.ID] = make(map[string]struct{})
		succ[ut.ID] = make(map[string]struct{})
	}
	for _, ut := range batch {
		for _, arg := range ut.Args {
			vr, ok := arg.(*domain.VirtualResource)
			if !ok || vr.Resolved() {
				continue
			}
			if vr.Owner == nil {
				return nil, nil, &domain.SchemaError{Msg: "virtual resource without an owning unrun task"}
			}
			if _, ok := inBatch[vr.Owner.ID]; !ok {
				return nil, nil, &domain.SchemaError{Msg: "virtual resource owned by a different builder batch"}
			}
			deps[ut.ID][vr.Owner.ID] = struct{}{}
			succ[vr.Owner.ID][ut.ID] = struct{}{}
		}
	}
	return deps, succ, nil
}

// checkAcyclic runs Kahn's algorithm over the dependency graph and fails
// with CycleError naming the undrained tasks.
func checkAcyclic(batch []*domain.UnrunTask, deps, succ map[string]map[string]struct{}) error {
	indeg := make(map[string]int, len(batch))
	for id, d := range deps {
		indeg[id] = len(d)
	}
	var queue []string
	for _, ut := range batch {
		if indeg[ut.ID] == 0 {
			queue = append(queue, ut.ID)
		}
	}
	drained := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		drained++
		for next := range succ[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if drained == len(batch) {
		return nil
	}
	var stuck []string
	for _, ut := range batch {
		if indeg[ut.ID] > 0 {
			stuck = append(stuck, ut.ID)
		}
	}
	return &domain.CycleError{IDs: stuck}
}

// transitiveSuccessors returns every unrun task downstream of ut.
func transitiveSuccessors(ut *domain.UnrunTask, succ map[string]map[string]struct{}) []string {
	var out []string
	seen := map[string]struct{}{}
	stack := make([]string, 0, len(succ[ut.ID]))
	for id := range succ[ut.ID] {
		stack = append(stack, id)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
		for next := range succ[id] {
			stack = append(stack, next)
		}
	}
	return out
}

// substitute replaces resolved placeholders with their concrete nodes.
func substitute(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, arg := range args {
		if vr, ok := arg.(*domain.VirtualResource); ok {
			if !vr.Resolved() {
				return nil, &domain.SchemaError{Msg: "unresolved virtual resource at submission"}
			}
			out[i] = vr.Replacement
			continue
		}
		out[i] = arg
	}
	return out, nil
}

// installReplacement resolves the unrun task and its placeholders from a
// committed run, removing the transient entries from the dataflow.
func installReplacement(ut *domain.UnrunTask, res *engine.RunResult) error {
	expectedFiles := len(ut.Outputs) - 1
	if expectedFiles > len(res.Files) {
		return &domain.SchemaError{Msg: fmt.Sprintf(
			"unrun task %s declared %d output files but the run produced %d", ut.ID, expectedFiles, len(res.Files))}
	}
	ut.Replacement = res.Task
	ut.Outputs[0].Replacement = res.Resource
	for i := 1; i < len(ut.Outputs); i++ {
		ut.Outputs[i].Replacement = res.Files[i-1]
	}
	return nil
}

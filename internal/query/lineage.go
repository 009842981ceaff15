package query

import (
	"sort"

	"github.com/pipetrace/pipetrace/internal/domain"
)

// Edge is a directed producer-to-consumer edge in a lineage graph.
type Edge struct {
	From domain.Ref
	To   domain.Ref
}

// Graph is the reconstructed producing subgraph for a set of nodes.
type Graph struct {
	Nodes []domain.Ref
	Edges []Edge
}

// Lineage rebuilds the pipeline that yielded the given nodes: every
// producing task reachable upstream, its input nodes, and the edges
// between them. Nodes are returned in a topological order (producers
// before consumers).
func (q *Query) Lineage(roots ...domain.Ref) (*Graph, error) {
	inGraph := Set{}
	var edges []Edge
	stack := append([]domain.Ref(nil), roots...)
	for _, ref := range roots {
		inGraph[ref] = struct{}{}
	}

	for len(stack) > 0 {
		ref := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch ref.Type {
		case domain.EntryResource, domain.EntryFileResource:
			task, err := q.store.ProducingTask(ref)
			if err != nil {
				return nil, err
			}
			if task == nil {
				continue
			}
			taskRef := domain.Ref{Type: domain.EntryTask, ID: task.ID}
			edges = append(edges, Edge{From: taskRef, To: ref})
			if _, seen := inGraph[taskRef]; !seen {
				inGraph[taskRef] = struct{}{}
				stack = append(stack, taskRef)
			}
		case domain.EntryTask:
			task, err := q.store.GetTask(ref.ID)
			if err != nil {
				return nil, err
			}
			for _, input := range task.InputNodes() {
				edges = append(edges, Edge{From: input, To: ref})
				if _, seen := inGraph[input]; !seen {
					inGraph[input] = struct{}{}
					stack = append(stack, input)
				}
			}
		}
	}

	nodes, err := topoOrder(inGraph, edges)
	if err != nil {
		return nil, err
	}
	return &Graph{Nodes: nodes, Edges: edges}, nil
}

// topoOrder sorts the graph producers-first using Kahn's algorithm. The
// persistent graph is acyclic by construction, so every node drains.
func topoOrder(nodes Set, edges []Edge) ([]domain.Ref, error) {
	indeg := make(map[domain.Ref]int, len(nodes))
	succ := make(map[domain.Ref][]domain.Ref, len(nodes))
	for ref := range nodes {
		indeg[ref] = 0
	}
	for _, e := range edges {
		succ[e.From] = append(succ[e.From], e.To)
		indeg[e.To]++
	}

	var ready []domain.Ref
	for ref, d := range indeg {
		if d == 0 {
			ready = append(ready, ref)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })

	var order []domain.Ref
	for len(ready) > 0 {
		ref := ready[0]
		ready = ready[1:]
		order = append(order, ref)
		for _, next := range succ[ref] {
			indeg[next]--
			if indeg[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	return order, nil
}

func less(a, b domain.Ref) bool {
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return a.ID < b.ID
}

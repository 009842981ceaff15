// Package query implements structured search over the provenance graph:
// composable predicates over tasks and nodes, ancestry and descendant
// traversal along task edges, and lineage reconstruction.
package query

import (
	"github.com/pipetrace/pipetrace/internal/domain"
	"github.com/pipetrace/pipetrace/internal/infrastructure/sqlite"
)

// Set is a set of typed graph references.
type Set map[domain.Ref]struct{}

// Refs returns the set as a slice, in unspecified order.
func (s Set) Refs() []domain.Ref {
	out := make([]domain.Ref, 0, len(s))
	for ref := range s {
		out = append(out, ref)
	}
	return out
}

// TaskIDs returns the ids of the task entries in the set.
func (s Set) TaskIDs() []string {
	var ids []string
	for ref := range s {
		if ref.Type == domain.EntryTask {
			ids = append(ids, ref.ID)
		}
	}
	return ids
}

// Query evaluates predicates against a store.
type Query struct {
	store *sqlite.Store
}

// New creates a query evaluator.
func New(store *sqlite.Store) *Query {
	return &Query{store: store}
}

// Predicate selects a set of graph entries.
type Predicate interface {
	eval(q *Query) (Set, error)
}

// Eval evaluates a predicate.
func (q *Query) Eval(p Predicate) (Set, error) {
	return p.eval(q)
}

// ---- combinators ----

type andPredicate struct{ ps []Predicate }

type orPredicate struct{ ps []Predicate }

type notPredicate struct{ p Predicate }

// And selects entries matched by every predicate.
func And(ps ...Predicate) Predicate { return andPredicate{ps: ps} }

// Or selects entries matched by any predicate.
func Or(ps ...Predicate) Predicate { return orPredicate{ps: ps} }

// Not selects every task not matched by p. The complement universe is the
// task set; node predicates under Not must be combined explicitly.
func Not(p Predicate) Predicate { return notPredicate{p: p} }

func (a andPredicate) eval(q *Query) (Set, error) {
	if len(a.ps) == 0 {
		return Set{}, nil
	}
	result, err := a.ps[0].eval(q)
	if err != nil {
		return nil, err
	}
	for _, p := range a.ps[1:] {
		next, err := p.eval(q)
		if err != nil {
			return nil, err
		}
		for ref := range result {
			if _, ok := next[ref]; !ok {
				delete(result, ref)
			}
		}
	}
	return result, nil
}

func (o orPredicate) eval(q *Query) (Set, error) {
	result := Set{}
	for _, p := range o.ps {
		next, err := p.eval(q)
		if err != nil {
			return nil, err
		}
		for ref := range next {
			result[ref] = struct{}{}
		}
	}
	return result, nil
}

func (n notPredicate) eval(q *Query) (Set, error) {
	matched, err := n.p.eval(q)
	if err != nil {
		return nil, err
	}
	ids, err := q.store.AllTaskIDs()
	if err != nil {
		return nil, err
	}
	result := Set{}
	for _, id := range ids {
		ref := domain.Ref{Type: domain.EntryTask, ID: id}
		if _, ok := matched[ref]; !ok {
			result[ref] = struct{}{}
		}
	}
	return result, nil
}

// ---- pipe predicates ----

// ArgFilter narrows a pipe predicate to tasks binding a value at a
// position. Position -1 matches any position.
type ArgFilter struct {
	Position int
	// Value is a literal, *domain.Resource, or *domain.FileResource.
	Value any
}

type byPipePredicate struct {
	pipeID  string
	filters []ArgFilter
}

// ByPipe selects tasks produced by the pipe, optionally narrowed by
// argument filters.
func ByPipe(pipeID string, filters ...ArgFilter) Predicate {
	return byPipePredicate{pipeID: pipeID, filters: filters}
}

func (b byPipePredicate) eval(q *Query) (Set, error) {
	ids, err := q.store.TasksByPipe(b.pipeID)
	if err != nil {
		return nil, err
	}
	result := idSet(domain.EntryTask, ids)
	for _, filter := range b.filters {
		var matchIDs []string
		switch v := filter.Value.(type) {
		case *domain.Resource:
			matchIDs, err = q.store.TasksWithInputNode(v.ID, filter.Position)
		case *domain.FileResource:
			matchIDs, err = q.store.TasksWithInputNode(v.ID, filter.Position)
		default:
			matchIDs, err = q.store.TasksWithLiteralArg(filter.Value, filter.Position)
		}
		if err != nil {
			return nil, err
		}
		match := idSet(domain.EntryTask, matchIDs)
		for ref := range result {
			if _, ok := match[ref]; !ok {
				delete(result, ref)
			}
		}
	}
	return result, nil
}

// ProducedBy selects tasks produced by any of the pipes.
func ProducedBy(pipeIDs ...string) Predicate {
	ps := make([]Predicate, len(pipeIDs))
	for i, id := range pipeIDs {
		ps[i] = ByPipe(id)
	}
	return Or(ps...)
}

type argumentContainsPredicate struct{ nodes []domain.Ref }

// ArgumentContains selects tasks whose inputs include every given node.
func ArgumentContains(nodes ...domain.Ref) Predicate {
	return argumentContainsPredicate{nodes: nodes}
}

func (a argumentContainsPredicate) eval(q *Query) (Set, error) {
	var result Set
	for _, node := range a.nodes {
		ids, err := q.store.TasksWithInputNode(node.ID, -1)
		if err != nil {
			return nil, err
		}
		next := idSet(domain.EntryTask, ids)
		if result == nil {
			result = next
			continue
		}
		for ref := range result {
			if _, ok := next[ref]; !ok {
				delete(result, ref)
			}
		}
	}
	if result == nil {
		result = Set{}
	}
	return result, nil
}

// ---- traversal predicates ----

type ancestorsPredicate struct{ roots []domain.Ref }

type descendantsPredicate struct{ roots []domain.Ref }

// Ancestors selects every entry upstream of the roots: producing tasks
// and, transitively, their inputs.
func Ancestors(roots ...domain.Ref) Predicate { return ancestorsPredicate{roots: roots} }

// Descendants selects every entry downstream of the roots: consuming
// tasks and, transitively, their outputs.
func Descendants(roots ...domain.Ref) Predicate { return descendantsPredicate{roots: roots} }

func (a ancestorsPredicate) eval(q *Query) (Set, error) {
	return q.traverse(a.roots, q.upstream)
}

func (d descendantsPredicate) eval(q *Query) (Set, error) {
	return q.traverse(d.roots, q.downstream)
}

// Upstream returns the ancestor set of the roots.
func (q *Query) Upstream(roots ...domain.Ref) (Set, error) {
	return q.traverse(roots, q.upstream)
}

// Downstream returns the descendant set of the roots.
func (q *Query) Downstream(roots ...domain.Ref) (Set, error) {
	return q.traverse(roots, q.downstream)
}

func (q *Query) traverse(roots []domain.Ref, next func(domain.Ref) ([]domain.Ref, error)) (Set, error) {
	visited := Set{}
	stack := append([]domain.Ref(nil), roots...)
	for len(stack) > 0 {
		ref := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		neighbors, err := next(ref)
		if err != nil {
			return nil, err
		}
		for _, n := range neighbors {
			if _, seen := visited[n]; seen {
				continue
			}
			visited[n] = struct{}{}
			stack = append(stack, n)
		}
	}
	return visited, nil
}

func (q *Query) upstream(ref domain.Ref) ([]domain.Ref, error) {
	switch ref.Type {
	case domain.EntryResource, domain.EntryFileResource:
		task, err := q.store.ProducingTask(ref)
		if err != nil {
			return nil, err
		}
		if task == nil {
			return nil, nil
		}
		return []domain.Ref{{Type: domain.EntryTask, ID: task.ID}}, nil
	case domain.EntryTask:
		task, err := q.store.GetTask(ref.ID)
		if err != nil {
			return nil, err
		}
		return task.InputNodes(), nil
	default:
		return nil, nil
	}
}

func (q *Query) downstream(ref domain.Ref) ([]domain.Ref, error) {
	switch ref.Type {
	case domain.EntryResource, domain.EntryFileResource:
		ids, err := q.store.Consumers(ref)
		if err != nil {
			return nil, err
		}
		refs := make([]domain.Ref, len(ids))
		for i, id := range ids {
			refs[i] = domain.Ref{Type: domain.EntryTask, ID: id}
		}
		return refs, nil
	case domain.EntryTask:
		task, err := q.store.GetTask(ref.ID)
		if err != nil {
			return nil, err
		}
		return task.OutputNodes(), nil
	default:
		return nil, nil
	}
}

func idSet(t domain.EntryType, ids []string) Set {
	s := Set{}
	for _, id := range ids {
		s[domain.Ref{Type: t, ID: id}] = struct{}{}
	}
	return s
}

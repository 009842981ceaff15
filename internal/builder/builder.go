// Package builder implements deferred execution: calls are recorded as
// UnrunTasks with VirtualResource placeholders for their outputs, then
// Execute resolves the dataflow DAG against the worker pool. Completion
// order is not guaranteed; dataflow order is, and ties in readiness are
// broken by insertion order.
package builder

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/pipetrace/pipetrace/internal/domain"
	"github.com/pipetrace/pipetrace/internal/engine"
)

// Builder accumulates a batch of deferred calls.
type Builder struct {
	eng      *engine.Engine
	poolSize int

	unrun     []*domain.UnrunTask
	pipes     map[string]*domain.Pipe
	executed  bool
	cancelled atomic.Bool
}

// Result reports the outcome of an Execute pass.
type Result struct {
	// Completed lists committed tasks, including dedup hits and folds.
	Completed []*domain.Task
	// Skipped lists unrun tasks abandoned because a transitive
	// predecessor failed or the builder was cancelled.
	Skipped []*domain.UnrunTask
	// Failed maps unrun task ids to the failure that stopped them.
	Failed map[string]error
}

// New creates a builder executing against eng on a pool of poolSize
// workers.
func New(eng *engine.Engine, poolSize int) *Builder {
	return &Builder{
		eng:      eng,
		poolSize: poolSize,
		pipes:    make(map[string]*domain.Pipe),
	}
}

// CallOption modifies a deferred call.
type CallOption func(*callConfig)

type callConfig struct {
	outputFiles int
	description string
}

// WithOutputFiles declares how many output files the pipe will produce,
// creating one VirtualResource placeholder per file after the
// return-value placeholder.
func WithOutputFiles(n int) CallOption {
	return func(c *callConfig) { c.outputFiles = n }
}

// WithDescription attaches a description to the eventual task.
func WithDescription(desc string) CallOption {
	return func(c *callConfig) { c.description = desc }
}

// Call defers an execution of pipe and returns the placeholder for its
// return value. Arguments may include placeholders from earlier calls of
// the same batch; those become dataflow edges.
func (b *Builder) Call(pipe *domain.Pipe, args []any, kwargs map[string]any, opts ...CallOption) (*domain.VirtualResource, error) {
	ut, err := b.CallTask(pipe, args, kwargs, opts...)
	if err != nil {
		return nil, err
	}
	return ut.Outputs[0], nil
}

// CallTask defers an execution and returns the full UnrunTask, whose
// Outputs list holds the return-value placeholder followed by one
// placeholder per declared output file.
func (b *Builder) CallTask(pipe *domain.Pipe, args []any, kwargs map[string]any, opts ...CallOption) (*domain.UnrunTask, error) {
	cfg := callConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	bound, err := domain.BindArgs(pipe.Params, args, kwargs)
	if err != nil {
		return nil, err
	}
	for _, arg := range bound {
		switch arg.(type) {
		case *domain.Resource, *domain.FileResource, *domain.VirtualResource:
		default:
			if err := domain.CheckNoNestedNodes(arg); err != nil {
				return nil, err
			}
		}
	}

	ut := &domain.UnrunTask{
		ID:          uuid.New().String(),
		PipeID:      pipe.ID,
		Args:        bound,
		Description: cfg.description,
	}
	for i := 0; i <= cfg.outputFiles; i++ {
		ut.Outputs = append(ut.Outputs, &domain.VirtualResource{
			ID:      uuid.New().String(),
			Owner:   ut,
			Ordinal: i,
		})
	}

	b.unrun = append(b.unrun, ut)
	b.pipes[pipe.ID] = pipe
	return ut, nil
}

// Pending returns the number of unrun tasks awaiting execution.
func (b *Builder) Pending() int { return len(b.unrun) }

// Cancel stops the builder from submitting new work. Tasks already
// running complete and their results are persisted.
func (b *Builder) Cancel() { b.cancelled.Store(true) }

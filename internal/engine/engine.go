// Package engine ties the provenance components together: it owns the
// store, vault, file manager, and pipe registry, and implements the
// synchronous executor with fingerprint-based deduplication.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/pipetrace/pipetrace/internal/domain"
	"github.com/pipetrace/pipetrace/internal/files"
	"github.com/pipetrace/pipetrace/internal/infrastructure/sqlite"
	"github.com/pipetrace/pipetrace/internal/pubsub"
	"github.com/pipetrace/pipetrace/internal/registry"
	"github.com/pipetrace/pipetrace/internal/vault"
)

const (
	payloadCacheExpiration = 10 * time.Minute
	payloadCacheCleanup    = 30 * time.Minute
)

// Engine is the long-lived provenance engine instance bound to one
// database file and one vault directory.
type Engine struct {
	db       *sqlite.DB
	store    *sqlite.Store
	vault    *vault.Vault
	files    *files.Manager
	registry *registry.Registry
	events   *pubsub.Broker[domain.UpdateEvent]
	payloads *gocache.Cache
	tracer   trace.Tracer

	mu sync.Mutex
	// live holds in-process content handles: the one-shot payloads of
	// volatile resources and the not-yet-reloaded values of resources
	// produced in this process.
	live map[string]*liveHandle
	// inflight serializes executions per fingerprint engine-wide.
	inflight map[string]chan struct{}
}

type liveHandle struct {
	value    any
	consumed bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithTracer installs an OpenTelemetry tracer for run/build spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// New opens the engine over the database at dbPath and the vault at
// vaultDir, creating both as needed.
func New(dbPath, vaultDir string, opts ...Option) (*Engine, error) {
	db, err := sqlite.NewDB(dbPath)
	if err != nil {
		return nil, err
	}
	v, err := vault.New(vaultDir)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store := db.Store()
	e := &Engine{
		db:       db,
		store:    store,
		vault:    v,
		files:    files.NewManager(store),
		registry: registry.New(store),
		events:   pubsub.NewBroker[domain.UpdateEvent](),
		payloads: gocache.New(payloadCacheExpiration, payloadCacheCleanup),
		tracer:   noop.NewTracerProvider().Tracer("noop"),
		live:     make(map[string]*liveHandle),
		inflight: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// CreateNew initializes a fresh database and vault, failing if the
// database file already exists.
func CreateNew(dbPath, vaultDir string) error {
	if _, err := os.Stat(dbPath); err == nil {
		return fmt.Errorf("database %s already exists", dbPath)
	}
	db, err := sqlite.NewDB(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = vault.New(vaultDir)
	return err
}

// Close releases the engine's database handle and event broker.
func (e *Engine) Close() error {
	e.events.Close()
	return e.db.Close()
}

// Store exposes the durable store.
func (e *Engine) Store() *sqlite.Store { return e.store }

// DB exposes the underlying database.
func (e *Engine) DB() *sqlite.DB { return e.db }

// Vault exposes the payload vault.
func (e *Engine) Vault() *vault.Vault { return e.vault }

// Files exposes the file resource manager.
func (e *Engine) Files() *files.Manager { return e.files }

// Tracer exposes the engine's tracer.
func (e *Engine) Tracer() trace.Tracer { return e.tracer }

// Events exposes the update-event broker. Every insert, modify, delete,
// and content restore on the graph is published here.
func (e *Engine) Events() *pubsub.Broker[domain.UpdateEvent] { return e.events }

// RegisterPipe registers (or returns) a pipe per the spec.
func (e *Engine) RegisterPipe(spec registry.Spec) (*domain.Pipe, error) {
	pipe, err := e.registry.Register(spec)
	if err != nil {
		return nil, err
	}
	e.publish(domain.OpInsert, domain.Ref{Type: domain.EntryPipe, ID: pipe.ID})
	return pipe, nil
}

// GetPipe retrieves a pipe by id.
func (e *Engine) GetPipe(id string) (*domain.Pipe, error) {
	return e.registry.Get(id)
}

// RegisterFile registers the file at path as a FileResource.
func (e *Engine) RegisterFile(path string, force bool) (*domain.FileResource, error) {
	before, _ := e.files.FromPath(path)
	fr, err := e.files.Register(path, force)
	if err != nil {
		return nil, err
	}
	if before != nil && before.ID != fr.ID {
		e.publish(domain.OpModify, domain.Ref{Type: domain.EntryFileResource, ID: before.ID})
	}
	if before == nil || before.ID != fr.ID {
		e.publish(domain.OpInsert, domain.Ref{Type: domain.EntryFileResource, ID: fr.ID})
	}
	return fr, nil
}

// FileFromPath returns the live FileResource registered at path.
func (e *Engine) FileFromPath(path string) (*domain.FileResource, error) {
	return e.files.FromPath(path)
}

// Content returns the payload of a resource. Volatile payloads are
// consumed on first read; non-volatile payloads reload from the vault as
// needed.
func (e *Engine) Content(ctx context.Context, r *domain.Resource) (any, error) {
	if r.Volatile {
		e.mu.Lock()
		defer e.mu.Unlock()
		handle, ok := e.live[r.ID]
		if !ok || handle.consumed {
			return nil, &domain.VolatileConsumedError{ID: r.ID}
		}
		handle.consumed = true
		value := handle.value
		handle.value = nil
		return value, nil
	}

	if cached, ok := e.payloads.Get(r.ContentHash); ok {
		return cached, nil
	}
	value, err := e.vault.Get(r.ContentHash, r.ID)
	if err != nil {
		return nil, err
	}
	e.payloads.Set(r.ContentHash, value, gocache.DefaultExpiration)
	return value, nil
}

// RefetchContent restores a missing vault payload by re-running the
// producing task chain. Every pipe on the chain must be deterministic and
// produce no output files, and every file input must still pass its
// shallow check.
func (e *Engine) RefetchContent(ctx context.Context, r *domain.Resource) error {
	if r.Volatile {
		return &domain.VolatileConsumedError{ID: r.ID}
	}
	if e.vault.Has(r.ContentHash) {
		return nil
	}
	value, err := e.recompute(ctx, r)
	if err != nil {
		return err
	}
	if _, err := e.vault.Put(value); err != nil {
		return err
	}
	e.publish(domain.OpContentChange, domain.Ref{Type: domain.EntryResource, ID: r.ID})
	return nil
}

// recompute re-executes the producing task of r without recording a new
// task, recursively restoring missing input payloads first.
func (e *Engine) recompute(ctx context.Context, r *domain.Resource) (any, error) {
	if r.TaskID == "" {
		return nil, &domain.MissingResourceError{ID: r.ID}
	}
	task, err := e.store.GetTask(r.TaskID)
	if err != nil {
		return nil, err
	}
	pipe, err := e.registry.Get(task.PipeID)
	if err != nil {
		return nil, err
	}
	if !pipe.Deterministic {
		return nil, fmt.Errorf("cannot refetch %s: producing pipe is not deterministic", r.ID)
	}
	hasFiles := false
	for _, out := range task.Outputs {
		if out.Kind == domain.OutFileResource {
			hasFiles = true
		}
	}
	if hasFiles {
		return nil, fmt.Errorf("cannot refetch %s: re-running would overwrite output files", r.ID)
	}

	bound := make([]any, len(task.Inputs))
	for i, arg := range task.Inputs {
		switch arg.Kind {
		case domain.ArgLiteral:
			bound[i] = arg.Literal
		case domain.ArgResource:
			dep, err := e.store.GetResource(arg.NodeID)
			if err != nil {
				return nil, err
			}
			if !e.vault.Has(dep.ContentHash) {
				if err := e.RefetchContent(ctx, dep); err != nil {
					return nil, err
				}
			}
			bound[i] = dep
		case domain.ArgFileResource:
			fr, err := e.store.GetFileResource(arg.NodeID)
			if err != nil {
				return nil, err
			}
			bound[i] = fr
		}
	}

	resolved, err := e.resolveArgs(ctx, bound)
	if err != nil {
		return nil, err
	}
	fn, err := e.registry.Fn(pipe.ID)
	if err != nil {
		return nil, err
	}
	value, err := fn(ctx, resolved)
	if err != nil {
		return nil, &domain.PipeExecutionError{PipeID: pipe.ID, Err: err}
	}
	return value, nil
}

func (e *Engine) publish(op domain.UpdateOp, ref domain.Ref) {
	e.events.Publish(pubsub.UpdatedEvent, domain.UpdateEvent{Op: op, Ref: ref})
}

// registerLive records an in-process content handle for a resource.
func (e *Engine) registerLive(id string, value any) {
	e.mu.Lock()
	e.live[id] = &liveHandle{value: value}
	e.mu.Unlock()
}

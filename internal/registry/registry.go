// Package registry manages pipe registration: identity derivation,
// deduplication by identity, and the live bindings from persisted pipe
// rows to the Go functions of the current process.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/pipetrace/pipetrace/internal/domain"
	"github.com/pipetrace/pipetrace/internal/infrastructure/sqlite"
	"github.com/pipetrace/pipetrace/internal/log"
)

const (
	pipeCacheExpiration = 10 * time.Minute
	pipeCacheCleanup    = 30 * time.Minute
)

// Spec describes a pipe registration.
type Spec struct {
	// Fn is the executable body. Required.
	Fn domain.PipeFunc
	// OutputFn, when set, maps the same resolved arguments to the ordered
	// list of file paths the pipe will produce.
	OutputFn domain.OutputFunc
	// Module and Name form the identity key for named callables. When
	// Name is empty the callable is anonymous and Source is required.
	Module string
	Name   string
	// Source is the captured source text. Required for anonymous
	// callables (its hash becomes the identity); optional otherwise, in
	// which case it is persisted for provenance display only.
	Source string
	// OutputSource is the captured source text of OutputFn, if any.
	OutputSource string

	Params         []domain.Param
	ReturnVolatile bool
	// NonDeterministic disables dedup for this pipe.
	NonDeterministic bool
	Description      string
}

// Registry registers pipes and resolves their live bindings.
type Registry struct {
	store *sqlite.Store

	mu      sync.RWMutex
	fns     map[string]domain.PipeFunc
	outFns  map[string]domain.OutputFunc
	byIdent *gocache.Cache // identity key -> *domain.Pipe
}

// New creates a registry bound to the store.
func New(store *sqlite.Store) *Registry {
	return &Registry{
		store:   store,
		fns:     make(map[string]domain.PipeFunc),
		outFns:  make(map[string]domain.OutputFunc),
		byIdent: gocache.New(pipeCacheExpiration, pipeCacheCleanup),
	}
}

// Register creates (or returns) the pipe for the spec. A registration
// whose identity key matches an existing pipe with identical
// return-volatile, determinism, and output-func attributes returns the
// existing pipe with the live binding refreshed; mismatched attributes
// fail with PipeRegistrationConflictError.
func (r *Registry) Register(spec Spec) (*domain.Pipe, error) {
	if spec.Fn == nil {
		return nil, &domain.SchemaError{Msg: "pipe function is required"}
	}
	identity, err := identityKey(spec)
	if err != nil {
		return nil, err
	}

	if cached, ok := r.byIdent.Get(identity); ok {
		pipe := cached.(*domain.Pipe)
		if err := checkCompatible(pipe, spec); err != nil {
			return nil, err
		}
		r.bind(pipe.ID, spec)
		return pipe, nil
	}

	existing, err := r.store.PipeByIdentity(identity)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := checkCompatible(existing, spec); err != nil {
			return nil, err
		}
		r.bind(existing.ID, spec)
		r.byIdent.Set(identity, existing, gocache.DefaultExpiration)
		return existing, nil
	}

	pipe := &domain.Pipe{
		ID:             uuid.New().String(),
		Module:         spec.Module,
		Name:           spec.Name,
		IdentityKey:    identity,
		Params:         spec.Params,
		ReturnVolatile: spec.ReturnVolatile,
		Deterministic:  !spec.NonDeterministic,
		HasOutputFunc:  spec.OutputFn != nil,
		Description:    spec.Description,
		Info:           domain.Info{},
	}
	if spec.Source != "" {
		pipe.Info.Set(domain.FlagSourceCode, spec.Source)
	}
	if spec.OutputSource != "" {
		pipe.Info.Set(domain.FlagOutputFuncSourceCode, spec.OutputSource)
	}

	if err := r.store.InsertPipe(pipe); err != nil {
		return nil, err
	}
	r.bind(pipe.ID, spec)
	r.byIdent.Set(identity, pipe, gocache.DefaultExpiration)
	log.Info(log.CatPipe, "Registered pipe", "id", pipe.ID, "identity", identity)
	return pipe, nil
}

// Get retrieves a pipe by id.
func (r *Registry) Get(id string) (*domain.Pipe, error) {
	return r.store.GetPipe(id)
}

// Fn returns the live function bound to the pipe id. A pipe loaded from a
// prior process has no binding until it is re-registered.
func (r *Registry) Fn(id string) (domain.PipeFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[id]
	if !ok {
		return nil, &domain.UnknownPipeError{ID: id}
	}
	return fn, nil
}

// OutputFn returns the live output function bound to the pipe id, or nil
// when the pipe declares none.
func (r *Registry) OutputFn(id string) domain.OutputFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.outFns[id]
}

func (r *Registry) bind(id string, spec Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[id] = spec.Fn
	if spec.OutputFn != nil {
		r.outFns[id] = spec.OutputFn
	}
}

// identityKey derives the stable identity of a callable: module-qualified
// name when one is given, otherwise the hash of the supplied source text.
func identityKey(spec Spec) (string, error) {
	if spec.Name != "" {
		if spec.Module != "" {
			return spec.Module + "." + spec.Name, nil
		}
		return spec.Name, nil
	}
	if spec.Source == "" {
		return "", &domain.SchemaError{Msg: "anonymous pipes require source text for identity"}
	}
	sum := sha256.Sum256([]byte(spec.Source))
	return "src:" + hex.EncodeToString(sum[:]), nil
}

func checkCompatible(pipe *domain.Pipe, spec Spec) error {
	if pipe.ReturnVolatile != spec.ReturnVolatile ||
		pipe.Deterministic == spec.NonDeterministic ||
		pipe.HasOutputFunc != (spec.OutputFn != nil) {
		return &domain.PipeRegistrationConflictError{IdentityKey: pipe.IdentityKey}
	}
	return nil
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pipetrace/pipetrace/internal/domain"
	"github.com/pipetrace/pipetrace/internal/files"
	"github.com/pipetrace/pipetrace/internal/fingerprint"
	"github.com/pipetrace/pipetrace/internal/log"
)

// RunResult is the outcome of one pipe execution (or dedup hit).
type RunResult struct {
	Task *domain.Task
	// Resource wraps the pipe's return value.
	Resource *domain.Resource
	// Files holds one FileResource per declared output path, in path
	// order.
	Files []*domain.FileResource
	// Deduped is true when a prior task was reused and user code did not
	// run.
	Deduped bool
}

// Run binds the call, fingerprints it, and either reuses a prior task
// with the same fingerprint or executes the pipe and records a new task.
func (e *Engine) Run(ctx context.Context, pipe *domain.Pipe, args []any, kwargs map[string]any) (*RunResult, error) {
	bound, err := domain.BindArgs(pipe.Params, args, kwargs)
	if err != nil {
		return nil, err
	}
	return e.RunBound(ctx, pipe, bound)
}

// RunBound executes a call whose arguments are already bound to the
// pipe's declared parameters. Arguments may be literals, *Resource, or
// *FileResource values.
func (e *Engine) RunBound(ctx context.Context, pipe *domain.Pipe, bound []any) (*RunResult, error) {
	return e.RunBoundWithDescription(ctx, pipe, bound, "")
}

// RunBoundWithDescription is RunBound with a description attached to the
// task if one is recorded. A dedup hit keeps the prior task's
// description.
func (e *Engine) RunBoundWithDescription(ctx context.Context, pipe *domain.Pipe, bound []any, description string) (*RunResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.run")
	defer span.End()
	span.SetAttributes(attribute.String("pipe.id", pipe.ID))

	fp, err := e.fingerprintCall(pipe, bound)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("task.fingerprint", fp))

	// At most one execution per fingerprint engine-wide: later callers
	// wait for the commit, then observe the cached task.
	release := e.acquireFingerprint(fp)
	defer release()

	if pipe.Deterministic {
		if prev, err := e.dedupLookup(fp); err != nil {
			return nil, err
		} else if prev != nil {
			log.Debug(log.CatExec, "Dedup hit", "pipeID", pipe.ID, "taskID", prev.Task.ID)
			span.SetAttributes(attribute.Bool("task.deduped", true))
			return prev, nil
		}
	}

	return e.execute(ctx, pipe, bound, fp, description)
}

// Fingerprint computes the dedup fingerprint for a bound call without
// executing it.
func (e *Engine) Fingerprint(pipe *domain.Pipe, bound []any) (string, error) {
	return e.fingerprintCall(pipe, bound)
}

func (e *Engine) fingerprintCall(pipe *domain.Pipe, bound []any) (string, error) {
	canon := make([]any, len(bound))
	for i, arg := range bound {
		c, err := e.canonicalArg(arg)
		if err != nil {
			return "", err
		}
		canon[i] = c
	}
	return fingerprint.Compute(pipe.IdentityKey, canon)
}

// canonicalArg maps a bound argument into the fingerprint value model: a
// resource by its producing task's fingerprint plus ordinal, a file
// resource by its stored MD5, everything else by value.
func (e *Engine) canonicalArg(arg any) (any, error) {
	switch v := arg.(type) {
	case *domain.Resource:
		task, err := e.store.GetTask(v.TaskID)
		if err != nil {
			return nil, err
		}
		return fingerprint.ResourceRef{TaskFingerprint: task.Fingerprint, Ordinal: v.Ordinal}, nil
	case *domain.FileResource:
		return fingerprint.FileRef{MD5: v.MD5}, nil
	case *domain.VirtualResource:
		return nil, &domain.SchemaError{Msg: "virtual resource cannot be fingerprinted before resolution"}
	default:
		return arg, nil
	}
}

func (e *Engine) acquireFingerprint(fp string) func() {
	for {
		e.mu.Lock()
		ch, busy := e.inflight[fp]
		if !busy {
			done := make(chan struct{})
			e.inflight[fp] = done
			e.mu.Unlock()
			return func() {
				e.mu.Lock()
				delete(e.inflight, fp)
				e.mu.Unlock()
				close(done)
			}
		}
		e.mu.Unlock()
		<-ch
	}
}

// dedupLookup returns the prior result for fp when one exists and all of
// its outputs are still valid: resource payloads present in the vault and
// output files passing a shallow check. Obsolete or deprecated tasks
// never satisfy dedup.
func (e *Engine) dedupLookup(fp string) (*RunResult, error) {
	task, err := e.store.TaskByFingerprint(fp)
	if err != nil || task == nil {
		return nil, err
	}
	if task.Info.Has(domain.FlagObsolete) || task.Info.Has(domain.FlagDeprecated) {
		return nil, nil
	}

	result := &RunResult{Task: task, Deduped: true}
	for _, out := range task.Outputs {
		switch out.Kind {
		case domain.OutResource:
			r, err := e.store.GetResource(out.NodeID)
			if err != nil {
				return nil, err
			}
			if r.Volatile || r.Info.Has(domain.FlagDeprecated) {
				return nil, nil
			}
			if !e.vault.Has(r.ContentHash) {
				return nil, nil
			}
			result.Resource = r
		case domain.OutFileResource:
			fr, err := e.store.GetFileResource(out.NodeID)
			if err != nil {
				return nil, err
			}
			if fr.Stale() || fr.Info.Has(domain.FlagDeprecated) {
				return nil, nil
			}
			check, err := e.files.IntegrityCheck(fr, false)
			if err != nil {
				return nil, err
			}
			if check != files.CheckOK {
				return nil, nil
			}
			result.Files = append(result.Files, fr)
		}
	}
	return result, nil
}

// execute runs user code and commits the task with its outputs.
func (e *Engine) execute(ctx context.Context, pipe *domain.Pipe, bound []any, fp, description string) (*RunResult, error) {
	fn, err := e.registry.Fn(pipe.ID)
	if err != nil {
		return nil, err
	}

	resolved, err := e.resolveArgs(ctx, bound)
	if err != nil {
		return nil, err
	}

	// The expected output paths are computed up front; path order defines
	// the ordinal binding of the resulting FileResources.
	var outputPaths []string
	if outputFn := e.registry.OutputFn(pipe.ID); outputFn != nil {
		outputPaths, err = outputFn(resolved)
		if err != nil {
			return nil, &domain.PipeExecutionError{PipeID: pipe.ID, Err: fmt.Errorf("output func: %w", err)}
		}
	}

	startedAt := time.Now()
	value, err := fn(ctx, resolved)
	finishedAt := time.Now()
	if err != nil {
		// No task is recorded; partial output files are the user's to
		// clean up.
		log.ErrorErr(log.CatExec, "Pipe execution failed", err, "pipeID", pipe.ID)
		return nil, &domain.PipeExecutionError{PipeID: pipe.ID, Err: err}
	}

	taskID := uuid.New().String()
	outFiles, overwritten, err := e.files.SnapshotOutputs(outputPaths, taskID)
	if err != nil {
		return nil, err
	}

	resource := &domain.Resource{
		ID:       uuid.New().String(),
		TaskID:   taskID,
		Ordinal:  0,
		Volatile: pipe.ReturnVolatile,
		Info:     domain.Info{},
	}
	if !resource.Volatile {
		value, err = fingerprint.Normalize(value)
		if err != nil {
			return nil, err
		}
		hash, err := e.vault.Put(value)
		if err != nil {
			return nil, err
		}
		resource.ContentHash = hash
	}

	inputs, err := toArguments(bound)
	if err != nil {
		return nil, err
	}
	outputs := []domain.OutputRef{{Kind: domain.OutResource, NodeID: resource.ID}}
	for _, fr := range outFiles {
		outputs = append(outputs, domain.OutputRef{Kind: domain.OutFileResource, NodeID: fr.ID})
	}

	task := &domain.Task{
		ID:          taskID,
		PipeID:      pipe.ID,
		Fingerprint: fp,
		Inputs:      inputs,
		Outputs:     outputs,
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
		Description: description,
		Info:        domain.Info{},
	}

	if err := e.store.PutTask(task, []*domain.Resource{resource}, outFiles, overwritten); err != nil {
		return nil, err
	}

	e.registerLive(resource.ID, value)
	if !resource.Volatile {
		e.payloads.Set(resource.ContentHash, value, payloadCacheExpiration)
	}

	e.publish(domain.OpInsert, domain.Ref{Type: domain.EntryTask, ID: task.ID})
	e.publish(domain.OpInsert, domain.Ref{Type: domain.EntryResource, ID: resource.ID})
	for _, fr := range outFiles {
		e.publish(domain.OpInsert, domain.Ref{Type: domain.EntryFileResource, ID: fr.ID})
	}
	for _, id := range overwritten {
		e.publish(domain.OpModify, domain.Ref{Type: domain.EntryFileResource, ID: id})
	}

	log.Info(log.CatExec, "Task recorded", "taskID", task.ID, "pipeID", pipe.ID, "files", len(outFiles))
	return &RunResult{Task: task, Resource: resource, Files: outFiles}, nil
}

// resolveArgs converts bound arguments into the values handed to user
// code: resources become their content, file resources their absolute
// path after a shallow staleness check, literals pass through.
func (e *Engine) resolveArgs(ctx context.Context, bound []any) ([]any, error) {
	resolved := make([]any, len(bound))
	for i, arg := range bound {
		switch v := arg.(type) {
		case *domain.Resource:
			if v.Info.Has(domain.FlagObsolete) {
				return nil, fmt.Errorf("resource %s is obsolete and cannot be used", v.ID)
			}
			content, err := e.Content(ctx, v)
			if err != nil {
				return nil, err
			}
			resolved[i] = content
		case *domain.FileResource:
			if err := e.files.CheckInput(v); err != nil {
				return nil, err
			}
			resolved[i] = v.Path
		case *domain.VirtualResource:
			return nil, &domain.SchemaError{Msg: "virtual resource cannot be resolved outside a builder"}
		default:
			// Literals reach user code in canonical form, matching what a
			// vault round-trip would produce.
			normalized, err := fingerprint.Normalize(arg)
			if err != nil {
				return nil, err
			}
			resolved[i] = normalized
		}
	}
	return resolved, nil
}

// toArguments converts bound values into persisted task inputs. Node
// references are only supported at the top level of an argument; a node
// nested inside a container cannot be edge-tracked and is rejected.
func toArguments(bound []any) ([]domain.Argument, error) {
	args := make([]domain.Argument, len(bound))
	for i, arg := range bound {
		switch v := arg.(type) {
		case *domain.Resource:
			args[i] = domain.Argument{Kind: domain.ArgResource, NodeID: v.ID}
		case *domain.FileResource:
			args[i] = domain.Argument{Kind: domain.ArgFileResource, NodeID: v.ID}
		default:
			if err := domain.CheckNoNestedNodes(arg); err != nil {
				return nil, err
			}
			args[i] = domain.Argument{Kind: domain.ArgLiteral, Literal: arg}
		}
	}
	return args, nil
}

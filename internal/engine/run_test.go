package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipetrace/pipetrace/internal/domain"
	"github.com/pipetrace/pipetrace/internal/engine"
	"github.com/pipetrace/pipetrace/internal/registry"
	"github.com/pipetrace/pipetrace/internal/testutil"
)

// registerAdd registers a deterministic add pipe and returns it together
// with the invocation counter.
func registerAdd(t *testing.T, eng *engine.Engine) (*domain.Pipe, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	pipe, err := eng.RegisterPipe(registry.Spec{
		Fn: func(ctx context.Context, args []any) (any, error) {
			calls.Add(1)
			return args[0].(int64) + args[1].(int64), nil
		},
		Module: "math",
		Name:   "add",
		Params: []domain.Param{{Name: "i"}, {Name: "j"}},
	})
	require.NoError(t, err)
	return pipe, &calls
}

// TestDedupDeterministic is scenario S1: calling add(1,2) twice reuses
// the first task and does not re-invoke user code.
func TestDedupDeterministic(t *testing.T) {
	eng := testutil.NewTestEngine(t)
	pipe, calls := registerAdd(t, eng)
	ctx := context.Background()

	first, err := eng.Run(ctx, pipe, []any{1, 2}, nil)
	require.NoError(t, err)
	require.False(t, first.Deduped)
	content, err := eng.Content(ctx, first.Resource)
	require.NoError(t, err)
	require.Equal(t, int64(3), content)

	second, err := eng.Run(ctx, pipe, []any{1, 2}, nil)
	require.NoError(t, err)
	require.True(t, second.Deduped)
	require.Equal(t, first.Task.ID, second.Task.ID, "same fingerprint must reuse the task")
	require.Equal(t, first.Resource.ID, second.Resource.ID)
	require.Equal(t, int32(1), calls.Load(), "user code must run exactly once")
}

// TestDedupAcrossCallStyles: keyword and positional spellings of the same
// call share a fingerprint.
func TestDedupAcrossCallStyles(t *testing.T) {
	eng := testutil.NewTestEngine(t)
	pipe, calls := registerAdd(t, eng)
	ctx := context.Background()

	first, err := eng.Run(ctx, pipe, []any{1, 2}, nil)
	require.NoError(t, err)
	second, err := eng.Run(ctx, pipe, []any{1}, map[string]any{"j": 2})
	require.NoError(t, err)
	require.Equal(t, first.Task.ID, second.Task.ID)
	require.Equal(t, int32(1), calls.Load())
}

// TestDependencyChain is scenario S2: add(add(1,2), 4) == 7 and the outer
// task's input references the inner task's resource, not the literal 3.
func TestDependencyChain(t *testing.T) {
	eng := testutil.NewTestEngine(t)
	pipe, _ := registerAdd(t, eng)
	ctx := context.Background()

	r1, err := eng.Run(ctx, pipe, []any{1, 2}, nil)
	require.NoError(t, err)
	r2, err := eng.Run(ctx, pipe, []any{r1.Resource, 4}, nil)
	require.NoError(t, err)

	content, err := eng.Content(ctx, r2.Resource)
	require.NoError(t, err)
	require.Equal(t, int64(7), content)

	task, err := eng.Store().GetTask(r2.Task.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ArgResource, task.Inputs[0].Kind)
	require.Equal(t, r1.Resource.ID, task.Inputs[0].NodeID, "input must reference the producing resource")
	require.Equal(t, domain.ArgLiteral, task.Inputs[1].Kind)
}

// TestStaleFileInput is scenario S3: an externally rewritten file fails
// the shallow check, and re-registration marks the old resource
// overwritten.
func TestStaleFileInput(t *testing.T) {
	eng := testutil.NewTestEngine(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := testutil.WriteFile(t, dir, "a.txt", "x")

	fr, err := eng.RegisterFile(path, false)
	require.NoError(t, err)

	var calls atomic.Int32
	pipe, err := eng.RegisterPipe(registry.Spec{
		Fn: func(ctx context.Context, args []any) (any, error) {
			calls.Add(1)
			data, err := os.ReadFile(args[0].(string))
			return string(data), err
		},
		Module: "io",
		Name:   "slurp",
		Params: []domain.Param{{Name: "path"}},
	})
	require.NoError(t, err)

	// Rewrite the file out of band with a different size.
	require.NoError(t, os.WriteFile(path, []byte("yy"), 0600))

	_, err = eng.Run(ctx, pipe, []any{fr}, nil)
	var staleErr *domain.StaleFileResourceError
	require.ErrorAs(t, err, &staleErr)
	require.Zero(t, calls.Load(), "user code must not run with a stale input")

	// Re-registering creates a new file resource; the old one gains the
	// overwritten flag.
	fr2, err := eng.RegisterFile(path, true)
	require.NoError(t, err)
	require.NotEqual(t, fr.ID, fr2.ID)
	old, err := eng.Store().GetFileResource(fr.ID)
	require.NoError(t, err)
	require.True(t, old.Info.Has(domain.FlagOverwritten))
}

// TestPipeWithOutputFiles is scenario S4: a pipe declaring output paths
// yields FileResources in path order, and the repeat call dedups.
func TestPipeWithOutputFiles(t *testing.T) {
	eng := testutil.NewTestEngine(t)
	ctx := context.Background()
	dir := t.TempDir()
	out1 := filepath.Join(dir, "a")
	out2 := filepath.Join(dir, "b")

	var calls atomic.Int32
	pipe, err := eng.RegisterPipe(registry.Spec{
		Fn: func(ctx context.Context, args []any) (any, error) {
			calls.Add(1)
			if err := os.WriteFile(args[0].(string), []byte("hello"), 0600); err != nil {
				return nil, err
			}
			if err := os.WriteFile(args[1].(string), []byte("world"), 0600); err != nil {
				return nil, err
			}
			return nil, nil
		},
		OutputFn: func(args []any) ([]string, error) {
			return []string{args[0].(string), args[1].(string)}, nil
		},
		Module: "io",
		Name:   "write_hw",
		Params: []domain.Param{{Name: "out1"}, {Name: "out2"}},
	})
	require.NoError(t, err)

	first, err := eng.Run(ctx, pipe, []any{out1, out2}, nil)
	require.NoError(t, err)
	require.Len(t, first.Files, 2)
	require.Equal(t, out1, first.Files[0].Path, "path order defines the ordinal binding")
	require.Equal(t, out2, first.Files[1].Path)
	for _, fr := range first.Files {
		require.Equal(t, first.Task.ID, fr.TaskID)
	}
	data, err := os.ReadFile(out1)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	second, err := eng.Run(ctx, pipe, []any{out1, out2}, nil)
	require.NoError(t, err)
	require.True(t, second.Deduped)
	require.Equal(t, first.Files[0].ID, second.Files[0].ID)
	require.Equal(t, first.Files[1].ID, second.Files[1].ID)
	require.Equal(t, int32(1), calls.Load(), "dedup must not re-execute")
}

// TestNonDeterministic is scenario S5: a non-deterministic pipe never
// dedups.
func TestNonDeterministic(t *testing.T) {
	eng := testutil.NewTestEngine(t)
	ctx := context.Background()

	var calls atomic.Int32
	pipe, err := eng.RegisterPipe(registry.Spec{
		Fn: func(ctx context.Context, args []any) (any, error) {
			return calls.Add(1), nil
		},
		Module:           "rng",
		Name:             "rand",
		NonDeterministic: true,
	})
	require.NoError(t, err)

	first, err := eng.Run(ctx, pipe, nil, nil)
	require.NoError(t, err)
	second, err := eng.Run(ctx, pipe, nil, nil)
	require.NoError(t, err)
	require.NotEqual(t, first.Task.ID, second.Task.ID)
	require.NotEqual(t, first.Resource.ID, second.Resource.ID)
	require.Equal(t, int32(2), calls.Load())
}

// TestVolatileResource: generator-style payloads are one-shot and their
// tasks never satisfy dedup.
func TestVolatileResource(t *testing.T) {
	eng := testutil.NewTestEngine(t)
	ctx := context.Background()

	var calls atomic.Int32
	pipe, err := eng.RegisterPipe(registry.Spec{
		Fn: func(ctx context.Context, args []any) (any, error) {
			calls.Add(1)
			return []any{int64(1), int64(2), int64(3)}, nil
		},
		Module:         "gen",
		Name:           "stream",
		ReturnVolatile: true,
	})
	require.NoError(t, err)

	first, err := eng.Run(ctx, pipe, nil, nil)
	require.NoError(t, err)
	require.True(t, first.Resource.Volatile)
	require.Empty(t, first.Resource.ContentHash, "volatile payloads bypass the vault")

	content, err := eng.Content(ctx, first.Resource)
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), int64(2), int64(3)}, content)

	_, err = eng.Content(ctx, first.Resource)
	var consumedErr *domain.VolatileConsumedError
	require.ErrorAs(t, err, &consumedErr)

	second, err := eng.Run(ctx, pipe, nil, nil)
	require.NoError(t, err)
	require.False(t, second.Deduped, "volatile outputs cannot be reused")
	require.Equal(t, int32(2), calls.Load())
}

// TestPipeExecutionError: user-code failure records no task.
func TestPipeExecutionError(t *testing.T) {
	eng := testutil.NewTestEngine(t)
	ctx := context.Background()

	pipe, err := eng.RegisterPipe(registry.Spec{
		Fn: func(ctx context.Context, args []any) (any, error) {
			return nil, os.ErrPermission
		},
		Module: "bad",
		Name:   "boom",
	})
	require.NoError(t, err)

	_, err = eng.Run(ctx, pipe, nil, nil)
	var execErr *domain.PipeExecutionError
	require.ErrorAs(t, err, &execErr)
	require.ErrorIs(t, err, os.ErrPermission)

	ids, err := eng.Store().AllTaskIDs()
	require.NoError(t, err)
	require.Empty(t, ids, "no task may exist after a failed run")
}

// TestDedupInvalidatedByMissingPayload: a dedup candidate whose vault
// entry is gone re-executes.
func TestDedupInvalidatedByMissingPayload(t *testing.T) {
	eng := testutil.NewTestEngine(t)
	pipe, calls := registerAdd(t, eng)
	ctx := context.Background()

	first, err := eng.Run(ctx, pipe, []any{1, 2}, nil)
	require.NoError(t, err)
	require.NoError(t, eng.Vault().Delete(first.Resource.ContentHash))

	second, err := eng.Run(ctx, pipe, []any{1, 2}, nil)
	require.NoError(t, err)
	require.False(t, second.Deduped)
	require.NotEqual(t, first.Task.ID, second.Task.ID)
	require.Equal(t, int32(2), calls.Load())
}

// TestMarkDeprecatedTriggersRerun: deprecated tasks never satisfy dedup.
func TestMarkDeprecatedTriggersRerun(t *testing.T) {
	eng := testutil.NewTestEngine(t)
	pipe, calls := registerAdd(t, eng)
	ctx := context.Background()

	first, err := eng.Run(ctx, pipe, []any{1, 2}, nil)
	require.NoError(t, err)
	require.NoError(t, eng.MarkDeprecated(domain.Ref{Type: domain.EntryTask, ID: first.Task.ID}))

	second, err := eng.Run(ctx, pipe, []any{1, 2}, nil)
	require.NoError(t, err)
	require.False(t, second.Deduped)
	require.Equal(t, int32(2), calls.Load())
}

// TestObsoletePropagation: marking a task obsolete marks every
// descendant, and obsolete resources cannot be used as inputs.
func TestObsoletePropagation(t *testing.T) {
	eng := testutil.NewTestEngine(t)
	pipe, _ := registerAdd(t, eng)
	ctx := context.Background()

	r1, err := eng.Run(ctx, pipe, []any{1, 2}, nil)
	require.NoError(t, err)
	r2, err := eng.Run(ctx, pipe, []any{r1.Resource, 4}, nil)
	require.NoError(t, err)

	require.NoError(t, eng.MarkObsolete(domain.Ref{Type: domain.EntryTask, ID: r1.Task.ID}))

	// The downstream task and its outputs are obsolete too.
	downstream, err := eng.Store().GetTask(r2.Task.ID)
	require.NoError(t, err)
	require.True(t, downstream.Info.Has(domain.FlagObsolete))
	res1, err := eng.Store().GetResource(r1.Resource.ID)
	require.NoError(t, err)
	require.True(t, res1.Info.Has(domain.FlagObsolete))
	res2, err := eng.Store().GetResource(r2.Resource.ID)
	require.NoError(t, err)
	require.True(t, res2.Info.Has(domain.FlagObsolete))

	// An obsolete resource is rejected as a task input.
	_, err = eng.Run(ctx, pipe, []any{res1, 5}, nil)
	require.Error(t, err)
}

// TestRefetchContent: a swept payload is recomputed by re-running the
// producing chain.
func TestRefetchContent(t *testing.T) {
	eng := testutil.NewTestEngine(t)
	pipe, _ := registerAdd(t, eng)
	ctx := context.Background()

	r1, err := eng.Run(ctx, pipe, []any{1, 2}, nil)
	require.NoError(t, err)
	r2, err := eng.Run(ctx, pipe, []any{r1.Resource, 4}, nil)
	require.NoError(t, err)

	// Drop both payloads; refetch must rebuild the chain.
	require.NoError(t, eng.Vault().Delete(r1.Resource.ContentHash))
	require.NoError(t, eng.Vault().Delete(r2.Resource.ContentHash))

	res2, err := eng.Store().GetResource(r2.Resource.ID)
	require.NoError(t, err)
	require.NoError(t, eng.RefetchContent(ctx, res2))
	require.True(t, eng.Vault().Has(r2.Resource.ContentHash))

	value, err := eng.Vault().Get(r2.Resource.ContentHash, res2.ID)
	require.NoError(t, err)
	require.Equal(t, int64(7), value)
}

// TestSweepVault: unreferenced payloads are removed, referenced ones kept.
func TestSweepVault(t *testing.T) {
	eng := testutil.NewTestEngine(t)
	pipe, _ := registerAdd(t, eng)
	ctx := context.Background()

	r1, err := eng.Run(ctx, pipe, []any{1, 2}, nil)
	require.NoError(t, err)

	orphan, err := eng.Vault().Put("orphaned payload")
	require.NoError(t, err)

	removed, err := eng.SweepVault(false)
	require.NoError(t, err)
	require.Equal(t, []string{orphan}, removed)
	require.True(t, eng.Vault().Has(r1.Resource.ContentHash))
}

// TestSingleFlightPerFingerprint: concurrent identical calls execute user
// code once; the second caller observes the committed task.
func TestSingleFlightPerFingerprint(t *testing.T) {
	eng := testutil.NewTestEngine(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	pipe, err := eng.RegisterPipe(registry.Spec{
		Fn: func(ctx context.Context, args []any) (any, error) {
			if calls.Add(1) == 1 {
				close(started)
				<-release
			}
			return int64(1), nil
		},
		Module: "slow",
		Name:   "once",
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*engine.RunResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = eng.Run(ctx, pipe, nil, nil)
		}()
	}
	<-started
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, results[0].Task.ID, results[1].Task.ID)
	require.Equal(t, int32(1), calls.Load(), "one fingerprint, one execution")
}

// TestUnsupportedArgumentKind: opaque user values are rejected up front.
func TestUnsupportedArgumentKind(t *testing.T) {
	eng := testutil.NewTestEngine(t)
	pipe, _ := registerAdd(t, eng)

	type opaque struct{ X int }
	_, err := eng.Run(context.Background(), pipe, []any{opaque{X: 1}, 2}, nil)
	var schemaErr *domain.SchemaError
	require.ErrorAs(t, err, &schemaErr)
}

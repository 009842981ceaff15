package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipetrace/pipetrace/internal/domain"
	"github.com/pipetrace/pipetrace/internal/infrastructure/sqlite"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db.Store())
}

func addFn(ctx context.Context, args []any) (any, error) {
	return args[0].(int64) + args[1].(int64), nil
}

func addSpec() Spec {
	return Spec{
		Fn:     addFn,
		Module: "math",
		Name:   "add",
		Params: []domain.Param{{Name: "i"}, {Name: "j"}},
	}
}

func TestRegister_New(t *testing.T) {
	r := newTestRegistry(t)

	pipe, err := r.Register(addSpec())
	require.NoError(t, err)
	require.Equal(t, "math.add", pipe.IdentityKey)
	require.True(t, pipe.Deterministic)
	require.False(t, pipe.ReturnVolatile)

	fn, err := r.Fn(pipe.ID)
	require.NoError(t, err)
	out, err := fn(context.Background(), []any{int64(1), int64(2)})
	require.NoError(t, err)
	require.Equal(t, int64(3), out)
}

func TestRegister_IdempotentByIdentity(t *testing.T) {
	r := newTestRegistry(t)

	p1, err := r.Register(addSpec())
	require.NoError(t, err)
	p2, err := r.Register(addSpec())
	require.NoError(t, err)
	require.Equal(t, p1.ID, p2.ID, "same identity and attributes must return the existing pipe")
}

func TestRegister_ConflictingAttributes(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register(addSpec())
	require.NoError(t, err)

	conflicting := addSpec()
	conflicting.NonDeterministic = true
	_, err = r.Register(conflicting)
	var conflictErr *domain.PipeRegistrationConflictError
	require.ErrorAs(t, err, &conflictErr)
}

func TestRegister_AnonymousRequiresSource(t *testing.T) {
	r := newTestRegistry(t)

	spec := Spec{Fn: addFn, Params: []domain.Param{{Name: "i"}, {Name: "j"}}}
	_, err := r.Register(spec)
	var schemaErr *domain.SchemaError
	require.ErrorAs(t, err, &schemaErr)
}

func TestRegister_AnonymousBySourceHash(t *testing.T) {
	r := newTestRegistry(t)

	spec := Spec{
		Fn:     addFn,
		Source: "func(i, j) { return i + j }",
		Params: []domain.Param{{Name: "i"}, {Name: "j"}},
	}
	p1, err := r.Register(spec)
	require.NoError(t, err)
	require.True(t, p1.Info.Has(domain.FlagSourceCode))

	p2, err := r.Register(spec)
	require.NoError(t, err)
	require.Equal(t, p1.ID, p2.ID, "identical source text means identical identity")

	other := spec
	other.Source = "func(i, j) { return i - j }"
	p3, err := r.Register(other)
	require.NoError(t, err)
	require.NotEqual(t, p1.ID, p3.ID)
}

func TestRegister_OutputFuncSourcePersisted(t *testing.T) {
	r := newTestRegistry(t)

	spec := addSpec()
	spec.Name = "write"
	spec.OutputFn = func(args []any) ([]string, error) { return nil, nil }
	spec.OutputSource = "func(paths...) { return paths }"
	pipe, err := r.Register(spec)
	require.NoError(t, err)
	require.True(t, pipe.HasOutputFunc)
	require.True(t, pipe.Info.Has(domain.FlagOutputFuncSourceCode))
	require.NotNil(t, r.OutputFn(pipe.ID))
}

func TestFn_UnknownPipe(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Fn("missing")
	var unknownErr *domain.UnknownPipeError
	require.ErrorAs(t, err, &unknownErr)
}

func TestRegister_RequiresFn(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(Spec{Module: "m", Name: "f"})
	var schemaErr *domain.SchemaError
	require.ErrorAs(t, err, &schemaErr)
}

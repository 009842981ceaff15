package fingerprint

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/pipetrace/pipetrace/internal/domain"
)

func isNaN(v any) bool {
	f, ok := v.(float64)
	return ok && math.IsNaN(f)
}

func TestCompute_Deterministic(t *testing.T) {
	a, err := Compute("math.add", []any{1, 2})
	require.NoError(t, err)
	b, err := Compute("math.add", []any{1, 2})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestCompute_DistinguishesIdentity(t *testing.T) {
	a, err := Compute("math.add", []any{1, 2})
	require.NoError(t, err)
	b, err := Compute("math.sub", []any{1, 2})
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestCompute_DistinguishesArgs(t *testing.T) {
	a, err := Compute("math.add", []any{1, 2})
	require.NoError(t, err)
	b, err := Compute("math.add", []any{2, 1})
	require.NoError(t, err)
	require.NotEqual(t, a, b, "argument order must matter")
}

func TestCompute_IntKindsUnify(t *testing.T) {
	a, err := Compute("p", []any{int(3)})
	require.NoError(t, err)
	b, err := Compute("p", []any{int64(3)})
	require.NoError(t, err)
	c, err := Compute("p", []any{uint16(3)})
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, a, c)
}

func TestCompute_IntFloatDiffer(t *testing.T) {
	a, err := Compute("p", []any{int64(3)})
	require.NoError(t, err)
	b, err := Compute("p", []any{float64(3)})
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestCompute_StringBytesDiffer(t *testing.T) {
	a, err := Compute("p", []any{"abc"})
	require.NoError(t, err)
	b, err := Compute("p", []any{[]byte("abc")})
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestCompute_MapKeyOrderIrrelevant(t *testing.T) {
	// Go map iteration order is randomized; hashing the same map many
	// times must stay stable.
	m := map[string]any{"a": 1, "b": 2, "c": 3, "d": 4}
	first, err := Compute("p", []any{m})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Compute("p", []any{m})
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestCompute_ResourceRefByProvenance(t *testing.T) {
	a, err := Compute("p", []any{ResourceRef{TaskFingerprint: "fp1", Ordinal: 0}})
	require.NoError(t, err)
	b, err := Compute("p", []any{ResourceRef{TaskFingerprint: "fp1", Ordinal: 1}})
	require.NoError(t, err)
	c, err := Compute("p", []any{ResourceRef{TaskFingerprint: "fp2", Ordinal: 0}})
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
}

func TestCompute_FileRefByMD5(t *testing.T) {
	a, err := Compute("p", []any{FileRef{MD5: "m1"}})
	require.NoError(t, err)
	b, err := Compute("p", []any{FileRef{MD5: "m1"}})
	require.NoError(t, err)
	c, err := Compute("p", []any{FileRef{MD5: "m2"}})
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestCompute_RejectsUnsupportedKind(t *testing.T) {
	type opaque struct{ X int }
	_, err := Compute("p", []any{opaque{X: 1}})
	var schemaErr *domain.SchemaError
	require.ErrorAs(t, err, &schemaErr)
}

func TestCompute_NestedContainers(t *testing.T) {
	a, err := Compute("p", []any{[]any{1, []any{2, 3}, map[string]any{"k": "v"}}})
	require.NoError(t, err)
	b, err := Compute("p", []any{[]any{1, []any{2, 3}, map[string]any{"k": "v"}}})
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestNormalize(t *testing.T) {
	v, err := Normalize(int32(7))
	require.NoError(t, err)
	require.Equal(t, int64(7), v)

	v, err = Normalize([]any{int(1), float32(2), "x"})
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), float64(2), "x"}, v)

	_, err = Normalize(struct{}{})
	var schemaErr *domain.SchemaError
	require.ErrorAs(t, err, &schemaErr)
}

// TestCanonical_InjectiveOnPrimitives is a property-based check: two
// primitive values encode equal iff they normalize equal.
func TestCanonical_InjectiveOnPrimitives(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		gen := rapid.OneOf(
			rapid.Int64().AsAny(),
			rapid.Float64().AsAny(),
			rapid.String().AsAny(),
			rapid.Bool().AsAny(),
		)
		a := gen.Draw(r, "a")
		b := gen.Draw(r, "b")
		if isNaN(a) || isNaN(b) {
			return
		}
		encA, err := Canonical(a)
		if err != nil {
			r.Fatalf("encode a: %v", err)
		}
		encB, err := Canonical(b)
		if err != nil {
			r.Fatalf("encode b: %v", err)
		}
		if (a == b) != (string(encA) == string(encB)) {
			r.Fatalf("encoding equality diverged from value equality: %v vs %v", a, b)
		}
	})
}

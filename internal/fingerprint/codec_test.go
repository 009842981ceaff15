package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipetrace/pipetrace/internal/domain"
)

func TestLiteralCodec_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"bool", true, true},
		{"int widens", int(3), int64(3)},
		{"int64", int64(-42), int64(-42)},
		{"large int64", int64(1) << 60, int64(1) << 60},
		{"float", 3.5, 3.5},
		{"string", "hello", "hello"},
		{"bytes", []byte{0, 1, 2}, []byte{0, 1, 2}},
		{"list", []any{int64(1), "two", 3.0}, []any{int64(1), "two", 3.0}},
		{"map", map[string]any{"k": int64(1)}, map[string]any{"k": int64(1)}},
		{"nested", []any{map[string]any{"inner": []any{int64(9)}}}, []any{map[string]any{"inner": []any{int64(9)}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := EncodeLiteral(tc.in)
			require.NoError(t, err)
			out, err := DecodeLiteral(data)
			require.NoError(t, err)
			require.Equal(t, tc.want, out)
		})
	}
}

func TestLiteralCodec_IntFloatDistinct(t *testing.T) {
	// JSON alone would collapse these; the envelope must not.
	intData, err := EncodeLiteral(int64(3))
	require.NoError(t, err)
	floatData, err := EncodeLiteral(float64(3))
	require.NoError(t, err)

	intOut, err := DecodeLiteral(intData)
	require.NoError(t, err)
	floatOut, err := DecodeLiteral(floatData)
	require.NoError(t, err)

	require.IsType(t, int64(0), intOut)
	require.IsType(t, float64(0), floatOut)
}

func TestLiteralCodec_RejectsUnsupported(t *testing.T) {
	_, err := EncodeLiteral(make(chan int))
	var schemaErr *domain.SchemaError
	require.ErrorAs(t, err, &schemaErr)
}

func TestLiteralCodec_MalformedInput(t *testing.T) {
	_, err := DecodeLiteral([]byte("not json"))
	var schemaErr *domain.SchemaError
	require.ErrorAs(t, err, &schemaErr)

	_, err = DecodeLiteral([]byte(`{"t":"??","v":1}`))
	require.ErrorAs(t, err, &schemaErr)
}

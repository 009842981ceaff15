package vault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipetrace/pipetrace/internal/domain"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(filepath.Join(t.TempDir(), "vault"))
	require.NoError(t, err)
	return v
}

func TestPutGet_RoundTrip(t *testing.T) {
	v := newTestVault(t)

	hash, err := v.Put(int64(42))
	require.NoError(t, err)
	require.NotEmpty(t, hash)
	require.True(t, v.Has(hash))

	value, err := v.Get(hash, "r1")
	require.NoError(t, err)
	require.Equal(t, int64(42), value)
}

func TestPut_Idempotent(t *testing.T) {
	v := newTestVault(t)

	h1, err := v.Put([]any{int64(1), "two"})
	require.NoError(t, err)
	h2, err := v.Put([]any{int64(1), "two"})
	require.NoError(t, err)
	require.Equal(t, h1, h2, "identical content must address identically")
}

func TestPut_ShardedLayout(t *testing.T) {
	v := newTestVault(t)

	hash, err := v.Put("payload")
	require.NoError(t, err)

	// Entries live under <prefix2>/<fullhash>.
	_, err = os.Stat(filepath.Join(v.Dir(), hash[:2], hash))
	require.NoError(t, err)
}

func TestGet_Missing(t *testing.T) {
	v := newTestVault(t)

	_, err := v.Get("0000000000000000000000000000000000000000000000000000000000000000", "r-gone")
	var missingErr *domain.MissingResourceError
	require.ErrorAs(t, err, &missingErr)
	require.Equal(t, "r-gone", missingErr.ID)
}

func TestSweep(t *testing.T) {
	v := newTestVault(t)

	keep, err := v.Put("keep me")
	require.NoError(t, err)
	drop, err := v.Put("drop me")
	require.NoError(t, err)

	live := map[string]struct{}{keep: {}}

	// Dry run reports but removes nothing.
	removed, err := v.Sweep(live, true)
	require.NoError(t, err)
	require.Equal(t, []string{drop}, removed)
	require.True(t, v.Has(drop))

	removed, err = v.Sweep(live, false)
	require.NoError(t, err)
	require.Equal(t, []string{drop}, removed)
	require.False(t, v.Has(drop))
	require.True(t, v.Has(keep))
}

func TestPut_RejectsUnsupportedKind(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Put(make(chan int))
	var schemaErr *domain.SchemaError
	require.ErrorAs(t, err, &schemaErr)
}

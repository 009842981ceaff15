// Package testutil provides shared helpers for engine tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pipetrace/pipetrace/internal/engine"
)

// NewTestEngine creates an engine over a fresh temp database and vault.
// Both are removed when the test completes.
func NewTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	tmpDir := t.TempDir()
	eng, err := engine.New(filepath.Join(tmpDir, "test.db"), filepath.Join(tmpDir, "vault"))
	require.NoError(t, err, "Failed to create test engine")
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// WriteFile writes content to a file under dir and returns its path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

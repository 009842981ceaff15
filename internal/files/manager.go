// Package files manages on-disk artifacts as FileResources: absolute-path
// registration, size/MD5 integrity capture, and overwrite bookkeeping.
// At any absolute path at most one FileResource is live (not overwritten);
// registering or producing a new file at the same path marks the older one
// overwritten in the same transaction.
package files

import (
	"crypto/md5" //nolint:gosec // MD5 is an integrity fingerprint here, not a security boundary
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/pipetrace/pipetrace/internal/domain"
	"github.com/pipetrace/pipetrace/internal/infrastructure/sqlite"
	"github.com/pipetrace/pipetrace/internal/log"
)

// CheckResult is the outcome of an integrity check.
type CheckResult string

const (
	CheckOK      CheckResult = "OK"
	CheckChanged CheckResult = "CHANGED"
	CheckMissing CheckResult = "MISSING"
)

// Manager implements FileResource operations against the store.
type Manager struct {
	store *sqlite.Store
}

// NewManager creates a manager bound to the store.
func NewManager(store *sqlite.Store) *Manager {
	return &Manager{store: store}
}

// Register records the file at path as a FileResource. The stored path is
// absolute but symlinks are preserved, not resolved. If a live (not
// overwritten) FileResource already exists at the path and force is
// false, it is returned unchanged. Otherwise a new FileResource is
// created and any live predecessor at the path is marked overwritten.
func (m *Manager) Register(path string, force bool) (*domain.FileResource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	existing, err := m.liveAtPath(abs)
	if err != nil {
		return nil, err
	}
	if existing != nil && !force {
		return existing, nil
	}

	fr, err := m.snapshot(abs, "")
	if err != nil {
		return nil, err
	}

	var overwritten []string
	if existing != nil {
		overwritten = append(overwritten, existing.ID)
	}
	if err := m.store.InsertFileResource(fr, overwritten); err != nil {
		return nil, err
	}
	log.Debug(log.CatFile, "Registered file", "path", abs, "id", fr.ID, "overwrote", len(overwritten))
	return fr, nil
}

// FromPath returns the live FileResource registered at path. It fails
// when nothing is registered there, and reports a stale error when every
// registration has been overwritten or deprecated.
func (m *Manager) FromPath(path string) (*domain.FileResource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	all, err := m.store.FileResourcesByPath(abs)
	if err != nil {
		return nil, err
	}
	var live *domain.FileResource
	for _, fr := range all {
		if fr.Info.Has(domain.FlagOverwritten) || fr.Info.Has(domain.FlagDeprecated) {
			continue
		}
		if live != nil {
			return nil, fmt.Errorf("more than one live file resource at %s", abs)
		}
		live = fr
	}
	if live != nil {
		return live, nil
	}
	if len(all) > 0 {
		return nil, &domain.StaleFileResourceError{ID: all[len(all)-1].ID, Path: abs, Reason: "every registration at this path is overwritten or deprecated"}
	}
	return nil, fmt.Errorf("file %s is not registered", abs)
}

// IntegrityCheck compares the on-disk state of fr against its registered
// size (and MD5 when deep is set).
func (m *Manager) IntegrityCheck(fr *domain.FileResource, deep bool) (CheckResult, error) {
	stat, err := os.Stat(fr.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return CheckMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", fr.Path, err)
	}
	if stat.Size() != fr.Size {
		return CheckChanged, nil
	}
	if deep {
		sum, err := fileMD5(fr.Path)
		if err != nil {
			return "", err
		}
		if sum != fr.MD5 {
			return CheckChanged, nil
		}
	}
	return CheckOK, nil
}

// CheckInput validates fr for use as a task input: it must not be
// overwritten or obsolete, and a shallow integrity check must pass.
func (m *Manager) CheckInput(fr *domain.FileResource) error {
	if fr.Stale() {
		return &domain.StaleFileResourceError{ID: fr.ID, Path: fr.Path, Reason: "marked overwritten or obsolete"}
	}
	result, err := m.IntegrityCheck(fr, false)
	if err != nil {
		return err
	}
	if result != CheckOK {
		return &domain.StaleFileResourceError{ID: fr.ID, Path: fr.Path, Reason: "integrity check reported " + string(result)}
	}
	return nil
}

// SnapshotOutputs builds FileResources for the declared output paths of a
// completed task run and collects the ids of live predecessors that the
// new files overwrite. The caller persists both through the task's
// transaction so the overwrite marks land atomically with the task.
func (m *Manager) SnapshotOutputs(paths []string, taskID string) ([]*domain.FileResource, []string, error) {
	var out []*domain.FileResource
	var overwritten []string
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve output path: %w", err)
		}
		existing, err := m.liveAtPath(abs)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil {
			overwritten = append(overwritten, existing.ID)
		}
		fr, err := m.snapshot(abs, taskID)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, fr)
	}
	return out, overwritten, nil
}

func (m *Manager) liveAtPath(path string) (*domain.FileResource, error) {
	all, err := m.store.FileResourcesByPath(path)
	if err != nil {
		return nil, err
	}
	for _, fr := range all {
		if !fr.Info.Has(domain.FlagOverwritten) {
			return fr, nil
		}
	}
	return nil, nil
}

func (m *Manager) snapshot(abs, taskID string) (*domain.FileResource, error) {
	stat, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s does not exist", abs)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", abs, err)
	}
	if stat.IsDir() {
		return nil, fmt.Errorf("%s is a directory", abs)
	}
	sum, err := fileMD5(abs)
	if err != nil {
		return nil, err
	}
	return &domain.FileResource{
		ID:     uuid.New().String(),
		TaskID: taskID,
		Path:   abs,
		Size:   stat.Size(),
		MD5:    sum,
		Info:   domain.Info{},
	}, nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // G304: hashing a user-registered file
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	h := md5.New() //nolint:gosec // integrity fingerprint, not a security boundary
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

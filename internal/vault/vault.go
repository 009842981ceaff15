// Package vault implements the content-addressed on-disk store for
// serialized resource payloads. Entries live under
// <dir>/<first two hash chars>/<full hash>; writes go to a temporary name
// followed by an atomic rename, so concurrent writes of the same content
// are idempotent and a crash never leaves a partial entry visible.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pipetrace/pipetrace/internal/domain"
	"github.com/pipetrace/pipetrace/internal/fingerprint"
	"github.com/pipetrace/pipetrace/internal/log"
)

// Vault is a content-addressed payload directory.
type Vault struct {
	dir string
}

// New opens (creating if necessary) the vault rooted at dir.
func New(dir string) (*Vault, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	return &Vault{dir: dir}, nil
}

// Dir returns the vault root directory.
func (v *Vault) Dir() string { return v.dir }

// Put serializes the value and stores it, returning the content hash.
// Storing the same value twice is a no-op.
func (v *Vault) Put(value any) (string, error) {
	data, err := fingerprint.EncodeLiteral(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	path := v.entryPath(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create vault shard: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+hash+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create vault temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to write vault entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to close vault entry: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to commit vault entry: %w", err)
	}
	log.Debug(log.CatVault, "Stored payload", "hash", hash)
	return hash, nil
}

// Get reloads the value stored under hash. The associated resource id is
// only used to shape the error on a missing entry.
func (v *Vault) Get(hash, resourceID string) (any, error) {
	data, err := os.ReadFile(v.entryPath(hash)) //nolint:gosec // G304: path derived from a hex hash inside the vault dir
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &domain.MissingResourceError{ID: resourceID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vault entry %s: %w", hash, err)
	}
	return fingerprint.DecodeLiteral(data)
}

// Has reports whether an entry exists for hash.
func (v *Vault) Has(hash string) bool {
	_, err := os.Stat(v.entryPath(hash))
	return err == nil
}

// Delete removes the entry for hash if present.
func (v *Vault) Delete(hash string) error {
	err := os.Remove(v.entryPath(hash))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete vault entry %s: %w", hash, err)
	}
	return nil
}

// Sweep removes every entry whose hash is not in live and returns the
// removed hashes. When dryRun is set, entries are reported but kept.
func (v *Vault) Sweep(live map[string]struct{}, dryRun bool) ([]string, error) {
	var removed []string
	err := filepath.WalkDir(v.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		hash := d.Name()
		if len(hash) != sha256.Size*2 {
			// Leftover temp file or foreign content; skip.
			return nil
		}
		if _, ok := live[hash]; ok {
			return nil
		}
		if !dryRun {
			if err := os.Remove(path); err != nil {
				return err
			}
		}
		removed = append(removed, hash)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vault sweep: %w", err)
	}
	if !dryRun && len(removed) > 0 {
		log.Info(log.CatVault, "Swept unreferenced payloads", "count", len(removed))
	}
	return removed, nil
}

func (v *Vault) entryPath(hash string) string {
	prefix := hash
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(v.dir, prefix, hash)
}

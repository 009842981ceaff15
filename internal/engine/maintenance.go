package engine

import (
	"fmt"
	"time"

	"github.com/pipetrace/pipetrace/internal/domain"
	"github.com/pipetrace/pipetrace/internal/files"
	"github.com/pipetrace/pipetrace/internal/query"
)

// Query returns a predicate evaluator over this engine's store.
func (e *Engine) Query() *query.Query {
	return query.New(e.store)
}

// MarkObsolete flags the entry and every descendant along output edges.
// Obsolescence is transitive: any task consuming an obsolete node is
// obsolete, and so are its outputs.
func (e *Engine) MarkObsolete(ref domain.Ref) error {
	return e.markDownstream(ref, domain.FlagObsolete)
}

// MarkDeprecated flags the entry and every descendant. Deprecated entries
// never satisfy dedup, so the next identical call re-runs.
func (e *Engine) MarkDeprecated(ref domain.Ref) error {
	return e.markDownstream(ref, domain.FlagDeprecated)
}

func (e *Engine) markDownstream(ref domain.Ref, flag string) error {
	downstream, err := e.Query().Downstream(ref)
	if err != nil {
		return err
	}
	refs := append([]domain.Ref{ref}, downstream.Refs()...)
	if err := e.store.MarkInfoAll(refs, flag, time.Now().Format(time.RFC3339)); err != nil {
		return err
	}
	for _, r := range refs {
		e.publish(domain.OpModify, r)
	}
	return nil
}

// ClearObsolete removes the obsolete flag from a node. The producing task
// must have been re-run since the flag was set: the node's payload or
// file must validate, otherwise the flag stays.
func (e *Engine) ClearObsolete(ref domain.Ref) error {
	switch ref.Type {
	case domain.EntryResource:
		r, err := e.store.GetResource(ref.ID)
		if err != nil {
			return err
		}
		if !r.Volatile && !e.vault.Has(r.ContentHash) {
			return fmt.Errorf("cannot clear obsolete on %s: payload absent, re-run the producing task", ref.ID)
		}
	case domain.EntryFileResource:
		fr, err := e.store.GetFileResource(ref.ID)
		if err != nil {
			return err
		}
		check, err := e.files.IntegrityCheck(fr, false)
		if err != nil {
			return err
		}
		if check != files.CheckOK {
			return fmt.Errorf("cannot clear obsolete on %s: integrity check reported %s", ref.ID, check)
		}
	}
	if err := e.store.ClearInfo(ref, domain.FlagObsolete); err != nil {
		return err
	}
	e.publish(domain.OpModify, ref)
	return nil
}

// FileCheck is the outcome of one file's integrity traversal.
type FileCheck struct {
	FileResource *domain.FileResource
	Result       files.CheckResult
}

// CheckAllFiles integrity-checks every registered file resource.
func (e *Engine) CheckAllFiles(deep bool) ([]FileCheck, error) {
	ids, err := e.store.AllFileResourceIDs()
	if err != nil {
		return nil, err
	}
	var out []FileCheck
	for _, id := range ids {
		fr, err := e.store.GetFileResource(id)
		if err != nil {
			return nil, err
		}
		result, err := e.files.IntegrityCheck(fr, deep)
		if err != nil {
			return nil, err
		}
		out = append(out, FileCheck{FileResource: fr, Result: result})
	}
	return out, nil
}

// SweepVault removes vault entries unreferenced by any resource and
// returns the removed hashes.
func (e *Engine) SweepVault(dryRun bool) ([]string, error) {
	live, err := e.store.LiveContentHashes()
	if err != nil {
		return nil, err
	}
	return e.vault.Sweep(live, dryRun)
}

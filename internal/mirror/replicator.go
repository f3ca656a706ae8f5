package mirror

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keelworks/casevault/internal/domain"
)

// Replicator performs best-effort copies of finalized artifacts into
// per-case subfolders of the secondary root. Availability of the root is
// re-checked at the moment of use: removable media may appear or disappear
// between calls.
type Replicator struct {
	mirrorRoot string
	ledger     *Ledger
	log        zerolog.Logger
	now        func() time.Time

	// staleAfter drops replay entries that have aged out with nothing left
	// on the primary to copy from. Zero disables the bound.
	staleAfter time.Duration

	// mu serializes every ledger mutation: an append landing between a
	// replay's load and its rewrite would be erased by the rewrite.
	mu sync.Mutex
}

// NewReplicator creates a replicator targeting mirrorRoot. An empty root
// disables mirroring entirely.
func NewReplicator(mirrorRoot string, ledger *Ledger, staleAfter time.Duration, logger zerolog.Logger) *Replicator {
	return &Replicator{
		mirrorRoot: mirrorRoot,
		ledger:     ledger,
		log:        logger.With().Str("component", "mirror").Logger(),
		now:        time.Now,
		staleAfter: staleAfter,
	}
}

// SetNow overrides the clock. Intended for tests.
func (r *Replicator) SetNow(now func() time.Time) { r.now = now }

// Enabled reports whether a mirror root is configured at all.
func (r *Replicator) Enabled() bool { return r.mirrorRoot != "" }

// Available re-checks whether the mirror root currently exists.
func (r *Replicator) Available() bool {
	if r.mirrorRoot == "" {
		return false
	}
	info, err := os.Stat(r.mirrorRoot)
	return err == nil && info.IsDir()
}

// Mirror copies the artifacts into the mirror's case subfolder. When the
// root is unreachable, the historical artifacts are recorded as one pending
// ledger entry and nothing is attempted. When reachable, per-artifact
// failures come back as a *domain.PartialMirrorError (matching
// domain.ErrPartialMirror); failed historical artifacts are also ledgered
// for retry while successful copies are not re-queued.
func (r *Replicator) Mirror(caseID string, artifacts []domain.Artifact) error {
	if len(artifacts) == 0 || !r.Enabled() {
		return nil
	}
	if caseID == "" {
		caseID = domain.DefaultCaseID
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.Available() {
		if err := r.enqueue(caseID, historicalOf(artifacts)); err != nil {
			return err
		}
		r.log.Warn().Str("case", caseID).Msg("mirror root unavailable, historical artifacts ledgered")
		return nil
	}

	caseDir := filepath.Join(r.mirrorRoot, caseID)
	if err := os.MkdirAll(caseDir, 0o700); err != nil {
		ioErr := &domain.IOError{Op: "mkdir", Path: caseDir, Err: err}
		if lerr := r.enqueue(caseID, historicalOf(artifacts)); lerr != nil {
			return errors.Join(ioErr, lerr)
		}
		return ioErr
	}

	var warnings []error
	var failedHistorical []domain.Artifact
	for _, a := range artifacts {
		dst := filepath.Join(caseDir, filepath.Base(a.Path))
		if err := r.copyArtifact(a, dst); err != nil {
			warnings = append(warnings, err)
			if a.Historical {
				failedHistorical = append(failedHistorical, a)
			}
			continue
		}
	}
	if len(failedHistorical) > 0 {
		if err := r.enqueue(caseID, failedHistorical); err != nil {
			warnings = append(warnings, err)
		}
	}
	if len(warnings) > 0 {
		r.log.Warn().Str("case", caseID).Int("failed", len(warnings)).Msg("mirror pass incomplete")
		return &domain.PartialMirrorError{CaseID: caseID, Warnings: warnings}
	}
	return nil
}

// copyArtifact copies the primary file to dst, preserving the modification
// time. When the primary is unreadable but the artifact carries its bytes,
// the mirror copy is written directly from memory instead.
func (r *Replicator) copyArtifact(a domain.Artifact, dst string) error {
	err := copyFile(a.Path, dst)
	if err == nil {
		return nil
	}
	if len(a.Data) > 0 {
		if werr := os.WriteFile(dst, a.Data, 0o600); werr == nil {
			r.log.Debug().Str("path", dst).Msg("mirror copy rebuilt from in-memory payload")
			return nil
		}
	}
	return err
}

func historicalOf(artifacts []domain.Artifact) []domain.Artifact {
	var out []domain.Artifact
	for _, a := range artifacts {
		if a.Historical {
			out = append(out, a)
		}
	}
	return out
}

// enqueue groups the artifacts into one pending entry for the case.
func (r *Replicator) enqueue(caseID string, artifacts []domain.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	names := make([]string, 0, len(artifacts))
	sourceDir := ""
	for _, a := range artifacts {
		names = append(names, filepath.Base(a.Path))
		if sourceDir == "" {
			sourceDir = filepath.Dir(a.Path)
		}
	}
	return r.ledger.Append(domain.PendingEntry{
		ID:        uuid.NewString(),
		CaseID:    caseID,
		Artifacts: names,
		CreatedAt: r.now().UTC(),
		SourceDir: sourceDir,
		Encoding:  domain.LedgerEncoding,
	})
}

// Pending lists the outstanding ledger entries without replaying them.
func (r *Replicator) Pending() ([]domain.PendingEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.Load()
}

// PreservedPaths lists the primary-root paths referenced by outstanding
// ledger entries; retention pruning must skip them until replay succeeds.
func (r *Replicator) PreservedPaths() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.ledger.Load()
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		for _, name := range e.Artifacts {
			paths = append(paths, filepath.Join(e.SourceDir, name))
		}
	}
	return paths, nil
}

// ReplayPending re-attempts every ledger entry against the now-current
// mirror root. An entry is dropped only when every named artifact was
// reproduced in the mirror's case subfolder; otherwise it is kept with just
// the artifacts still missing. The ledger is rewritten atomically with the
// remainder. Replaying an entry whose artifacts are already present is a
// no-op that still clears the entry. An append racing the replay waits for
// the rewrite instead of being erased by it.
func (r *Replicator) ReplayPending() ([]domain.PendingEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := r.ledger.Load()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	if !r.Available() {
		r.log.Debug().Int("entries", len(entries)).Msg("mirror root still unavailable, replay deferred")
		return entries, nil
	}

	var remaining []domain.PendingEntry
	for _, e := range entries {
		missing := r.replayEntry(e)
		if len(missing) == 0 {
			r.log.Info().Str("case", e.CaseID).Int("artifacts", len(e.Artifacts)).Msg("pending consolidation satisfied")
			continue
		}
		if r.stale(e, missing) {
			r.log.Warn().Str("case", e.CaseID).Strs("artifacts", missing).Msg("pending entry expired with no source left, dropped")
			continue
		}
		e.Artifacts = missing
		remaining = append(remaining, e)
	}
	if err := r.ledger.Rewrite(remaining); err != nil {
		return remaining, err
	}
	return remaining, nil
}

// replayEntry returns the artifact names still missing from the mirror.
func (r *Replicator) replayEntry(e domain.PendingEntry) []string {
	caseDir := filepath.Join(r.mirrorRoot, e.CaseID)
	if err := os.MkdirAll(caseDir, 0o700); err != nil {
		return e.Artifacts
	}
	var missing []string
	for _, name := range e.Artifacts {
		dst := filepath.Join(caseDir, name)
		if _, err := os.Stat(dst); err == nil {
			// Already present from an earlier partial replay; do not copy
			// again.
			continue
		}
		src := filepath.Join(e.SourceDir, name)
		if err := copyFile(src, dst); err != nil {
			r.log.Debug().Str("artifact", name).Err(err).Msg("replay copy failed")
			missing = append(missing, name)
		}
	}
	return missing
}

// stale reports whether an entry has aged past the retry bound with none of
// its missing artifacts still present on the primary. There is nothing left
// to copy, so keeping the entry only grows the ledger forever.
func (r *Replicator) stale(e domain.PendingEntry, missing []string) bool {
	if r.staleAfter <= 0 || r.now().Sub(e.CreatedAt) < r.staleAfter {
		return false
	}
	for _, name := range missing {
		if _, err := os.Stat(filepath.Join(e.SourceDir, name)); err == nil {
			return false
		}
	}
	return true
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return &domain.IOError{Op: "stat", Path: src, Err: err}
	}
	if !info.Mode().IsRegular() {
		return &domain.IOError{Op: "copy", Path: src, Err: fmt.Errorf("not a regular file")}
	}
	in, err := os.Open(src)
	if err != nil {
		return &domain.IOError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return &domain.IOError{Op: "create", Path: tmp, Err: err}
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return &domain.IOError{Op: "copy", Path: dst, Err: err}
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return &domain.IOError{Op: "close", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return &domain.IOError{Op: "rename", Path: dst, Err: err}
	}
	// Mirror copies keep the source's modification time so recovery ranking
	// is consistent across roots.
	_ = os.Chtimes(dst, info.ModTime(), info.ModTime())
	return nil
}

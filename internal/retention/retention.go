// Package retention maintains the bounded history of versioned snapshots:
// one timestamped file per accepted, content-distinct change, pruned by age
// and per-key count, optionally compacted into a per-key zip archive before
// deletion.
package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/keelworks/casevault/internal/domain"
	"github.com/keelworks/casevault/internal/gateway"
	"github.com/keelworks/casevault/internal/pool"
	"github.com/keelworks/casevault/internal/sched"
)

const (
	versionedMarker = "_temp_"
	versionedSuffix = ".json"
	timestampLayout = "20060102_150405"
)

// ArchiveSuffix ends every per-key prune archive filename. It shares the
// versioned marker so the archive stays next to its snapshots, and discovery
// must exclude it by this suffix.
const ArchiveSuffix = "_temp_archive.zip"

// Policy is the age/count rule governing how many versioned snapshots
// survive a prune pass.
type Policy struct {
	// Debounce suppresses a new versioned write when the fingerprint is
	// unchanged and less than this much time has passed since the last one.
	Debounce time.Duration

	// MaxAgeDays prunes snapshots older than this many days.
	MaxAgeDays int

	// MaxPerCase caps the retained snapshot count per key.
	MaxPerCase int

	// Compress appends pruned files to the key's archive before deletion.
	Compress bool
}

// Manager persists and prunes versioned snapshots for all keys under one
// base root.
type Manager struct {
	sched       *sched.Scheduler
	pool        *pool.Pool
	baseRoot    string
	policy      Policy
	schemaVer   int
	fingerprint domain.FingerprintFunc
	log         zerolog.Logger
	now         func() time.Time

	// scheduler-owned change-tracking state
	lastFP      map[string]string
	lastWritten map[string]time.Time
	preserved   map[string]struct{}
}

// NewManager creates a retention manager rooted at baseRoot. fingerprint may
// be nil to use Dataset.Fingerprint.
func NewManager(s *sched.Scheduler, p *pool.Pool, baseRoot string, policy Policy, schemaVersion int, fingerprint domain.FingerprintFunc, logger zerolog.Logger) *Manager {
	if fingerprint == nil {
		fingerprint = domain.Dataset.Fingerprint
	}
	return &Manager{
		sched:       s,
		pool:        p,
		baseRoot:    baseRoot,
		policy:      policy,
		schemaVer:   schemaVersion,
		fingerprint: fingerprint,
		log:         logger.With().Str("component", "retention").Logger(),
		now:         time.Now,
		lastFP:      make(map[string]string),
		lastWritten: make(map[string]time.Time),
		preserved:   make(map[string]struct{}),
	}
}

// SetNow overrides the clock. Intended for tests.
func (m *Manager) SetNow(now func() time.Time) { m.now = now }

// SetPolicy replaces the retention policy. Applied by the config watcher at
// runtime; safe because it is posted to the scheduler like every other
// decision.
func (m *Manager) SetPolicy(policy Policy) {
	m.sched.Post(func() { m.policy = policy })
}

// VersionedName returns the snapshot filename for a key and timestamp.
func VersionedName(caseID string, t time.Time) string {
	return fmt.Sprintf("%s%s%s%s", caseID, versionedMarker, t.Format(timestampLayout), versionedSuffix)
}

// ArchiveName returns the per-key archive filename.
func ArchiveName(caseID string) string {
	return caseID + ArchiveSuffix
}

// ParseVersioned extracts the key and timestamp from a versioned snapshot
// filename. ok is false for names of any other shape.
func ParseVersioned(name string) (caseID string, ts time.Time, ok bool) {
	if !strings.HasSuffix(name, versionedSuffix) {
		return "", time.Time{}, false
	}
	base := strings.TrimSuffix(name, versionedSuffix)
	idx := strings.LastIndex(base, versionedMarker)
	if idx <= 0 {
		return "", time.Time{}, false
	}
	caseID = base[:idx]
	stamp := base[idx+len(versionedMarker):]
	ts, err := time.ParseInLocation(timestampLayout, stamp, time.Local)
	if err != nil {
		return "", time.Time{}, false
	}
	return caseID, ts, true
}

// RecordChange evaluates an accepted change (post-debounce, never per
// keystroke) and, unless suppressed by the fingerprint rule, writes a new
// versioned snapshot and runs a prune pass. The callback runs on the
// scheduler goroutine with the written path, or "" when suppressed.
func (m *Manager) RecordChange(ds domain.Dataset, cb func(path string, err error)) {
	m.sched.Post(func() {
		key := ds.Key()
		fp := m.fingerprint(ds)
		if fp != "" && fp == m.lastFP[key] && m.now().Sub(m.lastWritten[key]) < m.policy.Debounce {
			m.log.Debug().Str("case", key).Msg("versioned write suppressed: same fingerprint within window")
			if cb != nil {
				cb("", nil)
			}
			return
		}
		payload := domain.NewPayload(ds, m.schemaVer)
		writtenAt := m.now()
		err := m.pool.Submit(func() {
			path, werr := m.writeVersioned(key, writtenAt, payload)
			if werr == nil {
				if _, _, perr := m.Prune(key); perr != nil {
					m.log.Error().Str("case", key).Err(perr).Msg("prune pass failed")
				}
			}
			m.sched.Post(func() {
				if werr == nil {
					m.lastFP[key] = fp
					m.lastWritten[key] = writtenAt
				}
				if cb != nil {
					cb(path, werr)
				}
			})
		})
		if err != nil && cb != nil {
			cb("", err)
		}
	})
}

// writeVersioned picks a free timestamp-derived filename, bumping the
// timestamp by one second until a name is claimed, and writes atomically.
// The name is reserved with O_EXCL so a concurrent writer racing the same
// second cannot pick the same path.
func (m *Manager) writeVersioned(caseID string, at time.Time, payload domain.Payload) (string, error) {
	if err := os.MkdirAll(m.baseRoot, 0o700); err != nil {
		return "", &domain.IOError{Op: "mkdir", Path: m.baseRoot, Err: err}
	}
	ts := at
	var path string
	for {
		path = filepath.Join(m.baseRoot, VersionedName(caseID, ts))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			f.Close()
			break
		}
		if !os.IsExist(err) {
			return "", &domain.IOError{Op: "reserve", Path: path, Err: err}
		}
		ts = ts.Add(time.Second)
	}
	if err := gateway.WriteAtomic(path, payload); err != nil {
		os.Remove(path)
		return "", err
	}
	m.log.Debug().Str("path", path).Msg("versioned snapshot written")
	return path, nil
}

// SetPreserved replaces the set of snapshot paths that pruning must skip
// because an unresolved ledger entry still references them.
func (m *Manager) SetPreserved(paths []string) {
	m.sched.Post(func() {
		m.preserved = make(map[string]struct{}, len(paths))
		for _, p := range paths {
			if abs, err := filepath.Abs(p); err == nil {
				p = abs
			}
			m.preserved[p] = struct{}{}
		}
	})
}

func (m *Manager) isPreserved(path string) bool {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	var kept bool
	m.sched.Call(func() { _, kept = m.preserved[path] })
	return kept
}

// snapshotFile pairs a versioned snapshot path with its ordering timestamp.
type snapshotFile struct {
	path string
	ts   time.Time
}

// listVersioned returns the key's versioned snapshots in dir, newest first.
func listVersioned(dir, caseID string) ([]snapshotFile, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, &domain.IOError{Op: "list", Path: dir, Err: err}
	}
	var files []snapshotFile
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		key, ts, ok := ParseVersioned(e.Name())
		if !ok || key != caseID {
			continue
		}
		files = append(files, snapshotFile{path: filepath.Join(dir, e.Name()), ts: ts})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ts.After(files[j].ts) })
	return files, nil
}

// Prune applies the age and count policy to the key's versioned snapshots on
// the primary root. Pruned files are archived first when compaction is on;
// an archive failure keeps the file (over-retention is preferred to silent
// loss). Returns how many files were pruned and how many were archived.
func (m *Manager) Prune(caseID string) (pruned, archived int, err error) {
	return m.pruneDir(m.baseRoot, caseID)
}

// PruneMirror applies the same policy to the key's snapshots mirrored on the
// secondary root, independently of the primary root's state.
func (m *Manager) PruneMirror(mirrorRoot, caseID string) (pruned, archived int, err error) {
	dir := filepath.Join(mirrorRoot, caseID)
	if _, serr := os.Stat(dir); os.IsNotExist(serr) {
		return 0, 0, nil
	}
	return m.pruneDir(dir, caseID)
}

func (m *Manager) pruneDir(dir, caseID string) (pruned, archived int, err error) {
	files, err := listVersioned(dir, caseID)
	if err != nil {
		return 0, 0, err
	}
	policy := m.policyNow()
	cutoff := m.now().AddDate(0, 0, -policy.MaxAgeDays)
	archivePath := filepath.Join(dir, ArchiveName(caseID))

	for i, f := range files {
		overAge := policy.MaxAgeDays > 0 && f.ts.Before(cutoff)
		overCount := policy.MaxPerCase > 0 && i >= policy.MaxPerCase
		if !overAge && !overCount {
			continue
		}
		if m.isPreserved(f.path) {
			m.log.Debug().Str("path", f.path).Msg("prune skipped: preserved by pending ledger")
			continue
		}
		if policy.Compress {
			if aerr := AppendToArchive(archivePath, f.path); aerr != nil {
				// Keep the file rather than lose its contents.
				m.log.Error().Str("path", f.path).Err(aerr).Msg("archive append failed, file retained")
				continue
			}
			archived++
		}
		if rerr := os.Remove(f.path); rerr != nil {
			m.log.Error().Str("path", f.path).Err(rerr).Msg("prune remove failed")
			continue
		}
		pruned++
	}
	if pruned > 0 {
		m.log.Info().Str("case", caseID).Str("dir", dir).Int("pruned", pruned).Int("archived", archived).Msg("prune pass completed")
	}
	return pruned, archived, nil
}

func (m *Manager) policyNow() Policy {
	var p Policy
	m.sched.Call(func() { p = m.policy })
	return p
}

// DiscoverKeys lists every case key that has at least one versioned snapshot
// under the base root.
func (m *Manager) DiscoverKeys() ([]string, error) {
	ents, err := os.ReadDir(m.baseRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &domain.IOError{Op: "list", Path: m.baseRoot, Err: err}
	}
	seen := make(map[string]struct{})
	var keys []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		key, _, ok := ParseVersioned(e.Name())
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// PruneAll runs a prune pass for every discovered key, and for the mirrored
// copies when mirrorRoot is non-empty. Used at startup.
func (m *Manager) PruneAll(mirrorRoot string) error {
	keys, err := m.DiscoverKeys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, _, perr := m.Prune(key); perr != nil {
			m.log.Error().Str("case", key).Err(perr).Msg("startup prune failed")
		}
		if mirrorRoot != "" {
			if _, _, perr := m.PruneMirror(mirrorRoot, key); perr != nil {
				m.log.Error().Str("case", key).Err(perr).Msg("startup mirror prune failed")
			}
		}
	}
	return nil
}

// Reset discards fingerprint and write-time tracking, leaving on-disk
// snapshots untouched.
func (m *Manager) Reset() {
	m.sched.Post(func() {
		m.lastFP = make(map[string]string)
		m.lastWritten = make(map[string]time.Time)
	})
}

// Package recovery discovers snapshot files across the configured storage
// roots and ranks them by recency so startup can load the newest candidate
// that still passes validation.
package recovery

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/keelworks/casevault/internal/domain"
	"github.com/keelworks/casevault/internal/gateway"
	"github.com/keelworks/casevault/internal/retention"
)

// DefaultPatterns are the glob-style filename patterns every discovery pass
// matches, before caller-supplied extras: the canonical autosave name plus
// the generic shapes of versioned, rotating, and checkpoint files.
func DefaultPatterns(canonicalName string) []string {
	return []string{
		canonicalName,
		"*autosave*",
		"*_temp_*",
		"auto_*",
		"*checkpoint*",
	}
}

// Catalog scans roots one directory level deep for files matching the
// configured patterns.
type Catalog struct {
	gw            *gateway.Gateway
	roots         []string
	patterns      []string
	canonicalName string
	log           zerolog.Logger
}

// NewCatalog creates a catalog over the given roots. extraPatterns are
// appended to the defaults (e.g. a localized word for "backup").
func NewCatalog(gw *gateway.Gateway, roots []string, canonicalName string, extraPatterns []string, logger zerolog.Logger) *Catalog {
	patterns := append(DefaultPatterns(canonicalName), extraPatterns...)
	return &Catalog{
		gw:            gw,
		roots:         roots,
		patterns:      patterns,
		canonicalName: canonicalName,
		log:           logger.With().Str("component", "recovery").Logger(),
	}
}

// Discover returns every matching file across the roots, deduplicated by
// resolved path and sorted by modification time descending. Roots that do
// not exist (an absent mirror drive) are silently skipped.
func (c *Catalog) Discover() []domain.RecoveryCandidate {
	seen := make(map[string]struct{})
	var out []domain.RecoveryCandidate
	for _, root := range c.roots {
		for _, dir := range c.scanDirs(root) {
			ents, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, e := range ents {
				if e.IsDir() || !c.matches(e.Name()) {
					continue
				}
				path := filepath.Join(dir, e.Name())
				resolved := path
				if r, rerr := filepath.EvalSymlinks(path); rerr == nil {
					resolved = r
				}
				if abs, aerr := filepath.Abs(resolved); aerr == nil {
					resolved = abs
				}
				if _, dup := seen[resolved]; dup {
					continue
				}
				info, ierr := e.Info()
				if ierr != nil {
					continue
				}
				seen[resolved] = struct{}{}
				out = append(out, domain.RecoveryCandidate{
					Path:       path,
					ModifiedAt: info.ModTime(),
					Kind:       c.Classify(e.Name()),
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModifiedAt.After(out[j].ModifiedAt) })
	return out
}

// scanDirs returns the root itself plus its immediate subdirectories, the
// one-level-deep reach of discovery.
func (c *Catalog) scanDirs(root string) []string {
	if _, err := os.Stat(root); err != nil {
		return nil
	}
	dirs := []string{root}
	ents, err := os.ReadDir(root)
	if err != nil {
		return dirs
	}
	for _, e := range ents {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(root, e.Name()))
		}
	}
	return dirs
}

func (c *Catalog) matches(name string) bool {
	// The prune archive shares the versioned-snapshot prefix but holds zip
	// bytes, never a loadable payload.
	if strings.HasSuffix(name, retention.ArchiveSuffix) {
		return false
	}
	for _, p := range c.patterns {
		if ok, err := filepath.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Classify derives a descriptive kind purely from the filename shape. It has
// no effect on selection; candidates are ranked by recency alone.
func (c *Catalog) Classify(name string) domain.SnapshotKind {
	switch {
	case name == c.canonicalName:
		return domain.KindCanonical
	case strings.HasPrefix(name, "auto_"):
		return domain.KindRotating
	case isVersionedName(name):
		return domain.KindVersioned
	case strings.Contains(name, "checkpoint"):
		return domain.KindCheckpoint
	default:
		return domain.KindUnknown
	}
}

func isVersionedName(name string) bool {
	_, _, ok := retention.ParseVersioned(name)
	return ok || strings.Contains(name, "_temp_")
}

// Recover loads the newest candidate that passes validation, skipping
// invalid ones. The callback runs on the scheduler goroutine; when no
// candidate succeeds it receives an ExhaustionError listing every failure.
func (c *Catalog) Recover(cb func(gateway.Result, error)) {
	candidates := c.Discover()
	paths := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		paths = append(paths, cand.Path)
	}
	c.log.Debug().Int("candidates", len(paths)).Msg("recovery scan complete")
	c.gw.LoadFirstValid(paths, cb)
}

// RecoverSync is the blocking form of Recover.
func (c *Catalog) RecoverSync() (gateway.Result, error) {
	candidates := c.Discover()
	paths := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		paths = append(paths, cand.Path)
	}
	return c.gw.LoadFirstValidSync(paths)
}

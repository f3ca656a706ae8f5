package retention

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/keelworks/casevault/internal/domain"
	"github.com/keelworks/casevault/internal/gateway"
	"github.com/keelworks/casevault/internal/pool"
	"github.com/keelworks/casevault/internal/sched"
)

func newTestManager(t *testing.T, root string, policy Policy) *Manager {
	t.Helper()
	s := sched.New(zerolog.Nop())
	p := pool.New(2, zerolog.Nop())
	t.Cleanup(func() {
		s.Close()
		p.Close()
	})
	return NewManager(s, p, root, policy, 1, nil, zerolog.Nop())
}

func recordSync(t *testing.T, m *Manager, ds domain.Dataset) string {
	t.Helper()
	type outcome struct {
		path string
		err  error
	}
	ch := make(chan outcome, 1)
	m.RecordChange(ds, func(path string, err error) { ch <- outcome{path, err} })
	o := <-ch
	require.NoError(t, o.err)
	return o.path
}

func seedSnapshot(t *testing.T, dir, caseID string, ts time.Time) string {
	t.Helper()
	path := filepath.Join(dir, VersionedName(caseID, ts))
	payload := domain.NewPayload(domain.Dataset{CaseID: caseID, Content: map[string]any{"at": ts.String()}}, 1)
	require.NoError(t, gateway.WriteAtomic(path, payload))
	return path
}

func TestVersionedNameRoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 29, 14, 30, 5, 0, time.Local)
	name := VersionedName("caso", ts)
	require.Equal(t, "caso_temp_20260829_143005.json", name)

	key, parsed, ok := ParseVersioned(name)
	require.True(t, ok)
	require.Equal(t, "caso", key)
	require.True(t, parsed.Equal(ts))
}

func TestParseVersionedRejectsOtherShapes(t *testing.T) {
	for _, name := range []string{
		"autosave.json",
		"auto_3.json",
		"caso_temp_archive.zip",
		"caso_temp_notatime.json",
		"_temp_20260829_143005.json",
	} {
		if _, _, ok := ParseVersioned(name); ok {
			t.Fatalf("%s parsed as a versioned snapshot", name)
		}
	}
}

func TestRecordChangeWritesSnapshot(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root, Policy{Debounce: time.Minute, MaxAgeDays: 7, MaxPerCase: 30})

	ds := domain.Dataset{CaseID: "c1", Content: map[string]any{"v": "1"}}
	path := recordSync(t, m, ds)
	require.NotEmpty(t, path)
	require.FileExists(t, path)

	key, _, ok := ParseVersioned(filepath.Base(path))
	require.True(t, ok)
	require.Equal(t, "c1", key)
}

func TestRecordChangeSuppressesUnchangedWithinWindow(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root, Policy{Debounce: time.Hour, MaxAgeDays: 7, MaxPerCase: 30})

	ds := domain.Dataset{CaseID: "c1", Content: map[string]any{"v": "1"}}
	first := recordSync(t, m, ds)
	require.NotEmpty(t, first)

	// Same content inside the window: suppressed.
	require.Empty(t, recordSync(t, m, ds))

	// Changed content writes immediately regardless of the window.
	changed := domain.Dataset{CaseID: "c1", Content: map[string]any{"v": "2"}}
	require.NotEmpty(t, recordSync(t, m, changed))
}

func TestRecordChangeWritesUnchangedAfterWindow(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root, Policy{Debounce: 50 * time.Millisecond, MaxAgeDays: 7, MaxPerCase: 30})

	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.Local)
	current := base
	m.SetNow(func() time.Time { return current })

	ds := domain.Dataset{CaseID: "c1", Content: map[string]any{"v": "1"}}
	require.NotEmpty(t, recordSync(t, m, ds))

	current = base.Add(time.Second)
	require.NotEmpty(t, recordSync(t, m, ds))
}

func TestTimestampCollisionBumpsBySecond(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root, Policy{MaxAgeDays: 7, MaxPerCase: 30})

	fixed := time.Date(2026, 8, 29, 10, 0, 0, 0, time.Local)
	m.SetNow(func() time.Time { return fixed })

	first := recordSync(t, m, domain.Dataset{CaseID: "c1", Content: map[string]any{"v": "1"}})
	second := recordSync(t, m, domain.Dataset{CaseID: "c1", Content: map[string]any{"v": "2"}})

	require.Equal(t, filepath.Join(root, VersionedName("c1", fixed)), first)
	require.Equal(t, filepath.Join(root, VersionedName("c1", fixed.Add(time.Second))), second)
}

func TestVersionedWriteReservesNameExclusively(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root, Policy{MaxAgeDays: 7, MaxPerCase: 30})

	fixed := time.Date(2026, 8, 29, 10, 0, 0, 0, time.Local)

	// An empty file already holds the first timestamp's name, the shape a
	// rival writer's reservation leaves behind.
	taken := filepath.Join(root, VersionedName("c1", fixed))
	require.NoError(t, os.WriteFile(taken, nil, 0o600))

	payload := domain.NewPayload(domain.Dataset{CaseID: "c1", Content: map[string]any{"v": "1"}}, 1)
	path, err := m.writeVersioned("c1", fixed, payload)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, VersionedName("c1", fixed.Add(time.Second))), path)

	// The rival's reservation stays untouched.
	info, err := os.Stat(taken)
	require.NoError(t, err)
	require.Zero(t, info.Size())
}

func TestPruneAgeAndCount(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root, Policy{MaxAgeDays: 7, MaxPerCase: 5})

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.Local)
	m.SetNow(func() time.Time { return now })

	// Two beyond the age limit, six within it.
	var fresh []string
	seedSnapshot(t, root, "c1", now.AddDate(0, 0, -10))
	seedSnapshot(t, root, "c1", now.AddDate(0, 0, -9))
	for i := 0; i < 6; i++ {
		fresh = append(fresh, seedSnapshot(t, root, "c1", now.Add(-time.Duration(i)*time.Hour)))
	}

	pruned, archived, err := m.Prune("c1")
	require.NoError(t, err)
	require.Equal(t, 3, pruned, "two over age plus one over count")
	require.Equal(t, 0, archived)

	remaining, err := listVersioned(root, "c1")
	require.NoError(t, err)
	require.Len(t, remaining, 5)
	// The five newest survive; the oldest fresh one fell to the count cap.
	require.NoFileExists(t, fresh[5])
	for _, p := range fresh[:5] {
		require.FileExists(t, p)
	}
}

func TestPruneArchivesBeforeDeleting(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root, Policy{MaxAgeDays: 7, MaxPerCase: 2, Compress: true})

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.Local)
	m.SetNow(func() time.Time { return now })

	old := seedSnapshot(t, root, "c1", now.AddDate(0, 0, -10))
	seedSnapshot(t, root, "c1", now.Add(-time.Hour))
	seedSnapshot(t, root, "c1", now)

	pruned, archived, err := m.Prune("c1")
	require.NoError(t, err)
	require.Equal(t, 1, pruned)
	require.Equal(t, 1, archived)
	require.NoFileExists(t, old)

	names, err := ArchiveEntries(filepath.Join(root, ArchiveName("c1")))
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Base(old)}, names)
}

func TestPruneSkipsPreservedPaths(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root, Policy{MaxAgeDays: 7, MaxPerCase: 1})

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.Local)
	m.SetNow(func() time.Time { return now })

	kept := seedSnapshot(t, root, "c1", now.AddDate(0, 0, -10))
	seedSnapshot(t, root, "c1", now)
	m.SetPreserved([]string{kept})

	pruned, _, err := m.Prune("c1")
	require.NoError(t, err)
	require.Equal(t, 0, pruned)
	require.FileExists(t, kept)
}

func TestPruneIgnoresOtherKeys(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root, Policy{MaxPerCase: 1})

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.Local)
	m.SetNow(func() time.Time { return now })

	other := seedSnapshot(t, root, "c2", now.Add(-48*time.Hour))
	seedSnapshot(t, root, "c1", now.Add(-time.Hour))
	seedSnapshot(t, root, "c1", now)

	pruned, _, err := m.Prune("c1")
	require.NoError(t, err)
	require.Equal(t, 1, pruned)
	require.FileExists(t, other)
}

func TestPruneMirrorOperatesOnCaseSubdir(t *testing.T) {
	root := t.TempDir()
	mirror := t.TempDir()
	m := newTestManager(t, root, Policy{MaxPerCase: 1})

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.Local)
	m.SetNow(func() time.Time { return now })

	caseDir := filepath.Join(mirror, "c1")
	require.NoError(t, os.MkdirAll(caseDir, 0o700))
	oldCopy := seedSnapshot(t, caseDir, "c1", now.Add(-2*time.Hour))
	newCopy := seedSnapshot(t, caseDir, "c1", now)

	pruned, _, err := m.PruneMirror(mirror, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, pruned)
	require.NoFileExists(t, oldCopy)
	require.FileExists(t, newCopy)

	// A missing mirror case dir is not an error.
	pruned, _, err = m.PruneMirror(mirror, "ghost")
	require.NoError(t, err)
	require.Equal(t, 0, pruned)
}

func TestDiscoverKeys(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root, Policy{})

	now := time.Now()
	seedSnapshot(t, root, "beta", now)
	seedSnapshot(t, root, "alpha", now)
	seedSnapshot(t, root, "alpha", now.Add(time.Second))
	require.NoError(t, os.WriteFile(filepath.Join(root, "autosave.json"), []byte("{}"), 0o600))

	keys, err := m.DiscoverKeys()
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "beta"}, keys)
}

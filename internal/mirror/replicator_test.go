package mirror

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/keelworks/casevault/internal/domain"
)

func newTestReplicator(t *testing.T, mirrorRoot string, staleAfter time.Duration) (*Replicator, *Ledger) {
	t.Helper()
	l := NewLedger(filepath.Join(t.TempDir(), LedgerFileName), zerolog.Nop())
	return NewReplicator(mirrorRoot, l, staleAfter, zerolog.Nop()), l
}

func writeArtifact(t *testing.T, dir, name, content string) domain.Artifact {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return domain.Artifact{Path: path, Historical: true}
}

func TestMirrorCopiesIntoCaseSubfolder(t *testing.T) {
	primary := t.TempDir()
	mirrorRoot := t.TempDir()
	r, l := newTestReplicator(t, mirrorRoot, 0)

	a := writeArtifact(t, primary, "c1_temp_20260829_100000.json", `{"v":1}`)
	canon := domain.Artifact{Path: filepath.Join(primary, "autosave.json")}
	require.NoError(t, os.WriteFile(canon.Path, []byte(`{"v":0}`), 0o600))

	require.NoError(t, r.Mirror("c1", []domain.Artifact{a, canon}))

	for _, name := range []string{"c1_temp_20260829_100000.json", "autosave.json"} {
		data, err := os.ReadFile(filepath.Join(mirrorRoot, "c1", name))
		require.NoError(t, err)
		require.NotEmpty(t, data)
	}

	entries, err := l.Load()
	require.NoError(t, err)
	require.Empty(t, entries, "clean pass must not ledger anything")
}

func TestMirrorPreservesModTime(t *testing.T) {
	primary := t.TempDir()
	mirrorRoot := t.TempDir()
	r, _ := newTestReplicator(t, mirrorRoot, 0)

	a := writeArtifact(t, primary, "c1_temp_20260829_100000.json", `{"v":1}`)
	stamp := time.Now().Add(-3 * time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(a.Path, stamp, stamp))

	require.NoError(t, r.Mirror("c1", []domain.Artifact{a}))

	info, err := os.Stat(filepath.Join(mirrorRoot, "c1", filepath.Base(a.Path)))
	require.NoError(t, err)
	require.True(t, info.ModTime().Equal(stamp))
}

func TestMirrorUnavailableLedgersHistorical(t *testing.T) {
	primary := t.TempDir()
	absent := filepath.Join(t.TempDir(), "not-mounted")
	r, l := newTestReplicator(t, absent, 0)

	hist := writeArtifact(t, primary, "c1_temp_20260829_100000.json", `{"v":1}`)
	canon := domain.Artifact{Path: filepath.Join(primary, "autosave.json")}

	require.NoError(t, r.Mirror("c1", []domain.Artifact{hist, canon}))

	entries, err := l.Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, "c1", e.CaseID)
	require.Equal(t, []string{filepath.Base(hist.Path)}, e.Artifacts, "only historical artifacts are ledgered")
	require.Equal(t, primary, e.SourceDir)
	require.Equal(t, domain.LedgerEncoding, e.Encoding)
	require.NotEmpty(t, e.ID)
}

func TestMirrorDisabledDoesNothing(t *testing.T) {
	primary := t.TempDir()
	r, l := newTestReplicator(t, "", 0)

	a := writeArtifact(t, primary, "c1_temp_20260829_100000.json", `{"v":1}`)
	require.NoError(t, r.Mirror("c1", []domain.Artifact{a}))

	entries, err := l.Load()
	require.NoError(t, err)
	require.Empty(t, entries)
	require.False(t, r.Enabled())
}

func TestMirrorFallsBackToInMemoryBytes(t *testing.T) {
	primary := t.TempDir()
	mirrorRoot := t.TempDir()
	r, _ := newTestReplicator(t, mirrorRoot, 0)

	// Primary copy is gone, but the artifact carries its bytes.
	a := domain.Artifact{
		Path: filepath.Join(primary, "c1_temp_20260829_100000.json"),
		Data: []byte(`{"v":"memory"}`),
	}
	require.NoError(t, r.Mirror("c1", []domain.Artifact{a}))

	data, err := os.ReadFile(filepath.Join(mirrorRoot, "c1", filepath.Base(a.Path)))
	require.NoError(t, err)
	require.Equal(t, `{"v":"memory"}`, string(data))
}

func TestMirrorPartialFailureLedgersFailedHistorical(t *testing.T) {
	primary := t.TempDir()
	mirrorRoot := t.TempDir()
	r, l := newTestReplicator(t, mirrorRoot, 0)

	good := writeArtifact(t, primary, "c1_temp_20260829_100000.json", `{"v":1}`)
	gone := domain.Artifact{Path: filepath.Join(primary, "c1_temp_20260829_110000.json"), Historical: true}

	err := r.Mirror("c1", []domain.Artifact{good, gone})
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrPartialMirror)
	var partial *domain.PartialMirrorError
	require.ErrorAs(t, err, &partial)
	require.Equal(t, "c1", partial.CaseID)
	require.Len(t, partial.Warnings, 1)

	require.FileExists(t, filepath.Join(mirrorRoot, "c1", filepath.Base(good.Path)))

	entries, err := l.Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, []string{filepath.Base(gone.Path)}, entries[0].Artifacts)
}

func TestReplayPendingFillsMirrorAndClearsLedger(t *testing.T) {
	primary := t.TempDir()
	parent := t.TempDir()
	mirrorRoot := filepath.Join(parent, "drive")
	r, l := newTestReplicator(t, mirrorRoot, 0)

	a := writeArtifact(t, primary, "c1_temp_20260829_100000.json", `{"v":1}`)
	require.NoError(t, r.Mirror("c1", []domain.Artifact{a}))

	entries, err := l.Load()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Drive still absent: replay defers, entry survives.
	remaining, err := r.ReplayPending()
	require.NoError(t, err)
	require.Len(t, remaining, 1)

	// Drive appears: replay copies and clears the ledger.
	require.NoError(t, os.MkdirAll(mirrorRoot, 0o700))
	remaining, err = r.ReplayPending()
	require.NoError(t, err)
	require.Empty(t, remaining)
	require.FileExists(t, filepath.Join(mirrorRoot, "c1", filepath.Base(a.Path)))

	entries, err = l.Load()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestReplayPendingIsIdempotent(t *testing.T) {
	primary := t.TempDir()
	mirrorRoot := t.TempDir()
	r, l := newTestReplicator(t, mirrorRoot, 0)

	a := writeArtifact(t, primary, "c1_temp_20260829_100000.json", `{"v":1}`)
	require.NoError(t, l.Append(domain.PendingEntry{
		ID: "e1", CaseID: "c1",
		Artifacts: []string{filepath.Base(a.Path)},
		SourceDir: primary, Encoding: domain.LedgerEncoding,
	}))

	// Mirror copy already present with different bytes.
	caseDir := filepath.Join(mirrorRoot, "c1")
	require.NoError(t, os.MkdirAll(caseDir, 0o700))
	existing := filepath.Join(caseDir, filepath.Base(a.Path))
	require.NoError(t, os.WriteFile(existing, []byte("earlier copy"), 0o600))

	remaining, err := r.ReplayPending()
	require.NoError(t, err)
	require.Empty(t, remaining)

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	require.Equal(t, "earlier copy", string(data), "satisfied artifacts must not be re-copied")
}

func TestReplayKeepsOnlyMissingArtifacts(t *testing.T) {
	primary := t.TempDir()
	mirrorRoot := t.TempDir()
	r, l := newTestReplicator(t, mirrorRoot, 0)

	present := writeArtifact(t, primary, "c1_temp_20260829_100000.json", `{"v":1}`)
	require.NoError(t, l.Append(domain.PendingEntry{
		ID: "e1", CaseID: "c1",
		Artifacts: []string{filepath.Base(present.Path), "c1_temp_20260829_110000.json"},
		SourceDir: primary, Encoding: domain.LedgerEncoding,
	}))

	remaining, err := r.ReplayPending()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, []string{"c1_temp_20260829_110000.json"}, remaining[0].Artifacts)
	require.FileExists(t, filepath.Join(mirrorRoot, "c1", filepath.Base(present.Path)))
}

func TestReplayDropsStaleEntriesWithNoSource(t *testing.T) {
	primary := t.TempDir()
	mirrorRoot := t.TempDir()
	r, l := newTestReplicator(t, mirrorRoot, 24*time.Hour)

	now := time.Now()
	r.SetNow(func() time.Time { return now })

	require.NoError(t, l.Append(domain.PendingEntry{
		ID: "old", CaseID: "c1",
		Artifacts: []string{"c1_temp_20250101_000000.json"},
		CreatedAt: now.Add(-48 * time.Hour),
		SourceDir: primary, Encoding: domain.LedgerEncoding,
	}))

	// Aged out and the source file no longer exists anywhere: dropped.
	remaining, err := r.ReplayPending()
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestReplayKeepsStaleEntryWhileSourceRemains(t *testing.T) {
	primary := t.TempDir()
	parent := t.TempDir()
	mirrorRoot := filepath.Join(parent, "drive")
	r, l := newTestReplicator(t, mirrorRoot, 24*time.Hour)

	now := time.Now()
	r.SetNow(func() time.Time { return now })

	a := writeArtifact(t, primary, "c1_temp_20260829_100000.json", `{"v":1}`)
	require.NoError(t, os.MkdirAll(mirrorRoot, 0o700))
	// Make the destination uncopyable by replacing the case dir with a file.
	require.NoError(t, os.WriteFile(filepath.Join(mirrorRoot, "c1"), []byte("in the way"), 0o600))

	require.NoError(t, l.Append(domain.PendingEntry{
		ID: "old", CaseID: "c1",
		Artifacts: []string{filepath.Base(a.Path)},
		CreatedAt: now.Add(-48 * time.Hour),
		SourceDir: primary, Encoding: domain.LedgerEncoding,
	}))

	remaining, err := r.ReplayPending()
	require.NoError(t, err)
	require.Len(t, remaining, 1, "source still exists, entry must survive the age bound")
}

func TestConcurrentMirrorAndReplayLosesNoEntries(t *testing.T) {
	primary := t.TempDir()
	mirrorRoot := t.TempDir()
	r, _ := newTestReplicator(t, mirrorRoot, 0)

	// Every Mirror call ledgers its artifact (the source never exists) and
	// every ReplayPending rewrites the ledger; interleaving the two must
	// not erase an append that lands mid-replay.
	const cases = 16
	done := make(chan struct{})
	var replayer sync.WaitGroup
	replayer.Add(1)
	go func() {
		defer replayer.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			_, err := r.ReplayPending()
			require.NoError(t, err)
		}
	}()

	var writers sync.WaitGroup
	for i := 0; i < cases; i++ {
		writers.Add(1)
		go func(i int) {
			defer writers.Done()
			caseID := fmt.Sprintf("c%d", i)
			gone := domain.Artifact{
				Path:       filepath.Join(primary, caseID+"_temp_20260829_100000.json"),
				Historical: true,
			}
			require.ErrorIs(t, r.Mirror(caseID, []domain.Artifact{gone}), domain.ErrPartialMirror)
		}(i)
	}
	writers.Wait()
	close(done)
	replayer.Wait()

	entries, err := r.Pending()
	require.NoError(t, err)
	require.Len(t, entries, cases)
}

func TestPreservedPaths(t *testing.T) {
	r, l := newTestReplicator(t, t.TempDir(), 0)

	require.NoError(t, l.Append(domain.PendingEntry{
		ID: "e1", CaseID: "c1",
		Artifacts: []string{"a.json", "b.json"},
		SourceDir: "/primary", Encoding: domain.LedgerEncoding,
	}))

	paths, err := r.PreservedPaths()
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join("/primary", "a.json"),
		filepath.Join("/primary", "b.json"),
	}, paths)
}

package autosave

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/keelworks/casevault/internal/domain"
	"github.com/keelworks/casevault/internal/gateway"
	"github.com/keelworks/casevault/internal/pool"
	"github.com/keelworks/casevault/internal/sched"
)

type harness struct {
	sched *sched.Scheduler
	gw    *gateway.Gateway

	mu      sync.Mutex
	dataset domain.Dataset
	saves   []domain.Dataset
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := sched.New(zerolog.Nop())
	p := pool.New(2, zerolog.Nop())
	t.Cleanup(func() {
		s.Close()
		p.Close()
	})
	h := &harness{
		sched:   s,
		gw:      gateway.New(s, p, 1, nil, zerolog.Nop()),
		dataset: domain.Dataset{CaseID: "c1", Content: map[string]any{"rev": "0"}},
	}
	return h
}

func (h *harness) source() domain.Dataset {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dataset
}

func (h *harness) setRev(rev string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dataset.Content = map[string]any{"rev": rev}
}

func (h *harness) recordSave(ds domain.Dataset) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saves = append(h.saves, ds)
}

func (h *harness) savedRevs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	revs := make([]string, 0, len(h.saves))
	for _, ds := range h.saves {
		revs = append(revs, ds.Content["rev"].(string))
	}
	return revs
}

func TestDebounceCoalescesBurst(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "autosave.json")
	w := NewDebounceWriter(h.sched, h.gw, h.source, path, 60*time.Millisecond, zerolog.Nop())
	w.OnSaved = h.recordSave

	h.setRev("1")
	w.MarkDirty()
	time.Sleep(20 * time.Millisecond)
	h.setRev("2")
	w.MarkDirty()
	h.setRev("3")
	w.MarkDirty()

	time.Sleep(200 * time.Millisecond)

	// One write for the whole burst, carrying the latest content.
	require.Equal(t, []string{"3"}, h.savedRevs())
	res, err := h.gw.LoadSync(path)
	require.NoError(t, err)
	require.Equal(t, "3", res.Payload.Dataset["rev"])
}

func TestDebounceSeparateWindows(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "autosave.json")
	w := NewDebounceWriter(h.sched, h.gw, h.source, path, 30*time.Millisecond, zerolog.Nop())
	w.OnSaved = h.recordSave

	h.setRev("1")
	w.MarkDirty()
	time.Sleep(120 * time.Millisecond)
	h.setRev("2")
	w.MarkDirty()
	time.Sleep(120 * time.Millisecond)

	require.Equal(t, []string{"1", "2"}, h.savedRevs())
}

func TestDebounceIdleWritesNothing(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "autosave.json")
	w := NewDebounceWriter(h.sched, h.gw, h.source, path, 20*time.Millisecond, zerolog.Nop())
	w.OnSaved = h.recordSave

	time.Sleep(100 * time.Millisecond)
	require.Empty(t, h.savedRevs())
	require.False(t, w.Dirty())
}

func TestFlushPerformsOwedWrite(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "autosave.json")
	// Window far longer than the test; only Flush can cause the write.
	w := NewDebounceWriter(h.sched, h.gw, h.source, path, time.Hour, zerolog.Nop())
	w.OnSaved = h.recordSave

	h.setRev("final")
	w.MarkDirty()
	require.True(t, w.Dirty())

	require.NoError(t, w.Flush(context.Background()))
	require.Equal(t, []string{"final"}, h.savedRevs())
	require.False(t, w.Dirty())

	// Nothing owed: flush is a no-op.
	require.NoError(t, w.Flush(context.Background()))
	require.Equal(t, []string{"final"}, h.savedRevs())
}

func TestResetDiscardsOwedWrite(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "autosave.json")
	w := NewDebounceWriter(h.sched, h.gw, h.source, path, 40*time.Millisecond, zerolog.Nop())
	w.OnSaved = h.recordSave

	w.MarkDirty()
	w.Reset()

	time.Sleep(120 * time.Millisecond)
	require.Empty(t, h.savedRevs())
}

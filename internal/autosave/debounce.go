// Package autosave contains the two writers that keep the canonical
// snapshot fresh: a debounced writer driven by edit activity and a periodic
// cycle writer that rotates through safety slots regardless of activity.
package autosave

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/keelworks/casevault/internal/domain"
	"github.com/keelworks/casevault/internal/gateway"
	"github.com/keelworks/casevault/internal/sched"
)

// DebounceWriter coalesces bursts of "dataset changed" signals into at most
// one canonical write per quiet window. All state transitions happen on the
// scheduler goroutine.
type DebounceWriter struct {
	sched  *sched.Scheduler
	gw     *gateway.Gateway
	source domain.DatasetSource
	path   string
	window time.Duration
	log    zerolog.Logger

	// OnSaved runs on the scheduler goroutine after each successful
	// canonical write, with the dataset that was persisted. The retention
	// chain hangs off it.
	OnSaved func(domain.Dataset)

	// OnError runs on the scheduler goroutine when a canonical write fails.
	OnError func(error)

	// scheduler-owned state
	dirty   bool
	saving  bool
	pending *sched.Handle
}

// NewDebounceWriter creates a writer for the given canonical path.
func NewDebounceWriter(s *sched.Scheduler, gw *gateway.Gateway, source domain.DatasetSource, path string, window time.Duration, logger zerolog.Logger) *DebounceWriter {
	return &DebounceWriter{
		sched:  s,
		gw:     gw,
		source: source,
		path:   path,
		window: window,
		log:    logger.With().Str("component", "debounce").Logger(),
	}
}

// MarkDirty records that a canonical write is owed. The first call in a
// quiet period arms the window timer; further calls within the window
// coalesce into the same write.
func (w *DebounceWriter) MarkDirty() {
	w.sched.Post(w.markDirty)
}

func (w *DebounceWriter) markDirty() {
	w.dirty = true
	if w.pending != nil || w.saving {
		// A window is already armed, or a save is in flight; the next
		// window starts when the in-flight callback fires.
		return
	}
	w.arm()
}

func (w *DebounceWriter) arm() {
	w.pending = w.sched.ScheduleOnce(w.window, w.fire)
}

func (w *DebounceWriter) fire() {
	w.pending = nil
	if !w.dirty || w.saving {
		return
	}
	w.save(nil)
}

// save pulls the latest dataset and dispatches the canonical write. Runs on
// the scheduler goroutine; done (if non-nil) is invoked after the write
// callback.
func (w *DebounceWriter) save(done func(error)) {
	w.dirty = false
	w.saving = true
	ds := w.source()
	payload := domain.NewPayload(ds, w.gw.SchemaVersion())
	w.gw.Save(w.path, payload, func(err error) {
		w.saving = false
		if err != nil {
			w.log.Error().Str("path", w.path).Err(err).Msg("autosave failed")
			if w.OnError != nil {
				w.OnError(err)
			}
		} else {
			w.log.Debug().Str("path", w.path).Str("case", ds.Key()).Msg("autosave written")
			if w.OnSaved != nil {
				w.OnSaved(ds)
			}
		}
		// An edit that arrived mid-save owes another write; its window
		// starts only now, so the same path never has two writers.
		if w.dirty && w.pending == nil {
			w.arm()
		}
		if done != nil {
			done(err)
		}
	})
}

// Flush cancels any pending window and, when a write is owed, performs it
// before returning. Used at shutdown so no owed change is lost.
func (w *DebounceWriter) Flush(ctx context.Context) error {
	errc := make(chan error, 1)
	w.sched.Post(func() {
		if w.pending != nil {
			w.sched.Cancel(w.pending)
			w.pending = nil
		}
		if !w.dirty {
			errc <- nil
			return
		}
		// If a save is already in flight the gateway queues this one behind
		// it; the same path never has two concurrent writers.
		w.save(func(err error) { errc <- err })
	})
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dirty reports whether a write is currently owed. Intended for tests.
func (w *DebounceWriter) Dirty() bool {
	var dirty bool
	w.sched.Call(func() { dirty = w.dirty })
	return dirty
}

// Reset discards in-memory tracking (the dirty flag and any armed window)
// without touching on-disk artifacts.
func (w *DebounceWriter) Reset() {
	w.sched.Post(func() {
		if w.pending != nil {
			w.sched.Cancel(w.pending)
			w.pending = nil
		}
		w.dirty = false
	})
}

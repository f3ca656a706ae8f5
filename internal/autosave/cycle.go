package autosave

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/keelworks/casevault/internal/domain"
	"github.com/keelworks/casevault/internal/gateway"
	"github.com/keelworks/casevault/internal/sched"
)

// CycleWriter is the safety net independent of editing activity: every
// interval it writes the current dataset into one of N rotating slot files
// for the active key. A start guard suppresses ticks until the first edit of
// a session, so an unmodified or empty dataset never overwrites a still
// valid prior rotation.
type CycleWriter struct {
	sched    *sched.Scheduler
	gw       *gateway.Gateway
	source   domain.DatasetSource
	root     string
	interval time.Duration
	slots    int
	log      zerolog.Logger

	// scheduler-owned state
	tick    int
	guarded bool
	handle  *sched.Handle
	lastRun map[string]time.Time
	now     func() time.Time
}

// NewCycleWriter creates a cycle writer rooted at root with the given slot
// count.
func NewCycleWriter(s *sched.Scheduler, gw *gateway.Gateway, source domain.DatasetSource, root string, interval time.Duration, slots int, logger zerolog.Logger) *CycleWriter {
	return &CycleWriter{
		sched:    s,
		gw:       gw,
		source:   source,
		root:     root,
		interval: interval,
		slots:    slots,
		log:      logger.With().Str("component", "cycle").Logger(),
		guarded:  true,
		lastRun:  make(map[string]time.Time),
		now:      time.Now,
	}
}

// SlotForTick returns the 1-based slot used by the given 1-based tick
// number: slot(M) = ((M-1) mod N) + 1.
func SlotForTick(tick, slots int) int {
	return ((tick - 1) % slots) + 1
}

// SlotPath returns the rotating slot file for a key and slot index.
func (c *CycleWriter) SlotPath(caseID string, slot int) string {
	return filepath.Join(c.root, caseID, fmt.Sprintf("auto_%d.json", slot))
}

// Start arms the repeating timer. Failure on one tick never cancels future
// ticks.
func (c *CycleWriter) Start() {
	c.sched.Post(func() {
		if c.handle != nil {
			return
		}
		c.handle = c.sched.ScheduleRepeating(c.interval, c.onTick)
	})
}

// Stop cancels the repeating timer. Used only at shutdown.
func (c *CycleWriter) Stop() {
	c.sched.Post(func() {
		if c.handle != nil {
			c.sched.Cancel(c.handle)
			c.handle = nil
		}
	})
}

// ReleaseGuard lifts the start guard. Called on the first edit of a session
// or after a key switch.
func (c *CycleWriter) ReleaseGuard() {
	c.sched.Post(func() { c.guarded = false })
}

// Reset re-arms the start guard and clears the slot counter, leaving disk
// untouched. Used when the caller switches to a fresh session or key.
func (c *CycleWriter) Reset() {
	c.sched.Post(func() {
		c.guarded = true
		c.tick = 0
	})
}

// LastRunAt reports when the cycle last wrote a slot for the key.
func (c *CycleWriter) LastRunAt(caseID string) (time.Time, bool) {
	var (
		at time.Time
		ok bool
	)
	c.sched.Call(func() { at, ok = c.lastRun[caseID] })
	return at, ok
}

func (c *CycleWriter) onTick() {
	if c.guarded {
		c.log.Debug().Msg("cycle tick suppressed: no edit yet this session")
		return
	}
	c.tick++
	ds := c.source()
	key := ds.Key()
	slot := SlotForTick(c.tick, c.slots)
	path := c.SlotPath(key, slot)
	payload := domain.NewPayload(ds, c.gw.SchemaVersion())
	c.gw.Save(path, payload, func(err error) {
		if err != nil {
			// Logged, not fatal: the timer reschedules itself regardless.
			c.log.Error().Str("path", path).Int("slot", slot).Err(err).Msg("cycle write failed")
			return
		}
		c.lastRun[key] = c.now()
		c.log.Debug().Str("case", key).Int("slot", slot).Msg("cycle slot written")
	})
}

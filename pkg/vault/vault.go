// Package vault assembles the casevault persistence layer: debounced
// canonical autosave, periodic rotating safety slots, versioned snapshot
// retention, ranked crash recovery, and best-effort mirroring with an
// eventual-consistency ledger.
//
// A Vault owns a single scheduler goroutine that makes every persistence
// decision, and a bounded worker pool that performs the actual disk I/O.
// Callers interact from any goroutine.
package vault

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/keelworks/casevault/internal/autosave"
	"github.com/keelworks/casevault/internal/domain"
	"github.com/keelworks/casevault/internal/gateway"
	"github.com/keelworks/casevault/internal/mirror"
	"github.com/keelworks/casevault/internal/pool"
	"github.com/keelworks/casevault/internal/recovery"
	"github.com/keelworks/casevault/internal/retention"
	"github.com/keelworks/casevault/internal/sched"
	"github.com/keelworks/casevault/internal/vaultcfg"
)

// Re-exported domain types so callers rarely need the internal packages.
type (
	// Config drives every vault component; see vaultcfg.DefaultConfig.
	Config = vaultcfg.Config

	// Dataset is the opaque document being protected.
	Dataset = domain.Dataset

	// Payload is the persisted envelope.
	Payload = domain.Payload

	// Artifact is a finalized file handed to the mirror replicator.
	Artifact = domain.Artifact

	// PendingEntry is one deferred-replication ledger record.
	PendingEntry = domain.PendingEntry

	// RecoveryCandidate is a discovered snapshot ranked by recency.
	RecoveryCandidate = domain.RecoveryCandidate
)

// DefaultConfig returns a Config with the stock defaults.
func DefaultConfig() Config { return vaultcfg.DefaultConfig() }

// ShutdownFlushTimeout bounds the owed-autosave flush during Close.
const ShutdownFlushTimeout = 30 * time.Second

// Vault is the persistence context handed to the interactive application.
type Vault struct {
	cfg  Config
	opts options

	sched      *sched.Scheduler
	pool       *pool.Pool
	gw         *gateway.Gateway
	debounce   *autosave.DebounceWriter
	cycle      *autosave.CycleWriter
	retention  *retention.Manager
	catalog    *recovery.Catalog
	replicator *mirror.Replicator

	mu          sync.Mutex
	started     bool
	closed      bool
	cancelWatch context.CancelFunc
}

// New wires a vault from the given configuration. The scheduler and worker
// pool start immediately; the periodic cycle and startup maintenance run
// when Start is called.
func New(cfg Config, opts ...Option) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger.With().Str("service", "casevault").Logger()

	s := sched.New(log)
	p := pool.New(cfg.Workers, log)
	gw := gateway.New(s, p, cfg.SchemaVersion, o.validate, log)

	ledger := mirror.NewLedger(filepath.Join(cfg.BaseRoot, mirror.LedgerFileName), log)
	staleAfter := time.Duration(0)
	if cfg.TempMaxAgeDays > 0 {
		// Pending entries older than ten retention windows with no source
		// left to copy from are abandoned.
		staleAfter = 10 * time.Duration(cfg.TempMaxAgeDays) * 24 * time.Hour
	}
	replicator := mirror.NewReplicator(cfg.MirrorRoot, ledger, staleAfter, log)

	ret := retention.NewManager(s, p, cfg.BaseRoot, retention.Policy{
		Debounce:   cfg.TempDebounce,
		MaxAgeDays: cfg.TempMaxAgeDays,
		MaxPerCase: cfg.TempMaxPerCase,
		Compress:   cfg.CompressOldTemp,
	}, cfg.SchemaVersion, o.fingerprint, log)

	roots := []string{cfg.BaseRoot, cfg.AutosaveRoot}
	if cfg.MirrorRoot != "" {
		roots = append(roots, cfg.MirrorRoot)
	}
	catalog := recovery.NewCatalog(gw, roots, cfg.CanonicalName, o.extraPatterns, log)

	v := &Vault{
		cfg:        cfg,
		opts:       o,
		sched:      s,
		pool:       p,
		gw:         gw,
		retention:  ret,
		catalog:    catalog,
		replicator: replicator,
	}

	if o.source != nil {
		v.debounce = autosave.NewDebounceWriter(s, gw, o.source, cfg.CanonicalPath(), cfg.DebounceDelay, log)
		v.debounce.OnSaved = v.afterAutosave
		v.debounce.OnError = func(err error) {
			if o.onSaveError != nil {
				o.onSaveError(err)
			}
		}
		v.cycle = autosave.NewCycleWriter(s, gw, o.source, cfg.AutosaveRoot, cfg.CycleInterval, cfg.CycleSlotCount, log)
	} else {
		log.Debug().Msg("no dataset source configured, autosave writers disabled")
	}
	return v, nil
}

// afterAutosave runs on the scheduler goroutine after each successful
// canonical write: it feeds the retention chain and mirrors the resulting
// versioned snapshot.
func (v *Vault) afterAutosave(ds domain.Dataset) {
	if v.opts.onAutosaved != nil {
		v.opts.onAutosaved(v.cfg.CanonicalPath())
	}
	v.retention.RecordChange(ds, func(path string, err error) {
		if err != nil {
			if v.opts.onSaveError != nil {
				v.opts.onSaveError(err)
			}
			return
		}
		if path == "" {
			return
		}
		if v.opts.onVersioned != nil {
			v.opts.onVersioned(path)
		}
		if v.replicator.Enabled() {
			key := ds.Key()
			artifact := domain.Artifact{Path: path, Historical: true}
			_ = v.pool.Submit(func() {
				if err := v.replicator.Mirror(key, []domain.Artifact{artifact}); err != nil {
					v.opts.logger.Warn().Str("case", key).Err(err).Msg("mirror of versioned snapshot incomplete")
				}
				// A failed copy may have ledgered the snapshot; pruning must
				// not remove it while the entry is outstanding.
				if preserved, err := v.replicator.PreservedPaths(); err == nil {
					v.retention.SetPreserved(preserved)
				}
			})
		}
	})
}

// Start runs startup maintenance (ledger replay, preserved-path marking,
// retention pruning for every discovered key) and arms the periodic cycle
// writer. ctx bounds the lifetime of the optional config watcher.
func (v *Vault) Start(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return domain.ErrClosed
	}
	if v.started {
		v.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	v.started = true
	v.mu.Unlock()

	if v.replicator.Enabled() {
		if _, err := v.replicator.ReplayPending(); err != nil {
			v.opts.logger.Error().Err(err).Msg("ledger replay failed")
		}
		if preserved, err := v.replicator.PreservedPaths(); err == nil {
			v.retention.SetPreserved(preserved)
		}
	}
	_ = v.pool.Submit(func() {
		if err := v.retention.PruneAll(v.cfg.MirrorRoot); err != nil {
			v.opts.logger.Error().Err(err).Msg("startup prune failed")
		}
	})

	if v.cycle != nil {
		v.cycle.Start()
	}

	if v.opts.configPath != "" {
		wctx, cancel := context.WithCancel(ctx)
		v.mu.Lock()
		v.cancelWatch = cancel
		v.mu.Unlock()
		watcher := vaultcfg.NewWatcher(v.opts.configPath, v.cfg, v.applyConfig, v.opts.logger)
		go watcher.Run(wctx)
	}
	return nil
}

// applyConfig adopts the runtime-tunable subset of a reloaded config: the
// retention policy. Structural fields keep their startup values.
func (v *Vault) applyConfig(cfg Config) {
	v.retention.SetPolicy(retention.Policy{
		Debounce:   cfg.TempDebounce,
		MaxAgeDays: cfg.TempMaxAgeDays,
		MaxPerCase: cfg.TempMaxPerCase,
		Compress:   cfg.CompressOldTemp,
	})
}

// RequestAutosave signals that the dataset changed. Bursts within the
// debounce window coalesce into one canonical write; the first request of a
// session also releases the cycle writer's start guard.
func (v *Vault) RequestAutosave() {
	if v.debounce == nil {
		return
	}
	v.debounce.MarkDirty()
	if v.cycle != nil {
		v.cycle.ReleaseGuard()
	}
}

// FlushAutosave cancels any pending debounce window and writes the owed
// canonical snapshot before returning. Call on shutdown.
func (v *Vault) FlushAutosave(ctx context.Context) error {
	if v.debounce == nil {
		return nil
	}
	return v.debounce.Flush(ctx)
}

// Recover loads the newest discovered snapshot that passes validation,
// skipping invalid candidates. When every candidate fails it returns an
// error matching domain.ErrNoRecoverableSnapshot; the caller is expected to
// fall back to a clean state and tell the user.
func (v *Vault) Recover() (Payload, string, error) {
	res, err := v.catalog.RecoverSync()
	if err != nil {
		return Payload{}, "", err
	}
	return res.Payload, res.Path, nil
}

// LoadSpecific loads one payload from an explicit path, applying the same
// validation as recovery. Used by "pick a backup" flows.
func (v *Vault) LoadSpecific(path string) (Payload, error) {
	res, err := v.gw.LoadSync(path)
	if err != nil {
		return Payload{}, err
	}
	return res.Payload, nil
}

// ListBackups returns every discovered recovery candidate, newest first,
// with its descriptive kind. Intended for UI-level backup pickers.
func (v *Vault) ListBackups() []RecoveryCandidate {
	return v.catalog.Discover()
}

// MirrorExports copies a finalized batch of artifacts to the mirror's case
// subfolder, best effort. A non-nil error matching domain.ErrPartialMirror
// is advisory, never fatal: failed historical artifacts are already ledgered
// for replay on a later run.
func (v *Vault) MirrorExports(caseID string, artifacts []Artifact) error {
	if !v.replicator.Enabled() {
		return nil
	}
	err := v.replicator.Mirror(caseID, artifacts)
	if preserved, perr := v.replicator.PreservedPaths(); perr == nil {
		v.retention.SetPreserved(preserved)
	}
	return err
}

// ReplayPending replays the deferred-replication ledger against the mirror
// root, returning the entries still outstanding.
func (v *Vault) ReplayPending() ([]PendingEntry, error) {
	remaining, err := v.replicator.ReplayPending()
	if err == nil {
		if preserved, perr := v.replicator.PreservedPaths(); perr == nil {
			v.retention.SetPreserved(preserved)
		}
	}
	return remaining, err
}

// PendingEntries lists the current ledger contents without replaying.
func (v *Vault) PendingEntries() ([]PendingEntry, error) {
	return v.replicator.Pending()
}

// PruneNow runs a retention pass for every discovered key, on the primary
// and (when configured) the mirror root. Exposed for the CLI.
func (v *Vault) PruneNow() error {
	return v.retention.PruneAll(v.cfg.MirrorRoot)
}

// Reset discards in-memory tracking: the dirty flag, armed windows, slot
// counters, the cycle start guard, and remembered fingerprints. On-disk
// artifacts are untouched.
func (v *Vault) Reset() {
	if v.debounce != nil {
		v.debounce.Reset()
	}
	if v.cycle != nil {
		v.cycle.Reset()
	}
	v.retention.Reset()
}

// Close flushes the owed autosave, stops the timers, and shuts down the
// scheduler and worker pool. The vault is unusable afterwards.
func (v *Vault) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	cancel := v.cancelWatch
	v.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if v.cycle != nil {
		v.cycle.Stop()
	}
	var flushErr error
	if v.debounce != nil {
		ctx, done := context.WithTimeout(context.Background(), ShutdownFlushTimeout)
		flushErr = v.debounce.Flush(ctx)
		done()
	}
	v.sched.Close()
	v.pool.Close()
	return flushErr
}

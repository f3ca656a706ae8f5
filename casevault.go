// Package casevault provides a crash-resilient local persistence layer for
// long-running interactive applications: a debounced canonical autosave, a
// rotating set of periodic safety snapshots, an age/count-bounded history of
// versioned snapshots, ranked recovery of the newest valid snapshot across
// several storage roots, and best-effort replication to a secondary
// (possibly removable) root with an eventual-consistency ledger.
//
// Example usage:
//
//	cfg := casevault.DefaultConfig()
//	cfg.BaseRoot = "/var/lib/myapp"
//	v, err := casevault.New(cfg,
//	    casevault.WithDatasetSource(app.CurrentDataset),
//	    casevault.WithLogger(logger),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := v.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer v.Close()
//
//	// on every edit:
//	v.RequestAutosave()
package casevault

import (
	"github.com/keelworks/casevault/pkg/vault"
)

// Vault is the persistence context handed to the interactive application.
type Vault = vault.Vault

// Config drives every vault component.
type Config = vault.Config

// Dataset is the opaque document being protected.
type Dataset = vault.Dataset

// Payload is the persisted envelope.
type Payload = vault.Payload

// Artifact is a finalized file handed to the mirror replicator.
type Artifact = vault.Artifact

// PendingEntry is one deferred-replication ledger record.
type PendingEntry = vault.PendingEntry

// RecoveryCandidate is a discovered snapshot ranked by recency.
type RecoveryCandidate = vault.RecoveryCandidate

// Option configures optional behavior of a Vault.
type Option = vault.Option

// New wires a vault from the given configuration.
func New(cfg Config, opts ...Option) (*Vault, error) {
	return vault.New(cfg, opts...)
}

// DefaultConfig returns a Config with the stock defaults.
func DefaultConfig() Config { return vault.DefaultConfig() }

// Re-exported options for convenient access from the root package.
var (
	WithLogger            = vault.WithLogger
	WithDatasetSource     = vault.WithDatasetSource
	WithValidate          = vault.WithValidate
	WithFingerprint       = vault.WithFingerprint
	WithExtraPatterns     = vault.WithExtraPatterns
	WithConfigWatcher     = vault.WithConfigWatcher
	WithAutosaveCallbacks = vault.WithAutosaveCallbacks
	WithVersionedCallback = vault.WithVersionedCallback
)

package vault

import (
	"github.com/rs/zerolog"

	"github.com/keelworks/casevault/internal/domain"
)

// Option configures optional behavior of a Vault.
type Option func(*options)

// options holds the optional configuration for a Vault instance.
type options struct {
	logger        zerolog.Logger
	source        domain.DatasetSource
	validate      domain.ValidateFunc
	fingerprint   domain.FingerprintFunc
	extraPatterns []string
	configPath    string

	onAutosaved func(path string)
	onVersioned func(path string)
	onSaveError func(err error)
}

func defaultOptions() options {
	return options{
		logger: zerolog.Nop(),
	}
}

// WithLogger sets the zerolog logger used by every component. Without it,
// logging is disabled.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDatasetSource supplies the pull hook the vault calls whenever it
// decides to persist. Without a source, the autosave and cycle writers are
// disabled and the vault is read-only (recovery, pruning, replay still
// work).
func WithDatasetSource(source domain.DatasetSource) Option {
	return func(o *options) { o.source = source }
}

// WithValidate supplies the payload check run on every load. It must be
// side-effect-free; it runs on a worker goroutine. Without it, the built-in
// envelope check is used.
func WithValidate(validate domain.ValidateFunc) Option {
	return func(o *options) { o.validate = validate }
}

// WithFingerprint overrides the content signature used to suppress
// redundant versioned snapshots. The default covers the dataset content and
// deliberately excludes form state.
func WithFingerprint(fn domain.FingerprintFunc) Option {
	return func(o *options) { o.fingerprint = fn }
}

// WithExtraPatterns appends caller-supplied glob patterns to recovery
// discovery (e.g. "*respaldo*" for a localized backup name).
func WithExtraPatterns(patterns ...string) Option {
	return func(o *options) { o.extraPatterns = append(o.extraPatterns, patterns...) }
}

// WithConfigWatcher enables live reload of retention settings from the TOML
// config file at path while the vault runs.
func WithConfigWatcher(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithAutosaveCallbacks registers success and error callbacks for canonical
// autosave writes. Both run on the scheduler goroutine and must not block.
func WithAutosaveCallbacks(onSaved func(path string), onError func(err error)) Option {
	return func(o *options) {
		o.onAutosaved = onSaved
		o.onSaveError = onError
	}
}

// WithVersionedCallback registers a callback fired after each new versioned
// snapshot is written. It runs on the scheduler goroutine and must not
// block.
func WithVersionedCallback(onVersioned func(path string)) Option {
	return func(o *options) { o.onVersioned = onVersioned }
}

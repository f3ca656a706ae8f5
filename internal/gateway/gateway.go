// Package gateway implements the validated save/load unit that every higher
// casevault component uses for disk access. All operations dispatch blocking
// I/O to the worker pool and deliver completions back on the scheduler
// goroutine; writes to the same target path are serialized so partial writes
// never interleave.
package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/keelworks/casevault/internal/domain"
	"github.com/keelworks/casevault/internal/pool"
	"github.com/keelworks/casevault/internal/sched"
)

// Result carries a successfully loaded payload plus the failures of any
// candidates that were skipped before it.
type Result struct {
	Path    string
	Payload domain.Payload
	Skipped []domain.PathFailure
}

// Gateway performs schema-tagged JSON persistence for a single path at a
// time. Construct with New; methods taking callbacks invoke them on the
// scheduler goroutine.
type Gateway struct {
	sched         *sched.Scheduler
	pool          *pool.Pool
	schemaVersion int
	validate      domain.ValidateFunc
	log           zerolog.Logger

	// inflight queues writers per target path. Touched only on the
	// scheduler goroutine.
	inflight map[string][]func()
}

// New creates a gateway. validate may be nil, in which case the built-in
// envelope check is applied on load.
func New(s *sched.Scheduler, p *pool.Pool, schemaVersion int, validate domain.ValidateFunc, logger zerolog.Logger) *Gateway {
	return &Gateway{
		sched:         s,
		pool:          p,
		schemaVersion: schemaVersion,
		validate:      validate,
		log:           logger.With().Str("component", "gateway").Logger(),
		inflight:      make(map[string][]func()),
	}
}

// SchemaVersion returns the version tag stamped on every saved payload.
func (g *Gateway) SchemaVersion() int { return g.schemaVersion }

// Save serializes the payload and writes it to path atomically (write to a
// temp file, then rename), tagging it with the current schema version. The
// callback runs on the scheduler goroutine. Saves to the same path are
// serialized; a new write is not dispatched until the previous one to that
// path completed.
func (g *Gateway) Save(path string, payload domain.Payload, cb func(error)) {
	payload.SchemaVersion = g.schemaVersion
	g.sched.Post(func() {
		g.enqueue(path, func(done func()) {
			err := g.pool.Submit(func() {
				werr := WriteAtomic(path, payload)
				g.sched.Post(func() {
					done()
					if cb != nil {
						cb(werr)
					}
				})
			})
			if err != nil {
				done()
				if cb != nil {
					cb(err)
				}
			}
		})
	})
}

// enqueue runs op immediately when no write to path is in flight, and queues
// it behind the current one otherwise. Must run on the scheduler goroutine.
func (g *Gateway) enqueue(path string, op func(done func())) {
	start := func(run func(done func())) {
		run(func() {
			queue := g.inflight[path]
			if len(queue) == 0 {
				delete(g.inflight, path)
				return
			}
			next := queue[0]
			g.inflight[path] = queue[1:]
			next()
		})
	}
	if _, busy := g.inflight[path]; busy {
		g.inflight[path] = append(g.inflight[path], func() { start(op) })
		return
	}
	g.inflight[path] = nil
	start(op)
}

// Load reads and deserializes path, then runs the validate function on the
// worker goroutine. The callback runs on the scheduler goroutine.
func (g *Gateway) Load(path string, cb func(Result, error)) {
	g.sched.Post(func() {
		err := g.pool.Submit(func() {
			payload, lerr := g.loadOne(path)
			g.sched.Post(func() {
				if cb != nil {
					cb(Result{Path: path, Payload: payload}, lerr)
				}
			})
		})
		if err != nil && cb != nil {
			cb(Result{}, err)
		}
	})
}

// LoadFirstValid tries each path in order, skipping any that fail to read,
// parse, or validate, and reports the first success. When none succeed the
// callback receives an ExhaustionError aggregating every per-path failure.
func (g *Gateway) LoadFirstValid(paths []string, cb func(Result, error)) {
	candidates := append([]string(nil), paths...)
	g.sched.Post(func() {
		err := g.pool.Submit(func() {
			res, lerr := g.loadFirstValid(candidates)
			g.sched.Post(func() {
				if cb != nil {
					cb(res, lerr)
				}
			})
		})
		if err != nil && cb != nil {
			cb(Result{}, err)
		}
	})
}

func (g *Gateway) loadFirstValid(paths []string) (Result, error) {
	var failures []domain.PathFailure
	for _, path := range paths {
		payload, err := g.loadOne(path)
		if err != nil {
			failures = append(failures, domain.PathFailure{Path: path, Err: err})
			g.log.Debug().Str("path", path).Err(err).Msg("candidate skipped")
			continue
		}
		return Result{Path: path, Payload: payload, Skipped: failures}, nil
	}
	return Result{}, &domain.ExhaustionError{Failures: failures}
}

// SaveSync is the blocking form of Save, for shutdown flushes and the CLI.
func (g *Gateway) SaveSync(path string, payload domain.Payload) error {
	errc := make(chan error, 1)
	g.Save(path, payload, func(err error) { errc <- err })
	return <-errc
}

// LoadSync is the blocking form of Load.
func (g *Gateway) LoadSync(path string) (Result, error) {
	type outcome struct {
		res Result
		err error
	}
	ch := make(chan outcome, 1)
	g.Load(path, func(res Result, err error) { ch <- outcome{res, err} })
	o := <-ch
	return o.res, o.err
}

// LoadFirstValidSync is the blocking form of LoadFirstValid.
func (g *Gateway) LoadFirstValidSync(paths []string) (Result, error) {
	type outcome struct {
		res Result
		err error
	}
	ch := make(chan outcome, 1)
	g.LoadFirstValid(paths, func(res Result, err error) { ch <- outcome{res, err} })
	o := <-ch
	return o.res, o.err
}

func (g *Gateway) loadOne(path string) (domain.Payload, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.Payload{}, &domain.IOError{Op: "read", Path: path, Err: err}
	}
	var env struct {
		SchemaVersion *int           `json:"schema_version"`
		Dataset       map[string]any `json:"dataset"`
		FormState     map[string]any `json:"form_state"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.Payload{}, &domain.ValidationError{Path: path, Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	if env.SchemaVersion == nil {
		return domain.Payload{}, &domain.ValidationError{Path: path, Err: fmt.Errorf("missing required field schema_version")}
	}
	payload := domain.Payload{
		SchemaVersion: *env.SchemaVersion,
		Dataset:       env.Dataset,
		FormState:     env.FormState,
	}
	if g.validate != nil {
		if verr := g.validate(payload); verr != nil {
			if _, ok := verr.(*domain.SchemaMismatchError); ok {
				return domain.Payload{}, verr
			}
			return domain.Payload{}, &domain.ValidationError{Path: path, Err: verr}
		}
		return payload, nil
	}
	if err := ValidateEnvelope(payload, g.schemaVersion); err != nil {
		if smerr, ok := err.(*domain.SchemaMismatchError); ok {
			smerr.Path = path
			return domain.Payload{}, smerr
		}
		return domain.Payload{}, &domain.ValidationError{Path: path, Err: err}
	}
	return payload, nil
}

// ValidateEnvelope is the default structural check applied when the caller
// supplies no validate function: the schema version must match, and the
// dataset section must be present.
func ValidateEnvelope(p domain.Payload, schemaVersion int) error {
	if p.SchemaVersion != schemaVersion {
		return &domain.SchemaMismatchError{Version: p.SchemaVersion}
	}
	if p.Dataset == nil {
		return fmt.Errorf("missing required section dataset")
	}
	return nil
}

// WriteAtomic marshals the payload and writes it via a temp file and rename
// so the target is never left corrupt on failure.
func WriteAtomic(path string, payload domain.Payload) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return &domain.IOError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return &domain.IOError{Op: "marshal", Path: path, Err: err}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return &domain.IOError{Op: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &domain.IOError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

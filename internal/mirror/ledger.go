// Package mirror copies finalized artifacts to a secondary, possibly
// removable, storage root, and keeps an append-only ledger of replication
// work that could not complete so a later run can replay it.
package mirror

import (
	"bufio"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/keelworks/casevault/internal/domain"
)

// LedgerFileName is the fixed name of the pending-consolidation ledger.
const LedgerFileName = "pending_consolidation.jsonl"

// Ledger is the newline-delimited-JSON record of deferred replication.
// Appends happen during failure recording; the file is only ever rewritten
// whole (atomically) during replay.
type Ledger struct {
	path string
	log  zerolog.Logger
}

// NewLedger creates a ledger stored at path.
func NewLedger(path string, logger zerolog.Logger) *Ledger {
	return &Ledger{path: path, log: logger.With().Str("component", "ledger").Logger()}
}

// Path returns the ledger file location.
func (l *Ledger) Path() string { return l.path }

// Append records one entry as a single JSON line.
func (l *Ledger) Append(e domain.PendingEntry) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return &domain.IOError{Op: "mkdir", Path: filepath.Dir(l.path), Err: err}
	}
	line, err := json.Marshal(e)
	if err != nil {
		return &domain.IOError{Op: "marshal", Path: l.path, Err: err}
	}
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return &domain.IOError{Op: "open", Path: l.path, Err: err}
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return &domain.IOError{Op: "append", Path: l.path, Err: err}
	}
	return nil
}

// Load parses every entry in the ledger. A missing file yields an empty
// slice. Unparseable lines (a torn write from a crash mid-append) are
// skipped with a warning rather than poisoning the whole ledger.
func (l *Ledger) Load() ([]domain.PendingEntry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &domain.IOError{Op: "open", Path: l.path, Err: err}
	}
	defer f.Close()

	var entries []domain.PendingEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e domain.PendingEntry
		if err := json.Unmarshal(line, &e); err != nil {
			l.log.Warn().Int("line", lineNo).Err(err).Msg("ledger line unreadable, skipped")
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, &domain.IOError{Op: "read", Path: l.path, Err: err}
	}
	return entries, nil
}

// Rewrite atomically replaces the ledger with the given entries, removing
// the file entirely when none remain. Write-to-temp-then-rename keeps the
// entries safe if a crash lands mid-rewrite.
func (l *Ledger) Rewrite(entries []domain.PendingEntry) error {
	if len(entries) == 0 {
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &domain.IOError{Op: "remove", Path: l.path, Err: err}
		}
		return nil
	}
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return &domain.IOError{Op: "create", Path: tmp, Err: err}
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		line, merr := json.Marshal(e)
		if merr != nil {
			f.Close()
			os.Remove(tmp)
			return &domain.IOError{Op: "marshal", Path: tmp, Err: merr}
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return &domain.IOError{Op: "write", Path: tmp, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &domain.IOError{Op: "close", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return &domain.IOError{Op: "rename", Path: l.path, Err: err}
	}
	return nil
}

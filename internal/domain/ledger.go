package domain

import "time"

// LedgerEncoding is the artifact encoding recorded in pending entries.
const LedgerEncoding = "utf-8"

// PendingEntry describes replication work that could not complete because
// the mirror root was unavailable or a copy failed. Entries are stored
// append-only, one JSON object per line.
type PendingEntry struct {
	ID        string    `json:"id"`
	CaseID    string    `json:"case_id"`
	Artifacts []string  `json:"artifact_names"`
	CreatedAt time.Time `json:"created_at"`
	SourceDir string    `json:"source_dir"`
	Encoding  string    `json:"encoding"`
}

// Artifact is a finalized file handed to the replicator. Historical
// artifacts (append-only exports, versioned snapshots) are the ones worth
// ledgering for retry; the rest are regenerated by the caller on demand.
type Artifact struct {
	// Path is the artifact's location on the primary root.
	Path string

	// Historical marks append-only artifacts that must eventually reach the
	// mirror. Non-historical artifacts are copied best-effort and never
	// re-queued.
	Historical bool

	// Data optionally carries the artifact's bytes so the replicator can
	// write the mirror copy directly when the primary copy is unreadable.
	Data []byte
}

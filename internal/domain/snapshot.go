package domain

import "time"

// SnapshotKind classifies a discovered snapshot file by its filename shape.
// The kind is descriptive only; it never affects recovery selection.
type SnapshotKind int

const (
	KindUnknown SnapshotKind = iota
	KindCanonical
	KindRotating
	KindVersioned
	KindCheckpoint
)

// String returns a human-readable representation of the kind.
func (k SnapshotKind) String() string {
	switch k {
	case KindCanonical:
		return "canonical"
	case KindRotating:
		return "rotating"
	case KindVersioned:
		return "versioned"
	case KindCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}

// RecoveryCandidate is a discovered file that might represent a usable prior
// state, plus its ranking key.
type RecoveryCandidate struct {
	Path       string
	ModifiedAt time.Time
	Kind       SnapshotKind
}

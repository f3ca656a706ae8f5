package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// DefaultCaseID is the fallback logical key used when the caller has not
// assigned a case identifier yet. Snapshot filenames are derived from it.
const DefaultCaseID = "caso"

// Dataset is the opaque document being protected. The core never inspects
// Content beyond serializing it; FormState is an untouched UI blob that is
// stored and restored verbatim but excluded from change detection.
type Dataset struct {
	// CaseID is the logical key identifying the document. Empty means the
	// caller has not assigned one yet; Key() substitutes DefaultCaseID.
	CaseID string

	// Content holds the serializable fields of the document.
	Content map[string]any

	// FormState is opaque UI state persisted alongside the content.
	FormState map[string]any
}

// Key returns the effective logical key for filenames and mirror folders.
func (d Dataset) Key() string {
	if d.CaseID == "" {
		return DefaultCaseID
	}
	return d.CaseID
}

// Fingerprint returns a deterministic content signature used purely for
// change detection, not security. It covers Content only: FormState carries
// transient UI metadata (cursor positions, rich-text attachment hints) whose
// churn must not defeat versioned-write suppression.
func (d Dataset) Fingerprint() string {
	// encoding/json emits map keys in sorted order, so equal content yields
	// equal bytes regardless of insertion order.
	b, err := json.Marshal(d.Content)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DatasetSource pulls the current dataset from the caller. The core invokes
// it only at the moment it decides to persist; it never owns mutation.
type DatasetSource func() Dataset

// Payload is the persisted envelope written to every snapshot file.
type Payload struct {
	SchemaVersion int            `json:"schema_version"`
	Dataset       map[string]any `json:"dataset"`
	FormState     map[string]any `json:"form_state,omitempty"`
}

// NewPayload wraps a dataset in the envelope tagged with the given schema
// version.
func NewPayload(d Dataset, schemaVersion int) Payload {
	content := d.Content
	if content == nil {
		content = map[string]any{}
	}
	return Payload{
		SchemaVersion: schemaVersion,
		Dataset:       content,
		FormState:     d.FormState,
	}
}

// ToDataset unwraps the envelope back into a Dataset with the given key.
func (p Payload) ToDataset(caseID string) Dataset {
	return Dataset{CaseID: caseID, Content: p.Dataset, FormState: p.FormState}
}

// ValidateFunc checks a parsed payload before it is accepted by a load. It
// must be side-effect-free; it may reject for any reason (unknown schema,
// structural problems, failing business invariants). It runs off the
// interactive thread on a worker goroutine.
type ValidateFunc func(Payload) error

// FingerprintFunc overrides the default change-detection signature.
type FingerprintFunc func(Dataset) string

// Package domain contains the core entities and value objects for casevault.
//
// This package represents the innermost layer of the architecture. It has no
// dependencies on infrastructure concerns (file system, timers, logging) and
// contains only pure data types and invariants.
//
// # Entities
//
//   - [Dataset]: the opaque document being protected, keyed by case ID
//   - [Payload]: the persisted envelope (schema version + dataset + form state)
//   - [RecoveryCandidate]: a discovered snapshot file ranked by recency
//   - [PendingEntry]: replication work deferred because the mirror was absent
//
// # Design Principles
//
// Domain entities are:
//   - Immutable after construction (where practical)
//   - Free of infrastructure dependencies
//   - Testable without mocks or external systems
package domain

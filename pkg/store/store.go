// Package store defines the pluggable persistence contract behind the
// canonical index, the metadata store, and the audit log. The core never
// assumes a particular engine: implementations provide atomic
// compare-and-set on index entries and revision-checked footprint writes,
// and everything stronger is built on top in-process.
package store

import (
	"context"

	"github.com/agentstation/utc"

	"github.com/agentstation/canonmap/pkg/canonical"
)

// IndexEntry maps (entity type, serialized key tuple) to a canonical
// identity, plus the origin and external identifier that first produced it.
type IndexEntry struct {
	Type       canonical.EntityType `json:"type"`
	Key        string               `json:"key"`
	Identity   canonical.Identity   `json:"identity"`
	Origin     canonical.SourceID   `json:"origin"`
	ExternalID string               `json:"external_id,omitempty"`
	CreatedAt  utc.Time             `json:"created_at"`
}

// AuditQuery selects a range of persisted canonization records. Records
// return in ascending Seq (original completion) order; AfterSeq and Limit
// page through large ranges so replay stays lazy and restartable.
type AuditQuery struct {
	From     utc.Time
	To       utc.Time
	AfterSeq uint64
	Limit    int
}

// Store is the persistence contract. All methods are safe for concurrent
// use. Implementations surface unavailability as errors.ErrStoreUnavailable
// wrapped in a StoreError, lost races as errors.ErrConflict, and absent
// rows as errors.ErrNotFound.
type Store interface {
	// ResolveIdentity looks up the index entry owning (type, key).
	ResolveIdentity(ctx context.Context, typ canonical.EntityType, key string) (*IndexEntry, error)

	// CompareAndAssign atomically claims (type, key) with the given entry.
	// Exactly one concurrent caller creates the entry; losers receive the
	// winner's entry with created == false. The store decides the winner,
	// not caller arrival order.
	CompareAndAssign(ctx context.Context, entry IndexEntry) (*IndexEntry, bool, error)

	// ReassignIdentity rebinds (type, key) to a different identity. This
	// is an explicit administrative operation; no pipeline phase calls it.
	ReassignIdentity(ctx context.Context, typ canonical.EntityType, key string, id canonical.Identity) error

	// FindIdentity looks up the index entry for an already-assigned
	// canonical identity.
	FindIdentity(ctx context.Context, id canonical.Identity) (*IndexEntry, error)

	// ResolveExternal looks up the index entry first produced by
	// (origin, external id) for an entity type. Aggregation uses this to
	// detect a shared external id resolving to incompatible keys.
	ResolveExternal(ctx context.Context, typ canonical.EntityType, origin canonical.SourceID, externalID string) (*IndexEntry, error)

	// GetFootprint reads the footprint for (identity, field).
	GetFootprint(ctx context.Context, id canonical.Identity, field string) (*canonical.Footprint, error)

	// PutFootprint writes a footprint iff the stored revision still equals
	// expectedRevision (0 means the footprint must not exist yet). A
	// mismatch reports errors.ErrConflict and the caller re-reads and
	// re-evaluates; this is the decisive write of the read-compare-write
	// protocol, never a raw overwrite.
	PutFootprint(ctx context.Context, fp canonical.Footprint, expectedRevision uint64) error

	// ListFootprints returns all footprints of one identity.
	ListFootprints(ctx context.Context, id canonical.Identity) ([]canonical.Footprint, error)

	// AppendAudit persists an immutable canonization record, assigning its
	// Seq in completion order.
	AppendAudit(ctx context.Context, rec canonical.CanonizationRecord) (canonical.CanonizationRecord, error)

	// ListAudit returns persisted canonization records matching the query
	// in ascending Seq order.
	ListAudit(ctx context.Context, q AuditQuery) ([]canonical.CanonizationRecord, error)
}

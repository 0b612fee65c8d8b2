// Package index provides the canonical index: the single-ownership map
// from (entity type, aggregation key) to canonical identity. Assignment is
// one atomic compare-and-set per key; concurrent callers racing to create
// the same key get exactly one winner and everyone observes the winner's
// identity. Reassignment exists only as an explicit administrative
// operation and is never invoked by a pipeline phase.
package index

import (
	"context"

	"github.com/agentstation/canonmap/pkg/canonical"
	"github.com/agentstation/canonmap/pkg/errors"
	"github.com/agentstation/canonmap/pkg/logging"
	"github.com/agentstation/canonmap/pkg/store"
)

// Index resolves and assigns canonical identities over a pluggable store.
type Index struct {
	store store.Store
}

// New creates a canonical index backed by the given store.
func New(s store.Store) *Index {
	return &Index{store: s}
}

// Resolve returns the identity owning (type, key), or errors.ErrNotFound.
func (ix *Index) Resolve(ctx context.Context, typ canonical.EntityType, key canonical.AggregationKey) (*store.IndexEntry, error) {
	entry, err := ix.store.ResolveIdentity(ctx, typ, key.Serialize())
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, err
		}
		return nil, errors.WrapStore("resolve", err)
	}
	return entry, nil
}

// Assign mints a new canonical identity for (type, key) and claims the key
// atomically. When a concurrent caller wins the race, Assign returns the
// winner's entry with created == false; the caller proceeds with that
// identity exactly as if Resolve had found it.
func (ix *Index) Assign(ctx context.Context, typ canonical.EntityType, key canonical.AggregationKey, origin canonical.SourceID, externalID string) (*store.IndexEntry, bool, error) {
	entry := store.IndexEntry{
		Type:       typ,
		Key:        key.Serialize(),
		Identity:   canonical.MintIdentity(),
		Origin:     origin,
		ExternalID: externalID,
	}

	winner, created, err := ix.store.CompareAndAssign(ctx, entry)
	if err != nil {
		return nil, false, errors.WrapStore("assign", err)
	}

	if !created {
		logging.FromContext(ctx).Debug().
			Str("entity_type", string(typ)).
			Str("key", entry.Key).
			Str("identity", winner.Identity.String()).
			Msg("Lost assignment race, adopting winner identity")
	}
	return winner, created, nil
}

// External returns the index entry first produced by (origin, external id),
// or errors.ErrNotFound. Aggregation consults this to detect a shared
// external id claiming two different keys.
func (ix *Index) External(ctx context.Context, typ canonical.EntityType, origin canonical.SourceID, externalID string) (*store.IndexEntry, error) {
	entry, err := ix.store.ResolveExternal(ctx, typ, origin, externalID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, err
		}
		return nil, errors.WrapStore("resolve", err)
	}
	return entry, nil
}

// Reassign rebinds (type, key) to a different identity. Administrative
// only: conflict healing decided by an operator, never by the pipeline.
func (ix *Index) Reassign(ctx context.Context, typ canonical.EntityType, key canonical.AggregationKey, id canonical.Identity) error {
	if err := ix.store.ReassignIdentity(ctx, typ, key.Serialize(), id); err != nil {
		if errors.IsNotFound(err) {
			return err
		}
		return errors.WrapStore("reassign", err)
	}

	logging.FromContext(ctx).Info().
		Str("entity_type", string(typ)).
		Str("key", key.Serialize()).
		Str("identity", id.String()).
		Msg("Reassigned canonical identity")
	return nil
}

// Find returns the index entry for an already-assigned identity.
func (ix *Index) Find(ctx context.Context, id canonical.Identity) (*store.IndexEntry, error) {
	entry, err := ix.store.FindIdentity(ctx, id)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, err
		}
		return nil, errors.WrapStore("find", err)
	}
	return entry, nil
}

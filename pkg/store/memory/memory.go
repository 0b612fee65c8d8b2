// Package memory provides the in-memory store used by tests and by
// deployments that accept process-lifetime persistence. One mutex guards
// each table; compare-and-set decisions happen entirely under the lock, so
// concurrent assignment races always yield exactly one winner.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/agentstation/utc"

	"github.com/agentstation/canonmap/pkg/canonical"
	"github.com/agentstation/canonmap/pkg/errors"
	"github.com/agentstation/canonmap/pkg/store"
)

type indexKey struct {
	typ canonical.EntityType
	key string
}

type footprintKey struct {
	identity canonical.Identity
	field    string
}

type externalKey struct {
	typ        canonical.EntityType
	origin     canonical.SourceID
	externalID string
}

// Store is the in-memory implementation of store.Store.
type Store struct {
	mu         sync.RWMutex
	index      map[indexKey]store.IndexEntry
	byIdentity map[canonical.Identity]indexKey
	externals  map[externalKey]indexKey
	footprints map[footprintKey]canonical.Footprint
	audit      []canonical.CanonizationRecord
	nextSeq    uint64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		index:      make(map[indexKey]store.IndexEntry),
		byIdentity: make(map[canonical.Identity]indexKey),
		externals:  make(map[externalKey]indexKey),
		footprints: make(map[footprintKey]canonical.Footprint),
		nextSeq:    1,
	}
}

// ResolveIdentity looks up the index entry owning (type, key).
func (s *Store) ResolveIdentity(_ context.Context, typ canonical.EntityType, key string) (*store.IndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.index[indexKey{typ: typ, key: key}]
	if !ok {
		return nil, errors.ErrNotFound
	}
	e := entry
	return &e, nil
}

// CompareAndAssign atomically claims (type, key). The first caller to take
// the lock creates the entry; later callers receive the winner's entry.
func (s *Store) CompareAndAssign(_ context.Context, entry store.IndexEntry) (*store.IndexEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := indexKey{typ: entry.Type, key: entry.Key}
	if existing, ok := s.index[k]; ok {
		e := existing
		return &e, false, nil
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = utc.Now()
	}
	s.index[k] = entry
	s.byIdentity[entry.Identity] = k
	if entry.ExternalID != "" {
		ek := externalKey{typ: entry.Type, origin: entry.Origin, externalID: entry.ExternalID}
		if _, claimed := s.externals[ek]; !claimed {
			s.externals[ek] = k
		}
	}
	e := entry
	return &e, true, nil
}

// ReassignIdentity rebinds (type, key) to a different identity.
func (s *Store) ReassignIdentity(_ context.Context, typ canonical.EntityType, key string, id canonical.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := indexKey{typ: typ, key: key}
	entry, ok := s.index[k]
	if !ok {
		return errors.ErrNotFound
	}

	delete(s.byIdentity, entry.Identity)
	entry.Identity = id
	s.index[k] = entry
	s.byIdentity[id] = k
	return nil
}

// FindIdentity looks up the index entry for an assigned identity.
func (s *Store) FindIdentity(_ context.Context, id canonical.Identity) (*store.IndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.byIdentity[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	entry := s.index[k]
	return &entry, nil
}

// ResolveExternal looks up the index entry first produced by
// (origin, external id) for an entity type.
func (s *Store) ResolveExternal(_ context.Context, typ canonical.EntityType, origin canonical.SourceID, externalID string) (*store.IndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.externals[externalKey{typ: typ, origin: origin, externalID: externalID}]
	if !ok {
		return nil, errors.ErrNotFound
	}
	entry := s.index[k]
	return &entry, nil
}

// GetFootprint reads the footprint for (identity, field).
func (s *Store) GetFootprint(_ context.Context, id canonical.Identity, field string) (*canonical.Footprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fp, ok := s.footprints[footprintKey{identity: id, field: field}]
	if !ok {
		return nil, errors.ErrNotFound
	}
	f := fp
	return &f, nil
}

// PutFootprint writes a footprint iff the stored revision still equals
// expectedRevision.
func (s *Store) PutFootprint(_ context.Context, fp canonical.Footprint, expectedRevision uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := footprintKey{identity: fp.Identity, field: fp.Field}
	existing, exists := s.footprints[k]

	if !exists {
		if expectedRevision != 0 {
			return errors.ErrConflict
		}
		fp.Revision = 1
		s.footprints[k] = fp
		return nil
	}

	if existing.Revision != expectedRevision {
		return errors.ErrConflict
	}
	fp.Revision = expectedRevision + 1
	s.footprints[k] = fp
	return nil
}

// ListFootprints returns all footprints of one identity, sorted by field
// for stable projection output.
func (s *Store) ListFootprints(_ context.Context, id canonical.Identity) ([]canonical.Footprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var fps []canonical.Footprint
	for k, fp := range s.footprints {
		if k.identity == id {
			fps = append(fps, fp)
		}
	}
	sort.Slice(fps, func(i, j int) bool { return fps[i].Field < fps[j].Field })
	return fps, nil
}

// AppendAudit persists a canonization record, assigning its Seq in
// completion order.
func (s *Store) AppendAudit(_ context.Context, rec canonical.CanonizationRecord) (canonical.CanonizationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Seq = s.nextSeq
	s.nextSeq++
	if rec.Timestamp.IsZero() {
		rec.Timestamp = utc.Now()
	}
	s.audit = append(s.audit, rec)
	return rec, nil
}

// ListAudit returns persisted records matching the query in ascending Seq
// order.
func (s *Store) ListAudit(_ context.Context, q store.AuditQuery) ([]canonical.CanonizationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []canonical.CanonizationRecord
	for _, rec := range s.audit {
		if rec.Seq <= q.AfterSeq {
			continue
		}
		if !q.From.IsZero() && rec.Timestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && rec.Timestamp.After(q.To) {
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

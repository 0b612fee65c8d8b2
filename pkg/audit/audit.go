// Package audit persists immutable canonization records for entity types
// that opt into enhanced auditing, and reads them back in completion order
// for replay.
package audit

import (
	"context"

	"github.com/agentstation/utc"

	"github.com/agentstation/canonmap/pkg/canonical"
	"github.com/agentstation/canonmap/pkg/errors"
	"github.com/agentstation/canonmap/pkg/logging"
	"github.com/agentstation/canonmap/pkg/store"
)

// Log writes and reads canonization records.
type Log struct {
	store store.Store
}

// New creates an audit log over the given store.
func New(s store.Store) *Log {
	return &Log{store: s}
}

// Record persists one immutable canonization record and returns it with
// its assigned Seq.
func (l *Log) Record(ctx context.Context, rec canonical.CanonizationRecord) (canonical.CanonizationRecord, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = utc.Now()
	}

	persisted, err := l.store.AppendAudit(ctx, rec)
	if err != nil {
		return canonical.CanonizationRecord{}, errors.WrapStore("append", err)
	}

	logging.FromContext(ctx).Debug().
		Uint64("seq", persisted.Seq).
		Str("identity", persisted.Identity.String()).
		Str("outcome", string(persisted.Outcome)).
		Msg("Persisted canonization record")
	return persisted, nil
}

// Page reads one page of records after the given sequence number, within
// the time range, in original completion order.
func (l *Log) Page(ctx context.Context, from, to utc.Time, afterSeq uint64, limit int) ([]canonical.CanonizationRecord, error) {
	recs, err := l.store.ListAudit(ctx, store.AuditQuery{
		From:     from,
		To:       to,
		AfterSeq: afterSeq,
		Limit:    limit,
	})
	if err != nil {
		return nil, errors.WrapStore("list", err)
	}
	return recs, nil
}

// Package gormstore provides a GORM-backed implementation of the store
// contract, mirroring the three logical tables of the persisted-state
// layout: the canonical index, the footprint table, and the audit log.
// The caller picks the dialector (sqlite for a single node, postgres for
// shared durability); one logical process still owns one index instance.
package gormstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentstation/utc"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agentstation/canonmap/pkg/canonical"
	"github.com/agentstation/canonmap/pkg/errors"
	"github.com/agentstation/canonmap/pkg/policy"
	"github.com/agentstation/canonmap/pkg/store"
	"github.com/agentstation/canonmap/pkg/token"
)

type indexRow struct {
	EntityType string `gorm:"primaryKey;column:entity_type"`
	KeyTuple   string `gorm:"primaryKey;column:key_tuple"`
	Identity   string `gorm:"index;not null"`
	Origin     string
	ExternalID string
	CreatedAt  time.Time
}

func (indexRow) TableName() string { return "canonical_index" }

type footprintRow struct {
	Identity    string `gorm:"primaryKey"`
	Field       string `gorm:"primaryKey"`
	Revision    uint64 `gorm:"not null"`
	Value       []byte
	Source      string
	TokenTime   time.Time
	TokenSource string
	Policy      string
	DecidedAt   time.Time
}

func (footprintRow) TableName() string { return "footprints" }

type auditRow struct {
	Seq       uint64 `gorm:"primaryKey;autoIncrement"`
	Identity  string `gorm:"index"`
	Timestamp time.Time
	Payload   []byte
}

func (auditRow) TableName() string { return "canonization_records" }

// Store is the GORM-backed implementation of store.Store.
type Store struct {
	db *gorm.DB
}

// New opens the database behind the given dialector and migrates the three
// tables.
func New(dialector gorm.Dialector) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, errors.WrapStore("open", err)
	}
	if err := db.AutoMigrate(&indexRow{}, &footprintRow{}, &auditRow{}); err != nil {
		return nil, errors.WrapStore("migrate", err)
	}
	return &Store{db: db}, nil
}

// ResolveIdentity looks up the index entry owning (type, key).
func (s *Store) ResolveIdentity(ctx context.Context, typ canonical.EntityType, key string) (*store.IndexEntry, error) {
	var row indexRow
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND key_tuple = ?", string(typ), key).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, errors.WrapStore("resolve", err)
	}
	return rowToEntry(row), nil
}

// CompareAndAssign atomically claims (type, key). The insert-or-nothing
// clause makes the database decide the winner; losers read back the
// winning row.
func (s *Store) CompareAndAssign(ctx context.Context, entry store.IndexEntry) (*store.IndexEntry, bool, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = utc.Now()
	}
	row := indexRow{
		EntityType: string(entry.Type),
		KeyTuple:   entry.Key,
		Identity:   string(entry.Identity),
		Origin:     string(entry.Origin),
		ExternalID: entry.ExternalID,
		CreatedAt:  entry.CreatedAt.Time,
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return nil, false, errors.WrapStore("assign", res.Error)
	}
	if res.RowsAffected > 0 {
		return rowToEntry(row), true, nil
	}

	winner, err := s.ResolveIdentity(ctx, entry.Type, entry.Key)
	if err != nil {
		return nil, false, errors.WrapStore("assign", err)
	}
	return winner, false, nil
}

// ReassignIdentity rebinds (type, key) to a different identity.
func (s *Store) ReassignIdentity(ctx context.Context, typ canonical.EntityType, key string, id canonical.Identity) error {
	res := s.db.WithContext(ctx).Model(&indexRow{}).
		Where("entity_type = ? AND key_tuple = ?", string(typ), key).
		Update("identity", string(id))
	if res.Error != nil {
		return errors.WrapStore("reassign", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.ErrNotFound
	}
	return nil
}

// FindIdentity looks up the index entry for an assigned identity.
func (s *Store) FindIdentity(ctx context.Context, id canonical.Identity) (*store.IndexEntry, error) {
	var row indexRow
	err := s.db.WithContext(ctx).Where("identity = ?", string(id)).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, errors.WrapStore("find", err)
	}
	return rowToEntry(row), nil
}

// ResolveExternal looks up the index entry first produced by
// (origin, external id) for an entity type.
func (s *Store) ResolveExternal(ctx context.Context, typ canonical.EntityType, origin canonical.SourceID, externalID string) (*store.IndexEntry, error) {
	var row indexRow
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND origin = ? AND external_id = ?", string(typ), string(origin), externalID).
		Order("created_at asc").
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, errors.WrapStore("resolve", err)
	}
	return rowToEntry(row), nil
}

// GetFootprint reads the footprint for (identity, field).
func (s *Store) GetFootprint(ctx context.Context, id canonical.Identity, field string) (*canonical.Footprint, error) {
	var row footprintRow
	err := s.db.WithContext(ctx).
		Where("identity = ? AND field = ?", string(id), field).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, errors.WrapStore("get", err)
	}
	return rowToFootprint(row)
}

// PutFootprint writes a footprint iff the stored revision still equals
// expectedRevision.
func (s *Store) PutFootprint(ctx context.Context, fp canonical.Footprint, expectedRevision uint64) error {
	value, err := json.Marshal(fp.Value)
	if err != nil {
		return errors.WrapStore("put", err)
	}

	if expectedRevision == 0 {
		row := footprintRow{
			Identity:    string(fp.Identity),
			Field:       fp.Field,
			Revision:    1,
			Value:       value,
			Source:      string(fp.Source),
			TokenTime:   fp.Token.Time.Time,
			TokenSource: fp.Token.Source,
			Policy:      string(fp.Policy),
			DecidedAt:   fp.DecidedAt.Time,
		}
		res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return errors.WrapStore("put", res.Error)
		}
		if res.RowsAffected == 0 {
			return errors.ErrConflict
		}
		return nil
	}

	res := s.db.WithContext(ctx).Model(&footprintRow{}).
		Where("identity = ? AND field = ? AND revision = ?", string(fp.Identity), fp.Field, expectedRevision).
		Updates(map[string]any{
			"revision":     expectedRevision + 1,
			"value":        value,
			"source":       string(fp.Source),
			"token_time":   fp.Token.Time.Time,
			"token_source": fp.Token.Source,
			"policy":       string(fp.Policy),
			"decided_at":   fp.DecidedAt.Time,
		})
	if res.Error != nil {
		return errors.WrapStore("put", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.ErrConflict
	}
	return nil
}

// ListFootprints returns all footprints of one identity, sorted by field.
func (s *Store) ListFootprints(ctx context.Context, id canonical.Identity) ([]canonical.Footprint, error) {
	var rows []footprintRow
	err := s.db.WithContext(ctx).
		Where("identity = ?", string(id)).
		Order("field asc").
		Find(&rows).Error
	if err != nil {
		return nil, errors.WrapStore("list", err)
	}

	fps := make([]canonical.Footprint, 0, len(rows))
	for _, row := range rows {
		fp, err := rowToFootprint(row)
		if err != nil {
			return nil, err
		}
		fps = append(fps, *fp)
	}
	return fps, nil
}

// AppendAudit persists a canonization record; Seq comes from the
// autoincrement column in completion order.
func (s *Store) AppendAudit(ctx context.Context, rec canonical.CanonizationRecord) (canonical.CanonizationRecord, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = utc.Now()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return canonical.CanonizationRecord{}, errors.WrapStore("append", err)
	}

	row := auditRow{
		Identity:  string(rec.Identity),
		Timestamp: rec.Timestamp.Time,
		Payload:   payload,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return canonical.CanonizationRecord{}, errors.WrapStore("append", err)
	}
	rec.Seq = row.Seq
	return rec, nil
}

// ListAudit returns persisted records matching the query in ascending Seq
// order.
func (s *Store) ListAudit(ctx context.Context, q store.AuditQuery) ([]canonical.CanonizationRecord, error) {
	query := s.db.WithContext(ctx).Model(&auditRow{}).Where("seq > ?", q.AfterSeq)
	if !q.From.IsZero() {
		query = query.Where("timestamp >= ?", q.From.Time)
	}
	if !q.To.IsZero() {
		query = query.Where("timestamp <= ?", q.To.Time)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var rows []auditRow
	if err := query.Order("seq asc").Find(&rows).Error; err != nil {
		return nil, errors.WrapStore("list", err)
	}

	recs := make([]canonical.CanonizationRecord, 0, len(rows))
	for _, row := range rows {
		var rec canonical.CanonizationRecord
		if err := json.Unmarshal(row.Payload, &rec); err != nil {
			return nil, errors.WrapStore("list", err)
		}
		rec.Seq = row.Seq
		recs = append(recs, rec)
	}
	return recs, nil
}

func rowToEntry(row indexRow) *store.IndexEntry {
	return &store.IndexEntry{
		Type:       canonical.EntityType(row.EntityType),
		Key:        row.KeyTuple,
		Identity:   canonical.Identity(row.Identity),
		Origin:     canonical.SourceID(row.Origin),
		ExternalID: row.ExternalID,
		CreatedAt:  utc.New(row.CreatedAt),
	}
}

func rowToFootprint(row footprintRow) (*canonical.Footprint, error) {
	var value any
	if len(row.Value) > 0 {
		if err := json.Unmarshal(row.Value, &value); err != nil {
			return nil, errors.WrapStore("get", err)
		}
	}
	return &canonical.Footprint{
		Identity:  canonical.Identity(row.Identity),
		Field:     row.Field,
		Value:     value,
		Source:    canonical.SourceID(row.Source),
		Token:     token.New(utc.New(row.TokenTime), row.TokenSource),
		Policy:    policy.Kind(row.Policy),
		DecidedAt: utc.New(row.DecidedAt),
		Revision:  row.Revision,
	}, nil
}

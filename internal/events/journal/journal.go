// Package journal persists ledger events to Postgres through gorm. Writes are idempotent
// on (type, subject_id, sequence), so redelivery of an event is harmless.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"carbon-scribe/bridge-backend/internal/events"
)

// Record is one persisted event.
type Record struct {
	ID         uuid.UUID      `json:"id" gorm:"primaryKey;type:uuid"`
	Sequence   uint64         `json:"sequence" gorm:"not null;uniqueIndex:idx_ledger_events_dedup,priority:3"`
	Type       string         `json:"type" gorm:"not null;uniqueIndex:idx_ledger_events_dedup,priority:1;index"`
	SubjectID  string         `json:"subject_id" gorm:"not null;uniqueIndex:idx_ledger_events_dedup,priority:2"`
	DedupKey   string         `json:"dedup_key" gorm:"not null"`
	Fields     datatypes.JSON `json:"fields" gorm:"type:jsonb"`
	OccurredAt time.Time      `json:"occurred_at" gorm:"not null"`
	CreatedAt  time.Time      `json:"created_at" gorm:"autoCreateTime"`
}

func (Record) TableName() string { return "ledger_events" }

// Journal is an events.Sink writing to the ledger_events table.
type Journal struct {
	db     *gorm.DB
	logger *zap.Logger
}

func New(db *gorm.DB, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{db: db, logger: logger}
}

// Migrate creates or updates the ledger_events table.
func (j *Journal) Migrate(ctx context.Context) error {
	if err := j.db.WithContext(ctx).AutoMigrate(&Record{}); err != nil {
		return fmt.Errorf("failed to migrate ledger_events: %w", err)
	}
	return nil
}

// Deliver implements events.Sink.
func (j *Journal) Deliver(ctx context.Context, e events.Event) error {
	row, err := FromEvent(e)
	if err != nil {
		return err
	}
	res := insert(j.db.WithContext(ctx), &row)
	if res.Error != nil {
		return fmt.Errorf("failed to journal event %s: %w", row.DedupKey, res.Error)
	}
	if res.RowsAffected == 0 {
		j.logger.Debug("event already journaled", zap.String("dedup_key", row.DedupKey))
	}
	return nil
}

// List returns events with a sequence above after, oldest first.
func (j *Journal) List(ctx context.Context, after uint64, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var rows []Record
	err := j.db.WithContext(ctx).
		Where("sequence > ?", after).
		Order("sequence ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list journaled events: %w", err)
	}
	return rows, nil
}

// LastSequence returns the highest journaled sequence, or 0 for an empty journal. The
// bus resumes from it after a restart so (type, subject_id, sequence) never repeats.
func (j *Journal) LastSequence(ctx context.Context) (uint64, error) {
	var last uint64
	if err := lastSequence(j.db.WithContext(ctx)).Scan(&last).Error; err != nil {
		return 0, fmt.Errorf("failed to read last journaled sequence: %w", err)
	}
	return last, nil
}

func lastSequence(db *gorm.DB) *gorm.DB {
	return db.Model(&Record{}).Select("COALESCE(MAX(sequence), 0)")
}

// FromEvent converts a bus event to its row.
func FromEvent(e events.Event) (Record, error) {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode fields of %s: %w", e.DedupKey(), err)
	}
	return Record{
		ID:         uuid.New(),
		Sequence:   e.Sequence,
		Type:       string(e.Type),
		SubjectID:  e.SubjectID,
		DedupKey:   e.DedupKey(),
		Fields:     datatypes.JSON(fields),
		OccurredAt: e.OccurredAt,
	}, nil
}

func insert(db *gorm.DB, row *Record) *gorm.DB {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "type"}, {Name: "subject_id"}, {Name: "sequence"}},
		DoNothing: true,
	}).Create(row)
}

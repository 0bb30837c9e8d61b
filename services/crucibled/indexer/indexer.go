// Package indexer persists committed protocol events to SQL so they can be
// queried after the in-memory history has rolled over.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"crucible/core/events"
)

// EventRecord is one committed event.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"size:64;index"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// TableName pins the table name across drivers.
func (EventRecord) TableName() string { return "protocol_events" }

// Envelope converts the record back into its wire form.
func (r EventRecord) Envelope() (events.Envelope, error) {
	env := events.Envelope{ID: r.ID.String(), Sequence: r.Sequence, Type: r.Type}
	if r.Attributes != "" {
		if err := json.Unmarshal([]byte(r.Attributes), &env.Attributes); err != nil {
			return events.Envelope{}, fmt.Errorf("decode event %d: %w", r.Sequence, err)
		}
	}
	return env, nil
}

// Source streams sealed envelopes.
type Source interface {
	Subscribe(buffer int) (<-chan events.Envelope, func())
}

// Indexer writes envelopes to a gorm database.
type Indexer struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the configured driver and migrates the schema.
func Open(driver, dsn string, logger *slog.Logger) (*Indexer, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("indexer: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("indexer: open %s: %w", driver, err)
	}
	return New(db, logger)
}

// New wraps an open gorm handle.
func New(db *gorm.DB, logger *slog.Logger) (*Indexer, error) {
	if db == nil {
		return nil, errors.New("indexer: database required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	return &Indexer{db: db, logger: logger.With("component", "indexer")}, nil
}

// Store persists env. Replays of an already stored sequence are ignored.
func (ix *Indexer) Store(ctx context.Context, env events.Envelope) error {
	id, err := uuid.Parse(env.ID)
	if err != nil {
		return fmt.Errorf("indexer: event %d id: %w", env.Sequence, err)
	}
	attrs, err := json.Marshal(env.Attributes)
	if err != nil {
		return fmt.Errorf("indexer: encode event %d: %w", env.Sequence, err)
	}
	record := EventRecord{
		ID:         id,
		Sequence:   env.Sequence,
		Type:       env.Type,
		Attributes: string(attrs),
	}
	return ix.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
}

// Query returns up to limit events with a sequence above after, optionally
// filtered by type, oldest first.
func (ix *Indexer) Query(ctx context.Context, after uint64, eventType string, limit int) ([]events.Envelope, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query := ix.db.WithContext(ctx).Where("sequence > ?", after)
	if eventType = strings.TrimSpace(eventType); eventType != "" {
		query = query.Where("type = ?", eventType)
	}
	var records []EventRecord
	if err := query.Order("sequence asc").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("indexer: query: %w", err)
	}
	out := make([]events.Envelope, 0, len(records))
	for _, record := range records {
		env, err := record.Envelope()
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// Run stores every envelope published by src until ctx is done. Failed writes
// are logged and skipped.
func (ix *Indexer) Run(ctx context.Context, src Source) {
	updates, cancel := src.Subscribe(1024)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-updates:
			if !ok {
				return
			}
			if err := ix.Store(ctx, env); err != nil {
				ix.logger.Error("index event", "sequence", env.Sequence, "type", env.Type, "error", err)
			}
		}
	}
}

// Close releases the underlying connection pool.
func (ix *Indexer) Close() error {
	sqlDB, err := ix.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

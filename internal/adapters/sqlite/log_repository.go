package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/keyauth/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
	"github.com/atvirokodosprendimai/keyauth/internal/core/ports"
	"github.com/google/uuid"
)

type logModel struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	EventID     string    `gorm:"column:event_id;not null"`
	EventType   string    `gorm:"column:event_type;not null"`
	KeyToken    *string   `gorm:"column:key_token"`
	DetailsJSON string    `gorm:"column:details_json;not null"`
	OccurredAt  time.Time `gorm:"column:occurred_at;not null"`
}

func (logModel) TableName() string {
	return "log_entries"
}

// LogRepository is the sqlite Log Store. Each append prunes everything but
// the newest retention rows in the same transaction.
type LogRepository struct {
	db        *gormsqlite.DB
	retention int
}

var _ ports.LogStore = (*LogRepository)(nil)

func NewLogRepository(db *gormsqlite.DB, retention int) *LogRepository {
	if retention <= 0 {
		retention = domain.DefaultLogRetention
	}
	return &LogRepository{db: db, retention: retention}
}

func (r *LogRepository) Append(ctx context.Context, entry domain.LogEntry) (domain.LogEntry, error) {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return domain.LogEntry{}, fmt.Errorf("marshal log details: %w", err)
	}
	if entry.EventID == "" {
		entry.EventID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	model := logModel{
		EventID:     entry.EventID,
		EventType:   string(entry.EventType),
		KeyToken:    entry.KeyToken,
		DetailsJSON: string(detailsJSON),
		OccurredAt:  entry.Timestamp.UTC(),
	}

	err = r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("insert log entry: %w", err)
		}
		if err := tx.Where("id <= ?", model.ID-int64(r.retention)).Delete(&logModel{}).Error; err != nil {
			return fmt.Errorf("prune log entries: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.LogEntry{}, err
	}

	entry.ID = model.ID
	entry.Details = details
	return entry, nil
}

// List returns the newest limit entries in insertion order; limit <= 0
// returns every retained entry.
func (r *LogRepository) List(ctx context.Context, limit int) ([]domain.LogEntry, error) {
	var rows []logModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		query := tx.Model(&logModel{}).Order("id DESC")
		if limit > 0 {
			query = query.Limit(limit)
		}
		return query.Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}

	result := make([]domain.LogEntry, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		details := map[string]any{}
		if row.DetailsJSON != "" {
			if err := json.Unmarshal([]byte(row.DetailsJSON), &details); err != nil {
				return nil, fmt.Errorf("%w: decode log details %d: %v", domain.ErrCorruptStore, row.ID, err)
			}
		}
		result = append(result, domain.LogEntry{
			ID:        row.ID,
			EventID:   row.EventID,
			Timestamp: row.OccurredAt.UTC(),
			EventType: domain.EventType(row.EventType),
			KeyToken:  row.KeyToken,
			Details:   details,
		})
	}
	return result, nil
}

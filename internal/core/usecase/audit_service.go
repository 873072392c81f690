package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
	"github.com/atvirokodosprendimai/keyauth/internal/core/ports"
	"github.com/google/uuid"
)

// Clock returns the current time. Services default to UTC wall time.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

func clockOrDefault(c Clock) Clock {
	if c == nil {
		return systemClock
	}
	return c
}

// AuditService appends audit entries and fans them out to a publisher. Both
// steps are best-effort: failures are logged and never reported to the caller,
// whose key mutation has already been committed.
type AuditService struct {
	repo      ports.LogStore
	publisher ports.EventPublisher
	logger    *slog.Logger
	now       Clock
}

func NewAuditService(repo ports.LogStore, publisher ports.EventPublisher, logger *slog.Logger, now Clock) *AuditService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditService{
		repo:      repo,
		publisher: publisher,
		logger:    logger.With("component", "audit"),
		now:       clockOrDefault(now),
	}
}

func (s *AuditService) Record(ctx context.Context, eventType domain.EventType, token string, details map[string]any) {
	entry := domain.LogEntry{
		EventID:   uuid.NewString(),
		Timestamp: s.now(),
		EventType: eventType,
		Details:   details,
	}
	if token != "" {
		ref := token
		entry.KeyToken = &ref
	}
	if entry.Details == nil {
		entry.Details = map[string]any{}
	}

	stored, err := s.repo.Append(ctx, entry)
	if err != nil {
		s.logger.ErrorContext(ctx, "append audit entry failed",
			"event_type", string(eventType),
			"event_id", entry.EventID,
			"error", err,
		)
		return
	}

	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, stored); err != nil {
		s.logger.WarnContext(ctx, "publish audit entry failed",
			"event_type", string(eventType),
			"event_id", stored.EventID,
			"error", err,
		)
	}
}

// List returns retained entries oldest-first. A non-positive limit returns
// everything retained.
func (s *AuditService) List(ctx context.Context, limit int) ([]domain.LogEntry, error) {
	if limit < 0 {
		limit = 0
	}
	return s.repo.List(ctx, limit)
}

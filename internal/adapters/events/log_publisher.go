package events

import (
	"context"
	"errors"
	"log/slog"

	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
	"github.com/atvirokodosprendimai/keyauth/internal/core/ports"
	"github.com/atvirokodosprendimai/keyauth/internal/core/usecase"
)

// LogPublisher writes every audit entry to a structured logger. Tokens are
// logged as hashes.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("component", "audit-publisher")}
}

func (p *LogPublisher) Publish(ctx context.Context, entry domain.LogEntry) error {
	attrs := []any{
		"event_id", entry.EventID,
		"event_type", string(entry.EventType),
		"seq", entry.ID,
	}
	if entry.KeyToken != nil {
		attrs = append(attrs, "key_hash", usecase.HashToken(*entry.KeyToken))
	}
	if status, ok := entry.Details["status"].(string); ok {
		attrs = append(attrs, "status", status)
	}
	p.logger.InfoContext(ctx, "audit entry", attrs...)
	return nil
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []ports.EventPublisher

func (f Fanout) Publish(ctx context.Context, entry domain.LogEntry) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

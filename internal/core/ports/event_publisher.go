package ports

import (
	"context"

	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
)

type EventPublisher interface {
	Publish(ctx context.Context, entry domain.LogEntry) error
}

package ports

import (
	"context"

	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
)

// LogStore keeps a bounded, append-only audit trail, oldest entries evicted
// first.
type LogStore interface {
	Append(ctx context.Context, entry domain.LogEntry) (domain.LogEntry, error)
	List(ctx context.Context, limit int) ([]domain.LogEntry, error)
}

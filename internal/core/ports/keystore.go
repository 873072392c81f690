package ports

import (
	"context"

	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
)

// UpdateFunc receives the current record (found is false when the token is
// unknown) and returns the record to store and whether to store it.
type UpdateFunc func(rec domain.KeyRecord, found bool) (domain.KeyRecord, bool, error)

// KeyStore is the single source of truth for key records. Update must run the
// read, fn and write for one token atomically with respect to every other
// operation on that token.
type KeyStore interface {
	Get(ctx context.Context, token string) (domain.KeyRecord, error)
	Put(ctx context.Context, rec domain.KeyRecord) error
	Delete(ctx context.Context, token string) (bool, error)
	List(ctx context.Context) ([]domain.KeyRecord, error)
	Update(ctx context.Context, token string, fn UpdateFunc) error
}

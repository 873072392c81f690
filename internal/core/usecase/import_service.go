package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
	"github.com/atvirokodosprendimai/keyauth/internal/core/ports"
)

type ImportResult struct {
	KeysImported int
	KeysSkipped  int
	LogsImported int
}

// ImportService copies keys and audit entries from one store pair into
// another, typically from legacy JSON files into the database.
type ImportService struct {
	keys ports.KeyStore
	logs ports.LogStore
}

func NewImportService(keys ports.KeyStore, logs ports.LogStore) *ImportService {
	return &ImportService{keys: keys, logs: logs}
}

// Import copies every key from srcKeys. Existing tokens are kept unless
// overwrite is set. Log entries are appended in their original order and
// renumbered by the destination; srcLogs may be nil.
func (s *ImportService) Import(ctx context.Context, srcKeys ports.KeyStore, srcLogs ports.LogStore, overwrite bool) (ImportResult, error) {
	var result ImportResult

	records, err := srcKeys.List(ctx)
	if err != nil {
		return result, fmt.Errorf("list source keys: %w", err)
	}
	for _, rec := range records {
		if !overwrite {
			_, err := s.keys.Get(ctx, rec.Token)
			if err == nil {
				result.KeysSkipped++
				continue
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return result, fmt.Errorf("check key %s: %w", HashToken(rec.Token), err)
			}
		}
		if err := s.keys.Put(ctx, rec); err != nil {
			return result, fmt.Errorf("import key %s: %w", HashToken(rec.Token), err)
		}
		result.KeysImported++
	}

	if srcLogs == nil {
		return result, nil
	}
	entries, err := srcLogs.List(ctx, 0)
	if err != nil {
		return result, fmt.Errorf("list source logs: %w", err)
	}
	for _, entry := range entries {
		if !domain.ValidEventType(entry.EventType) {
			continue
		}
		entry.ID = 0
		if _, err := s.logs.Append(ctx, entry); err != nil {
			return result, fmt.Errorf("import log entry: %w", err)
		}
		result.LogsImported++
	}
	return result, nil
}

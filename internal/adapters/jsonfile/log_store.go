package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
	"github.com/atvirokodosprendimai/keyauth/internal/core/ports"
	"github.com/google/uuid"
)

// LogStore is the JSON array counterpart of KeyStore, capped at retention
// entries. It reloads the file under the same rules as KeyStore.
type LogStore struct {
	mu        sync.Mutex
	path      string
	codec     ports.RecordCodec
	retention int
	entries   []domain.LogEntry
	nextID    int64
	seen      os.FileInfo
}

var _ ports.LogStore = (*LogStore)(nil)

func OpenLogStore(path string, codec ports.RecordCodec, retention int) (*LogStore, error) {
	if retention <= 0 {
		retention = domain.DefaultLogRetention
	}
	s := &LogStore{path: path, codec: codec, retention: retention}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *LogStore) load() error {
	info, err := statFile(s.path)
	if err != nil {
		return err
	}
	raw, err := readFile(s.path)
	if err != nil {
		return err
	}

	var entries []domain.LogEntry
	if len(raw) > 0 {
		var docs []json.RawMessage
		if err := json.Unmarshal(raw, &docs); err != nil {
			return fmt.Errorf("%w: decode %s: %v", domain.ErrCorruptStore, s.path, err)
		}
		for _, doc := range docs {
			entry, err := s.codec.DecodeLog(doc)
			if err != nil {
				return fmt.Errorf("decode log in %s: %w", s.path, err)
			}
			entries = append(entries, entry)
		}
	}

	// Legacy entries carry no id or event id; number them in file order.
	var nextID int64
	for i := range entries {
		if entries[i].ID <= nextID {
			entries[i].ID = nextID + 1
		}
		nextID = entries[i].ID
		if entries[i].EventID == "" {
			entries[i].EventID = uuid.NewString()
		}
	}
	if len(entries) > s.retention {
		entries = entries[len(entries)-s.retention:]
	}

	s.entries = entries
	s.nextID = nextID
	s.seen = info
	return nil
}

// refresh reloads the file when it changed on disk. Callers hold s.mu.
func (s *LogStore) refresh() error {
	info, err := statFile(s.path)
	if err != nil {
		return err
	}
	if sameVersion(s.seen, info) {
		return nil
	}
	return s.load()
}

func (s *LogStore) Append(_ context.Context, entry domain.LogEntry) (domain.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(); err != nil {
		return domain.LogEntry{}, err
	}

	entry.ID = s.nextID + 1
	if entry.EventID == "" {
		entry.EventID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Details == nil {
		entry.Details = map[string]any{}
	}

	next := append(append(make([]domain.LogEntry, 0, len(s.entries)+1), s.entries...), entry)
	if len(next) > s.retention {
		next = next[len(next)-s.retention:]
	}

	docs := make([]json.RawMessage, 0, len(next))
	for _, e := range next {
		raw, err := s.codec.EncodeLog(e)
		if err != nil {
			return domain.LogEntry{}, err
		}
		docs = append(docs, raw)
	}
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return domain.LogEntry{}, fmt.Errorf("marshal logs: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return domain.LogEntry{}, err
	}
	s.seen, _ = statFile(s.path)

	s.entries = next
	s.nextID = entry.ID
	return entry, nil
}

func (s *LogStore) List(_ context.Context, limit int) ([]domain.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(); err != nil {
		return nil, err
	}

	src := s.entries
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	out := make([]domain.LogEntry, len(src))
	copy(out, src)
	return out, nil
}

package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
	"github.com/atvirokodosprendimai/keyauth/internal/core/ports"
)

// KeyStore keeps every key in memory and rewrites the whole file on each
// change. The file is a JSON object keyed by token; legacy documents are
// upcast on load and rewritten in the current shape on the next write.
//
// Before each operation the store reloads the file if another process has
// replaced it since the last read or write. Writes from two processes that
// interleave between that check and the rename can still lose one side, so
// only one process should write a data directory at a time.
type KeyStore struct {
	mu      sync.Mutex
	path    string
	codec   ports.RecordCodec
	records map[string]domain.KeyRecord
	seen    os.FileInfo
}

var _ ports.KeyStore = (*KeyStore)(nil)

// OpenKeyStore loads path. A missing file is an empty store; a file that
// cannot be decoded fails with domain.ErrCorruptStore.
func OpenKeyStore(path string, codec ports.RecordCodec) (*KeyStore, error) {
	s := &KeyStore{path: path, codec: codec}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *KeyStore) load() error {
	info, err := statFile(s.path)
	if err != nil {
		return err
	}
	raw, err := readFile(s.path)
	if err != nil {
		return err
	}

	records := make(map[string]domain.KeyRecord)
	if len(raw) > 0 {
		var docs map[string]json.RawMessage
		if err := json.Unmarshal(raw, &docs); err != nil {
			return fmt.Errorf("%w: decode %s: %v", domain.ErrCorruptStore, s.path, err)
		}
		for token, doc := range docs {
			rec, err := s.codec.DecodeKey(token, doc)
			if err != nil {
				return fmt.Errorf("decode key in %s: %w", s.path, err)
			}
			records[token] = rec
		}
	}

	s.records = records
	s.seen = info
	return nil
}

// refresh reloads the file when it changed on disk. Callers hold s.mu.
func (s *KeyStore) refresh() error {
	info, err := statFile(s.path)
	if err != nil {
		return err
	}
	if sameVersion(s.seen, info) {
		return nil
	}
	return s.load()
}

func (s *KeyStore) Get(_ context.Context, token string) (domain.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(); err != nil {
		return domain.KeyRecord{}, err
	}

	rec, ok := s.records[token]
	if !ok {
		return domain.KeyRecord{}, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *KeyStore) Put(_ context.Context, rec domain.KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(); err != nil {
		return err
	}

	return s.commit(rec.Token, rec.Clone(), false)
}

func (s *KeyStore) Delete(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(); err != nil {
		return false, err
	}

	if _, ok := s.records[token]; !ok {
		return false, nil
	}
	if err := s.commit(token, domain.KeyRecord{}, true); err != nil {
		return false, err
	}
	return true, nil
}

func (s *KeyStore) List(_ context.Context) ([]domain.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(); err != nil {
		return nil, err
	}

	out := make([]domain.KeyRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Token < out[j].Token
	})
	return out, nil
}

func (s *KeyStore) Update(_ context.Context, token string, fn ports.UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(); err != nil {
		return err
	}

	current, found := s.records[token]
	if found {
		current = current.Clone()
	} else {
		current = domain.KeyRecord{Token: token}
	}

	next, write, err := fn(current, found)
	if err != nil {
		return err
	}
	if !write {
		return nil
	}
	next.Token = token
	return s.commit(token, next.Clone(), false)
}

// commit persists the store with token replaced (or removed) and only then
// applies the change in memory. Callers hold s.mu.
func (s *KeyStore) commit(token string, rec domain.KeyRecord, remove bool) error {
	docs := make(map[string]json.RawMessage, len(s.records)+1)
	for t, r := range s.records {
		if t == token {
			continue
		}
		raw, err := s.codec.EncodeKey(r)
		if err != nil {
			return err
		}
		docs[t] = raw
	}
	if !remove {
		raw, err := s.codec.EncodeKey(rec)
		if err != nil {
			return err
		}
		docs[token] = raw
	}

	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keys: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return err
	}
	s.seen, _ = statFile(s.path)

	if remove {
		delete(s.records, token)
	} else {
		s.records[token] = rec
	}
	return nil
}

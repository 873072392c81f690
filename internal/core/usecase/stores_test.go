package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
	"github.com/atvirokodosprendimai/keyauth/internal/core/ports"
)

type memKeyStore struct {
	mu      sync.Mutex
	records map[string]domain.KeyRecord
	putErr  error
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{records: map[string]domain.KeyRecord{}}
}

func (s *memKeyStore) Get(_ context.Context, token string) (domain.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[token]
	if !ok {
		return domain.KeyRecord{}, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *memKeyStore) Put(_ context.Context, rec domain.KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.records[rec.Token] = rec.Clone()
	return nil
}

func (s *memKeyStore) Delete(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[token]
	delete(s.records, token)
	return ok, nil
}

func (s *memKeyStore) List(_ context.Context) ([]domain.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.KeyRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (s *memKeyStore) Update(_ context.Context, token string, fn ports.UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, found := s.records[token]
	next, write, err := fn(rec.Clone(), found)
	if err != nil {
		return err
	}
	if write {
		if s.putErr != nil {
			return s.putErr
		}
		next.Token = token
		s.records[token] = next.Clone()
	}
	return nil
}

type memLogStore struct {
	mu        sync.Mutex
	entries   []domain.LogEntry
	nextID    int64
	cap       int
	appendErr error
}

func newMemLogStore(cap int) *memLogStore {
	return &memLogStore{cap: cap}
}

func (s *memLogStore) Append(_ context.Context, entry domain.LogEntry) (domain.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return domain.LogEntry{}, s.appendErr
	}
	s.nextID++
	entry.ID = s.nextID
	s.entries = append(s.entries, entry)
	if s.cap > 0 && len(s.entries) > s.cap {
		s.entries = s.entries[len(s.entries)-s.cap:]
	}
	return entry, nil
}

func (s *memLogStore) List(_ context.Context, limit int) ([]domain.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]domain.LogEntry(nil), s.entries...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memLogStore) byType(t domain.EventType) []domain.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LogEntry
	for _, e := range s.entries {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

type recordingPublisher struct {
	mu      sync.Mutex
	entries []domain.LogEntry
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, entry domain.LogEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, entry)
	return p.err
}

var errBoom = errors.New("boom")

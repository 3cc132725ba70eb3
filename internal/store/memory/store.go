// Package memory provides a store implementation for local development
// and tests.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/appfetch/icon-resolver/internal/store"
)

// Store keeps all resolution state in process memory. Safe for concurrent
// use. State is lost on restart, so every lookup behaves like a cache miss
// after a redeploy, which is acceptable for development.
type Store struct {
	mu       sync.Mutex
	nextID   int64
	programs map[string]*store.Program      // key: programID|name
	terms    map[string]*store.SearchTerm   // key: term
	results  map[string]*store.SearchResult // key: url

	now func() time.Time
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		programs: make(map[string]*store.Program),
		terms:    make(map[string]*store.SearchTerm),
		results:  make(map[string]*store.SearchResult),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func programKey(programID int64, name string) string {
	return strconv.FormatInt(programID, 10) + "|" + name
}

// GetOrCreateProgram upserts by (program_id, program_name).
func (s *Store) GetOrCreateProgram(_ context.Context, programID int64, name string) (*store.Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := programKey(programID, name)
	if p, ok := s.programs[key]; ok {
		cp := *p
		return &cp, nil
	}
	p := &store.Program{
		ID:        s.id(),
		ProgramID: programID,
		Name:      name,
		CreatedAt: s.now(),
	}
	s.programs[key] = p
	cp := *p
	return &cp, nil
}

// GetOrCreateSearchTerm upserts by the unique term string.
func (s *Store) GetOrCreateSearchTerm(_ context.Context, term string) (*store.SearchTerm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.terms[term]; ok {
		cp := *t
		return &cp, nil
	}
	now := s.now()
	t := &store.SearchTerm{
		ID:        s.id(),
		Term:      term,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.terms[term] = t
	cp := *t
	return &cp, nil
}

// IncrementAttempts bumps the attempt counter for the term.
func (s *Store) IncrementAttempts(_ context.Context, termID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.terms {
		if t.ID == termID {
			t.Attempts++
			t.UpdatedAt = s.now()
			return t.Attempts, nil
		}
	}
	return 0, store.ErrNotFound
}

// UpsertSearchResult inserts or refreshes the unique-url row.
func (s *Store) UpsertSearchResult(_ context.Context, result store.SearchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.results[result.URL]; ok {
		existing.SearchTermID = result.SearchTermID
		existing.ProgramID = result.ProgramID
		existing.Position = result.Position
		existing.UpdatedAt = now
		return nil
	}
	r := result
	r.ID = s.id()
	r.CreatedAt = now
	r.UpdatedAt = now
	s.results[result.URL] = &r
	return nil
}

// FreshResult returns the most recently updated result for the program with
// updated_at >= since.
func (s *Store) FreshResult(_ context.Context, programID int64, name string, since time.Time) (*store.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.programs[programKey(programID, name)]
	if !ok {
		return nil, store.ErrNotFound
	}

	var newest *store.SearchResult
	for _, r := range s.results {
		if r.ProgramID != p.ID || r.UpdatedAt.Before(since) {
			continue
		}
		if newest == nil || r.UpdatedAt.After(newest.UpdatedAt) {
			newest = r
		}
	}
	if newest == nil {
		return nil, store.ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

// MarkMatch records whether the url yielded a usable icon.
func (s *Store) MarkMatch(_ context.Context, url string, matched bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.results[url]
	if !ok {
		return store.ErrNotFound
	}
	m := matched
	r.Match = &m
	r.UpdatedAt = s.now()
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() {}

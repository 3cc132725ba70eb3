// Package store defines the persistence interface for icon resolution state.
// An interface keeps the engine decoupled from Postgres so tests can run
// against the in-memory implementation.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Program identifies the subject of an icon lookup. Created on the first
// resolution attempt for a given (program_id, program_name) pair, immutable
// thereafter.
type Program struct {
	ID        int64
	ProgramID int64
	Name      string
	CreatedAt time.Time
}

// SearchTerm is one query string issued to the search provider for one site.
// Attempts counts every resolution retry for the term.
type SearchTerm struct {
	ID        int64
	Term      string
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SearchResult is one candidate link returned by the search provider. URL is
// globally unique; re-encountering a url updates the row instead of
// duplicating it. Match records whether a pattern-matched link yielded an
// icon, nil until known.
type SearchResult struct {
	ID           int64
	URL          string
	SearchTermID int64
	ProgramID    int64
	Position     int
	Match        *bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store is the persistence contract used by the resolution engine. All
// get-or-create operations must be atomic upserts keyed on the unique
// column so concurrent resolutions cannot duplicate rows.
type Store interface {
	// GetOrCreateProgram upserts by (program_id, program_name).
	GetOrCreateProgram(ctx context.Context, programID int64, name string) (*Program, error)

	// GetOrCreateSearchTerm upserts by the unique term string.
	GetOrCreateSearchTerm(ctx context.Context, term string) (*SearchTerm, error)

	// IncrementAttempts atomically bumps the term's attempt counter and
	// returns the new value.
	IncrementAttempts(ctx context.Context, termID int64) (int, error)

	// UpsertSearchResult inserts the result or, when the url exists,
	// refreshes its term, program, position and updated_at.
	UpsertSearchResult(ctx context.Context, result SearchResult) error

	// FreshResult returns the most recently updated result for the program
	// with updated_at >= since, or ErrNotFound.
	FreshResult(ctx context.Context, programID int64, name string, since time.Time) (*SearchResult, error)

	// MarkMatch records whether the url yielded a usable icon.
	MarkMatch(ctx context.Context, url string, matched bool) error

	// Close releases underlying resources.
	Close()
}

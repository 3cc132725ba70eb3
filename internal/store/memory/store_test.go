package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/appfetch/icon-resolver/internal/store"
)

func TestGetOrCreateProgramIdempotent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	first, err := s.GetOrCreateProgram(ctx, 42, "Notepad++")
	require.NoError(t, err)
	again, err := s.GetOrCreateProgram(ctx, 42, "Notepad++")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	other, err := s.GetOrCreateProgram(ctx, 42, "Notepad")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
}

func TestIncrementAttempts(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	term, err := s.GetOrCreateSearchTerm(ctx, "Notepad++ site:uptodown.com inurl:windows")
	require.NoError(t, err)
	require.Zero(t, term.Attempts)

	n, err := s.IncrementAttempts(ctx, term.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = s.IncrementAttempts(ctx, term.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = s.IncrementAttempts(ctx, 999)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpsertSearchResultRefreshesExistingURL(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	s.now = func() time.Time { return current }

	p, err := s.GetOrCreateProgram(ctx, 42, "Notepad++")
	require.NoError(t, err)
	term, err := s.GetOrCreateSearchTerm(ctx, "Notepad++ site:computerbase.de inurl:downloads")
	require.NoError(t, err)

	result := store.SearchResult{
		URL:          "https://www.computerbase.de/downloads/notepad",
		SearchTermID: term.ID,
		ProgramID:    p.ID,
		Position:     3,
	}
	require.NoError(t, s.UpsertSearchResult(ctx, result))

	current = base.Add(time.Hour)
	result.Position = 1
	require.NoError(t, s.UpsertSearchResult(ctx, result))

	got, err := s.FreshResult(ctx, 42, "Notepad++", base)
	require.NoError(t, err)
	require.Equal(t, 1, got.Position)
	require.Equal(t, base.Add(time.Hour), got.UpdatedAt)
}

func TestFreshResultWindow(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	s.now = func() time.Time { return current }

	p, err := s.GetOrCreateProgram(ctx, 42, "Notepad++")
	require.NoError(t, err)
	term, err := s.GetOrCreateSearchTerm(ctx, "Notepad++ site:computerbase.de inurl:downloads")
	require.NoError(t, err)
	require.NoError(t, s.UpsertSearchResult(ctx, store.SearchResult{
		URL:          "https://www.computerbase.de/downloads/notepad",
		SearchTermID: term.ID,
		ProgramID:    p.ID,
		Position:     1,
	}))

	got, err := s.FreshResult(ctx, 42, "Notepad++", base.Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, "https://www.computerbase.de/downloads/notepad", got.URL)

	// A since cutoff after the row's updated_at is a miss.
	_, err = s.FreshResult(ctx, 42, "Notepad++", base.Add(time.Minute))
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.FreshResult(ctx, 7, "GIMP", base)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMarkMatch(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	p, err := s.GetOrCreateProgram(ctx, 42, "Notepad++")
	require.NoError(t, err)
	term, err := s.GetOrCreateSearchTerm(ctx, "Notepad++ site:computerbase.de inurl:downloads")
	require.NoError(t, err)
	require.NoError(t, s.UpsertSearchResult(ctx, store.SearchResult{
		URL:          "https://www.computerbase.de/downloads/notepad",
		SearchTermID: term.ID,
		ProgramID:    p.ID,
	}))

	require.NoError(t, s.MarkMatch(ctx, "https://www.computerbase.de/downloads/notepad", true))
	got, err := s.FreshResult(ctx, 42, "Notepad++", time.Time{})
	require.NoError(t, err)
	require.NotNil(t, got.Match)
	require.True(t, *got.Match)

	require.ErrorIs(t, s.MarkMatch(ctx, "https://unknown.example", false), store.ErrNotFound)
}

// Package resolver implements the icon resolution engine. A resolution
// walks cache lookup, site-by-site search, link filtering, og:image
// extraction and image post-processing, short-circuiting on the first
// usable icon.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/appfetch/icon-resolver/internal/extract"
	"github.com/appfetch/icon-resolver/internal/imaging"
	"github.com/appfetch/icon-resolver/internal/search"
	"github.com/appfetch/icon-resolver/internal/store"
)

// ogImage matches the standard Open Graph preview image tag.
var ogImage = extract.Criteria{
	Tag:   "meta",
	Attrs: map[string]string{"property": "og:image"},
}

const ogImageAttribute = "content"

// Searcher issues one query against the search provider.
type Searcher interface {
	Search(ctx context.Context, query string, pageSize int) ([]search.Link, error)
}

// Extractor pulls a single attribute value out of a page.
type Extractor interface {
	ExtractOne(ctx context.Context, url string, criteria extract.Criteria, attribute string) (string, error)
}

// Processor turns an image url into a transportable icon.
type Processor interface {
	Process(ctx context.Context, imageURL string, removeBackground bool) (*imaging.Icon, error)
}

// ImageSearcher is the optional last-resort icon source used when every
// configured site is exhausted.
type ImageSearcher interface {
	FindIcon(ctx context.Context, query string) (string, error)
}

// Event describes one finished resolution for downstream consumers.
type Event struct {
	ProgramID   int64     `json:"program_id"`
	ProgramName string    `json:"program_name"`
	Resolved    bool      `json:"resolved"`
	SourceURL   string    `json:"source_url,omitempty"`
	FromCache   bool      `json:"from_cache"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Publisher emits resolution events. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Clock abstracts time for freshness-window tests.
type Clock interface {
	Now() time.Time
}

// Outcome is the business result of a resolution. A miss is an Outcome
// with Resolved=false, not an error.
type Outcome struct {
	Resolved  bool
	DataURI   string
	SourceURL string
	FromCache bool
	Reason    string
}

// Config tunes the engine.
type Config struct {
	// FreshnessWindow bounds how old a cached result may be.
	FreshnessWindow time.Duration
	// MaxAttempts caps resolution retries per search term. A term over
	// the ceiling skips its site instead of failing the request.
	MaxAttempts int
	// RemoveBackground forwards the caller preference to the processor.
	RemoveBackground bool
	// Sites is the ordered candidate list. Order matters.
	Sites []Site
}

// Resolver is the engine. Construct with New.
type Resolver struct {
	store       store.Store
	searcher    Searcher
	extractor   Extractor
	processor   Processor
	imageSearch ImageSearcher
	publisher   Publisher
	clock       Clock
	cfg         Config
	logger      *zap.Logger
}

// New wires the engine. imageSearch and publisher may be nil.
func New(
	cfg Config,
	st store.Store,
	searcher Searcher,
	extractor Extractor,
	processor Processor,
	imageSearch ImageSearcher,
	publisher Publisher,
	clock Clock,
	logger *zap.Logger,
) (*Resolver, error) {
	if st == nil || searcher == nil || extractor == nil || processor == nil || clock == nil {
		return nil, fmt.Errorf("store, searcher, extractor, processor and clock are required")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive")
	}
	if len(cfg.Sites) == 0 {
		return nil, fmt.Errorf("at least one candidate site is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:       st,
		searcher:    searcher,
		extractor:   extractor,
		processor:   processor,
		imageSearch: imageSearch,
		publisher:   publisher,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
	}, nil
}

// Resolve runs the full pipeline for one program. Store failures abort
// the resolution; every other failure advances to the next candidate.
// A miss returns Outcome{Resolved: false} with a nil error.
func (r *Resolver) Resolve(ctx context.Context, programID int64, programName string) (*Outcome, error) {
	logger := r.logger.With(
		zap.Int64("program_id", programID),
		zap.String("program_name", programName),
	)

	program, err := r.store.GetOrCreateProgram(ctx, programID, programName)
	if err != nil {
		return nil, fmt.Errorf("get or create program: %w", err)
	}

	if outcome, err := r.fromCache(ctx, logger, program); err != nil {
		return nil, err
	} else if outcome != nil {
		return outcome, nil
	}

	for _, site := range r.cfg.Sites {
		outcome, err := r.resolveSite(ctx, logger, program, site)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			r.publish(ctx, logger, program, outcome)
			return outcome, nil
		}
	}

	if outcome := r.fromImageSearch(ctx, logger, program); outcome != nil {
		r.publish(ctx, logger, program, outcome)
		return outcome, nil
	}

	outcome := &Outcome{
		Resolved: false,
		Reason:   fmt.Sprintf("no icon found for %q on any configured site", programName),
	}
	r.publish(ctx, logger, program, outcome)
	return outcome, nil
}

// fromCache tries the freshest stored result. A cached url that no
// longer yields an icon falls through to a full search.
func (r *Resolver) fromCache(ctx context.Context, logger *zap.Logger, program *store.Program) (*Outcome, error) {
	since := r.clock.Now().Add(-r.cfg.FreshnessWindow)
	cached, err := r.store.FreshResult(ctx, program.ProgramID, program.Name, since)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}

	icon, extractErr := r.extractIcon(ctx, cached.URL)
	if extractErr != nil {
		logger.Info("cached url no longer yields an icon, falling back to search",
			zap.String("url", cached.URL),
			zap.Error(extractErr),
		)
		if err := r.markMatch(ctx, cached.URL, false); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := r.markMatch(ctx, cached.URL, true); err != nil {
		return nil, err
	}
	outcome := &Outcome{
		Resolved:  true,
		DataURI:   icon.DataURI,
		SourceURL: cached.URL,
		FromCache: true,
	}
	r.publish(ctx, logger, program, outcome)
	return outcome, nil
}

// resolveSite runs search, link filtering and extraction for one site.
// A nil, nil return means the site yielded nothing and iteration moves on.
func (r *Resolver) resolveSite(ctx context.Context, logger *zap.Logger, program *store.Program, site Site) (*Outcome, error) {
	logger = logger.With(zap.String("site", site.Domain))

	term, err := r.store.GetOrCreateSearchTerm(ctx, site.Term(program.Name))
	if err != nil {
		return nil, fmt.Errorf("get or create search term: %w", err)
	}

	attempts, err := r.store.IncrementAttempts(ctx, term.ID)
	if err != nil {
		return nil, fmt.Errorf("increment attempts: %w", err)
	}
	if attempts > r.cfg.MaxAttempts {
		logger.Warn("attempt ceiling reached, skipping site",
			zap.String("term", term.Term),
			zap.Int("attempts", attempts),
			zap.Int("ceiling", r.cfg.MaxAttempts),
		)
		return nil, nil
	}

	links, err := r.searcher.Search(ctx, term.Term, 0)
	if err != nil {
		logger.Info("search yielded no usable links",
			zap.String("term", term.Term),
			zap.Error(err),
		)
		return nil, nil
	}

	for _, link := range links {
		if err := r.store.UpsertSearchResult(ctx, store.SearchResult{
			URL:          link.URL,
			SearchTermID: term.ID,
			ProgramID:    program.ID,
			Position:     link.Position,
		}); err != nil {
			return nil, fmt.Errorf("record search result: %w", err)
		}

		if !site.Match(link.URL) {
			continue
		}

		icon, extractErr := r.extractIcon(ctx, link.URL)
		if extractErr != nil {
			logger.Info("candidate link did not yield an icon",
				zap.String("url", link.URL),
				zap.Int("position", link.Position),
				zap.Error(extractErr),
			)
			if err := r.markMatch(ctx, link.URL, false); err != nil {
				return nil, err
			}
			continue
		}

		if err := r.markMatch(ctx, link.URL, true); err != nil {
			return nil, err
		}
		return &Outcome{
			Resolved:  true,
			DataURI:   icon.DataURI,
			SourceURL: link.URL,
		}, nil
	}
	return nil, nil
}

// fromImageSearch is the optional headless fallback. All failures are
// non-fatal.
func (r *Resolver) fromImageSearch(ctx context.Context, logger *zap.Logger, program *store.Program) *Outcome {
	if r.imageSearch == nil {
		return nil
	}

	imageURL, err := r.imageSearch.FindIcon(ctx, program.Name+" icon")
	if err != nil {
		logger.Info("image search fallback found nothing", zap.Error(err))
		return nil
	}
	icon, err := r.processor.Process(ctx, imageURL, r.cfg.RemoveBackground)
	if err != nil {
		logger.Info("image search candidate failed processing",
			zap.String("url", imageURL),
			zap.Error(err),
		)
		return nil
	}
	return &Outcome{
		Resolved:  true,
		DataURI:   icon.DataURI,
		SourceURL: imageURL,
	}
}

// extractIcon chains og:image extraction and image processing for one
// candidate page.
func (r *Resolver) extractIcon(ctx context.Context, pageURL string) (*imaging.Icon, error) {
	imageURL, err := r.extractor.ExtractOne(ctx, pageURL, ogImage, ogImageAttribute)
	if err != nil {
		return nil, err
	}
	return r.processor.Process(ctx, imageURL, r.cfg.RemoveBackground)
}

// markMatch records the extraction verdict. A row that vanished between
// upsert and verdict is ignored.
func (r *Resolver) markMatch(ctx context.Context, url string, matched bool) error {
	err := r.store.MarkMatch(ctx, url, matched)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("mark match: %w", err)
	}
	return nil
}

func (r *Resolver) publish(ctx context.Context, logger *zap.Logger, program *store.Program, outcome *Outcome) {
	if r.publisher == nil {
		return
	}
	event := Event{
		ProgramID:   program.ProgramID,
		ProgramName: program.Name,
		Resolved:    outcome.Resolved,
		SourceURL:   outcome.SourceURL,
		FromCache:   outcome.FromCache,
		OccurredAt:  r.clock.Now(),
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		logger.Warn("failed to publish resolution event", zap.Error(err))
	}
}

package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/appfetch/icon-resolver/internal/config"
	"github.com/appfetch/icon-resolver/internal/fetch"
)

// SpaceSERP implements Provider against the SpaceSERP Google search API.
type SpaceSERP struct {
	client *fetch.Client
	cfg    config.SearchConfig
	logger *zap.Logger
}

// NewSpaceSERP builds a SpaceSERP provider.
func NewSpaceSERP(client *fetch.Client, cfg config.SearchConfig, logger *zap.Logger) *SpaceSERP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpaceSERP{client: client, cfg: cfg, logger: logger}
}

type serpResponse struct {
	OrganicResults []Link `json:"organic_results"`
}

// Search issues the query with the configured locale parameters and
// normalizes the organic results into ranked links.
func (s *SpaceSERP) Search(ctx context.Context, query string, pageSize int) ([]Link, error) {
	if pageSize <= 0 {
		pageSize = s.cfg.PageSize
	}
	params := url.Values{
		"apiKey":   {s.cfg.APIKey},
		"q":        {query},
		"location": {s.cfg.Location},
		"domain":   {s.cfg.Domain},
		"gl":       {s.cfg.GL},
		"hl":       {s.cfg.HL},
		"pageSize": {strconv.Itoa(pageSize)},
	}

	resp, err := s.client.Get(ctx, s.cfg.Endpoint, params, nil)
	if err != nil {
		return nil, &Error{Kind: KindProviderFailure, Query: query, Err: err}
	}

	var parsed serpResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, &Error{Kind: KindProviderFailure, Query: query, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.OrganicResults) == 0 {
		s.logger.Warn("no links in search response", zap.String("query", query))
		return nil, &Error{Kind: KindNoResults, Query: query}
	}

	links := make([]Link, 0, len(parsed.OrganicResults))
	for _, item := range parsed.OrganicResults {
		if item.URL == "" {
			continue
		}
		links = append(links, item)
	}
	if len(links) == 0 {
		return nil, &Error{Kind: KindNoResults, Query: query}
	}
	return links, nil
}

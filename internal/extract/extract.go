// Package extract pulls attribute values out of fetched HTML pages.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/appfetch/icon-resolver/internal/fetch"
)

// Kind classifies an extraction failure.
type Kind int

const (
	// KindNoMatch means no element satisfied the criteria.
	KindNoMatch Kind = iota + 1
	// KindAttributeMissing means elements matched but none carried the attribute.
	KindAttributeMissing
	// KindFetchFailed means the page could not be retrieved.
	KindFetchFailed
)

func (k Kind) String() string {
	switch k {
	case KindNoMatch:
		return "no_match"
	case KindAttributeMissing:
		return "attribute_missing"
	case KindFetchFailed:
		return "fetch_failed"
	default:
		return "unknown"
	}
}

// Error is the typed extraction failure.
type Error struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("extract %s: %s", e.URL, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Criteria declares which elements to match: a tag name plus exact attribute
// values, e.g. {Tag: "meta", Attrs: {"property": "og:image"}}.
type Criteria struct {
	Tag   string
	Attrs map[string]string
}

// Selector renders the criteria as a CSS selector.
func (c Criteria) Selector() string {
	var sb strings.Builder
	sb.WriteString(c.Tag)
	keys := make([]string, 0, len(c.Attrs))
	for k := range c.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "[%s=%q]", k, c.Attrs[k])
	}
	return sb.String()
}

// Extractor fetches pages through the retrying client and parses them.
type Extractor struct {
	client *fetch.Client
	logger *zap.Logger
}

// New builds an Extractor.
func New(client *fetch.Client, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{client: client, logger: logger}
}

// Extract fetches url and returns the attribute values of every element
// matching the criteria, in document order.
func (e *Extractor) Extract(ctx context.Context, url string, criteria Criteria, attribute string) ([]string, error) {
	resp, err := e.client.Get(ctx, url, nil, nil)
	if err != nil {
		return nil, &Error{Kind: KindFetchFailed, URL: url, Err: err}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, &Error{Kind: KindFetchFailed, URL: url, Err: fmt.Errorf("parse html: %w", err)}
	}

	selection := doc.Find(criteria.Selector())
	if selection.Length() == 0 {
		return nil, &Error{Kind: KindNoMatch, URL: url}
	}

	var values []string
	selection.Each(func(_ int, s *goquery.Selection) {
		if v, ok := s.Attr(attribute); ok {
			values = append(values, v)
		}
	})
	if len(values) == 0 {
		return nil, &Error{Kind: KindAttributeMissing, URL: url}
	}
	return values, nil
}

// ExtractOne returns the first matching attribute value.
func (e *Extractor) ExtractOne(ctx context.Context, url string, criteria Criteria, attribute string) (string, error) {
	values, err := e.Extract(ctx, url, criteria, attribute)
	if err != nil {
		return "", err
	}
	return values[0], nil
}

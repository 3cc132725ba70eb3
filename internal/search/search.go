// Package search queries an external SERP API for ranked result links.
package search

import (
	"context"
	"fmt"
)

// Link is one normalized organic result with its provider-assigned rank.
type Link struct {
	URL      string `json:"link"`
	Position int    `json:"position"`
}

// Provider returns ranked links for a query string.
type Provider interface {
	Search(ctx context.Context, query string, pageSize int) ([]Link, error)
}

// Kind classifies a search failure.
type Kind int

const (
	// KindNoResults means the provider answered with an empty result set.
	KindNoResults Kind = iota + 1
	// KindProviderFailure covers transport errors and non-200 exhaustion.
	KindProviderFailure
)

func (k Kind) String() string {
	switch k {
	case KindNoResults:
		return "no_results"
	case KindProviderFailure:
		return "provider_failure"
	default:
		return "unknown"
	}
}

// Error is the typed search failure.
type Error struct {
	Kind  Kind
	Query string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("search %q: %s: %v", e.Query, e.Kind, e.Err)
	}
	return fmt.Sprintf("search %q: %s", e.Query, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Package headless contains a browser-based image search used as a last
// resort when no configured site yields an icon.
package headless

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Config controls the behavior of the headless image searcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// ImageSearcher drives headless Chrome against Google Images and returns the
// source of the first thumbnail, either an http(s) URL or a data URI.
type ImageSearcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates an ImageSearcher backed by chromedp.
func New(cfg Config) (*ImageSearcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &ImageSearcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (s *ImageSearcher) Close() {
	s.allocCancel()
}

// FindIcon searches image results for the query and returns the first
// thumbnail source.
func (s *ImageSearcher) FindIcon(ctx context.Context, query string) (string, error) {
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.release()

	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, s.cfg.NavigationTimeout)
	defer cancel()

	searchURL := fmt.Sprintf(
		"https://www.google.com/search?safe=off&tbm=isch&source=hp&q=%s",
		url.QueryEscape(query),
	)

	var src string
	actions := []chromedp.Action{
		s.userAgentAction(),
		chromedp.Navigate(searchURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.AttributeValue(`div[data-ri="0"] img, img.rg_i, img[data-src]`, "src", &src, nil, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return "", fmt.Errorf("image search for %q: %w", query, err)
	}

	if !strings.HasPrefix(src, "http") && !strings.HasPrefix(src, "data:") {
		return "", fmt.Errorf("image search for %q: no usable thumbnail source", query)
	}
	zap.L().Debug("headless image search hit", zap.String("query", query))
	return src, nil
}

func (s *ImageSearcher) userAgentAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if s.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

func (s *ImageSearcher) acquire(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	select {
	case s.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("acquire headless slot: %w", ctx.Err())
	}
}

func (s *ImageSearcher) release() {
	if s.limiter == nil {
		return
	}
	<-s.limiter
}

// Package main wires together the icon resolver service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/appfetch/icon-resolver/internal/api"
	"github.com/appfetch/icon-resolver/internal/clock/system"
	"github.com/appfetch/icon-resolver/internal/config"
	"github.com/appfetch/icon-resolver/internal/extract"
	"github.com/appfetch/icon-resolver/internal/fetch"
	"github.com/appfetch/icon-resolver/internal/imaging"
	"github.com/appfetch/icon-resolver/internal/logging"
	"github.com/appfetch/icon-resolver/internal/metrics"
	memorypublisher "github.com/appfetch/icon-resolver/internal/publisher/memory"
	pubsubpublisher "github.com/appfetch/icon-resolver/internal/publisher/pubsub"
	"github.com/appfetch/icon-resolver/internal/resolver"
	"github.com/appfetch/icon-resolver/internal/search"
	"github.com/appfetch/icon-resolver/internal/search/headless"
	"github.com/appfetch/icon-resolver/internal/store"
	memorystore "github.com/appfetch/icon-resolver/internal/store/memory"
	pgstore "github.com/appfetch/icon-resolver/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := fetch.New(fetch.Config{
		MaxRetries: cfg.HTTP.MaxRetries,
		Backoff:    backoffFromConfig(cfg.HTTP),
		UserAgent:  cfg.HTTP.UserAgent,
		Timeout:    cfg.HTTPTimeout(),
	}, nil, logger.Named("fetch"))

	searcher := search.NewSpaceSERP(client, cfg.Search, logger.Named("search"))
	extractor := extract.New(client, logger.Named("extract"))

	var remover imaging.Remover
	if cfg.Image.RemoveBackground && cfg.Image.RemoveBGAPIKey != "" {
		remover = imaging.NewRemoveBG(
			cfg.Image.RemoveBGEndpoint,
			cfg.Image.RemoveBGAPIKey,
			client,
			logger.Named("removebg"),
		)
	}
	processor := imaging.New(
		imaging.Config{WhiteThreshold: cfg.Image.WhiteThreshold},
		client,
		remover,
		logger.Named("imaging"),
	)

	var iconStore store.Store
	if cfg.DB.DSN != "" {
		if err := pgstore.RunMigrations(cfg.DB.DSN); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		iconStore, err = pgstore.New(ctx, pgstore.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			logger.Fatal("postgres init failed", zap.Error(err))
		}
	} else {
		logger.Warn("no db.dsn configured, using in-memory store")
		iconStore = memorystore.New()
	}
	defer iconStore.Close()

	var publisher resolver.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		p, err := pubsubpublisher.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			logger.Warn("pubsub publisher init failed", zap.Error(err))
		} else {
			publisher = p
			defer func() {
				if err := p.Close(); err != nil {
					logger.Warn("pubsub publisher close failed", zap.Error(err))
				}
			}()
		}
	}

	if publisher == nil {
		logger.Info("no pubsub topic configured, recording resolution events in memory")
		publisher = memorypublisher.New()
	}

	var imageSearch resolver.ImageSearcher
	if cfg.Headless.Enabled {
		hs, err := headless.New(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			logger.Warn("headless image search init failed", zap.Error(err))
		} else {
			imageSearch = hs
			defer hs.Close()
		}
	}

	sites, err := resolver.CompileSites(cfg.Resolver.Sites)
	if err != nil {
		logger.Fatal("invalid site configuration", zap.Error(err))
	}
	engine, err := resolver.New(
		resolver.Config{
			FreshnessWindow:  cfg.FreshnessWindow(),
			MaxAttempts:      cfg.Resolver.MaxAttempts,
			RemoveBackground: cfg.Image.RemoveBackground,
			Sites:            sites,
		},
		iconStore,
		searcher,
		extractor,
		processor,
		imageSearch,
		publisher,
		system.New(),
		logger.Named("resolver"),
	)
	if err != nil {
		logger.Fatal("resolver init failed", zap.Error(err))
	}

	apiServer := api.NewServer(engine, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func backoffFromConfig(cfg config.HTTPConfig) fetch.BackoffFunc {
	initial := time.Duration(cfg.BackoffInitialMs) * time.Millisecond
	if cfg.BackoffStrategy == "fixed" {
		return fetch.Fixed(initial)
	}
	return fetch.Exponential(initial, time.Duration(cfg.BackoffMaxMs)*time.Millisecond)
}

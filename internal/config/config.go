// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Search   SearchConfig   `mapstructure:"search"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Image    ImageConfig    `mapstructure:"image"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication settings. The secret salts the
// per-request hash of program name and id.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
	Secret  string `mapstructure:"secret"`
}

// HTTPConfig configures outbound HTTP client retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffStrategy  string `mapstructure:"backoff_strategy"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	UserAgent        string `mapstructure:"user_agent"`
}

// SearchConfig points at the SERP provider and fixes its locale parameters.
type SearchConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
	Location string `mapstructure:"location"`
	Domain   string `mapstructure:"domain"`
	GL       string `mapstructure:"gl"`
	HL       string `mapstructure:"hl"`
	PageSize int    `mapstructure:"page_size"`
}

// HeadlessConfig configures the optional browser-based image search fallback.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	MaxParallel   int  `mapstructure:"max_parallel"`
}

// SiteConfig is one candidate download site: domain, search path hint, and
// the glob pattern an acceptable result link must match.
type SiteConfig struct {
	Domain     string `mapstructure:"domain"`
	InURL      string `mapstructure:"inurl"`
	URLPattern string `mapstructure:"url_pattern"`
}

// ResolverConfig governs the icon resolution engine.
type ResolverConfig struct {
	FreshnessDays int          `mapstructure:"freshness_days"`
	MaxAttempts   int          `mapstructure:"max_attempts"`
	Sites         []SiteConfig `mapstructure:"sites"`
}

// ImageConfig controls post-processing and the background removal service.
type ImageConfig struct {
	RemoveBackground bool   `mapstructure:"remove_background"`
	RemoveBGEndpoint string `mapstructure:"removebg_endpoint"`
	RemoveBGAPIKey   string `mapstructure:"removebg_api_key"`
	WhiteThreshold   int    `mapstructure:"white_threshold"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ICONRESOLVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_strategy", "exponential")
	v.SetDefault("http.backoff_initial_ms", 1000)
	v.SetDefault("http.backoff_max_ms", 30000)
	v.SetDefault("http.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/58.0.3029.110 Safari/537.3")
	v.SetDefault("search.endpoint", "https://api.spaceserp.com/google/search")
	v.SetDefault("search.location", "Berlin,Berlin,Germany")
	v.SetDefault("search.domain", "google.de")
	v.SetDefault("search.gl", "de")
	v.SetDefault("search.hl", "de")
	v.SetDefault("search.page_size", 3)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("resolver.freshness_days", 30)
	v.SetDefault("resolver.max_attempts", 50)
	v.SetDefault("resolver.sites", []map[string]any{
		{
			"domain":      "computerbase.de",
			"inurl":       "downloads",
			"url_pattern": "https://www.computerbase.de/downloads/*",
		},
		{
			"domain":      "uptodown.com",
			"inurl":       "windows",
			"url_pattern": "https://*.uptodown.com/windows",
		},
	})
	v.SetDefault("image.remove_background", true)
	v.SetDefault("image.removebg_endpoint", "https://api.remove.bg/v1.0/removebg")
	v.SetDefault("image.white_threshold", 251)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries <= 0 {
		return fmt.Errorf("http.max_retries must be > 0")
	}
	switch c.HTTP.BackoffStrategy {
	case "exponential", "fixed":
	default:
		return fmt.Errorf("http.backoff_strategy must be exponential or fixed, got %q", c.HTTP.BackoffStrategy)
	}
	if c.Resolver.MaxAttempts <= 0 {
		return fmt.Errorf("resolver.max_attempts must be > 0")
	}
	if len(c.Resolver.Sites) == 0 {
		return fmt.Errorf("resolver.sites must not be empty")
	}
	for i, site := range c.Resolver.Sites {
		if site.Domain == "" || site.URLPattern == "" {
			return fmt.Errorf("resolver.sites[%d] requires domain and url_pattern", i)
		}
	}
	if c.Image.WhiteThreshold < 0 || c.Image.WhiteThreshold > 255 {
		return fmt.Errorf("image.white_threshold must be between 0 and 255")
	}
	if c.Auth.Enabled && (c.Auth.APIKey == "" || c.Auth.Secret == "") {
		return fmt.Errorf("auth.api_key and auth.secret must be set when auth is enabled")
	}
	return nil
}

// FreshnessWindow converts the cache freshness setting into a duration.
func (c Config) FreshnessWindow() time.Duration {
	return time.Duration(c.Resolver.FreshnessDays) * 24 * time.Hour
}

// HTTPTimeout converts the outbound request timeout into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

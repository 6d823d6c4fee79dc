// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/opportunity-crawler/internal/extractor"
	"github.com/JakeFAU/opportunity-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// EnvPrefix namespaces environment overrides, e.g. OPPCRAWLER_SERVER_PORT.
const EnvPrefix = "OPPCRAWLER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Worker    WorkerConfig     `mapstructure:"worker"`
	Queue     QueueConfig      `mapstructure:"queue"`
	Retry     RetryConfig      `mapstructure:"retry"`
	Reaper    ReaperConfig     `mapstructure:"reaper"`
	Store     StoreConfig      `mapstructure:"store"`
	DB        DBConfig         `mapstructure:"db"`
	Fetcher   FetcherConfig    `mapstructure:"fetcher"`
	Cache     CacheConfig      `mapstructure:"cache"`
	RateLimit RateLimitConfig  `mapstructure:"rate_limit"`
	Extractor ExtractorConfig  `mapstructure:"extractor"`
	Archive   ArchiveConfig    `mapstructure:"archive"`
	Events    EventsConfig     `mapstructure:"events"`
	PubSub    PubSubConfig     `mapstructure:"pubsub"`
	Telemetry TelemetryConfig  `mapstructure:"telemetry"`
	Websites  []scrape.Website `mapstructure:"websites"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	// APIKey, when set, is required in X-API-Key on /v1 routes.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// WorkerConfig sizes the pool and bounds each pipeline stage.
type WorkerConfig struct {
	PoolSize       int           `mapstructure:"pool_size"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	ExtractTimeout time.Duration `mapstructure:"extract_timeout"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
	// RateLimitTimeout bounds how long a job waits for its host's limiter.
	RateLimitTimeout time.Duration `mapstructure:"rate_limit_timeout"`
}

// LeaseBudget is the longest a healthy job can stay running: the limiter
// wait, the fetch, the archive write and the record save (both bounded by
// PersistTimeout), and the extraction.
func (w WorkerConfig) LeaseBudget() time.Duration {
	return w.RateLimitTimeout + w.FetchTimeout + w.ExtractTimeout + 2*w.PersistTimeout
}

// QueueConfig bounds the in-process work queue.
type QueueConfig struct {
	Capacity      int           `mapstructure:"capacity"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
}

// RetryConfig feeds retry.Config.
type RetryConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	ExtractMaxAttempts int           `mapstructure:"extract_max_attempts"`
	BaseDelay          time.Duration `mapstructure:"base_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	Jitter             float64       `mapstructure:"jitter"`
}

// ReaperConfig controls stale lease recovery.
type ReaperConfig struct {
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	Interval       time.Duration `mapstructure:"interval"`
}

// StoreConfig picks where jobs, records and websites live.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// FetcherConfig configures page retrieval.
type FetcherConfig struct {
	Mode          string         `mapstructure:"mode"`
	UserAgent     string         `mapstructure:"user_agent"`
	Timeout       time.Duration  `mapstructure:"timeout"`
	RespectRobots bool           `mapstructure:"respect_robots"`
	MaxBodyBytes  int            `mapstructure:"max_body_bytes"`
	Headless      HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the chromedp fetcher.
type HeadlessConfig struct {
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	ExecPath          string        `mapstructure:"exec_path"`
	// WaitSelector is the CSS selector that must be visible before the DOM
	// is captured.
	WaitSelector string `mapstructure:"wait_selector"`
	// PromotionThreshold is the body size under which a script-heavy page
	// fetched in auto mode is re-fetched with the browser.
	PromotionThreshold int `mapstructure:"promotion_threshold"`
}

// CacheConfig enables the redis page cache.
type CacheConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	RedisAddr string        `mapstructure:"redis_addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// RateLimitConfig paces requests per host. Hosts is a list because hostnames
// contain dots, which Viper treats as key separators.
type RateLimitConfig struct {
	DefaultRPS   float64    `mapstructure:"default_rps"`
	DefaultBurst int        `mapstructure:"default_burst"`
	Hosts        []HostRule `mapstructure:"hosts"`
}

// HostRule overrides the pace for one host.
type HostRule struct {
	Host  string  `mapstructure:"host"`
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// ExtractorConfig selects the extraction backend.
type ExtractorConfig struct {
	Backend         string        `mapstructure:"backend"`
	Fallback        string        `mapstructure:"fallback"`
	MaxContentChars int           `mapstructure:"max_content_chars"`
	GeminiAPIKey    string        `mapstructure:"gemini_api_key"`
	GeminiModel     string        `mapstructure:"gemini_model"`
	OllamaURL       string        `mapstructure:"ollama_url"`
	OllamaModel     string        `mapstructure:"ollama_model"`
	OllamaTimeout   time.Duration `mapstructure:"ollama_timeout"`
}

// ArchiveConfig sets where raw pages are archived.
type ArchiveConfig struct {
	Backend     string `mapstructure:"backend"`
	Prefix      string `mapstructure:"prefix"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	GCSEndpoint string `mapstructure:"gcs_endpoint"`
}

// EventsConfig selects the publisher for terminal job events.
type EventsConfig struct {
	Publisher string `mapstructure:"publisher"`
	Topic     string `mapstructure:"topic"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig controls the otel tracer provider.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Backend names accepted by Validate.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendNone     = "none"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPubSub   = "pubsub"
	FetchModeHTTP   = "http"
	FetchModeChrome = "headless"
	FetchModeAuto   = "auto"
)

// Un-prefixed environment names recognised alongside OPPCRAWLER_*.
var plainEnv = map[string]string{
	"worker.pool_size":           "WORKER_POOL_SIZE",
	"retry.max_attempts":         "MAX_ATTEMPTS",
	"retry.extract_max_attempts": "EXTRACT_MAX_ATTEMPTS",
	"reaper.stale_threshold":     "STALE_RUNNING_THRESHOLD",
	"reaper.interval":            "REAPER_INTERVAL",
	"queue.capacity":             "QUEUE_CAPACITY",
	"queue.submit_timeout":       "SUBMIT_TIMEOUT",
	"retry.base_delay":           "RETRY_BASE_DELAY",
	"retry.max_delay":            "RETRY_MAX_DELAY",
}

// Load builds a Config from disk/environment. An empty path searches the
// usual locations for config.yaml and falls back to defaults when none exists.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for key, name := range plainEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, name); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", name, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/opportunity-crawler/")
		v.AddConfigPath("$HOME/.opportunity-crawler")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
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
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", false)

	v.SetDefault("worker.pool_size", 4)
	v.SetDefault("worker.fetch_timeout", 30*time.Second)
	v.SetDefault("worker.extract_timeout", 2*time.Minute)
	v.SetDefault("worker.persist_timeout", 30*time.Second)
	v.SetDefault("worker.rate_limit_timeout", 30*time.Second)
	v.SetDefault("queue.capacity", 100)
	v.SetDefault("queue.submit_timeout", 5*time.Second)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.extract_max_attempts", 2)
	v.SetDefault("retry.base_delay", 2*time.Second)
	v.SetDefault("retry.max_delay", 5*time.Minute)
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("reaper.stale_threshold", 15*time.Minute)
	v.SetDefault("reaper.interval", time.Duration(0))

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("db.migrate", true)

	v.SetDefault("fetcher.mode", FetchModeHTTP)
	v.SetDefault("fetcher.user_agent", "opportunity-crawler/0.1")
	v.SetDefault("fetcher.timeout", 20*time.Second)
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.max_body_bytes", 10<<20)
	v.SetDefault("fetcher.headless.max_parallel", 2)
	v.SetDefault("fetcher.headless.navigation_timeout", 45*time.Second)
	v.SetDefault("fetcher.headless.settle_delay", 500*time.Millisecond)
	v.SetDefault("fetcher.headless.exec_path", "")
	v.SetDefault("fetcher.headless.wait_selector", "body")
	v.SetDefault("fetcher.headless.promotion_threshold", 2048)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", 15*time.Minute)
	v.SetDefault("cache.key_prefix", "oppcrawler:page:")

	v.SetDefault("rate_limit.default_rps", 1.0)
	v.SetDefault("rate_limit.default_burst", 1)

	v.SetDefault("extractor.backend", extractor.BackendHeuristic)
	v.SetDefault("extractor.fallback", "")
	v.SetDefault("extractor.max_content_chars", 60000)
	v.SetDefault("extractor.gemini_api_key", "")
	v.SetDefault("extractor.gemini_model", "gemini-2.0-flash")
	v.SetDefault("extractor.ollama_url", "http://localhost:11434")
	v.SetDefault("extractor.ollama_model", "llama3.1")
	v.SetDefault("extractor.ollama_timeout", 2*time.Minute)

	v.SetDefault("archive.backend", BackendNone)
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("archive.local_dir", "./data/archive")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.gcs_endpoint", "")

	v.SetDefault("events.publisher", BackendNone)
	v.SetDefault("events.topic", "scrape-job-events")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "opportunity-crawler")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.PoolSize <= 0 {
		return fmt.Errorf("worker.pool_size must be > 0")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.ExtractMaxAttempts <= 0 {
		return fmt.Errorf("retry.extract_max_attempts must be > 0")
	}
	if c.Retry.ExtractMaxAttempts > c.Retry.MaxAttempts {
		return fmt.Errorf("retry.extract_max_attempts must be <= retry.max_attempts")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.base_delay must be > 0 and <= retry.max_delay")
	}
	if c.Worker.FetchTimeout <= 0 || c.Worker.ExtractTimeout <= 0 ||
		c.Worker.PersistTimeout <= 0 || c.Worker.RateLimitTimeout <= 0 {
		return fmt.Errorf("worker fetch, extract, persist and rate limit timeouts must be > 0")
	}
	if c.Reaper.StaleThreshold <= 0 {
		return fmt.Errorf("reaper.stale_threshold must be > 0")
	}
	// A lease the reaper can expire while the worker is still inside its
	// stage timeouts lets a second attempt run alongside the first.
	if budget := c.Worker.LeaseBudget(); c.Reaper.StaleThreshold <= budget {
		return fmt.Errorf("reaper.stale_threshold %s must exceed the worker lease budget %s", c.Reaper.StaleThreshold, budget)
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when store.backend is postgres")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of memory, postgres", c.Store.Backend)
	}
	switch c.Fetcher.Mode {
	case FetchModeHTTP, FetchModeChrome, FetchModeAuto:
	default:
		return fmt.Errorf("fetcher.mode %q is not one of http, headless, auto", c.Fetcher.Mode)
	}
	if c.Cache.Enabled && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required when the cache is enabled")
	}
	if err := c.validateExtractor(); err != nil {
		return err
	}
	switch c.Archive.Backend {
	case BackendNone, BackendMemory, BackendLocal:
	case BackendGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required when archive.backend is gcs")
		}
	default:
		return fmt.Errorf("archive.backend %q is not one of none, memory, local, gcs", c.Archive.Backend)
	}
	switch c.Events.Publisher {
	case BackendNone, BackendMemory:
	case BackendPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required when events.publisher is pubsub")
		}
	default:
		return fmt.Errorf("events.publisher %q is not one of none, memory, pubsub", c.Events.Publisher)
	}
	seen := make(map[scrape.WebsiteID]struct{}, len(c.Websites))
	for i, site := range c.Websites {
		if site.ID <= 0 {
			return fmt.Errorf("websites[%d].id must be > 0", i)
		}
		if site.URL == "" {
			return fmt.Errorf("websites[%d].url is required", i)
		}
		if _, dup := seen[site.ID]; dup {
			return fmt.Errorf("websites[%d].id %d is duplicated", i, site.ID)
		}
		seen[site.ID] = struct{}{}
	}
	return nil
}

func (c Config) validateExtractor() error {
	valid := func(name string) bool {
		switch name {
		case extractor.BackendGemini, extractor.BackendOllama, extractor.BackendHeuristic:
			return true
		}
		return false
	}
	if !valid(c.Extractor.Backend) {
		return fmt.Errorf("extractor.backend %q is not one of gemini, ollama, heuristic", c.Extractor.Backend)
	}
	if c.Extractor.Fallback != "" && !valid(c.Extractor.Fallback) {
		return fmt.Errorf("extractor.fallback %q is not one of gemini, ollama, heuristic", c.Extractor.Fallback)
	}
	if c.Extractor.Backend == extractor.BackendGemini && c.Extractor.GeminiAPIKey == "" {
		return fmt.Errorf("extractor.gemini_api_key is required for the gemini backend")
	}
	return nil
}

// RateLimiter converts the host list into the limiter's map form.
func (c RateLimitConfig) RateLimiter() ratelimit.Config {
	hosts := make(map[string]ratelimit.HostLimit, len(c.Hosts))
	for _, h := range c.Hosts {
		hosts[strings.ToLower(h.Host)] = ratelimit.HostLimit{RPS: h.RPS, Burst: h.Burst}
	}
	return ratelimit.Config{DefaultRPS: c.DefaultRPS, DefaultBurst: c.DefaultBurst, Hosts: hosts}
}

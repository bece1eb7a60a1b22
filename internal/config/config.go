// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Snapshot backends.
const (
	SnapshotsNone   = "none"
	SnapshotsMemory = "memory"
	SnapshotsLocal  = "local"
	SnapshotsGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Captcha   CaptchaConfig   `mapstructure:"captcha"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Stages    StagesConfig    `mapstructure:"stages"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	APIKey          string        `mapstructure:"api_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Slots int `mapstructure:"slots"`
}

// PipelineConfig tunes deferred stage-B handling.
type PipelineConfig struct {
	DeferDelay    time.Duration `mapstructure:"defer_delay"`
	WatchInterval time.Duration `mapstructure:"watch_interval"`
	WatchAttempts int           `mapstructure:"watch_attempts"`
}

// CaptchaConfig configures the solving vendor and its poll schedule.
type CaptchaConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	RPS          float64       `mapstructure:"rps"`
	Burst        int           `mapstructure:"burst"`
	PollAttempts int           `mapstructure:"poll_attempts"`
	PollFirst    time.Duration `mapstructure:"poll_first"`
	PollSecond   time.Duration `mapstructure:"poll_second"`
	PollLastMin  time.Duration `mapstructure:"poll_last_min"`
	PollLastMax  time.Duration `mapstructure:"poll_last_max"`
	Ceiling      time.Duration `mapstructure:"ceiling"`
}

// BrowserConfig configures the headless browser and the form pacing.
type BrowserConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Headless          bool          `mapstructure:"headless"`
	ExecPath          string        `mapstructure:"exec_path"`
	UserAgent         string        `mapstructure:"user_agent"`
	AcceptLanguage    string        `mapstructure:"accept_language"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SelectorTimeout   time.Duration `mapstructure:"selector_timeout"`
	ResultTimeout     time.Duration `mapstructure:"result_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	StepPauseMin      time.Duration `mapstructure:"step_pause_min"`
	StepPauseMax      time.Duration `mapstructure:"step_pause_max"`
	PageSettleMin     time.Duration `mapstructure:"page_settle_min"`
	PageSettleMax     time.Duration `mapstructure:"page_settle_max"`
	// BlockedURLs replaces the default image and font patterns when set.
	BlockedURLs []string `mapstructure:"blocked_urls"`
}

// SiteConfig overrides one stage's target page.
type SiteConfig struct {
	URL     string `mapstructure:"url"`
	SiteKey string `mapstructure:"site_key"`
	Action  string `mapstructure:"action"`
}

// StagesConfig holds per-stage site overrides. Empty fields keep the built-in values.
type StagesConfig struct {
	Sisben        SiteConfig `mapstructure:"sisben"`
	Registraduria SiteConfig `mapstructure:"registraduria"`
}

// ReaperConfig controls job retention.
type ReaperConfig struct {
	Retention time.Duration `mapstructure:"retention"`
	Schedule  string        `mapstructure:"schedule"`
}

// SnapshotsConfig selects where result pages are kept.
type SnapshotsConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PubSubConfig holds metadata for result notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the lifecycle event hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	// PostgresDSN, when set, archives every event in PostgresTable.
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	PostgresTable string `mapstructure:"postgres_table"`
}

// IngestConfig controls the pull worker that drains the external lookup queue.
type IngestConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	Token     string        `mapstructure:"token"`
	Schedule  string        `mapstructure:"schedule"`
	BatchSize int           `mapstructure:"batch_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// TracingConfig controls OpenTelemetry spans for requests and stage runs.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment. Environment variables use the
// CONSULTA_ prefix with dots replaced by underscores; PORT overrides server.port.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CONSULTA")
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
	if raw := os.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("pool.slots", 15)
	v.SetDefault("pipeline.defer_delay", "2s")
	v.SetDefault("pipeline.watch_interval", "5s")
	v.SetDefault("pipeline.watch_attempts", 60)
	v.SetDefault("captcha.api_key", "")
	v.SetDefault("captcha.base_url", "http://2captcha.com")
	v.SetDefault("captcha.http_timeout", "30s")
	v.SetDefault("captcha.rps", 2.0)
	v.SetDefault("captcha.burst", 2)
	v.SetDefault("captcha.poll_attempts", 60)
	v.SetDefault("captcha.poll_first", "1s")
	v.SetDefault("captcha.poll_second", "1500ms")
	v.SetDefault("captcha.poll_last_min", "2s")
	v.SetDefault("captcha.poll_last_max", "3s")
	v.SetDefault("captcha.ceiling", "2m")
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("browser.accept_language", "es-CO,es;q=0.9")
	v.SetDefault("browser.max_parallel", 0)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.selector_timeout", "10s")
	v.SetDefault("browser.result_timeout", "30s")
	v.SetDefault("browser.settle_delay", "500ms")
	v.SetDefault("browser.step_pause_min", "300ms")
	v.SetDefault("browser.step_pause_max", "900ms")
	v.SetDefault("browser.page_settle_min", "1s")
	v.SetDefault("browser.page_settle_max", "2s")
	v.SetDefault("stages.sisben.url", "")
	v.SetDefault("stages.sisben.site_key", "")
	v.SetDefault("stages.sisben.action", "")
	v.SetDefault("stages.registraduria.url", "")
	v.SetDefault("stages.registraduria.site_key", "")
	v.SetDefault("reaper.retention", "10m")
	v.SetDefault("reaper.schedule", "@every 1m")
	v.SetDefault("snapshots.backend", SnapshotsMemory)
	v.SetDefault("snapshots.local_dir", "data/snapshots")
	v.SetDefault("snapshots.gcs_bucket", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait", "250ms")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("progress.postgres_dsn", "")
	v.SetDefault("progress.postgres_table", "job_events")
	v.SetDefault("ingest.enabled", false)
	v.SetDefault("ingest.base_url", "")
	v.SetDefault("ingest.token", "")
	v.SetDefault("ingest.schedule", "@every 30s")
	v.SetDefault("ingest.batch_size", 10)
	v.SetDefault("ingest.timeout", "30s")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Pool.Slots <= 0 {
		return errors.New("pool.slots must be > 0")
	}
	if c.Pipeline.WatchInterval <= 0 || c.Pipeline.WatchAttempts <= 0 {
		return errors.New("pipeline.watch_interval and pipeline.watch_attempts must be > 0")
	}
	if c.Captcha.PollAttempts <= 0 {
		return errors.New("captcha.poll_attempts must be > 0")
	}
	if c.Captcha.PollLastMax < c.Captcha.PollLastMin {
		return errors.New("captcha.poll_last_max must be >= captcha.poll_last_min")
	}
	if c.Browser.StepPauseMax < c.Browser.StepPauseMin || c.Browser.PageSettleMax < c.Browser.PageSettleMin {
		return errors.New("browser pause maximums must be >= their minimums")
	}
	if c.Reaper.Retention <= 0 {
		return errors.New("reaper.retention must be > 0")
	}
	switch c.Snapshots.Backend {
	case SnapshotsNone, SnapshotsMemory:
	case SnapshotsLocal:
		if c.Snapshots.LocalDir == "" {
			return errors.New("snapshots.local_dir must be set for the local backend")
		}
	case SnapshotsGCS:
		if c.Snapshots.GCSBucket == "" {
			return errors.New("snapshots.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("snapshots.backend %q is not one of none, memory, local, gcs", c.Snapshots.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Ingest.Enabled && (c.Ingest.BaseURL == "" || c.Ingest.Token == "") {
		return errors.New("ingest.base_url and ingest.token must be set when ingest.enabled is true")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return errors.New("tracing.sample_ratio must be between 0 and 1")
	}
	return nil
}

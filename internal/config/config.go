package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// BotConfigEntry is a platform credential set loaded from config.yaml and
// upserted into bot_configs on startup. DisplayName is the handle other
// config sections (TargetSeed.BotConfig) use to reference it.
type BotConfigEntry struct {
	Platform    string `yaml:"platform"` // "telegram" or "onebot"
	DisplayName string `yaml:"display_name"`
	Token       string `yaml:"token"`    // bot token (telegram) or bearer access token (onebot)
	BaseURL     string `yaml:"base_url"` // OneBot HTTP endpoint; unused for telegram
}

// Config is VaultStream's top-level runtime configuration: storage
// locations, worker pool sizing, and the platform credentials loaded at
// startup. Everything else (DistributionRules, DistributionTargets) is
// seeded from RuleSeedPath rather than carried inline here, so operators
// can edit the rule set without touching process configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	// StorageRoot is the base directory for content-addressed media
	// archival (internal/media.Storage). DBPath is the SQLite database
	// file backing internal/persistence.Store.
	StorageRoot string `yaml:"storage_root"`
	DBPath      string `yaml:"db_path"`

	// MediaBaseURL is the prefix internal/media.LocalStorage serves archived
	// blobs from (e.g. a reverse proxy's /media/ mount). Sinks embed URLFor's
	// result directly into the messages they push.
	MediaBaseURL string `yaml:"media_base_url"`

	// RuleSeedPath points at a YAML file of BotConfigEntry/TargetSeed/
	// RuleSeed rows applied (idempotently) on every startup; see
	// ruleseed.go. Empty disables seeding — rules are then managed
	// entirely through persistence.Store's Upsert* calls by an operator
	// tool outside this process.
	RuleSeedPath string `yaml:"rule_seed_path"`

	BindAddr string `yaml:"bind_addr"` // SSE subscriber listen address
	LogLevel string `yaml:"log_level"`

	ParseWorkerCount       int `yaml:"parse_worker_count"`
	ParsePollSeconds       int `yaml:"parse_poll_seconds"`
	DistributorWorkerCount int `yaml:"distributor_worker_count"`
	DistributorPollSeconds int `yaml:"distributor_poll_seconds"`
	SweepIntervalSeconds   int `yaml:"sweep_interval_seconds"`

	// MaxQueueDepth caps pending content_queue_items before ingestion
	// starts refusing new URLs. 0 = unlimited.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// DrainTimeoutSeconds bounds how long worker pools wait for an
	// in-flight task to finish during shutdown.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// RetentionOutboxDays prunes bus.Outbox rows older than this many
	// days; 0 disables pruning.
	RetentionOutboxDays int `yaml:"retention_outbox_days"`

	HeartbeatIntervalMinutes int `yaml:"heartbeat_interval_minutes"`

	// AllowOrigins controls which Origin headers are accepted for SSE
	// subscriber connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	BotConfigs []BotConfigEntry `yaml:"bot_configs"`

	Telemetry TelemetryConfig `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

// TelemetryConfig configures internal/otel.Init. Disabled by default —
// tracing/metrics are an operator opt-in, not something a fresh install
// needs to reach for.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "otlp-http", "stdout", or "none"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, used to detect
// whether a reload actually changed anything worth re-wiring.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "storage=%s|db=%s|bind=%s|log=%s|parsew=%d|distw=%d|bots=%d",
		c.StorageRoot, c.DBPath, c.BindAddr, c.LogLevel, c.ParseWorkerCount, c.DistributorWorkerCount, len(c.BotConfigs))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		StorageRoot:              "./data/media",
		DBPath:                   "./data/vaultstream.db",
		MediaBaseURL:             "http://127.0.0.1:18790/media",
		BindAddr:                 "127.0.0.1:18790",
		LogLevel:                 "info",
		ParseWorkerCount:         defaultParseWorkerCount,
		ParsePollSeconds:         5,
		DistributorWorkerCount:   defaultDistributorWorkerCount,
		DistributorPollSeconds:   5,
		SweepIntervalSeconds:     30,
		MaxQueueDepth:            1000,
		DrainTimeoutSeconds:      5,
		RetentionOutboxDays:      30,
		HeartbeatIntervalMinutes: 30,
	}
}

const (
	defaultParseWorkerCount       = 2
	defaultDistributorWorkerCount = 4
)

func HomeDir() string {
	if override := os.Getenv("VAULTSTREAM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".vaultstream")
}

// Load reads config.yaml from HomeDir (creating the home directory if
// needed), applies environment overrides, and normalizes defaults. A
// missing config.yaml is not an error: NeedsGenesis is set so the caller
// can write out a starter file.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create vaultstream home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.StorageRoot) == "" {
		cfg.StorageRoot = "./data/media"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = "./data/vaultstream.db"
	}
	if strings.TrimSpace(cfg.MediaBaseURL) == "" {
		cfg.MediaBaseURL = "http://127.0.0.1:18790/media"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ParseWorkerCount <= 0 {
		cfg.ParseWorkerCount = defaultParseWorkerCount
	}
	if cfg.ParsePollSeconds <= 0 {
		cfg.ParsePollSeconds = 5
	}
	if cfg.DistributorWorkerCount <= 0 {
		cfg.DistributorWorkerCount = defaultDistributorWorkerCount
	}
	if cfg.DistributorPollSeconds <= 0 {
		cfg.DistributorPollSeconds = 5
	}
	if cfg.SweepIntervalSeconds <= 0 {
		cfg.SweepIntervalSeconds = 30
	}
	if cfg.HeartbeatIntervalMinutes <= 0 {
		cfg.HeartbeatIntervalMinutes = 30
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("VAULTSTREAM_STORAGE_ROOT"); raw != "" {
		cfg.StorageRoot = raw
	}
	if raw := os.Getenv("VAULTSTREAM_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("VAULTSTREAM_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("VAULTSTREAM_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("VAULTSTREAM_PARSE_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ParseWorkerCount = v
		}
	}
	if raw := os.Getenv("VAULTSTREAM_DISTRIBUTOR_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DistributorWorkerCount = v
		}
	}
	if raw := os.Getenv("VAULTSTREAM_RULE_SEED_PATH"); raw != "" {
		cfg.RuleSeedPath = raw
	}
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		applyTokenOverride(cfg, "telegram", raw)
	}
	if raw := os.Getenv("ONEBOT_ACCESS_TOKEN"); raw != "" {
		applyTokenOverride(cfg, "onebot", raw)
	}
}

// applyTokenOverride sets the token on the first matching BotConfigEntry,
// or appends a new bare entry if the platform isn't configured yet — the
// same "env wins, but don't require a fully-formed yaml block" shape the
// teacher's TELEGRAM_TOKEN override used.
func applyTokenOverride(cfg *Config, platform, token string) {
	for i := range cfg.BotConfigs {
		if cfg.BotConfigs[i].Platform == platform {
			cfg.BotConfigs[i].Token = token
			return
		}
	}
	cfg.BotConfigs = append(cfg.BotConfigs, BotConfigEntry{Platform: platform, DisplayName: platform, Token: token})
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ScheduleParser accepts five or six field cron specs and descriptors such as "@every 15m"
var ScheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Port     string `yaml:"port"`
	Debug    bool   `yaml:"debug"`
	LogLevel string `yaml:"log_level"`

	// Database configuration
	DatabaseURL    string `yaml:"database_url"`
	DBMaxOpenConns int    `yaml:"db_max_open_conns"`
	DBMaxIdleConns int    `yaml:"db_max_idle_conns"`

	// Sync configuration
	SyncSchedule       string        `yaml:"sync_schedule"`
	SyncWarmupDelay    time.Duration `yaml:"sync_warmup_delay"`
	SyncBatchSize      int           `yaml:"sync_batch_size"`
	FirstSyncBackfill  time.Duration `yaml:"first_sync_backfill"`
	AutoSyncEnabled    bool          `yaml:"auto_sync_enabled"`
	SyncPlatforms      []string      `yaml:"sync_platforms"`
	MaxMentionsPerSync int           `yaml:"max_mentions_per_sync"`

	// Analytics configuration
	AnalyticsSchedule string `yaml:"analytics_schedule"`

	// Enrichment service
	EnrichmentURL     string        `yaml:"enrichment_url"`
	EnrichmentTimeout time.Duration `yaml:"enrichment_timeout"`

	// Azure Storage configuration (raw payload archive)
	StorageAccount   string `yaml:"storage_account"`
	StorageContainer string `yaml:"storage_container"`

	// Notification configuration
	TeamsWebhookURL   string `yaml:"teams_webhook_url"`
	NotificationEmail string `yaml:"notification_email"`
	SMTPHost          string `yaml:"smtp_host"`
	SMTPPort          int    `yaml:"smtp_port"`
	SMTPUsername      string `yaml:"smtp_username"`
	SMTPPassword      string `yaml:"smtp_password"`
}

// Defaults returns the built-in configuration before any file or environment is applied
func Defaults() *Config {
	return &Config{
		Port:               "8080",
		LogLevel:           "info",
		DBMaxOpenConns:     25,
		DBMaxIdleConns:     5,
		SyncSchedule:       "@every 15m",
		SyncWarmupDelay:    30 * time.Second,
		SyncBatchSize:      50,
		FirstSyncBackfill:  7 * 24 * time.Hour,
		AutoSyncEnabled:    true,
		MaxMentionsPerSync: 100,
		AnalyticsSchedule:  "0 5 * * * *",
		EnrichmentTimeout:  30 * time.Second,
		StorageContainer:   "mentions-raw",
		SMTPPort:           587,
	}
}

// Load loads configuration from an optional YAML file, then environment variables.
// An empty path falls back to CONFIG_FILE; no file at all is fine.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()

	// Validate required configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.Debug = getBoolEnv("DEBUG", c.Debug)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.DBMaxOpenConns = getIntEnv("DB_MAX_OPEN_CONNS", c.DBMaxOpenConns)
	c.DBMaxIdleConns = getIntEnv("DB_MAX_IDLE_CONNS", c.DBMaxIdleConns)

	c.SyncSchedule = getEnv("SYNC_SCHEDULE", c.SyncSchedule)
	c.SyncWarmupDelay = getDurationEnv("SYNC_WARMUP_DELAY", c.SyncWarmupDelay)
	c.SyncBatchSize = getIntEnv("SYNC_BATCH_SIZE", c.SyncBatchSize)
	c.FirstSyncBackfill = getDurationEnv("FIRST_SYNC_BACKFILL", c.FirstSyncBackfill)
	c.AutoSyncEnabled = getBoolEnv("AUTO_SYNC_ENABLED", c.AutoSyncEnabled)
	c.SyncPlatforms = getSliceEnv("SYNC_PLATFORMS", c.SyncPlatforms)
	c.MaxMentionsPerSync = getIntEnv("MAX_MENTIONS_PER_SYNC", c.MaxMentionsPerSync)

	c.AnalyticsSchedule = getEnv("ANALYTICS_SCHEDULE", c.AnalyticsSchedule)

	c.EnrichmentURL = getEnv("ENRICHMENT_URL", c.EnrichmentURL)
	c.EnrichmentTimeout = getDurationEnv("ENRICHMENT_TIMEOUT", c.EnrichmentTimeout)

	c.StorageAccount = getEnv("AZURE_STORAGE_ACCOUNT", c.StorageAccount)
	c.StorageContainer = getEnv("AZURE_STORAGE_CONTAINER", c.StorageContainer)

	c.TeamsWebhookURL = getEnv("TEAMS_WEBHOOK_URL", c.TeamsWebhookURL)
	c.NotificationEmail = getEnv("NOTIFICATION_EMAIL", c.NotificationEmail)
	c.SMTPHost = getEnv("SMTP_HOST", c.SMTPHost)
	c.SMTPPort = getIntEnv("SMTP_PORT", c.SMTPPort)
	c.SMTPUsername = getEnv("SMTP_USERNAME", c.SMTPUsername)
	c.SMTPPassword = getEnv("SMTP_PASSWORD", c.SMTPPassword)
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if _, err := ScheduleParser.Parse(c.SyncSchedule); err != nil {
		return fmt.Errorf("SYNC_SCHEDULE %q is invalid: %w", c.SyncSchedule, err)
	}
	if _, err := ScheduleParser.Parse(c.AnalyticsSchedule); err != nil {
		return fmt.Errorf("ANALYTICS_SCHEDULE %q is invalid: %w", c.AnalyticsSchedule, err)
	}

	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be positive")
	}
	if c.MaxMentionsPerSync <= 0 {
		return fmt.Errorf("MAX_MENTIONS_PER_SYNC must be positive")
	}

	if c.NotificationEmail != "" {
		if c.SMTPHost == "" || c.SMTPUsername == "" || c.SMTPPassword == "" {
			return fmt.Errorf("SMTP configuration is required when NOTIFICATION_EMAIL is set")
		}
	}

	return nil
}

// NotificationsEnabled reports whether any alert channel is configured
func (c *Config) NotificationsEnabled() bool {
	return c.TeamsWebhookURL != "" || c.NotificationEmail != ""
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return defaultValue
}

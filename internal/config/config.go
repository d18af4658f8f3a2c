// Package config loads CoreBit configuration from .env files and the
// environment. Boot-time settings live here; runtime-tunable settings
// (polling interval, thresholds, retention) are seeded from this config
// and then owned by the settings repository.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Defaults for runtime-tunable settings
const (
	DefaultPollingIntervalSeconds = 30
	MinPollingIntervalSeconds     = 5
	MaxPollingIntervalSeconds     = 300
	DefaultMaxProbeConcurrency    = 80
	DefaultOfflineThreshold       = 3
	DefaultMetricsRetentionHours  = 720
	DefaultProbeTimeoutSeconds    = 10
)

// Config holds all application configuration
type Config struct {
	// Server settings
	BackendHost string
	BackendPort int
	DataPath    string

	// Monitoring settings
	PollingIntervalSeconds int
	MaxProbeConcurrency    int
	OfflineThreshold       int
	MetricsRetentionHours  int
	ProbeTimeoutSeconds    int

	// Licensing
	LicensingServerURL string
	LicenseFilePath    string

	// Admin recovery
	AdminRecoverySecret   string
	AdminRecoveryPassword string

	// Logging settings
	LogLevel    string
	LogFile     string
	LogMaxSize  int // MB
	LogMaxAge   int // days
	LogCompress bool

	// HTTP settings
	AllowedOrigins string

	// DNS cache refresh interval for probe HTTP clients
	DNSCacheTTL time.Duration
}

// Load reads .env (working directory, then COREBIT_DATA_DIR) and applies
// environment variable overrides on top of defaults.
func Load() (*Config, error) {
	cfg := &Config{
		BackendHost:            "0.0.0.0",
		BackendPort:            3000,
		DataPath:               "./data",
		PollingIntervalSeconds: DefaultPollingIntervalSeconds,
		MaxProbeConcurrency:    DefaultMaxProbeConcurrency,
		OfflineThreshold:       DefaultOfflineThreshold,
		MetricsRetentionHours:  DefaultMetricsRetentionHours,
		ProbeTimeoutSeconds:    DefaultProbeTimeoutSeconds,
		LicensingServerURL:     "https://licensing.corebit.io",
		LogLevel:               "info",
		LogMaxSize:             100,
		LogMaxAge:              30,
		LogCompress:            true,
		AllowedOrigins:         "*",
		DNSCacheTTL:            5 * time.Minute,
	}

	// .env is optional; explicit environment always wins over file values
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env from working directory")
	}
	if dir := os.Getenv("COREBIT_DATA_DIR"); dir != "" {
		cfg.DataPath = dir
		envFile := filepath.Join(dir, ".env")
		if err := godotenv.Load(envFile); err == nil {
			log.Debug().Str("file", envFile).Msg("Loaded .env from data directory")
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.LicenseFilePath = filepath.Join(cfg.DataPath, "license.json")
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if host := os.Getenv("BACKEND_HOST"); host != "" {
		c.BackendHost = host
	}
	if port := os.Getenv("BACKEND_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 && p <= 65535 {
			c.BackendPort = p
		} else {
			log.Warn().Str("value", port).Msg("Invalid BACKEND_PORT, keeping default")
		}
	}
	if path := os.Getenv("DATA_PATH"); path != "" {
		c.DataPath = path
	}

	if interval := os.Getenv("POLLING_INTERVAL_SECONDS"); interval != "" {
		if v, err := strconv.Atoi(interval); err == nil {
			c.PollingIntervalSeconds = ClampPollingInterval(v)
		} else {
			log.Warn().Str("value", interval).Msg("Invalid POLLING_INTERVAL_SECONDS, keeping default")
		}
	}
	if conc := os.Getenv("MAX_PROBE_CONCURRENCY"); conc != "" {
		if v, err := strconv.Atoi(conc); err == nil && v > 0 {
			c.MaxProbeConcurrency = v
		} else {
			log.Warn().Str("value", conc).Msg("Invalid MAX_PROBE_CONCURRENCY, keeping default")
		}
	}
	if threshold := os.Getenv("OFFLINE_THRESHOLD"); threshold != "" {
		if v, err := strconv.Atoi(threshold); err == nil && v > 0 {
			c.OfflineThreshold = v
		} else {
			log.Warn().Str("value", threshold).Msg("Invalid OFFLINE_THRESHOLD, keeping default")
		}
	}
	if hours := os.Getenv("METRICS_RETENTION_HOURS"); hours != "" {
		if v, err := strconv.Atoi(hours); err == nil && v > 0 {
			c.MetricsRetentionHours = v
		} else {
			log.Warn().Str("value", hours).Msg("Invalid METRICS_RETENTION_HOURS, keeping default")
		}
	}
	if timeout := os.Getenv("PROBE_TIMEOUT_SECONDS"); timeout != "" {
		if v, err := strconv.Atoi(timeout); err == nil && v > 0 {
			c.ProbeTimeoutSeconds = v
		}
	}

	if url := os.Getenv("LICENSING_SERVER_URL"); url != "" {
		c.LicensingServerURL = strings.TrimRight(url, "/")
	}
	if secret := os.Getenv("ADMIN_RECOVERY_SECRET"); secret != "" {
		c.AdminRecoverySecret = secret
	}
	if password := os.Getenv("ADMIN_RECOVERY_PASSWORD"); password != "" {
		c.AdminRecoveryPassword = password
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if file := os.Getenv("LOG_FILE"); file != "" {
		c.LogFile = file
	}
	if size := os.Getenv("LOG_MAX_SIZE"); size != "" {
		if v, err := strconv.Atoi(size); err == nil && v > 0 {
			c.LogMaxSize = v
		}
	}
	if age := os.Getenv("LOG_MAX_AGE"); age != "" {
		if v, err := strconv.Atoi(age); err == nil && v >= 0 {
			c.LogMaxAge = v
		}
	}
	if compress := os.Getenv("LOG_COMPRESS"); compress != "" {
		if v, err := strconv.ParseBool(compress); err == nil {
			c.LogCompress = v
		}
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = origins
	}
	if ttl := os.Getenv("DNS_CACHE_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil && d > 0 {
			c.DNSCacheTTL = d
		}
	}
}

func (c *Config) validate() error {
	if c.BackendPort <= 0 || c.BackendPort > 65535 {
		return fmt.Errorf("invalid backend port %d", c.BackendPort)
	}
	if c.MaxProbeConcurrency <= 0 {
		return fmt.Errorf("invalid probe concurrency %d", c.MaxProbeConcurrency)
	}
	if err := os.MkdirAll(c.DataPath, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", c.DataPath, err)
	}
	return nil
}

// PollingInterval returns the polling interval as a duration
func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalSeconds) * time.Second
}

// ProbeTimeout returns the per-device probe timeout as a duration
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// ClampPollingInterval bounds an interval to the supported range
func ClampPollingInterval(seconds int) int {
	if seconds < MinPollingIntervalSeconds {
		return MinPollingIntervalSeconds
	}
	if seconds > MaxPollingIntervalSeconds {
		return MaxPollingIntervalSeconds
	}
	return seconds
}

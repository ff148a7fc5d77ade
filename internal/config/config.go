// Package config loads agent configuration from environment variables,
// optionally layered under a local YAML file for standalone installs that
// don't have an env-var surface to configure through (spec §6).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all agent configuration. Unlike the web-dashboard
// configuration this is derived from, nothing here changes at runtime —
// an endpoint agent has no local control surface to mutate it through, so
// there is no mutex or setter pair.
type Config struct {
	// Identity and transport
	ServerURL string
	DataDir   string

	// Logging
	LogJSON bool

	// Session Controller
	ShutdownTimeout  time.Duration
	QueueDrainPeriod time.Duration

	// Telemetry Producer
	TelemetryInterval time.Duration

	// Command Pipeline
	CommandQueueSize   int
	MaxParallelCommand int
	CommandTimeout     time.Duration

	// Offline Queue limits, shared across all three partitions
	QueueMaxCount int
	QueueMaxAge   time.Duration

	// API Client retry policy
	RetryMaxRetries      int
	RetryInitialDelaySec int

	// Update Manager / Checker
	UpdateCheckInterval time.Duration
	ServiceName         string
	ServiceWaitSec      int
	WatchdogPeriodSec   int
	UpdaterPath         string

	// TokenRefreshIntervalSec is recognized but ignored (spec §9): the
	// agent's credential is a long-lived bearer token with no renewal flow,
	// so this key has no effect beyond the startup warning it triggers when
	// present and nonzero.
	TokenRefreshIntervalSec int

	// Metrics
	MetricsEnabled        bool
	MetricsPort           string
	MetricsTextfilePath   string
	MetricsTextfilePeriod time.Duration
}

// fileOverrides is the optional local YAML config file's shape. Only
// fields an operator would plausibly hand-edit on a standalone install are
// exposed; everything else stays env-var-only.
type fileOverrides struct {
	ServerURL               string `yaml:"server_url"`
	DataDir                 string `yaml:"data_dir"`
	LogJSON                 *bool  `yaml:"log_json"`
	TelemetryInterval       string `yaml:"telemetry_interval"`
	UpdateCheckInterval     string `yaml:"update_check_interval"`
	ServiceName             string `yaml:"service_name"`
	MetricsEnabled          *bool  `yaml:"metrics_enabled"`
	MetricsPort             string `yaml:"metrics_port"`
	TokenRefreshIntervalSec *int   `yaml:"token_refresh_interval_sec"`
}

// Load reads configuration from environment variables with defaults, then
// applies a local YAML file at path if it exists. A missing file is not an
// error — env-only operation is the common case for a managed install.
func Load(path string, log *slog.Logger) (*Config, error) {
	cfg := &Config{
		ServerURL:            envStr("AGENT_SERVER_URL", ""),
		DataDir:              envStr("AGENT_DATA_DIR", defaultDataDir()),
		LogJSON:              envBool("AGENT_LOG_JSON", true),
		ShutdownTimeout:      envDuration("AGENT_SHUTDOWN_TIMEOUT", 15*time.Second),
		QueueDrainPeriod:     envDuration("AGENT_QUEUE_DRAIN_PERIOD", 5*time.Second),
		TelemetryInterval:    envDuration("AGENT_TELEMETRY_INTERVAL", time.Minute),
		CommandQueueSize:     envInt("AGENT_COMMAND_QUEUE_SIZE", 32),
		MaxParallelCommand:   envInt("AGENT_MAX_PARALLEL_COMMAND", 4),
		CommandTimeout:       envDuration("AGENT_COMMAND_TIMEOUT", 5*time.Minute),
		QueueMaxCount:        envInt("AGENT_QUEUE_MAX_COUNT", 1000),
		QueueMaxAge:          envDuration("AGENT_QUEUE_MAX_AGE", 7*24*time.Hour),
		RetryMaxRetries:      envInt("AGENT_RETRY_MAX_RETRIES", 5),
		RetryInitialDelaySec: envInt("AGENT_RETRY_INITIAL_DELAY_SEC", 1),
		UpdateCheckInterval:  envDuration("AGENT_UPDATE_CHECK_INTERVAL", 6*time.Hour),
		ServiceName:          envStr("AGENT_SERVICE_NAME", ""),
		ServiceWaitSec:       envInt("AGENT_SERVICE_WAIT_SEC", 60),
		WatchdogPeriodSec:    envInt("AGENT_WATCHDOG_PERIOD_SEC", 120),
		UpdaterPath:             envStr("AGENT_UPDATER_PATH", ""),
		TokenRefreshIntervalSec: envInt("AGENT_TOKEN_REFRESH_INTERVAL_SEC", 0),
		MetricsEnabled:          envBool("AGENT_METRICS_ENABLED", false),
		MetricsPort:             envStr("AGENT_METRICS_PORT", "9090"),
		MetricsTextfilePath:     envStr("AGENT_METRICS_TEXTFILE_PATH", ""),
		MetricsTextfilePeriod:   envDuration("AGENT_METRICS_TEXTFILE_PERIOD", 15*time.Second),
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else {
			var overrides fileOverrides
			if err := strictUnmarshal(raw, &overrides, log); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
			cfg.applyFile(overrides)
		}
	}

	if cfg.TokenRefreshIntervalSec != 0 && log != nil {
		log.Warn("token_refresh_interval_sec is set but ignored: this agent uses a long-lived bearer token with no renewal flow", "value", cfg.TokenRefreshIntervalSec)
	}

	return cfg, nil
}

// strictUnmarshal decodes YAML with KnownFields enabled so unrecognized
// keys are reported rather than silently dropped, then logs them at Warn
// and continues (spec §6: "unrecognized keys are logged at Warn and
// ignored").
func strictUnmarshal(raw []byte, out *fileOverrides, log *slog.Logger) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if log != nil {
			log.Warn("config file has unrecognized or malformed keys, ignoring them", "error", err)
		}
		// Fall back to a lenient decode so valid keys still apply.
		return yaml.Unmarshal(raw, out)
	}
	return nil
}

func (c *Config) applyFile(o fileOverrides) {
	if o.ServerURL != "" {
		c.ServerURL = o.ServerURL
	}
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.LogJSON != nil {
		c.LogJSON = *o.LogJSON
	}
	if o.TelemetryInterval != "" {
		if d, err := time.ParseDuration(o.TelemetryInterval); err == nil {
			c.TelemetryInterval = d
		}
	}
	if o.UpdateCheckInterval != "" {
		if d, err := time.ParseDuration(o.UpdateCheckInterval); err == nil {
			c.UpdateCheckInterval = d
		}
	}
	if o.ServiceName != "" {
		c.ServiceName = o.ServiceName
	}
	if o.MetricsEnabled != nil {
		c.MetricsEnabled = *o.MetricsEnabled
	}
	if o.MetricsPort != "" {
		c.MetricsPort = o.MetricsPort
	}
	if o.TokenRefreshIntervalSec != nil {
		c.TokenRefreshIntervalSec = *o.TokenRefreshIntervalSec
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, fmt.Errorf("AGENT_SERVER_URL is required"))
	}
	if c.TelemetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_TELEMETRY_INTERVAL must be > 0, got %s", c.TelemetryInterval))
	}
	if c.UpdateCheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_UPDATE_CHECK_INTERVAL must be > 0, got %s", c.UpdateCheckInterval))
	}
	if c.CommandQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_COMMAND_QUEUE_SIZE must be > 0, got %d", c.CommandQueueSize))
	}
	if c.MaxParallelCommand <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_MAX_PARALLEL_COMMAND must be > 0, got %d", c.MaxParallelCommand))
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for display in logs or
// a diagnostics command.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"AGENT_SERVER_URL":              c.ServerURL,
		"AGENT_DATA_DIR":                c.DataDir,
		"AGENT_LOG_JSON":                fmt.Sprintf("%t", c.LogJSON),
		"AGENT_SHUTDOWN_TIMEOUT":        c.ShutdownTimeout.String(),
		"AGENT_QUEUE_DRAIN_PERIOD":      c.QueueDrainPeriod.String(),
		"AGENT_TELEMETRY_INTERVAL":      c.TelemetryInterval.String(),
		"AGENT_COMMAND_QUEUE_SIZE":      strconv.Itoa(c.CommandQueueSize),
		"AGENT_MAX_PARALLEL_COMMAND":    strconv.Itoa(c.MaxParallelCommand),
		"AGENT_COMMAND_TIMEOUT":         c.CommandTimeout.String(),
		"AGENT_QUEUE_MAX_COUNT":         strconv.Itoa(c.QueueMaxCount),
		"AGENT_QUEUE_MAX_AGE":           c.QueueMaxAge.String(),
		"AGENT_UPDATE_CHECK_INTERVAL":   c.UpdateCheckInterval.String(),
		"AGENT_SERVICE_NAME":            c.ServiceName,
		"AGENT_SERVICE_WAIT_SEC":        strconv.Itoa(c.ServiceWaitSec),
		"AGENT_WATCHDOG_PERIOD_SEC":     strconv.Itoa(c.WatchdogPeriodSec),
		"AGENT_TOKEN_REFRESH_INTERVAL_SEC": strconv.Itoa(c.TokenRefreshIntervalSec),
		"AGENT_METRICS_ENABLED":         fmt.Sprintf("%t", c.MetricsEnabled),
		"AGENT_METRICS_PORT":            c.MetricsPort,
		"AGENT_METRICS_TEXTFILE_PATH":   c.MetricsTextfilePath,
		"AGENT_METRICS_TEXTFILE_PERIOD": c.MetricsTextfilePeriod.String(),
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + string(os.PathSeparator) + "managed-agent"
	}
	return "."
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

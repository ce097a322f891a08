package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Config holds all configuration for the hatest service.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	// StoreDriver: "memory" (with optional snapshot file) or "postgres".
	StoreDriver       string `json:"store_driver"`
	DatabaseURL       string `json:"database_url"`
	StateSnapshotPath string `json:"state_snapshot_path,omitempty"`

	WorkspaceConfigDir string `json:"workspace_config_dir"`
	PlaybookDir        string `json:"playbook_dir"`
	AnsibleBinary      string `json:"ansible_binary"`

	HTTPAddr  string `json:"http_addr"`
	RedisAddr string `json:"redis_addr,omitempty"`

	CheckInterval    time.Duration `json:"-"`
	CheckIntervalStr string        `json:"check_interval"`

	StepTimeout    time.Duration `json:"-"`
	StepTimeoutStr string        `json:"step_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`

	HTTPShutdownTimeout    time.Duration `json:"-"`
	HTTPShutdownTimeoutStr string        `json:"http_shutdown_timeout"`
	WorkerDrainTimeout     time.Duration `json:"-"`
	WorkerDrainTimeoutStr  string        `json:"worker_drain_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	NotifyWebhookURL    string `json:"notify_webhook_url,omitempty"`
	NotifyWebhookSecret string `json:"-"`

	ReconcileEnabled     bool          `json:"reconcile_enabled"`
	ReconcileInterval    time.Duration `json:"-"`
	ReconcileIntervalStr string        `json:"reconcile_interval"`

	// ReconcileGracePeriod must exceed the submit-to-tracking window so a
	// freshly accepted job is never swept.
	ReconcileGracePeriod    time.Duration `json:"-"`
	ReconcileGracePeriodStr string        `json:"reconcile_grace_period"`

	EventBufferSize int `json:"event_buffer_size"`

	// CircuitBreakerThreshold: 0 disables the per-workspace breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		StoreDriver:                os.Getenv("STORE_DRIVER"),
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		StateSnapshotPath:          os.Getenv("STATE_SNAPSHOT_PATH"),
		WorkspaceConfigDir:         os.Getenv("WORKSPACE_CONFIG_DIR"),
		PlaybookDir:                os.Getenv("PLAYBOOK_DIR"),
		AnsibleBinary:              os.Getenv("ANSIBLE_BINARY"),
		HTTPAddr:                   os.Getenv("HTTP_ADDR"),
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		CheckIntervalStr:           os.Getenv("CHECK_INTERVAL"),
		StepTimeoutStr:             os.Getenv("STEP_TIMEOUT"),
		DBConnMaxLifetimeStr:       os.Getenv("DB_CONN_MAX_LIFETIME"),
		HTTPShutdownTimeoutStr:     os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		WorkerDrainTimeoutStr:      os.Getenv("WORKER_DRAIN_TIMEOUT"),
		MetricsEnabled:             os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:                os.Getenv("METRICS_PATH"),
		NotifyWebhookURL:           os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret:        os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		ReconcileEnabled:           os.Getenv("RECONCILE_ENABLED") != "false",
		ReconcileIntervalStr:       os.Getenv("RECONCILE_INTERVAL"),
		ReconcileGracePeriodStr:    os.Getenv("RECONCILE_GRACE_PERIOD"),
		CircuitBreakerCooldownStr:  os.Getenv("CIRCUIT_BREAKER_COOLDOWN"),
		LeaderRetryIntervalStr:     os.Getenv("LEADER_RETRY_INTERVAL"),
		LeaderHeartbeatIntervalStr: os.Getenv("LEADER_HEARTBEAT_INTERVAL"),
	}

	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "memory"
	}
	if cfg.AnsibleBinary == "" {
		cfg.AnsibleBinary = "ansible-playbook"
	}

	if bufStr := os.Getenv("EVENT_BUFFER_SIZE"); bufStr != "" {
		if n, err := parseInt(bufStr); err == nil && n > 0 {
			cfg.EventBufferSize = n
		} else {
			log.Printf("config: invalid EVENT_BUFFER_SIZE %q (must be a positive integer), using default 100", bufStr)
		}
	}
	if cfg.EventBufferSize == 0 {
		cfg.EventBufferSize = 100
	}

	if cbThreshStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbThreshStr != "" {
		if n, err := parseInt(cbThreshStr); err == nil {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", cbThreshStr)
		}
	}
	if cfg.CircuitBreakerThreshold == 0 && os.Getenv("CIRCUIT_BREAKER_THRESHOLD") == "" {
		cfg.CircuitBreakerThreshold = 5
	}

	if lockKeyStr := os.Getenv("LEADER_LOCK_KEY"); lockKeyStr != "" {
		if n, err := parseInt(lockKeyStr); err == nil && n > 0 {
			cfg.LeaderLockKey = int64(n)
		} else {
			log.Printf("config: invalid LEADER_LOCK_KEY %q (must be a positive integer), using default", lockKeyStr)
		}
	}

	if maxOpenStr := os.Getenv("DB_MAX_OPEN_CONNS"); maxOpenStr != "" {
		if n, err := parseInt(maxOpenStr); err == nil && n > 0 {
			cfg.DBMaxOpenConns = n
		}
	}
	if cfg.DBMaxOpenConns == 0 {
		cfg.DBMaxOpenConns = 25
	}

	if maxIdleStr := os.Getenv("DB_MAX_IDLE_CONNS"); maxIdleStr != "" {
		if n, err := parseInt(maxIdleStr); err == nil && n > 0 {
			cfg.DBMaxIdleConns = n
		}
	}
	if cfg.DBMaxIdleConns == 0 {
		cfg.DBMaxIdleConns = 5
	}

	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.CheckIntervalStr == "" {
		cfg.CheckIntervalStr = "30s"
	}
	if cfg.StepTimeoutStr == "" {
		cfg.StepTimeoutStr = "1h"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}
	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.WorkerDrainTimeoutStr == "" {
		cfg.WorkerDrainTimeoutStr = "30s"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.ReconcileIntervalStr == "" {
		cfg.ReconcileIntervalStr = "5m"
	}
	if cfg.ReconcileGracePeriodStr == "" {
		cfg.ReconcileGracePeriodStr = "1m"
	}
	if cfg.CircuitBreakerCooldownStr == "" {
		cfg.CircuitBreakerCooldownStr = "2m"
	}
	if cfg.LeaderRetryIntervalStr == "" {
		cfg.LeaderRetryIntervalStr = "15s"
	}
	if cfg.LeaderHeartbeatIntervalStr == "" {
		cfg.LeaderHeartbeatIntervalStr = "10s"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.CheckIntervalStr); err == nil {
		cfg.CheckInterval = d
	}
	if d, err := time.ParseDuration(cfg.StepTimeoutStr); err == nil {
		cfg.StepTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxLifetimeStr); err == nil {
		cfg.DBConnMaxLifetime = d
	}
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.WorkerDrainTimeoutStr); err == nil {
		cfg.WorkerDrainTimeout = d
	}
	if d, err := time.ParseDuration(cfg.ReconcileIntervalStr); err == nil {
		cfg.ReconcileInterval = d
	}
	if d, err := time.ParseDuration(cfg.ReconcileGracePeriodStr); err == nil {
		cfg.ReconcileGracePeriod = d
	}
	if d, err := time.ParseDuration(cfg.CircuitBreakerCooldownStr); err == nil {
		cfg.CircuitBreakerCooldown = d
	}
	if d, err := time.ParseDuration(cfg.LeaderRetryIntervalStr); err == nil {
		cfg.LeaderRetryInterval = d
	}
	if d, err := time.ParseDuration(cfg.LeaderHeartbeatIntervalStr); err == nil {
		cfg.LeaderHeartbeatInterval = d
	}

	return cfg
}

// parseInt parses a string as a non-negative integer.
func parseInt(s string) (int, error) {
	if s == "" {
		return 0, os.ErrInvalid
	}
	var n int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		StoreDriver             string `json:"store_driver"`
		DatabaseURL             string `json:"database_url,omitempty"`
		StateSnapshotPath       string `json:"state_snapshot_path,omitempty"`
		WorkspaceConfigDir      string `json:"workspace_config_dir"`
		PlaybookDir             string `json:"playbook_dir"`
		AnsibleBinary           string `json:"ansible_binary"`
		HTTPAddr                string `json:"http_addr"`
		RedisAddr               string `json:"redis_addr,omitempty"`
		CheckInterval           string `json:"check_interval"`
		StepTimeout             string `json:"step_timeout"`
		DBMaxOpenConns          int    `json:"db_max_open_conns"`
		DBMaxIdleConns          int    `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string `json:"db_conn_max_lifetime"`
		HTTPShutdownTimeout     string `json:"http_shutdown_timeout"`
		WorkerDrainTimeout      string `json:"worker_drain_timeout"`
		MetricsEnabled          bool   `json:"metrics_enabled"`
		MetricsPath             string `json:"metrics_path"`
		NotifyWebhookURL        string `json:"notify_webhook_url,omitempty"`
		NotifyWebhookSecret     string `json:"notify_webhook_secret,omitempty"`
		ReconcileEnabled        bool   `json:"reconcile_enabled"`
		ReconcileInterval       string `json:"reconcile_interval"`
		ReconcileGracePeriod    string `json:"reconcile_grace_period"`
		EventBufferSize         int    `json:"event_buffer_size"`
		CircuitBreakerThreshold int    `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string `json:"circuit_breaker_cooldown"`
		LeaderLockKey           int64  `json:"leader_lock_key,omitempty"`
		LeaderRetryInterval     string `json:"leader_retry_interval"`
		LeaderHeartbeatInterval string `json:"leader_heartbeat_interval"`
	}{
		StoreDriver:             c.StoreDriver,
		DatabaseURL:             maskSecret(c.DatabaseURL),
		StateSnapshotPath:       c.StateSnapshotPath,
		WorkspaceConfigDir:      c.WorkspaceConfigDir,
		PlaybookDir:             c.PlaybookDir,
		AnsibleBinary:           c.AnsibleBinary,
		HTTPAddr:                c.HTTPAddr,
		RedisAddr:               c.RedisAddr,
		CheckInterval:           c.CheckIntervalStr,
		StepTimeout:             c.StepTimeoutStr,
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetimeStr,
		HTTPShutdownTimeout:     c.HTTPShutdownTimeoutStr,
		WorkerDrainTimeout:      c.WorkerDrainTimeoutStr,
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		NotifyWebhookURL:        c.NotifyWebhookURL,
		NotifyWebhookSecret:     maskSecret(c.NotifyWebhookSecret),
		ReconcileEnabled:        c.ReconcileEnabled,
		ReconcileInterval:       c.ReconcileIntervalStr,
		ReconcileGracePeriod:    c.ReconcileGracePeriodStr,
		EventBufferSize:         c.EventBufferSize,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldownStr,
		LeaderLockKey:           c.LeaderLockKey,
		LeaderRetryInterval:     c.LeaderRetryIntervalStr,
		LeaderHeartbeatInterval: c.LeaderHeartbeatIntervalStr,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}

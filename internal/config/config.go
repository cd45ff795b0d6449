// Package config handles loading and validating Hermes configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Hermes.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.hermes/data. Override: HERMES_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite under DataDir
	Fetch         *FetchConfig         `json:"fetch,omitempty" yaml:"fetch,omitempty"`
	Proxy         *ProxyConfig         `json:"proxy,omitempty" yaml:"proxy,omitempty"` // nil = direct connections only
	RateLimits    RateLimitsConfig     `json:"rate_limits,omitempty" yaml:"rate_limits,omitempty"`
	Sandbox       *SandboxConfig       `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`
	Execution     *ExecutionConfig     `json:"execution,omitempty" yaml:"execution,omitempty"`
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`
	Cache         *CacheConfig         `json:"cache,omitempty" yaml:"cache,omitempty"`                 // nil = result cache disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	API           *APIConfig           `json:"api,omitempty" yaml:"api,omitempty"`
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/hermes.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: HERMES_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 10
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 2
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// FetchConfig configures the resilient fetch pipeline.
type FetchConfig struct {
	MaxConcurrent     int     `json:"max_concurrent" yaml:"max_concurrent"`           // In-flight request slots. Default: 10
	TimeoutSeconds    int     `json:"timeout_seconds" yaml:"timeout_seconds"`         // Per-attempt total timeout. Default: 30
	ConnectSeconds    int     `json:"connect_seconds" yaml:"connect_seconds"`         // Dial timeout. Default: 10
	MaxResponseBytes  int64   `json:"max_response_bytes" yaml:"max_response_bytes"`   // Body read ceiling. Default: 10 MiB
	MaxContentLength  int64   `json:"max_content_length" yaml:"max_content_length"`   // Content-Length header ceiling. Default: 50 MiB
	JitterMinSeconds  float64 `json:"jitter_min_seconds" yaml:"jitter_min_seconds"`   // Default: 0.5
	JitterMaxSeconds  float64 `json:"jitter_max_seconds" yaml:"jitter_max_seconds"`   // Default: 1.5
	DefaultRetries    int     `json:"default_retries" yaml:"default_retries"`         // Default: 3
	DefaultDelayMS    int     `json:"default_delay_ms" yaml:"default_delay_ms"`       // Backoff base. Default: 1000
	DisableUserAgents bool    `json:"disable_user_agents" yaml:"disable_user_agents"` // Disable User-Agent rotation.

	// DNSServer pins the resolver used by URL checks, e.g. "1.1.1.1:53". Empty = system resolver.
	DNSServer string `json:"dns_server,omitempty" yaml:"dns_server,omitempty"`
}

func (f *FetchConfig) Concurrency() int {
	if f != nil && f.MaxConcurrent > 0 {
		return f.MaxConcurrent
	}
	return 10
}

func (f *FetchConfig) Timeout() time.Duration {
	if f != nil && f.TimeoutSeconds > 0 {
		return time.Duration(f.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

func (f *FetchConfig) ConnectTimeout() time.Duration {
	if f != nil && f.ConnectSeconds > 0 {
		return time.Duration(f.ConnectSeconds) * time.Second
	}
	return 10 * time.Second
}

func (f *FetchConfig) ResponseLimit() int64 {
	if f != nil && f.MaxResponseBytes > 0 {
		return f.MaxResponseBytes
	}
	return 10 << 20
}

func (f *FetchConfig) ContentLengthLimit() int64 {
	if f != nil && f.MaxContentLength > 0 {
		return f.MaxContentLength
	}
	return 50 << 20
}

// Jitter returns the pre-send jitter bounds.
func (f *FetchConfig) Jitter() (time.Duration, time.Duration) {
	lo, hi := 0.5, 1.5
	if f != nil && f.JitterMaxSeconds > 0 {
		lo, hi = f.JitterMinSeconds, f.JitterMaxSeconds
	}
	return time.Duration(lo * float64(time.Second)), time.Duration(hi * float64(time.Second))
}

func (f *FetchConfig) Retries() int {
	if f != nil && f.DefaultRetries > 0 {
		return f.DefaultRetries
	}
	return 3
}

func (f *FetchConfig) Delay() time.Duration {
	if f != nil && f.DefaultDelayMS > 0 {
		return time.Duration(f.DefaultDelayMS) * time.Millisecond
	}
	return time.Second
}

// ProxyConfig configures the rotating proxy pool.
type ProxyConfig struct {
	File            string   `json:"file" yaml:"file"`                           // Newline-delimited ip:port list. Override: HERMES_PROXY_FILE env var.
	AutoRefresh     bool     `json:"auto_refresh" yaml:"auto_refresh"`           // Periodically refresh from Sources.
	RefreshSchedule string   `json:"refresh_schedule" yaml:"refresh_schedule"`   // Cron spec. Default: "@every 30m"
	Sources         []string `json:"sources,omitempty" yaml:"sources,omitempty"` // Public list URLs.
	Verify          bool     `json:"verify" yaml:"verify"`                       // TCP-dial candidates before adding.
	VerifyTimeoutMS int      `json:"verify_timeout_ms" yaml:"verify_timeout_ms"` // Default: 1000
}

func (p *ProxyConfig) Schedule() string {
	if p != nil && p.RefreshSchedule != "" {
		return p.RefreshSchedule
	}
	return "@every 30m"
}

func (p *ProxyConfig) VerifyTimeout() time.Duration {
	if p != nil && p.VerifyTimeoutMS > 0 {
		return time.Duration(p.VerifyTimeoutMS) * time.Millisecond
	}
	return time.Second
}

// RateLimitsConfig maps a logical resource id to its sliding-window policy.
type RateLimitsConfig map[string]RateLimitConfig

// RateLimitConfig is one sliding-window policy.
type RateLimitConfig struct {
	MaxCalls      int `json:"max_calls" yaml:"max_calls"`
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"`
}

// Window returns the window as a duration. Default: 60s.
func (r RateLimitConfig) Window() time.Duration {
	if r.WindowSeconds > 0 {
		return time.Duration(r.WindowSeconds) * time.Second
	}
	return time.Minute
}

// SandboxConfig configures the trusted container sandbox.
type SandboxConfig struct {
	DockerEndpoint string `json:"docker_endpoint,omitempty" yaml:"docker_endpoint,omitempty"` // Empty = DOCKER_HOST / default socket.
	MemoryMB       int    `json:"memory_mb" yaml:"memory_mb"`                                 // Default: 768 (swap is pinned to the same value)
	CPUQuota       int64  `json:"cpu_quota" yaml:"cpu_quota"`                                 // Per 100ms period. Default: 50000 (half a core)
	PIDsLimit      int64  `json:"pids_limit" yaml:"pids_limit"`                               // Default: 64
	LogCapBytes    int    `json:"log_cap_bytes" yaml:"log_cap_bytes"`                         // Default: 5 MiB
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`                     // Default: 300
	User           string `json:"user" yaml:"user"`                                           // Default: "65534:65534"

	// Images adds or overrides catalog entries: tool -> "repo@sha256:<hex>".
	Images map[string]string `json:"images,omitempty" yaml:"images,omitempty"`
}

func (s *SandboxConfig) Memory() int64 {
	if s != nil && s.MemoryMB > 0 {
		return int64(s.MemoryMB) << 20
	}
	return 768 << 20
}

func (s *SandboxConfig) CPU() int64 {
	if s != nil && s.CPUQuota > 0 {
		return s.CPUQuota
	}
	return 50000
}

func (s *SandboxConfig) PIDs() int64 {
	if s != nil && s.PIDsLimit > 0 {
		return s.PIDsLimit
	}
	return 64
}

func (s *SandboxConfig) LogCap() int {
	if s != nil && s.LogCapBytes > 0 {
		return s.LogCapBytes
	}
	return 5 << 20
}

func (s *SandboxConfig) Timeout() time.Duration {
	if s != nil && s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 300 * time.Second
}

func (s *SandboxConfig) RunAs() string {
	if s != nil && s.User != "" {
		return s.User
	}
	return "65534:65534"
}

// ExecutionConfig selects how tools are executed.
type ExecutionConfig struct {
	Mode  string `json:"mode" yaml:"mode"`                       // "native", "docker" or "hybrid" (default).
	Proxy string `json:"proxy,omitempty" yaml:"proxy,omitempty"` // Proxy URL injected into tool environments.
}

func (e *ExecutionConfig) ExecMode() string {
	if e != nil && e.Mode != "" {
		return e.Mode
	}
	return "hybrid"
}

// SchedulerConfig configures the priority worker pool.
type SchedulerConfig struct {
	MaxWorkers         int `json:"max_workers" yaml:"max_workers"`                   // Default: 5
	TaskTimeoutSeconds int `json:"task_timeout_seconds" yaml:"task_timeout_seconds"` // Default: 600
}

func (s *SchedulerConfig) Workers() int {
	if s != nil && s.MaxWorkers > 0 {
		return s.MaxWorkers
	}
	return 5
}

func (s *SchedulerConfig) TaskTimeout() time.Duration {
	if s != nil && s.TaskTimeoutSeconds > 0 {
		return time.Duration(s.TaskTimeoutSeconds) * time.Second
	}
	return 600 * time.Second
}

// CacheConfig configures the persistent result cache.
type CacheConfig struct {
	Enabled  bool `json:"enabled" yaml:"enabled"`
	TTLHours int  `json:"ttl_hours" yaml:"ttl_hours"` // Default: 24
}

func (c *CacheConfig) TTL() time.Duration {
	if c != nil && c.TTLHours > 0 {
		return time.Duration(c.TTLHours) * time.Hour
	}
	return 24 * time.Hour
}

// ObservabilityConfig configures metrics, tracing, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "hermes"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based error-rate detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// APIConfig configures the HTTP API served by `hermes serve`.
type APIConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080"
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeys             map[string]string `json:"api_keys" yaml:"api_keys"`     // API key → user ID. HERMES_API_KEY adds a key for "default".
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"` // Per-user durable limit. Zero MaxCalls = 60/min.
}

func (a *APIConfig) Addr() string {
	if a != nil && a.ListenAddr != "" {
		return a.ListenAddr
	}
	return ":8080"
}

// DefaultConfigPath returns the default config file path (~/.hermes/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/hermes.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".hermes", "config.yaml")
}

// Default returns a configuration usable without any file: SQLite storage,
// hybrid execution, no proxies and the built-in rate limits.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// A missing file at the default path is not an error; Default() is used instead.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultConfigPath() {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv applies environment overrides. Env vars take precedence over config values.
func (c *Config) applyEnv() {
	if envDD := os.Getenv("HERMES_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if dsn := os.Getenv("HERMES_DB_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}
	if file := os.Getenv("HERMES_PROXY_FILE"); file != "" {
		if c.Proxy == nil {
			c.Proxy = &ProxyConfig{}
		}
		c.Proxy.File = file
	}
	if key := os.Getenv("HERMES_API_KEY"); key != "" {
		if c.API == nil {
			c.API = &APIConfig{}
		}
		if c.API.APIKeys == nil {
			c.API.APIKeys = make(map[string]string)
		}
		c.API.APIKeys[key] = "default"
	}
}

// applyDefaults fills built-in rate limits that the config does not override.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".hermes", "data")
		}
	}
	if c.RateLimits == nil {
		c.RateLimits = make(RateLimitsConfig)
	}
	for name, rl := range DefaultRateLimits() {
		if _, ok := c.RateLimits[name]; !ok {
			c.RateLimits[name] = rl
		}
	}
}

// DefaultRateLimits returns the limits applied to well-known resources.
func DefaultRateLimits() RateLimitsConfig {
	return RateLimitsConfig{
		"local-cache-writes": {MaxCalls: 100, WindowSeconds: 60},
		"breach-api":         {MaxCalls: 10, WindowSeconds: 60},
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".hermes", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "hermes.db")
}

// ProxyFile returns the proxy list path. Default: <data_dir>/proxies.txt
func (c *Config) ProxyFile() string {
	if c.Proxy == nil || c.Proxy.File == "" {
		return filepath.Join(c.ResolvedDataDir(), "proxies.txt")
	}
	if p, err := resolvePath(c.Proxy.File); err == nil {
		return p
	}
	return c.Proxy.File
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	// Storage driver validation.
	switch c.StorageDriverName() {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required when storage.driver is postgres")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}

	switch c.Execution.ExecMode() {
	case "native", "docker", "hybrid":
	default:
		return fmt.Errorf("execution.mode %q is not supported (use native, docker or hybrid)", c.Execution.Mode)
	}

	if f := c.Fetch; f != nil {
		if f.MaxConcurrent < 0 || f.DefaultRetries < 0 || f.DefaultDelayMS < 0 {
			return fmt.Errorf("fetch limits must not be negative")
		}
		if f.MaxResponseBytes < 0 || f.MaxContentLength < 0 {
			return fmt.Errorf("fetch size ceilings must not be negative")
		}
		if f.JitterMinSeconds < 0 || f.JitterMinSeconds > f.JitterMaxSeconds && f.JitterMaxSeconds > 0 {
			return fmt.Errorf("fetch.jitter_min_seconds must be between 0 and jitter_max_seconds")
		}
	}

	if s := c.Sandbox; s != nil {
		if s.MemoryMB < 0 || s.CPUQuota < 0 || s.PIDsLimit < 0 || s.LogCapBytes < 0 || s.TimeoutSeconds < 0 {
			return fmt.Errorf("sandbox limits must not be negative")
		}
	}

	if s := c.Scheduler; s != nil {
		if s.MaxWorkers < 0 || s.TaskTimeoutSeconds < 0 {
			return fmt.Errorf("scheduler limits must not be negative")
		}
	}

	for name, rl := range c.RateLimits {
		if rl.MaxCalls <= 0 {
			return fmt.Errorf("rate_limits.%s.max_calls must be positive", name)
		}
		if rl.WindowSeconds < 0 {
			return fmt.Errorf("rate_limits.%s.window_seconds must not be negative", name)
		}
	}

	if c.Proxy != nil && c.Proxy.AutoRefresh {
		if len(c.Proxy.Sources) == 0 {
			return fmt.Errorf("proxy.sources must not be empty when auto_refresh is enabled")
		}
		if c.Proxy.File == "" {
			return fmt.Errorf("proxy.file is required when auto_refresh is enabled")
		}
		if _, err := cron.ParseStandard(c.Proxy.Schedule()); err != nil {
			return fmt.Errorf("proxy.refresh_schedule %q: %w", c.Proxy.Schedule(), err)
		}
	}

	return nil
}

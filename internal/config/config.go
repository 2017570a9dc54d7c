// Package config handles loading and validating KI2GO configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for KI2GO.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.ki2go/data. Override: KI2GO_DATA_DIR.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite under DataDir
	Ledger        LedgerConfig         `json:"ledger" yaml:"ledger"`
	Engine        EngineConfig         `json:"engine" yaml:"engine"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Catalog       *CatalogConfig       `json:"catalog,omitempty" yaml:"catalog,omitempty"`             // nil = no file catalog
	Reaper        *ReaperConfig        `json:"reaper,omitempty" yaml:"reaper,omitempty"`               // nil = reaper disabled
	Cache         *CacheConfig         `json:"cache,omitempty" yaml:"cache,omitempty"`                 // nil = no discovery cache
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = no HTTP adapter
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from DataDir.
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
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/ki2go.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: KI2GO_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// LedgerConfig configures credit metering and pricing.
type LedgerConfig struct {
	InputRatePerK  string `json:"input_rate_per_k" yaml:"input_rate_per_k"`   // Decimal currency per 1000 input tokens.
	OutputRatePerK string `json:"output_rate_per_k" yaml:"output_rate_per_k"` // Decimal currency per 1000 output tokens.
	CycleSchedule  string `json:"cycle_schedule" yaml:"cycle_schedule"`       // Cron expression. Default: "0 0 1 * *".
	TrialCredits   int64  `json:"trial_credits" yaml:"trial_credits"`         // Ceiling of auto-created accounts. Default: 10.
	OwnerBypass    *bool  `json:"owner_bypass,omitempty" yaml:"owner_bypass,omitempty"`
}

// OwnerBypassEnabled reports whether the owner role skips limits. Default: true.
func (l LedgerConfig) OwnerBypassEnabled() bool {
	return l.OwnerBypass == nil || *l.OwnerBypass
}

// TrialCreditLimit returns the trial ceiling, defaulting to 10.
func (l LedgerConfig) TrialCreditLimit() int64 {
	if l.TrialCredits > 0 {
		return l.TrialCredits
	}
	return 10
}

// EngineConfig configures execution behavior.
type EngineConfig struct {
	LLMTimeoutSeconds  int `json:"llm_timeout_seconds" yaml:"llm_timeout_seconds"`   // Per attempt. Default: 60.
	MaxRetries         int `json:"max_retries" yaml:"max_retries"`                   // Default: 1, at most 1. Negative disables.
	MaxDocumentChars   int `json:"max_document_chars" yaml:"max_document_chars"`     // Default: 50000.
	DocumentLoadLimit  int `json:"document_load_limit" yaml:"document_load_limit"`   // Concurrent document fetches. Default: 4.
	MaxPromptVariables int `json:"max_prompt_variables" yaml:"max_prompt_variables"` // Reject requests with more keys. Default: 100.
}

// LLMTimeout returns the per-attempt timeout.
func (e EngineConfig) LLMTimeout() time.Duration {
	if e.LLMTimeoutSeconds > 0 {
		return time.Duration(e.LLMTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// Retries returns the number of automatic retries after the first attempt.
// An upstream failure is retried at most once.
func (e EngineConfig) Retries() int {
	if e.MaxRetries < 0 {
		return 0
	}
	return 1
}

// MaxRunDuration bounds how long one run can spend in model calls.
func (e EngineConfig) MaxRunDuration() time.Duration {
	return time.Duration(1+e.Retries()) * e.LLMTimeout()
}

// DocumentChars returns the truncation budget for document text.
func (e EngineConfig) DocumentChars() int {
	if e.MaxDocumentChars > 0 {
		return e.MaxDocumentChars
	}
	return 50000
}

// DocumentConcurrency returns how many documents are loaded in parallel.
func (e EngineConfig) DocumentConcurrency() int {
	if e.DocumentLoadLimit > 0 {
		return e.DocumentLoadLimit
	}
	return 4
}

// VariableLimit returns the maximum number of supplied variables.
func (e EngineConfig) VariableLimit() int {
	if e.MaxPromptVariables > 0 {
		return e.MaxPromptVariables
	}
	return 100
}

// ProvidersConfig selects the LLM backend.
type ProvidersConfig struct {
	Default      string       `json:"default" yaml:"default"`                       // "openai" or "ollama". Empty = "openai".
	Fallback     []string     `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Tried in order when default fails.
	SystemPrompt string       `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	MaxTokens    int          `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	OpenAI       OpenAIConfig `json:"openai" yaml:"openai"`
	Ollama       OllamaConfig `json:"ollama" yaml:"ollama"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to http://localhost:11434.
}

// CatalogConfig configures the Markdown template catalog.
type CatalogConfig struct {
	TemplateDirs        []string `json:"template_dirs" yaml:"template_dirs"`
	PollIntervalSeconds int      `json:"poll_interval_seconds" yaml:"poll_interval_seconds"` // 0 = publish once at startup.
}

// PollInterval returns the reload interval, zero when polling is off.
func (c *CatalogConfig) PollInterval() time.Duration {
	if c == nil || c.PollIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// ReaperConfig configures the stale pending-record reaper.
type ReaperConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	Schedule          string `json:"schedule" yaml:"schedule"`                       // Cron expression. Default: "*/5 * * * *".
	StaleAfterSeconds int    `json:"stale_after_seconds" yaml:"stale_after_seconds"` // Default: 900.
	BatchSize         int    `json:"batch_size" yaml:"batch_size"`                   // Default: 100.
}

// CronSchedule returns the sweep schedule, defaulting to every five minutes.
func (r *ReaperConfig) CronSchedule() string {
	if r == nil || r.Schedule == "" {
		return "*/5 * * * *"
	}
	return r.Schedule
}

// Batch returns how many records one sweep closes at most.
func (r *ReaperConfig) Batch() int {
	if r == nil || r.BatchSize <= 0 {
		return 100
	}
	return r.BatchSize
}

// StaleAfter returns the age after which a pending record is abandoned.
func (r *ReaperConfig) StaleAfter() time.Duration {
	if r == nil || r.StaleAfterSeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(r.StaleAfterSeconds) * time.Second
}

// CacheConfig configures the Redis discovery cache.
type CacheConfig struct {
	RedisAddr  string `json:"redis_addr" yaml:"redis_addr"` // Override: KI2GO_REDIS_ADDR.
	Password   string `json:"password,omitempty" yaml:"password,omitempty"`
	DB         int    `json:"db" yaml:"db"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds"` // Default: 300.
}

// TTL returns the cache entry lifetime.
func (c *CacheConfig) TTL() time.Duration {
	if c == nil || c.TTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
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
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "ki2go"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB    bool `json:"include_db" yaml:"include_db"`
	IncludeCache bool `json:"include_cache" yaml:"include_cache"`
}

// AnomalyConfig configures threshold-based upstream failure detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Default: 300
}

// HTTPConfig configures the HTTP adapter.
type HTTPConfig struct {
	ListenAddr          string               `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080"
	EnableDocs          bool                 `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64                `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeys             map[string]APIKeyRef `json:"api_keys" yaml:"api_keys"` // API key -> principal.
	RateLimit           RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`
}

// APIKeyRef is the principal an API key authenticates as.
type APIKeyRef struct {
	UserID string `json:"user_id" yaml:"user_id"`
	OrgID  string `json:"org_id,omitempty" yaml:"org_id,omitempty"`
	Role   string `json:"role" yaml:"role"` // "owner", "admin", "member". Default: "member".
}

// Addr returns the listen address, defaulting to ":8080".
func (h *HTTPConfig) Addr() string {
	if h == nil || h.ListenAddr == "" {
		return ":8080"
	}
	return h.ListenAddr
}

// RateLimitConfig configures per-user rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// DefaultConfigPath returns the default config file path (~/.ki2go/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/ki2go.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".ki2go", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over config values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg, err := Parse(data, filepath.Ext(resolved))
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
	}
	return cfg, nil
}

// Parse decodes data (".yaml"/".yml" or JSON), applies environment
// overrides and validates the result.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decoding YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decoding JSON: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		c.Providers.OpenAI.APIKey = envKey
	}
	if envDD := os.Getenv("KI2GO_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if dsn := os.Getenv("KI2GO_DB_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = "postgres"
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}
	if addr := os.Getenv("KI2GO_REDIS_ADDR"); addr != "" {
		if c.Cache == nil {
			c.Cache = &CacheConfig{}
		}
		c.Cache.RedisAddr = addr
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
		return filepath.Join(home, ".ki2go", "data")
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
	return filepath.Join(c.ResolvedDataDir(), "ki2go.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if c.Providers.Default == "" {
		c.Providers.Default = "openai"
	}
	if err := c.validateProvider(c.Providers.Default); err != nil {
		return err
	}
	for i, name := range c.Providers.Fallback {
		if name == c.Providers.Default {
			return fmt.Errorf("providers.fallback[%d]: %q is already the default provider", i, name)
		}
		if err := c.validateProvider(name); err != nil {
			return fmt.Errorf("providers.fallback[%d]: %w", i, err)
		}
	}

	switch c.StorageDriverName() {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set KI2GO_DB_DSN)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}

	if c.Ledger.TrialCredits < 0 {
		return fmt.Errorf("ledger.trial_credits must not be negative")
	}
	if c.Engine.LLMTimeoutSeconds < 0 {
		return fmt.Errorf("engine.llm_timeout_seconds must not be negative")
	}
	if c.Engine.MaxDocumentChars < 0 {
		return fmt.Errorf("engine.max_document_chars must not be negative")
	}
	if c.Engine.MaxRetries > 1 {
		return fmt.Errorf("engine.max_retries must be 0 or 1, got %d", c.Engine.MaxRetries)
	}
	if c.Reaper != nil && c.Reaper.Enabled {
		// A run still calling the model must never look abandoned.
		if floor := c.Engine.MaxRunDuration() + reaperMargin; c.Reaper.StaleAfter() <= floor {
			return fmt.Errorf("reaper.stale_after_seconds must exceed %d (model timeout x attempts + %s)",
				int(floor.Seconds()), reaperMargin)
		}
	}

	if c.Catalog != nil && len(c.Catalog.TemplateDirs) == 0 {
		return fmt.Errorf("catalog.template_dirs must contain at least one directory")
	}
	if c.Cache != nil && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required (or set KI2GO_REDIS_ADDR)")
	}
	if c.HTTP != nil {
		for key, ref := range c.HTTP.APIKeys {
			if ref.UserID == "" {
				return fmt.Errorf("http.api_keys[%s...]: user_id is required", keyPrefix(key))
			}
			switch ref.Role {
			case "", "owner", "admin", "member":
			default:
				return fmt.Errorf("http.api_keys[%s...]: role %q is not supported", keyPrefix(key), ref.Role)
			}
		}
	}
	return nil
}

// reaperMargin covers the reservation and record writes around model calls.
const reaperMargin = time.Minute

func keyPrefix(key string) string {
	if len(key) > 4 {
		return key[:4]
	}
	return key
}

// validateProvider checks that the named LLM provider has the required fields.
func (c *Config) validateProvider(name string) error {
	switch name {
	case "openai":
		if c.Providers.OpenAI.Model == "" {
			return fmt.Errorf("providers.openai.model is required")
		}
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "ollama":
		if c.Providers.Ollama.Model == "" {
			return fmt.Errorf("providers.ollama.model is required")
		}
	default:
		return fmt.Errorf("provider %q is not supported (use openai or ollama)", name)
	}
	return nil
}

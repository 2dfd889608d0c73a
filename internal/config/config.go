// Package config holds the runtime configuration: a JSON5 file overlaid
// with environment variables. Secrets (gateway key, database DSN, LLM
// key, webhook token) come from the environment only and are never
// persisted.
package config

import (
	"encoding/json"
	"sync"
	"time"
)

// Config is the root configuration for the koompl engine.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Mailgun   MailgunConfig   `json:"mailgun"`
	LLM       LLMConfig       `json:"llm"`
	Flows     FlowsConfig     `json:"flows"`
	Storage   StorageConfig   `json:"storage"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// ServerConfig configures the HTTP surface (webhook + admin API +
// event feed).
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// InboundToken guards POST /inbound. From env KOOMPL_INBOUND_TOKEN
	// only. Empty disables the check (dev mode).
	InboundToken string `json:"-"`

	// RateLimitRPS caps inbound webhook deliveries per second; bursts of
	// the same size are tolerated. 0 disables limiting.
	RateLimitRPS int `json:"rate_limit_rps"`
}

// MailgunConfig configures the outbound mail gateway.
// APIKey is NEVER read from the config file — env KOOMPL_MAILGUN_KEY only.
type MailgunConfig struct {
	// Transport selects the delivery path: "mailgun" (default) or
	// "local" for in-process loopback delivery in development.
	Transport string `json:"transport,omitempty"`

	BaseURL string `json:"base_url,omitempty"` // default https://api.mailgun.net
	APIKey  string `json:"-"`
	// TimeoutSec bounds one send call.
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

// LLMConfig configures the decision engine provider.
// APIKey from env KOOMPL_LLM_API_KEY only.
type LLMConfig struct {
	Provider string `json:"provider"` // "openai" (chat-completions compatible)
	BaseURL  string `json:"base_url,omitempty"`
	Model    string `json:"model"`
	// ToolsModel, when set, is used for rounds where tools are in play;
	// falls back to Model.
	ToolsModel  string  `json:"tools_model,omitempty"`
	APIKey      string  `json:"-"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`

	// MaxToolIterations caps the tool loop inside a single decision round.
	MaxToolIterations int `json:"max_tool_iterations,omitempty"`
}

// FlowsConfig holds engine-wide flow defaults; per-agent multi-round
// config overrides them.
type FlowsConfig struct {
	DefaultMaxRounds      int `json:"default_max_rounds"`
	DefaultTimeoutMinutes int `json:"default_timeout_minutes"`

	// SweepInterval is how often the expiry sweeper scans waiting flows.
	// SweepCron, when set, takes precedence (standard cron expression).
	SweepIntervalSec int    `json:"sweep_interval_sec,omitempty"`
	SweepCron        string `json:"sweep_cron,omitempty"`

	// ApologyOnExpiry sends a best-effort terminal mail to the requester
	// when a flow expires.
	ApologyOnExpiry bool `json:"apology_on_expiry"`
}

// StorageConfig selects the persistence backend.
// PostgresDSN from env KOOMPL_POSTGRES_DSN only.
type StorageConfig struct {
	Backend     string `json:"backend"` // "sqlite" (default), "postgres", "memory"
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"`

	// DataDir roots the datasafe and team-data files.
	DataDir string `json:"data_dir,omitempty"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// IsManagedMode reports whether the engine runs against Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Storage.Backend == "postgres" && c.Storage.PostgresDSN != ""
}

// SweepInterval returns the effective interval for the ticker-based
// sweeper path.
func (c *FlowsConfig) SweepInterval() time.Duration {
	if c.SweepIntervalSec > 0 {
		return time.Duration(c.SweepIntervalSec) * time.Second
	}
	return time.Minute
}

// Replace swaps the live values for those of fresh. The receiver pointer
// stays stable, so components holding it observe the update through
// Snapshot on their next read.
func (c *Config) Replace(fresh *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server = fresh.Server
	c.Mailgun = fresh.Mailgun
	c.LLM = fresh.LLM
	c.Flows = fresh.Flows
	c.Storage = fresh.Storage
	c.Telemetry = fresh.Telemetry
}

// Snapshot returns a deep copy of the config, safe to read without
// holding the lock while a watcher reloads in the background.
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cp := &Config{}
	raw, err := json.Marshal(struct {
		Server    ServerConfig    `json:"server"`
		Mailgun   MailgunConfig   `json:"mailgun"`
		LLM       LLMConfig       `json:"llm"`
		Flows     FlowsConfig     `json:"flows"`
		Storage   StorageConfig   `json:"storage"`
		Telemetry TelemetryConfig `json:"telemetry"`
	}{c.Server, c.Mailgun, c.LLM, c.Flows, c.Storage, c.Telemetry})
	if err != nil {
		return cp
	}
	_ = json.Unmarshal(raw, cp)
	// Secrets are json:"-" and need copying by hand.
	cp.Server.InboundToken = c.Server.InboundToken
	cp.Mailgun.APIKey = c.Mailgun.APIKey
	cp.LLM.APIKey = c.LLM.APIKey
	cp.Storage.PostgresDSN = c.Storage.PostgresDSN
	return cp
}

package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8787,
			RateLimitRPS: 10,
		},
		Mailgun: MailgunConfig{
			Transport:  "mailgun",
			BaseURL:    "https://api.mailgun.net",
			TimeoutSec: 15,
		},
		LLM: LLMConfig{
			Provider:          "openai",
			Model:             "gpt-4o-mini",
			MaxTokens:         2048,
			Temperature:       0.2,
			MaxToolIterations: 5,
		},
		Flows: FlowsConfig{
			DefaultMaxRounds:      10,
			DefaultTimeoutMinutes: 30,
			SweepIntervalSec:      60,
			ApologyOnExpiry:       true,
		},
		Storage: StorageConfig{
			Backend:    "sqlite",
			SQLitePath: "~/.koompl/koompl.db",
			DataDir:    "~/.koompl/data",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets: env-only, never read from the file.
	envStr("KOOMPL_MAILGUN_KEY", &c.Mailgun.APIKey)
	envStr("KOOMPL_LLM_API_KEY", &c.LLM.APIKey)
	envStr("KOOMPL_POSTGRES_DSN", &c.Storage.PostgresDSN)
	envStr("KOOMPL_INBOUND_TOKEN", &c.Server.InboundToken)

	envStr("KOOMPL_HOST", &c.Server.Host)
	if v := os.Getenv("KOOMPL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	envStr("KOOMPL_LLM_BASE_URL", &c.LLM.BaseURL)
	envStr("KOOMPL_LLM_MODEL", &c.LLM.Model)
	envStr("KOOMPL_LLM_TOOLS_MODEL", &c.LLM.ToolsModel)
	envStr("KOOMPL_MAILGUN_BASE_URL", &c.Mailgun.BaseURL)
	envStr("KOOMPL_MAIL_TRANSPORT", &c.Mailgun.Transport)

	envStr("KOOMPL_STORAGE_BACKEND", &c.Storage.Backend)
	envStr("KOOMPL_SQLITE_PATH", &c.Storage.SQLitePath)
	envStr("KOOMPL_DATA_DIR", &c.Storage.DataDir)

	// Postgres DSN implies managed mode unless the backend was pinned.
	if c.Storage.PostgresDSN != "" && os.Getenv("KOOMPL_STORAGE_BACKEND") == "" {
		c.Storage.Backend = "postgres"
	}

	envStr("KOOMPL_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("KOOMPL_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("KOOMPL_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("KOOMPL_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("KOOMPL_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8787 || cfg.Flows.DefaultMaxRounds != 10 {
		t.Fatalf("defaults not applied: %+v", cfg.Server)
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
		// engine listens here
		server: { host: "127.0.0.1", port: 9900 },
		flows: { default_max_rounds: 3, default_timeout_minutes: 10 },
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9900 {
		t.Fatalf("file values not applied: %+v", cfg.Server)
	}
	if cfg.Flows.DefaultMaxRounds != 3 {
		t.Fatalf("flows not applied: %+v", cfg.Flows)
	}
	// Untouched sections keep defaults.
	if cfg.LLM.Provider != "openai" {
		t.Fatalf("llm defaults lost: %+v", cfg.LLM)
	}
}

func TestEnvSecretsOverride(t *testing.T) {
	t.Setenv("KOOMPL_MAILGUN_KEY", "key-abc")
	t.Setenv("KOOMPL_INBOUND_TOKEN", "tok-123")
	t.Setenv("KOOMPL_POSTGRES_DSN", "postgres://x")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mailgun.APIKey != "key-abc" || cfg.Server.InboundToken != "tok-123" {
		t.Fatal("env secrets not overlaid")
	}
	// A DSN switches the backend unless explicitly pinned.
	if cfg.Storage.Backend != "postgres" {
		t.Fatalf("backend = %q, want postgres", cfg.Storage.Backend)
	}
	if !cfg.IsManagedMode() {
		t.Fatal("managed mode should be active")
	}
}

func TestSnapshotCarriesSecrets(t *testing.T) {
	t.Setenv("KOOMPL_LLM_API_KEY", "sk-test")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	if err != nil {
		t.Fatal(err)
	}
	cp := cfg.Snapshot()
	if cp.LLM.APIKey != "sk-test" {
		t.Fatal("snapshot dropped env-only secret")
	}
}

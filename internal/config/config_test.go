package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if !cfg.MCPEnabled {
		t.Error("MCPEnabled should default to true")
	}
	if cfg.Jobs.RetryMaxAttempts != 5 {
		t.Errorf("Jobs.RetryMaxAttempts = %d, want 5", cfg.Jobs.RetryMaxAttempts)
	}
	if cfg.StateLock.TTLSeconds != 900 {
		t.Errorf("StateLock.TTLSeconds = %d, want 900", cfg.StateLock.TTLSeconds)
	}
	if cfg.ObjectStorage.Backend != "local" {
		t.Errorf("ObjectStorage.Backend = %q, want local", cfg.ObjectStorage.Backend)
	}
	if cfg.IaCBinary != "terraform" {
		t.Errorf("IaCBinary = %q, want terraform", cfg.IaCBinary)
	}
	if cfg.OIDC.Enabled {
		t.Error("OIDC should be disabled by default")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Default()
	cfg.ListenAddr = ":9999"
	cfg.AuditRetention = "90d"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want :9999", loaded.ListenAddr)
	}
	if loaded.AuditRetention != "90d" {
		t.Errorf("AuditRetention = %q, want 90d", loaded.AuditRetention)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.json"); err == nil {
		t.Error("expected error loading missing file")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	envVars := map[string]string{
		"DEPLOYCTL_LISTEN_ADDR":             ":1234",
		"DEPLOYCTL_DATA_DIR":                "/tmp/data",
		"DEPLOYCTL_WORKING_TREE_ROOT":       "/tmp/trees",
		"DEPLOYCTL_AUTH":                    "true",
		"DEPLOYCTL_AI_PROVIDER":             "anthropic",
		"DEPLOYCTL_AI_MODEL":                "claude",
		"DEPLOYCTL_LOG_LEVEL":               "debug",
		"DEPLOYCTL_RATE_LIMIT":              "500",
		"DEPLOYCTL_AUDIT_RETENTION":         "30d",
		"DEPLOYCTL_MCP_ENABLED":             "false",
		"DEPLOYCTL_JOBS_RETRY_MAX_ATTEMPTS": "9",
		"DEPLOYCTL_JOBS_RETRY_MULTIPLIER":   "3.5",
		"STATE_LOCK_TTL":                    "120",
		"DEPLOYCTL_OBJECT_STORAGE_BACKEND":  "oci",
		"DEPLOYCTL_OBJECT_STORAGE_BUCKET":   "my-bucket",
		"DEPLOYCTL_IAC_BINARY":              "tofu",
		"LEGATOR_OIDC_ENABLED":              "true",
		"LEGATOR_OIDC_CLIENT_ID":            "client-123",
	}
	for k, v := range envVars {
		os.Setenv(k, v)
		defer os.Unsetenv(k)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != ":1234" {
		t.Errorf("ListenAddr = %q, want :1234", cfg.ListenAddr)
	}
	if cfg.WorkingTreeRoot != "/tmp/trees" {
		t.Errorf("WorkingTreeRoot = %q, want /tmp/trees", cfg.WorkingTreeRoot)
	}
	if !cfg.AuthEnabled {
		t.Error("AuthEnabled should be true")
	}
	if cfg.AI.Provider != "anthropic" || cfg.AI.Model != "claude" {
		t.Errorf("AI = %+v, want provider=anthropic model=claude", cfg.AI)
	}
	if cfg.RateLimit.RequestsPerMinute != 500 {
		t.Errorf("RateLimit.RequestsPerMinute = %d, want 500", cfg.RateLimit.RequestsPerMinute)
	}
	if cfg.AuditRetention != "30d" {
		t.Errorf("AuditRetention = %q, want 30d", cfg.AuditRetention)
	}
	if cfg.MCPEnabled {
		t.Error("MCPEnabled should be false")
	}
	if cfg.Jobs.RetryMaxAttempts != 9 {
		t.Errorf("Jobs.RetryMaxAttempts = %d, want 9", cfg.Jobs.RetryMaxAttempts)
	}
	if cfg.Jobs.RetryMultiplier != 3.5 {
		t.Errorf("Jobs.RetryMultiplier = %v, want 3.5", cfg.Jobs.RetryMultiplier)
	}
	if cfg.StateLock.TTLSeconds != 120 {
		t.Errorf("StateLock.TTLSeconds = %d, want 120", cfg.StateLock.TTLSeconds)
	}
	if cfg.ObjectStorage.Backend != "oci" {
		t.Errorf("ObjectStorage.Backend = %q, want oci", cfg.ObjectStorage.Backend)
	}
	if cfg.ObjectStorage.Bucket != "my-bucket" {
		t.Errorf("ObjectStorage.Bucket = %q, want my-bucket", cfg.ObjectStorage.Bucket)
	}
	if cfg.IaCBinary != "tofu" {
		t.Errorf("IaCBinary = %q, want tofu", cfg.IaCBinary)
	}
	if !cfg.OIDC.Enabled {
		t.Error("OIDC.Enabled should be true")
	}
	if cfg.OIDC.ClientID != "client-123" {
		t.Errorf("OIDC.ClientID = %q, want client-123", cfg.OIDC.ClientID)
	}
}

func TestHasTLS(t *testing.T) {
	cfg := Default()
	if cfg.HasTLS() {
		t.Error("HasTLS() should be false with no cert/key")
	}
	cfg.TLSCert = "/cert.pem"
	cfg.TLSKey = "/key.pem"
	if !cfg.HasTLS() {
		t.Error("HasTLS() should be true with cert and key set")
	}
}

func TestHasAI(t *testing.T) {
	cfg := Default()
	if cfg.HasAI() {
		t.Error("HasAI() should be false with no provider")
	}
	cfg.AI.Provider = "anthropic"
	if !cfg.HasAI() {
		t.Error("HasAI() should be true with a provider set")
	}
}

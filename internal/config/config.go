// Package config provides configuration loading for the deployment engine.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	sigsyaml "sigs.k8s.io/yaml"

	"github.com/skyforge-cloud/deployctl/internal/oidc"
)

// Config holds all deployment-engine configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`
	// Data directory for SQLite databases (default "/var/lib/deployctl")
	DataDir string `json:"data_dir"`
	// Root directory for per-deployment IaC working trees.
	WorkingTreeRoot string `json:"working_tree_root"`

	// TLS settings
	TLSCert string `json:"tls_cert,omitempty"`
	TLSKey  string `json:"tls_key,omitempty"`

	// Auth
	AuthEnabled bool `json:"auth_enabled"`

	// OIDC settings (optional)
	OIDC oidc.Config `json:"oidc,omitempty"`

	// Signing key for HMAC (hex-encoded, 64+ chars)
	SigningKey string `json:"signing_key,omitempty"`

	// AI code-generation service client settings.
	AI AIConfig `json:"ai,omitempty"`

	// Rate limiting
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`

	// External URL the engine advertises to callers (e.g. https://deploy.example.com)
	ExternalURL string `json:"external_url,omitempty"`

	// AuditRetention is a human duration ("90d", "720h") controlling how long
	// audit entries are retained before an operator-run prune; "" disables pruning.
	AuditRetention string `json:"audit_retention,omitempty"`

	// AuditDBDSN selects the audit store backend by scheme: sqlite://, postgres://, mysql://.
	AuditDBDSN string `json:"audit_db_dsn,omitempty"`

	// MCPEnabled exposes deployment operations (plan/apply/status) as MCP tools.
	MCPEnabled bool `json:"mcp_enabled"`

	// Jobs configures the Job Dispatcher's default retry policy.
	Jobs JobsConfig `json:"jobs,omitempty"`

	// StateLock configures the distributed state lock's TTL and table name.
	StateLock StateLockConfig `json:"state_lock,omitempty"`

	// ObjectStorage configures where IaC state blobs are persisted.
	ObjectStorage ObjectStorageConfig `json:"object_storage,omitempty"`

	// IaCBinary is the external IaC CLI invoked by the lifecycle manager (default "terraform").
	IaCBinary string `json:"iac_binary,omitempty"`

	// Notification configures outbound delivery on terminal states and approval requests.
	Notification NotificationConfig `json:"notification,omitempty"`

	// DriftCheckSchedule controls how often deployed resources are
	// re-checked for drift. Accepts a Go duration ("1h") or a standard
	// five-field cron expression ("0 */6 * * *"). Empty disables the sweep.
	DriftCheckSchedule string `json:"drift_check_schedule,omitempty"`

	// HealthCheck configures the HEALTH_CHECK stage's resource health probe.
	HealthCheck HealthCheckConfig `json:"health_check,omitempty"`

	// MaxOutputBytes caps captured subprocess stdout/stderr per stream
	// (default 8 MiB); excess is truncated with a marker.
	MaxOutputBytes int `json:"max_output_bytes,omitempty"`
}

// HealthCheckConfig selects and parameterizes the HEALTH_CHECK stage's
// HealthChecker implementation.
type HealthCheckConfig struct {
	// KubernetesEnabled wires a live Kubernetes API probe for
	// kubernetes_* resource types; everything else still reports healthy.
	// When false, all resources use the mock (assumed-healthy) checker.
	KubernetesEnabled bool `json:"kubernetes_enabled"`
	// KubernetesNamespace is the fallback namespace for resource
	// identifiers that don't carry their own "namespace/name" prefix.
	KubernetesNamespace string `json:"kubernetes_namespace,omitempty"`
}

// AIConfig configures the AI code-generation service client.
type AIConfig struct {
	Provider string `json:"provider,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Model    string `json:"model,omitempty"`
}

// RateLimitConfig configures per-key rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute"`
}

// JobsConfig configures the Job Dispatcher's default retry policy.
type JobsConfig struct {
	RetryMaxAttempts    int     `json:"retry_max_attempts,omitempty"`
	RetryInitialBackoff string  `json:"retry_initial_backoff,omitempty"`
	RetryMultiplier     float64 `json:"retry_multiplier,omitempty"`
	RetryMaxBackoff     string  `json:"retry_max_backoff,omitempty"`
}

// StateLockConfig configures the distributed IaC state lock.
type StateLockConfig struct {
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
	TableName  string `json:"table_name,omitempty"`
}

// ObjectStorageConfig configures the IaC state blob backend.
type ObjectStorageConfig struct {
	Backend   string `json:"backend,omitempty"` // "local" or "oci"
	Bucket    string `json:"bucket,omitempty"`
	Region    string `json:"region,omitempty"`
	LocalRoot string `json:"local_root,omitempty"`
	OCIRef    string `json:"oci_ref,omitempty"` // registry ref prefix, e.g. "registry.example.com/deploy-state"
}

// NotificationConfig configures outbound delivery.
type NotificationConfig struct {
	SlackWebhookURL string `json:"slack_webhook_url,omitempty"`
	GenericWebhook  string `json:"generic_webhook,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		DataDir:         "/var/lib/deployctl",
		WorkingTreeRoot: "/var/lib/deployctl",
		LogLevel:        "info",
		OIDC:            oidc.DefaultConfig(),
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
		},
		AuditDBDSN: "sqlite:///var/lib/deployctl/audit.db",
		MCPEnabled: true,
		Jobs: JobsConfig{
			RetryMaxAttempts:    5,
			RetryInitialBackoff: "2s",
			RetryMultiplier:     2.0,
			RetryMaxBackoff:     "5m",
		},
		StateLock: StateLockConfig{
			TTLSeconds: 15 * 60,
			TableName:  "state_locks",
		},
		ObjectStorage: ObjectStorageConfig{
			Backend:   "local",
			Bucket:    "deployctl-state",
			LocalRoot: "/var/lib/deployctl/objects",
		},
		IaCBinary:          "terraform",
		DriftCheckSchedule: "1h",
		MaxOutputBytes:     8 << 20,
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	// Load from file if it exists. .yaml/.yml files are converted to JSON
	// first (sigs.k8s.io/yaml round-trips through the struct's json tags,
	// so no parallel yaml tag set is needed), everything else is parsed
	// as JSON directly.
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			if err := sigsyaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	// Environment variable overrides
	if v := os.Getenv("DEPLOYCTL_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DEPLOYCTL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DEPLOYCTL_WORKING_TREE_ROOT"); v != "" {
		cfg.WorkingTreeRoot = v
	}
	if v := os.Getenv("DEPLOYCTL_TLS_CERT"); v != "" {
		cfg.TLSCert = v
	}
	if v := os.Getenv("DEPLOYCTL_TLS_KEY"); v != "" {
		cfg.TLSKey = v
	}
	if v := os.Getenv("DEPLOYCTL_AUTH"); v != "" {
		cfg.AuthEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("DEPLOYCTL_SIGNING_KEY"); v != "" {
		cfg.SigningKey = v
	}
	if v := os.Getenv("DEPLOYCTL_AI_PROVIDER"); v != "" {
		cfg.AI.Provider = v
	}
	if v := os.Getenv("DEPLOYCTL_AI_BASE_URL"); v != "" {
		cfg.AI.BaseURL = v
	}
	if v := os.Getenv("DEPLOYCTL_AI_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("DEPLOYCTL_AI_MODEL"); v != "" {
		cfg.AI.Model = v
	}
	if v := os.Getenv("DEPLOYCTL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DEPLOYCTL_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("DEPLOYCTL_EXTERNAL_URL"); v != "" {
		cfg.ExternalURL = v
	}
	if v := os.Getenv("DEPLOYCTL_AUDIT_RETENTION"); v != "" {
		cfg.AuditRetention = v
	}
	if v := os.Getenv("AUDIT_DB_DSN"); v != "" {
		cfg.AuditDBDSN = v
	}
	if v := os.Getenv("DEPLOYCTL_MCP_ENABLED"); v != "" {
		cfg.MCPEnabled = parseBoolDefault(v, cfg.MCPEnabled)
	}
	if v := os.Getenv("DEPLOYCTL_JOBS_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Jobs.RetryMaxAttempts = n
		}
	}
	if v := os.Getenv("DEPLOYCTL_JOBS_RETRY_INITIAL_BACKOFF"); v != "" {
		cfg.Jobs.RetryInitialBackoff = v
	}
	if v := os.Getenv("DEPLOYCTL_JOBS_RETRY_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Jobs.RetryMultiplier = f
		}
	}
	if v := os.Getenv("DEPLOYCTL_JOBS_RETRY_MAX_BACKOFF"); v != "" {
		cfg.Jobs.RetryMaxBackoff = v
	}
	if v := os.Getenv("STATE_LOCK_TTL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StateLock.TTLSeconds = n
		}
	}
	if v := os.Getenv("DEPLOYCTL_OBJECT_STORAGE_BACKEND"); v != "" {
		cfg.ObjectStorage.Backend = v
	}
	if v := os.Getenv("DEPLOYCTL_OBJECT_STORAGE_BUCKET"); v != "" {
		cfg.ObjectStorage.Bucket = v
	}
	if v := os.Getenv("DEPLOYCTL_OBJECT_STORAGE_REGION"); v != "" {
		cfg.ObjectStorage.Region = v
	}
	if v := os.Getenv("DEPLOYCTL_IAC_BINARY"); v != "" {
		cfg.IaCBinary = v
	}
	if v := os.Getenv("DEPLOYCTL_SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notification.SlackWebhookURL = v
	}
	if v := os.Getenv("DEPLOYCTL_GENERIC_WEBHOOK_URL"); v != "" {
		cfg.Notification.GenericWebhook = v
	}
	if v := os.Getenv("DEPLOYCTL_DRIFT_CHECK_SCHEDULE"); v != "" {
		cfg.DriftCheckSchedule = v
	}
	if v := os.Getenv("DEPLOYCTL_KUBERNETES_HEALTH_ENABLED"); v != "" {
		cfg.HealthCheck.KubernetesEnabled = parseBoolDefault(v, cfg.HealthCheck.KubernetesEnabled)
	}
	if v := os.Getenv("DEPLOYCTL_KUBERNETES_NAMESPACE"); v != "" {
		cfg.HealthCheck.KubernetesNamespace = v
	}
	if v := os.Getenv("DEPLOYCTL_MAX_OUTPUT_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxOutputBytes = n
		}
	}

	cfg.OIDC = oidc.ApplyEnv(cfg.OIDC)

	return cfg, nil
}

func parseBoolDefault(raw string, fallback bool) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasTLS returns true if TLS is configured.
func (c Config) HasTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// HasAI returns true if an AI provider is configured.
func (c Config) HasAI() bool {
	return c.AI.Provider != ""
}

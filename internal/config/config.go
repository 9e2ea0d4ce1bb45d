// Package config loads the sync engine's configuration through a
// layered koanf stack: built-in defaults, then an optional YAML file,
// then environment variable overrides, extended with an env layer since
// this engine is deployed container-native where env vars are the
// operator's primary lever.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the fully resolved set of recognized options, plus the
// ambient connection settings (Redis, Postgres, listen address) the
// daemon needs at startup.
type Config struct {
	// Ambient connection settings.
	RedisAddr string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB int `koanf:"redis_db"`
	PostgresDSN string `koanf:"postgres_dsn"`
	ListenAddr string `koanf:"listen_addr"`

	// Directory / auth settings the token service needs.
	DirectoryTenantID string `koanf:"directory_tenant_id"`
	DirectoryTokenURL string `koanf:"directory_token_url"`
	DirectoryClientID string `koanf:"directory_client_id"`
	DirectoryClientSecret string `koanf:"directory_client_secret"`
	DirectoryScope string `koanf:"directory_scope"`
	DelegatedUsername string `koanf:"delegated_username"`
	DelegatedPassword string `koanf:"delegated_password"`
	PlannerBaseURL string `koanf:"planner_base_url"`
	PlannerRequestsPerSec float64 `koanf:"planner_requests_per_second"`
	PlannerBurst int `koanf:"planner_burst"`

	// Sync behavior settings.
	DefaultPlanID string `koanf:"default_plan_id"`
	DefaultBucketID string `koanf:"default_bucket_id"`
	UserIDMap map[string]string `koanf:"user_id_map"`
	WebhookPublicURL string `koanf:"webhook_public_url"`
	WebhookClientStatePrefix string `koanf:"webhook_client_state_prefix"`
	PollIntervalActive time.Duration `koanf:"poll_interval_active"`
	PollIntervalQuiet time.Duration `koanf:"poll_interval_quiet"`
	UploadWorkers int `koanf:"upload_workers"`
	DownloadWorkers int `koanf:"download_workers"`
	ConflictGraceWindow time.Duration `koanf:"conflict_grace_window"`
	HealthTTL time.Duration `koanf:"health_ttl"`
	PendingOpsSoftLimit int64 `koanf:"pending_ops_soft_limit"`
}

func defaults() map[string]any {
	return map[string]any{
		"redis_addr": "localhost:6379",
		"redis_db": 0,
		"listen_addr": ":8443",
		"poll_interval_active": "60s",
		"poll_interval_quiet": "30m",
		"upload_workers": 4,
		"download_workers": 4,
		"conflict_grace_window": "30s",
		"health_ttl": "300s",
		"pending_ops_soft_limit": 10000,
		"webhook_client_state_prefix": "tasksync",
		"planner_requests_per_second": 1.0,
		"planner_burst": 5,
	}
}

// Load resolves configuration from defaults, an optional YAML file at
// path (skipped if path is empty; a file that cannot be loaded is an
// error), and TASKSYNC_-prefixed
// environment variables, in that override order.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: "TASKSYNC_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "TASKSYNC_"))
			key = strings.ReplaceAll(key, "__", ".")
			return key, value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.DefaultPlanID == "" {
		return nil, fmt.Errorf("config: default_plan_id is required")
	}
	if cfg.WebhookPublicURL == "" {
		return nil, fmt.Errorf("config: webhook_public_url is required")
	}

	return &cfg, nil
}

package internal

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig represents the main application configuration.
type AppConfig struct {
	// Server holds HTTP server configuration.
	Server struct {
		Port           int    `yaml:"port"`
		ReadTimeoutMS  int64  `yaml:"read_timeout_ms"`
		WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
		IdleTimeoutMS  int64  `yaml:"idle_timeout_ms"`
		ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
		MaxBodyBytes   int64  `yaml:"max_body_bytes"`
		RateLimitRPS   int64  `yaml:"rate_limit_rps"`
		RateLimitBurst int64  `yaml:"rate_limit_burst"`
		MetricsEnabled bool   `yaml:"metrics_enabled"`
		MetricsPath    string `yaml:"metrics_path"`
		DebugEvents    bool   `yaml:"debug_events"`
	} `yaml:"server"`
	// Providers contains configuration for each Git provider.
	Providers struct {
		GitHub    GitHubConfig    `yaml:"github"`
		GitLab    GitLabConfig    `yaml:"gitlab"`
		Bitbucket BitbucketConfig `yaml:"bitbucket"`
	} `yaml:"providers"`
	// Storage configures the installation store.
	Storage StorageConfig `yaml:"storage"`
	// Sync configures full reconciliation runs.
	Sync SyncConfig `yaml:"sync"`
	// Recovery configures the error recovery orchestrator and its queue.
	Recovery RecoveryConfig `yaml:"recovery"`
}

// Config is the full application configuration including filter rules.
type Config struct {
	AppConfig `yaml:",inline"`
	Rules     []Rule `yaml:"rules"`
}

// GitHubConfig configures the GitHub App integration.
type GitHubConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Path           string `yaml:"path"`
	Secret         string `yaml:"secret"`
	AppID          int64  `yaml:"app_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	BaseURL        string `yaml:"base_url"`
}

// GitLabConfig configures the GitLab integration.
type GitLabConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"`
}

// BitbucketConfig configures the Bitbucket integration.
type BitbucketConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Token       string `yaml:"token"`
	Username    string `yaml:"username"`
	AppPassword string `yaml:"app_password"`
}

// StorageConfig configures the installation store database.
type StorageConfig struct {
	Driver            string `yaml:"driver"`
	DSN               string `yaml:"dsn"`
	Dialect           string `yaml:"dialect"`
	InstallationTable string `yaml:"installation_table"`
	RepositoryTable   string `yaml:"repository_table"`
	AutoMigrate       bool   `yaml:"auto_migrate"`
}

// SyncConfig configures full reconciliation runs.
type SyncConfig struct {
	TimeoutMS int64 `yaml:"timeout_ms"`
}

// RecoveryConfig configures retry policy and the recovery queue.
type RecoveryConfig struct {
	Attempts      int   `yaml:"attempts"`
	BackoffBaseMS int64 `yaml:"backoff_base_ms"`
	BackoffCapMS  int64 `yaml:"backoff_cap_ms"`
	QueueBuffer   int64 `yaml:"queue_buffer"`
}

// LoadConfig loads the application configuration from a YAML file. It expands
// environment variables, applies defaults, and normalizes rules.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, err
	}

	applyDefaults(&cfg.AppConfig)
	normalized, err := normalizeRules(cfg.Rules)
	if err != nil {
		return cfg, err
	}
	cfg.Rules = normalized

	return cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeoutMS == 0 {
		cfg.Server.ReadTimeoutMS = 5000
	}
	if cfg.Server.WriteTimeoutMS == 0 {
		cfg.Server.WriteTimeoutMS = 10000
	}
	if cfg.Server.IdleTimeoutMS == 0 {
		cfg.Server.IdleTimeoutMS = 60000
	}
	if cfg.Server.ReadHeaderMS == 0 {
		cfg.Server.ReadHeaderMS = 5000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Providers.GitHub.Path == "" {
		cfg.Providers.GitHub.Path = "/webhooks/github"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "file:platyfend.db?_pragma=busy_timeout(5000)"
	}
	if cfg.Sync.TimeoutMS == 0 {
		cfg.Sync.TimeoutMS = 120000
	}
	if cfg.Recovery.Attempts == 0 {
		cfg.Recovery.Attempts = 3
	}
	if cfg.Recovery.BackoffBaseMS == 0 {
		cfg.Recovery.BackoffBaseMS = 1000
	}
	if cfg.Recovery.BackoffCapMS == 0 {
		cfg.Recovery.BackoffCapMS = 30000
	}
	if cfg.Recovery.QueueBuffer == 0 {
		cfg.Recovery.QueueBuffer = 64
	}
}

func normalizeRules(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i := range rules {
		rule := rules[i]
		rule.When = strings.TrimSpace(rule.When)
		rule.Effect = strings.TrimSpace(rule.Effect)
		if rule.When == "" {
			return nil, fmt.Errorf("rule %d is missing when", i)
		}
		for name, selector := range rule.Let {
			trimmed := strings.TrimSpace(selector)
			if trimmed == "" {
				return nil, fmt.Errorf("rule %d binding %s is empty", i, name)
			}
			rule.Let[name] = trimmed
		}
		out = append(out, rule)
	}
	return out, nil
}

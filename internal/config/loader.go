package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/payhook/internal/payment"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file, or from config.yaml
// inside a directory. A .env file next to the config supplies values for
// ${VAR} placeholders not set in the process environment.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	dotenv, err := readDotEnv(filepath.Join(filepath.Dir(absPath), ".env"))
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath, dotenv)
	if err != nil {
		return nil, err
	}
	cfg.SourceFile = absPath

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority order: $PAYHOOK_CONFIG, ~/.config/payhook/config.yaml, /etc/payhook/config.yaml, ./config.yaml
func Discover() (string, error) {
	if p := os.Getenv("PAYHOOK_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	candidates := make([]string, 0, 3)
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "payhook", "config.yaml"))
	}
	candidates = append(candidates, "/etc/payhook/config.yaml", "./config.yaml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $PAYHOOK_CONFIG, ~/.config/payhook, /etc/payhook, ./config.yaml)")
}

func readDotEnv(path string) (map[string]string, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return vars, nil
}

// loadConfigFile loads and parses a single config file.
func loadConfigFile(path string, dotenv map[string]string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data), dotenv)

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.Ingest.Listen == "" {
		cfg.Ingest.Listen = defaults.Ingest.Listen
	}
	if cfg.Ingest.Deadline == 0 {
		cfg.Ingest.Deadline = defaults.Ingest.Deadline
	}
	if cfg.Ingest.MaxBodySize == "" {
		cfg.Ingest.MaxBodySize = defaults.Ingest.MaxBodySize
	}
	for name, p := range cfg.Ingest.Providers {
		if p.Path == "" {
			p.Path = DefaultProviderPath(name)
		}
		cfg.Ingest.Providers[name] = p
	}

	if cfg.Dedup.PendingTimeout == 0 {
		cfg.Dedup.PendingTimeout = defaults.Dedup.PendingTimeout
	}
	if cfg.Dedup.CacheTTL == 0 {
		cfg.Dedup.CacheTTL = defaults.Dedup.CacheTTL
	}

	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = defaults.Queue.MaxAttempts
	}
	if cfg.Queue.BackoffBase == 0 {
		cfg.Queue.BackoffBase = defaults.Queue.BackoffBase
	}
	if cfg.Queue.BackoffCap == 0 {
		cfg.Queue.BackoffCap = defaults.Queue.BackoffCap
	}

	if cfg.Workers.Count == 0 {
		cfg.Workers.Count = defaults.Workers.Count
	}
	if cfg.Workers.Lease == 0 {
		cfg.Workers.Lease = defaults.Workers.Lease
	}
	if cfg.Workers.PollInterval == 0 {
		cfg.Workers.PollInterval = defaults.Workers.PollInterval
	}

	if cfg.Sweeper.Interval == 0 {
		cfg.Sweeper.Interval = defaults.Sweeper.Interval
	}
	if cfg.Sweeper.Retention == 0 {
		cfg.Sweeper.Retention = defaults.Sweeper.Retention
	}
	if cfg.Sweeper.OrphanAge == 0 {
		cfg.Sweeper.OrphanAge = cfg.Dedup.PendingTimeout
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values, falling
// back to dotenv. Undefined variables are left as-is (not expanded).
func interpolateEnv(input string, dotenv map[string]string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		if value, exists := dotenv[varName]; exists {
			return value
		}
		// Left in place; validate rejects it where a value is required.
		return match
	})
}

// validate performs validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if err := validateIngest(&cfg.Ingest); err != nil {
		return err
	}

	if cfg.Dedup.PendingTimeout < 0 {
		return fmt.Errorf("dedup.pending_timeout must be positive")
	}
	if err := checkUnresolved("dedup.redis_url", cfg.Dedup.RedisURL); err != nil {
		return err
	}

	if cfg.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if cfg.Queue.BackoffBase <= 0 || cfg.Queue.BackoffCap <= 0 {
		return fmt.Errorf("queue.backoff_base and queue.backoff_cap must be positive")
	}
	if cfg.Queue.BackoffCap < cfg.Queue.BackoffBase {
		return fmt.Errorf("queue.backoff_cap (%s) must not be below queue.backoff_base (%s)", cfg.Queue.BackoffCap, cfg.Queue.BackoffBase)
	}

	if cfg.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1")
	}
	if cfg.Workers.Lease <= 0 || cfg.Workers.PollInterval <= 0 {
		return fmt.Errorf("workers.lease and workers.poll_interval must be positive")
	}

	if cfg.Sweeper.Retention <= cfg.Dedup.PendingTimeout {
		return fmt.Errorf("sweeper.retention (%s) must exceed dedup.pending_timeout (%s)", cfg.Sweeper.Retention, cfg.Dedup.PendingTimeout)
	}

	if k := cfg.DeadLetter.Kafka; k != nil {
		if len(k.Brokers) == 0 {
			return fmt.Errorf("deadletter.kafka.brokers must be non-empty")
		}
		if k.Topic == "" {
			return fmt.Errorf("deadletter.kafka.topic is required")
		}
	}

	if cfg.API.Enabled {
		if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth requires api_key or tokens when the API is enabled")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := checkUnresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	return nil
}

func validateIngest(ic *IngestConfig) error {
	if ic.Listen == "" {
		return fmt.Errorf("ingest.listen is required")
	}
	if ic.Deadline <= 0 {
		return fmt.Errorf("ingest.deadline must be positive")
	}
	if _, err := ParseSize(ic.MaxBodySize); err != nil {
		return fmt.Errorf("ingest.max_body_size: %w", err)
	}
	if len(ic.Providers) == 0 {
		return fmt.Errorf("ingest.providers must configure at least one provider")
	}

	names := make([]string, 0, len(ic.Providers))
	for name := range ic.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	paths := make(map[string]string, len(names))
	for _, name := range names {
		p := ic.Providers[name]
		field := "ingest.providers." + name

		provider, err := payment.ParseProvider(name)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		if !strings.HasPrefix(p.Path, "/") {
			return fmt.Errorf("%s.path must start with / (got %q)", field, p.Path)
		}
		if other, dup := paths[p.Path]; dup {
			return fmt.Errorf("%s.path %q already used by %s", field, p.Path, other)
		}
		paths[p.Path] = name

		if p.MaxBodySize != "" {
			if _, err := ParseSize(p.MaxBodySize); err != nil {
				return fmt.Errorf("%s.max_body_size: %w", field, err)
			}
		}
		if p.Tolerance < 0 {
			return fmt.Errorf("%s.tolerance must be positive", field)
		}

		switch provider {
		case payment.ProviderStripe, payment.ProviderOther:
			if p.Secret == "" {
				return fmt.Errorf("%s.secret is required", field)
			}
			if err := checkUnresolved(field+".secret", p.Secret); err != nil {
				return err
			}
		case payment.ProviderPayPal:
			if p.WebhookID == "" {
				return fmt.Errorf("%s.webhook_id is required", field)
			}
			if err := checkUnresolved(field+".webhook_id", p.WebhookID); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkUnresolved rejects values that still carry a ${VAR} placeholder, so
// a missing secret fails at startup instead of at the first webhook.
func checkUnresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

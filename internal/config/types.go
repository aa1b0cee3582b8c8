package config

import "time"

// Config represents the complete payhook configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	State      StateConfig      `yaml:"state"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Queue      QueueConfig      `yaml:"queue"`
	Workers    WorkersConfig    `yaml:"workers"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
	DeadLetter DeadLetterConfig `yaml:"deadletter"`
	API        APIConfig        `yaml:"api,omitempty"`

	// SourceFile is the absolute path the config was loaded from.
	SourceFile string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// IngestConfig defines the webhook listener.
type IngestConfig struct {
	Listen      string                    `yaml:"listen"`
	Deadline    time.Duration             `yaml:"deadline"`
	MaxBodySize string                    `yaml:"max_body_size"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig configures one payment provider endpoint. Keys of
// IngestConfig.Providers are provider names: stripe, paypal or other.
type ProviderConfig struct {
	// Path defaults to /webhooks/<provider>
	Path string `yaml:"path,omitempty"`

	// Secret is the signing secret (stripe, other)
	Secret string `yaml:"secret,omitempty"`

	// WebhookID is the PayPal webhook id included in the signed message
	WebhookID    string        `yaml:"webhook_id,omitempty"`
	CertHosts    []string      `yaml:"cert_hosts,omitempty"`
	CertCacheTTL time.Duration `yaml:"cert_cache_ttl,omitempty"`

	// SignatureHeader and TimestampHeader apply to the generic HMAC provider
	SignatureHeader string `yaml:"signature_header,omitempty"`
	TimestampHeader string `yaml:"timestamp_header,omitempty"`

	Tolerance time.Duration `yaml:"tolerance,omitempty"`

	// OrderReferenceField is the Stripe metadata key holding the order reference
	OrderReferenceField string `yaml:"order_reference_field,omitempty"`

	// DisputeReference is the Stripe dispute field (payment_intent or charge)
	// used as the order reference when dispute metadata has none
	DisputeReference string `yaml:"dispute_reference,omitempty"`

	MaxBodySize string `yaml:"max_body_size,omitempty"`
}

// DedupConfig defines dedup store settings.
type DedupConfig struct {
	PendingTimeout time.Duration `yaml:"pending_timeout"`
	RedisURL       string        `yaml:"redis_url,omitempty"`
	CacheTTL       time.Duration `yaml:"cache_ttl,omitempty"`
}

// QueueConfig defines retry behavior for queued events.
type QueueConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
}

// WorkersConfig defines the reconciliation worker pool.
type WorkersConfig struct {
	Count        int           `yaml:"count"`
	Lease        time.Duration `yaml:"lease"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SweeperConfig defines dedup retention.
type SweeperConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Retention time.Duration `yaml:"retention"`
	OrphanAge time.Duration `yaml:"orphan_age"`
}

// DeadLetterConfig defines where dead letters are mirrored.
type DeadLetterConfig struct {
	Kafka *KafkaConfig `yaml:"kafka,omitempty"`
}

// KafkaConfig defines the dead-letter topic.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// APIConfig defines the admin HTTP API.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (admin/full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns a Config with the service defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "payhook",
			LogLevel: "info",
		},
		State: StateConfig{
			Path: "./data/payhook.db",
		},
		Ingest: IngestConfig{
			Listen:      "0.0.0.0:8080",
			Deadline:    10 * time.Second,
			MaxBodySize: "1MB",
			Providers:   make(map[string]ProviderConfig),
		},
		Dedup: DedupConfig{
			PendingTimeout: 15 * time.Minute,
			CacheTTL:       24 * time.Hour,
		},
		Queue: QueueConfig{
			MaxAttempts: 10,
			BackoffBase: 30 * time.Second,
			BackoffCap:  time.Hour,
		},
		Workers: WorkersConfig{
			Count:        4,
			Lease:        2 * time.Minute,
			PollInterval: time.Second,
		},
		Sweeper: SweeperConfig{
			Interval:  10 * time.Minute,
			Retention: 30 * 24 * time.Hour,
			OrphanAge: 15 * time.Minute,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8081",
		},
	}
}

// DefaultProviderPath is the URL path used when a provider sets none.
func DefaultProviderPath(name string) string {
	return "/webhooks/" + name
}

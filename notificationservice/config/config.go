package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	IdempotencySQL       = "sql"
	IdempotencyFirestore = "firestore"
)

type DatabaseConfig struct {
	Driver       string
	DSN          string
	MaxOpenConns int
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
}

type APNSConfig struct {
	KeyFile    string
	KeyID      string
	TeamID     string
	BundleID   string
	Production bool
}

// Enabled reports whether enough is configured to talk to APNs directly.
// Without it iOS devices are served through FCM.
func (c APNSConfig) Enabled() bool {
	return c.KeyFile != "" && c.KeyID != "" && c.TeamID != "" && c.BundleID != ""
}

type FirebaseConfig struct {
	// CredentialsFile holds the default service account. Empty means
	// application default credentials.
	CredentialsFile string
	Disabled        bool
}

type DispatchConfig struct {
	QueueSize      int
	MaxConcurrency int
	MaxInFlight    int64
	ChunkSize      int
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	SendTimeout    time.Duration
	RatePerSecond  float64
	RateBurst      int
	RecoveryAge    time.Duration
}

type WebhookConfig struct {
	PollInterval     time.Duration
	Timeout          time.Duration
	BatchSize        int
	FailureThreshold int
	MaxAttempts      int
}

type IdempotencyConfig struct {
	Backend string
	TTL     time.Duration
}

type MaintenanceConfig struct {
	StaleDeviceAge   time.Duration
	WebhookRetention time.Duration
	RecoverySchedule string
	PurgeSchedule    string
}

type CorsConfig struct {
	AllowedOrigins []string
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	TopicID                string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int

	Cors        CorsConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Vapid       VapidConfig
	APNS        APNSConfig
	Firebase    FirebaseConfig
	Dispatch    DispatchConfig
	Webhook     WebhookConfig
	Idempotency IdempotencyConfig
	Maintenance MaintenanceConfig
}

// PubsubEnabled reports whether the Pub/Sub ingestion path is configured.
func (c *Config) PubsubEnabled() bool {
	return c.SubscriptionID != ""
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	envString(logger, "PROJECT_ID", &cfg.ProjectID)
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	envString(logger, "TOPIC_ID", &cfg.TopicID)
	envString(logger, "SUBSCRIPTION_ID", &cfg.SubscriptionID)
	envString(logger, "SUBSCRIPTION_DLQ_TOPIC_ID", &cfg.SubscriptionDLQTopicID)
	envInt(logger, "NUM_PIPELINE_WORKERS", &cfg.NumPipelineWorkers)

	envString(logger, "DATABASE_DRIVER", &cfg.Database.Driver)
	envString(logger, "DATABASE_DSN", &cfg.Database.DSN)

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		logger.Debug("Overriding config value", "key", "REDIS_ADDR", "source", "env")
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	envString(logger, "REDIS_PASSWORD", &cfg.Redis.Password)
	envInt(logger, "REDIS_DB", &cfg.Redis.DB)
	envBool(logger, "REDIS_ENABLED", &cfg.Redis.Enabled)

	envString(logger, "VAPID_PUBLIC_KEY", &cfg.Vapid.PublicKey)
	envString(logger, "VAPID_PRIVATE_KEY", &cfg.Vapid.PrivateKey)
	envString(logger, "VAPID_SUB_EMAIL", &cfg.Vapid.SubscriberEmail)

	envString(logger, "APNS_KEY_FILE", &cfg.APNS.KeyFile)
	envString(logger, "APNS_KEY_ID", &cfg.APNS.KeyID)
	envString(logger, "APNS_TEAM_ID", &cfg.APNS.TeamID)
	envString(logger, "APNS_BUNDLE_ID", &cfg.APNS.BundleID)
	envBool(logger, "APNS_PRODUCTION", &cfg.APNS.Production)

	envString(logger, "FIREBASE_CREDENTIALS_FILE", &cfg.Firebase.CredentialsFile)
	envString(logger, "IDEMPOTENCY_BACKEND", &cfg.Idempotency.Backend)
	envInt(logger, "WEBHOOK_FAILURE_THRESHOLD", &cfg.Webhook.FailureThreshold)

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		var cleanOrigins []string
		for _, o := range strings.Split(corsOrigins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.Cors.AllowedOrigins = cleanOrigins
	}

	applyDefaults(cfg)

	// Final Validation
	switch cfg.Idempotency.Backend {
	case IdempotencySQL, IdempotencyFirestore:
	default:
		return nil, fmt.Errorf("idempotency backend %q is not one of %s, %s", cfg.Idempotency.Backend, IdempotencySQL, IdempotencyFirestore)
	}
	needsProject := cfg.PubsubEnabled() || cfg.Idempotency.Backend == IdempotencyFirestore
	if needsProject && cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.PubsubEnabled() && cfg.TopicID == "" {
		return nil, fmt.Errorf("topic_id is required when subscription_id is set")
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis is enabled but no address is configured")
	}
	if (cfg.Vapid.PublicKey == "") != (cfg.Vapid.PrivateKey == "") {
		return nil, fmt.Errorf("vapid public and private keys must be set together")
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 10 * time.Minute
	}
	if cfg.Idempotency.Backend == "" {
		cfg.Idempotency.Backend = IdempotencySQL
	}
	if cfg.Idempotency.TTL <= 0 {
		cfg.Idempotency.TTL = 24 * time.Hour
	}
	if cfg.Webhook.FailureThreshold <= 0 {
		cfg.Webhook.FailureThreshold = 10
	}
	if cfg.Webhook.Timeout <= 0 {
		cfg.Webhook.Timeout = 10 * time.Second
	}
	if cfg.Webhook.MaxAttempts <= 0 {
		cfg.Webhook.MaxAttempts = 5
	}
	if cfg.Dispatch.ChunkSize <= 0 {
		cfg.Dispatch.ChunkSize = 500
	}
	if cfg.Dispatch.MaxAttempts <= 0 {
		cfg.Dispatch.MaxAttempts = 3
	}
	if cfg.Dispatch.RecoveryAge <= 0 {
		cfg.Dispatch.RecoveryAge = 5 * time.Minute
	}
	if cfg.Maintenance.StaleDeviceAge <= 0 {
		cfg.Maintenance.StaleDeviceAge = 90 * 24 * time.Hour
	}
	if cfg.Maintenance.WebhookRetention <= 0 {
		cfg.Maintenance.WebhookRetention = 30 * 24 * time.Hour
	}
}

func envString(logger *slog.Logger, key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		logger.Debug("Overriding config value", "key", key, "source", "env")
		*dst = val
	}
}

func envInt(logger *slog.Logger, key string, dst *int) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		logger.Warn("Ignoring non-numeric env value", "key", key)
		return
	}
	logger.Debug("Overriding config value", "key", key, "source", "env")
	*dst = n
}

func envBool(logger *slog.Logger, key string, dst *bool) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		logger.Warn("Ignoring non-boolean env value", "key", key)
		return
	}
	logger.Debug("Overriding config value", "key", key, "source", "env")
	*dst = b
}

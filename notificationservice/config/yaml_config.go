package config

import (
	"log/slog"
	"time"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type YamlDatabaseConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type YamlRedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Enabled  bool          `yaml:"enabled"`
	TTL      time.Duration `yaml:"ttl"`
}

type YamlVapidConfig struct {
	PublicKey       string `yaml:"public_key"`
	PrivateKey      string `yaml:"private_key"`
	SubscriberEmail string `yaml:"subscriber_email"`
}

type YamlAPNSConfig struct {
	KeyFile    string `yaml:"key_file"`
	KeyID      string `yaml:"key_id"`
	TeamID     string `yaml:"team_id"`
	BundleID   string `yaml:"bundle_id"`
	Production bool   `yaml:"production"`
}

type YamlFirebaseConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	Disabled        bool   `yaml:"disabled"`
}

type YamlDispatchConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	MaxInFlight    int64         `yaml:"max_in_flight"`
	ChunkSize      int           `yaml:"chunk_size"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	RateBurst      int           `yaml:"rate_burst"`
	RecoveryAge    time.Duration `yaml:"recovery_age"`
}

type YamlWebhookConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	Timeout          time.Duration `yaml:"timeout"`
	BatchSize        int           `yaml:"batch_size"`
	FailureThreshold int           `yaml:"failure_threshold"`
	MaxAttempts      int           `yaml:"max_attempts"`
}

type YamlIdempotencyConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
}

type YamlMaintenanceConfig struct {
	StaleDeviceAge   time.Duration `yaml:"stale_device_age"`
	WebhookRetention time.Duration `yaml:"webhook_retention"`
	RecoverySchedule string        `yaml:"recovery_schedule"`
	PurgeSchedule    string        `yaml:"purge_schedule"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string                `yaml:"project_id"`
	ListenAddr             string                `yaml:"listen_addr"`
	TopicID                string                `yaml:"topic_id"`
	SubscriptionID         string                `yaml:"subscription_id"`
	SubscriptionDLQTopicID string                `yaml:"subscription_dlq_topic_id"`
	NumPipelineWorkers     int                   `yaml:"num_pipeline_workers"`
	CorsConfig             YamlCorsConfig        `yaml:"cors"`
	DatabaseConfig         YamlDatabaseConfig    `yaml:"database"`
	RedisConfig            YamlRedisConfig       `yaml:"redis"`
	VapidConfig            YamlVapidConfig       `yaml:"vapid"`
	APNSConfig             YamlAPNSConfig        `yaml:"apns"`
	FirebaseConfig         YamlFirebaseConfig    `yaml:"firebase"`
	DispatchConfig         YamlDispatchConfig    `yaml:"dispatch"`
	WebhookConfig          YamlWebhookConfig     `yaml:"webhook"`
	IdempotencyConfig      YamlIdempotencyConfig `yaml:"idempotency"`
	MaintenanceConfig      YamlMaintenanceConfig `yaml:"maintenance"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ProjectID:              baseCfg.ProjectID,
		ListenAddr:             baseCfg.ListenAddr,
		TopicID:                baseCfg.TopicID,
		SubscriptionID:         baseCfg.SubscriptionID,
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
		Cors: CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
		},
		Database: DatabaseConfig(baseCfg.DatabaseConfig),
		Redis: RedisConfig{
			Enabled:  baseCfg.RedisConfig.Enabled,
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			TTL:      baseCfg.RedisConfig.TTL,
		},
		Vapid:       VapidConfig(baseCfg.VapidConfig),
		APNS:        APNSConfig(baseCfg.APNSConfig),
		Firebase:    FirebaseConfig(baseCfg.FirebaseConfig),
		Dispatch:    DispatchConfig(baseCfg.DispatchConfig),
		Webhook:     WebhookConfig(baseCfg.WebhookConfig),
		Idempotency: IdempotencyConfig(baseCfg.IdempotencyConfig),
		Maintenance: MaintenanceConfig(baseCfg.MaintenanceConfig),
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
		"database_driver", cfg.Database.Driver,
	)

	return cfg, nil
}

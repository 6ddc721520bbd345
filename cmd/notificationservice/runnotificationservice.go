package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-notification-dispatch/internal/api"
	"github.com/tinywideclouds/go-notification-dispatch/internal/platform"
	"github.com/tinywideclouds/go-notification-dispatch/internal/platform/apns"
	"github.com/tinywideclouds/go-notification-dispatch/internal/platform/fcm"
	"github.com/tinywideclouds/go-notification-dispatch/internal/platform/web"
	"github.com/tinywideclouds/go-notification-dispatch/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-notification-dispatch/internal/storage/firestore"
	"github.com/tinywideclouds/go-notification-dispatch/internal/storage/sqlstore"
	"github.com/tinywideclouds/go-notification-dispatch/notificationservice"
	"github.com/tinywideclouds/go-notification-dispatch/notificationservice/config"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-notification-dispatch/pkg/notification"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-notification-dispatch")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("Service exited with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		return fmt.Errorf("unmarshal embedded yaml config: %w", err)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		return err
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// --- Storage ---
	db, err := sqlstore.Open(sqlstore.Config(cfg.Database))
	if err != nil {
		return err
	}
	if err := sqlstore.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	store := sqlstore.New(db, logger)
	deps := notificationservice.Dependencies{
		Store:     store,
		Readiness: make(map[string]api.ReadinessCheck),
	}
	logger.Info("Delivery log initialized", "driver", cfg.Database.Driver)

	if cfg.Redis.Enabled {
		redisClient, err := cache.NewRedisClient(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer redisClient.Close()
		deps.Tokens = cache.NewCachedTokenStore(store, redisClient, cfg.Redis.TTL, logger)
		deps.Readiness["redis"] = redisClient.Ping
		logger.Info("TokenStore upgraded", "type", "redis_cached_sql", "ttl", cfg.Redis.TTL)
	}

	if cfg.Idempotency.Backend == config.IdempotencyFirestore {
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return fmt.Errorf("firestore client: %w", err)
		}
		defer fsClient.Close()
		deps.Idempotency = fsStore.NewIdempotencyStore(fsClient)
		logger.Info("Idempotency store initialized", "type", "firestore")
	}

	// --- Providers ---
	providers, err := newProviderRegistry(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	deps.Providers = providers

	// --- Pub/Sub ingestion ---
	if cfg.PubsubEnabled() {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client: %w", err)
		}
		defer psClient.Close()
		sub, err := newIngestionSubscriber(ctx, cfg, psClient, logger)
		if err != nil {
			return err
		}
		deps.Subscriber = sub
	}

	service, err := notificationservice.New(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("service creation failed: %w", err)
	}

	logger.Info("Starting service...")
	if err := service.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return service.Shutdown(shutdownCtx)
}

// newProviderRegistry builds the default provider set. iOS goes direct to
// APNs when a key is configured and through FCM otherwise.
func newProviderRegistry(ctx context.Context, cfg *config.Config, store *sqlstore.Store, logger *slog.Logger) (*platform.Registry, error) {
	defaults := make(dispatch.ProviderSet)
	var fcmPlatforms []notification.Platform

	if cfg.APNS.Enabled() {
		key, err := os.ReadFile(cfg.APNS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read apns key: %w", err)
		}
		p, err := apns.NewProvider(apns.Config{
			KeyID:        cfg.APNS.KeyID,
			TeamID:       cfg.APNS.TeamID,
			BundleID:     cfg.APNS.BundleID,
			P8KeyContent: string(key),
			Production:   cfg.APNS.Production,
		}, logger)
		if err != nil {
			return nil, err
		}
		defaults[notification.PlatformIOS] = p
		logger.Info("APNs provider enabled", "bundle_id", cfg.APNS.BundleID, "production", cfg.APNS.Production)
	}

	if !cfg.Firebase.Disabled {
		var creds []byte
		if cfg.Firebase.CredentialsFile != "" {
			b, err := os.ReadFile(cfg.Firebase.CredentialsFile)
			if err != nil {
				return nil, fmt.Errorf("read firebase credentials: %w", err)
			}
			creds = b
		}
		client, err := fcm.NewMessagingClient(ctx, cfg.ProjectID, creds)
		if err != nil {
			return nil, err
		}
		fcmPlatforms = append(fcmPlatforms, notification.PlatformAndroid)
		if _, ok := defaults[notification.PlatformIOS]; !ok {
			fcmPlatforms = append(fcmPlatforms, notification.PlatformIOS)
		}
		for _, p := range fcmPlatforms {
			defaults[p] = fcm.NewProvider(client, p, logger)
		}
		logger.Info("FCM provider enabled", "platforms", fcmPlatforms)
	}

	if cfg.Vapid.PrivateKey == "" || cfg.Vapid.PublicKey == "" {
		logger.Warn("VAPID keys missing in configuration. Web Push is disabled.")
	} else {
		defaults[notification.PlatformWeb] = web.NewProvider(web.VapidConfig(cfg.Vapid), logger)
		logger.Info("Web Push provider enabled", "public_key", cfg.Vapid.PublicKey)
	}

	factory := func(ctx context.Context, projectID string, credentialsJSON []byte) (fcm.MessagingClient, error) {
		return fcm.NewMessagingClient(ctx, projectID, credentialsJSON)
	}
	var creds platform.CredentialSource
	if len(fcmPlatforms) > 0 {
		creds = store
	}
	return platform.NewRegistry(defaults, fcmPlatforms, creds, factory, logger), nil
}

func newIngestionSubscriber(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (*pubsub.Subscriber, error) {
	subConfig := &pubsubpb.Subscription{
		Name:               convertPubsub(cfg.ProjectID, cfg.SubscriptionID, "subscriptions"),
		Topic:              convertPubsub(cfg.ProjectID, cfg.TopicID, "topics"),
		AckDeadlineSeconds: 30,
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: durationpb.New(10 * time.Second),
			MaximumBackoff: durationpb.New(10 * time.Minute),
		},
		EnableMessageOrdering: false,
	}
	if cfg.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics"),
			MaxDeliveryAttempts: 5,
		}
	}

	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) != codes.AlreadyExists {
			return nil, fmt.Errorf("could not create subscription %s: %w", subConfig.Name, err)
		}
		logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
	}

	sub := psClient.Subscriber(subConfig.Name)
	sub.ReceiveSettings.NumGoroutines = cfg.NumPipelineWorkers
	return sub, nil
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/unusualbob/Unifi-Video-Detection/internal/config"
	"github.com/unusualbob/Unifi-Video-Detection/internal/handlers"
	"github.com/unusualbob/Unifi-Video-Detection/internal/media"
	"github.com/unusualbob/Unifi-Video-Detection/internal/messenger"
	"github.com/unusualbob/Unifi-Video-Detection/internal/notify"
	"github.com/unusualbob/Unifi-Video-Detection/internal/nvr"
	"github.com/unusualbob/Unifi-Video-Detection/internal/recordings"
	"github.com/unusualbob/Unifi-Video-Detection/internal/scheduler"
	"github.com/unusualbob/Unifi-Video-Detection/internal/store"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/auth"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/clients/filehost"
	pkgconfig "github.com/unusualbob/Unifi-Video-Detection/pkg/config"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/logging"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/models"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/monitoring"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/server"
	"github.com/unusualbob/Unifi-Video-Detection/pkg/version"
)

const serviceName = "lookout"

func main() {
	logger := logging.NewLoggerWithService(serviceName)
	pkgconfig.LoadEnv(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx := context.Background()

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to MongoDB")
	}
	defer client.Disconnect(ctx)

	db := store.NewMongo(client.Database(cfg.MongoDatabase))
	if err := db.EnsureIndexes(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to ensure indexes")
	}
	stores := db.Stores()

	// grant-access <pubkey> <level...> is a one-shot operator command.
	if len(os.Args) > 1 && os.Args[1] == "grant-access" {
		if err := grantAccess(ctx, stores.Keys, os.Args[2:]); err != nil {
			logger.WithError(err).Fatal("Failed to grant access")
		}
		logger.Info("Added")
		return
	}

	signer, err := auth.LoadOrGenerateKey(cfg.SigningKeyPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load signing key")
	}
	logger.WithField("identity", signer.PublicKeyHex()).Info("Host identity loaded")

	if err := os.MkdirAll(cfg.ProcessedOutputPath, 0o755); err != nil {
		logger.WithError(err).Fatal("Failed to create output directory")
	}
	processor := &media.Processor{OutputPath: cfg.ProcessedOutputPath, Logger: logger}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.NotifyGatewayURL != "" {
		notifier = notify.NewPush(cfg.NotifyGatewayURL, cfg.NotifyServerKey, stores.NotificationTokens, logger)
	}

	service := &recordings.Service{
		Recordings: stores.Recordings,
		Media:      processor,
		Messenger:  messenger.New(),
		Notifier:   notifier,
		Logger:     logger,
	}

	var catalog *nvr.Client
	if cfg.IsProcessor {
		catalog, err = nvr.New(cfg.NVRHost, cfg.NVREmail, cfg.NVRPassword, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to build NVR client")
		}
		service.Catalog = catalog
	}
	if cfg.IsProcessor && !cfg.IsFileHost {
		service.FileHost = filehost.New(cfg.FileHostURL, signer, logger)
	}

	metrics := monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)
	health := monitoring.NewHealthChecker(serviceName, version.Version)
	health.AddCheck("mongodb", monitoring.MongoHealthCheck(client))

	router := server.SetupServiceRouter(logger, serviceName, health, metrics)

	h := &handlers.Handlers{
		Service:    service,
		Recordings: stores.Recordings,
		Tokens:     stores.Tokens,
		Notifier:   notifier,
		Media:      processor,
		Verifier: &auth.Verifier{
			Keys:       stores.Keys,
			Tokens:     stores.Tokens,
			Replay:     auth.NewMemoryReplayGuard(),
			PublicHost: cfg.PublicHost,
			Failures: metrics.NewCounter(
				"auth_failures_total",
				"Signed requests rejected by the verifier",
				nil,
			).WithLabelValues(),
			Logger: logger,
		},
		Logger: logger,
	}
	if cfg.IsFileHost {
		h.RegisterFileHostRoutes(router)
	}
	if cfg.IsProcessor {
		h.RegisterProcessorRoutes(router)

		sched := &scheduler.Scheduler{
			Config: scheduler.Config{
				IngestInterval:      cfg.IngestInterval,
				DispatchIdleDelay:   cfg.DispatchIdleDelay,
				StuckThreshold:      cfg.StuckThreshold,
				SweepInterval:       cfg.SweepInterval,
				DispatchWaitTimeout: cfg.DispatchWaitTimeout,
			},
			Recordings: stores.Recordings,
			Catalog:    catalog,
			Launcher: &scheduler.BrowserLauncher{
				Browser: cfg.DetectorBrowser,
				BaseURL: cfg.LocalBaseURL,
			},
			Messenger: service.Messenger,
			Metrics:   scheduler.NewMetrics(metrics),
			Logger:    logger,
		}

		// The catalog may be briefly unreachable at boot; the server should
		// still come up while the scheduler retries.
		go func() {
			for {
				err := sched.Start(ctx)
				if err == nil {
					return
				}
				logger.WithError(err).Error("Scheduler failed to start, retrying")
				time.Sleep(30 * time.Second)
			}
		}()
	}

	srvCfg := server.DefaultConfig(serviceName, fmt.Sprintf("%d", cfg.Port))
	if err := server.Start(srvCfg, router, logger); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
}

func grantAccess(ctx context.Context, keys store.KeyStore, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: lookout grant-access <pubkey> <level...>")
	}
	publicKey := args[0]
	if _, err := auth.ParsePublicKey(publicKey); err != nil {
		return err
	}
	levels := make([]models.AccessLevel, 0, len(args)-1)
	for _, raw := range args[1:] {
		level := models.AccessLevel(raw)
		if !models.ValidAccessLevel(level) {
			return fmt.Errorf("unknown access level %q", raw)
		}
		levels = append(levels, level)
	}
	return keys.GrantAccess(ctx, publicKey, levels...)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	app_service "btc-wallet-intel/internal/application/service"
	domain_service "btc-wallet-intel/internal/domain/service"
	"btc-wallet-intel/internal/infrastructure/classifier"
	"btc-wallet-intel/internal/infrastructure/config"
	"btc-wallet-intel/internal/infrastructure/database"
	"btc-wallet-intel/internal/infrastructure/httpapi"
	"btc-wallet-intel/internal/infrastructure/ledger"
	"btc-wallet-intel/internal/infrastructure/logger"
	"btc-wallet-intel/internal/infrastructure/messaging"
	"btc-wallet-intel/internal/infrastructure/metrics"

	"github.com/btcsuite/btcd/chaincfg"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.NewLogger(cfg.App.LogLevel, cfg.App.Env)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	// Create FX application
	app := fx.New(
		// Provide dependencies
		fx.Supply(cfg),
		fx.Supply(log),
		fx.Supply(&cfg.Ledger),
		fx.Supply(&cfg.Mongo),
		fx.Supply(&cfg.Neo4J),
		fx.Supply(&cfg.NATS),
		fx.Supply(&cfg.Crawler),
		fx.Supply(&cfg.Classifier),
		fx.Provide(func(cfg *config.Config) (*chaincfg.Params, error) {
			return cfg.App.ChainParams()
		}),

		// Infrastructure providers
		fx.Provide(
			fx.Annotate(ledger.NewEsploraClient, fx.As(new(ledger.Executor))),
			ledger.NewFetchQueue,
			func(q *ledger.FetchQueue) domain_service.LedgerService { return q },
			database.NewMongoClient,
			database.NewMongoAddressCacheRepository,
			database.NewNeo4JClient,
			database.NewNeo4JWalletRepository,
			messaging.NewNATSClient,
			messaging.NewNATSConsumer,
			messaging.NewNATSPublisher,
			classifier.NewClassifier,
		),

		// Application providers
		fx.Provide(
			app_service.NewAddressSynchronizer,
			app_service.NewWalletApplicationService,
			app_service.NewBlockCrawler,
			func(s *app_service.WalletApplicationService) domain_service.WalletService { return s },
			func(c *app_service.BlockCrawler) domain_service.CrawlerService { return c },
		),

		// Lifecycle hooks, stopped in reverse order
		fx.Invoke(startInfrastructure),
		fx.Invoke(startSyncWorkers),
		fx.Invoke(startCrawler),
		fx.Invoke(startHTTPServer),

		// Configure logging
		fx.WithLogger(func() fxevent.Logger {
			return fxevent.NopLogger
		}),
	)

	// Start the application
	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		log.Error("Failed to start application", zap.Error(err))
		os.Exit(1)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down application...")

	// Stop the application
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Stop(stopCtx); err != nil {
		log.Error("Failed to stop application gracefully", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Application stopped successfully")
}

// startInfrastructure connects the stores and the message bus and starts the fetch queue
func startInfrastructure(
	lifecycle fx.Lifecycle,
	cfg *config.Config,
	mongoClient *database.MongoClient,
	neo4jClient *database.Neo4JClient,
	natsClient *messaging.NATSClient,
	queue *ledger.FetchQueue,
	wallets *app_service.WalletApplicationService,
	log *logger.Logger,
) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := mongoClient.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect to Mongo: %w", err)
			}
			if cfg.Mongo.SetupDatabase {
				if err := mongoClient.SetupDatabase(ctx, cfg.Crawler.StartHeight); err != nil {
					return fmt.Errorf("failed to set up Mongo: %w", err)
				}
			}

			if err := neo4jClient.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect to Neo4J: %w", err)
			}

			if err := natsClient.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}

			queue.Start()
			wallets.StartJanitor()

			log.Info("Infrastructure started",
				zap.String("ledger", cfg.Ledger.BaseURL),
				zap.String("network", cfg.App.Network),
				zap.Bool("nats", cfg.NATS.Enabled))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			wallets.Close()
			if err := queue.Close(ctx); err != nil {
				log.Error("Failed to close fetch queue", zap.Error(err))
			}
			natsClient.Close()
			if err := neo4jClient.Close(ctx); err != nil {
				log.Error("Failed to close Neo4J connection", zap.Error(err))
			}
			return mongoClient.Close(ctx)
		},
	})
}

// startSyncWorkers drains sync requests from NATS with a fixed worker pool
func startSyncWorkers(
	lifecycle fx.Lifecycle,
	cfg *config.Config,
	consumer *messaging.NATSConsumer,
	wallets domain_service.WalletService,
	log *logger.Logger,
) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	lifecycle.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if err := consumer.Subscribe(startCtx); err != nil {
				return fmt.Errorf("failed to subscribe to sync requests: %w", err)
			}

			for i := 0; i < max(cfg.App.WorkerPoolSize, 1); i++ {
				wg.Add(1)
				go func(workerID int) {
					defer wg.Done()
					processSyncRequests(ctx, workerID, consumer.GetMessageChannel(), wallets, log)
				}(i)
			}
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			if err := consumer.Disconnect(); err != nil {
				log.Error("Failed to disconnect NATS consumer", zap.Error(err))
			}
			cancel()

			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

func processSyncRequests(
	ctx context.Context,
	workerID int,
	requests <-chan *messaging.SyncRequest,
	wallets domain_service.WalletService,
	log *logger.Logger,
) {
	for request := range requests {
		wallet, err := wallets.SyncOrFetch(ctx, request.Address, request.Force)
		if err != nil {
			log.Error("Failed to process sync request",
				zap.Int("worker_id", workerID),
				zap.String("address", request.Address),
				zap.Error(err))
			continue
		}
		log.Debug("Processed sync request",
			zap.Int("worker_id", workerID),
			zap.String("address", wallet.Address),
			zap.Int64("total_txs", wallet.TotalTxs))
	}
}

// startCrawler starts the block crawler when it is enabled and always shuts it down on stop
func startCrawler(
	lifecycle fx.Lifecycle,
	cfg *config.Config,
	crawler *app_service.BlockCrawler,
	log *logger.Logger,
) {
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !cfg.Crawler.Enabled {
				log.Info("Block crawler is disabled, start it through the API")
				return nil
			}
			return crawler.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return crawler.Shutdown(ctx)
		},
	})
}

// startHTTPServer serves the API, health and metrics routes
func startHTTPServer(
	lifecycle fx.Lifecycle,
	cfg *config.Config,
	wallets domain_service.WalletService,
	crawler domain_service.CrawlerService,
	mongoClient *database.MongoClient,
	neo4jClient *database.Neo4JClient,
	natsClient *messaging.NATSClient,
	log *logger.Logger,
) {
	bounded := func(check httpapi.HealthCheck) httpapi.HealthCheck {
		return func(ctx context.Context) bool {
			ctx, cancel := context.WithTimeout(ctx, cfg.Health.Timeout)
			defer cancel()
			return check(ctx)
		}
	}
	checks := map[string]httpapi.HealthCheck{
		"mongo": bounded(mongoClient.IsConnected),
		"neo4j": bounded(neo4jClient.IsConnected),
	}
	if cfg.NATS.Enabled {
		checks["nats"] = func(context.Context) bool { return natsClient.IsConnected() }
	}
	server := httpapi.NewServer(wallets, crawler, checks, httpapi.Options{
		Metrics:   cfg.Metrics.Enabled,
		RateLimit: rate.Limit(cfg.App.APIRateLimit),
		RateBurst: cfg.App.APIRateBurst,
	}, log)

	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := server.Start(fmt.Sprintf(":%d", cfg.App.HTTPPort)); err != nil {
					log.Error("HTTP server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("Stopping HTTP server...")
			return server.Stop(ctx)
		},
	})
}

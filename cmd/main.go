/**
 * @description
 * This is the main entry point for the transaction-service. It is responsible for
 * initializing all components of the service, including configuration, storage,
 * the PIX processor client, message brokers, the rate limiter, the application
 * services, the background scheduler and the HTTP server. It wires everything
 * together and starts the service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: rate limiting backend.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/pixclient: Client for the PIX processor API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pixgate/transaction-service/internal/api"
	"github.com/pixgate/transaction-service/internal/app"
	"github.com/pixgate/transaction-service/internal/config"
	"github.com/pixgate/transaction-service/internal/domain"
	"github.com/pixgate/transaction-service/internal/logger"
	"github.com/pixgate/transaction-service/internal/metrics"
	"github.com/pixgate/transaction-service/internal/store"
	"github.com/pixgate/transaction-service/internal/worker"
	"github.com/pixgate/transaction-service/pkg/pixclient"
	rmrabbit "github.com/pixgate/transaction-service/pkg/rabbitmq"
	"github.com/pixgate/transaction-service/pkg/secretbox"
	"github.com/pixgate/transaction-service/pkg/webhookclient"
	"github.com/redis/go-redis/v9"
)

const consumerPrefetch = 20

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}
	if cfg.IsProduction() && strings.TrimSpace(cfg.ProcessorWebhookSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"processor webhook secret must be configured in production\" env=PROCESSOR_WEBHOOK_SECRET")
	}

	slogger := logger.New(cfg.AppEnv)
	metrics.Init()
	log.Printf("level=info component=bootstrap msg=\"starting transaction-service\" port=%s env=%s storage=%s", cfg.ServerPort, cfg.AppEnv, cfg.StorageDriver)

	repository, closeStore := openRepository(cfg)
	defer closeStore()

	// Initialize the RabbitMQ producer to publish events.
	var publisher rmrabbit.Publisher = rmrabbit.NoopPublisher{}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; lifecycle events disabled\" env=RABBITMQ_URL")
	} else if producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		defer producer.Close()
		publisher = producer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	createLimiter := openCreateLimiter(cfg)

	cipher, err := secretbox.New(cfg.SecretEncryptionKey)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"secret encryption key invalid\" err=%v", err)
	}

	processor := pixclient.NewClient(cfg.PixAPIBaseURL, cfg.PixAPIToken, time.Duration(cfg.PixAPITimeoutSeconds)*time.Second)

	pool := worker.NewPool(cfg.WebhookWorkers, cfg.WebhookQueueSize, slogger)
	defer pool.Stop()

	retryPolicy := app.DefaultRetryPolicy()
	retryPolicy.MaxAttempts = cfg.WebhookMaxAttempts
	retryPolicy.DisableAfterFailures = cfg.WebhookDisableAfterFailures

	audit := app.NewAuditor(repository, slogger)
	limits := app.NewLimitService(repository, limitPolicyFromConfig(cfg), slogger)
	dispatcher := app.NewDispatcher(
		repository,
		cipher,
		webhookclient.NewClient(10*time.Second),
		pool,
		retryPolicy,
		cfg.IsProduction(),
		audit,
		slogger,
	)

	createPolicy := app.DefaultCreatePolicy()
	createPolicy.ValidateKeys = cfg.ValidatePixKeys
	createPolicy.InboundWebhookSecret = cfg.ProcessorWebhookSecret

	// Initialize the core application service with its dependencies.
	deps := app.Dependencies{
		Repo:      repository,
		Processor: processor,
		Limits:    limits,
		Webhooks:  dispatcher,
		Publisher: publisher,
		Audit:     audit,
		Logger:    slogger,
	}
	if createLimiter != nil {
		deps.RateLimiter = createLimiter
	}
	transactionService := app.NewService(deps, createPolicy)
	sweeper := app.NewSweeper(repository, transactionService, audit, slogger)

	scheduler := app.NewScheduler(sweeper, dispatcher, slogger, app.ScheduleConfig{
		Sweep:        cfg.SweepSchedule,
		BackupSweep:  cfg.BackupSweepSchedule,
		WebhookRetry: cfg.WebhookRetrySchedule,
	})
	scheduler.Start()

	// Deposit callbacks relayed through the broker go through the same path as HTTP ones.
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; broker deposit callbacks disabled\" err=%v", err)
		} else {
			defer rabbitConsumer.Close()
			depositConsumer := app.NewDepositStatusConsumer(transactionService)
			bindings := map[string]rmrabbit.Handler{
				app.DepositStatusRoutingKey: depositConsumer.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.DepositStatusQueue, consumerPrefetch, bindings); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"deposit status consumer start failed\" err=%v", err)
			}
		}
	}

	// Initialize the API handlers.
	transactionHandlers := api.NewTransactionHandlers(api.HandlerDeps{
		Service:  transactionService,
		Limits:   limits,
		Webhooks: dispatcher,
		Sweeper:  sweeper,
	})
	router := api.TransactionRoutes(transactionHandlers, api.AuthConfig{
		Secret: cfg.JWTSecret,
		Issuer: cfg.JWTIssuer,
	}, cfg.CORSAllowedOrigins)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=scheduler msg=\"jobs still running at shutdown\"")
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// openRepository selects the storage backend. The returned func releases it.
func openRepository(cfg config.Config) (store.Repository, func()) {
	if cfg.StorageDriver == "memory" {
		log.Println("level=warn component=bootstrap msg=\"using in-memory storage; data is lost on restart\"")
		return store.NewMemoryRepository(), func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelPing()
	if err := dbpool.Ping(pingCtx); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database ping failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	if cfg.RunMigrations {
		if err := store.RunMigrations(context.Background(), dbpool); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"migrations failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"migrations applied\"")
	}

	return store.NewPostgresRepository(dbpool), dbpool.Close
}

// openCreateLimiter connects to Redis for creation rate limiting. A missing or
// unreachable Redis disables the limiter rather than blocking startup.
func openCreateLimiter(cfg config.Config) *app.CreateLimiter {
	if cfg.CreateRateLimitPerMinute <= 0 {
		return nil
	}
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; create rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; create rate limiting disabled\" err=%v", err)
		return nil
	}
	redisClient := redis.NewClient(redisOptions)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; create rate limiting disabled\" err=%v", err)
		redisClient.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return app.NewCreateLimiter(redisClient, cfg.RedisRateLimitPrefix, cfg.CreateRateLimitPerMinute)
}

func limitPolicyFromConfig(cfg config.Config) app.LimitPolicy {
	loc, err := time.LoadLocation(cfg.LimitsTimezone)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"unknown limits timezone; using UTC\" timezone=%s err=%v", cfg.LimitsTimezone, err)
		loc = time.UTC
	}
	return app.LimitPolicy{
		Enabled:                   cfg.LimitsEnabled,
		RequireKYC:                cfg.LimitsRequireKYC,
		Location:                  loc,
		FirstDayDepositCeiling:    cfg.FirstDayDepositCeiling,
		HighRiskMultiplierPercent: cfg.HighRiskMultiplierPercent,
		Defaults: map[domain.TransactionType]domain.TypeLimits{
			domain.TransactionTypeDeposit: {
				Daily: cfg.DefaultDepositDaily, Monthly: cfg.DefaultDepositMonthly, PerTransaction: cfg.DefaultDepositPerTx,
			},
			domain.TransactionTypeWithdraw: {
				Daily: cfg.DefaultWithdrawDaily, Monthly: cfg.DefaultWithdrawMonthly, PerTransaction: cfg.DefaultWithdrawPerTx,
			},
			domain.TransactionTypeTransfer: {
				Daily: cfg.DefaultTransferDaily, Monthly: cfg.DefaultTransferMonthly, PerTransaction: cfg.DefaultTransferPerTx,
			},
		},
	}
}

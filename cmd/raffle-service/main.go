/**
 * @description
 * Entry point for the raffle service. It loads configuration, connects to
 * PostgreSQL, Redis and RabbitMQ, builds the PayPhone client and the core
 * service, starts the cron jobs and the callback consumer, and serves HTTP
 * until SIGINT/SIGTERM.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: reservation rate limiting.
 * - github.com/joho/godotenv: local .env loading.
 * - internal/api, internal/app, internal/config, internal/store: service packages.
 * - pkg/payphoneclient, pkg/rabbitmq, pkg/opsalert: outbound adapters.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/davidethc/RifasEcuador-sub001/internal/api"
	"github.com/davidethc/RifasEcuador-sub001/internal/app"
	"github.com/davidethc/RifasEcuador-sub001/internal/config"
	"github.com/davidethc/RifasEcuador-sub001/internal/store"
	"github.com/davidethc/RifasEcuador-sub001/pkg/opsalert"
	"github.com/davidethc/RifasEcuador-sub001/pkg/payphoneclient"
	rmrabbit "github.com/davidethc/RifasEcuador-sub001/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url must be configured\" env=DATABASE_URL")
	}
	if cfg.InternalAPIKey == "" {
		log.Println("level=warn component=bootstrap msg=\"internal api key missing; operator endpoints disabled\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.StorefrontJWTSecret) == "" {
		log.Println("level=warn component=bootstrap msg=\"storefront jwt secret missing; buyer endpoints disabled\" env=STOREFRONT_JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting raffle-service\" port=%s", cfg.ServerPort)

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	repository := store.NewPostgresRepository(dbpool)
	if cfg.AutoMigrate {
		migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
		if err := repository.EnsureSchema(migrateCtx); err != nil {
			cancelMigrate()
			log.Fatalf("level=fatal component=bootstrap msg=\"schema bootstrap failed\" err=%v", err)
		}
		cancelMigrate()
		log.Println("level=info component=bootstrap msg=\"schema ensured\"")
	}

	var publisher rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; using logging producer\" env=RABBITMQ_URL")
	} else {
		rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.EventsExchange)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		} else {
			defer rabbitProducer.Close()
			publisher = rabbitProducer
			log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		}
	}

	payphone := payphoneclient.NewClient(
		cfg.PayPhoneAPIBaseURL,
		cfg.PayPhoneAPIToken,
		cfg.PayPhoneStoreID,
		time.Duration(cfg.PayPhoneTimeoutSeconds)*time.Second,
	)
	payphone.MaxCreateAttempts = cfg.PayPhoneCreateMaxAttempts

	raffleService := app.NewService(repository, payphone, publisher, app.Settings{
		MaxTicketsPerOrder:     cfg.MaxTicketsPerOrder,
		ReserveMaxAttempts:     cfg.ReserveMaxAttempts,
		AmountToleranceCents:   cfg.AmountToleranceCents,
		ReservationTTL:         time.Duration(cfg.ReservationTTLMinutes) * time.Minute,
		ExpirySweepBatchSize:   cfg.ExpirySweepBatchSize,
		ReconcileLookback:      time.Duration(cfg.ReconcileLookbackHours) * time.Hour,
		ReconcileBatchSize:     cfg.ReconcileBatchSize,
		ReconcileCallDelay:     time.Duration(cfg.ReconcileCallDelayMS) * time.Millisecond,
		ReconcileMaxFailures:   cfg.ReconcileMaxFailures,
		ReserveRatePerMinute:   cfg.ReserveRateLimitPerMinute,
		PaymentResponseURL:     cfg.PayPhoneResponseURL,
		PaymentCancellationURL: cfg.PayPhoneCancellationURL,
	})

	if strings.TrimSpace(cfg.TelegramBotToken) != "" && cfg.TelegramAlertChatID != 0 {
		alerter, err := opsalert.NewTelegramAlerter(cfg.TelegramBotToken, cfg.TelegramAlertChatID)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"telegram alerter unavailable; logging alerts\" err=%v", err)
			raffleService.SetAlerter(opsalert.LogAlerter{})
		} else {
			raffleService.SetAlerter(alerter)
			log.Println("level=info component=bootstrap msg=\"telegram alerts enabled\"")
		}
	} else {
		raffleService.SetAlerter(opsalert.LogAlerter{})
	}

	if cfg.ReserveRateLimitPerMinute > 0 {
		if cfg.RedisURL == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; reservation rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; reservation rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient := redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				pingErr := redisClient.Ping(pingCtx).Err()
				cancelPing()
				if pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; reservation rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
				} else {
					defer redisClient.Close()
					raffleService.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RateLimitKeyPrefix))
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	var rabbitConsumer *rmrabbit.Consumer
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rabbitConsumer, err = rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; queued callbacks disabled\" err=%v", err)
			rabbitConsumer = nil
		} else {
			callbackConsumer := raffleService.CallbackConsumer()
			bindings := map[string]func([]byte) bool{
				rmrabbit.RoutingKeyCallbackReceived: callbackConsumer.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.CallbackQueue, bindings); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"callback consumer start failed\" err=%v", err)
			}
		}
	}

	jobLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(app.NewJobs(raffleService, jobLogger), jobLogger, cfg)
	scheduler.Start()

	handlers := api.NewHandlers(raffleService)
	router := api.NewRouter(handlers, api.RouterConfig{
		JWTSecret:      cfg.StorefrontJWTSecret,
		JWTIssuer:      cfg.StorefrontJWTIssuer,
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
	})

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

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=scheduler msg=\"running jobs did not finish before shutdown deadline\"")
	}
	if rabbitConsumer != nil {
		rabbitConsumer.Close()
	}
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	raffleService.WaitForReceipts()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

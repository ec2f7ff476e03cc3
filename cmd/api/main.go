package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/justsurfingit/apply-scheduler/internal/auth"
	"github.com/justsurfingit/apply-scheduler/internal/config"
	"github.com/justsurfingit/apply-scheduler/internal/database"
	"github.com/justsurfingit/apply-scheduler/internal/handlers"
	"github.com/justsurfingit/apply-scheduler/internal/logger"
	"github.com/justsurfingit/apply-scheduler/internal/middleware"
	"github.com/justsurfingit/apply-scheduler/internal/notify"
	"github.com/justsurfingit/apply-scheduler/internal/services"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func main() {
	gmailAuth := flag.Bool("gmail-auth", false, "run the Gmail OAuth consent flow, store the token and exit")
	flag.Parse()

	// 1. Configuration & logging
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(2)
	}
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger init error: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *gmailAuth {
		if err := auth.AuthorizeGmail(ctx, cfg.GmailCredentials, cfg.GmailToken, os.Stdin, os.Stdout); err != nil {
			log.Fatal("gmail authorization failed", zap.Error(err))
		}
		return
	}

	// 2. Database connection
	db, err := database.Connect(cfg, log)
	if err != nil {
		log.Fatal("database init failed", zap.Error(err))
	}

	// 3. Notification sink: RabbitMQ when configured, else the log
	var notifier notify.Notifier = notify.NewLogNotifier(log)
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			log.Fatal("failed to connect to rabbitmq", zap.Error(err))
		}
		defer conn.Close()
		pub, err := notify.NewAMQPNotifier(conn, cfg.AMQPExchange)
		if err != nil {
			log.Fatal("failed to init publisher", zap.Error(err))
		}
		notifier = pub
		log.Info("publishing notifications to rabbitmq", zap.String("exchange", cfg.AMQPExchange))
	}

	// 4. Core services
	scheduler := services.NewSchedulerService(db, notifier, log, cfg.ScheduleSkew)
	jobService := services.NewJobService(db)
	matcherService := services.NewMatcherService(db)
	pairingService := services.NewPairingService(db, log, cfg.PairingTTL, cfg.PairingCodeLength, cfg.PairingMaxAttempts)

	var extractor services.EmailExtractor
	if cfg.GeminiAPIKey != "" {
		llm, err := services.NewLLMService(ctx, cfg.GeminiAPIKey)
		if err != nil {
			log.Warn("llm extraction disabled", zap.Error(err))
		} else {
			extractor = llm
		}
	}
	importService := services.NewImportService(scheduler, jobService, matcherService, extractor, log, cfg.ImportURLWindow)

	// 5. Background workers
	sweeper := services.NewSweepService(scheduler, log, cfg.SweepInterval, cfg.SweepBatchSize, cfg.ReminderWindows)
	if err := sweeper.Start(ctx); err != nil {
		log.Fatal("sweeper init failed", zap.Error(err))
	}

	if cfg.GmailCredentials != "" {
		httpClient, err := auth.GmailClient(ctx, cfg.GmailCredentials, cfg.GmailToken)
		if err != nil {
			log.Warn("gmail watcher disabled", zap.Error(err))
		} else {
			gmailService, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
			if err != nil {
				log.Warn("failed to create gmail service", zap.Error(err))
			} else {
				watcher := services.NewEmailService(db, importService, gmailService, log, cfg.GmailUserID, cfg.GmailPollInterval)
				if err := watcher.StartWatcher(ctx); err != nil {
					log.Warn("gmail watcher disabled", zap.Error(err))
				}
			}
		}
	}

	// 6. Rate limiting for the unauthenticated pairing endpoint
	var limiter middleware.Limiter = middleware.NewMemoryLimiter(cfg.RateLimit, cfg.RateLimitWindow)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unavailable, using in-process rate limiter", zap.Error(err))
		} else {
			defer rdb.Close()
			limiter = &middleware.RedisLimiter{Client: rdb, Limit: cfg.RateLimit, Window: cfg.RateLimitWindow}
		}
	}

	// 7. Router
	router := &handlers.Router{
		Log: log,
		Auth: middleware.AuthConfig{
			Tokens:     pairingService,
			ServiceKey: cfg.ServiceKey,
			DevAuth:    cfg.DevAuth,
			Log:        log,
		},
		PairLimiter: middleware.RateLimiterConfig{
			Limiter:   limiter,
			Limit:     cfg.RateLimit,
			Window:    cfg.RateLimitWindow,
			KeyPrefix: "rl:pair:",
			Log:       log,
		},
		CORSOrigins:    cfg.CORSOrigins,
		TrustedProxies: cfg.TrustedProxies,
		Jobs:           handlers.NewJobHandler(jobService, log),
		Schedules:      handlers.NewScheduleHandler(scheduler, log),
		Pairing:        handlers.NewPairingHandler(pairingService, log),
		Imports:        handlers.NewImportHandler(importService, log),
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.Engine(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}
}

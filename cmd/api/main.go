package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robertarktes/rental-reservations/internal/adapters/crdb"
	"github.com/robertarktes/rental-reservations/internal/app"
	"github.com/robertarktes/rental-reservations/internal/config"
	httphandler "github.com/robertarktes/rental-reservations/internal/http"
	"github.com/robertarktes/rental-reservations/internal/observability"
	"github.com/robertarktes/rental-reservations/internal/rateLimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg, "reservations-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger()

	infra, err := app.Connect(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer infra.Close()

	if err := crdb.Migrate(context.Background(), infra.Pool); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	dispatcher := infra.Dispatcher(logger)
	services, err := infra.Services(cfg, logger, dispatcher)
	if err != nil {
		log.Fatalf("failed to build services: %v", err)
	}

	verifier, err := httphandler.NewActorVerifier(cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("failed to load jwt key: %v", err)
	}
	if cfg.JWTPublicKey == "" {
		logger.Warn("JWT_PUBLIC_KEY not set, trusting the X-Actor-ID header")
	}

	handlers := httphandler.NewHandlers(httphandler.Deps{
		Booking:       services.Booking,
		Lifecycle:     services.Lifecycle,
		Reader:        services.Reader,
		Idempotency:   services.Idempotency,
		WebhookSecret: cfg.WebhookSecret,
		Checks: map[string]httphandler.Check{
			"crdb":  infra.Repo.Ping,
			"redis": infra.Cache.Ping,
			"mongo": func(ctx context.Context) error { return infra.Mongo.Ping(ctx, nil) },
		},
		Logger: logger,
	})

	r := httphandler.SetupRouter(handlers, logger, verifier, rateLimit.NewRateLimiter(infra.Cache))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server shutdown")
	}
	dispatcher.Wait()
	logger.Info("Server exiting")
}

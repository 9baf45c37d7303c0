package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/rental-reservations/internal/adapters/rabbit"
	"github.com/robertarktes/rental-reservations/internal/app"
	"github.com/robertarktes/rental-reservations/internal/clock"
	"github.com/robertarktes/rental-reservations/internal/config"
	"github.com/robertarktes/rental-reservations/internal/expiry"
	"github.com/robertarktes/rental-reservations/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "reservations-expiry-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()

	infra, err := app.Connect(context.Background(), cfg, logger)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer infra.Close()

	dispatcher := infra.Dispatcher(logger)
	services, err := infra.Services(cfg, logger, dispatcher)
	if err != nil {
		log.Fatalf("failed to build services: %v", err)
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	consumer, err := rabbit.NewConsumer(conn, rabbit.PaymentEventsQueue, logger)
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}
	defer consumer.Close()

	worker := expiry.NewWorker(infra.Repo, services.Booking, dispatcher, clock.Real{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx, cfg.SweepInterval)
	go func() {
		if err := consumer.Run(ctx, worker.HandlePaymentEvent); err != nil {
			logger.WithError(err).Error("payment event consumer stopped")
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info("Shutdown expiry worker")
	cancel()
	dispatcher.Wait()
}

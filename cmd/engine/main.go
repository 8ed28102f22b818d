package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"windowwatch/internal/api"
	"windowwatch/internal/bus"
	"windowwatch/internal/config"
	"windowwatch/internal/engine"
	"windowwatch/internal/logger"
	"windowwatch/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Init(cfg.LogLevel, cfg.Env)
	log := logger.WithComponent("engine_main")

	if cfg.Storage.Backend != config.BackendPostgres {
		log.Fatal().Str("backend", cfg.Storage.Backend).Msg("standalone engine needs a shared postgres store; use the embedded engine instead")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewPostgres(ctx, cfg.Storage.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to db")
	}
	defer store.Close()

	var sinks bus.Fanout
	var sub *bus.Subscriber
	if cfg.NATS.URL != "" {
		publisher, err := bus.NewPublisher(cfg.NATS.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)

		sub, err = bus.NewSubscriber(cfg.NATS.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect nats subscriber")
		}
		defer sub.Close()
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.AlertsTopic != "" {
		kn, err := bus.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.AlertsTopic, bus.KafkaOptions{
			WriteTimeout: cfg.Kafka.WriteTimeout,
			MaxRetries:   cfg.Kafka.MaxRetries,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create kafka notifier")
		}
		defer kn.Close()
		sinks = append(sinks, kn)
	}

	ec := engine.DefaultConfig()
	ec.TickInterval = cfg.Engine.TickInterval
	ec.BatchSize = cfg.Engine.BatchSize
	ec.Workers = cfg.Engine.Workers
	opts := []engine.Option{}
	if len(sinks) > 0 {
		opts = append(opts, engine.WithNotifier(sinks))
	}
	eng := engine.New(store, ec, opts...)

	if sub != nil {
		wake := func(subject string, _ bus.Message) { eng.Wake() }
		for _, subject := range []string{bus.SubjectEventIngested, bus.SubjectMetricWildcard} {
			if _, err := sub.Subscribe(subject, wake); err != nil {
				log.Fatal().Err(err).Str("subject", subject).Msg("failed to subscribe")
			}
		}
	}

	admin := &http.Server{
		Addr:              ":" + cfg.HTTP.AdminPort,
		Handler:           api.NewAdminRouter(func() any { return eng.Status() }),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("admin server error")
			stop()
		}
	}()
	log.Info().Str("admin_port", cfg.HTTP.AdminPort).Int("sinks", len(sinks)).Msg("engine process started")

	if err := eng.Run(ctx); err != nil {
		log.Error().Err(err).Msg("engine stopped with error")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = admin.Shutdown(shutdownCtx)
}

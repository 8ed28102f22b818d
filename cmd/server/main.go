package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"windowwatch/internal/api"
	"windowwatch/internal/bus"
	"windowwatch/internal/config"
	"windowwatch/internal/engine"
	"windowwatch/internal/events"
	"windowwatch/internal/generator"
	"windowwatch/internal/logger"
	"windowwatch/internal/registry"
	"windowwatch/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Init(cfg.LogLevel, cfg.Env)
	log := logger.WithComponent("server")

	if cfg.Storage.Backend == config.BackendMemory && !cfg.Engine.Embedded {
		log.Warn().Msg("memory backend requires the embedded engine, enabling it")
		cfg.Engine.Embedded = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Storage.Backend, cfg.Storage.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("failed to open store")
	}
	defer store.Close()

	var publisher *bus.Publisher
	if cfg.NATS.URL != "" {
		publisher, err = bus.NewPublisher(cfg.NATS.URL)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("failed to connect to nats")
		}
		defer publisher.Close()
	}

	var ingestNotifiers events.Notifiers
	var registryBus registry.Publisher
	var sinks bus.Fanout
	if publisher != nil {
		ingestNotifiers = append(ingestNotifiers, publisher)
		registryBus = publisher
		sinks = append(sinks, publisher)
	}

	var eng *engine.Engine
	if cfg.Engine.Embedded {
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
		opts := []engine.Option{}
		if len(sinks) > 0 {
			opts = append(opts, engine.WithNotifier(sinks))
		}
		eng = engine.New(store, engineConfig(cfg), opts...)
		ingestNotifiers = append(ingestNotifiers, eng)
	}

	limits := cfg.SecurityLimits()
	eventOpts := []events.Option{events.WithMaxPayloadFields(limits.MaxPayloadFields)}
	if len(ingestNotifiers) > 0 {
		eventOpts = append(eventOpts, events.WithNotifier(ingestNotifiers))
	}

	eventSvc := events.NewService(store, eventOpts...)
	handler := &api.Handler{
		Registry: registry.NewService(store, registryBus, limits),
		Events:   eventSvc,
		Query:    store,
		EventLog: store,
		Limits:   limits,
		Timeout:  cfg.HTTP.RequestTimeout,
	}
	if cfg.Generator.Enabled {
		gen := generator.New(eventSvc, generator.WithSpeed(cfg.Generator.Speed), generator.WithBurstDelay(10*time.Millisecond))
		handler.Generator = gen
		defer func() { _ = gen.Stop() }()
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.HTTP.RequestTimeout + 10*time.Second,
		IdleTimeout:  30 * time.Second,
	}
	var status func() any
	if eng != nil {
		status = func() any { return eng.Status() }
	}
	admin := &http.Server{
		Addr:              ":" + cfg.HTTP.AdminPort,
		Handler:           api.NewAdminRouter(status),
		ReadHeaderTimeout: 5 * time.Second,
	}

	engineDone := make(chan struct{})
	if eng != nil {
		go func() {
			defer close(engineDone)
			if err := eng.Run(ctx); err != nil {
				log.Error().Err(err).Msg("engine stopped with error")
			}
		}()
	} else {
		close(engineDone)
	}
	go serve(log, admin, "admin")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = admin.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("port", cfg.HTTP.Port).
		Str("backend", cfg.Storage.Backend).
		Bool("embedded_engine", eng != nil).
		Msg("windowwatch api listening")
	serve(log, srv, "api")
	<-engineDone
}

func serve(log zerolog.Logger, srv *http.Server, name string) {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Str("server", name).Msg("server error")
		os.Exit(1)
	}
}

func engineConfig(cfg config.Config) engine.Config {
	ec := engine.DefaultConfig()
	ec.TickInterval = cfg.Engine.TickInterval
	ec.BatchSize = cfg.Engine.BatchSize
	ec.Workers = cfg.Engine.Workers
	return ec
}

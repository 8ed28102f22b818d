package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"windowwatch/internal/api"
	"windowwatch/internal/bus"
	"windowwatch/internal/config"
	"windowwatch/internal/dbconnector"
	"windowwatch/internal/events"
	"windowwatch/internal/ingest"
	"windowwatch/internal/logger"
	"windowwatch/internal/security"
	"windowwatch/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Init(cfg.LogLevel, cfg.Env)
	log := logger.WithComponent("ingester")

	if cfg.Storage.Backend != config.BackendPostgres {
		log.Fatal().Str("backend", cfg.Storage.Backend).Msg("ingester needs a shared postgres store")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewPostgres(ctx, cfg.Storage.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to db")
	}
	defer store.Close()

	limits := cfg.SecurityLimits()
	opts := []events.Option{events.WithMaxPayloadFields(limits.MaxPayloadFields)}
	if cfg.NATS.URL != "" {
		publisher, err := bus.NewPublisher(cfg.NATS.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer publisher.Close()
		opts = append(opts, events.WithNotifier(publisher))
	}
	svc := events.NewService(store, opts...)

	g, gctx := errgroup.WithContext(ctx)

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.EventsTopic != "" {
		reader := ingest.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic, cfg.Kafka.GroupID)
		consumer := ingest.NewKafkaConsumer(reader, cfg.Kafka.EventsTopic, svc, cfg.Kafka.MaxRetries)
		defer consumer.Close()
		g.Go(func() error { return consumer.Run(gctx) })
	}

	if len(cfg.Ingest.Sources) > 0 {
		cursors, err := ingest.LoadCursorStore(cfg.Ingest.CursorStatePath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load cursor state")
		}
		allow := security.Allowlist{Tables: cfg.Ingest.AllowedTables}
		for _, src := range cfg.Ingest.Sources {
			conn, err := dbconnector.NewConnector(dbconnector.ConnectionConfig{
				Type:     src.Type,
				Host:     src.Host,
				Port:     src.Port,
				User:     src.User,
				Password: src.Password,
				Database: src.Database,
				SSLMode:  src.SSLMode,
			})
			if err != nil {
				log.Fatal().Err(err).Str("source", src.Name).Msg("failed to create connector")
			}
			defer conn.Close()
			poller, err := ingest.NewTablePoller(src, conn, svc, cursors, allow)
			if err != nil {
				log.Fatal().Err(err).Msg("invalid source")
			}
			checkCtx, cancel := context.WithTimeout(ctx, limits.MaxQueryDuration)
			err = poller.Check(checkCtx)
			cancel()
			if err != nil {
				log.Fatal().Err(err).Str("source", src.Name).Msg("source check failed")
			}
			g.Go(func() error { return poller.Run(gctx) })
		}
	}

	admin := &http.Server{
		Addr:              ":" + cfg.HTTP.AdminPort,
		Handler:           api.NewAdminRouter(nil),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return admin.Shutdown(shutdownCtx)
	})

	log.Info().
		Int("sources", len(cfg.Ingest.Sources)).
		Bool("kafka", len(cfg.Kafka.Brokers) > 0).
		Msg("ingester started")
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("ingester stopped with error")
	}
}

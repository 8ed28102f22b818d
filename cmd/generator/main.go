package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"windowwatch/internal/config"
	"windowwatch/internal/events"
	"windowwatch/internal/generator"
	"windowwatch/internal/logger"
	"windowwatch/internal/storage"
)

func main() {
	burst := flag.String("burst", "", "submit one burst of this source type and exit")
	count := flag.Int("count", 10, "events per burst")
	status := flag.String("status", "", "status carried by burst events")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Init(cfg.LogLevel, cfg.Env)
	log := logger.WithComponent("generator")

	if cfg.Storage.Backend != config.BackendPostgres {
		log.Fatal().Str("backend", cfg.Storage.Backend).Msg("generator needs a shared postgres store")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewPostgres(ctx, cfg.Storage.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to db")
	}
	defer store.Close()

	limits := cfg.SecurityLimits()
	svc := events.NewService(store, events.WithMaxPayloadFields(limits.MaxPayloadFields))
	gen := generator.New(svc, generator.WithSpeed(cfg.Generator.Speed))

	if *burst != "" {
		sent, err := gen.Burst(ctx, *burst, *count, *status)
		if err != nil {
			log.Fatal().Err(err).Int("sent", sent).Msg("burst failed")
		}
		return
	}

	if err := gen.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start generator")
	}
	<-ctx.Done()
	done := make(chan struct{})
	go func() {
		_ = gen.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("generator did not stop in time")
	}
}

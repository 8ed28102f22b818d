package main

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"windowwatch/internal/logger"
)

func main() {
	logger.Init(os.Getenv("LOG_LEVEL"), os.Getenv("ENV"))
	log := logger.WithComponent("migrate")
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}
	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		log.Fatal().Err(err).Msg("failed to create schema_migrations")
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list migrations")
	}
	sort.Strings(files)
	for _, file := range files {
		name := filepath.Base(file)
		var applied bool
		if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, name).Scan(&applied); err != nil {
			log.Fatal().Err(err).Str("file", name).Msg("failed to check migration")
		}
		if applied {
			log.Debug().Str("file", name).Msg("migration already applied")
			continue
		}
		content, err := os.ReadFile(file)
		if err != nil {
			log.Fatal().Err(err).Str("file", name).Msg("failed to read migration")
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to begin transaction")
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			_ = tx.Rollback(ctx)
			log.Fatal().Err(err).Str("file", name).Msg("failed to apply migration")
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			log.Fatal().Err(err).Str("file", name).Msg("failed to record migration")
		}
		if err := tx.Commit(ctx); err != nil {
			log.Fatal().Err(err).Str("file", name).Msg("failed to commit migration")
		}
		log.Info().Str("file", name).Msg("applied migration")
	}
}

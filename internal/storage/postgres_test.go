package storage

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func setupPostgres(t *testing.T) *Postgres {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL or DATABASE_URL not set")
	}
	ctx := context.Background()
	store, err := NewPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect to db: %v", err)
	}
	t.Cleanup(store.Close)

	_, file, _, _ := runtime.Caller(0)
	migration, err := os.ReadFile(filepath.Join(filepath.Dir(file), "..", "..", "migrations", "001_init.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if _, err := store.Pool.Exec(ctx, string(migration)); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := store.Pool.Exec(ctx, `TRUNCATE events, window_entries, anomaly_state, alert_ledger, metric_specs`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, err := store.Pool.Exec(ctx, `UPDATE engine_checkpoint SET last_event_id=0 WHERE id=1`); err != nil {
		t.Fatalf("reset checkpoint: %v", err)
	}
	return store
}

func TestPostgresStoreContract(t *testing.T) {
	runStoreContract(t, setupPostgres(t))
}

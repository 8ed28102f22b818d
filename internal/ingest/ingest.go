// Package ingest feeds events from external producers into the ingestion service.
package ingest

import (
	"context"
	"time"
)

// Submitter is the slice of events.Service the feeders need.
type Submitter interface {
	SubmitWithID(ctx context.Context, id int64, sourceType string, payload map[string]any) (int64, error)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"windowwatch/internal/config"
	"windowwatch/internal/dbconnector"
	"windowwatch/internal/events"
	"windowwatch/internal/logger"
	"windowwatch/internal/metrics"
	"windowwatch/internal/security"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultPollBatch    = 500
)

type CursorStore interface {
	Get(source string) int64
	Set(source string, cursor int64) error
}

// TablePoller submits new rows of an upstream table as events. Rows are read in
// cursor order and the cursor is persisted after every page.
type TablePoller struct {
	name       string
	sourceType string
	req        dbconnector.FetchRequest
	interval   time.Duration
	conn       dbconnector.DbConnector
	submit     Submitter
	cursors    CursorStore
	log        zerolog.Logger
}

func NewTablePoller(src config.SourceConfig, conn dbconnector.DbConnector, submit Submitter, cursors CursorStore, allow security.Allowlist) (*TablePoller, error) {
	if !security.IsSafeQualifiedIdentifier(src.Table, 2) {
		return nil, fmt.Errorf("source %s: unsafe table name %q", src.Name, src.Table)
	}
	if !allow.AllowsTable(src.Table) {
		return nil, fmt.Errorf("source %s: table %q is not allowlisted", src.Name, src.Table)
	}
	if !security.IsSafeIdentifier(src.CursorColumn) {
		return nil, fmt.Errorf("source %s: unsafe cursor column %q", src.Name, src.CursorColumn)
	}
	for _, col := range src.Columns {
		if !security.IsSafeIdentifier(col) {
			return nil, fmt.Errorf("source %s: unsafe column %q", src.Name, col)
		}
	}
	sourceType := src.SourceType
	if sourceType == "" {
		sourceType = src.Name
	}
	interval := src.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	limit := src.BatchSize
	if limit <= 0 {
		limit = defaultPollBatch
	}
	return &TablePoller{
		name:       src.Name,
		sourceType: sourceType,
		req: dbconnector.FetchRequest{
			Table:        src.Table,
			CursorColumn: src.CursorColumn,
			Columns:      src.Columns,
			Limit:        limit,
		},
		interval: interval,
		conn:     conn,
		submit:   submit,
		cursors:  cursors,
		log:      logger.WithComponent("table_poller").With().Str("source", src.Name).Logger(),
	}, nil
}

// Check verifies connectivity and that the cursor column exists.
func (p *TablePoller) Check(ctx context.Context) error {
	if err := p.conn.TestConnection(ctx); err != nil {
		return err
	}
	schema, err := p.conn.DescribeTable(ctx, p.req.Table)
	if err != nil {
		return err
	}
	if !schema.HasColumn(p.req.CursorColumn) {
		return fmt.Errorf("table %s has no column %s", p.req.Table, p.req.CursorColumn)
	}
	return nil
}

func (p *TablePoller) Run(ctx context.Context) error {
	p.log.Info().Dur("interval", p.interval).Int64("cursor", p.cursors.Get(p.name)).Msg("table poller started")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.PollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Error().Err(err).Msg("poll failed")
		}
		select {
		case <-ctx.Done():
			p.log.Info().Msg("table poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce drains the table from the stored cursor and returns the number of
// rows submitted.
func (p *TablePoller) PollOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		req := p.req
		req.After = p.cursors.Get(p.name)
		rows, err := p.conn.FetchRowsAfter(ctx, req)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}
		last := req.After
		for _, row := range rows {
			_, err := p.submit.SubmitWithID(ctx, 0, p.sourceType, row.Values)
			switch {
			case err == nil:
			case errors.Is(err, events.ErrInvalidEvent):
				p.log.Warn().Err(err).Int64("cursor", row.Cursor).Msg("row rejected")
			default:
				if last > req.After {
					if serr := p.cursors.Set(p.name, last); serr != nil {
						return total, errors.Join(err, serr)
					}
				}
				return total, fmt.Errorf("submit row %d: %w", row.Cursor, err)
			}
			last = row.Cursor
			total++
		}
		metrics.SourceRowsPolled.WithLabelValues(p.name).Add(float64(len(rows)))
		if err := p.cursors.Set(p.name, last); err != nil {
			return total, err
		}
		p.log.Debug().Int("rows", len(rows)).Int64("cursor", last).Msg("page submitted")
		if len(rows) < req.Limit {
			return total, nil
		}
	}
}

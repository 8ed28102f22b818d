package generator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"windowwatch/internal/logger"
	"windowwatch/internal/metrics"
)

const MaxBurst = 100

var (
	ErrRunning    = errors.New("generator already running")
	ErrNotRunning = errors.New("generator not running")
	ErrBadBurst   = errors.New("invalid burst")
)

// Submitter is the ingestion entry point events are written through.
type Submitter interface {
	Submit(ctx context.Context, sourceType string, payload map[string]any) (int64, error)
}

// Stream emits one source type at a random interval in [MinInterval, MaxInterval].
type Stream struct {
	SourceType  string
	MinInterval time.Duration
	MaxInterval time.Duration
	Payload     func() map[string]any
	// Burst builds a payload for a burst with the given status. Streams without
	// it cannot burst.
	Burst         func(status string) map[string]any
	DefaultStatus string
}

type Status struct {
	Running   bool       `json:"running"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Generated int64      `json:"generated"`
	Streams   []string   `json:"streams"`
}

type Generator struct {
	sub        Submitter
	streams    []Stream
	speed      float64
	burstDelay time.Duration
	now        func() time.Time
	log        zerolog.Logger

	generated atomic.Int64

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

type Option func(*Generator)

func WithStreams(streams []Stream) Option {
	return func(g *Generator) { g.streams = streams }
}

// WithSpeed divides every stream interval by speed.
func WithSpeed(speed float64) Option {
	return func(g *Generator) {
		if speed > 0 {
			g.speed = speed
		}
	}
}

func WithBurstDelay(d time.Duration) Option {
	return func(g *Generator) { g.burstDelay = d }
}

func New(sub Submitter, opts ...Option) *Generator {
	g := &Generator{
		sub:        sub,
		streams:    DefaultStreams(),
		speed:      1,
		burstDelay: 100 * time.Millisecond,
		now:        time.Now,
		log:        logger.WithComponent("generator"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start launches one goroutine per stream. The streams outlive ctx's
// cancellation and run until Stop.
func (g *Generator) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return ErrRunning
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	g.cancel = cancel
	g.done = done
	g.startedAt = g.now().UTC()

	eg, egctx := errgroup.WithContext(runCtx)
	for _, s := range g.streams {
		eg.Go(func() error {
			g.run(egctx, s)
			return nil
		})
	}
	go func() {
		_ = eg.Wait()
		close(done)
	}()
	g.log.Info().Int("streams", len(g.streams)).Float64("speed", g.speed).Msg("generator started")
	return nil
}

// Stop cancels the streams and waits for them to exit.
func (g *Generator) Stop() error {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.mu.Unlock()
	if cancel == nil {
		return ErrNotRunning
	}
	cancel()
	<-done
	g.log.Info().Int64("generated", g.generated.Load()).Msg("generator stopped")
	return nil
}

func (g *Generator) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Status{Running: g.cancel != nil, Generated: g.generated.Load()}
	if st.Running {
		started := g.startedAt
		st.StartedAt = &started
	}
	for _, s := range g.streams {
		st.Streams = append(st.Streams, s.SourceType)
	}
	return st
}

// Burst submits count events of one stream back to back, all carrying status.
// An empty status uses the stream's default. It returns how many were accepted.
func (g *Generator) Burst(ctx context.Context, sourceType string, count int, status string) (int, error) {
	if count < 1 || count > MaxBurst {
		return 0, fmt.Errorf("%w: count must be between 1 and %d", ErrBadBurst, MaxBurst)
	}
	var stream *Stream
	for i := range g.streams {
		if g.streams[i].SourceType == sourceType && g.streams[i].Burst != nil {
			stream = &g.streams[i]
			break
		}
	}
	if stream == nil {
		return 0, fmt.Errorf("%w: unknown burst source %q", ErrBadBurst, sourceType)
	}
	if status == "" {
		status = stream.DefaultStatus
	}
	sent := 0
	for i := 0; i < count; i++ {
		if _, err := g.sub.Submit(ctx, sourceType, stream.Burst(status)); err != nil {
			return sent, err
		}
		sent++
		g.generated.Add(1)
		metrics.GeneratedEvents.WithLabelValues(sourceType, "burst").Inc()
		if i < count-1 && !sleep(ctx, g.burstDelay) {
			return sent, ctx.Err()
		}
	}
	g.log.Info().Str("source_type", sourceType).Str("status", status).Int("count", sent).Msg("burst generated")
	return sent, nil
}

func (g *Generator) run(ctx context.Context, s Stream) {
	for {
		if _, err := g.sub.Submit(ctx, s.SourceType, s.Payload()); err != nil {
			if ctx.Err() != nil {
				return
			}
			g.log.Warn().Err(err).Str("source_type", s.SourceType).Msg("generated event rejected")
		} else {
			g.generated.Add(1)
			metrics.GeneratedEvents.WithLabelValues(s.SourceType, "stream").Inc()
		}
		if !sleep(ctx, g.interval(s)) {
			return
		}
	}
}

func (g *Generator) interval(s Stream) time.Duration {
	d := s.MinInterval
	if spread := s.MaxInterval - s.MinInterval; spread > 0 {
		d += rand.N(spread)
	}
	return time.Duration(float64(d) / g.speed)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/robocomm/internal"
	"github.com/FerroO2000/robocomm/internal/config"
	"go.opentelemetry.io/otel/attribute"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the ticker configuration.
const (
	DefaultTickerConfigInterval = 100 * time.Millisecond
)

// TickerConfig structs contains the configuration for the ticker.
type TickerConfig struct {
	// Interval is the duration between ticks.
	Interval time.Duration `yaml:"interval"`

	// SkipIncomplete states whether the ticks are skipped
	// until every message type has arrived at least once.
	SkipIncomplete bool `yaml:"skip_incomplete"`
}

// NewTickerConfig returns the default configuration for the ticker.
func NewTickerConfig() *TickerConfig {
	return &TickerConfig{
		Interval: DefaultTickerConfigInterval,
	}
}

// Validate checks the configuration.
func (c *TickerConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotNegative(ac, "Interval", &c.Interval, DefaultTickerConfigInterval)
	config.CheckNotZero(ac, "Interval", &c.Interval, DefaultTickerConfigInterval)
}

//////////////
//  TICKER  //
//////////////

// TickFunc is called by the ticker with the content of the board.
type TickFunc func(ctx context.Context, tick int, snap BoardSnapshot)

// Ticker periodically reads the board and hands
// its snapshot to a downstream consumer.
type Ticker struct {
	tel *internal.Telemetry
	cfg *TickerConfig

	board  *Board
	tickFn TickFunc

	ticker *time.Ticker

	closeOnce sync.Once
	closed    chan struct{}

	// Metrics
	ticks        atomic.Int64
	skippedTicks atomic.Int64
}

// NewTicker returns a new ticker reading the given board.
func NewTicker(board *Board, tickFn TickFunc, cfg *TickerConfig) *Ticker {
	return &Ticker{
		tel: internal.NewTelemetry("storage", "ticker"),
		cfg: cfg,

		board:  board,
		tickFn: tickFn,

		closed: make(chan struct{}),
	}
}

// Init initializes the ticker.
func (t *Ticker) Init(_ context.Context) error {
	t.tel.LogInfo("initializing")

	config.NewValidator(t.tel).Validate(t.cfg)

	t.ticker = time.NewTicker(t.cfg.Interval)

	t.tel.NewCounter("ticks", func() int64 { return t.ticks.Load() })
	t.tel.NewCounter("skipped_ticks", func() int64 { return t.skippedTicks.Load() })

	return nil
}

// Run calls the tick function at every interval,
// until the context is done or the ticker is closed.
func (t *Ticker) Run(ctx context.Context) {
	defer t.ticker.Stop()

	tick := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		case <-t.ticker.C:
			tick++
			t.handleTick(ctx, tick)
		}
	}
}

func (t *Ticker) handleTick(ctx context.Context, tick int) {
	snap := t.board.Snapshot()

	if t.cfg.SkipIncomplete && !snap.IsComplete() {
		t.skippedTicks.Add(1)
		return
	}

	ctx, span := t.tel.NewTrace(ctx, "handle tick")
	defer span.End()

	span.SetAttributes(attribute.Int("tick_number", tick))

	t.tickFn(ctx, tick, snap)

	t.ticks.Add(1)
}

// Close stops the ticker.
func (t *Ticker) Close() {
	t.closeOnce.Do(func() {
		t.tel.LogInfo("closing")
		close(t.closed)
	})
}

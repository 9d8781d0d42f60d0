package storage

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FerroO2000/robocomm/geometry"
	"github.com/FerroO2000/robocomm/internal/config"
	"github.com/FerroO2000/robocomm/msgs"
	"github.com/stretchr/testify/assert"
)

func Test_TickerConfig_Validate(t *testing.T) {
	assert := assert.New(t)

	cfg := &TickerConfig{Interval: -time.Second}
	cfg.Validate(config.NewAnomalyCollector())
	assert.Equal(DefaultTickerConfigInterval, cfg.Interval)
}

func Test_Ticker(t *testing.T) {
	assert := assert.New(t)

	board := NewBoard()
	board.Localization.Set(msgs.Localization{Pose: geometry.NewPose(2.0, 5.0, 1.0)})

	var ticks atomic.Int64
	var lastX atomic.Value

	ticker := NewTicker(board, func(_ context.Context, tick int, snap BoardSnapshot) {
		ticks.Store(int64(tick))
		if snap.Localization != nil {
			lastX.Store(snap.Localization.Value.Pose.X)
		}
	}, &TickerConfig{Interval: 5 * time.Millisecond})

	assert.NoError(ticker.Init(t.Context()))

	done := make(chan struct{})
	go func() {
		ticker.Run(t.Context())
		close(done)
	}()

	assert.Eventually(func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)
	assert.Equal(2.0, lastX.Load())

	ticker.Close()
	ticker.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ticker did not stop")
	}
}

func Test_Ticker_SkipIncomplete(t *testing.T) {
	assert := assert.New(t)

	board := NewBoard()

	var called atomic.Bool
	ticker := NewTicker(board, func(context.Context, int, BoardSnapshot) {
		called.Store(true)
	}, &TickerConfig{Interval: time.Millisecond, SkipIncomplete: true})

	assert.NoError(ticker.Init(t.Context()))

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()

	ticker.Run(ctx)

	assert.False(called.Load())
	assert.Positive(ticker.skippedTicks.Load())
}

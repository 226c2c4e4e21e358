package engine

import (
	"context"
	"testing"
	"time"

	"github.com/ronniedreams/nifty-options-agent/internal/bars"
	"github.com/ronniedreams/nifty-options-agent/internal/broker"
	"github.com/ronniedreams/nifty-options-agent/internal/config"
	"github.com/ronniedreams/nifty-options-agent/internal/feed"
	"github.com/ronniedreams/nifty-options-agent/internal/filter"
	"github.com/ronniedreams/nifty-options-agent/internal/journal"
	"github.com/ronniedreams/nifty-options-agent/internal/notify"
	"github.com/ronniedreams/nifty-options-agent/internal/orders"
	"github.com/ronniedreams/nifty-options-agent/internal/risk"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Root {
	return config.Root{
		Thresholds: config.Thresholds{
			MinEntryPrice: 100, MaxEntryPrice: 300, MinVWAPPremium: 0.04,
			MinSLPercent: 0.02, MaxSLPercent: 0.10, TargetSLPoints: 10,
			TickSize: 0.05, ModThreshold: 1.00, ExitStopBuffer: 3.0,
		},
		Sizing: config.Sizing{RValue: 6500, LotSize: 65, MaxLotsPerPosition: 10},
		Caps:   config.Caps{MaxPositions: 5, MaxCEPositions: 3, MaxPEPositions: 3},
		Risk:   config.Risk{DailyTargetR: 5, DailyStopR: -5, ForceExitTime: "15:15", MaxSLFailureCount: 3},
		Timers: config.Timers{
			OrderbookPollSec: 1, PositionReconcileSec: 1, RiskCheckSec: 1,
			HeartbeatSec: 1, WatchdogSec: 1, ShutdownTimeoutSec: 1,
		},
		Session: config.Session{TimezoneName: "Asia/Kolkata"},
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *broker.PaperAdapter) {
	t.Helper()
	cfg := testConfig()
	paper := broker.NewPaperAdapter(0, 0, decimal.NewFromFloat(cfg.Thresholds.TickSize))
	agg := bars.New(cfg.Location())
	filterEng := filter.New(cfg.Thresholds, cfg.Sizing, agg)
	orderMgr := orders.New(paper, journal.NullJournal{}, notify.NullNotifier{}, cfg.Thresholds)
	riskGov, err := risk.NewFromConfig(cfg, journal.NullJournal{}, notify.NullNotifier{})
	require.NoError(t, err)

	var switchEvents int
	feedSup := feed.New(15*time.Second, 10*time.Second, func(from, to feed.Source, reason string) { switchEvents++ })

	symbols := []string{"NIFTY06FEB2624200CE", "NIFTY06FEB2624200PE"}
	c := New(cfg, feedSup, agg, filterEng, orderMgr, riskGov, journal.NullJournal{}, notify.NullNotifier{}, symbols)
	return c, paper
}

func TestCoordinator_RunStopsOnContextCancel(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	primary := make(chan broker.Tick)
	backup := make(chan broker.Tick)

	err := c.Run(ctx, primary, backup)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCoordinator_ShutdownStopsLoopGracefully(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	primary := make(chan broker.Tick)
	backup := make(chan broker.Tick)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, primary, backup) }()

	time.Sleep(20 * time.Millisecond)
	c.Shutdown()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop after Shutdown()")
	}
}

func TestCoordinator_ProcessesTicksWithoutPanic(t *testing.T) {
	c, paper := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	primary := make(chan broker.Tick, 64)
	backup := make(chan broker.Tick)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, primary, backup) }()

	base := time.Date(2026, 2, 6, 9, 20, 0, 0, time.UTC)
	price := decimal.NewFromInt(200)
	for minute := 0; minute < 3; minute++ {
		for i := 0; i < 6; i++ {
			ts := base.Add(time.Duration(minute)*time.Minute + time.Duration(i)*5*time.Second)
			primary <- broker.Tick{Symbol: "NIFTY06FEB2624200CE", TsMs: ts.UnixMilli(), LastPrice: price, VolumeDelta: int64((minute*6 + i + 1) * 100), Source: "primary"}
		}
	}
	time.Sleep(100 * time.Millisecond)

	cancel()
	<-done

	hist := paper // paper kept to avoid unused-var; real assertion is no panic during tick processing
	_ = hist
}

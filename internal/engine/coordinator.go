// Package engine implements the Coordinator from spec.md §4.7 and §5:
// a single-threaded cooperative event loop that applies ticks to
// BarAggregator, forwards bar closes to the per-symbol SwingDetectors
// and the FilterEngine, submits the resulting diff to OrderManager,
// and consults the RiskGovernor on its own cadence. Tick ingress is
// kept off the loop (its own goroutine per source, posting onto a
// bounded channel); journal writes run on the loop through
// internal/journal's synchronous Append. Modeled
// on the teacher's cmd/decision main loop (a select over tick/timer
// channels driving one synchronous decision step per iteration) with
// goroutines and channel hand-off.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/ronniedreams/nifty-options-agent/internal/bars"
	"github.com/ronniedreams/nifty-options-agent/internal/broker"
	"github.com/ronniedreams/nifty-options-agent/internal/config"
	"github.com/ronniedreams/nifty-options-agent/internal/feed"
	"github.com/ronniedreams/nifty-options-agent/internal/filter"
	"github.com/ronniedreams/nifty-options-agent/internal/journal"
	"github.com/ronniedreams/nifty-options-agent/internal/notify"
	"github.com/ronniedreams/nifty-options-agent/internal/observ"
	"github.com/ronniedreams/nifty-options-agent/internal/orders"
	"github.com/ronniedreams/nifty-options-agent/internal/risk"
	"github.com/ronniedreams/nifty-options-agent/internal/swing"
	"github.com/shopspring/decimal"
)

// tickQueueSoftLimit and tickQueueHardLimit bound the tick ingress
// channel per spec.md §5 ("if the queue exceeds a soft threshold, the
// supervisor logs a saturation warning; exceeding a hard threshold
// triggers a data-watchdog shutdown").
const (
	tickQueueSoftLimit = 500
	tickQueueHardLimit = 2000
)

// Coordinator owns the event loop. It is constructed once per session
// with every collaborator already wired.
type Coordinator struct {
	cfg config.Root
	loc *time.Location

	feedSup    *feed.Supervisor
	aggregator *bars.Aggregator
	swings     map[string]*swing.Detector
	filterEng  *filter.Engine
	orderMgr   *orders.Manager
	riskGov    *risk.Governor
	jrnl       journal.Journal
	notifier   notify.Notifier

	symbols []string

	ticks       chan broker.Tick
	shutdownCh  chan struct{}
	shutdownErr error
	mu          sync.Mutex
}

// New assembles a Coordinator. symbols is the strike window's full
// symbol set (CE and PE across ±N strikes), subscribed at startup.
func New(
	cfg config.Root,
	feedSup *feed.Supervisor,
	aggregator *bars.Aggregator,
	filterEng *filter.Engine,
	orderMgr *orders.Manager,
	riskGov *risk.Governor,
	jrnl journal.Journal,
	notifier notify.Notifier,
	symbols []string,
) *Coordinator {
	swings := make(map[string]*swing.Detector, len(symbols))
	for _, s := range symbols {
		swings[s] = swing.New()
	}
	return &Coordinator{
		cfg:        cfg,
		loc:        cfg.Location(),
		feedSup:    feedSup,
		aggregator: aggregator,
		swings:     swings,
		filterEng:  filterEng,
		orderMgr:   orderMgr,
		riskGov:    riskGov,
		jrnl:       jrnl,
		notifier:   notifier,
		symbols:    symbols,
		ticks:      make(chan broker.Tick, tickQueueHardLimit),
		shutdownCh: make(chan struct{}),
	}
}

// pumpSource copies ticks from src onto the coordinator's shared
// ingress channel, tagging saturation per spec.md §5. One goroutine
// per feed source; this is the off-loop I/O boundary.
func (c *Coordinator) pumpSource(ctx context.Context, src <-chan broker.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-src:
			if !ok {
				return
			}
			if len(c.ticks) >= tickQueueHardLimit {
				observ.Error(observ.TagFeed, "tick_queue_hard_limit", nil, map[string]any{"depth": len(c.ticks), "source": t.Source})
				c.Shutdown()
				return
			}
			if len(c.ticks) >= tickQueueSoftLimit {
				observ.Warn(observ.TagFeed, "tick_queue_saturated", map[string]any{"depth": len(c.ticks), "source": t.Source})
			}
			select {
			case c.ticks <- t:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Run drives the event loop until ctx is cancelled or Shutdown is
// called. primaryTicks/backupTicks are the two feed sources consumed
// by FeedSupervisor; they are pumped by dedicated goroutines onto the
// single ingress channel the loop selects on, per spec.md §5.
func (c *Coordinator) Run(ctx context.Context, primaryTicks, backupTicks <-chan broker.Tick) error {
	var wg sync.WaitGroup
	pumpCtx, cancelPump := context.WithCancel(ctx)
	defer cancelPump()

	wg.Add(2)
	go func() { defer wg.Done(); c.pumpSource(pumpCtx, primaryTicks) }()
	go func() { defer wg.Done(); c.pumpSource(pumpCtx, backupTicks) }()

	orderbookPoll := time.NewTicker(time.Duration(c.cfg.Timers.OrderbookPollSec) * time.Second)
	positionReconcile := time.NewTicker(time.Duration(c.cfg.Timers.PositionReconcileSec) * time.Second)
	riskCheck := time.NewTicker(time.Duration(c.cfg.Timers.RiskCheckSec) * time.Second)
	heartbeat := time.NewTicker(time.Duration(c.cfg.Timers.HeartbeatSec) * time.Second)
	watchdog := time.NewTicker(time.Duration(c.cfg.Timers.WatchdogSec) * time.Second)
	defer orderbookPoll.Stop()
	defer positionReconcile.Stop()
	defer riskCheck.Stop()
	defer heartbeat.Stop()
	defer watchdog.Stop()

	observ.Log(observ.TagEngine, "coordinator_started", map[string]any{"symbols": len(c.symbols)})
	_ = c.jrnl.Append(journal.SessionSummary, map[string]any{"event": "startup"})

	defer func() {
		cancelPump()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			c.shutdown(context.Background())
			return ctx.Err()
		case <-c.shutdownCh:
			c.shutdown(context.Background())
			return c.shutdownErr
		case t := <-c.ticks:
			c.onTick(t)
		case <-orderbookPoll.C:
			c.onOrderbookPoll(ctx)
		case <-positionReconcile.C:
			c.orderMgr.ReconcilePositionBook(ctx)
		case <-riskCheck.C:
			c.onRiskCheck(ctx)
		case <-heartbeat.C:
			observ.Log(observ.TagEngine, "heartbeat", map[string]any{"latch": c.riskGov.Latch().String(), "cumulative_r": c.riskGov.CumulativeR().String()})
		case <-watchdog.C:
			c.onWatchdog(ctx)
		}
	}
}

// Shutdown requests a graceful stop from outside the loop; pumpSource
// calls it when the tick queue hits its hard limit. (cmd/agent stops
// the loop on SIGINT/SIGTERM by cancelling Run's context instead.)
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.shutdownCh:
	default:
		close(c.shutdownCh)
	}
}

func (c *Coordinator) onTick(t broker.Tick) {
	now := time.Now().In(c.loc)
	observ.IncCounter("ticks_processed_total", map[string]string{"source": t.Source})
	bt := bars.Tick{Symbol: t.Symbol, TsMs: t.TsMs, LastPrice: t.LastPrice, VolumeDelta: t.VolumeDelta, Source: t.Source}

	var forward bars.Tick
	var ok bool
	switch t.Source {
	case "backup":
		forward, ok = c.feedSup.OnBackupTick(bt)
	default:
		forward, ok = c.feedSup.OnPrimaryTick(bt, now)
	}
	c.feedSup.Evaluate(now)
	if !ok {
		return
	}

	bar, closed := c.aggregator.OnTick(forward)
	if closed {
		observ.IncCounter("bars_closed_total", map[string]string{"symbol": forward.Symbol})
		c.onBarClose(forward.Symbol, bar)
	}

	// Stage-2/3 react to every tick, not just bar closes, per spec.md §4.4.
	c.reevaluateFilterAndOrders(context.Background())
}

func (c *Coordinator) onBarClose(sym string, bar bars.Bar) {
	det, ok := c.swings[sym]
	if !ok {
		return
	}
	events := det.OnBarClose(bar)
	c.filterEng.OnBarClose(sym, bar)

	for _, ev := range events {
		switch ev.EventKind {
		case swing.NewSwing:
			if ev.Swing.Kind != swing.Low {
				continue
			}
			observ.IncCounter("swings_confirmed_total", map[string]string{"symbol": sym})
			observ.Log(observ.TagSwing, "swing_confirmed", map[string]any{"symbol": sym, "price": ev.Swing.Price.String()})
			_ = c.jrnl.Append(journal.SwingConfirmed, map[string]any{"symbol": sym, "price": ev.Swing.Price.String()})
			gated := c.filterEng.OnNewSwingLow(sym, ev.Swing.Price, bar.High, ev.Swing.VWAPAtFormation)
			if gated {
				observ.Log(observ.TagFilter, "candidate_gated", map[string]any{"symbol": sym})
				_ = c.jrnl.Append(journal.CandidateGated, map[string]any{"symbol": sym})
			} else {
				observ.Log(observ.TagFilter, "candidate_disqualified", map[string]any{"symbol": sym, "stage": "static"})
				_ = c.jrnl.Append(journal.CandidateDisqualified, map[string]any{"symbol": sym, "stage": "static"})
			}
		case swing.SwingUpdated:
			if ev.Swing.Kind != swing.Low {
				continue
			}
			observ.Log(observ.TagSwing, "swing_updated", map[string]any{"symbol": sym, "price": ev.Swing.Price.String()})
			_ = c.jrnl.Append(journal.SwingUpdated, map[string]any{"symbol": sym, "price": ev.Swing.Price.String()})
			c.filterEng.OnSwingUpdated(sym, ev.Swing.Price)
		case swing.SwingBroken:
			if ev.Swing.Kind != swing.Low {
				continue
			}
			observ.Log(observ.TagSwing, "swing_broken", map[string]any{"symbol": sym})
			_ = c.jrnl.Append(journal.SwingBroken, map[string]any{"symbol": sym})
			c.filterEng.Invalidate(sym)
		}
	}
}

func (c *Coordinator) reevaluateFilterAndOrders(ctx context.Context) {
	if c.riskGov.Latch() == risk.Halted {
		return
	}
	best := c.filterEng.Reevaluate()

	if best.CE != nil && !c.canEnter("CE") {
		best.CE = nil
	}
	if best.PE != nil && !c.canEnter("PE") {
		best.PE = nil
	}
	c.orderMgr.Reevaluate(ctx, best)
}

func (c *Coordinator) canEnter(side string) bool {
	return c.riskGov.CanEnter(side, c.orderMgr.Positions())
}

func (c *Coordinator) onOrderbookPoll(ctx context.Context) {
	filled, closed := c.orderMgr.ReconcileOrders(ctx)
	for _, sym := range filled {
		observ.Log(observ.TagFill, "entry_reconciled", map[string]any{"symbol": sym})
	}
	for _, pos := range closed {
		c.riskGov.RecordRealized(pos)
	}
	if len(closed) > 0 {
		// A fill just moved cumulative R; re-evaluate the ±5R halt bound
		// immediately rather than waiting for the next risk-check tick,
		// per spec.md §4.6/P10's "no new entry orders" guarantee.
		c.evaluateRisk(ctx)
	}
}

func (c *Coordinator) onRiskCheck(ctx context.Context) {
	c.evaluateRisk(ctx)

	now := time.Now().In(c.loc)
	c.riskGov.CheckCutoff(ctx, now, c.orderMgr)
	c.riskGov.RecordStopFailure(ctx, c.orderMgr.ProtectiveStopFailureStreak(), c.orderMgr)
}

// evaluateRisk recomputes cumulative R from current marks and runs the
// ±5R halt check, reporting the resulting gauges/health status. Called
// on every risk-check tick and, additionally, immediately after any
// position closes so the halt latch reacts without waiting out the
// risk-check ticker's cadence.
func (c *Coordinator) evaluateRisk(ctx context.Context) {
	positions := c.orderMgr.Positions()
	marks := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		if live, ok := c.aggregator.CurrentLiveHigh(p.Symbol); ok {
			marks[p.Symbol] = live
		}
	}
	c.riskGov.EvaluateR(ctx, positions, marks, c.orderMgr)

	cumR, _ := c.riskGov.CumulativeR().Float64()
	observ.SetGauge("cumulative_r", cumR, nil)
	observ.SetGauge("open_positions", float64(len(positions)), nil)
	status := "healthy"
	if c.riskGov.Latch() == risk.Halted {
		status = "halted"
	}
	observ.SetHealth(status, map[string]string{"feed_source": c.feedSup.ActiveSource().String()})
}

func (c *Coordinator) onWatchdog(ctx context.Context) {
	now := time.Now().In(c.loc)
	if c.feedSup.CoverageStale(now) {
		observ.IncCounter("watchdog_feed_stale_total", nil)
		observ.Error(observ.TagEngine, "feed_coverage_stale", nil, map[string]any{})
		c.riskGov.InvariantViolation(ctx, "feed_coverage_stale", c.orderMgr)
	}
}

// shutdown runs the SHUTDOWN_TIMEOUT-bounded graceful stop sequence
// from spec.md §5: stop new ticks (the caller already has, by exiting
// the select loop), cancel pending entries + submit covers, flush the
// journal, and report.
func (c *Coordinator) shutdown(parent context.Context) {
	timeout := time.Duration(c.cfg.Timers.ShutdownTimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	observ.Log(observ.TagEngine, "shutdown_initiated", map[string]any{"timeout_sec": c.cfg.Timers.ShutdownTimeoutSec})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.orderMgr.FlattenAll(ctx)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		observ.Error(observ.TagEngine, "shutdown_flatten_timeout", ctx.Err(), map[string]any{})
		_ = c.notifier.Notify(parent, notify.KindCritical, "shutdown flatten did not complete in time", "")
	}

	_ = c.jrnl.Append(journal.SessionSummary, c.riskGov.SessionSummary())
	if closer, ok := c.jrnl.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	observ.Log(observ.TagEngine, "shutdown_complete", nil)
}

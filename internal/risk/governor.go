// Package risk implements PositionTracker + RiskGovernor from
// spec.md §4.6: it computes realized/unrealized R across open
// positions, enforces per-side and total position caps, and triggers
// session-end flattening at the cumulative-R bounds or the cutoff
// time. Restructured from the teacher's graduated, event-sourced
// CircuitBreaker (internal/risk/circuitbreaker.go, deleted — see
// DESIGN.md) into a two-state latch (Live, Halted), since spec.md's
// risk rule is binary: ±5R or cutoff stops the session outright, with
// no graduated size reduction. The event-sourcing idiom (an
// append-only, timestamped trail of every state transition) is kept,
// now journaled through internal/journal instead of a bespoke event
// log file.
package risk

import (
	"context"
	"time"

	"github.com/ronniedreams/nifty-options-agent/internal/config"
	"github.com/ronniedreams/nifty-options-agent/internal/journal"
	"github.com/ronniedreams/nifty-options-agent/internal/notify"
	"github.com/ronniedreams/nifty-options-agent/internal/observ"
	"github.com/ronniedreams/nifty-options-agent/internal/orders"
	"github.com/shopspring/decimal"
)

// Latch is the Governor's two states, per spec.md §4.6.
type Latch int

const (
	Live Latch = iota
	Halted
)

func (l Latch) String() string {
	if l == Halted {
		return "halted"
	}
	return "live"
}

// Caps holds the position limits from spec.md §3 and §4.6.
type Caps struct {
	MaxPositions   int
	MaxCEPositions int
	MaxPEPositions int
}

// Thresholds holds the session risk bounds from spec.md §4.6.
type Thresholds struct {
	RValue            decimal.Decimal
	DailyTargetR      decimal.Decimal
	DailyStopR        decimal.Decimal
	MaxSLFailureCount int
}

// Flattener is the subset of orders.Manager the Governor drives on a
// halt trigger; expressed as an interface (rather than importing the
// concrete type everywhere) to keep the dependency direction one-way
// (risk -> orders) per the Design Notes' "no cyclic references".
type Flattener interface {
	FlattenAll(ctx context.Context)
	SetHaltedForEntries(bool)
}

// Governor is the PositionTracker + RiskGovernor component.
type Governor struct {
	caps       Caps
	thresholds Thresholds
	cutoffHour, cutoffMinute int

	jrnl     journal.Journal
	notifier notify.Notifier

	latch           Latch
	cumulativeR     decimal.Decimal
	realizedR       decimal.Decimal
	haltReason      string
}

// New creates a Governor enforcing caps/thresholds; cutoffHour/Minute
// is FORCE_EXIT_TIME in session-local time (spec.md §4.6, default 15:15).
func New(caps Caps, thresholds Thresholds, cutoffHour, cutoffMinute int, jrnl journal.Journal, notifier notify.Notifier) *Governor {
	return &Governor{
		caps: caps, thresholds: thresholds,
		cutoffHour: cutoffHour, cutoffMinute: cutoffMinute,
		jrnl: jrnl, notifier: notifier,
		latch: Live,
	}
}

// NewFromConfig builds a Governor from the composed config.Root,
// parsing Risk.ForceExitTime via config.Root.ForceExitClock.
func NewFromConfig(cfg config.Root, jrnl journal.Journal, notifier notify.Notifier) (*Governor, error) {
	hour, minute, err := cfg.ForceExitClock()
	if err != nil {
		return nil, err
	}
	caps := Caps{
		MaxPositions:   cfg.Caps.MaxPositions,
		MaxCEPositions: cfg.Caps.MaxCEPositions,
		MaxPEPositions: cfg.Caps.MaxPEPositions,
	}
	thresholds := Thresholds{
		RValue:            decimal.NewFromFloat(cfg.Sizing.RValue),
		DailyTargetR:       decimal.NewFromFloat(cfg.Risk.DailyTargetR),
		DailyStopR:         decimal.NewFromFloat(cfg.Risk.DailyStopR),
		MaxSLFailureCount: cfg.Risk.MaxSLFailureCount,
	}
	return New(caps, thresholds, hour, minute, jrnl, notifier), nil
}

// Latch reports the current session latch.
func (g *Governor) Latch() Latch { return g.latch }

// CumulativeR reports the current session cumulative R (realized + unrealized).
func (g *Governor) CumulativeR() decimal.Decimal { return g.cumulativeR }

// CanEnter reports whether a new position of side may be opened given
// the current open positions, per spec.md §4.6's cap rules. It also
// rejects while halted.
func (g *Governor) CanEnter(side string, openPositions []orders.Position) bool {
	if g.latch == Halted {
		return false
	}
	total, ce, pe := 0, 0, 0
	for _, p := range openPositions {
		if p.Status != orders.Active {
			continue
		}
		total++
		switch string(p.Side) {
		case "CE":
			ce++
		case "PE":
			pe++
		}
	}
	if total >= g.caps.MaxPositions {
		return false
	}
	switch side {
	case "CE":
		return ce < g.caps.MaxCEPositions
	case "PE":
		return pe < g.caps.MaxPEPositions
	}
	return true
}

// EvaluateR recomputes cumulative R from realized P&L on closed
// positions plus unrealized P&L on open positions (marked from the
// price the caller supplies per symbol; the Coordinator passes each
// symbol's in-progress bar high), and triggers a halt
// if it crosses the ±5R bound (spec.md §4.6, P10).
func (g *Governor) EvaluateR(ctx context.Context, openPositions []orders.Position, markPrice map[string]decimal.Decimal, flattener Flattener) {
	unrealized := decimal.Zero
	for _, p := range openPositions {
		if p.Status != orders.Active {
			continue
		}
		mark, ok := markPrice[p.Symbol]
		if !ok {
			continue
		}
		pnl := p.EntryPrice.Sub(mark).Mul(decimal.NewFromInt(int64(p.Qty)))
		unrealized = unrealized.Add(pnl)
	}
	unrealizedR := decimal.Zero
	if g.thresholds.RValue.IsPositive() {
		unrealizedR = unrealized.Div(g.thresholds.RValue)
	}
	g.cumulativeR = g.realizedR.Add(unrealizedR)

	if g.latch == Live && (g.cumulativeR.GreaterThanOrEqual(g.thresholds.DailyTargetR) || g.cumulativeR.LessThanOrEqual(g.thresholds.DailyStopR)) {
		reason := "daily_target"
		if g.cumulativeR.LessThanOrEqual(g.thresholds.DailyStopR) {
			reason = "daily_stop"
		}
		g.halt(ctx, reason, flattener)
	}
}

// RecordRealized folds one closed position's realized R into the
// session total, per spec.md §4.6 ("Per-position R at close").
func (g *Governor) RecordRealized(pos orders.Position) {
	if !pos.HasRealizedPnL || !g.thresholds.RValue.IsPositive() {
		return
	}
	r := pos.RealizedPnL.Div(g.thresholds.RValue)
	g.realizedR = g.realizedR.Add(r)
	observ.Log(observ.TagRisk, "realized_r_updated", map[string]any{"symbol": pos.Symbol, "r": r.String(), "cumulative_realized_r": g.realizedR.String()})
}

// CheckCutoff halts the session if now (session-local) is at or past
// FORCE_EXIT_TIME, per spec.md §4.6.
func (g *Governor) CheckCutoff(ctx context.Context, now time.Time, flattener Flattener) {
	if g.latch == Halted {
		return
	}
	if now.Hour() > g.cutoffHour || (now.Hour() == g.cutoffHour && now.Minute() >= g.cutoffMinute) {
		g.halt(ctx, "cutoff_time", flattener)
	}
}

// RecordStopFailure is called on every risk check with orders.Manager's
// current streak of consecutive protective-stop arming failures; once
// the streak reaches MAX_SL_FAILURE_COUNT, it halts per spec.md §4.6.
func (g *Governor) RecordStopFailure(ctx context.Context, streak int, flattener Flattener) {
	if streak >= g.thresholds.MaxSLFailureCount && g.latch == Live {
		g.halt(ctx, "protective_stop_failures", flattener)
	}
}

// InvariantViolation is the panic-equivalent path from spec.md §7: log
// with full state, cancel all pending, submit covers, halt.
func (g *Governor) InvariantViolation(ctx context.Context, detail string, flattener Flattener) {
	observ.Error(observ.TagRisk, "invariant_violation", nil, map[string]any{"detail": detail, "cumulative_r": g.cumulativeR.String()})
	g.halt(ctx, "invariant_violation:"+detail, flattener)
}

func (g *Governor) halt(ctx context.Context, reason string, flattener Flattener) {
	g.latch = Halted
	g.haltReason = reason
	observ.IncCounter("risk_halts_total", map[string]string{"reason": reason})
	observ.Error(observ.TagRisk, "risk_halt", nil, map[string]any{"reason": reason, "cumulative_r": g.cumulativeR.String()})
	if err := g.jrnl.Append(journal.RiskHalt, map[string]any{"reason": reason, "cumulative_r": g.cumulativeR.String()}); err != nil {
		observ.Warn(observ.TagRisk, "journal_append_failed", map[string]any{"err": err.Error()})
	}
	_ = g.notifier.Notify(ctx, notify.KindRiskHalt, "session halted", reason)

	flattener.SetHaltedForEntries(true)
	flattener.FlattenAll(ctx)
}

// SessionSummary returns the final session-level journal payload,
// emitted by the Coordinator on shutdown.
func (g *Governor) SessionSummary() map[string]any {
	return map[string]any{
		"latch":         g.latch.String(),
		"halt_reason":   g.haltReason,
		"cumulative_r":  g.cumulativeR.String(),
		"realized_r":    g.realizedR.String(),
	}
}

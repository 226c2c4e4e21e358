// Package orders implements the per-side pending-order state machine
// and position bookkeeping from spec.md §4.5: place/modify/replace/
// cancel as FilterEngine's chosen best changes, protective-stop
// arming on fill, and reconciliation against the broker's order and
// position books. Generalizes the teacher's retry-with-fixed-spacing
// pattern seen at its broker call sites (internal/adapters) into
// placeWithRetry (3 attempts, 2s spacing, transient-vs-permanent
// classification per broker.ErrKind).
package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ronniedreams/nifty-options-agent/internal/broker"
	"github.com/ronniedreams/nifty-options-agent/internal/config"
	"github.com/ronniedreams/nifty-options-agent/internal/filter"
	"github.com/ronniedreams/nifty-options-agent/internal/journal"
	"github.com/ronniedreams/nifty-options-agent/internal/notify"
	"github.com/ronniedreams/nifty-options-agent/internal/observ"
	"github.com/ronniedreams/nifty-options-agent/internal/symbol"
	"github.com/shopspring/decimal"
)

// PositionStatus is a Position's lifecycle stage per spec.md §3.
type PositionStatus int

const (
	Active PositionStatus = iota
	Closing
	Closed
)

// PendingEntry is the at-most-one-per-side resting entry order, per spec.md §3.
type PendingEntry struct {
	Side        symbol.Side
	Symbol      string
	OrderID     string
	LimitPrice  decimal.Decimal
	TriggerHigh decimal.Decimal // highest_high_since_swing at placement, for exit-stop seeding
	Quantity    int
	PlacedAt    time.Time
}

// Position is an open (or recently closed) short, per spec.md §3.
type Position struct {
	Symbol         string
	Side           symbol.Side
	Qty            int
	EntryPrice     decimal.Decimal
	EntryTs        time.Time
	ExitSLOrderID  string
	HasExitSL      bool
	RealizedPnL    decimal.Decimal
	HasRealizedPnL bool
	RMultiple      decimal.Decimal
	Status         PositionStatus
	correlationID  string
}

// Manager is the OrderManager component.
type Manager struct {
	adapter  broker.Adapter
	jrnl     journal.Journal
	notifier notify.Notifier
	cfg      config.Thresholds

	tickSize     decimal.Decimal
	modThreshold decimal.Decimal
	exitBuffer   decimal.Decimal

	pending       map[symbol.Side]*PendingEntry
	positions     map[string]*Position // keyed by symbol
	seenFillOrder map[string]bool       // idempotency: order_id already processed as a fill

	haltedForEntries bool
	slFailureStreak  int
}

// New creates a Manager wired to adapter/jrnl/notifier with the
// filter-engine thresholds relevant to order placement (tick size, the
// modification-suppression threshold, and the exit stop-limit buffer).
func New(adapter broker.Adapter, jrnl journal.Journal, notifier notify.Notifier, cfg config.Thresholds) *Manager {
	return &Manager{
		adapter:       adapter,
		jrnl:          jrnl,
		notifier:      notifier,
		cfg:           cfg,
		tickSize:      decimal.NewFromFloat(cfg.TickSize),
		modThreshold:  decimal.NewFromFloat(cfg.ModThreshold),
		exitBuffer:    decimal.NewFromFloat(cfg.ExitStopBuffer),
		pending:       map[symbol.Side]*PendingEntry{},
		positions:     map[string]*Position{},
		seenFillOrder: map[string]bool{},
	}
}

// SetHaltedForEntries refuses new placements: the RiskGovernor calls it
// on a session halt, and placeWithRetry calls it on an auth/session
// error, per spec.md §7.
func (m *Manager) SetHaltedForEntries(halted bool) { m.haltedForEntries = halted }

// Positions returns a snapshot of all tracked positions, consumed by
// risk.Governor to compute cumulative R.
func (m *Manager) Positions() []Position {
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// PendingEntries returns a snapshot of both sides' pending entries.
func (m *Manager) PendingEntries() map[symbol.Side]PendingEntry {
	out := map[symbol.Side]PendingEntry{}
	for side, pe := range m.pending {
		out[side] = *pe
	}
	return out
}

// Reevaluate runs the per-side diff table from spec.md §4.5 against
// FilterEngine's current best, for both sides.
func (m *Manager) Reevaluate(ctx context.Context, best filter.CurrentBest) {
	m.reevaluateSide(ctx, symbol.CE, best.CE)
	m.reevaluateSide(ctx, symbol.PE, best.PE)
}

func (m *Manager) reevaluateSide(ctx context.Context, side symbol.Side, want *filter.DynamicCandidate) {
	current := m.pending[side]

	switch {
	case current == nil && want == nil:
		return
	case current == nil && want != nil:
		if m.haltedForEntries {
			return
		}
		m.placeEntry(ctx, side, *want)
	case current != nil && want == nil:
		m.cancelEntry(ctx, side, current, "disqualified")
	case current.Symbol != want.Symbol:
		m.cancelEntry(ctx, side, current, "replaced_by_"+want.Symbol)
		if !m.haltedForEntries && m.pending[side] == nil {
			m.placeEntry(ctx, side, *want)
		}
	default:
		newLimit := want.EntryPrice.Sub(m.tickSize)
		if newLimit.Sub(current.LimitPrice).Abs().GreaterThan(m.modThreshold) {
			m.modifyEntry(ctx, side, current, newLimit, want.HighestHighSinceSwing)
		}
		// else: price unchanged beyond threshold — nothing, per spec.md §8 P7.
	}
}

func (m *Manager) placeEntry(ctx context.Context, side symbol.Side, want filter.DynamicCandidate) {
	limitPrice := want.EntryPrice.Sub(m.tickSize)
	req := broker.PlaceRequest{
		Symbol: want.Symbol, Side: broker.Sell, Type: broker.Limit,
		Price: limitPrice, Qty: want.Quantity, Product: broker.Intraday,
	}
	orderID, err := m.placeWithRetry(ctx, req)
	if err != nil {
		observ.Warn(observ.TagOrder, "entry_place_failed", map[string]any{"symbol": want.Symbol, "side": string(side), "err": err.Error()})
		return
	}
	m.pending[side] = &PendingEntry{
		Side: side, Symbol: want.Symbol, OrderID: orderID,
		LimitPrice: limitPrice, TriggerHigh: want.HighestHighSinceSwing,
		Quantity: want.Quantity, PlacedAt: time.Now(),
	}
	observ.IncCounter("orders_placed_total", map[string]string{"side": string(side)})
	observ.Log(observ.TagOrder, "order_placed", map[string]any{
		"symbol": want.Symbol, "side": string(side), "limit": limitPrice.String(), "qty": want.Quantity,
	})
	m.appendJournal(journal.OrderPlaced, map[string]any{
		"symbol": want.Symbol, "side": string(side), "order_id": orderID,
		"limit_price": limitPrice.String(), "quantity": want.Quantity,
	})
}

func (m *Manager) modifyEntry(ctx context.Context, side symbol.Side, current *PendingEntry, newLimit, newHighestHigh decimal.Decimal) {
	if err := m.adapter.Modify(ctx, current.OrderID, newLimit, decimal.Zero, false); err != nil {
		m.handleModifyError(ctx, side, current, err)
		return
	}
	current.LimitPrice = newLimit
	current.TriggerHigh = newHighestHigh
	observ.Log(observ.TagOrder, "order_modified", map[string]any{
		"symbol": current.Symbol, "side": string(side), "order_id": current.OrderID, "new_limit": newLimit.String(),
	})
	m.appendJournal(journal.OrderModified, map[string]any{
		"symbol": current.Symbol, "order_id": current.OrderID, "new_limit_price": newLimit.String(),
	})
}

func (m *Manager) handleModifyError(ctx context.Context, side symbol.Side, current *PendingEntry, err error) {
	var bErr *broker.Error
	if castErr, ok := err.(*broker.Error); ok {
		bErr = castErr
	}
	if bErr != nil && bErr.Kind == broker.Permanent {
		// The order may already be gone (filled/cancelled underneath us);
		// next reconciliation poll will clear or reprocess the slot.
		observ.Warn(observ.TagOrder, "order_modify_permanent_error", map[string]any{"symbol": current.Symbol, "err": err.Error()})
		return
	}
	observ.Warn(observ.TagOrder, "order_modify_transient_error", map[string]any{"symbol": current.Symbol, "err": err.Error()})
}

func (m *Manager) cancelEntry(ctx context.Context, side symbol.Side, current *PendingEntry, reason string) {
	err := m.adapter.Cancel(ctx, current.OrderID)
	if err != nil {
		// Verify via a poll before declaring the slot clear, per spec.md §4.5.
		if !m.orderConfirmedNotOpen(ctx, current.OrderID) {
			observ.Warn(observ.TagOrder, "cancel_unconfirmed", map[string]any{"symbol": current.Symbol, "order_id": current.OrderID})
			return
		}
	}
	delete(m.pending, side)
	observ.IncCounter("orders_cancelled_total", map[string]string{"side": string(side), "reason": reason})
	observ.Log(observ.TagOrder, "order_cancelled", map[string]any{
		"symbol": current.Symbol, "side": string(side), "order_id": current.OrderID, "reason": reason,
	})
	m.appendJournal(journal.OrderCancelled, map[string]any{
		"symbol": current.Symbol, "order_id": current.OrderID, "reason": reason,
	})
}

func (m *Manager) orderConfirmedNotOpen(ctx context.Context, orderID string) bool {
	book, err := m.adapter.OrderBook(ctx)
	if err != nil {
		return false
	}
	for _, o := range book {
		if o.OrderID == orderID {
			return o.Status != broker.Open
		}
	}
	return true // missing from the book: treat as not-open
}

// placeWithRetry attempts req up to 3 times with 2s spacing on
// transient errors, per spec.md §4.5 and §7.
func (m *Manager) placeWithRetry(ctx context.Context, req broker.PlaceRequest) (string, error) {
	const maxAttempts = 3
	const spacing = 2 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		orderID, err := m.adapter.Place(ctx, req)
		if err == nil {
			return orderID, nil
		}
		lastErr = err

		bErr, ok := err.(*broker.Error)
		if ok && bErr.Kind == broker.Permanent {
			return "", err
		}
		if ok && bErr.Kind == broker.AuthSession {
			m.SetHaltedForEntries(true)
			return "", err
		}
		if attempt < maxAttempts {
			select {
			case <-time.After(spacing):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", lastErr
}

// ReconcileOrders runs the orderbook poll (every ORDERBOOK_POLL_INTERVAL,
// per spec.md §4.5). It returns the symbols of newly-filled entries and
// a snapshot of any positions closed this cycle (for risk.Governor's
// realized-R accounting), for the caller to log/notify.
func (m *Manager) ReconcileOrders(ctx context.Context) (filled []string, closed []Position) {
	book, err := m.adapter.OrderBook(ctx)
	if err != nil {
		observ.Warn(observ.TagReconcile, "orderbook_poll_failed", map[string]any{"err": err.Error()})
		return nil, nil
	}
	byID := make(map[string]broker.OrderBookEntry, len(book))
	for _, o := range book {
		byID[o.OrderID] = o
	}

	for side, pe := range m.pending {
		entry, ok := byID[pe.OrderID]
		switch {
		case !ok:
			observ.Warn(observ.TagReconcile, "pending_entry_missing_from_book", map[string]any{"symbol": pe.Symbol, "order_id": pe.OrderID})
			delete(m.pending, side)
		case entry.Status == broker.Complete:
			if m.onEntryFilled(ctx, side, pe, entry) {
				filled = append(filled, pe.Symbol)
			}
			delete(m.pending, side)
		case entry.Status == broker.Rejected || entry.Status == broker.Cancelled:
			delete(m.pending, side)
		}
	}

	for sym, pos := range m.positions {
		if !pos.HasExitSL {
			continue
		}
		entry, ok := byID[pos.ExitSLOrderID]
		switch {
		case !ok:
			observ.Warn(observ.TagReconcile, "exit_stop_missing_rearm", map[string]any{"symbol": sym})
			m.rearmProtectiveStop(ctx, pos)
		case entry.Status == broker.Complete:
			if closedPos := m.onExitFilled(ctx, pos, entry); closedPos != nil {
				closed = append(closed, *closedPos)
			}
		}
	}
	return filled, closed
}

func (m *Manager) onEntryFilled(ctx context.Context, side symbol.Side, pe *PendingEntry, entry broker.OrderBookEntry) bool {
	if m.seenFillOrder[entry.OrderID] {
		return false
	}
	m.seenFillOrder[entry.OrderID] = true

	price := pe.LimitPrice
	if entry.HasAvgPrice {
		price = entry.AvgPrice
	}
	pos := &Position{
		Symbol: pe.Symbol, Side: side, Qty: entry.FilledQty,
		EntryPrice: price, EntryTs: time.Now(), Status: Active,
		correlationID: uuid.NewString(),
	}
	m.positions[pe.Symbol] = pos

	observ.IncCounter("orders_filled_total", map[string]string{"side": string(side)})
	observ.Log(observ.TagFill, "order_filled", map[string]any{"symbol": pe.Symbol, "side": string(side), "price": price.String(), "qty": entry.FilledQty})
	m.appendJournal(journal.OrderFilled, map[string]any{"symbol": pe.Symbol, "order_id": entry.OrderID, "price": price.String(), "qty": entry.FilledQty})
	m.appendJournal(journal.PositionOpened, map[string]any{"symbol": pe.Symbol, "side": string(side), "entry_price": price.String(), "qty": entry.FilledQty})

	m.armProtectiveStop(ctx, pos, pe.TriggerHigh)
	return true
}

// armProtectiveStop places the stop-limit BUY per spec.md §9's
// disambiguation: trigger = highest_high_since_swing + 1, limit =
// trigger + 3.
func (m *Manager) armProtectiveStop(ctx context.Context, pos *Position, highestHigh decimal.Decimal) {
	trigger := highestHigh.Add(decimal.NewFromInt(1))
	limit := trigger.Add(m.exitBuffer)

	req := broker.PlaceRequest{
		Symbol: pos.Symbol, Side: broker.Buy, Type: broker.StopLimit,
		Price: limit, Trigger: trigger, HasTrigger: true, Qty: pos.Qty, Product: broker.Intraday,
	}
	orderID, err := m.placeWithRetry(ctx, req)
	if err != nil {
		m.slFailureStreak++
		observ.Error(observ.TagExit, "protective_stop_arm_failed", err, map[string]any{"symbol": pos.Symbol, "streak": m.slFailureStreak})
		_ = m.notifier.Notify(ctx, notify.KindCritical, "protective stop arming failed", fmt.Sprintf("%s: %v", pos.Symbol, err))
		return
	}
	m.slFailureStreak = 0
	pos.ExitSLOrderID = orderID
	pos.HasExitSL = true
	observ.Log(observ.TagExit, "exit_stop_placed", map[string]any{"symbol": pos.Symbol, "trigger": trigger.String(), "limit": limit.String()})
	m.appendJournal(journal.OrderPlaced, map[string]any{"symbol": pos.Symbol, "order_id": orderID, "kind": "protective_stop", "trigger": trigger.String(), "limit": limit.String()})
}

// ProtectiveStopFailureStreak reports consecutive arming failures, for
// risk.Governor's MAX_SL_FAILURE_COUNT check (spec.md §4.6).
func (m *Manager) ProtectiveStopFailureStreak() int { return m.slFailureStreak }

func (m *Manager) rearmProtectiveStop(ctx context.Context, pos *Position) {
	pos.HasExitSL = false
	highestHigh := pos.EntryPrice // best available estimate if the original trigger context is gone
	m.armProtectiveStop(ctx, pos, highestHigh)
	_ = m.notifier.Notify(ctx, notify.KindCritical, "protective stop missing, rearmed", pos.Symbol)
}

func (m *Manager) onExitFilled(ctx context.Context, pos *Position, entry broker.OrderBookEntry) *Position {
	if m.seenFillOrder[entry.OrderID] {
		return nil
	}
	m.seenFillOrder[entry.OrderID] = true

	exitPrice := pos.EntryPrice
	if entry.HasAvgPrice {
		exitPrice = entry.AvgPrice
	}
	pos.RealizedPnL = pos.EntryPrice.Sub(exitPrice).Mul(decimal.NewFromInt(int64(pos.Qty)))
	pos.HasRealizedPnL = true
	pos.Status = Closed

	realized, _ := pos.RealizedPnL.Float64()
	observ.Observe("position_realized_pnl", realized, map[string]string{"side": string(pos.Side)})
	observ.Log(observ.TagExit, "position_closed", map[string]any{"symbol": pos.Symbol, "exit_price": exitPrice.String(), "realized_pnl": pos.RealizedPnL.String()})
	m.appendJournal(journal.PositionClosed, map[string]any{"symbol": pos.Symbol, "exit_price": exitPrice.String(), "realized_pnl": pos.RealizedPnL.String()})
	closedSnapshot := *pos
	delete(m.positions, pos.Symbol)
	return &closedSnapshot
}

// ReconcilePositionBook reconciles the broker's authoritative position
// book against internal state, per spec.md §4.5 (every 60s). An
// internal position missing from the broker book is marked closed and
// dropped; no exit price is inferred and no realized P&L is recorded
// for it. An orphaned broker position is adopted and a protective stop
// is placed for it immediately, without checking the order book for an
// existing one.
func (m *Manager) ReconcilePositionBook(ctx context.Context) {
	brokerPositions, err := m.adapter.PositionBook(ctx)
	if err != nil {
		observ.Warn(observ.TagReconcile, "positionbook_poll_failed", map[string]any{"err": err.Error()})
		return
	}
	bySymbol := make(map[string]broker.PositionBookEntry, len(brokerPositions))
	for _, p := range brokerPositions {
		bySymbol[p.Symbol] = p
	}

	for sym, pos := range m.positions {
		if _, ok := bySymbol[sym]; !ok {
			observ.Warn(observ.TagReconcile, "internal_position_missing_from_broker", map[string]any{"symbol": sym})
			pos.Status = Closed
			delete(m.positions, sym)
		}
	}

	for sym, bp := range bySymbol {
		if _, ok := m.positions[sym]; ok {
			continue
		}
		side := symbol.CE
		if parsed, err := symbol.Parse(sym); err == nil {
			side = parsed.Side
		}
		qty := bp.Qty
		if qty < 0 {
			qty = -qty
		}
		pos := &Position{Symbol: sym, Side: side, Qty: qty, EntryPrice: bp.AvgPrice, EntryTs: time.Now(), Status: Active}
		m.positions[sym] = pos
		observ.Warn(observ.TagReconcile, "adopted_orphan_broker_position", map[string]any{"symbol": sym})
		m.armProtectiveStop(ctx, pos, bp.AvgPrice)
	}
}

// FlattenAll cancels every pending entry and submits market covers for
// every open position, used by risk.Governor on a halt trigger and by
// the Coordinator on shutdown (spec.md §4.6, §5).
func (m *Manager) FlattenAll(ctx context.Context) {
	for side, pe := range m.pending {
		if err := m.adapter.Cancel(ctx, pe.OrderID); err != nil {
			observ.Warn(observ.TagRisk, "flatten_cancel_failed", map[string]any{"symbol": pe.Symbol, "err": err.Error()})
		}
		delete(m.pending, side)
	}
	for sym, pos := range m.positions {
		if pos.Status != Active {
			continue
		}
		pos.Status = Closing
		req := broker.PlaceRequest{Symbol: sym, Side: broker.Buy, Type: broker.Market, Qty: pos.Qty, Product: broker.Intraday}
		if _, err := m.placeWithRetry(ctx, req); err != nil {
			observ.Error(observ.TagRisk, "flatten_cover_failed", err, map[string]any{"symbol": sym})
			_ = m.notifier.Notify(ctx, notify.KindCritical, "flatten cover failed", sym)
		}
	}
}

func (m *Manager) appendJournal(kind journal.EventKind, data map[string]any) {
	if err := m.jrnl.Append(kind, data); err != nil {
		observ.Warn(observ.TagOrder, "journal_append_failed", map[string]any{"kind": string(kind), "err": err.Error()})
	}
}

package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// pendingOrder is one order held by the paper book. It fills against
// the synthetic tick stream (see tryFill): a SELL limit fills once last price touches
// the limit from above; a BUY stop-limit fills once last price touches
// the trigger from below, at (at most) the limit.
type pendingOrder struct {
	req      PlaceRequest
	status   OrderStatus
	filled   int
	avgPrice decimal.Decimal
}

// PaperAdapter simulates broker fills in-memory, with configurable
// latency and slippage, adapted from the teacher's
// adapters.SimQuotesAdapter random-walk quote simulator and the
// outbox's fill-journaling idiom (fills are recorded, not guessed,
// at the moment a synthetic tick crosses the order's price).
type PaperAdapter struct {
	mu           sync.Mutex
	rnd          *rand.Rand
	orders       map[string]*pendingOrder
	positions    map[string]PositionBookEntry
	latency      time.Duration
	slippageTick decimal.Decimal
	ticks        chan Tick
	lastPrice    map[string]decimal.Decimal
}

// NewPaperAdapter creates an in-memory paper-trading adapter. latency
// is the simulated per-call round trip; slippageTick is added against
// the trader on every fill (in symbol tick_size units) to avoid
// optimistic backtests.
func NewPaperAdapter(latency time.Duration, slippageTicks int, tickSize decimal.Decimal) *PaperAdapter {
	return &PaperAdapter{
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
		orders:       map[string]*pendingOrder{},
		positions:    map[string]PositionBookEntry{},
		latency:      latency,
		slippageTick: tickSize.Mul(decimal.NewFromInt(int64(slippageTicks))),
		ticks:        make(chan Tick, 1024),
		lastPrice:    map[string]decimal.Decimal{},
	}
}

func (p *PaperAdapter) simulateLatency(ctx context.Context) error {
	if p.latency <= 0 {
		return nil
	}
	select {
	case <-time.After(p.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PaperAdapter) Place(ctx context.Context, req PlaceRequest) (string, error) {
	if err := p.simulateLatency(ctx); err != nil {
		return "", NewTransientError("place", "context cancelled", err)
	}
	if req.Qty <= 0 {
		return "", NewPermanentError("place", fmt.Sprintf("invalid qty %d", req.Qty), nil)
	}
	id := uuid.NewString()

	p.mu.Lock()
	p.orders[id] = &pendingOrder{req: req, status: Open}
	p.mu.Unlock()
	return id, nil
}

func (p *PaperAdapter) Modify(ctx context.Context, orderID string, price, trigger decimal.Decimal, hasTrigger bool) error {
	if err := p.simulateLatency(ctx); err != nil {
		return NewTransientError("modify", "context cancelled", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok || o.status != Open {
		return NewPermanentError("modify", "order not open", nil)
	}
	o.req.Price = price
	if hasTrigger {
		o.req.Trigger = trigger
		o.req.HasTrigger = true
	}
	return nil
}

func (p *PaperAdapter) Cancel(ctx context.Context, orderID string) error {
	if err := p.simulateLatency(ctx); err != nil {
		return NewTransientError("cancel", "context cancelled", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return NewPermanentError("cancel", "unknown order", nil)
	}
	if o.status == Open {
		o.status = Cancelled
	}
	return nil
}

func (p *PaperAdapter) OrderBook(ctx context.Context) ([]OrderBookEntry, error) {
	if err := p.simulateLatency(ctx); err != nil {
		return nil, NewTransientError("orderbook", "context cancelled", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OrderBookEntry, 0, len(p.orders))
	for id, o := range p.orders {
		out = append(out, OrderBookEntry{
			OrderID: id, Symbol: o.req.Symbol, Status: o.status,
			FilledQty: o.filled, AvgPrice: o.avgPrice, HasAvgPrice: o.filled > 0,
		})
	}
	return out, nil
}

func (p *PaperAdapter) PositionBook(ctx context.Context) ([]PositionBookEntry, error) {
	if err := p.simulateLatency(ctx); err != nil {
		return nil, NewTransientError("positionbook", "context cancelled", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PositionBookEntry, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

// TickStream returns the channel synthetic ticks are fed into by
// InjectTick; it exists so PaperAdapter satisfies Adapter in
// replay/backtest-adjacent tooling without a live gateway.
func (p *PaperAdapter) TickStream(ctx context.Context) (<-chan Tick, error) {
	return p.ticks, nil
}

// InjectTick feeds one synthetic tick through the paper book, checking
// every open order for a cross, and forwards it on the tick channel
// for downstream bar aggregation.
func (p *PaperAdapter) InjectTick(t Tick) {
	p.mu.Lock()
	p.lastPrice[t.Symbol] = t.LastPrice
	for _, o := range p.orders {
		if o.status != Open || o.req.Symbol != t.Symbol {
			continue
		}
		p.tryFill(o, t.LastPrice)
	}
	p.mu.Unlock()

	select {
	case p.ticks <- t:
	default:
	}
}

func (p *PaperAdapter) tryFill(o *pendingOrder, last decimal.Decimal) {
	var crossed bool
	var fillPrice decimal.Decimal

	switch o.req.Type {
	case Limit:
		if o.req.Side == Sell && last.LessThanOrEqual(o.req.Price) {
			crossed = true
			fillPrice = o.req.Price.Sub(p.slippageTick)
		}
	case StopLimit:
		if o.req.Side == Buy && o.req.HasTrigger && last.GreaterThanOrEqual(o.req.Trigger) {
			crossed = true
			fillPrice = o.req.Price
			if fillPrice.LessThan(o.req.Trigger) {
				fillPrice = o.req.Trigger
			}
			fillPrice = fillPrice.Add(p.slippageTick)
		}
	case Market:
		crossed = true
		fillPrice = last
		if o.req.Side == Buy {
			fillPrice = fillPrice.Add(p.slippageTick)
		} else {
			fillPrice = fillPrice.Sub(p.slippageTick)
		}
	}
	if !crossed {
		return
	}

	o.status = Complete
	o.filled = o.req.Qty
	o.avgPrice = fillPrice

	pos, exists := p.positions[o.req.Symbol]
	delta := o.req.Qty
	if o.req.Side == Sell {
		delta = -o.req.Qty
	}
	newQty := delta
	if exists {
		newQty = pos.Qty + delta
	}
	if newQty == 0 {
		delete(p.positions, o.req.Symbol)
	} else {
		p.positions[o.req.Symbol] = PositionBookEntry{Symbol: o.req.Symbol, Qty: newQty, AvgPrice: fillPrice}
	}
}

func (p *PaperAdapter) Close() error {
	close(p.ticks)
	return nil
}

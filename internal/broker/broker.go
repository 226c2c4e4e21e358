// Package broker defines the adapter contract the core consumes to
// place/modify/cancel orders and poll the order/position book, per
// spec.md §6. Two implementations exist (paper.go, live.go), mirroring
// the teacher's "two implementations each" pattern for pluggable
// collaborators (observed across adapters.QuotesAdapter's sim/live
// split) and spec.md §9's "paper / live" requirement.
package broker

import (
	"context"

	"github.com/shopspring/decimal"
)

// OrderType enumerates the order types spec.md §1 allows: market,
// limit, and stop-limit. No other order types are in scope.
type OrderType string

const (
	Market    OrderType = "market"
	Limit     OrderType = "limit"
	StopLimit OrderType = "stop_limit"
)

// Side is the transaction direction (not to be confused with
// symbol.Side, the CE/PE option right).
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Product is the broker's margining product; this system only uses
// intraday (auto-flattening) product per the GLOSSARY.
type Product string

const Intraday Product = "MIS"

// OrderStatus mirrors the broker's order lifecycle states, per spec.md §6.
type OrderStatus string

const (
	Open      OrderStatus = "OPEN"
	Complete  OrderStatus = "COMPLETE"
	Rejected  OrderStatus = "REJECTED"
	Cancelled OrderStatus = "CANCELLED"
)

// ErrKind classifies a broker error per spec.md §7's taxonomy so call
// sites can decide retry vs escalate without string-matching errors,
// generalized from the teacher's adapters.QuoteError.Type tagging.
type ErrKind int

const (
	Transient ErrKind = iota
	Permanent
	AuthSession
)

// Error wraps a broker call failure with its classification.
type Error struct {
	Kind    ErrKind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Op + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Op + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func NewTransientError(op, message string, cause error) *Error {
	return &Error{Kind: Transient, Op: op, Message: message, Cause: cause}
}

func NewPermanentError(op, message string, cause error) *Error {
	return &Error{Kind: Permanent, Op: op, Message: message, Cause: cause}
}

func NewAuthSessionError(op, message string, cause error) *Error {
	return &Error{Kind: AuthSession, Op: op, Message: message, Cause: cause}
}

// OrderBookEntry is one order as reported by the broker, per spec.md §6.
type OrderBookEntry struct {
	OrderID    string
	Symbol     string
	Status     OrderStatus
	FilledQty  int
	AvgPrice   decimal.Decimal
	HasAvgPrice bool
}

// PositionBookEntry is one open position as reported by the broker,
// per spec.md §6.
type PositionBookEntry struct {
	Symbol   string
	Qty      int
	AvgPrice decimal.Decimal
}

// Tick is the wire shape the broker's tick stream delivers; bars.Tick
// is derived from this at the ingestion boundary.
type Tick struct {
	Symbol      string
	TsMs        int64
	LastPrice   decimal.Decimal
	VolumeDelta int64
	Source      string
}

// PlaceRequest carries everything needed to place one order.
type PlaceRequest struct {
	Symbol  string
	Side    Side
	Type    OrderType
	Price   decimal.Decimal // limit price; ignored for Market
	Trigger decimal.Decimal // stop-limit trigger; ignored otherwise
	HasTrigger bool
	Qty     int
	Product Product
}

// Adapter is the broker contract the core depends on. TickStream is
// consumed by the Coordinator to feed FeedSupervisor; the other calls
// are owned exclusively by internal/orders.Manager per spec.md §5
// ("the broker adapter is owned by OrderManager").
type Adapter interface {
	Place(ctx context.Context, req PlaceRequest) (orderID string, err error)
	Modify(ctx context.Context, orderID string, price decimal.Decimal, trigger decimal.Decimal, hasTrigger bool) error
	Cancel(ctx context.Context, orderID string) error
	OrderBook(ctx context.Context) ([]OrderBookEntry, error)
	PositionBook(ctx context.Context) ([]PositionBookEntry, error)
	TickStream(ctx context.Context) (<-chan Tick, error)
	Close() error
}

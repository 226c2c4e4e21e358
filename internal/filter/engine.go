// Package filter implements the three-stage continuous candidate
// filter from spec.md §4.4: a static price/VWAP gate evaluated once at
// swing formation, a dynamic stop-distance gate re-evaluated on every
// tick, and a deterministic per-side tie-break.
package filter

import (
	"sort"

	"github.com/ronniedreams/nifty-options-agent/internal/bars"
	"github.com/ronniedreams/nifty-options-agent/internal/config"
	"github.com/ronniedreams/nifty-options-agent/internal/symbol"
	"github.com/shopspring/decimal"
)

// StaticCandidate is born when a swing low passes the Stage-1 gate and
// stays immutable (aside from its tracked highest-high and the price
// carried from in-place swing updates) until invalidated.
type StaticCandidate struct {
	Symbol            string
	Side              symbol.Side
	EntryPrice        decimal.Decimal
	VWAPAtFormation   decimal.Decimal
	HighestClosedHigh decimal.Decimal
}

// DynamicCandidate is the per-tick re-derivation of a StaticCandidate,
// per spec.md §3.
type DynamicCandidate struct {
	Symbol                string
	Side                  symbol.Side
	EntryPrice            decimal.Decimal
	HighestHighSinceSwing decimal.Decimal
	SLTrigger             decimal.Decimal
	SLPoints              decimal.Decimal
	SLPercent             decimal.Decimal
	Lots                  int
	Quantity              int
	ActualR               decimal.Decimal
}

// CurrentBest is the Stage-3 output: at most one candidate per side.
type CurrentBest struct {
	CE *DynamicCandidate
	PE *DynamicCandidate
}

var one = decimal.NewFromInt(1)

// Engine is the FilterEngine component, shared across all symbols in
// the strike window.
type Engine struct {
	thresholds config.Thresholds
	sizing     config.Sizing
	aggregator *bars.Aggregator

	static map[string]*StaticCandidate
}

// New creates an Engine reading Stage-2 gate bounds and position
// sizing from cfg, and consulting agg for each symbol's live high.
func New(thresholds config.Thresholds, sizing config.Sizing, agg *bars.Aggregator) *Engine {
	return &Engine{
		thresholds: thresholds,
		sizing:     sizing,
		aggregator: agg,
		static:     map[string]*StaticCandidate{},
	}
}

// OnNewSwingLow runs the Stage-1 static gate for a freshly confirmed
// swing low (spec.md §4.4). swingBarHigh is the high of the bar that
// formed the swing, used to seed the tracked highest-high-since-swing.
// If a StaticCandidate already existed for sym, it is always replaced
// or removed by this call, per spec.md §3 ("A new swing low for the
// same symbol" invalidates a prior failing candidate).
func (e *Engine) OnNewSwingLow(sym string, swingPrice, swingBarHigh, vwapAtFormation decimal.Decimal) bool {
	if !e.passesStaticGate(swingPrice, vwapAtFormation) {
		delete(e.static, sym)
		return false
	}
	side := symbol.CE
	if parsed, err := symbol.Parse(sym); err == nil {
		side = parsed.Side
	}
	e.static[sym] = &StaticCandidate{
		Symbol:            sym,
		Side:              side,
		EntryPrice:        swingPrice,
		VWAPAtFormation:   vwapAtFormation,
		HighestClosedHigh: swingBarHigh,
	}
	return true
}

func (e *Engine) passesStaticGate(price, vwap decimal.Decimal) bool {
	minPrice := decimal.NewFromFloat(e.thresholds.MinEntryPrice)
	maxPrice := decimal.NewFromFloat(e.thresholds.MaxEntryPrice)
	if price.LessThan(minPrice) || price.GreaterThan(maxPrice) {
		return false
	}
	if !vwap.IsPositive() {
		return false
	}
	premium := price.Sub(vwap).Div(vwap)
	return premium.GreaterThanOrEqual(decimal.NewFromFloat(e.thresholds.MinVWAPPremium))
}

// OnSwingUpdated carries an in-place swing price update into the
// StaticCandidate without re-running Stage-1 (spec.md §4.4,
// VWAPAtFormation is preserved as it is an attribute of the swing, not
// of the update).
func (e *Engine) OnSwingUpdated(sym string, newPrice decimal.Decimal) {
	sc, ok := e.static[sym]
	if !ok {
		return
	}
	sc.EntryPrice = newPrice
}

// OnBarClose feeds every closed bar for sym into the tracked
// highest-high-since-swing, regardless of whether sym currently has a
// StaticCandidate (a no-op when it doesn't).
func (e *Engine) OnBarClose(sym string, b bars.Bar) {
	sc, ok := e.static[sym]
	if !ok {
		return
	}
	if b.High.GreaterThan(sc.HighestClosedHigh) {
		sc.HighestClosedHigh = b.High
	}
}

// Invalidate removes sym's StaticCandidate: its swing broke, a new
// swing low failed Stage-1, or the session ended (spec.md §4.4).
func (e *Engine) Invalidate(sym string) {
	delete(e.static, sym)
}

// HasCandidate reports whether sym currently holds a StaticCandidate.
func (e *Engine) HasCandidate(sym string) bool {
	_, ok := e.static[sym]
	return ok
}

// Reevaluate runs Stage-2 and Stage-3 across every tracked
// StaticCandidate and returns the new CurrentBest (spec.md §4.4).
func (e *Engine) Reevaluate() CurrentBest {
	var ceCandidates, peCandidates []DynamicCandidate

	for sym, sc := range e.static {
		dc, ok := e.evaluateDynamic(sym, sc)
		if !ok {
			continue
		}
		switch sc.Side {
		case symbol.CE:
			ceCandidates = append(ceCandidates, dc)
		case symbol.PE:
			peCandidates = append(peCandidates, dc)
		}
	}

	return CurrentBest{
		CE: tieBreak(ceCandidates),
		PE: tieBreak(peCandidates),
	}
}

func (e *Engine) evaluateDynamic(sym string, sc *StaticCandidate) (DynamicCandidate, bool) {
	highestHigh := sc.HighestClosedHigh
	if liveHigh, ok := e.aggregator.CurrentLiveHigh(sym); ok && liveHigh.GreaterThan(highestHigh) {
		highestHigh = liveHigh
	}

	slTrigger := highestHigh.Add(one)
	slPoints := slTrigger.Sub(sc.EntryPrice)
	if !sc.EntryPrice.IsPositive() {
		return DynamicCandidate{}, false
	}
	slPercent := slPoints.Div(sc.EntryPrice)

	minSL := decimal.NewFromFloat(e.thresholds.MinSLPercent)
	maxSL := decimal.NewFromFloat(e.thresholds.MaxSLPercent)
	if slPercent.LessThan(minSL) || slPercent.GreaterThan(maxSL) {
		return DynamicCandidate{}, false
	}

	lotSize := decimal.NewFromInt(int64(e.sizing.LotSize))
	rValue := decimal.NewFromFloat(e.sizing.RValue)
	denom := slPoints.Mul(lotSize)
	if !denom.IsPositive() {
		return DynamicCandidate{}, false
	}
	lotsWanted := rValue.Div(denom)
	lots := int(lotsWanted.IntPart())
	if lots > e.sizing.MaxLotsPerPosition {
		lots = e.sizing.MaxLotsPerPosition
	}
	if lots < 1 {
		return DynamicCandidate{}, false
	}

	quantity := lots * e.sizing.LotSize
	actualR := slPoints.Mul(decimal.NewFromInt(int64(quantity)))

	return DynamicCandidate{
		Symbol:                sym,
		Side:                  sc.Side,
		EntryPrice:            sc.EntryPrice,
		HighestHighSinceSwing: highestHigh,
		SLTrigger:             slTrigger,
		SLPoints:              slPoints,
		SLPercent:             slPercent,
		Lots:                  lots,
		Quantity:              quantity,
		ActualR:               actualR,
	}, true
}

// tieBreak applies Stage-3, per spec.md §4.4: minimize |sl_points -
// TARGET_SL_POINTS|, then prefer a round-hundred strike, then the
// highest entry price. Returns nil if cands is empty.
func tieBreak(cands []DynamicCandidate) *DynamicCandidate {
	if len(cands) == 0 {
		return nil
	}
	target := decimal.NewFromInt(10)

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		da := a.SLPoints.Sub(target).Abs()
		db := b.SLPoints.Sub(target).Abs()
		if !da.Equal(db) {
			return da.LessThan(db)
		}
		aRound := isRoundStrike(a.Symbol)
		bRound := isRoundStrike(b.Symbol)
		if aRound != bRound {
			return aRound
		}
		if !a.EntryPrice.Equal(b.EntryPrice) {
			return a.EntryPrice.GreaterThan(b.EntryPrice)
		}
		// Fully tied: fall back to Symbol so the winner is reproducible
		// across runs instead of depending on map-iteration order.
		return a.Symbol < b.Symbol
	})
	best := cands[0]
	return &best
}

func isRoundStrike(sym string) bool {
	parsed, err := symbol.Parse(sym)
	if err != nil {
		return false
	}
	return parsed.Strike%100 == 0
}

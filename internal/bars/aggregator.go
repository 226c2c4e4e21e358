// Package bars folds a per-symbol tick stream into fixed one-minute
// OHLCV bars aligned to wall-clock minute boundaries, and maintains a
// session-cumulative VWAP per symbol, per spec.md §3 and §4.1.
package bars

import (
	"time"

	"github.com/shopspring/decimal"
)

// historyWindow is N=400 bars retained per symbol (spec.md §3, Bar
// lifecycle: "retained up to N=400 bars per symbol").
const historyWindow = 400

// minTicksForBar is the minimum tick count a minute must accumulate to
// be emitted as a Bar; minutes with fewer ticks are dropped, not
// forward-filled (spec.md §3, §4.1).
const minTicksForBar = 5

// Tick is one market data update, per spec.md §3.
type Tick struct {
	Symbol      string
	TsMs        int64
	LastPrice   decimal.Decimal
	VolumeDelta int64 // cumulative-session volume at the feed boundary
	Source      string
}

// Bar is an emitted one-minute OHLCV bar, per spec.md §3.
type Bar struct {
	Symbol        string
	MinuteStartTs int64 // unix seconds, start of the minute
	Open          decimal.Decimal
	High          decimal.Decimal
	Low           decimal.Decimal
	Close         decimal.Decimal
	Volume        int64
	VWAPAtClose   decimal.Decimal
	TickCount     int
}

type symbolState struct {
	loc *time.Location

	currentMinute int64 // unix seconds, -1 until first tick
	open, high, low, close decimal.Decimal
	vol           int64
	ticks         int
	lastVolumeCum int64 // last seen cumulative volume_delta, to diff into per-bar volume
	haveLastVol   bool
	lastTsMs      int64
	haveLastTs    bool

	cumTPVol decimal.Decimal // sum of typical-price * volume over closed bars
	cumVol   int64
	vwap     decimal.Decimal
	haveVWAP bool

	history []Bar

	malformedDropped int64
}

// Aggregator is the BarAggregator component (spec.md §4.1), one
// instance shared across all symbols in the strike window.
type Aggregator struct {
	loc   *time.Location
	state map[string]*symbolState
}

// New creates an Aggregator whose minute boundaries are computed in loc
// (the session timezone, e.g. Asia/Kolkata).
func New(loc *time.Location) *Aggregator {
	return &Aggregator{loc: loc, state: map[string]*symbolState{}}
}

func (a *Aggregator) stateFor(symbol string) *symbolState {
	s, ok := a.state[symbol]
	if !ok {
		s = &symbolState{loc: a.loc, currentMinute: -1}
		a.state[symbol] = s
	}
	return s
}

func minuteStart(tsMs int64, loc *time.Location) int64 {
	t := time.UnixMilli(tsMs).In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc).Unix()
}

// OnTick folds one tick into the running bar for its symbol. It returns
// the just-closed Bar when the minute advances and the prior minute
// qualified (tick_count >= 5); otherwise ok is false. Malformed ticks
// (non-positive price, or a timestamp that runs backwards by more than
// one session) are dropped and counted, per spec.md §4.1 Failure.
func (a *Aggregator) OnTick(t Tick) (bar Bar, ok bool) {
	s := a.stateFor(t.Symbol)

	if !t.LastPrice.IsPositive() {
		s.malformedDropped++
		return Bar{}, false
	}
	if s.haveLastTs && t.TsMs < s.lastTsMs-sessionSpanMs {
		s.malformedDropped++
		return Bar{}, false
	}
	s.lastTsMs = t.TsMs
	s.haveLastTs = true

	minute := minuteStart(t.TsMs, s.loc)

	var closed Bar
	var closedOK bool

	if s.currentMinute == -1 {
		s.currentMinute = minute
	} else if minute != s.currentMinute {
		if s.ticks >= minTicksForBar {
			closed = Bar{
				Symbol:        t.Symbol,
				MinuteStartTs: s.currentMinute,
				Open:          s.open,
				High:          s.high,
				Low:           s.low,
				Close:         s.close,
				Volume:        s.vol,
				TickCount:     s.ticks,
			}
			tp := closed.High.Add(closed.Low).Add(closed.Close).Div(decimal.NewFromInt(3))
			tpVol := tp.Mul(decimal.NewFromInt(closed.Volume))
			s.cumTPVol = s.cumTPVol.Add(tpVol)
			s.cumVol += closed.Volume
			if s.cumVol > 0 {
				s.vwap = s.cumTPVol.Div(decimal.NewFromInt(s.cumVol))
				s.haveVWAP = true
			}
			closed.VWAPAtClose = s.vwap
			closedOK = true

			s.history = append(s.history, closed)
			if len(s.history) > historyWindow {
				s.history = s.history[len(s.history)-historyWindow:]
			}
		}
		// Reset to the new minute regardless of whether the prior
		// minute was emitted or discarded (spec.md §4.1 step 3).
		s.currentMinute = minute
		s.ticks = 0
		s.vol = 0
		s.open = decimal.Zero
		s.high = decimal.Zero
		s.low = decimal.Zero
	}

	if s.ticks == 0 {
		s.open = t.LastPrice
		s.high = t.LastPrice
		s.low = t.LastPrice
	} else {
		if t.LastPrice.GreaterThan(s.high) {
			s.high = t.LastPrice
		}
		if t.LastPrice.LessThan(s.low) {
			s.low = t.LastPrice
		}
	}
	s.close = t.LastPrice

	if s.haveLastVol && t.VolumeDelta >= s.lastVolumeCum {
		s.vol += t.VolumeDelta - s.lastVolumeCum
	}
	s.lastVolumeCum = t.VolumeDelta
	s.haveLastVol = true
	s.ticks++

	return closed, closedOK
}

// sessionSpanMs bounds how far a timestamp may run backwards before a
// tick is treated as malformed (spec.md §4.1: "non-monotonic ts with
// |Δ| > session"). One NSE trading session is well under 7 hours.
const sessionSpanMs = int64(7 * 60 * 60 * 1000)

// CurrentLiveHigh returns the accumulating high of the in-progress bar
// for symbol, required by the Stage-2 dynamic gate (spec.md §4.4) to
// react to price intra-bar, before the bar closes.
func (a *Aggregator) CurrentLiveHigh(symbol string) (decimal.Decimal, bool) {
	s, ok := a.state[symbol]
	if !ok || s.ticks == 0 {
		return decimal.Zero, false
	}
	return s.high, true
}

// BarHistory returns the ordered, immutable closed-bar history for
// symbol (oldest first), bounded to the last 400 bars.
func (a *Aggregator) BarHistory(symbol string) []Bar {
	s, ok := a.state[symbol]
	if !ok {
		return nil
	}
	out := make([]Bar, len(s.history))
	copy(out, s.history)
	return out
}

// SessionVWAP returns the current session-cumulative VWAP for symbol
// (undefined, ok=false, until the first bar closes).
func (a *Aggregator) SessionVWAP(symbol string) (decimal.Decimal, bool) {
	s, ok := a.state[symbol]
	if !ok || !s.haveVWAP {
		return decimal.Zero, false
	}
	return s.vwap, true
}

// MalformedDropped returns the count of ticks dropped as malformed for
// symbol, used to feed the sustained-rate alert in spec.md §7.
func (a *Aggregator) MalformedDropped(symbol string) int64 {
	s, ok := a.state[symbol]
	if !ok {
		return 0
	}
	return s.malformedDropped
}

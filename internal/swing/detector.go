// Package swing implements watch-based confirmation of swing highs and
// lows per symbol, per spec.md §4.3: strict kind alternation, with
// in-place updates when a more extreme candidate appears before the
// next alternation. One Detector instance is held per symbol.
package swing

import (
	"github.com/ronniedreams/nifty-options-agent/internal/bars"
	"github.com/shopspring/decimal"
)

// Kind distinguishes a swing high from a swing low.
type Kind int

const (
	None Kind = iota
	High
	Low
)

func (k Kind) String() string {
	switch k {
	case High:
		return "high"
	case Low:
		return "low"
	default:
		return "none"
	}
}

// watchConfirmThreshold is the number of qualifying subsequent bars
// required to confirm or update a swing (spec.md §4.3, §8 P2).
const watchConfirmThreshold = 2

// historyWindow bounds the retained closed-bar history per symbol.
const historyWindow = 400

// Swing is a confirmed extreme, per spec.md §3.
type Swing struct {
	Kind            Kind
	Price           decimal.Decimal
	FormedAtBarIdx  int
	VWAPAtFormation decimal.Decimal
}

// EventKind enumerates the SwingEvent kinds from spec.md §4.3.
type EventKind int

const (
	NewSwing EventKind = iota
	SwingUpdated
	SwingBroken
)

// Event is emitted on a closed bar. For SwingBroken, BreakingBar holds
// the bar that broke the swing; for NewSwing/SwingUpdated it carries
// the updated Swing.
type Event struct {
	EventKind   EventKind
	Swing       Swing
	BreakingBar bars.Bar
}

type candidate struct {
	barIndex int
	bar      bars.Bar
	watch    int
}

// Detector is the SwingDetector component, scoped to a single symbol.
type Detector struct {
	history  []bars.Bar
	barIndex int

	lastConfirmedKind Kind

	pendingLow  *candidate
	pendingHigh *candidate

	activeLow  *Swing
	activeHigh *Swing
}

// New creates a Detector for one symbol.
func New() *Detector {
	return &Detector{}
}

// ActiveLow returns the currently confirmed swing low, if any.
func (d *Detector) ActiveLow() (Swing, bool) {
	if d.activeLow == nil {
		return Swing{}, false
	}
	return *d.activeLow, true
}

// ActiveHigh returns the currently confirmed swing high, if any.
func (d *Detector) ActiveHigh() (Swing, bool) {
	if d.activeHigh == nil {
		return Swing{}, false
	}
	return *d.activeHigh, true
}

// OnBarClose folds one newly closed bar into the detector and returns
// any events raised by it, in emission order: swing_updated precedes a
// new_swing of the opposite kind, which precedes swing_broken
// (spec.md §4.3 step 5).
func (d *Detector) OnBarClose(b bars.Bar) []Event {
	idx := d.barIndex
	d.barIndex++

	var events []Event

	lowEvent, lowOK, lowReanchored := d.stepLow(b, idx)
	if lowOK {
		events = append(events, lowEvent)
	}
	highEvent, highOK, highReanchored := d.stepHigh(b, idx)
	if highOK {
		events = append(events, highEvent)
	}

	d.history = append(d.history, b)
	if len(d.history) > historyWindow {
		d.history = d.history[len(d.history)-historyWindow:]
	}

	// A bar that itself just became the new pending extreme is given a
	// chance to bounce and confirm an in-place update rather than being
	// treated as an instant break; only a later, non-extending bar that
	// revisits the level without confirming a lower extreme breaks it.
	if d.activeLow != nil && !lowReanchored && b.Low.LessThanOrEqual(d.activeLow.Price) {
		events = append(events, Event{EventKind: SwingBroken, Swing: *d.activeLow, BreakingBar: b})
		d.activeLow = nil
	}
	if d.activeHigh != nil && !highReanchored && b.High.GreaterThanOrEqual(d.activeHigh.Price) {
		events = append(events, Event{EventKind: SwingBroken, Swing: *d.activeHigh, BreakingBar: b})
		d.activeHigh = nil
	}

	return events
}

// stepLow applies the watch-increment / extremum-reanchor / confirm-or-
// update sequence for the low side (spec.md §4.3 steps 1-4). The
// returned bool reports whether pendingLow was reanchored to b.
func (d *Detector) stepLow(b bars.Bar, idx int) (Event, bool, bool) {
	if d.pendingLow != nil && b.High.GreaterThan(d.pendingLow.bar.High) && b.Close.GreaterThan(d.pendingLow.bar.Close) {
		d.pendingLow.watch++
	}
	reanchored := false
	if d.pendingLow == nil || b.Low.LessThan(d.pendingLow.bar.Low) {
		d.pendingLow = &candidate{barIndex: idx, bar: b}
		reanchored = true
	}

	if d.pendingLow.watch < watchConfirmThreshold {
		return Event{}, false, reanchored
	}
	d.pendingLow.watch = 0

	if d.activeLow == nil || d.lastConfirmedKind != Low {
		swing := Swing{
			Kind:            Low,
			Price:           d.pendingLow.bar.Low,
			FormedAtBarIdx:  d.pendingLow.barIndex,
			VWAPAtFormation: d.pendingLow.bar.VWAPAtClose,
		}
		d.activeLow = &swing
		d.lastConfirmedKind = Low
		d.pendingHigh = d.highestCandidate()
		return Event{EventKind: NewSwing, Swing: swing}, true, reanchored
	}

	d.activeLow.Price = d.pendingLow.bar.Low
	d.activeLow.FormedAtBarIdx = d.pendingLow.barIndex
	return Event{EventKind: SwingUpdated, Swing: *d.activeLow}, true, reanchored
}

// stepHigh is the symmetric counterpart of stepLow for the high side.
func (d *Detector) stepHigh(b bars.Bar, idx int) (Event, bool, bool) {
	if d.pendingHigh != nil && b.Low.LessThan(d.pendingHigh.bar.Low) && b.Close.LessThan(d.pendingHigh.bar.Close) {
		d.pendingHigh.watch++
	}
	reanchored := false
	if d.pendingHigh == nil || b.High.GreaterThan(d.pendingHigh.bar.High) {
		d.pendingHigh = &candidate{barIndex: idx, bar: b}
		reanchored = true
	}

	if d.pendingHigh.watch < watchConfirmThreshold {
		return Event{}, false, reanchored
	}
	d.pendingHigh.watch = 0

	if d.activeHigh == nil || d.lastConfirmedKind != High {
		swing := Swing{
			Kind:            High,
			Price:           d.pendingHigh.bar.High,
			FormedAtBarIdx:  d.pendingHigh.barIndex,
			VWAPAtFormation: d.pendingHigh.bar.VWAPAtClose,
		}
		d.activeHigh = &swing
		d.lastConfirmedKind = High
		d.pendingLow = d.lowestCandidate()
		return Event{EventKind: NewSwing, Swing: swing}, true, reanchored
	}

	d.activeHigh.Price = d.pendingHigh.bar.High
	d.activeHigh.FormedAtBarIdx = d.pendingHigh.barIndex
	return Event{EventKind: SwingUpdated, Swing: *d.activeHigh}, true, reanchored
}

// highestCandidate seeds a fresh pending-high candidate from the
// current-window highest bar, per spec.md §4.3 step 3.
func (d *Detector) highestCandidate() *candidate {
	if len(d.history) == 0 {
		return nil
	}
	best := d.history[0]
	bestIdx := d.barIndex - len(d.history)
	for i, b := range d.history {
		if b.High.GreaterThan(best.High) {
			best = b
			bestIdx = d.barIndex - len(d.history) + i
		}
	}
	return &candidate{barIndex: bestIdx, bar: best}
}

func (d *Detector) lowestCandidate() *candidate {
	if len(d.history) == 0 {
		return nil
	}
	best := d.history[0]
	bestIdx := d.barIndex - len(d.history)
	for i, b := range d.history {
		if b.Low.LessThan(best.Low) {
			best = b
			bestIdx = d.barIndex - len(d.history) + i
		}
	}
	return &candidate{barIndex: bestIdx, bar: best}
}

package swing

import (
	"testing"

	"github.com/ronniedreams/nifty-options-agent/internal/bars"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func bar(h, l, c, vwap string) bars.Bar {
	return bars.Bar{High: d(h), Low: d(l), Close: d(c), VWAPAtClose: d(vwap)}
}

func firstOfKind(events []Event, kind EventKind) (Event, bool) {
	for _, e := range events {
		if e.EventKind == kind {
			return e, true
		}
	}
	return Event{}, false
}

func TestDetector_ConfirmsLowAfterTwoWatches(t *testing.T) {
	det := New()
	det.OnBarClose(bar("131", "128", "129", "124")) // bar0: becomes the low candidate
	det.OnBarClose(bar("132", "128.5", "130", "124.2"))
	events := det.OnBarClose(bar("133", "129", "131", "124.4"))

	e, ok := firstOfKind(events, NewSwing)
	require.True(t, ok)
	require.Equal(t, Low, e.Swing.Kind)
	require.Equal(t, "128", e.Swing.Price.String())
	require.Equal(t, "124", e.Swing.VWAPAtFormation.String())

	low, ok := det.ActiveLow()
	require.True(t, ok)
	require.Equal(t, "128", low.Price.String())
}

func TestDetector_TiesDoNotAdvanceWatch(t *testing.T) {
	det := New()
	det.OnBarClose(bar("131", "128", "129", "124")) // bar0
	// Tie: same high and close as bar0 — must not advance the watch.
	events := det.OnBarClose(bar("131", "128.5", "129", "124.1"))
	_, ok := firstOfKind(events, NewSwing)
	require.False(t, ok)

	// One genuine qualifying bar: watch should now be 1, not yet confirmed.
	events = det.OnBarClose(bar("132", "128.8", "130", "124.2"))
	_, ok = firstOfKind(events, NewSwing)
	require.False(t, ok)

	// Second genuine qualifying bar: now confirms.
	events = det.OnBarClose(bar("133", "129", "131", "124.4"))
	e, ok := firstOfKind(events, NewSwing)
	require.True(t, ok)
	require.Equal(t, Low, e.Swing.Kind)
}

func TestDetector_AlternatesSwingKinds(t *testing.T) {
	det := New()
	det.OnBarClose(bar("131", "128", "129", "124"))     // bar0 -> low candidate
	det.OnBarClose(bar("132", "128.5", "130", "124.2"))  // bar1 -> low watch 1, becomes high candidate
	events := det.OnBarClose(bar("133", "129", "131", "124.4")) // bar2 -> confirms Low at 128
	lowEvt, ok := firstOfKind(events, NewSwing)
	require.True(t, ok)
	require.Equal(t, Low, lowEvt.Swing.Kind)

	det.OnBarClose(bar("130", "128.5", "130", "124.5"))          // bar3 -> high watch 1
	events = det.OnBarClose(bar("130", "128.2", "129.5", "124.6")) // bar4 -> confirms High at 133

	highEvt, ok := firstOfKind(events, NewSwing)
	require.True(t, ok)
	require.Equal(t, High, highEvt.Swing.Kind)
	require.Equal(t, "133", highEvt.Swing.Price.String())

	_, lowStillActive := det.ActiveLow()
	require.True(t, lowStillActive, "low swing should not have broken during alternation")
}

func TestDetector_InPlaceUpdatePreservesVWAP(t *testing.T) {
	det := New()
	det.OnBarClose(bar("131", "128", "129", "124"))
	det.OnBarClose(bar("132", "128.5", "130", "124.2"))
	events := det.OnBarClose(bar("133", "129", "131", "124.4")) // confirms Low at 128, vwap 124
	e, _ := firstOfKind(events, NewSwing)
	require.Equal(t, "124", e.Swing.VWAPAtFormation.String())

	// A lower low that doesn't itself breach on arrival (reanchor bar).
	det.OnBarClose(bar("130", "127.5", "129.8", "124.5"))
	// Two qualifying bars confirm the update on the new, lower candidate
	// (closes kept above 131 so the pending high candidate's watch, already
	// at 1 from the reanchor bar above, does not also reach confirmation).
	det.OnBarClose(bar("131", "128.5", "135", "124.6"))
	events = det.OnBarClose(bar("132", "128.8", "133", "124.7"))

	upd, ok := firstOfKind(events, SwingUpdated)
	require.True(t, ok)
	require.Equal(t, "127.5", upd.Swing.Price.String())
	require.Equal(t, "124", upd.Swing.VWAPAtFormation.String(), "vwap_at_formation must be preserved across in-place updates")

	low, _ := det.ActiveLow()
	require.Equal(t, "127.5", low.Price.String())
}

func TestDetector_BreaksSwingLow(t *testing.T) {
	det := New()
	det.OnBarClose(bar("131", "128", "129", "124"))
	det.OnBarClose(bar("132", "128.5", "130", "124.2"))
	events := det.OnBarClose(bar("133", "129", "131", "124.4"))
	_, ok := firstOfKind(events, NewSwing)
	require.True(t, ok)

	// A later, non-extending bar revisits the level without ever
	// reanchoring a lower candidate of its own: this breaks the swing.
	det.OnBarClose(bar("130", "128.5", "129.8", "124.5"))
	det.OnBarClose(bar("129.5", "128.2", "128.5", "124.5")) // low 128.2 stays above pendingLow's 128 -> no reanchor
	events = det.OnBarClose(bar("128.5", "128.0", "128.1", "124.5"))

	brk, ok := firstOfKind(events, SwingBroken)
	require.True(t, ok)
	require.Equal(t, Low, brk.Swing.Kind)

	_, stillActive := det.ActiveLow()
	require.False(t, stillActive)
}

package bars

import (
	"testing"
	"time"

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

func tickAt(symbol string, minute int, secOffset int, price string, cumVol int64) Tick {
	base := time.Date(2026, 2, 6, 9, 15, 0, 0, time.UTC)
	ts := base.Add(time.Duration(minute)*time.Minute + time.Duration(secOffset)*time.Second)
	return Tick{Symbol: symbol, TsMs: ts.UnixMilli(), LastPrice: d(price), VolumeDelta: cumVol, Source: "primary"}
}

func TestAggregator_DropsThinMinutes(t *testing.T) {
	a := New(time.UTC)
	// Only 3 ticks in minute 0 — below the 5-tick minimum.
	for i, p := range []string{"130.00", "131.00", "129.50"} {
		_, ok := a.OnTick(tickAt("NIFTY06FEB2624200CE", 0, i*5, p, int64(100+i)))
		require.False(t, ok)
	}
	// First tick of minute 1 triggers the rollover check; minute 0 is discarded.
	_, ok := a.OnTick(tickAt("NIFTY06FEB2624200CE", 1, 0, "130.00", 103))
	require.False(t, ok)
	require.Empty(t, a.BarHistory("NIFTY06FEB2624200CE"))
}

func TestAggregator_EmitsBarAtFiveTicks(t *testing.T) {
	a := New(time.UTC)
	sym := "NIFTY06FEB2624200CE"
	prices := []string{"130.00", "132.00", "128.00", "129.00", "131.00"}
	for i, p := range prices {
		_, ok := a.OnTick(tickAt(sym, 0, i*10, p, int64(100+i*2)))
		require.False(t, ok)
	}
	bar, ok := a.OnTick(tickAt(sym, 1, 0, "131.50", 112))
	require.True(t, ok)
	require.Equal(t, "130", bar.Open.String())
	require.Equal(t, "132", bar.High.String())
	require.Equal(t, "128", bar.Low.String())
	require.Equal(t, "131", bar.Close.String())
	require.Equal(t, 5, bar.TickCount)
	require.True(t, bar.VWAPAtClose.IsPositive())

	history := a.BarHistory(sym)
	require.Len(t, history, 1)
}

func TestAggregator_LiveHighUpdatesIntraBar(t *testing.T) {
	a := New(time.UTC)
	sym := "NIFTY06FEB2624200CE"
	a.OnTick(tickAt(sym, 0, 0, "130.00", 100))
	high, ok := a.CurrentLiveHigh(sym)
	require.True(t, ok)
	require.Equal(t, "130", high.String())

	a.OnTick(tickAt(sym, 0, 5, "140.00", 105))
	high, ok = a.CurrentLiveHigh(sym)
	require.True(t, ok)
	require.Equal(t, "140", high.String())
}

func TestAggregator_DropsMalformedTicks(t *testing.T) {
	a := New(time.UTC)
	sym := "NIFTY06FEB2624200CE"
	a.OnTick(tickAt(sym, 0, 0, "130.00", 100))
	_, ok := a.OnTick(Tick{Symbol: sym, TsMs: time.Date(2026, 2, 6, 9, 15, 0, 0, time.UTC).UnixMilli(), LastPrice: d("-5.00"), VolumeDelta: 101})
	require.False(t, ok)
	require.EqualValues(t, 1, a.MalformedDropped(sym))
}

func TestAggregator_HistoryBoundedTo400(t *testing.T) {
	a := New(time.UTC)
	sym := "NIFTY06FEB2624200CE"
	for minute := 0; minute < 420; minute++ {
		for i := 0; i < 5; i++ {
			a.OnTick(tickAt(sym, minute, i*5, "130.00", int64(minute*10+i)))
		}
	}
	// One more minute's first tick to force the 420th rollover.
	a.OnTick(tickAt(sym, 420, 0, "130.00", 4300))
	require.LessOrEqual(t, len(a.BarHistory(sym)), 400)
}

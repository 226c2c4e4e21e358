package orders

import (
	"context"
	"testing"

	"github.com/ronniedreams/nifty-options-agent/internal/broker"
	"github.com/ronniedreams/nifty-options-agent/internal/config"
	"github.com/ronniedreams/nifty-options-agent/internal/filter"
	"github.com/ronniedreams/nifty-options-agent/internal/journal"
	"github.com/ronniedreams/nifty-options-agent/internal/notify"
	"github.com/ronniedreams/nifty-options-agent/internal/symbol"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testThresholds() config.Thresholds {
	return config.Thresholds{
		TickSize:       0.05,
		ModThreshold:   1.00,
		ExitStopBuffer: 3.0,
	}
}

func candidate(sym string, side symbol.Side, entry, highestHigh decimal.Decimal, qty int) *filter.DynamicCandidate {
	return &filter.DynamicCandidate{
		Symbol: sym, Side: side, EntryPrice: entry,
		HighestHighSinceSwing: highestHigh, Quantity: qty,
	}
}

func TestManager_PlacesEntryOnNewBest(t *testing.T) {
	paper := broker.NewPaperAdapter(0, 0, decimal.NewFromFloat(0.05))
	mgr := New(paper, journal.NullJournal{}, notify.NullNotifier{}, testThresholds())

	best := filter.CurrentBest{CE: candidate("NIFTY06FEB2624200CE", symbol.CE, decimal.NewFromInt(130), decimal.NewFromInt(140), 585)}
	mgr.Reevaluate(context.Background(), best)

	pending := mgr.PendingEntries()
	require.Contains(t, pending, symbol.CE)
	assert.Equal(t, "NIFTY06FEB2624200CE", pending[symbol.CE].Symbol)
	assert.True(t, pending[symbol.CE].LimitPrice.Equal(decimal.NewFromFloat(129.95)))
}

func TestManager_IdempotentOnUnchangedBest(t *testing.T) {
	paper := broker.NewPaperAdapter(0, 0, decimal.NewFromFloat(0.05))
	mgr := New(paper, journal.NullJournal{}, notify.NullNotifier{}, testThresholds())
	ctx := context.Background()

	best := filter.CurrentBest{CE: candidate("NIFTY06FEB2624200CE", symbol.CE, decimal.NewFromInt(130), decimal.NewFromInt(140), 585)}
	mgr.Reevaluate(ctx, best)
	firstOrderID := mgr.PendingEntries()[symbol.CE].OrderID

	mgr.Reevaluate(ctx, best) // unchanged: spec.md P7, no broker calls expected
	secondOrderID := mgr.PendingEntries()[symbol.CE].OrderID

	assert.Equal(t, firstOrderID, secondOrderID)
}

func TestManager_CancelsWhenDisqualified(t *testing.T) {
	paper := broker.NewPaperAdapter(0, 0, decimal.NewFromFloat(0.05))
	mgr := New(paper, journal.NullJournal{}, notify.NullNotifier{}, testThresholds())
	ctx := context.Background()

	best := filter.CurrentBest{CE: candidate("NIFTY06FEB2624200CE", symbol.CE, decimal.NewFromInt(130), decimal.NewFromInt(140), 585)}
	mgr.Reevaluate(ctx, best)
	require.Contains(t, mgr.PendingEntries(), symbol.CE)

	mgr.Reevaluate(ctx, filter.CurrentBest{})
	assert.NotContains(t, mgr.PendingEntries(), symbol.CE)
}

func TestManager_ReplacesOnDifferentSymbol(t *testing.T) {
	paper := broker.NewPaperAdapter(0, 0, decimal.NewFromFloat(0.05))
	mgr := New(paper, journal.NullJournal{}, notify.NullNotifier{}, testThresholds())
	ctx := context.Background()

	mgr.Reevaluate(ctx, filter.CurrentBest{CE: candidate("NIFTY06FEB2624200CE", symbol.CE, decimal.NewFromInt(130), decimal.NewFromInt(140), 585)})
	mgr.Reevaluate(ctx, filter.CurrentBest{CE: candidate("NIFTY06FEB2624100CE", symbol.CE, decimal.NewFromInt(110), decimal.NewFromInt(124), 900)})

	pending := mgr.PendingEntries()
	require.Contains(t, pending, symbol.CE)
	assert.Equal(t, "NIFTY06FEB2624100CE", pending[symbol.CE].Symbol)
}

func TestManager_FillArmsProtectiveStopSameCycle(t *testing.T) {
	paper := broker.NewPaperAdapter(0, 1, decimal.NewFromFloat(0.05))
	mgr := New(paper, journal.NullJournal{}, notify.NullNotifier{}, testThresholds())
	ctx := context.Background()

	mgr.Reevaluate(ctx, filter.CurrentBest{CE: candidate("NIFTY06FEB2624200CE", symbol.CE, decimal.NewFromInt(130), decimal.NewFromInt(140), 585)})
	paper.InjectTick(broker.Tick{Symbol: "NIFTY06FEB2624200CE", LastPrice: decimal.NewFromFloat(129.0)})

	filled, _ := mgr.ReconcileOrders(ctx)
	require.Contains(t, filled, "NIFTY06FEB2624200CE")

	positions := mgr.Positions()
	require.Len(t, positions, 1)
	assert.True(t, positions[0].HasExitSL, "protective stop must be armed in the same reconciliation cycle as the fill (spec.md P8)")

	book, err := paper.OrderBook(ctx)
	require.NoError(t, err)
	var stopFound bool
	for _, o := range book {
		if o.Symbol == "NIFTY06FEB2624200CE" && o.Status == broker.Open {
			stopFound = true
		}
	}
	assert.True(t, stopFound, "protective stop order must be resting on the book")
}

func TestManager_ReconciliationIsIdempotentByOrderID(t *testing.T) {
	paper := broker.NewPaperAdapter(0, 1, decimal.NewFromFloat(0.05))
	mgr := New(paper, journal.NullJournal{}, notify.NullNotifier{}, testThresholds())
	ctx := context.Background()

	mgr.Reevaluate(ctx, filter.CurrentBest{CE: candidate("NIFTY06FEB2624200CE", symbol.CE, decimal.NewFromInt(130), decimal.NewFromInt(140), 585)})
	paper.InjectTick(broker.Tick{Symbol: "NIFTY06FEB2624200CE", LastPrice: decimal.NewFromFloat(129.0)})

	filled1, _ := mgr.ReconcileOrders(ctx)
	filled2, _ := mgr.ReconcileOrders(ctx)

	assert.Len(t, filled1, 1)
	assert.Len(t, filled2, 0, "a second poll must not re-process the same fill")
}

func TestManager_ReconcileOrdersReturnsClosedPositionsForRiskAccounting(t *testing.T) {
	paper := broker.NewPaperAdapter(0, 1, decimal.NewFromFloat(0.05))
	mgr := New(paper, journal.NullJournal{}, notify.NullNotifier{}, testThresholds())
	ctx := context.Background()

	mgr.Reevaluate(ctx, filter.CurrentBest{CE: candidate("NIFTY06FEB2624200CE", symbol.CE, decimal.NewFromInt(130), decimal.NewFromInt(140), 585)})
	paper.InjectTick(broker.Tick{Symbol: "NIFTY06FEB2624200CE", LastPrice: decimal.NewFromFloat(129.0)})
	_, closed := mgr.ReconcileOrders(ctx)
	require.Empty(t, closed, "entry fill alone must not report a closed position")

	// Drive price up through the protective stop's trigger to fill the cover.
	paper.InjectTick(broker.Tick{Symbol: "NIFTY06FEB2624200CE", LastPrice: decimal.NewFromFloat(145.0)})
	_, closed = mgr.ReconcileOrders(ctx)
	require.Len(t, closed, 1)
	assert.Equal(t, "NIFTY06FEB2624200CE", closed[0].Symbol)
	assert.True(t, closed[0].HasRealizedPnL)
}

package risk

import (
	"context"
	"testing"
	"time"

	"github.com/ronniedreams/nifty-options-agent/internal/journal"
	"github.com/ronniedreams/nifty-options-agent/internal/notify"
	"github.com/ronniedreams/nifty-options-agent/internal/orders"
	"github.com/ronniedreams/nifty-options-agent/internal/symbol"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFlattener struct {
	flattened bool
	halted    bool
}

func (f *fakeFlattener) FlattenAll(ctx context.Context)     { f.flattened = true }
func (f *fakeFlattener) SetHaltedForEntries(halted bool)    { f.halted = halted }

func testCaps() Caps {
	return Caps{MaxPositions: 5, MaxCEPositions: 3, MaxPEPositions: 3}
}

func testThresholds() Thresholds {
	return Thresholds{
		RValue:            decimal.NewFromInt(6500),
		DailyTargetR:      decimal.NewFromInt(5),
		DailyStopR:        decimal.NewFromInt(-5),
		MaxSLFailureCount: 3,
	}
}

func TestGovernor_CanEnterRespectsPerSideCaps(t *testing.T) {
	g := New(testCaps(), testThresholds(), 15, 15, journal.NullJournal{}, notify.NullNotifier{})

	open := []orders.Position{
		{Symbol: "NIFTY06FEB2624200CE", Side: symbol.CE, Status: orders.Active},
		{Symbol: "NIFTY06FEB2624250CE", Side: symbol.CE, Status: orders.Active},
		{Symbol: "NIFTY06FEB2624300CE", Side: symbol.CE, Status: orders.Active},
	}
	assert.False(t, g.CanEnter("CE", open), "CE cap of 3 already reached")
	assert.True(t, g.CanEnter("PE", open), "PE side untouched")
}

func TestGovernor_CanEnterRespectsTotalCap(t *testing.T) {
	g := New(Caps{MaxPositions: 2, MaxCEPositions: 3, MaxPEPositions: 3}, testThresholds(), 15, 15, journal.NullJournal{}, notify.NullNotifier{})
	open := []orders.Position{
		{Symbol: "NIFTY06FEB2624200CE", Side: symbol.CE, Status: orders.Active},
		{Symbol: "NIFTY06FEB2624200PE", Side: symbol.PE, Status: orders.Active},
	}
	assert.False(t, g.CanEnter("CE", open))
}

func TestGovernor_HaltsAtDailyStopR(t *testing.T) {
	g := New(testCaps(), testThresholds(), 15, 15, journal.NullJournal{}, notify.NullNotifier{})
	flattener := &fakeFlattener{}

	open := []orders.Position{
		{Symbol: "NIFTY06FEB2624200CE", Side: symbol.CE, Status: orders.Active, EntryPrice: decimal.NewFromInt(130), Qty: 585},
	}
	// 585 qty * (130-230) rupee adverse move = -58500, / 6500 R_VALUE = -9R, past -5R stop.
	marks := map[string]decimal.Decimal{"NIFTY06FEB2624200CE": decimal.NewFromInt(230)}

	g.EvaluateR(context.Background(), open, marks, flattener)

	assert.Equal(t, Halted, g.Latch())
	assert.True(t, flattener.flattened)
	assert.True(t, flattener.halted)
}

func TestGovernor_DoesNotHaltWithinBounds(t *testing.T) {
	g := New(testCaps(), testThresholds(), 15, 15, journal.NullJournal{}, notify.NullNotifier{})
	flattener := &fakeFlattener{}

	open := []orders.Position{
		{Symbol: "NIFTY06FEB2624200CE", Side: symbol.CE, Status: orders.Active, EntryPrice: decimal.NewFromInt(130), Qty: 585},
	}
	marks := map[string]decimal.Decimal{"NIFTY06FEB2624200CE": decimal.NewFromInt(125)}

	g.EvaluateR(context.Background(), open, marks, flattener)

	assert.Equal(t, Live, g.Latch())
	assert.False(t, flattener.flattened)
}

func TestGovernor_CheckCutoffHaltsAtForceExitTime(t *testing.T) {
	g := New(testCaps(), testThresholds(), 15, 15, journal.NullJournal{}, notify.NullNotifier{})
	flattener := &fakeFlattener{}

	before := time.Date(2026, 2, 6, 15, 14, 0, 0, time.UTC)
	g.CheckCutoff(context.Background(), before, flattener)
	assert.Equal(t, Live, g.Latch())

	atCutoff := time.Date(2026, 2, 6, 15, 15, 0, 0, time.UTC)
	g.CheckCutoff(context.Background(), atCutoff, flattener)
	assert.Equal(t, Halted, g.Latch())
	assert.True(t, flattener.flattened)
}

func TestGovernor_RecordStopFailureHaltsAtThreshold(t *testing.T) {
	g := New(testCaps(), testThresholds(), 15, 15, journal.NullJournal{}, notify.NullNotifier{})
	flattener := &fakeFlattener{}

	g.RecordStopFailure(context.Background(), 1, flattener)
	assert.Equal(t, Live, g.Latch())
	g.RecordStopFailure(context.Background(), 2, flattener)
	assert.Equal(t, Live, g.Latch())
	g.RecordStopFailure(context.Background(), 3, flattener)
	assert.Equal(t, Halted, g.Latch())
}

func TestGovernor_RecordRealizedAccumulates(t *testing.T) {
	g := New(testCaps(), testThresholds(), 15, 15, journal.NullJournal{}, notify.NullNotifier{})

	g.RecordRealized(orders.Position{RealizedPnL: decimal.NewFromInt(6500), HasRealizedPnL: true})
	require.True(t, g.realizedR.Equal(decimal.NewFromInt(1)))

	g.EvaluateR(context.Background(), nil, nil, &fakeFlattener{})
	assert.True(t, g.CumulativeR().Equal(decimal.NewFromInt(1)))
}

func TestGovernor_HaltIsLatchedOnce(t *testing.T) {
	g := New(testCaps(), testThresholds(), 15, 15, journal.NullJournal{}, notify.NullNotifier{})
	flattener := &fakeFlattener{}

	g.CheckCutoff(context.Background(), time.Date(2026, 2, 6, 15, 20, 0, 0, time.UTC), flattener)
	require.Equal(t, Halted, g.Latch())

	flattener2 := &fakeFlattener{}
	g.CheckCutoff(context.Background(), time.Date(2026, 2, 6, 15, 25, 0, 0, time.UTC), flattener2)
	assert.False(t, flattener2.flattened, "already halted, no redundant flatten call")
}

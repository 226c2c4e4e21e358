package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaperAdapter_SellLimitFillsOnCross(t *testing.T) {
	p := NewPaperAdapter(0, 1, decimal.NewFromFloat(0.05))
	ctx := context.Background()

	id, err := p.Place(ctx, PlaceRequest{
		Symbol: "NIFTY06FEB2624200CE", Side: Sell, Type: Limit,
		Price: decimal.NewFromFloat(129.95), Qty: 585, Product: Intraday,
	})
	require.NoError(t, err)

	p.InjectTick(Tick{Symbol: "NIFTY06FEB2624200CE", LastPrice: decimal.NewFromFloat(130.50)})

	book, err := p.OrderBook(ctx)
	require.NoError(t, err)
	require.Len(t, book, 1)
	assert.Equal(t, Open, book[0].Status)

	p.InjectTick(Tick{Symbol: "NIFTY06FEB2624200CE", LastPrice: decimal.NewFromFloat(129.90)})

	book, err = p.OrderBook(ctx)
	require.NoError(t, err)
	require.Len(t, book, 1)
	assert.Equal(t, Complete, book[0].Status)
	assert.Equal(t, 585, book[0].FilledQty)

	positions, err := p.PositionBook(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, -585, positions[0].Qty)

	_ = id
}

func TestPaperAdapter_CancelPreventsLaterFill(t *testing.T) {
	p := NewPaperAdapter(0, 0, decimal.NewFromFloat(0.05))
	ctx := context.Background()

	id, err := p.Place(ctx, PlaceRequest{
		Symbol: "NIFTY06FEB2624100PE", Side: Sell, Type: Limit,
		Price: decimal.NewFromFloat(150.00), Qty: 65, Product: Intraday,
	})
	require.NoError(t, err)
	require.NoError(t, p.Cancel(ctx, id))

	p.InjectTick(Tick{Symbol: "NIFTY06FEB2624100PE", LastPrice: decimal.NewFromFloat(149.00)})

	book, err := p.OrderBook(ctx)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, book[0].Status)
}

func TestPaperAdapter_StopLimitBuyFillsOnTrigger(t *testing.T) {
	p := NewPaperAdapter(0, 0, decimal.NewFromFloat(0.05))
	ctx := context.Background()

	id, err := p.Place(ctx, PlaceRequest{
		Symbol: "NIFTY06FEB2624200CE", Side: Buy, Type: StopLimit,
		Trigger: decimal.NewFromInt(141), Price: decimal.NewFromInt(144),
		HasTrigger: true, Qty: 585, Product: Intraday,
	})
	require.NoError(t, err)

	p.InjectTick(Tick{Symbol: "NIFTY06FEB2624200CE", LastPrice: decimal.NewFromInt(142)})

	book, err := p.OrderBook(ctx)
	require.NoError(t, err)
	require.Len(t, book, 1)
	assert.Equal(t, Complete, book[0].Status)
	_ = id
	_ = time.Second
}

package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gridtrader/internal/models"
)

func newTestPaperGateway(t *testing.T) *PaperGateway {
	t.Helper()
	return NewPaperGateway("BTCUSDT", 10000, 0.1, zap.NewNop().Sugar())
}

func TestPaperGatewayCreateAndCancelOrder(t *testing.T) {
	gw := newTestPaperGateway(t)
	require.True(t, gw.Connect())
	ctx := context.Background()

	order, err := gw.CreateOrder(ctx, "BTCUSDT", models.SideBuy, 49000, 0.01)
	require.NoError(t, err)
	assert.Equal(t, models.OrderOpen, order.Status)
	assert.NotEmpty(t, order.ExchangeOrderID)

	open, err := gw.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	require.NoError(t, gw.CancelOrder(ctx, "BTCUSDT", order.ExchangeOrderID))

	// A second cancel finds nothing active.
	err = gw.CancelOrder(ctx, "BTCUSDT", order.ExchangeOrderID)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPaperGatewayBuyFillsOnCross(t *testing.T) {
	gw := newTestPaperGateway(t)
	ctx := context.Background()

	order, err := gw.CreateOrder(ctx, "BTCUSDT", models.SideBuy, 49000, 0.01)
	require.NoError(t, err)

	// Price above the limit: no fill.
	filled := gw.SimulatePriceUpdate("BTCUSDT", 49500)
	assert.Empty(t, filled)

	// Price at the limit: buy crosses.
	filled = gw.SimulatePriceUpdate("BTCUSDT", 49000)
	require.Len(t, filled, 1)
	assert.Equal(t, order.ExchangeOrderID, filled[0].ExchangeOrderID)
	assert.Equal(t, models.OrderFilled, filled[0].Status)
	assert.InDelta(t, 0.01, filled[0].FilledQuantity, 1e-9)
	assert.Greater(t, filled[0].Fee, 0.0)
}

func TestPaperGatewaySellFillsOnCross(t *testing.T) {
	gw := newTestPaperGateway(t)
	ctx := context.Background()

	// Buy some base first so the sell has inventory.
	_, err := gw.CreateOrder(ctx, "BTCUSDT", models.SideBuy, 50000, 0.01)
	require.NoError(t, err)
	gw.SimulatePriceUpdate("BTCUSDT", 50000)

	sell, err := gw.CreateOrder(ctx, "BTCUSDT", models.SideSell, 51000, 0.01)
	require.NoError(t, err)

	filled := gw.SimulatePriceUpdate("BTCUSDT", 50500)
	assert.Empty(t, filled)

	filled = gw.SimulatePriceUpdate("BTCUSDT", 51000)
	require.Len(t, filled, 1)
	assert.Equal(t, sell.ExchangeOrderID, filled[0].ExchangeOrderID)
}

func TestPaperGatewayFillCallback(t *testing.T) {
	gw := newTestPaperGateway(t)
	ctx := context.Background()

	var got []models.Order
	gw.OnFill(func(o models.Order) { got = append(got, o) })

	// A panicking callback must not abort the fill.
	gw.OnFill(func(o models.Order) { panic("listener bug") })

	_, err := gw.CreateOrder(ctx, "BTCUSDT", models.SideBuy, 49000, 0.01)
	require.NoError(t, err)
	filled := gw.SimulatePriceUpdate("BTCUSDT", 48000)
	require.Len(t, filled, 1)
	require.Len(t, got, 1)
	assert.Equal(t, models.OrderFilled, got[0].Status)
}

func TestPaperGatewayBalances(t *testing.T) {
	gw := newTestPaperGateway(t)
	ctx := context.Background()

	quote, err := gw.GetBalance(ctx, "USDT")
	require.NoError(t, err)
	assert.InDelta(t, 10000, quote.Free, 1e-6)

	_, err = gw.CreateOrder(ctx, "BTCUSDT", models.SideBuy, 50000, 0.01)
	require.NoError(t, err)

	quote, err = gw.GetBalance(ctx, "USDT")
	require.NoError(t, err)
	assert.InDelta(t, 500, quote.Locked, 1e-6)

	gw.SimulatePriceUpdate("BTCUSDT", 50000)

	base, err := gw.GetBalance(ctx, "BTC")
	require.NoError(t, err)
	assert.InDelta(t, 0.01, base.Free, 1e-9)
}

func TestPaperGatewayTicker(t *testing.T) {
	gw := newTestPaperGateway(t)
	gw.SimulatePriceUpdate("BTCUSDT", 42000)

	ticker, err := gw.GetTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 42000, ticker.Price, 1e-6)
}

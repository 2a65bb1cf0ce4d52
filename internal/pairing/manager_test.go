package pairing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gridtrader/internal/grid"
	"gridtrader/internal/models"
	"gridtrader/internal/order"
)

func testGridConfig() models.GridConfig {
	return models.GridConfig{
		Symbol:                "BTCUSDT",
		TotalCapital:          500,
		NumLevels:             15,
		RangePercent:          14,
		ProfitPerLevelPercent: 0.5,
		FeePercent:            0.1,
	}
}

func newTestPairing(t *testing.T) (*Manager, *order.Manager, *grid.Calculator) {
	t.Helper()
	cfg := testGridConfig()
	calc := grid.NewCalculator(cfg)
	_, err := calc.CalculateGrid(50000)
	require.NoError(t, err)
	om := order.NewManager(cfg, calc, nil, false, zap.NewNop().Sugar())
	pm := NewManager(cfg, calc, om, zap.NewNop().Sugar())
	return pm, om, calc
}

func TestFilledBuyOpensPairWithSellPlaced(t *testing.T) {
	pm, om, _ := newTestPairing(t)
	ctx := context.Background()
	_, err := om.InitializeGridOrders(ctx)
	require.NoError(t, err)

	buy, _ := om.ActiveOrderForLevel(6)
	_, err = om.SimulateFill(buy.OrderID)
	require.NoError(t, err)

	pm.CheckAndProcessFills(ctx)

	pairs := pm.Pairs()
	require.Len(t, pairs, 1)
	pair := pairs[0]
	assert.Equal(t, models.PairSellPlaced, pair.Status)
	assert.Equal(t, 6, pair.BuyLevelID)
	assert.Equal(t, 8, pair.SellLevelID)
	assert.NotEmpty(t, pair.SellOrderID)
	assert.InDelta(t, buy.Quantity, pair.Volume, 1e-9)
}

func TestCheckAndProcessFillsIsPollSafe(t *testing.T) {
	pm, om, _ := newTestPairing(t)
	ctx := context.Background()
	_, err := om.InitializeGridOrders(ctx)
	require.NoError(t, err)

	buy, _ := om.ActiveOrderForLevel(0)
	_, err = om.SimulateFill(buy.OrderID)
	require.NoError(t, err)

	pm.CheckAndProcessFills(ctx)
	pm.CheckAndProcessFills(ctx)
	pm.CheckAndProcessFills(ctx)

	assert.Len(t, pm.Pairs(), 1, "a fill is processed exactly once")
}

func TestSellFillClosesPairAndCountsCycle(t *testing.T) {
	pm, om, _ := newTestPairing(t)
	ctx := context.Background()
	_, err := om.InitializeGridOrders(ctx)
	require.NoError(t, err)

	var completions int
	var cycleProfit float64
	pm.OnCycleComplete(func(_ models.ManagedPosition, profit float64) {
		completions++
		cycleProfit = profit
	})

	buy, _ := om.ActiveOrderForLevel(6)
	buyFilled, err := om.SimulateFill(buy.OrderID)
	require.NoError(t, err)
	pm.RunCycle(ctx)

	pair := pm.Pairs()[0]
	_, err = om.SimulateFill(pair.SellOrderID)
	require.NoError(t, err)
	pm.RunCycle(ctx)

	closed, ok := pm.Pair(pair.PairID)
	require.True(t, ok)
	assert.Equal(t, models.PairClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)

	assert.Equal(t, 1, pm.TotalCycles())
	assert.Equal(t, 1, completions)

	sell, _ := om.Order(pair.SellOrderID)
	want := (sell.Price-buyFilled.Price)*pair.Volume - buyFilled.Fee - sell.Fee
	assert.InDelta(t, want, cycleProfit, 1e-9)
	assert.InDelta(t, want, pm.TotalRealizedProfit(), 1e-9)
}

func TestLowestBuyPairsWithHighestSell(t *testing.T) {
	pm, om, calc := newTestPairing(t)
	ctx := context.Background()
	_, err := om.InitializeGridOrders(ctx)
	require.NoError(t, err)

	// Fill the lowest buy and walk price up to its paired sell.
	lowest, _ := calc.Level(0)
	om.CheckFillsAtPrice(lowest.Price)
	pm.RunCycle(ctx)

	pairs := pm.OpenPairs()
	require.NotEmpty(t, pairs)
	for _, p := range pairs {
		if p.BuyLevelID == 0 {
			assert.Equal(t, 14, p.SellLevelID)
		}
	}
}

func TestMarkOpenPairsError(t *testing.T) {
	pm, om, _ := newTestPairing(t)
	ctx := context.Background()
	_, err := om.InitializeGridOrders(ctx)
	require.NoError(t, err)

	buy, _ := om.ActiveOrderForLevel(2)
	_, err = om.SimulateFill(buy.OrderID)
	require.NoError(t, err)
	pm.RunCycle(ctx)

	n := pm.MarkOpenPairsError("grid recentered")
	assert.Equal(t, 1, n)
	assert.Empty(t, pm.OpenPairs())
	assert.Equal(t, models.PairError, pm.Pairs()[0].Status)
}

package rebalance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gridtrader/internal/config"
	"gridtrader/internal/grid"
	"gridtrader/internal/models"
	"gridtrader/internal/order"
	"gridtrader/internal/pairing"
	"gridtrader/internal/position"
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

func newTestRebalancer(t *testing.T, cfg config.RebalanceConfig) (*Rebalancer, *grid.Calculator, *order.Manager, *position.Tracker) {
	t.Helper()
	gridCfg := testGridConfig()
	calc := grid.NewCalculator(gridCfg)
	_, err := calc.CalculateGrid(50000)
	require.NoError(t, err)
	log := zap.NewNop().Sugar()
	om := order.NewManager(gridCfg, calc, nil, false, log)
	tracker := position.NewTracker(10000, log)
	pm := pairing.NewManager(gridCfg, calc, om, log)
	return NewRebalancer(cfg, gridCfg, calc, om, tracker, pm, log), calc, om, tracker
}

func TestShouldRebalanceOnlyOutsideBounds(t *testing.T) {
	r, calc, _, _ := newTestRebalancer(t, config.RebalanceConfig{})
	lower, upper := calc.Bounds()

	should, _ := r.ShouldRebalance(50000)
	assert.False(t, should)

	// Exactly on a bound is still inside.
	should, _ = r.ShouldRebalance(lower)
	assert.False(t, should)
	should, _ = r.ShouldRebalance(upper)
	assert.False(t, should)

	should, reason := r.ShouldRebalance(upper + 1)
	assert.True(t, should)
	assert.Equal(t, models.RebalancePriceAbove, reason)

	should, reason = r.ShouldRebalance(lower - 1)
	assert.True(t, should)
	assert.Equal(t, models.RebalancePriceBelow, reason)
}

func TestShouldRebalanceWithoutGrid(t *testing.T) {
	gridCfg := testGridConfig()
	calc := grid.NewCalculator(gridCfg)
	log := zap.NewNop().Sugar()
	om := order.NewManager(gridCfg, calc, nil, false, log)
	tracker := position.NewTracker(10000, log)
	pm := pairing.NewManager(gridCfg, calc, om, log)
	r := NewRebalancer(config.RebalanceConfig{}, gridCfg, calc, om, tracker, pm, log)

	should, _ := r.ShouldRebalance(50000)
	assert.False(t, should)
}

func TestExecuteRebalanceRecentersAndReinitializes(t *testing.T) {
	r, calc, om, _ := newTestRebalancer(t, config.RebalanceConfig{})
	ctx := context.Background()
	_, err := om.InitializeGridOrders(ctx)
	require.NoError(t, err)

	var started, completed []models.RebalanceAction
	r.OnStart(func(a models.RebalanceAction) { started = append(started, a) })
	r.OnComplete(func(a models.RebalanceAction) { completed = append(completed, a) })

	action, err := r.ExecuteRebalance(ctx, 55000, models.RebalancePriceAbove)
	require.NoError(t, err)
	assert.Equal(t, models.RebalanceCompleted, action.Status)
	assert.InDelta(t, 50000, action.OldCenter, 1e-6)
	assert.InDelta(t, 55000, action.NewCenter, 1e-6)
	assert.Equal(t, 7, action.OrdersPlaced)
	require.NotNil(t, action.CompletedAt)

	assert.InDelta(t, 55000, calc.CenterPrice(), 1e-6)
	assert.Len(t, calc.Levels(), 15)
	assert.Len(t, om.ActiveOrders(), 7)

	assert.Len(t, started, 1)
	assert.Len(t, completed, 1)
	assert.Len(t, r.History(), 1)
}

func TestRebalanceMinIntervalRejected(t *testing.T) {
	r, _, om, _ := newTestRebalancer(t, config.RebalanceConfig{MinInterval: time.Hour})
	ctx := context.Background()
	_, err := om.InitializeGridOrders(ctx)
	require.NoError(t, err)

	_, err = r.ExecuteRebalance(ctx, 55000, models.RebalancePriceAbove)
	require.NoError(t, err)

	_, err = r.ExecuteRebalance(ctx, 56000, models.RebalancePriceAbove)
	assert.ErrorIs(t, err, ErrTooSoon)

	// The interval guard holds for every reason, manual included.
	_, err = r.ExecuteRebalance(ctx, 56000, models.RebalanceManual)
	assert.ErrorIs(t, err, ErrTooSoon)
}

func TestRebalanceClosesPositionsWhenConfigured(t *testing.T) {
	r, _, om, tracker := newTestRebalancer(t, config.RebalanceConfig{ClosePositions: true})
	ctx := context.Background()
	_, err := om.InitializeGridOrders(ctx)
	require.NoError(t, err)

	tracker.RecordTrade(models.TradeGrid, models.SideBuy, 0, 0.01, 46500, 0)
	tracker.UpdatePrices(55000)

	action, err := r.ExecuteRebalance(ctx, 55000, models.RebalancePriceAbove)
	require.NoError(t, err)
	assert.Equal(t, 1, action.PositionsClosed)
	assert.Empty(t, tracker.OpenPositions())

	var closes int
	for _, tr := range tracker.Trades() {
		if tr.Type == models.TradeRebalanceClose {
			closes++
		}
	}
	assert.Equal(t, 1, closes)
}

func TestRecommendationIsReadOnly(t *testing.T) {
	r, calc, om, _ := newTestRebalancer(t, config.RebalanceConfig{})
	ctx := context.Background()
	_, err := om.InitializeGridOrders(ctx)
	require.NoError(t, err)

	rec := r.Recommendation(60000)
	assert.True(t, rec.ShouldRebalance)
	assert.Equal(t, models.RebalancePriceAbove, rec.Reason)
	assert.Equal(t, 7, rec.ActiveOrders)

	// Nothing moved.
	assert.InDelta(t, 50000, calc.CenterPrice(), 1e-6)
	assert.Len(t, om.ActiveOrders(), 7)
	assert.Empty(t, r.History())
}

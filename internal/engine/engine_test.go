package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gridtrader/internal/config"
	"gridtrader/internal/exchange"
	"gridtrader/internal/models"
	"gridtrader/internal/risk"
)

func testConfig() config.Config {
	return config.Config{
		Mode:           config.ModePaper,
		InitialBalance: 10000,
		Grid: models.GridConfig{
			Symbol:                "BTCUSDT",
			TotalCapital:          500,
			NumLevels:             15,
			RangePercent:          14,
			ProfitPerLevelPercent: 0.5,
			FeePercent:            0.1,
		},
		Risk: config.RiskConfig{
			DailyLossLimit:     10000,
			MaxDrawdownPercent: 90,
			MaxExposure:        100000,
			AlertCooldown:      5 * time.Minute,
			AlertHistoryCap:    100,
		},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	log := zap.NewNop().Sugar()
	cfg := testConfig()
	gw := exchange.NewPaperGateway(cfg.Grid.Symbol, cfg.InitialBalance, cfg.Grid.FeePercent, log)
	return New(cfg, gw, nil, log)
}

func TestOperationsBeforeInitializeFail(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Start(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = e.Levels()
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = e.Orders(true)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = e.PriceUpdate(ctx, 50000)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = e.Rebalance(ctx, 55000, models.RebalanceManual)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, e.ResetEmergencyStop(), ErrNotInitialized)
}

func TestInitializeAndStart(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	levels, err := e.Initialize(ctx, 50000)
	require.NoError(t, err)
	assert.Len(t, levels, 15)

	placed, err := e.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, placed)

	_, err = e.Start(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	status, err := e.Status()
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, 7, status.ActiveOrders)
	assert.InDelta(t, 50000, status.CenterPrice, 1e-6)
	assert.True(t, status.IsTradingAllowed)
}

func TestFullGridCycleThroughTicks(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Initialize(ctx, 50000)
	require.NoError(t, err)
	_, err = e.Start(ctx)
	require.NoError(t, err)

	// Tick at the highest buy level (49500): exactly one buy fills.
	res, err := e.PriceUpdate(ctx, 49500)
	require.NoError(t, err)
	require.Len(t, res.FilledOrders, 1)
	assert.Equal(t, models.SideBuy, res.FilledOrders[0].Side)
	assert.Equal(t, 6, res.FilledOrders[0].LevelID)

	positions, err := e.Positions()
	require.NoError(t, err)
	require.Len(t, positions, 1)

	// Walk up to the paired sell (level 8 at 50500): the cycle completes.
	res, err = e.PriceUpdate(ctx, 50500)
	require.NoError(t, err)
	require.Len(t, res.FilledOrders, 1)
	assert.Equal(t, models.SideSell, res.FilledOrders[0].Side)

	status, err := e.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, status.TotalCycles)
	assert.Greater(t, status.RealizedPnL, 0.0)

	metrics, err := e.Metrics()
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.PairCycles)
	assert.Greater(t, metrics.PairProfit, 0.0)
}

func TestAutoRebalanceWhenPriceEscapes(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Initialize(ctx, 50000)
	require.NoError(t, err)
	_, err = e.Start(ctx)
	require.NoError(t, err)

	res, err := e.PriceUpdate(ctx, 60000)
	require.NoError(t, err)
	assert.True(t, res.Rebalanced)

	status, err := e.Status()
	require.NoError(t, err)
	assert.InDelta(t, 60000, status.CenterPrice, 1e-6)
	assert.Equal(t, 7, status.ActiveOrders)
}

func TestManualRebalanceAndRecommendation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Initialize(ctx, 50000)
	require.NoError(t, err)

	rec, err := e.RebalanceRecommendation(50000)
	require.NoError(t, err)
	assert.False(t, rec.ShouldRebalance)

	action, err := e.Rebalance(ctx, 52000, "")
	require.NoError(t, err)
	assert.Equal(t, models.RebalanceManual, action.Reason)
	assert.Equal(t, models.RebalanceCompleted, action.Status)

	_, err = e.Rebalance(ctx, 0, models.RebalanceManual)
	assert.Error(t, err)
}

func TestEmergencyStopAndReset(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Initialize(ctx, 50000)
	require.NoError(t, err)
	_, err = e.Start(ctx)
	require.NoError(t, err)

	// Build one open position.
	_, err = e.PriceUpdate(ctx, 49500)
	require.NoError(t, err)

	canceled, closed, err := e.EmergencyStop(ctx, "operator request")
	require.NoError(t, err)
	assert.Equal(t, 7, canceled, "six remaining buys plus the counter sell")
	assert.Equal(t, 1, closed)

	status, err := e.Status()
	require.NoError(t, err)
	assert.False(t, status.IsTradingAllowed)
	assert.False(t, status.Running)
	assert.Zero(t, status.ActiveOrders)

	require.NoError(t, e.ResetEmergencyStop())
	assert.ErrorIs(t, e.ResetEmergencyStop(), risk.ErrNotStopped)
}

func TestHaltBlocksStartAndRebalanceUntilReset(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Initialize(ctx, 50000)
	require.NoError(t, err)
	_, err = e.Start(ctx)
	require.NoError(t, err)

	canceled, _, err := e.EmergencyStop(ctx, "operator request")
	require.NoError(t, err)
	assert.Equal(t, 7, canceled)

	// A halted engine places nothing, by any path.
	_, err = e.Start(ctx)
	assert.ErrorIs(t, err, risk.ErrTradingHalted)
	_, err = e.Rebalance(ctx, 52000, "")
	assert.ErrorIs(t, err, risk.ErrTradingHalted)

	status, err := e.Status()
	require.NoError(t, err)
	assert.False(t, status.IsTradingAllowed)
	assert.Zero(t, status.ActiveOrders)

	require.NoError(t, e.ResetEmergencyStop())
	placed, err := e.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, placed)
}

func TestLevelsReflectFillsThroughTheCycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Initialize(ctx, 50000)
	require.NoError(t, err)
	_, err = e.Start(ctx)
	require.NoError(t, err)

	_, err = e.PriceUpdate(ctx, 49500)
	require.NoError(t, err)

	levels, err := e.Levels()
	require.NoError(t, err)
	assert.Greater(t, levels[6].FilledQuantity, 0.0)
	assert.True(t, levels[6].IsFilled())

	// Completing the round trip clears both legs' fill state.
	_, err = e.PriceUpdate(ctx, 50500)
	require.NoError(t, err)

	levels, err = e.Levels()
	require.NoError(t, err)
	assert.Zero(t, levels[6].FilledQuantity)
	assert.False(t, levels[6].IsFilled())
	assert.Zero(t, levels[8].FilledQuantity)
}

func TestStopCancelsOrdersKeepsPositions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Initialize(ctx, 50000)
	require.NoError(t, err)
	_, err = e.Start(ctx)
	require.NoError(t, err)

	_, err = e.PriceUpdate(ctx, 49500)
	require.NoError(t, err)

	require.NoError(t, e.Stop(ctx))

	status, err := e.Status()
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.Zero(t, status.ActiveOrders)
	assert.Equal(t, 1, status.OpenPositions, "stop pauses, it does not liquidate")
}

func TestEventSubscription(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	fills := make(chan Event, 8)
	e.Subscribe(func(ev Event) {
		if ev.Type == EventFill {
			fills <- ev
		}
	})

	_, err := e.Initialize(ctx, 50000)
	require.NoError(t, err)
	_, err = e.Start(ctx)
	require.NoError(t, err)
	_, err = e.PriceUpdate(ctx, 49500)
	require.NoError(t, err)

	select {
	case ev := <-fills:
		assert.Equal(t, EventFill, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fill event")
	}
}

func TestListenerPanicIsIsolated(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.Subscribe(func(Event) { panic("listener bug") })

	_, err := e.Initialize(ctx, 50000)
	require.NoError(t, err)
	_, err = e.Start(ctx)
	require.NoError(t, err)
	res, err := e.PriceUpdate(ctx, 49500)
	require.NoError(t, err)
	assert.Len(t, res.FilledOrders, 1)
}

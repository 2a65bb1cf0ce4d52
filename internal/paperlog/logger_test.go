package paperlog

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gridtrader/internal/models"
	"gridtrader/internal/persistence"
)

func newTestLogger(repo persistence.SnapshotRepository) *Logger {
	return NewLogger(10000, repo, zap.NewNop().Sugar())
}

func sellTrade(profit float64, at time.Time) models.TradeRecord {
	return models.TradeRecord{
		TradeID:   "t",
		Type:      models.TradeGrid,
		Side:      models.SideSell,
		Quantity:  0.01,
		Price:     50000,
		Fee:       0.5,
		Profit:    profit,
		Timestamp: at,
	}
}

func TestDailyMetrics(t *testing.T) {
	l := newTestLogger(nil)
	now := time.Now()

	l.RecordTrade(sellTrade(10, now))
	l.RecordTrade(sellTrade(-4, now))
	l.RecordTrade(sellTrade(6, now))
	l.RecordTrade(models.TradeRecord{Side: models.SideBuy, Quantity: 0.01, Price: 49000, Timestamp: now})

	m := l.TodayMetrics()
	assert.Equal(t, 4, m.TotalTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 1, m.LosingTrades)
	assert.InDelta(t, 2.0/3.0*100, m.WinRate, 1e-9)
	assert.InDelta(t, 12, m.TotalProfit, 1e-9)
	assert.InDelta(t, 10, m.BestTrade, 1e-9)
	assert.InDelta(t, -4, m.WorstTrade, 1e-9)
}

func TestCumulativeStreaksAndProfitFactor(t *testing.T) {
	l := newTestLogger(nil)
	now := time.Now()

	for _, p := range []float64{5, 5, 5, -2, -2, 8} {
		l.RecordTrade(sellTrade(p, now))
	}

	c := l.Cumulative()
	assert.Equal(t, 4, c.WinningTrades)
	assert.Equal(t, 2, c.LosingTrades)
	assert.Equal(t, 3, c.MaxConsecutiveWins)
	assert.Equal(t, 2, c.MaxConsecutiveLosses)
	assert.InDelta(t, 23.0/4.0, c.ProfitFactor, 1e-9)
	assert.InDelta(t, 19, c.NetProfit, 1e-9)
	assert.InDelta(t, 19.0/10000.0*100, c.ROIPercent, 1e-9)
}

func TestProfitFactorInfiniteWithoutLosses(t *testing.T) {
	l := newTestLogger(nil)
	l.RecordTrade(sellTrade(5, time.Now()))

	c := l.Cumulative()
	assert.True(t, math.IsInf(c.ProfitFactor, 1))
}

func TestSharpeRequiresMinimumDays(t *testing.T) {
	l := newTestLogger(nil)
	l.RecordTrade(sellTrade(5, time.Now()))
	l.RecordEquity(10005)

	c := l.Cumulative()
	assert.Zero(t, c.SharpeRatio, "too few distinct days for a Sharpe ratio")
}

func TestValidationVerdicts(t *testing.T) {
	now := time.Now()

	l := newTestLogger(nil)
	assert.Equal(t, models.ValidationReview, l.Validation(), "no evidence yet")

	// Mostly winners inside the window.
	for i := 0; i < 6; i++ {
		l.RecordTrade(sellTrade(5, now))
	}
	l.RecordTrade(sellTrade(-3, now))
	assert.Equal(t, models.ValidationGo, l.Validation())

	losing := newTestLogger(nil)
	for i := 0; i < 5; i++ {
		losing.RecordTrade(sellTrade(-5, now))
	}
	losing.RecordTrade(sellTrade(2, now))
	assert.Equal(t, models.ValidationNoGo, losing.Validation())
}

func TestSaveAndLoadState(t *testing.T) {
	repo, err := persistence.NewBadgerRepository(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer repo.Close()

	l := newTestLogger(repo)
	l.RecordTrade(sellTrade(7, time.Now()))
	l.RecordEquity(10007)
	require.NoError(t, l.SaveCurrentState())

	restored := newTestLogger(repo)
	require.NoError(t, restored.LoadPreviousState())
	assert.Len(t, restored.Trades(), 1)
	assert.InDelta(t, 7, restored.Cumulative().NetProfit, 1e-9)
}

func TestLoadPreviousStateWithoutSnapshot(t *testing.T) {
	repo, err := persistence.NewBadgerRepository(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer repo.Close()

	l := newTestLogger(repo)
	require.NoError(t, l.LoadPreviousState(), "missing state is a cold start, not an error")
	assert.Empty(t, l.Trades())
}

func TestReportRenders(t *testing.T) {
	l := newTestLogger(nil)
	l.RecordTrade(sellTrade(5, time.Now()))

	report := l.Report()
	assert.Contains(t, report, "Paper Trading Performance")
	assert.Contains(t, report, "Win Rate")
	assert.Contains(t, report, "Validation")
}

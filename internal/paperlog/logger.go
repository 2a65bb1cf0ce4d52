package paperlog

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"go.uber.org/zap"

	"gridtrader/internal/models"
	"gridtrader/internal/persistence"
)

const (
	// minSharpeDays is the minimum number of distinct trading days before a
	// Sharpe ratio is reported; below it the statistic is noise.
	minSharpeDays = 7

	// validationWindowDays is the rolling window used for the GO/REVIEW/NO-GO
	// advisory status.
	validationWindowDays = 7

	annualizationFactor = 365
)

// Logger is the paper-trading performance ledger: an append-only trade log,
// per-day and lifetime metrics, a daily equity series, and an advisory
// validation verdict for promotion to live trading.
type Logger struct {
	mu             sync.RWMutex
	initialCapital float64
	startDate      time.Time
	trades         []models.TradeRecord
	dailyEquity    map[string]float64
	repo           persistence.SnapshotRepository
	logger         *zap.SugaredLogger
}

// NewLogger builds a paper-trading Logger. repo may be nil, in which case
// state persistence is disabled.
func NewLogger(initialCapital float64, repo persistence.SnapshotRepository, logger *zap.SugaredLogger) *Logger {
	return &Logger{
		initialCapital: initialCapital,
		startDate:      time.Now(),
		dailyEquity:    map[string]float64{},
		repo:           repo,
		logger:         logger,
	}
}

// RecordTrade appends a trade to the log.
func (l *Logger) RecordTrade(rec models.TradeRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trades = append(l.trades, rec)
}

// RecordEquity marks the end-of-tick equity for the trade's day, feeding the
// Sharpe and drawdown series.
func (l *Logger) RecordEquity(equity float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dailyEquity[time.Now().Format("2006-01-02")] = equity
}

// Trades returns a copy of the trade log.
func (l *Logger) Trades() []models.TradeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.TradeRecord, len(l.trades))
	copy(out, l.trades)
	return out
}

// DailyMetricsFor computes metrics for a single day (YYYY-MM-DD). Only
// closing SELL trades count toward win/loss statistics.
func (l *Logger) DailyMetricsFor(date string) models.DailyMetrics {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dailyMetricsLocked(date)
}

// TodayMetrics is DailyMetricsFor the current day.
func (l *Logger) TodayMetrics() models.DailyMetrics {
	return l.DailyMetricsFor(time.Now().Format("2006-01-02"))
}

// Cumulative computes lifetime metrics over the full trade log.
func (l *Logger) Cumulative() models.CumulativeMetrics {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cumulativeLocked()
}

func (l *Logger) cumulativeLocked() models.CumulativeMetrics {
	m := models.CumulativeMetrics{
		StartDate:   l.startDate.Format("2006-01-02"),
		TradingDays: l.tradingDaysLocked(),
	}

	var curWins, curLosses int
	for _, tr := range l.trades {
		m.TotalTrades++
		if tr.Side != models.SideSell {
			continue
		}
		m.NetProfit += tr.Profit
		switch {
		case tr.Profit > 0:
			m.WinningTrades++
			m.GrossProfit += tr.Profit
			curWins++
			curLosses = 0
			if curWins > m.MaxConsecutiveWins {
				m.MaxConsecutiveWins = curWins
			}
		case tr.Profit < 0:
			m.LosingTrades++
			m.GrossLoss += -tr.Profit
			curLosses++
			curWins = 0
			if curLosses > m.MaxConsecutiveLosses {
				m.MaxConsecutiveLosses = curLosses
			}
		}
	}

	if decided := m.WinningTrades + m.LosingTrades; decided > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(decided) * 100
	}
	switch {
	case m.GrossLoss > 0:
		m.ProfitFactor = m.GrossProfit / m.GrossLoss
	case m.GrossProfit > 0:
		m.ProfitFactor = math.Inf(1)
	}
	if l.initialCapital > 0 {
		m.ROIPercent = m.NetProfit / l.initialCapital * 100
	}
	m.MaxDrawdown = l.maxDrawdownLocked() * 100
	m.SharpeRatio = l.sharpeLocked()
	return m
}

func (l *Logger) tradingDaysLocked() int {
	days := map[string]struct{}{}
	for _, tr := range l.trades {
		days[tr.Timestamp.Format("2006-01-02")] = struct{}{}
	}
	return len(days)
}

// sortedEquity returns the equity series in date order.
func (l *Logger) sortedEquity() ([]string, []float64) {
	dates := make([]string, 0, len(l.dailyEquity))
	for d := range l.dailyEquity {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	equity := make([]float64, len(dates))
	for i, d := range dates {
		equity[i] = l.dailyEquity[d]
	}
	return dates, equity
}

func (l *Logger) maxDrawdownLocked() float64 {
	_, equity := l.sortedEquity()
	peak, maxDD := l.initialCapital, 0.0
	for _, e := range equity {
		if e > peak {
			peak = e
		}
		if peak > 0 {
			if dd := (peak - e) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// sharpeLocked computes the annualized Sharpe ratio from daily equity
// returns, zero until enough distinct days exist.
func (l *Logger) sharpeLocked() float64 {
	_, equity := l.sortedEquity()
	if len(equity) < minSharpeDays {
		return 0
	}
	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] != 0 {
			returns = append(returns, equity[i]/equity[i-1]-1)
		}
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(annualizationFactor)
}

// Validation derives the advisory GO/REVIEW/NO-GO verdict over the rolling
// window. It gates nothing by itself; promotion to live trading is a human
// decision.
func (l *Logger) Validation() models.ValidationStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cutoff := time.Now().AddDate(0, 0, -validationWindowDays)
	var net, grossProfit, grossLoss float64
	wins, losses := 0, 0
	for _, tr := range l.trades {
		if tr.Side != models.SideSell || tr.Timestamp.Before(cutoff) {
			continue
		}
		net += tr.Profit
		switch {
		case tr.Profit > 0:
			wins++
			grossProfit += tr.Profit
		case tr.Profit < 0:
			losses++
			grossLoss += -tr.Profit
		}
	}

	if wins+losses == 0 {
		return models.ValidationReview // not enough evidence either way
	}
	winRate := float64(wins) / float64(wins+losses) * 100
	profitFactor := math.Inf(1)
	if grossLoss > 0 {
		profitFactor = grossProfit / grossLoss
	}

	switch {
	case net > 0 && winRate >= 55 && profitFactor >= 1.2:
		return models.ValidationGo
	case net < 0 || profitFactor < 0.8:
		return models.ValidationNoGo
	default:
		return models.ValidationReview
	}
}

// SaveCurrentState snapshots the log under today's date.
func (l *Logger) SaveCurrentState() error {
	if l.repo == nil {
		return nil
	}
	l.mu.RLock()
	snap := &models.PaperSnapshot{
		Date:        time.Now().Format("2006-01-02"),
		Trades:      append([]models.TradeRecord(nil), l.trades...),
		Daily:       l.dailyMetricsLocked(time.Now().Format("2006-01-02")),
		Cumulative:  l.cumulativeLocked(),
		DailyEquity: make(map[string]float64, len(l.dailyEquity)),
		SavedAt:     time.Now(),
	}
	for d, e := range l.dailyEquity {
		snap.DailyEquity[d] = e
	}
	l.mu.RUnlock()

	if err := l.repo.SaveSnapshot(snap); err != nil {
		return fmt.Errorf("save paper snapshot: %w", err)
	}
	l.logger.Infof("paper snapshot saved for %s (%d trades)", snap.Date, len(snap.Trades))
	return nil
}

// dailyMetricsLocked computes one day's metrics. Caller holds at least a
// read lock.
func (l *Logger) dailyMetricsLocked(date string) models.DailyMetrics {
	m := models.DailyMetrics{Date: date}
	first := true
	for _, tr := range l.trades {
		if tr.Timestamp.Format("2006-01-02") != date {
			continue
		}
		m.TotalTrades++
		m.TotalVolume += tr.Quantity * tr.Price
		m.TotalFees += tr.Fee
		if tr.Side != models.SideSell {
			continue
		}
		m.TotalProfit += tr.Profit
		switch {
		case tr.Profit > 0:
			m.WinningTrades++
		case tr.Profit < 0:
			m.LosingTrades++
		}
		if first || tr.Profit > m.BestTrade {
			m.BestTrade = tr.Profit
		}
		if first || tr.Profit < m.WorstTrade {
			m.WorstTrade = tr.Profit
		}
		first = false
	}
	if decided := m.WinningTrades + m.LosingTrades; decided > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(decided) * 100
	}
	return m
}

// LoadPreviousState restores the most recent snapshot. A missing or corrupt
// snapshot is a normal cold start: the log simply stays empty.
func (l *Logger) LoadPreviousState() error {
	if l.repo == nil {
		return nil
	}
	snap, err := l.repo.LoadLatestSnapshot()
	if err != nil {
		return fmt.Errorf("load paper snapshot: %w", err)
	}
	if snap == nil {
		l.logger.Info("no prior paper state, starting fresh")
		return nil
	}

	l.mu.Lock()
	l.trades = append([]models.TradeRecord(nil), snap.Trades...)
	l.dailyEquity = make(map[string]float64, len(snap.DailyEquity))
	for d, e := range snap.DailyEquity {
		l.dailyEquity[d] = e
	}
	if snap.Cumulative.StartDate != "" {
		if t, err := time.Parse("2006-01-02", snap.Cumulative.StartDate); err == nil {
			l.startDate = t
		}
	}
	l.mu.Unlock()

	l.logger.Infof("restored paper state from %s: %d trades", snap.Date, len(snap.Trades))
	return nil
}

// Report renders a human-readable performance summary.
func (l *Logger) Report() string {
	cum := l.Cumulative()
	daily := l.TodayMetrics()
	verdict := l.Validation()

	var sb strings.Builder
	t := table.NewWriter()
	t.SetOutputMirror(&sb)
	t.SetTitle("Paper Trading Performance")
	t.AppendRows([]table.Row{
		{"Start Date", cum.StartDate},
		{"Trading Days", cum.TradingDays},
		{"Total Trades", cum.TotalTrades},
		{"Win Rate", fmt.Sprintf("%.2f%%", cum.WinRate)},
		{"Net Profit", fmt.Sprintf("%.2f", cum.NetProfit)},
		{"ROI", fmt.Sprintf("%.2f%%", cum.ROIPercent)},
		{"Profit Factor", formatProfitFactor(cum.ProfitFactor)},
		{"Max Drawdown", fmt.Sprintf("%.2f%%", cum.MaxDrawdown)},
		{"Sharpe Ratio", fmt.Sprintf("%.2f", cum.SharpeRatio)},
		{"Max Win Streak", cum.MaxConsecutiveWins},
		{"Max Loss Streak", cum.MaxConsecutiveLosses},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Today Trades", daily.TotalTrades},
		{"Today Profit", fmt.Sprintf("%.2f", daily.TotalProfit)},
		{"Today Fees", fmt.Sprintf("%.2f", daily.TotalFees)},
	})
	t.AppendSeparator()
	t.AppendRow(table.Row{"Validation", string(verdict)})
	t.Style().Title.Align = text.AlignCenter
	t.Render()
	return sb.String()
}

func formatProfitFactor(pf float64) string {
	if math.IsInf(pf, 1) {
		return "inf"
	}
	return fmt.Sprintf("%.2f", pf)
}

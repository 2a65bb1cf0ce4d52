package position

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gridtrader/internal/models"
)

// Tracker maintains per-level positions, the trade ledger, realized and
// unrealized P&L, and the peak-equity drawdown series. All trade flow
// funnels through RecordTrade, which is the single writer for P&L state.
type Tracker struct {
	mu             sync.RWMutex
	initialCapital float64
	positions      map[int]*models.Position
	trades         []models.TradeRecord
	realizedPnL    float64
	totalFees      float64
	dailyPnL       map[string]float64 // YYYY-MM-DD -> realized P&L
	peakEquity     float64
	maxDrawdown    float64 // fraction of peak, 0..1
	logger         *zap.SugaredLogger
}

// NewTracker builds a Tracker seeded with the strategy's initial capital,
// which anchors equity and drawdown measurement.
func NewTracker(initialCapital float64, logger *zap.SugaredLogger) *Tracker {
	return &Tracker{
		initialCapital: initialCapital,
		positions:      make(map[int]*models.Position),
		dailyPnL:       make(map[string]float64),
		peakEquity:     initialCapital,
		logger:         logger,
	}
}

// RecordTrade applies a fill to the level's position and appends it to the
// ledger. BUY fills increase the position with a volume-weighted entry
// price; SELL fills realize profit against that entry and reduce or close
// the position. A SELL against an empty position records a zero-profit
// trade rather than failing: the fill already happened on the exchange.
func (t *Tracker) RecordTrade(tradeType models.TradeType, side models.Side, levelID int, quantity, price, fee float64) models.TradeRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := models.TradeRecord{
		TradeID:   uuid.NewString(),
		Type:      tradeType,
		Side:      side,
		LevelID:   levelID,
		Quantity:  quantity,
		Price:     price,
		Fee:       fee,
		Timestamp: time.Now(),
	}

	switch side {
	case models.SideBuy:
		pos, ok := t.positions[levelID]
		if !ok {
			pos = &models.Position{LevelID: levelID}
			t.positions[levelID] = pos
		}
		total := pos.Quantity + quantity
		if total > 0 {
			pos.EntryPrice = (pos.EntryPrice*pos.Quantity + price*quantity) / total
		}
		pos.Quantity = total
		pos.CurrentPrice = price

	case models.SideSell:
		pos, ok := t.positions[levelID]
		if !ok || pos.Quantity <= 0 {
			// Nothing tracked to sell against. Keep the ledger truthful with
			// a zero-profit record instead of rejecting an executed fill.
			t.logger.Warnf("sell recorded against empty position: level=%d qty=%.8f", levelID, quantity)
			rec.Profit = 0
		} else {
			sold := quantity
			if sold > pos.Quantity {
				sold = pos.Quantity
			}
			profit := sold*(price-pos.EntryPrice) - fee
			rec.Profit = profit
			pos.Quantity -= sold
			pos.RealizedPnL += profit
			pos.CurrentPrice = price
			if pos.Quantity <= 0 {
				pos.Quantity = 0
				pos.UnrealizedPnL = 0
			}
			t.realizedPnL += profit
			day := rec.Timestamp.Format("2006-01-02")
			t.dailyPnL[day] += profit
		}
	}

	t.totalFees += fee
	t.trades = append(t.trades, rec)
	t.updateDrawdownLocked()
	return rec
}

// UpdatePrices marks every open position to the tick price, refreshing
// unrealized P&L and the drawdown series.
func (t *Tracker) UpdatePrices(price float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, pos := range t.positions {
		if pos.Quantity <= 0 {
			continue
		}
		pos.CurrentPrice = price
		pos.UnrealizedPnL = pos.Quantity * (price - pos.EntryPrice)
	}
	t.updateDrawdownLocked()
}

// updateDrawdownLocked advances peak equity and the max drawdown fraction.
// Caller holds the lock.
func (t *Tracker) updateDrawdownLocked() {
	equity := t.equityLocked()
	if equity > t.peakEquity {
		t.peakEquity = equity
	}
	if t.peakEquity > 0 {
		dd := (t.peakEquity - equity) / t.peakEquity
		if dd > t.maxDrawdown {
			t.maxDrawdown = dd
		}
	}
}

func (t *Tracker) equityLocked() float64 {
	equity := t.initialCapital + t.realizedPnL
	for _, pos := range t.positions {
		equity += pos.UnrealizedPnL
	}
	return equity
}

// Position returns the tracked position for a level.
func (t *Tracker) Position(levelID int) (models.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.positions[levelID]
	if !ok {
		return models.Position{}, false
	}
	return *pos, true
}

// OpenPositions returns every position with remaining quantity, in level
// order.
func (t *Tracker) OpenPositions() []models.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		if pos.IsOpen() {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LevelID < out[j].LevelID })
	return out
}

// Trades returns a copy of the full trade ledger in record order.
func (t *Tracker) Trades() []models.TradeRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.TradeRecord, len(t.trades))
	copy(out, t.trades)
	return out
}

// RealizedPnL returns cumulative realized profit net of fees on sells.
func (t *Tracker) RealizedPnL() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.realizedPnL
}

// UnrealizedPnL returns the mark-to-market P&L of all open positions.
func (t *Tracker) UnrealizedPnL() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total float64
	for _, pos := range t.positions {
		total += pos.UnrealizedPnL
	}
	return total
}

// TotalPnL returns realized plus unrealized P&L.
func (t *Tracker) TotalPnL() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := t.realizedPnL
	for _, pos := range t.positions {
		total += pos.UnrealizedPnL
	}
	return total
}

// TotalFees returns cumulative fees across all recorded trades.
func (t *Tracker) TotalFees() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalFees
}

// Equity returns initial capital plus total P&L.
func (t *Tracker) Equity() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.equityLocked()
}

// MaxDrawdown returns the largest observed peak-to-trough equity decline
// as a fraction of the peak.
func (t *Tracker) MaxDrawdown() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxDrawdown
}

// DailyPnL returns realized P&L for the given day (YYYY-MM-DD).
func (t *Tracker) DailyPnL(day string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dailyPnL[day]
}

// TodayPnL returns realized P&L for the current calendar day.
func (t *Tracker) TodayPnL() float64 {
	return t.DailyPnL(time.Now().Format("2006-01-02"))
}

// OpenExposure returns the current notional value of all open positions.
func (t *Tracker) OpenExposure() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total float64
	for _, pos := range t.positions {
		if pos.Quantity > 0 {
			total += pos.Quantity * pos.CurrentPrice
		}
	}
	return total
}

// WinRate returns winning sells over total closing sells, as a percentage.
// Only trades that realized non-zero profit or loss count.
func (t *Tracker) WinRate() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	wins, losses := 0, 0
	for _, tr := range t.trades {
		if tr.Side != models.SideSell {
			continue
		}
		switch {
		case tr.Profit > 0:
			wins++
		case tr.Profit < 0:
			losses++
		}
	}
	if wins+losses == 0 {
		return 0
	}
	return float64(wins) / float64(wins+losses) * 100
}

package pairing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gridtrader/internal/grid"
	"gridtrader/internal/models"
	"gridtrader/internal/order"
)

// CycleCallback fires when a buy/sell pair completes a full round trip.
type CycleCallback func(pair models.ManagedPosition, profit float64)

// Manager pairs each filled BUY with its mirrored SELL and tracks the pair
// through its lifecycle. It is poll-driven: RunCycle may be called on every
// tick and never double-processes a fill.
type Manager struct {
	mu          sync.Mutex
	cfg         models.GridConfig
	calc        *grid.Calculator
	orders      *order.Manager
	pairs       map[string]*models.ManagedPosition
	byBuyOrder  map[string]string // buy order ID -> pair ID
	bySellOrder map[string]string // sell order ID -> pair ID
	totalCycles int
	totalProfit float64
	cycleCbs    []CycleCallback
	logger      *zap.SugaredLogger
}

// NewManager builds a pairing Manager over the grid calculator and order
// manager.
func NewManager(cfg models.GridConfig, calc *grid.Calculator, orders *order.Manager, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		cfg:         cfg,
		calc:        calc,
		orders:      orders,
		pairs:       make(map[string]*models.ManagedPosition),
		byBuyOrder:  make(map[string]string),
		bySellOrder: make(map[string]string),
		logger:      logger,
	}
}

// OnCycleComplete registers a callback for completed round trips.
func (m *Manager) OnCycleComplete(cb CycleCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycleCbs = append(m.cycleCbs, cb)
}

// RunCycle processes newly filled buys and sells in one pass. Safe to call
// on every price tick.
func (m *Manager) RunCycle(ctx context.Context) {
	m.CheckAndProcessFills(ctx)
	m.CheckSellFills()
}

// CheckAndProcessFills scans for FILLED buy orders without a pair and opens
// a ManagedPosition for each, ensuring a sell order rests on the mirrored
// level. The sell price is the mirror level's grid price, lifted to the
// profit floor buyPrice*(1+profit%) when the grid price alone would not
// clear it.
func (m *Manager) CheckAndProcessFills(ctx context.Context) {
	for _, o := range m.orders.Orders(false) {
		if o.Side != models.SideBuy || o.Status != models.OrderFilled {
			continue
		}
		m.mu.Lock()
		_, tracked := m.byBuyOrder[o.OrderID]
		m.mu.Unlock()
		if tracked {
			continue
		}
		m.openPair(ctx, o)
	}
}

func (m *Manager) openPair(ctx context.Context, buy models.Order) {
	sellLevel, ok := m.calc.SellLevelFor(buy.LevelID)
	if !ok {
		m.logger.Warnf("no sell level available for filled buy %s (level %d)", buy.OrderID, buy.LevelID)
		return
	}

	targetPrice := sellLevel.Price
	if floor := buy.Price * (1 + m.cfg.ProfitPerLevelPercent/100); floor > targetPrice {
		targetPrice = floor
	}

	pair := &models.ManagedPosition{
		PairID:      uuid.NewString(),
		BuyLevelID:  buy.LevelID,
		SellLevelID: sellLevel.LevelID,
		BuyOrderID:  buy.OrderID,
		BuyPrice:    buy.Price,
		Volume:      buy.FilledQuantity,
		Status:      models.PairBuyFilled,
		CreatedAt:   time.Now(),
	}

	// The order manager's counter-sell usually beat us here; adopt the
	// resting sell instead of fighting the one-order-per-level invariant.
	if existing, ok := m.orders.ActiveOrderForLevel(sellLevel.LevelID); ok && existing.Side == models.SideSell {
		pair.SellOrderID = existing.OrderID
		pair.SellPrice = existing.Price
		pair.Status = models.PairSellPlaced
	} else {
		placed, err := m.orders.PlaceSellOrder(ctx, sellLevel.LevelID, targetPrice, buy.FilledQuantity)
		if err != nil || placed == nil {
			m.logger.Errorf("sell placement failed for pair %s (buy level %d): %v", pair.PairID, buy.LevelID, err)
			pair.Status = models.PairError
		} else {
			pair.SellOrderID = placed.OrderID
			pair.SellPrice = placed.Price
			pair.Status = models.PairSellPlaced
		}
	}

	m.mu.Lock()
	m.pairs[pair.PairID] = pair
	m.byBuyOrder[buy.OrderID] = pair.PairID
	if pair.SellOrderID != "" {
		m.bySellOrder[pair.SellOrderID] = pair.PairID
	}
	m.mu.Unlock()

	m.logger.Infof("pair %s opened: buy level %d @ %.8f -> sell level %d @ %.8f vol=%.8f",
		pair.PairID, pair.BuyLevelID, pair.BuyPrice, pair.SellLevelID, pair.SellPrice, pair.Volume)
}

// CheckSellFills closes pairs whose sell order has filled, accumulating
// cycle count and realized pairing profit net of both legs' fees.
func (m *Manager) CheckSellFills() {
	type completed struct {
		pair   models.ManagedPosition
		profit float64
	}
	var done []completed

	m.mu.Lock()
	for _, pair := range m.pairs {
		if pair.Status != models.PairSellPlaced || pair.SellOrderID == "" {
			continue
		}
		sell, ok := m.orders.Order(pair.SellOrderID)
		if !ok || sell.Status != models.OrderFilled {
			continue
		}
		buyFee := 0.0
		if buy, ok := m.orders.Order(pair.BuyOrderID); ok {
			buyFee = buy.Fee
		}
		profit := (sell.Price-pair.BuyPrice)*pair.Volume - buyFee - sell.Fee

		now := time.Now()
		pair.SellPrice = sell.Price
		pair.Status = models.PairClosed
		pair.ClosedAt = &now
		m.totalCycles++
		m.totalProfit += profit
		done = append(done, completed{pair: *pair, profit: profit})
	}
	cbs := make([]CycleCallback, len(m.cycleCbs))
	copy(cbs, m.cycleCbs)
	m.mu.Unlock()

	for _, c := range done {
		// The round trip is complete; both levels are available again.
		m.calc.ResetLevelFill(c.pair.BuyLevelID)
		m.calc.ResetLevelFill(c.pair.SellLevelID)
		m.logger.Infof("pair %s closed: profit=%.8f cycles=%d", c.pair.PairID, c.profit, m.TotalCycles())
		for _, cb := range cbs {
			m.safeInvoke(cb, c.pair, c.profit)
		}
	}
}

func (m *Manager) safeInvoke(cb CycleCallback, pair models.ManagedPosition, profit float64) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("cycle callback panicked for pair %s: %v", pair.PairID, r)
		}
	}()
	cb(pair, profit)
}

// MarkOpenPairsError flags every non-closed pair as ERROR. Used when a
// rebalance invalidates the grid the pairs were built on.
func (m *Manager) MarkOpenPairsError(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, pair := range m.pairs {
		if pair.Status == models.PairClosed || pair.Status == models.PairError {
			continue
		}
		pair.Status = models.PairError
		n++
	}
	if n > 0 {
		m.logger.Warnf("%d open pairs marked ERROR: %s", n, reason)
	}
	return n
}

// PairBySellOrder returns the pair owning the given sell order. Used to
// attribute a sell fill back to the buy level it closes.
func (m *Manager) PairBySellOrder(orderID string) (models.ManagedPosition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bySellOrder[orderID]
	if !ok {
		return models.ManagedPosition{}, false
	}
	return *m.pairs[id], true
}

// Pair returns a pair by ID.
func (m *Manager) Pair(pairID string) (models.ManagedPosition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairs[pairID]
	if !ok {
		return models.ManagedPosition{}, false
	}
	return *p, true
}

// Pairs returns all pairs, newest first.
func (m *Manager) Pairs() []models.ManagedPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ManagedPosition, 0, len(m.pairs))
	for _, p := range m.pairs {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// OpenPairs returns pairs still in flight, oldest first.
func (m *Manager) OpenPairs() []models.ManagedPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ManagedPosition, 0)
	for _, p := range m.pairs {
		if p.Status != models.PairClosed && p.Status != models.PairError {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// TotalCycles returns the number of completed buy/sell round trips.
func (m *Manager) TotalCycles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalCycles
}

// TotalRealizedProfit returns cumulative profit across completed cycles.
func (m *Manager) TotalRealizedProfit() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalProfit
}

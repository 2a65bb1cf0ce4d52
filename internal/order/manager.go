package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jxskiss/base62"
	"go.uber.org/zap"

	"gridtrader/internal/exchange"
	"gridtrader/internal/grid"
	"gridtrader/internal/models"
)

// ErrNoGrid is returned when order placement is requested before the grid
// has been calculated.
var ErrNoGrid = errors.New("order: grid has not been calculated")

// FillCallback is invoked after an order transitions to FILLED. Panics
// inside a callback are caught and logged, never propagated.
type FillCallback func(order models.Order)

// AdmissionCheck decides whether a new order may be placed. A non-nil error
// rejects the placement before anything reaches the gateway.
type AdmissionCheck func(side models.Side, price, quantity float64) error

var orderSeq int64

// newOrderID returns a process-unique base62 order ID.
func newOrderID() string {
	n := time.Now().UnixNano() + atomic.AddInt64(&orderSeq, 1)
	return "GT" + string(base62.FormatInt(n))
}

// Manager owns the order lifecycle for every grid level and enforces the
// one-active-order-per-level invariant. Placement and cancellation go
// through the gateway whenever one is configured, live or paper, so the
// exchange-side book and balance ledger stay consistent with local state.
// Paper fills are driven by SimulateFill/CheckFillsAtPrice; live fills by
// SyncOpenOrders.
type Manager struct {
	mu      sync.Mutex
	cfg     models.GridConfig
	calc    *grid.Calculator
	gateway exchange.Gateway
	live    bool
	admit   AdmissionCheck
	orders  map[string]*models.Order
	byLevel map[int]string // level ID -> active order ID
	fillCbs []FillCallback
	logger  *zap.SugaredLogger
}

// NewManager builds a Manager. gateway may be nil in paper mode; in live
// mode a nil gateway makes every placement fail closed.
func NewManager(cfg models.GridConfig, calc *grid.Calculator, gateway exchange.Gateway, live bool, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		cfg:     cfg,
		calc:    calc,
		gateway: gateway,
		live:    live,
		orders:  make(map[string]*models.Order),
		byLevel: make(map[int]string),
		logger:  logger,
	}
}

// OnFill registers a fill callback.
func (m *Manager) OnFill(cb FillCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillCbs = append(m.fillCbs, cb)
}

// SetAdmissionCheck installs the gate every placement must pass. Placements
// rejected by the check never reach the gateway.
func (m *Manager) SetAdmissionCheck(check AdmissionCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admit = check
}

// InitializeGridOrders places exactly one OPEN order per BUY level. SELL
// levels receive no order yet: the grid bootstraps half-loaded so it never
// offers inventory it has not purchased. Returns the number placed.
func (m *Manager) InitializeGridOrders(ctx context.Context) (int, error) {
	if !m.calc.HasGrid() {
		return 0, ErrNoGrid
	}
	placed := 0
	for _, level := range m.calc.Levels() {
		if level.Side != models.SideBuy {
			continue
		}
		o, err := m.PlaceOrderForLevel(ctx, level)
		if err != nil {
			return placed, err
		}
		if o != nil {
			placed++
		}
	}
	return placed, nil
}

// PlaceOrderForLevel places a resting order at the level's price for the
// level's side. It is an idempotent no-op when the level already carries an
// active order, and fails closed (no-op) when live execution has no
// configured gateway. CENTER levels never receive orders.
func (m *Manager) PlaceOrderForLevel(ctx context.Context, level models.GridLevel) (*models.Order, error) {
	if level.Side != models.SideBuy && level.Side != models.SideSell {
		return nil, nil
	}
	return m.place(ctx, level.LevelID, level.Side, level.Price, level.Quantity)
}

// PlaceSellOrder places a SELL order on levelID at an explicit price and
// quantity, used by the pairing manager when its margin floor lifts the
// sell above the level's grid price.
func (m *Manager) PlaceSellOrder(ctx context.Context, levelID int, price, quantity float64) (*models.Order, error) {
	return m.place(ctx, levelID, models.SideSell, price, quantity)
}

func (m *Manager) place(ctx context.Context, levelID int, side models.Side, price, quantity float64) (*models.Order, error) {
	if price <= 0 || quantity <= 0 {
		return nil, fmt.Errorf("order: price and quantity must be positive, got price=%f quantity=%f", price, quantity)
	}

	m.mu.Lock()
	if id, ok := m.byLevel[levelID]; ok {
		if existing := m.orders[id]; existing != nil && existing.Status.IsActive() {
			m.mu.Unlock()
			return nil, nil // level already has an active order
		}
	}
	admit := m.admit
	m.mu.Unlock()

	if admit != nil {
		if err := admit(side, price, quantity); err != nil {
			return nil, fmt.Errorf("order: %s at level %d rejected: %w", side, levelID, err)
		}
	}

	order := &models.Order{
		OrderID:   newOrderID(),
		LevelID:   levelID,
		Side:      side,
		Price:     price,
		Quantity:  quantity,
		Status:    models.OrderOpen,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if m.live && m.gateway == nil {
		m.logger.Warnf("live order placement skipped, no gateway configured: level=%d side=%s", levelID, side)
		return nil, nil
	}
	if m.gateway != nil {
		placed, err := m.gateway.CreateOrder(ctx, m.cfg.Symbol, side, price, quantity)
		if err != nil {
			// A failed placement means the order was not created; the level
			// stays free for a retry on the next cycle.
			m.logger.Errorf("order placement failed: level=%d side=%s price=%.8f: %v", levelID, side, price, err)
			return nil, nil
		}
		order.ExchangeOrderID = placed.ExchangeOrderID
	}

	m.mu.Lock()
	// Re-check under the lock: a concurrent placement may have won the level.
	if id, ok := m.byLevel[levelID]; ok {
		if existing := m.orders[id]; existing != nil && existing.Status.IsActive() {
			m.mu.Unlock()
			if m.gateway != nil && order.ExchangeOrderID != "" {
				if err := m.gateway.CancelOrder(ctx, m.cfg.Symbol, order.ExchangeOrderID); err != nil {
					m.logger.Errorf("failed to cancel duplicate gateway order %s: %v", order.ExchangeOrderID, err)
				}
			}
			return nil, nil
		}
	}
	m.orders[order.OrderID] = order
	m.byLevel[levelID] = order.OrderID
	m.mu.Unlock()

	m.logger.Infof("placed %s order %s: level=%d price=%.8f qty=%.8f", side, order.OrderID, levelID, price, quantity)
	cp := *order
	return &cp, nil
}

// SimulateFill fully fills an OPEN order (no partial-fill modeling), fires
// fill callbacks, and for a filled BUY places the mirrored counter SELL
// order, the grid's self-resetting mechanism.
func (m *Manager) SimulateFill(orderID string) (*models.Order, error) {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("order: unknown order %s", orderID)
	}
	if !order.Status.IsActive() {
		m.mu.Unlock()
		return nil, fmt.Errorf("order: %s is not active (status %s)", orderID, order.Status)
	}
	m.fillLocked(order)
	filled := *order
	m.mu.Unlock()

	m.afterFill(filled)
	return &filled, nil
}

// CheckFillsAtPrice fills every active BUY order whose limit is at or above
// the tick price and every SELL order at or below it, returning the filled
// set in level order.
func (m *Manager) CheckFillsAtPrice(price float64) []models.Order {
	m.mu.Lock()
	crossed := make([]*models.Order, 0)
	for _, o := range m.orders {
		if !o.Status.IsActive() {
			continue
		}
		if (o.Side == models.SideBuy && o.Price >= price) ||
			(o.Side == models.SideSell && o.Price <= price) {
			crossed = append(crossed, o)
		}
	}
	sort.Slice(crossed, func(i, j int) bool { return crossed[i].LevelID < crossed[j].LevelID })

	filled := make([]models.Order, 0, len(crossed))
	for _, o := range crossed {
		m.fillLocked(o)
		filled = append(filled, *o)
	}
	m.mu.Unlock()

	for _, o := range filled {
		m.afterFill(o)
	}
	return filled
}

// fillLocked marks an order filled, releases its level slot and propagates
// the fill onto the grid level. Caller holds the lock.
func (m *Manager) fillLocked(order *models.Order) {
	order.Status = models.OrderFilled
	order.FilledQuantity = order.Quantity
	order.Fee = order.Price * order.Quantity * m.cfg.FeePercent / 100
	order.UpdatedAt = time.Now()
	if m.byLevel[order.LevelID] == order.OrderID {
		delete(m.byLevel, order.LevelID)
	}
	m.calc.RecordFill(order.LevelID, order.FilledQuantity)
}

// afterFill runs fill side effects outside the lock: callbacks, then the
// counter SELL for buys.
func (m *Manager) afterFill(filled models.Order) {
	m.mu.Lock()
	cbs := make([]FillCallback, len(m.fillCbs))
	copy(cbs, m.fillCbs)
	m.mu.Unlock()
	for _, cb := range cbs {
		m.safeInvoke(cb, filled)
	}

	if filled.Side != models.SideBuy {
		return
	}
	sellLevel, ok := m.calc.SellLevelFor(filled.LevelID)
	if !ok {
		m.logger.Warnf("no counter sell level for buy level %d", filled.LevelID)
		return
	}
	sellPrice := sellLevel.Price
	if floor := filled.Price * (1 + m.cfg.ProfitPerLevelPercent/100); floor > sellPrice {
		sellPrice = floor
	}
	if _, err := m.PlaceSellOrder(context.Background(), sellLevel.LevelID, sellPrice, filled.FilledQuantity); err != nil {
		m.logger.Errorf("counter sell placement failed for buy level %d: %v", filled.LevelID, err)
	}
}

func (m *Manager) safeInvoke(cb FillCallback, order models.Order) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("order fill callback panicked for %s: %v", order.OrderID, r)
		}
	}()
	cb(order)
}

// CancelOrder transitions an active order to CANCELED. Canceling an
// inactive or unknown order returns false, not an error. A gateway cancel
// failure is surfaced: the caller must know the cancel did not take effect.
func (m *Manager) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok || !order.Status.IsActive() {
		m.mu.Unlock()
		return false, nil
	}
	exchangeID := order.ExchangeOrderID
	m.mu.Unlock()

	if m.gateway != nil && exchangeID != "" {
		if err := m.gateway.CancelOrder(ctx, m.cfg.Symbol, exchangeID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			return false, fmt.Errorf("cancel order %s: %w", orderID, err)
		}
	}

	m.mu.Lock()
	order.Status = models.OrderCanceled
	order.UpdatedAt = time.Now()
	if m.byLevel[order.LevelID] == order.OrderID {
		delete(m.byLevel, order.LevelID)
	}
	m.mu.Unlock()
	return true, nil
}

// CancelAllOrders cancels every active order, returning the number
// canceled. The first gateway cancellation failure aborts and surfaces.
func (m *Manager) CancelAllOrders(ctx context.Context) (int, error) {
	active := m.ActiveOrders()
	canceled := 0
	for _, o := range active {
		ok, err := m.CancelOrder(ctx, o.OrderID)
		if err != nil {
			return canceled, err
		}
		if ok {
			canceled++
		}
	}
	return canceled, nil
}

// SyncOpenOrders reconciles local active orders against the exchange in
// live mode: orders the exchange reports FILLED are filled locally (with
// callbacks and counter sells), orders it no longer knows are expired.
func (m *Manager) SyncOpenOrders(ctx context.Context) error {
	if !m.live || m.gateway == nil {
		return nil
	}
	for _, local := range m.ActiveOrders() {
		if local.ExchangeOrderID == "" {
			continue
		}
		remote, err := m.gateway.GetOrder(ctx, m.cfg.Symbol, local.ExchangeOrderID)
		if errors.Is(err, exchange.ErrOrderNotFound) {
			m.mu.Lock()
			if o := m.orders[local.OrderID]; o != nil && o.Status.IsActive() {
				o.Status = models.OrderExpired
				o.UpdatedAt = time.Now()
				if m.byLevel[o.LevelID] == o.OrderID {
					delete(m.byLevel, o.LevelID)
				}
			}
			m.mu.Unlock()
			continue
		}
		if err != nil {
			return err
		}
		if remote.Status == models.OrderFilled {
			if _, err := m.SimulateFill(local.OrderID); err != nil {
				m.logger.Warnf("fill reconciliation for %s: %v", local.OrderID, err)
			}
		}
	}
	return nil
}

// ActiveOrderForLevel returns the level's active order, if any.
func (m *Manager) ActiveOrderForLevel(levelID int) (models.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byLevel[levelID]
	if !ok {
		return models.Order{}, false
	}
	o := m.orders[id]
	if o == nil || !o.Status.IsActive() {
		return models.Order{}, false
	}
	return *o, true
}

// Order returns a single order by ID.
func (m *Manager) Order(orderID string) (models.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

// ActiveOrders returns all OPEN/PARTIALLY_FILLED orders in level order.
func (m *Manager) ActiveOrders() []models.Order {
	return m.list(true)
}

// Orders returns all orders, optionally only active ones.
func (m *Manager) Orders(activeOnly bool) []models.Order {
	return m.list(activeOnly)
}

func (m *Manager) list(activeOnly bool) []models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Order, 0, len(m.orders))
	for _, o := range m.orders {
		if activeOnly && !o.Status.IsActive() {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LevelID != out[j].LevelID {
			return out[i].LevelID < out[j].LevelID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

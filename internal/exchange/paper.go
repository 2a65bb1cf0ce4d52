package exchange

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"gridtrader/internal/models"
)

// PaperGateway implements Gateway against an internal balance ledger and
// open-order book. SimulatePriceUpdate is the clock: each call crosses
// resting orders against the new price, adjusts the ledger and fires fill
// callbacks. There are no timeouts; everything is synchronous.
type PaperGateway struct {
	mu          sync.Mutex
	symbol      string
	quoteAsset  string
	baseAsset   string
	feePercent  float64
	balances    map[string]float64
	orders      map[string]*models.Order
	lastPrice   float64
	nextOrderID int64
	connected   bool
	fillCbs     []FillCallback
	logger      *zap.SugaredLogger
}

// NewPaperGateway seeds the ledger with initialBalance of the quote asset.
func NewPaperGateway(symbol string, initialBalance, feePercent float64, logger *zap.SugaredLogger) *PaperGateway {
	base, quote := splitSymbol(symbol)
	g := &PaperGateway{
		symbol:      symbol,
		baseAsset:   base,
		quoteAsset:  quote,
		feePercent:  feePercent,
		balances:    map[string]float64{quote: initialBalance},
		orders:      make(map[string]*models.Order),
		nextOrderID: 1,
		logger:      logger,
	}
	return g
}

// splitSymbol guesses the base/quote assets of a concatenated pair. Good
// enough for the simulator's ledger keys.
func splitSymbol(symbol string) (base, quote string) {
	for _, q := range []string{"USDT", "USDC", "BUSD", "BTC", "ETH"} {
		if len(symbol) > len(q) && symbol[len(symbol)-len(q):] == q {
			return symbol[:len(symbol)-len(q)], q
		}
	}
	if len(symbol) > 3 {
		return symbol[:len(symbol)-3], symbol[len(symbol)-3:]
	}
	return symbol, "USDT"
}

// Connect always succeeds for the simulator.
func (g *PaperGateway) Connect() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = true
	return true
}

// Disconnect clears the connected flag; the ledger survives so a
// reconnected session sees the same state.
func (g *PaperGateway) Disconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
}

// OnFill registers a fill callback.
func (g *PaperGateway) OnFill(cb FillCallback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fillCbs = append(g.fillCbs, cb)
}

// GetTicker returns the last simulated price. Before the first tick it
// falls back to a zero ticker rather than failing.
func (g *PaperGateway) GetTicker(_ context.Context, symbol string) (models.Ticker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return models.Ticker{Symbol: symbol, Price: g.lastPrice, Time: time.Now()}, nil
}

// GetBalance reads the internal ledger.
func (g *PaperGateway) GetBalance(_ context.Context, asset string) (models.Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	free := g.balances[asset]
	locked := 0.0
	for _, o := range g.orders {
		if !o.Status.IsActive() {
			continue
		}
		remaining := o.Quantity - o.FilledQuantity
		if o.Side == models.SideBuy && asset == g.quoteAsset {
			locked += remaining * o.Price
		} else if o.Side == models.SideSell && asset == g.baseAsset {
			locked += remaining
		}
	}
	return models.Balance{Asset: asset, Free: free, Locked: locked}, nil
}

// CreateOrder places a resting limit order in the book.
func (g *PaperGateway) CreateOrder(_ context.Context, symbol string, side models.Side, price, quantity float64) (*models.Order, error) {
	if price <= 0 || quantity <= 0 {
		return nil, fmt.Errorf("paper: price and quantity must be positive, got price=%f quantity=%f", price, quantity)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	order := &models.Order{
		OrderID:         strconv.FormatInt(g.nextOrderID, 10),
		ExchangeOrderID: strconv.FormatInt(g.nextOrderID, 10),
		Side:            side,
		Price:           price,
		Quantity:        quantity,
		Status:          models.OrderOpen,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	g.nextOrderID++
	g.orders[order.ExchangeOrderID] = order

	cp := *order
	return &cp, nil
}

// CancelOrder cancels a resting order. Unknown or inactive orders return
// ErrOrderNotFound so the caller knows the cancel did not take effect.
func (g *PaperGateway) CancelOrder(_ context.Context, _ string, exchangeOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	order, ok := g.orders[exchangeOrderID]
	if !ok || !order.Status.IsActive() {
		return ErrOrderNotFound
	}
	order.Status = models.OrderCanceled
	order.UpdatedAt = time.Now()
	return nil
}

// GetOrder returns a copy of an order, or ErrOrderNotFound.
func (g *PaperGateway) GetOrder(_ context.Context, _ string, exchangeOrderID string) (*models.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	order, ok := g.orders[exchangeOrderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

// GetOpenOrders lists active resting orders.
func (g *PaperGateway) GetOpenOrders(_ context.Context, _ string) ([]models.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.Order, 0)
	for _, o := range g.orders {
		if o.Status.IsActive() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeOrderID < out[j].ExchangeOrderID })
	return out, nil
}

// SimulatePriceUpdate crosses resting orders against price using the
// limit-crossing rule: a BUY fills when its limit is at or above the tick,
// a SELL when its limit is at or below it. Fills update the paper balance
// and invoke registered callbacks; a callback failure is caught and logged
// and never interrupts the tick. Returns the orders filled by this tick.
func (g *PaperGateway) SimulatePriceUpdate(symbol string, price float64) []models.Order {
	g.mu.Lock()
	g.lastPrice = price

	ids := make([]string, 0, len(g.orders))
	for id := range g.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.ParseInt(ids[i], 10, 64)
		b, _ := strconv.ParseInt(ids[j], 10, 64)
		return a < b
	})

	filled := make([]models.Order, 0)
	for _, id := range ids {
		order := g.orders[id]
		if !order.Status.IsActive() {
			continue
		}
		crossed := (order.Side == models.SideBuy && order.Price >= price) ||
			(order.Side == models.SideSell && order.Price <= price)
		if !crossed {
			continue
		}
		g.fillLocked(order)
		filled = append(filled, *order)
	}
	cbs := make([]FillCallback, len(g.fillCbs))
	copy(cbs, g.fillCbs)
	g.mu.Unlock()

	for _, o := range filled {
		for _, cb := range cbs {
			g.safeInvoke(cb, o)
		}
	}
	return filled
}

// fillLocked marks an order fully filled and settles the ledger. Caller
// holds the lock.
func (g *PaperGateway) fillLocked(order *models.Order) {
	notional := order.Price * order.Quantity
	fee := notional * g.feePercent / 100

	if order.Side == models.SideBuy {
		g.balances[g.quoteAsset] -= notional + fee
		g.balances[g.baseAsset] += order.Quantity
	} else {
		g.balances[g.baseAsset] -= order.Quantity
		g.balances[g.quoteAsset] += notional - fee
	}

	order.Status = models.OrderFilled
	order.FilledQuantity = order.Quantity
	order.Fee = fee
	order.UpdatedAt = time.Now()
}

func (g *PaperGateway) safeInvoke(cb FillCallback, order models.Order) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Errorf("fill callback panicked for order %s: %v", order.OrderID, r)
		}
	}()
	cb(order)
}

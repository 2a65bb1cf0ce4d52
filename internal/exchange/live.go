package exchange

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"go.uber.org/zap"

	"gridtrader/internal/models"
)

// binanceOrderNotFound is the API error code Binance returns for reads and
// cancels of unknown orders.
const binanceOrderNotFound = -2013

// LiveGateway implements Gateway against Binance spot. Every call carries a
// per-call timeout; a timed-out write surfaces as an error, never as
// success. Ticker and balance reads keep the last good value as a fallback
// so transient outages degrade instead of failing.
type LiveGateway struct {
	client  *binance.Client
	timeout time.Duration
	logger  *zap.SugaredLogger

	mu          sync.Mutex
	connected   bool
	lastTicker  map[string]models.Ticker
	lastBalance map[string]models.Balance
	fillCbs     []FillCallback
}

// NewLiveGateway builds a gateway over the Binance REST API.
func NewLiveGateway(apiKey, secretKey string, useTestnet bool, timeout time.Duration, logger *zap.SugaredLogger) *LiveGateway {
	binance.UseTestnet = useTestnet
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LiveGateway{
		client:      binance.NewClient(apiKey, secretKey),
		timeout:     timeout,
		logger:      logger,
		lastTicker:  make(map[string]models.Ticker),
		lastBalance: make(map[string]models.Balance),
	}
}

func (g *LiveGateway) callCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, g.timeout)
}

// Connect pings the exchange and reports the result as a boolean.
func (g *LiveGateway) Connect() bool {
	ctx, cancel := g.callCtx(context.Background())
	defer cancel()
	if err := g.client.NewPingService().Do(ctx); err != nil {
		g.logger.Warnf("exchange connect failed: %v", err)
		return false
	}
	g.mu.Lock()
	g.connected = true
	g.mu.Unlock()
	return true
}

// Disconnect drops the connected flag. The REST client holds no persistent
// socket, so there is nothing else to release.
func (g *LiveGateway) Disconnect() {
	g.mu.Lock()
	g.connected = false
	g.mu.Unlock()
}

// OnFill registers a fill callback. The live gateway reports fills through
// polled order reads, so callbacks fire from the order manager's
// reconciliation rather than from a push stream.
func (g *LiveGateway) OnFill(cb FillCallback) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fillCbs = append(g.fillCbs, cb)
}

// GetTicker fetches the symbol price, degrading to the last good ticker on
// failure.
func (g *LiveGateway) GetTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	callCtx, cancel := g.callCtx(ctx)
	defer cancel()

	prices, err := g.client.NewListPricesService().Symbol(symbol).Do(callCtx)
	if err != nil || len(prices) == 0 {
		g.mu.Lock()
		cached, ok := g.lastTicker[symbol]
		g.mu.Unlock()
		if ok {
			g.logger.Warnf("ticker read failed for %s, using cached price %.8f: %v", symbol, cached.Price, err)
			return cached, nil
		}
		if err == nil {
			err = errors.New("exchange: empty price response")
		}
		return models.Ticker{}, err
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return models.Ticker{}, err
	}
	t := models.Ticker{Symbol: symbol, Price: price, Time: time.Now()}
	g.mu.Lock()
	g.lastTicker[symbol] = t
	g.mu.Unlock()
	return t, nil
}

// GetBalance fetches one asset balance, degrading to the last good value on
// failure.
func (g *LiveGateway) GetBalance(ctx context.Context, asset string) (models.Balance, error) {
	callCtx, cancel := g.callCtx(ctx)
	defer cancel()

	account, err := g.client.NewGetAccountService().Do(callCtx)
	if err != nil {
		g.mu.Lock()
		cached, ok := g.lastBalance[asset]
		g.mu.Unlock()
		if ok {
			g.logger.Warnf("balance read failed for %s, using cached value: %v", asset, err)
			return cached, nil
		}
		return models.Balance{}, err
	}

	for _, b := range account.Balances {
		if b.Asset != asset {
			continue
		}
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		bal := models.Balance{Asset: asset, Free: free, Locked: locked}
		g.mu.Lock()
		g.lastBalance[asset] = bal
		g.mu.Unlock()
		return bal, nil
	}
	return models.Balance{Asset: asset}, nil
}

// CreateOrder places a GTC limit order. Errors, including timeouts,
// propagate to the caller.
func (g *LiveGateway) CreateOrder(ctx context.Context, symbol string, side models.Side, price, quantity float64) (*models.Order, error) {
	callCtx, cancel := g.callCtx(ctx)
	defer cancel()

	binanceSide := binance.SideTypeBuy
	if side == models.SideSell {
		binanceSide = binance.SideTypeSell
	}

	res, err := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(binanceSide).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(strconv.FormatFloat(quantity, 'f', 8, 64)).
		Price(strconv.FormatFloat(price, 'f', 8, 64)).
		Do(callCtx)
	if err != nil {
		return nil, err
	}

	return &models.Order{
		ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
		Side:            side,
		Price:           price,
		Quantity:        quantity,
		Status:          mapBinanceStatus(res.Status),
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}, nil
}

// CancelOrder cancels an order by exchange ID. Unknown orders map to
// ErrOrderNotFound; everything else propagates.
func (g *LiveGateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	callCtx, cancel := g.callCtx(ctx)
	defer cancel()

	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return ErrOrderNotFound
	}
	if _, err := g.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(callCtx); err != nil {
		if isNotFound(err) {
			return ErrOrderNotFound
		}
		return err
	}
	return nil
}

// GetOrder fetches a single order by exchange ID.
func (g *LiveGateway) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (*models.Order, error) {
	callCtx, cancel := g.callCtx(ctx)
	defer cancel()

	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return nil, ErrOrderNotFound
	}
	res, err := g.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(callCtx)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return mapBinanceOrder(res), nil
}

// GetOpenOrders lists the symbol's resting orders.
func (g *LiveGateway) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	callCtx, cancel := g.callCtx(ctx)
	defer cancel()

	res, err := g.client.NewListOpenOrdersService().Symbol(symbol).Do(callCtx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Order, 0, len(res))
	for _, o := range res {
		out = append(out, *mapBinanceOrder(o))
	}
	return out, nil
}

func isNotFound(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == binanceOrderNotFound
}

func mapBinanceOrder(o *binance.Order) *models.Order {
	price, _ := strconv.ParseFloat(o.Price, 64)
	qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
	executed, _ := strconv.ParseFloat(o.ExecutedQuantity, 64)
	side := models.SideBuy
	if o.Side == binance.SideTypeSell {
		side = models.SideSell
	}
	return &models.Order{
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		Side:            side,
		Price:           price,
		Quantity:        qty,
		FilledQuantity:  executed,
		Status:          mapBinanceStatus(o.Status),
		UpdatedAt:       time.UnixMilli(o.UpdateTime),
	}
}

func mapBinanceStatus(s binance.OrderStatusType) models.OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew:
		return models.OrderOpen
	case binance.OrderStatusTypePartiallyFilled:
		return models.OrderPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return models.OrderFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypePendingCancel:
		return models.OrderCanceled
	case binance.OrderStatusTypeRejected:
		return models.OrderRejected
	case binance.OrderStatusTypeExpired:
		return models.OrderExpired
	default:
		return models.OrderPending
	}
}

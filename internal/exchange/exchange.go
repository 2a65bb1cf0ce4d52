package exchange

import (
	"context"
	"errors"

	"gridtrader/internal/models"
)

// ErrOrderNotFound is returned by order reads and writes when the exchange
// does not know the order. Callers distinguish it from transport failures.
var ErrOrderNotFound = errors.New("exchange: order not found")

// FillCallback is invoked by a gateway when one of its resting orders fills.
type FillCallback func(order models.Order)

// Gateway abstracts ticker/balance/order access against a live exchange or
// the in-memory paper simulator. Reads degrade to a safe fallback on
// failure; writes either propagate failure to the caller or return an
// explicit not-found status, never silently appearing to succeed.
type Gateway interface {
	// Connect reports success as a boolean; it never panics or returns an
	// error. Disconnect always releases any underlying client.
	Connect() bool
	Disconnect()

	GetTicker(ctx context.Context, symbol string) (models.Ticker, error)
	GetBalance(ctx context.Context, asset string) (models.Balance, error)

	CreateOrder(ctx context.Context, symbol string, side models.Side, price, quantity float64) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	GetOrder(ctx context.Context, symbol, exchangeOrderID string) (*models.Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)

	// OnFill registers a callback fired when a resting order fills. Callback
	// failures are caught and logged, never interrupting the gateway.
	OnFill(cb FillCallback)
}

package models

import (
	"time"
)

// Side is the direction assigned to a grid level or order.
type Side string

const (
	SideBuy    Side = "BUY"
	SideSell   Side = "SELL"
	SideCenter Side = "CENTER"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// IsActive reports whether the status still occupies its grid level.
func (s OrderStatus) IsActive() bool {
	return s == OrderOpen || s == OrderPartiallyFilled
}

// GridConfig holds the parameters a grid is built from.
type GridConfig struct {
	Symbol                string  `json:"symbol" mapstructure:"symbol"`
	TotalCapital          float64 `json:"total_capital" mapstructure:"total_capital"`
	NumLevels             int     `json:"num_levels" mapstructure:"num_levels"`
	RangePercent          float64 `json:"range_percent" mapstructure:"range_percent"`
	ProfitPerLevelPercent float64 `json:"profit_per_level_percent" mapstructure:"profit_per_level_percent"`
	MinOrderSize          float64 `json:"min_order_size" mapstructure:"min_order_size"`
	FeePercent            float64 `json:"fee_percent" mapstructure:"fee_percent"`
}

// CapitalPerLevel is the equal capital share each level receives.
func (c GridConfig) CapitalPerLevel() float64 {
	if c.NumLevels <= 0 {
		return 0
	}
	return c.TotalCapital / float64(c.NumLevels)
}

// GridLevel is one rung of the price ladder.
type GridLevel struct {
	LevelID          int     `json:"level_id"` // ascending by price
	Price            float64 `json:"price"`
	Side             Side    `json:"side"`
	AllocatedCapital float64 `json:"allocated_capital"`
	Quantity         float64 `json:"quantity"`
	FilledQuantity   float64 `json:"filled_quantity"`
}

// fillTolerance absorbs exchange rounding on filled quantities.
const fillTolerance = 0.999

// IsFilled reports whether the level's quantity is effectively filled.
func (l GridLevel) IsFilled() bool {
	return l.FilledQuantity >= l.Quantity*fillTolerance
}

// Order is a single resting or historical order tied to a grid level.
type Order struct {
	OrderID         string      `json:"order_id"`
	LevelID         int         `json:"level_id"`
	Side            Side        `json:"side"`
	Price           float64     `json:"price"`
	Quantity        float64     `json:"quantity"`
	Status          OrderStatus `json:"status"`
	FilledQuantity  float64     `json:"filled_quantity"`
	Fee             float64     `json:"fee"`
	ExchangeOrderID string      `json:"exchange_order_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// TradeType distinguishes how a trade record was produced.
type TradeType string

const (
	TradeGrid           TradeType = "GRID"
	TradeRebalanceClose TradeType = "REBALANCE_CLOSE"
	TradeEmergencyClose TradeType = "EMERGENCY_CLOSE"
)

// TradeRecord is an immutable fact appended to the ledger. It is never
// mutated after creation.
type TradeRecord struct {
	TradeID   string    `json:"trade_id"`
	Type      TradeType `json:"type"`
	Side      Side      `json:"side"`
	LevelID   int       `json:"level_id"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Fee       float64   `json:"fee"`
	Profit    float64   `json:"profit"` // computed for sells, zero for buys
	Timestamp time.Time `json:"timestamp"`
}

// Position is the open inventory accumulated at one grid level.
type Position struct {
	LevelID       int     `json:"level_id"`
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"` // volume-weighted average
	CurrentPrice  float64 `json:"current_price"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// IsOpen reports whether the position still holds inventory.
func (p Position) IsOpen() bool { return p.Quantity > 0 }

// PairStatus tracks a managed buy/sell cycle.
type PairStatus string

const (
	PairWaitingBuyFill PairStatus = "WAITING_BUY_FILL"
	PairBuyFilled      PairStatus = "BUY_FILLED"
	PairSellPlaced     PairStatus = "SELL_PLACED"
	PairSellFilled     PairStatus = "SELL_FILLED"
	PairClosed         PairStatus = "CLOSED"
	PairError          PairStatus = "ERROR"
)

// ManagedPosition pairs a filled buy level with its designated sell level
// and follows the cycle until the sell fills.
type ManagedPosition struct {
	PairID      string     `json:"pair_id"`
	BuyLevelID  int        `json:"buy_level_id"`
	SellLevelID int        `json:"sell_level_id"`
	BuyOrderID  string     `json:"buy_order_id"`
	BuyPrice    float64    `json:"buy_price"`
	Volume      float64    `json:"volume"`
	SellOrderID string     `json:"sell_order_id,omitempty"`
	SellPrice   float64    `json:"sell_price,omitempty"`
	Status      PairStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// RebalanceReason explains why a grid was re-centered.
type RebalanceReason string

const (
	RebalancePriceAbove RebalanceReason = "PRICE_ABOVE_GRID"
	RebalancePriceBelow RebalanceReason = "PRICE_BELOW_GRID"
	RebalanceManual     RebalanceReason = "MANUAL"
)

// RebalanceStatus is the lifecycle state of a rebalance action.
type RebalanceStatus string

const (
	RebalancePending    RebalanceStatus = "PENDING"
	RebalanceInProgress RebalanceStatus = "IN_PROGRESS"
	RebalanceCompleted  RebalanceStatus = "COMPLETED"
	RebalanceFailed     RebalanceStatus = "FAILED"
)

// RebalanceAction is a history entry describing one grid re-centering.
// Once completed it is immutable.
type RebalanceAction struct {
	ActionID        string          `json:"action_id"`
	Reason          RebalanceReason `json:"reason"`
	OldCenter       float64         `json:"old_center"`
	NewCenter       float64         `json:"new_center"`
	OldLowerBound   float64         `json:"old_lower_bound"`
	OldUpperBound   float64         `json:"old_upper_bound"`
	NewLowerBound   float64         `json:"new_lower_bound"`
	NewUpperBound   float64         `json:"new_upper_bound"`
	Status          RebalanceStatus `json:"status"`
	OrdersPlaced    int             `json:"orders_placed"`
	PositionsClosed int             `json:"positions_closed"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// AlertLevel ranks risk alerts by severity.
type AlertLevel string

const (
	AlertNormal    AlertLevel = "NORMAL"
	AlertWarning   AlertLevel = "WARNING"
	AlertCritical  AlertLevel = "CRITICAL"
	AlertEmergency AlertLevel = "EMERGENCY"
)

// AlertType identifies the risk condition an alert reports.
type AlertType string

const (
	AlertDailyLoss     AlertType = "DAILY_LOSS"
	AlertMaxDrawdown   AlertType = "MAX_DRAWDOWN"
	AlertExposure      AlertType = "EXPOSURE"
	AlertEmergencyStop AlertType = "EMERGENCY_STOP"
)

// RiskAlert is one entry in the risk manager's capped alert history.
type RiskAlert struct {
	AlertID      string     `json:"alert_id"`
	Type         AlertType  `json:"type"`
	Level        AlertLevel `json:"level"`
	Message      string     `json:"message"`
	CurrentValue float64    `json:"current_value"`
	Threshold    float64    `json:"threshold"`
	Timestamp    time.Time  `json:"timestamp"`
	Acknowledged bool       `json:"acknowledged"`
}

// RiskStatus is a computed-on-demand snapshot. It is never persisted.
type RiskStatus struct {
	DailyPnL         float64     `json:"daily_pnl"`
	DailyLossLimit   float64     `json:"daily_loss_limit"`
	TotalPnL         float64     `json:"total_pnl"`
	TotalPnLPercent  float64     `json:"total_pnl_percent"`
	MaxDrawdown      float64     `json:"max_drawdown"`
	OpenExposure     float64     `json:"open_exposure"`
	ExposureLimit    float64     `json:"exposure_limit"`
	IsTradingAllowed bool        `json:"is_trading_allowed"`
	ActiveAlerts     []RiskAlert `json:"active_alerts"`
}

// DailyMetrics aggregates paper-trading activity for one trading day.
type DailyMetrics struct {
	Date          string  `json:"date"`
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalProfit   float64 `json:"total_profit"`
	TotalVolume   float64 `json:"total_volume"`
	TotalFees     float64 `json:"total_fees"`
	BestTrade     float64 `json:"best_trade"`
	WorstTrade    float64 `json:"worst_trade"`
}

// CumulativeMetrics aggregates paper-trading activity over the logger's
// lifetime.
type CumulativeMetrics struct {
	StartDate            string  `json:"start_date"`
	TradingDays          int     `json:"trading_days"`
	TotalTrades          int     `json:"total_trades"`
	WinningTrades        int     `json:"winning_trades"`
	LosingTrades         int     `json:"losing_trades"`
	WinRate              float64 `json:"win_rate"`
	MaxConsecutiveWins   int     `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	GrossProfit          float64 `json:"gross_profit"`
	GrossLoss            float64 `json:"gross_loss"`
	ProfitFactor         float64 `json:"profit_factor"` // +Inf when no losses
	NetProfit            float64 `json:"net_profit"`
	ROIPercent           float64 `json:"roi_percent"`
	MaxDrawdown          float64 `json:"max_drawdown"`
	SharpeRatio          float64 `json:"sharpe_ratio"` // zero until enough days
}

// ValidationStatus is the advisory paper-to-live promotion gate.
type ValidationStatus string

const (
	ValidationGo     ValidationStatus = "GO"
	ValidationReview ValidationStatus = "REVIEW"
	ValidationNoGo   ValidationStatus = "NO-GO"
)

// PaperSnapshot is the date-keyed state persisted once per trading day.
type PaperSnapshot struct {
	Date        string             `json:"date"`
	Trades      []TradeRecord      `json:"trades"`
	Daily       DailyMetrics       `json:"daily"`
	Cumulative  CumulativeMetrics  `json:"cumulative"`
	DailyEquity map[string]float64 `json:"daily_equity"`
	SavedAt     time.Time          `json:"saved_at"`
}

// Ticker is a point-in-time price observation from the gateway.
type Ticker struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}

// Balance is the gateway's view of one asset balance.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

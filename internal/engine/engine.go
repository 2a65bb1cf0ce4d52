package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gridtrader/internal/config"
	"gridtrader/internal/exchange"
	"gridtrader/internal/grid"
	"gridtrader/internal/models"
	"gridtrader/internal/order"
	"gridtrader/internal/pairing"
	"gridtrader/internal/paperlog"
	"gridtrader/internal/persistence"
	"gridtrader/internal/position"
	"gridtrader/internal/rebalance"
	"gridtrader/internal/risk"
)

// ErrNotInitialized is returned by every operation that requires a grid
// before Initialize has succeeded.
var ErrNotInitialized = errors.New("engine: not initialized, call initialize first")

// ErrAlreadyRunning is returned by Start when the engine is already running.
var ErrAlreadyRunning = errors.New("engine: already running")

// EventType classifies broadcast events.
type EventType string

const (
	EventFill      EventType = "fill"
	EventCycle     EventType = "cycle"
	EventRebalance EventType = "rebalance"
	EventAlert     EventType = "alert"
	EventStop      EventType = "emergency_stop"
)

// Event is a state-change notification delivered to subscribed listeners.
type Event struct {
	Type      EventType `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// EventListener receives engine events. Listener panics are isolated.
type EventListener func(Event)

// Status is the engine's control-surface snapshot.
type Status struct {
	Mode             config.Mode             `json:"mode"`
	Symbol           string                  `json:"symbol"`
	Initialized      bool                    `json:"initialized"`
	Running          bool                    `json:"running"`
	CenterPrice      float64                 `json:"center_price"`
	LowerBound       float64                 `json:"lower_bound"`
	UpperBound       float64                 `json:"upper_bound"`
	LastPrice        float64                 `json:"last_price"`
	ActiveOrders     int                     `json:"active_orders"`
	OpenPositions    int                     `json:"open_positions"`
	Equity           float64                 `json:"equity"`
	RealizedPnL      float64                 `json:"realized_pnl"`
	UnrealizedPnL    float64                 `json:"unrealized_pnl"`
	TotalCycles      int                     `json:"total_cycles"`
	IsTradingAllowed bool                    `json:"is_trading_allowed"`
	Validation       models.ValidationStatus `json:"validation"`
}

// Metrics bundles the performance view returned by the metrics operation.
type Metrics struct {
	Daily      models.DailyMetrics      `json:"daily"`
	Cumulative models.CumulativeMetrics `json:"cumulative"`
	Validation models.ValidationStatus  `json:"validation"`
	PairCycles int                      `json:"pair_cycles"`
	PairProfit float64                  `json:"pair_profit"`
}

// TickResult is what a price update returns: the orders it filled and the
// risk status after all effects were applied.
type TickResult struct {
	Price        float64           `json:"price"`
	FilledOrders []models.Order    `json:"filled_orders"`
	Risk         models.RiskStatus `json:"risk"`
	Rebalanced   bool              `json:"rebalanced"`
}

// Engine owns one grid instance and every component under it. All mutating
// operations are serialized through its mutex so a tick's full set of
// effects completes before the next operation observes state.
type Engine struct {
	mu          sync.Mutex
	cfg         config.Config
	gateway     exchange.Gateway
	paperGW     *exchange.PaperGateway
	repo        persistence.SnapshotRepository
	calc        *grid.Calculator
	orders      *order.Manager
	tracker     *position.Tracker
	pairs       *pairing.Manager
	riskMgr     *risk.Manager
	rebalancer  *rebalance.Rebalancer
	paperLog    *paperlog.Logger
	listeners   []EventListener
	initialized bool
	running     bool
	lastPrice   float64
	logger      *zap.SugaredLogger
}

// New builds an Engine around a gateway and snapshot repository. Nothing
// touches the exchange until Initialize.
func New(cfg config.Config, gateway exchange.Gateway, repo persistence.SnapshotRepository, logger *zap.SugaredLogger) *Engine {
	e := &Engine{
		cfg:     cfg,
		gateway: gateway,
		repo:    repo,
		logger:  logger,
	}
	if pg, ok := gateway.(*exchange.PaperGateway); ok {
		e.paperGW = pg
	}
	return e
}

// Subscribe registers an event listener.
func (e *Engine) Subscribe(l EventListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *Engine) emit(eventType EventType, payload any) {
	e.mu.Lock()
	ls := make([]EventListener, len(e.listeners))
	copy(ls, e.listeners)
	e.mu.Unlock()
	ev := Event{Type: eventType, Payload: payload, Timestamp: time.Now()}
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Errorf("event listener panicked on %s: %v", eventType, r)
				}
			}()
			l(ev)
		}()
	}
}

// Initialize builds the grid around centerPrice (fetched from the gateway
// ticker when zero) and constructs every component. Returns the grid
// snapshot. Re-initializing a running engine is rejected.
func (e *Engine) Initialize(ctx context.Context, centerPrice float64) ([]models.GridLevel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil, ErrAlreadyRunning
	}

	if centerPrice <= 0 {
		ticker, err := e.gateway.GetTicker(ctx, e.cfg.Grid.Symbol)
		if err != nil {
			return nil, fmt.Errorf("engine: fetch center price: %w", err)
		}
		centerPrice = ticker.Price
	}

	calc := grid.NewCalculator(e.cfg.Grid)
	levels, err := calc.CalculateGrid(centerPrice)
	if err != nil {
		return nil, err
	}

	live := e.cfg.Mode == config.ModeLive
	om := order.NewManager(e.cfg.Grid, calc, e.gateway, live, e.logger)
	tracker := position.NewTracker(e.cfg.InitialBalance, e.logger)
	pairs := pairing.NewManager(e.cfg.Grid, calc, om, e.logger)
	riskMgr := risk.NewManager(e.cfg.Risk, e.cfg.Grid, e.cfg.InitialBalance, tracker, om, e.logger)
	rebalancer := rebalance.NewRebalancer(e.cfg.Rebalance, e.cfg.Grid, calc, om, tracker, pairs, e.logger)
	paperLog := paperlog.NewLogger(e.cfg.InitialBalance, e.repo, e.logger)

	// Every placement passes the risk gate, so a halted book cannot grow.
	om.SetAdmissionCheck(riskMgr.ValidateOrder)

	om.OnFill(func(o models.Order) {
		// A sell closes the buy level it is paired with, not its own level.
		levelID := o.LevelID
		if o.Side == models.SideSell {
			if pair, ok := pairs.PairBySellOrder(o.OrderID); ok {
				levelID = pair.BuyLevelID
			}
		}
		rec := tracker.RecordTrade(models.TradeGrid, o.Side, levelID, o.FilledQuantity, o.Price, o.Fee)
		paperLog.RecordTrade(rec)
		go e.emit(EventFill, o)
	})
	pairs.OnCycleComplete(func(pair models.ManagedPosition, profit float64) {
		go e.emit(EventCycle, pair)
	})
	riskMgr.OnAlert(func(alert models.RiskAlert) {
		go e.emit(EventAlert, alert)
	})
	rebalancer.OnComplete(func(action models.RebalanceAction) {
		go e.emit(EventRebalance, action)
	})

	if err := paperLog.LoadPreviousState(); err != nil {
		e.logger.Warnf("restoring paper state failed, starting fresh: %v", err)
	}
	if e.repo != nil {
		gridCfg := e.cfg.Grid
		if err := e.repo.SaveGridConfig(&gridCfg); err != nil {
			e.logger.Warnf("persisting grid config failed: %v", err)
		}
	}

	e.calc = calc
	e.orders = om
	e.tracker = tracker
	e.pairs = pairs
	e.riskMgr = riskMgr
	e.rebalancer = rebalancer
	e.paperLog = paperLog
	e.lastPrice = centerPrice
	e.initialized = true

	lower, upper := calc.Bounds()
	e.logger.Infof("engine initialized: %s center=%.8f bounds=[%.8f, %.8f] levels=%d mode=%s",
		e.cfg.Grid.Symbol, centerPrice, lower, upper, len(levels), e.cfg.Mode)
	return levels, nil
}

// Start places the bootstrap buy orders and marks the engine running.
func (e *Engine) Start(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return 0, ErrNotInitialized
	}
	if e.running {
		return 0, ErrAlreadyRunning
	}
	if !e.riskMgr.IsTradingAllowed() {
		return 0, risk.ErrTradingHalted
	}
	placed, err := e.orders.InitializeGridOrders(ctx)
	if err != nil {
		return placed, fmt.Errorf("engine: bootstrap orders: %w", err)
	}
	e.running = true
	e.logger.Infof("engine started: %d bootstrap orders placed", placed)
	return placed, nil
}

// Stop cancels all active orders and halts the engine. Open positions are
// left untouched; Stop pauses the strategy, it does not liquidate it.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return ErrNotInitialized
	}
	canceled, err := e.orders.CancelAllOrders(ctx)
	if err != nil {
		return fmt.Errorf("engine: stop: %w", err)
	}
	e.running = false
	if saveErr := e.paperLog.SaveCurrentState(); saveErr != nil {
		e.logger.Warnf("saving paper state on stop failed: %v", saveErr)
	}
	e.logger.Infof("engine stopped: %d orders canceled", canceled)
	return nil
}

// PriceUpdate feeds one tick through the full pipeline: fills, pairing,
// mark-to-market, risk evaluation with automatic emergency stop on a hard
// breach, and automatic rebalance when price escapes the grid.
func (e *Engine) PriceUpdate(ctx context.Context, price float64) (*TickResult, error) {
	if price <= 0 {
		return nil, fmt.Errorf("engine: price must be positive, got %f", price)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil, ErrNotInitialized
	}
	e.lastPrice = price
	if e.paperGW != nil {
		e.paperGW.SimulatePriceUpdate(e.cfg.Grid.Symbol, price)
	}

	var filled []models.Order
	if e.cfg.Mode == config.ModeLive {
		if err := e.orders.SyncOpenOrders(ctx); err != nil {
			e.logger.Warnf("order sync failed, continuing with local state: %v", err)
		}
	} else {
		filled = e.orders.CheckFillsAtPrice(price)
	}

	e.pairs.RunCycle(ctx)
	e.tracker.UpdatePrices(price)
	e.paperLog.RecordEquity(e.tracker.Equity())

	riskStatus := e.riskMgr.CheckRisk()
	if e.riskMgr.ShouldHalt() && riskStatus.IsTradingAllowed {
		canceled, closed, err := e.riskMgr.EmergencyStop(ctx, price, "risk limit breached on tick")
		if err != nil {
			e.logger.Errorf("automatic emergency stop incomplete: %v", err)
		}
		e.running = false
		go e.emit(EventStop, map[string]int{"orders_canceled": canceled, "positions_closed": closed})
		riskStatus = e.riskMgr.CheckRisk()
	}

	rebalanced := false
	if e.running && riskStatus.IsTradingAllowed {
		if should, reason := e.rebalancer.ShouldRebalance(price); should {
			if _, err := e.rebalancer.ExecuteRebalance(ctx, price, reason); err != nil {
				if !errors.Is(err, rebalance.ErrTooSoon) && !errors.Is(err, rebalance.ErrRebalanceInProgress) {
					e.logger.Errorf("automatic rebalance failed: %v", err)
				}
			} else {
				rebalanced = true
			}
		}
	}

	return &TickResult{Price: price, FilledOrders: filled, Risk: riskStatus, Rebalanced: rebalanced}, nil
}

// Status returns the engine snapshot.
func (e *Engine) Status() (*Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &Status{
		Mode:   e.cfg.Mode,
		Symbol: e.cfg.Grid.Symbol,
	}
	if !e.initialized {
		return s, nil
	}
	s.Initialized = true
	s.Running = e.running
	s.CenterPrice = e.calc.CenterPrice()
	s.LowerBound, s.UpperBound = e.calc.Bounds()
	s.LastPrice = e.lastPrice
	s.ActiveOrders = len(e.orders.ActiveOrders())
	s.OpenPositions = len(e.tracker.OpenPositions())
	s.Equity = e.tracker.Equity()
	s.RealizedPnL = e.tracker.RealizedPnL()
	s.UnrealizedPnL = e.tracker.UnrealizedPnL()
	s.TotalCycles = e.pairs.TotalCycles()
	s.IsTradingAllowed = e.riskMgr.IsTradingAllowed()
	s.Validation = e.paperLog.Validation()
	return s, nil
}

// Levels returns the current grid snapshot.
func (e *Engine) Levels() ([]models.GridLevel, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	return e.calc.Levels(), nil
}

// Orders returns the order book, optionally only active orders.
func (e *Engine) Orders(activeOnly bool) ([]models.Order, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	return e.orders.Orders(activeOnly), nil
}

// Positions returns all open positions.
func (e *Engine) Positions() ([]models.Position, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	return e.tracker.OpenPositions(), nil
}

// Pairs returns all managed buy/sell pairs.
func (e *Engine) Pairs() ([]models.ManagedPosition, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	return e.pairs.Pairs(), nil
}

// Metrics returns the performance view.
func (e *Engine) Metrics() (*Metrics, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	return &Metrics{
		Daily:      e.paperLog.TodayMetrics(),
		Cumulative: e.paperLog.Cumulative(),
		Validation: e.paperLog.Validation(),
		PairCycles: e.pairs.TotalCycles(),
		PairProfit: e.pairs.TotalRealizedProfit(),
	}, nil
}

// Risk returns the current risk status.
func (e *Engine) Risk() (*models.RiskStatus, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	status := e.riskMgr.CheckRisk()
	return &status, nil
}

// Rebalance manually re-centers the grid.
func (e *Engine) Rebalance(ctx context.Context, newCenter float64, reason models.RebalanceReason) (*models.RebalanceAction, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	if newCenter <= 0 {
		return nil, fmt.Errorf("engine: new center must be positive, got %f", newCenter)
	}
	if !e.riskMgr.IsTradingAllowed() {
		return nil, risk.ErrTradingHalted
	}
	if reason == "" {
		reason = models.RebalanceManual
	}
	return e.rebalancer.ExecuteRebalance(ctx, newCenter, reason)
}

// RebalanceRecommendation returns the read-only rebalance assessment.
func (e *Engine) RebalanceRecommendation(price float64) (*rebalance.Recommendation, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	rec := e.rebalancer.Recommendation(price)
	return &rec, nil
}

// EmergencyStop flattens the book and halts trading.
func (e *Engine) EmergencyStop(ctx context.Context, reason string) (ordersCanceled, positionsClosed int, err error) {
	if initErr := e.requireInit(); initErr != nil {
		return 0, 0, initErr
	}
	e.mu.Lock()
	price := e.lastPrice
	e.running = false
	e.mu.Unlock()
	canceled, closed, err := e.riskMgr.EmergencyStop(ctx, price, reason)
	go e.emit(EventStop, map[string]int{"orders_canceled": canceled, "positions_closed": closed})
	return canceled, closed, err
}

// ResetEmergencyStop re-enables trading after a stop.
func (e *Engine) ResetEmergencyStop() error {
	if err := e.requireInit(); err != nil {
		return err
	}
	return e.riskMgr.ResetEmergencyStop()
}

// Config echoes the engine configuration. Exchange credentials are excluded
// from serialization at the type level and never appear in the echo.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// Alerts returns the alert history, optionally only unacknowledged ones.
func (e *Engine) Alerts(activeOnly bool) ([]models.RiskAlert, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	alerts := e.riskMgr.Alerts()
	if !activeOnly {
		return alerts, nil
	}
	active := make([]models.RiskAlert, 0, len(alerts))
	for _, a := range alerts {
		if !a.Acknowledged {
			active = append(active, a)
		}
	}
	return active, nil
}

// AcknowledgeAlert marks an alert acknowledged.
func (e *Engine) AcknowledgeAlert(alertID string) (bool, error) {
	if err := e.requireInit(); err != nil {
		return false, err
	}
	return e.riskMgr.AcknowledgeAlert(alertID), nil
}

// Report renders the paper-trading performance table.
func (e *Engine) Report() (string, error) {
	if err := e.requireInit(); err != nil {
		return "", err
	}
	return e.paperLog.Report(), nil
}

func (e *Engine) requireInit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return ErrNotInitialized
	}
	return nil
}

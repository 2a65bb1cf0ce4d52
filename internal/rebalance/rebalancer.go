package rebalance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gridtrader/internal/config"
	"gridtrader/internal/grid"
	"gridtrader/internal/models"
	"gridtrader/internal/order"
	"gridtrader/internal/pairing"
	"gridtrader/internal/position"
)

// ErrRebalanceInProgress is returned when ExecuteRebalance is re-entered
// while a previous run has not completed.
var ErrRebalanceInProgress = errors.New("rebalance: another rebalance is in progress")

// ErrTooSoon is returned when the minimum interval since the last rebalance
// has not elapsed.
var ErrTooSoon = errors.New("rebalance: minimum interval since last rebalance has not elapsed")

// Callback fires at the start and completion of a rebalance.
type Callback func(action models.RebalanceAction)

// Recommendation is a read-only rebalance assessment for the given price.
type Recommendation struct {
	ShouldRebalance bool                   `json:"should_rebalance"`
	Reason          models.RebalanceReason `json:"reason,omitempty"`
	CurrentPrice    float64                `json:"current_price"`
	CurrentCenter   float64                `json:"current_center"`
	LowerBound      float64                `json:"lower_bound"`
	UpperBound      float64                `json:"upper_bound"`
	DistanceLower   float64                `json:"distance_lower_percent"`
	DistanceUpper   float64                `json:"distance_upper_percent"`
	OpenPositions   int                    `json:"open_positions"`
	ActiveOrders    int                    `json:"active_orders"`
}

// Rebalancer re-centers the grid when price escapes its bounds: cancel
// everything, recalculate the ladder around the new price, bootstrap fresh
// buy orders.
type Rebalancer struct {
	mu         sync.Mutex
	cfg        config.RebalanceConfig
	gridCfg    models.GridConfig
	calc       *grid.Calculator
	orders     *order.Manager
	tracker    *position.Tracker
	pairs      *pairing.Manager
	inProgress bool
	lastRun    time.Time
	history    []models.RebalanceAction
	startCbs   []Callback
	doneCbs    []Callback
	logger     *zap.SugaredLogger
}

// NewRebalancer wires the rebalancer over the grid, order, position and
// pairing layers.
func NewRebalancer(cfg config.RebalanceConfig, gridCfg models.GridConfig, calc *grid.Calculator, orders *order.Manager, tracker *position.Tracker, pairs *pairing.Manager, logger *zap.SugaredLogger) *Rebalancer {
	return &Rebalancer{
		cfg:     cfg,
		gridCfg: gridCfg,
		calc:    calc,
		orders:  orders,
		tracker: tracker,
		pairs:   pairs,
		logger:  logger,
	}
}

// OnStart registers a callback fired when a rebalance begins.
func (r *Rebalancer) OnStart(cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startCbs = append(r.startCbs, cb)
}

// OnComplete registers a callback fired when a rebalance finishes.
func (r *Rebalancer) OnComplete(cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doneCbs = append(r.doneCbs, cb)
}

// ShouldRebalance reports whether price sits strictly outside the grid
// bounds. A price exactly on a bound is still inside. Returns false when no
// grid exists.
func (r *Rebalancer) ShouldRebalance(price float64) (bool, models.RebalanceReason) {
	if !r.calc.HasGrid() {
		return false, ""
	}
	lower, upper := r.calc.Bounds()
	switch {
	case price > upper:
		return true, models.RebalancePriceAbove
	case price < lower:
		return true, models.RebalancePriceBelow
	default:
		return false, ""
	}
}

// Recommendation returns a read-only assessment without side effects.
func (r *Rebalancer) Recommendation(price float64) Recommendation {
	rec := Recommendation{
		CurrentPrice:  price,
		OpenPositions: len(r.tracker.OpenPositions()),
		ActiveOrders:  len(r.orders.ActiveOrders()),
	}
	if !r.calc.HasGrid() {
		return rec
	}
	rec.CurrentCenter = r.calc.CenterPrice()
	rec.LowerBound, rec.UpperBound = r.calc.Bounds()
	rec.DistanceLower, rec.DistanceUpper = r.calc.DistanceFromBounds(price)
	rec.ShouldRebalance, rec.Reason = r.ShouldRebalance(price)
	return rec
}

// ExecuteRebalance re-centers the grid on newCenter. Exactly one rebalance
// may run at a time and runs are spaced by the configured minimum interval
// regardless of reason. Open pairs are invalidated: their sell levels no
// longer exist on the new grid.
func (r *Rebalancer) ExecuteRebalance(ctx context.Context, newCenter float64, reason models.RebalanceReason) (*models.RebalanceAction, error) {
	r.mu.Lock()
	if r.inProgress {
		r.mu.Unlock()
		return nil, ErrRebalanceInProgress
	}
	if r.cfg.MinInterval > 0 && !r.lastRun.IsZero() && time.Since(r.lastRun) < r.cfg.MinInterval {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w (last run %s ago, minimum %s)", ErrTooSoon, time.Since(r.lastRun).Round(time.Second), r.cfg.MinInterval)
	}
	r.inProgress = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inProgress = false
		r.mu.Unlock()
	}()

	oldLower, oldUpper := r.calc.Bounds()
	action := &models.RebalanceAction{
		ActionID:      uuid.NewString(),
		Reason:        reason,
		OldCenter:     r.calc.CenterPrice(),
		NewCenter:     newCenter,
		OldLowerBound: oldLower,
		OldUpperBound: oldUpper,
		Status:        models.RebalanceInProgress,
		StartedAt:     time.Now(),
	}
	r.logger.Infof("rebalance %s started: %s, center %.8f -> %.8f", action.ActionID, reason, action.OldCenter, newCenter)
	r.fire(r.startCallbacks(), *action)

	canceled, err := r.orders.CancelAllOrders(ctx)
	if err != nil {
		return r.fail(action, fmt.Errorf("cancel orders: %w", err)), err
	}

	if r.cfg.ClosePositions {
		for _, pos := range r.tracker.OpenPositions() {
			fee := pos.Quantity * newCenter * r.gridCfg.FeePercent / 100
			r.tracker.RecordTrade(models.TradeRebalanceClose, models.SideSell, pos.LevelID, pos.Quantity, newCenter, fee)
			action.PositionsClosed++
		}
	}

	r.pairs.MarkOpenPairsError("grid recentered by rebalance " + action.ActionID)

	if _, err := r.calc.RecalculateGrid(newCenter); err != nil {
		return r.fail(action, fmt.Errorf("recalculate grid: %w", err)), err
	}
	action.NewLowerBound, action.NewUpperBound = r.calc.Bounds()

	placed, err := r.orders.InitializeGridOrders(ctx)
	action.OrdersPlaced = placed
	if err != nil {
		return r.fail(action, fmt.Errorf("reinitialize orders: %w", err)), err
	}

	now := time.Now()
	action.Status = models.RebalanceCompleted
	action.CompletedAt = &now

	r.mu.Lock()
	r.lastRun = now
	r.history = append(r.history, *action)
	r.mu.Unlock()

	r.logger.Infof("rebalance %s completed: %d orders canceled, %d positions closed, %d orders placed",
		action.ActionID, canceled, action.PositionsClosed, action.OrdersPlaced)
	r.fire(r.doneCallbacks(), *action)
	return action, nil
}

func (r *Rebalancer) fail(action *models.RebalanceAction, err error) *models.RebalanceAction {
	now := time.Now()
	action.Status = models.RebalanceFailed
	action.Error = err.Error()
	action.CompletedAt = &now

	r.mu.Lock()
	r.lastRun = now
	r.history = append(r.history, *action)
	r.mu.Unlock()

	r.logger.Errorf("rebalance %s failed: %v", action.ActionID, err)
	r.fire(r.doneCallbacks(), *action)
	return action
}

func (r *Rebalancer) startCallbacks() []Callback {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Callback, len(r.startCbs))
	copy(out, r.startCbs)
	return out
}

func (r *Rebalancer) doneCallbacks() []Callback {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Callback, len(r.doneCbs))
	copy(out, r.doneCbs)
	return out
}

func (r *Rebalancer) fire(cbs []Callback, action models.RebalanceAction) {
	for _, cb := range cbs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Errorf("rebalance callback panicked for %s: %v", action.ActionID, rec)
				}
			}()
			cb(action)
		}()
	}
}

// History returns past rebalance actions, oldest first.
func (r *Rebalancer) History() []models.RebalanceAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.RebalanceAction, len(r.history))
	copy(out, r.history)
	return out
}

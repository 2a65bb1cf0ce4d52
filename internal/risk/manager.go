package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gridtrader/internal/config"
	"gridtrader/internal/models"
	"gridtrader/internal/order"
	"gridtrader/internal/position"
)

// ErrTradingHalted is returned by ValidateOrder while an emergency stop is
// in effect.
var ErrTradingHalted = errors.New("risk: trading halted by emergency stop")

// ErrNotStopped is returned by ResetEmergencyStop when no stop is active.
var ErrNotStopped = errors.New("risk: no emergency stop is active")

// StopCallback fires after an emergency stop completes, with the number of
// orders canceled and positions closed.
type StopCallback func(ordersCanceled, positionsClosed int)

// AlertCallback fires for every newly raised alert.
type AlertCallback func(alert models.RiskAlert)

// Manager evaluates risk limits against live P&L, raises rate-limited
// alerts, and executes the emergency stop that flattens the book.
type Manager struct {
	mu             sync.Mutex
	cfg            config.RiskConfig
	gridCfg        models.GridConfig
	initialCapital float64
	tracker        *position.Tracker
	orders         *order.Manager
	stopped        bool
	alerts         []models.RiskAlert
	lastAlertAt    map[models.AlertType]time.Time
	stopCbs        []StopCallback
	alertCbs       []AlertCallback
	logger         *zap.SugaredLogger
}

// NewManager builds a risk Manager over the position tracker and order
// manager.
func NewManager(cfg config.RiskConfig, gridCfg models.GridConfig, initialCapital float64, tracker *position.Tracker, orders *order.Manager, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		cfg:            cfg,
		gridCfg:        gridCfg,
		initialCapital: initialCapital,
		tracker:        tracker,
		orders:         orders,
		lastAlertAt:    make(map[models.AlertType]time.Time),
		logger:         logger,
	}
}

// OnStop registers an emergency-stop callback.
func (m *Manager) OnStop(cb StopCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCbs = append(m.stopCbs, cb)
}

// OnAlert registers an alert callback.
func (m *Manager) OnAlert(cb AlertCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertCbs = append(m.alertCbs, cb)
}

// CheckRisk evaluates every configured limit and returns the current risk
// status. Breaches raise alerts but do not themselves halt trading; the
// caller decides whether a breach escalates to EmergencyStop.
func (m *Manager) CheckRisk() models.RiskStatus {
	dailyPnL := m.tracker.TodayPnL()
	totalPnL := m.tracker.TotalPnL()
	drawdown := m.tracker.MaxDrawdown() * 100
	exposure := m.tracker.OpenExposure()

	totalPct := 0.0
	if m.initialCapital > 0 {
		totalPct = totalPnL / m.initialCapital * 100
	}

	if m.cfg.DailyLossLimit > 0 && dailyPnL <= -m.cfg.DailyLossLimit {
		m.raiseAlert(models.AlertDailyLoss, models.AlertCritical,
			fmt.Sprintf("daily loss %.2f breached limit %.2f", dailyPnL, m.cfg.DailyLossLimit),
			dailyPnL, -m.cfg.DailyLossLimit)
	}
	if m.cfg.MaxDrawdownPercent > 0 && drawdown >= m.cfg.MaxDrawdownPercent {
		m.raiseAlert(models.AlertMaxDrawdown, models.AlertCritical,
			fmt.Sprintf("drawdown %.2f%% breached limit %.2f%%", drawdown, m.cfg.MaxDrawdownPercent),
			drawdown, m.cfg.MaxDrawdownPercent)
	}
	if m.cfg.MaxExposure > 0 && exposure >= m.cfg.MaxExposure {
		m.raiseAlert(models.AlertExposure, models.AlertWarning,
			fmt.Sprintf("open exposure %.2f at or above limit %.2f", exposure, m.cfg.MaxExposure),
			exposure, m.cfg.MaxExposure)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return models.RiskStatus{
		DailyPnL:         dailyPnL,
		DailyLossLimit:   m.cfg.DailyLossLimit,
		TotalPnL:         totalPnL,
		TotalPnLPercent:  totalPct,
		MaxDrawdown:      drawdown,
		OpenExposure:     exposure,
		ExposureLimit:    m.cfg.MaxExposure,
		IsTradingAllowed: !m.stopped,
		ActiveAlerts:     m.activeAlertsLocked(),
	}
}

// ShouldHalt reports whether a hard limit is currently breached. Exposure
// breaches warn but never halt; losing money you already hold is worse than
// holding it.
func (m *Manager) ShouldHalt() bool {
	if m.cfg.DailyLossLimit > 0 && m.tracker.TodayPnL() <= -m.cfg.DailyLossLimit {
		return true
	}
	if m.cfg.MaxDrawdownPercent > 0 && m.tracker.MaxDrawdown()*100 >= m.cfg.MaxDrawdownPercent {
		return true
	}
	return false
}

// ValidateOrder is the single admission gate every new order passes. It
// rejects all orders while trading is halted, and buys whose notional would
// push open exposure past the ceiling. Sells reduce inventory and are never
// exposure-gated.
func (m *Manager) ValidateOrder(side models.Side, price, quantity float64) error {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return ErrTradingHalted
	}
	if side == models.SideBuy && m.cfg.MaxExposure > 0 {
		notional := price * quantity
		if projected := m.tracker.OpenExposure() + notional; projected > m.cfg.MaxExposure {
			return fmt.Errorf("risk: order notional %.2f would raise exposure to %.2f, above limit %.2f",
				notional, projected, m.cfg.MaxExposure)
		}
	}
	return nil
}

// IsTradingAllowed reports whether new orders may be placed.
func (m *Manager) IsTradingAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.stopped
}

// EmergencyStop cancels every active order, closes every open position at
// the given mark price with EMERGENCY_CLOSE trades, halts trading, and
// raises an EMERGENCY alert. Idempotent while stopped.
func (m *Manager) EmergencyStop(ctx context.Context, markPrice float64, reason string) (ordersCanceled, positionsClosed int, err error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return 0, 0, nil
	}
	m.stopped = true
	m.mu.Unlock()

	m.logger.Errorf("EMERGENCY STOP: %s", reason)

	ordersCanceled, cancelErr := m.orders.CancelAllOrders(ctx)
	if cancelErr != nil {
		m.logger.Errorf("emergency stop: order cancellation incomplete: %v", cancelErr)
		err = cancelErr
	}

	for _, pos := range m.tracker.OpenPositions() {
		fee := pos.Quantity * markPrice * m.gridCfg.FeePercent / 100
		m.tracker.RecordTrade(models.TradeEmergencyClose, models.SideSell, pos.LevelID, pos.Quantity, markPrice, fee)
		positionsClosed++
	}

	m.forceAlert(models.AlertEmergencyStop, models.AlertEmergency,
		fmt.Sprintf("emergency stop executed: %s (%d orders canceled, %d positions closed)", reason, ordersCanceled, positionsClosed),
		0, 0)

	m.mu.Lock()
	cbs := make([]StopCallback, len(m.stopCbs))
	copy(cbs, m.stopCbs)
	m.mu.Unlock()
	for _, cb := range cbs {
		m.safeInvokeStop(cb, ordersCanceled, positionsClosed)
	}
	return ordersCanceled, positionsClosed, err
}

// ResetEmergencyStop re-enables trading after a stop. Fails when no stop is
// active so an operator cannot "reset" a running system by mistake.
func (m *Manager) ResetEmergencyStop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		return ErrNotStopped
	}
	m.stopped = false
	m.logger.Warnf("emergency stop reset, trading re-enabled")
	return nil
}

// raiseAlert records an alert unless one of the same type fired within the
// cooldown window.
func (m *Manager) raiseAlert(alertType models.AlertType, level models.AlertLevel, message string, current, threshold float64) {
	m.mu.Lock()
	if last, ok := m.lastAlertAt[alertType]; ok && time.Since(last) < m.cfg.AlertCooldown {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.forceAlert(alertType, level, message, current, threshold)
}

// forceAlert records an alert regardless of cooldown.
func (m *Manager) forceAlert(alertType models.AlertType, level models.AlertLevel, message string, current, threshold float64) {
	alert := models.RiskAlert{
		AlertID:      uuid.NewString(),
		Type:         alertType,
		Level:        level,
		Message:      message,
		CurrentValue: current,
		Threshold:    threshold,
		Timestamp:    time.Now(),
	}

	m.mu.Lock()
	m.lastAlertAt[alertType] = alert.Timestamp
	m.alerts = append(m.alerts, alert)
	if cap := m.cfg.AlertHistoryCap; cap > 0 && len(m.alerts) > cap {
		m.alerts = m.alerts[len(m.alerts)-cap:]
	}
	cbs := make([]AlertCallback, len(m.alertCbs))
	copy(cbs, m.alertCbs)
	m.mu.Unlock()

	m.logger.Warnf("risk alert [%s/%s]: %s", alertType, level, message)
	for _, cb := range cbs {
		m.safeInvokeAlert(cb, alert)
	}
}

func (m *Manager) safeInvokeStop(cb StopCallback, canceled, closed int) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("stop callback panicked: %v", r)
		}
	}()
	cb(canceled, closed)
}

func (m *Manager) safeInvokeAlert(cb AlertCallback, alert models.RiskAlert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("alert callback panicked: %v", r)
		}
	}()
	cb(alert)
}

// AcknowledgeAlert marks an alert acknowledged. Returns false for unknown
// IDs.
func (m *Manager) AcknowledgeAlert(alertID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].AlertID == alertID {
			m.alerts[i].Acknowledged = true
			return true
		}
	}
	return false
}

// Alerts returns the alert history, newest last.
func (m *Manager) Alerts() []models.RiskAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.RiskAlert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

func (m *Manager) activeAlertsLocked() []models.RiskAlert {
	out := make([]models.RiskAlert, 0)
	for _, a := range m.alerts {
		if !a.Acknowledged {
			out = append(out, a)
		}
	}
	return out
}

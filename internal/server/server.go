package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gridtrader/internal/engine"
	"gridtrader/internal/models"
	"gridtrader/internal/rebalance"
	"gridtrader/internal/risk"
)

// Server exposes the engine's control surface over HTTP and a websocket
// event stream.
type Server struct {
	eng    *engine.Engine
	hub    *Hub
	http   *http.Server
	logger *zap.SugaredLogger
}

// New builds the server and its routes.
func New(eng *engine.Engine, port int, logger *zap.SugaredLogger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		eng:    eng,
		hub:    NewHub(eng, logger),
		logger: logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	{
		api.POST("/initialize", s.handleInitialize)
		api.POST("/start", s.handleStart)
		api.POST("/stop", s.handleStop)
		api.GET("/status", s.handleStatus)
		api.GET("/levels", s.handleLevels)
		api.GET("/orders", s.handleOrders)
		api.GET("/positions", s.handlePositions)
		api.GET("/pairs", s.handlePairs)
		api.GET("/metrics", s.handleMetrics)
		api.GET("/report", s.handleReport)
		api.GET("/risk", s.handleRisk)
		api.POST("/rebalance", s.handleRebalance)
		api.GET("/rebalance/recommendation", s.handleRecommendation)
		api.POST("/emergency-stop", s.handleEmergencyStop)
		api.POST("/emergency-stop/reset", s.handleEmergencyReset)
		api.POST("/price", s.handlePriceUpdate)
		api.GET("/config", s.handleConfig)
		api.GET("/alerts", s.handleAlerts)
		api.POST("/alerts/:id/ack", s.handleAlertAck)
	}
	router.GET("/ws", func(c *gin.Context) { s.hub.ServeWS(c.Writer, c.Request) })
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Infof("control server listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Hub exposes the websocket hub, mainly for tests.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler exposes the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotInitialized):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrAlreadyRunning),
		errors.Is(err, rebalance.ErrRebalanceInProgress),
		errors.Is(err, rebalance.ErrTooSoon),
		errors.Is(err, risk.ErrNotStopped),
		errors.Is(err, risk.ErrTradingHalted):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type initializeRequest struct {
	CenterPrice float64 `json:"center_price"`
}

func (s *Server) handleInitialize(c *gin.Context) {
	var req initializeRequest
	// An empty body means "use the live ticker price".
	_ = c.ShouldBindJSON(&req)
	levels, err := s.eng.Initialize(c.Request.Context(), req.CenterPrice)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"levels": levels})
}

func (s *Server) handleStart(c *gin.Context) {
	placed, err := s.eng.Start(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders_placed": placed})
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.eng.Stop(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.eng.Status()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleLevels(c *gin.Context) {
	levels, err := s.eng.Levels()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"levels": levels})
}

func (s *Server) handleOrders(c *gin.Context) {
	activeOnly := c.DefaultQuery("active", "false") == "true"
	orders, err := s.eng.Orders(activeOnly)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) handlePositions(c *gin.Context) {
	positions, err := s.eng.Positions()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handlePairs(c *gin.Context) {
	pairs, err := s.eng.Pairs()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pairs": pairs})
}

func (s *Server) handleMetrics(c *gin.Context) {
	metrics, err := s.eng.Metrics()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (s *Server) handleReport(c *gin.Context) {
	report, err := s.eng.Report()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.String(http.StatusOK, report)
}

func (s *Server) handleRisk(c *gin.Context) {
	status, err := s.eng.Risk()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type rebalanceRequest struct {
	NewCenter float64 `json:"new_center" binding:"required,gt=0"`
	Reason    string  `json:"reason"`
}

func (s *Server) handleRebalance(c *gin.Context) {
	var req rebalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	action, err := s.eng.Rebalance(c.Request.Context(), req.NewCenter, models.RebalanceReason(req.Reason))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, action)
}

func (s *Server) handleRecommendation(c *gin.Context) {
	price, err := strconv.ParseFloat(c.Query("price"), 64)
	if err != nil || price <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price query parameter must be a positive number"})
		return
	}
	rec, err := s.eng.RebalanceRecommendation(price)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type emergencyStopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	var req emergencyStopRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual emergency stop"
	}
	canceled, closed, err := s.eng.EmergencyStop(c.Request.Context(), req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders_canceled": canceled, "positions_closed": closed})
}

func (s *Server) handleEmergencyReset(c *gin.Context) {
	if err := s.eng.ResetEmergencyStop(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

type priceRequest struct {
	Price float64 `json:"price" binding:"required,gt=0"`
}

func (s *Server) handlePriceUpdate(c *gin.Context) {
	var req priceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.eng.PriceUpdate(c.Request.Context(), req.Price)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.Config())
}

func (s *Server) handleAlerts(c *gin.Context) {
	activeOnly := c.DefaultQuery("active", "false") == "true"
	alerts, err := s.eng.Alerts(activeOnly)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (s *Server) handleAlertAck(c *gin.Context) {
	ok, err := s.eng.AcknowledgeAlert(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown alert id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

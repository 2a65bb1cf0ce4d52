package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gridtrader/internal/config"
	"gridtrader/internal/engine"
	"gridtrader/internal/exchange"
	"gridtrader/internal/models"
)

func testConfig() config.Config {
	return config.Config{
		Mode:           config.ModePaper,
		InitialBalance: 10000,
		Grid: models.GridConfig{
			Symbol:                "BTCUSDT",
			TotalCapital:          500,
			NumLevels:             15,
			RangePercent:          14,
			ProfitPerLevelPercent: 0.5,
			FeePercent:            0.1,
		},
		Risk: config.RiskConfig{
			DailyLossLimit:     10000,
			MaxDrawdownPercent: 90,
			MaxExposure:        100000,
			AlertCooldown:      5 * time.Minute,
			AlertHistoryCap:    100,
		},
	}
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	log := zap.NewNop().Sugar()
	cfg := testConfig()
	gw := exchange.NewPaperGateway(cfg.Grid.Symbol, cfg.InitialBalance, cfg.Grid.FeePercent, log)
	eng := engine.New(cfg, gw, nil, log)
	srv := New(eng, 0, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestOperationsBeforeInitializeReturnConflict(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = getJSON(t, ts.URL+"/api/levels", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestInitializeStartAndTickFlow(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/initialize", map[string]any{"center_price": 50000})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var initBody struct {
		Levels []models.GridLevel `json:"levels"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&initBody))
	assert.Len(t, initBody.Levels, 15)

	resp = postJSON(t, ts.URL+"/api/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status engine.Status
	getJSON(t, ts.URL+"/api/status", &status)
	assert.True(t, status.Running)
	assert.Equal(t, 7, status.ActiveOrders)

	resp = postJSON(t, ts.URL+"/api/price", map[string]any{"price": 49500})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tick engine.TickResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tick))
	assert.Len(t, tick.FilledOrders, 1)

	var orders struct {
		Orders []models.Order `json:"orders"`
	}
	getJSON(t, ts.URL+"/api/orders?active=true", &orders)
	assert.Len(t, orders.Orders, 7)
}

func TestPriceUpdateRejectsBadBody(t *testing.T) {
	_, ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/initialize", map[string]any{"center_price": 50000})

	resp := postJSON(t, ts.URL+"/api/price", map[string]any{"price": -5})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Post(ts.URL+"/api/price", "application/json", strings.NewReader("not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEmergencyStopEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/initialize", map[string]any{"center_price": 50000})
	postJSON(t, ts.URL+"/api/start", nil)

	resp := postJSON(t, ts.URL+"/api/emergency-stop/reset", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "reset without a stop is rejected")

	resp = postJSON(t, ts.URL+"/api/emergency-stop", map[string]any{"reason": "test"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 7, body["orders_canceled"])

	resp = postJSON(t, ts.URL+"/api/emergency-stop/reset", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConfigEchoOmitsCredentials(t *testing.T) {
	log := zap.NewNop().Sugar()
	cfg := testConfig()
	cfg.Exchange.APIKey = "test-api-key"
	cfg.Exchange.SecretKey = "test-secret-key"
	gw := exchange.NewPaperGateway(cfg.Grid.Symbol, cfg.InitialBalance, cfg.Grid.FeePercent, log)
	srv := New(engine.New(cfg, gw, nil, log), 0, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/api/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "test-api-key")
	assert.NotContains(t, string(body), "test-secret-key")
	assert.Contains(t, string(body), `"symbol":"BTCUSDT"`)
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)
	resp := getJSON(t, ts.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocketPingAndStatus(t *testing.T) {
	srv, ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/initialize", map[string]any{"center_price": 50000})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	var frame wsFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "pong", frame.Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "status"}))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "status", frame.Type)

	assert.Eventually(t, func() bool { return srv.Hub().ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestWebsocketReceivesFillBroadcast(t *testing.T) {
	_, ts := newTestServer(t)

	postJSON(t, ts.URL+"/api/initialize", map[string]any{"center_price": 50000})
	postJSON(t, ts.URL+"/api/start", nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	postJSON(t, ts.URL+"/api/price", map[string]any{"price": 49500})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wsFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "fill", frame.Type)
}

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Aidin1998/intentex/api"
	apperrors "github.com/Aidin1998/intentex/common/errors"
	"github.com/Aidin1998/intentex/internal/database"
	"github.com/Aidin1998/intentex/internal/events"
	"github.com/Aidin1998/intentex/internal/health"
	"github.com/Aidin1998/intentex/internal/intents"
	"github.com/Aidin1998/intentex/internal/risk"
	"github.com/Aidin1998/intentex/internal/settlement"
	"github.com/Aidin1998/intentex/internal/simulator"
	"github.com/Aidin1998/intentex/internal/stream"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
)

// holdDispatcher accepts intents without running them, so they stay pending.
type holdDispatcher struct{}

func (holdDispatcher) Dispatch(intents.Intent) error { return nil }

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Count   int             `json:"count"`
}

type ServerSuite struct {
	suite.Suite
	router *gin.Engine
	risk   *risk.Evaluator
}

func (s *ServerSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(s.T())
	db, err := database.NewSQLiteDB(database.MemoryDSN(uuid.NewString()))
	s.Require().NoError(err)

	store := intents.NewStore(db, logger, nil)
	notes := simulator.NewNoteStore(db)
	engine := settlement.NewEngine(db, settlement.Config{}, logger)
	s.risk = risk.NewEvaluator(db, 100, nil, logger)
	s.Require().NoError(database.Migrate(store, notes, engine, s.risk))

	srv := api.NewServer(logger, api.Deps{
		Intents:    intents.NewService(store, holdDispatcher{}, logger),
		Notes:      notes,
		Settlement: engine,
		Risk:       s.risk,
	})
	s.router = srv.Router()
}

func (s *ServerSuite) do(method, path, scope string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if scope != "" {
		req.Header.Set(api.DefaultScopeHeader, scope)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *ServerSuite) data(w *httptest.ResponseRecorder, v any) envelope {
	var env envelope
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	s.Require().True(env.Success)
	if v != nil {
		s.Require().NoError(json.Unmarshal(env.Data, v))
	}
	return env
}

func (s *ServerSuite) problem(w *httptest.ResponseRecorder) apperrors.ProblemDetails {
	var pd apperrors.ProblemDetails
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &pd), w.Body.String())
	s.Equal("application/problem+json", w.Header().Get("Content-Type"))
	return pd
}

func decimalOf(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func marketBuy() gin.H {
	return gin.H{"chain": "eth", "side": "BUY", "amount": "100", "min_edge_bps": 1, "max_slippage_bps": 5}
}

func (s *ServerSuite) TestHealthCheck() {
	w := s.do(http.MethodGet, "/api/v1/health", "", nil)
	s.Equal(http.StatusOK, w.Code)
	var resp map[string]any
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.Equal("ok", resp["status"])
}

func (s *ServerSuite) TestMissingScopeIsUnauthorized() {
	w := s.do(http.MethodGet, "/api/v1/intents", "", nil)
	s.Equal(http.StatusUnauthorized, w.Code)
	s.Equal(http.StatusUnauthorized, s.problem(w).Status)
}

func (s *ServerSuite) TestSubmitCancelAndHistory() {
	w := s.do(http.MethodPost, "/api/v1/intents", "alice", marketBuy())
	s.Require().Equal(http.StatusAccepted, w.Code, w.Body.String())
	var in intents.Intent
	s.data(w, &in)
	s.Equal(intents.StatusPending, in.Status)

	w = s.do(http.MethodPost, "/api/v1/intents/"+in.ID+"/cancel", "alice", nil)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/api/v1/intents/"+in.ID+"/cancel", "alice", nil)
	s.Equal(http.StatusConflict, w.Code)
	s.Equal(apperrors.TypeInvalidState, s.problem(w).Type)

	w = s.do(http.MethodGet, "/api/v1/intents/"+in.ID+"/history", "alice", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	var logs []intents.StateLog
	s.data(w, &logs)
	s.Require().Len(logs, 1)
	s.Equal(intents.StatusCancelled, logs[0].ToState)

	w = s.do(http.MethodGet, "/api/v1/intents?status=cancelled", "alice", nil)
	env := s.data(w, nil)
	s.Equal(1, env.Count)
}

func (s *ServerSuite) TestIntentsAreScoped() {
	w := s.do(http.MethodPost, "/api/v1/intents", "alice", marketBuy())
	var in intents.Intent
	s.data(w, &in)

	w = s.do(http.MethodGet, "/api/v1/intents/"+in.ID, "bob", nil)
	s.Equal(http.StatusNotFound, w.Code)
	s.Equal(apperrors.TypeNotFound, s.problem(w).Type)
}

func (s *ServerSuite) TestSubmitValidation() {
	body := marketBuy()
	body["side"] = "HOLD"
	w := s.do(http.MethodPost, "/api/v1/intents", "alice", body)
	s.Equal(http.StatusBadRequest, w.Code)
	pd := s.problem(w)
	s.Equal(apperrors.TypeValidationError, pd.Type)
	s.NotEmpty(pd.Errors)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/intents", strings.NewReader("{"))
	req.Header.Set(api.DefaultScopeHeader, "alice")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *ServerSuite) TestStatsRejectsUnknownPeriod() {
	w := s.do(http.MethodGet, "/api/v1/stats?period=week", "alice", nil)
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.do(http.MethodGet, "/api/v1/stats?period=all", "alice", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	var st intents.Stats
	s.data(w, &st)
	s.Equal(intents.PeriodAll, st.Period)
}

func (s *ServerSuite) TestCustodyCloseTwiceConflicts() {
	w := s.do(http.MethodPost, "/api/v1/custody", "alice", gin.H{"amount": "250", "asset": "usdc", "chain": "arb"})
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	var escrow settlement.Escrow
	s.data(w, &escrow)
	s.Equal(settlement.EscrowOpen, escrow.Status)

	w = s.do(http.MethodPost, "/api/v1/custody/"+escrow.ID+"/close", "alice", nil)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var res settlement.CloseResult
	s.data(w, &res)
	s.True(res.Closed)
	s.True(strings.HasPrefix(res.TxHash, "0x"))

	w = s.do(http.MethodPost, "/api/v1/custody/"+escrow.ID+"/close", "alice", nil)
	s.Equal(http.StatusConflict, w.Code)
}

func (s *ServerSuite) TestClaimLifecycle() {
	w := s.do(http.MethodPost, "/api/v1/claims", "alice",
		gin.H{"amount": "10", "asset": "USDC", "chain": "base", "settlement_type": "remote_custody"})
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	var claim settlement.Claim
	s.data(w, &claim)

	w = s.do(http.MethodPost, "/api/v1/claims/"+claim.ID+"/redeem", "alice", nil)
	s.Equal(http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/api/v1/claims/"+claim.ID+"/settle", "alice", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	w = s.do(http.MethodPost, "/api/v1/claims/"+claim.ID+"/redeem", "alice", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	s.data(w, &claim)
	s.Equal(settlement.ClaimRedeemed, claim.Status)

	w = s.do(http.MethodGet, "/api/v1/claims?status=redeemed", "alice", nil)
	s.Equal(1, s.data(w, nil).Count)
}

func (s *ServerSuite) TestDeferredAndMint() {
	w := s.do(http.MethodPost, "/api/v1/deferred", "alice", gin.H{"amount": "5", "asset": "USDC", "chain": "polygon"})
	s.Require().Equal(http.StatusAccepted, w.Code, w.Body.String())
	var receipt settlement.DeferredReceipt
	s.data(w, &receipt)

	w = s.do(http.MethodGet, "/api/v1/deferred/"+receipt.DeferredID, "alice", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	var mint settlement.DeferredMint
	s.data(w, &mint)
	s.Equal(settlement.MintPending, mint.Status)

	w = s.do(http.MethodPost, "/api/v1/mint", "alice", gin.H{"amount": "5", "asset": "USDC", "chain": "sol"})
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	var minted settlement.MintReceipt
	s.data(w, &minted)
	s.NotZero(minted.BlockNumber)
}

func (s *ServerSuite) TestFeePreviewAndCompare() {
	w := s.do(http.MethodGet, "/api/v1/fees/preview?amount=1000&asset=usdc&chain=eth&settlement_type=remote_custody", "alice", nil)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var p settlement.FeePreview
	s.data(w, &p)
	s.Equal("3.5", p.Total.String())
	s.Equal(180, p.EstimatedTimeSec)

	w = s.do(http.MethodGet, "/api/v1/fees/compare?amount=1000&asset=usdc&settlement_type=remote_custody&chains=eth,polygon", "alice", nil)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var cmp settlement.Comparison
	s.data(w, &cmp)
	s.Len(cmp.Previews, 2)
	s.Equal("polygon", cmp.Best)

	w = s.do(http.MethodGet, "/api/v1/fees/preview?amount=abc&asset=usdc&chain=eth", "alice", nil)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *ServerSuite) TestRiskRulesAndLimits() {
	w := s.do(http.MethodPost, "/api/v1/risk/rules", "alice",
		gin.H{"name": "dd", "condition": "drawdown", "threshold": 15, "action": "pause"})
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	var rule risk.Rule
	s.data(w, &rule)
	s.True(rule.Enabled)

	w = s.do(http.MethodPost, "/api/v1/risk/rules/"+rule.ID+"/disable", "alice", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	s.data(w, &rule)
	s.False(rule.Enabled)

	w = s.do(http.MethodGet, "/api/v1/risk/rules", "bob", nil)
	s.Equal(0, s.data(w, nil).Count)

	w = s.do(http.MethodPut, "/api/v1/risk/limits/ETH", "alice", gin.H{"max_position": "500", "max_drawdown_pct": 20})
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	var limit risk.Limit
	s.data(w, &limit)
	s.Equal("eth", limit.Chain)

	_, err := s.risk.Observe(context.Background(), risk.Observation{
		Scope: "alice", Chain: "eth", Qty: decimalOf("40"), CaptureBps: -10, At: time.Now(),
	})
	s.Require().NoError(err)

	w = s.do(http.MethodGet, "/api/v1/risk/snapshot", "alice", nil)
	var snap risk.Snapshot
	s.data(w, &snap)
	s.Equal("40", snap.Total.Exposure.String())
	s.InDelta(10.0, snap.Total.DrawdownPct, 1e-9)
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

// Scenario A through HTTP: a market buy is filled by the simulator and shows
// up as exactly one execution.
func TestSubmittedIntentFills(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	db, err := database.NewSQLiteDB(database.MemoryDSN(uuid.NewString()))
	require.NoError(t, err)

	bus := events.NewBus(logger, nil)
	defer bus.Close()
	store := intents.NewStore(db, logger, bus)
	require.NoError(t, store.Migrate())
	sim := simulator.New(simulator.Config{Workers: 2, QueueSize: 8, WriteRetries: 2, BasePrice: 2000},
		store, bus, logger, simulator.WithClock(simulator.InstantClock{}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sim.Start(ctx)
	defer sim.Stop()

	router := api.NewServer(logger, api.Deps{Intents: intents.NewService(store, sim, logger)}).Router()
	call := func(method, path string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set(api.DefaultScopeHeader, "alice")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	body, _ := json.Marshal(marketBuy())
	w := call(http.MethodPost, "/api/v1/intents", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	var in intents.Intent
	require.NoError(t, json.Unmarshal(env.Data, &in))

	require.Eventually(t, func() bool {
		w := call(http.MethodGet, "/api/v1/intents/"+in.ID, nil)
		var env envelope
		var got intents.Intent
		if json.Unmarshal(w.Body.Bytes(), &env) != nil || json.Unmarshal(env.Data, &got) != nil {
			return false
		}
		return got.Status == intents.StatusFilled
	}, 5*time.Second, 10*time.Millisecond)

	w = call(http.MethodGet, "/api/v1/executions?chain=ETH", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var execs []intents.Execution
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.NoError(t, json.Unmarshal(env.Data, &execs))
	require.Len(t, execs, 1)
	assert.Equal(t, in.ID, execs[0].IntentID)
	assert.True(t, execs[0].QtyFilled.Equal(in.Amount))
}

func TestReadiness(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	checker := health.NewChecker(logger, time.Second)
	router := api.NewServer(logger, api.Deps{Health: checker}).Router()

	ready := func() (int, health.Report) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ready", nil))
		var report health.Report
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
		return w.Code, report
	}

	checker.Register("database", func(context.Context) error { return nil })
	code, report := ready()
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, report.Ready)

	checker.Register("kafka", func(context.Context) error { return errors.New("no brokers") })
	code, report = ready()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, report.Ready)
}

func TestJWTScopeProvider(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	db, err := database.NewSQLiteDB(database.MemoryDSN(uuid.NewString()))
	require.NoError(t, err)
	store := intents.NewStore(db, logger, nil)
	require.NoError(t, store.Migrate())

	secret := []byte("test-secret")
	router := api.NewServer(logger, api.Deps{
		Intents: intents.NewService(store, holdDispatcher{}, logger),
		Scopes:  api.JWTScopeProvider{Secret: secret},
	}).Router()

	sign := func(key []byte, sub string) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: sub}).SignedString(key)
		require.NoError(t, err)
		return tok
	}
	tests := []struct {
		name  string
		auth  string
		scope string
		want  int
	}{
		{"valid token", "Bearer " + sign(secret, "alice"), "", http.StatusOK},
		{"wrong key", "Bearer " + sign([]byte("other"), "alice"), "", http.StatusUnauthorized},
		{"empty subject", "Bearer " + sign(secret, ""), "", http.StatusUnauthorized},
		{"header is ignored", "", "alice", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/intents", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			if tt.scope != "" {
				req.Header.Set(api.DefaultScopeHeader, tt.scope)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestStreamWebsocket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	bus := events.NewBus(logger, nil)
	defer bus.Close()
	gen := stream.NewGenerator(stream.Config{Cadence: 10 * time.Millisecond, BasePrice: 2000}, bus, nil, logger)
	handler := stream.NewHandler(gen, func(*http.Request) bool { return true }, logger)
	srv := httptest.NewServer(api.NewServer(logger, api.Deps{Stream: handler}).Handler())
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(base+"?scope=alice&venues=eth,arb", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev events.Event
	for ev.Quote == nil {
		require.NoError(t, conn.ReadJSON(&ev))
	}
	assert.Equal(t, "alice", ev.Topic.Scope)
	assert.Contains(t, []string{"eth", "arb"}, ev.Quote.Chain)

	_, resp, err := websocket.DefaultDialer.Dial(base+"?scope=alice", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

package sessionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/cafeledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/store/audit"
	"github.com/MarkoPoloResearchLab/cafeledger/internal/store/sessionstore"
	"github.com/MarkoPoloResearchLab/cafeledger/pkg/billing"
	"github.com/MarkoPoloResearchLab/cafeledger/pkg/session"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningKey = "operator-secret"
	testIssuer     = "cafe-ops"
)

type stubLedger struct {
	mu          sync.Mutex
	balances    map[string]decimal.Decimal
	unavailable bool
	charged     map[int64]decimal.Decimal
}

func newStubLedger() *stubLedger {
	return &stubLedger{balances: map[string]decimal.Decimal{}, charged: map[int64]decimal.Decimal{}}
}

func (ledger *stubLedger) setBalance(userID string, amount string) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	ledger.balances[userID] = decimal.RequireFromString(amount)
}

func (ledger *stubLedger) setUnavailable(unavailable bool) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	ledger.unavailable = unavailable
}

func (ledger *stubLedger) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if ledger.unavailable {
		return decimal.Zero, fmt.Errorf("balance: %w", billing.ErrUpstreamUnavailable)
	}
	return ledger.balances[userID], nil
}

func (ledger *stubLedger) Charge(_ context.Context, request billing.ChargeRequest) (billing.ChargeReceipt, error) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if ledger.unavailable {
		return billing.ChargeReceipt{}, fmt.Errorf("charge: %w", billing.ErrUpstreamUnavailable)
	}
	_, replayed := ledger.charged[request.SessionID]
	ledger.charged[request.SessionID] = request.Amount
	ledger.balances[request.UserID] = ledger.balances[request.UserID].Sub(request.Amount)
	return billing.ChargeReceipt{TransactionID: fmt.Sprintf("tx-%d", request.SessionID), Replayed: replayed}, nil
}

type counterIDs struct {
	next atomic.Int64
}

func (ids *counterIDs) NextID() int64 {
	return ids.next.Add(1)
}

type testHarness struct {
	router *gin.Engine
	ledger *stubLedger
	store  *sessionstore.Store
}

func newTestHarness(test *testing.T) *testHarness {
	test.Helper()
	gin.SetMode(gin.TestMode)
	db, err := gorm.Open(sqlite.Open(filepath.Join(test.TempDir(), "sessions.db")), &gorm.Config{})
	require.NoError(test, err)
	sqlDB, err := db.DB()
	require.NoError(test, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(test, audit.Register(db))
	require.NoError(test, db.AutoMigrate(sessionstore.Models()...))
	store := sessionstore.New(db)

	ledger := newStubLedger()
	ids := &counterIDs{}
	now := func() time.Time { return time.Now().UTC() }
	coordinator, err := billing.NewCoordinator(ledger, store, now, billing.WithRetryPolicy(billing.RetryPolicy{
		MaxTries:        1,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Deadline:        200 * time.Millisecond,
	}))
	require.NoError(test, err)
	registry, err := session.NewRegistry(store, ids, now)
	require.NoError(test, err)
	manager, err := session.NewManager(store, ledger, ids, now, session.WithDispatcher(coordinator))
	require.NoError(test, err)
	authenticator, err := NewAuthenticator(testSigningKey, testIssuer)
	require.NoError(test, err)

	router, err := NewRouter(RouterConfig{AllowedOrigins: []string{"http://localhost:8000"}}, Services{
		Manager:       manager,
		Registry:      registry,
		Coordinator:   coordinator,
		Charges:       store,
		Authenticator: authenticator,
	}, zap.NewNop(), metrics.New("sessiond_test"))
	require.NoError(test, err)
	return &testHarness{router: router, ledger: ledger, store: store}
}

func mustToken(test *testing.T, role string, subject string, key string) string {
	test.Helper()
	claims := OperatorClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    testIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(test, err)
	return signed
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (harness *testHarness) do(test *testing.T, method string, path string, body any, token string) (int, envelope) {
	test.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(test, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	var decoded envelope
	if recorder.Body.Len() > 0 {
		require.NoError(test, json.Unmarshal(recorder.Body.Bytes(), &decoded), recorder.Body.String())
	}
	return recorder.Code, decoded
}

func (harness *testHarness) mustRegisterComputer(test *testing.T, name string, address string, rate string) computerPayload {
	test.Helper()
	token := mustToken(test, RoleOperator, "op-1", testSigningKey)
	status, response := harness.do(test, http.MethodPost, "/computers", map[string]any{
		"name":       name,
		"ipAddress":  address,
		"location":   "row A",
		"hourlyRate": rate,
	}, token)
	require.Equal(test, http.StatusCreated, status, response.Error.Message)
	var computer computerPayload
	require.NoError(test, json.Unmarshal(response.Data, &computer))
	return computer
}

func (harness *testHarness) mustStartSession(test *testing.T, userID string, computerID string) sessionPayload {
	test.Helper()
	status, response := harness.do(test, http.MethodPost, "/sessions/start", map[string]any{"userId": userID, "computerId": computerID}, "")
	require.Equal(test, http.StatusCreated, status, response.Error.Message)
	var started sessionPayload
	require.NoError(test, json.Unmarshal(response.Data, &started))
	return started
}

func TestSessionLifecycleOverHTTP(test *testing.T) {
	harness := newTestHarness(test)
	computer := harness.mustRegisterComputer(test, "PC-01", "10.0.0.1", "6.00")
	require.Equal(test, "op-1", computer.CreatedBy)
	harness.ledger.setBalance("alice", "20.00")
	harness.ledger.setBalance("bob", "20.00")

	started := harness.mustStartSession(test, "alice", computer.ID)
	require.Equal(test, "active", started.Status)
	require.Equal(test, "alice", started.UserID)

	status, response := harness.do(test, http.MethodPost, "/sessions/start", map[string]any{"userId": "bob", "computerId": computer.ID}, "")
	require.Equal(test, http.StatusConflict, status)
	require.Equal(test, session.Code(session.ErrComputerNotAvailable), response.Error.Code)

	status, response = harness.do(test, http.MethodGet, "/sessions/user/alice/has-active", nil, "")
	require.Equal(test, http.StatusOK, status)
	require.JSONEq(test, `{"userId":"alice","hasActiveSession":true}`, string(response.Data))

	status, response = harness.do(test, http.MethodGet, "/sessions/computer/"+computer.ID+"/active", nil, "")
	require.Equal(test, http.StatusOK, status)
	var active sessionPayload
	require.NoError(test, json.Unmarshal(response.Data, &active))
	require.Equal(test, started.ID, active.ID)

	status, response = harness.do(test, http.MethodGet, "/sessions/"+started.ID+"/cost", nil, "")
	require.Equal(test, http.StatusOK, status)
	var cost costPayload
	require.NoError(test, json.Unmarshal(response.Data, &cost))
	require.False(test, cost.Final)
	require.Equal(test, "0.1", cost.Cost.String())

	status, response = harness.do(test, http.MethodPost, "/sessions/end", map[string]any{"sessionId": started.ID, "notes": "done"}, "")
	require.Equal(test, http.StatusOK, status, response.Error.Message)
	var closed closePayload
	require.NoError(test, json.Unmarshal(response.Data, &closed))
	require.Equal(test, "completed", closed.Session.Status)
	require.Equal(test, string(billing.OutcomeCollected), closed.Billing)
	require.Equal(test, "0.1", closed.Session.TotalCost.String())

	status, response = harness.do(test, http.MethodPost, "/sessions/end", map[string]any{"sessionId": started.ID}, "")
	require.Equal(test, http.StatusBadRequest, status)
	require.Equal(test, session.Code(session.ErrSessionNotActive), response.Error.Code)

	status, response = harness.do(test, http.MethodGet, "/computers/"+computer.ID, nil, "")
	require.Equal(test, http.StatusOK, status)
	var released computerPayload
	require.NoError(test, json.Unmarshal(response.Data, &released))
	require.Equal(test, "available", released.Status)
	require.NotNil(test, released.LastUsedDate)

	status, response = harness.do(test, http.MethodGet, "/computers/"+computer.ID+"/details", nil, "")
	require.Equal(test, http.StatusOK, status)
	var details detailsPayload
	require.NoError(test, json.Unmarshal(response.Data, &details))
	require.Nil(test, details.CurrentSession)
	require.Len(test, details.RecentSessions, 1)
}

func TestStartSessionErrorMapping(test *testing.T) {
	harness := newTestHarness(test)
	computer := harness.mustRegisterComputer(test, "PC-02", "10.0.0.2", "5000")
	harness.ledger.setBalance("poor", "1000")

	testCases := []struct {
		name        string
		body        map[string]any
		unavailable bool
		status      int
		code        string
	}{
		{name: "insufficient balance", body: map[string]any{"userId": "poor", "computerId": computer.ID}, status: http.StatusBadRequest, code: session.Code(session.ErrInsufficientBalance)},
		{name: "unknown computer", body: map[string]any{"userId": "poor", "computerId": "999999"}, status: http.StatusNotFound, code: session.Code(session.ErrComputerNotFound)},
		{name: "non numeric computer id", body: map[string]any{"userId": "poor", "computerId": "abc"}, status: http.StatusBadRequest, code: CodeInvalidPayload},
		{name: "zero computer id", body: map[string]any{"userId": "poor", "computerId": "0"}, status: http.StatusBadRequest, code: CodeInvalidRequest},
		{name: "missing computer id", body: map[string]any{"userId": "poor"}, status: http.StatusBadRequest, code: CodeInvalidRequest},
		{name: "ledger down", body: map[string]any{"userId": "poor", "computerId": computer.ID}, unavailable: true, status: http.StatusBadGateway, code: billing.ErrUpstreamUnavailable.Error()},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			harness.ledger.setUnavailable(testCase.unavailable)
			defer harness.ledger.setUnavailable(false)
			status, response := harness.do(test, http.MethodPost, "/sessions/start", testCase.body, "")
			require.Equal(test, testCase.status, status)
			require.Equal(test, testCase.code, response.Error.Code)
		})
	}

	status, response := harness.do(test, http.MethodGet, "/sessions/user/poor", nil, "")
	require.Equal(test, http.StatusOK, status)
	require.JSONEq(test, `[]`, string(response.Data))
}

func TestOperatorRoutesRequireRole(test *testing.T) {
	harness := newTestHarness(test)
	body := map[string]any{"name": "PC-03", "ipAddress": "10.0.0.3", "hourlyRate": "2.00"}

	status, response := harness.do(test, http.MethodPost, "/computers", body, "")
	require.Equal(test, http.StatusUnauthorized, status)
	require.Equal(test, CodeUnauthorized, response.Error.Code)

	status, _ = harness.do(test, http.MethodPost, "/computers", body, mustToken(test, RoleOperator, "op", "wrong-key"))
	require.Equal(test, http.StatusUnauthorized, status)

	status, response = harness.do(test, http.MethodPost, "/computers", body, mustToken(test, "customer", "carol", testSigningKey))
	require.Equal(test, http.StatusForbidden, status)
	require.Equal(test, CodeForbidden, response.Error.Code)

	status, _ = harness.do(test, http.MethodPost, "/computers", body, mustToken(test, RoleAdmin, "root", testSigningKey))
	require.Equal(test, http.StatusCreated, status)

	status, _ = harness.do(test, http.MethodGet, "/billing/charges", nil, "")
	require.Equal(test, http.StatusUnauthorized, status)
}

func TestComputerStatusTransitionsOverHTTP(test *testing.T) {
	harness := newTestHarness(test)
	token := mustToken(test, RoleOperator, "op-2", testSigningKey)
	computer := harness.mustRegisterComputer(test, "PC-04", "10.0.0.4", "3.00")
	harness.ledger.setBalance("dave", "10.00")
	started := harness.mustStartSession(test, "dave", computer.ID)

	status, response := harness.do(test, http.MethodPut, "/computers/"+computer.ID+"/maintenance", map[string]any{"reason": "fan"}, token)
	require.Equal(test, http.StatusConflict, status)
	require.Equal(test, session.Code(session.ErrComputerBusy), response.Error.Code)

	status, _ = harness.do(test, http.MethodPut, "/computers/"+computer.ID+"/status", map[string]any{"status": "in_use"}, token)
	require.Equal(test, http.StatusBadRequest, status)

	status, response = harness.do(test, http.MethodPost, "/sessions/"+started.ID+"/terminate", map[string]any{"reason": "closing"}, token)
	require.Equal(test, http.StatusOK, status, response.Error.Message)
	var closed closePayload
	require.NoError(test, json.Unmarshal(response.Data, &closed))
	require.Equal(test, "terminated", closed.Session.Status)

	status, response = harness.do(test, http.MethodPut, "/computers/"+computer.ID+"/maintenance", nil, token)
	require.Equal(test, http.StatusOK, status, response.Error.Message)
	var maintained computerPayload
	require.NoError(test, json.Unmarshal(response.Data, &maintained))
	require.Equal(test, "maintenance", maintained.Status)
	require.NotNil(test, maintained.LastMaintenanceDate)

	status, response = harness.do(test, http.MethodGet, "/computers/status/maintenance", nil, "")
	require.Equal(test, http.StatusOK, status)
	var listed []computerPayload
	require.NoError(test, json.Unmarshal(response.Data, &listed))
	require.Len(test, listed, 1)

	status, response = harness.do(test, http.MethodGet, "/computers/available", nil, "")
	require.Equal(test, http.StatusOK, status)
	require.JSONEq(test, `[]`, string(response.Data))

	status, _ = harness.do(test, http.MethodPut, "/computers/"+computer.ID+"/status", map[string]any{"status": "available"}, token)
	require.Equal(test, http.StatusOK, status)
}

func TestPendingChargeIsRetriedByOperator(test *testing.T) {
	harness := newTestHarness(test)
	token := mustToken(test, RoleOperator, "op-3", testSigningKey)
	computer := harness.mustRegisterComputer(test, "PC-05", "10.0.0.5", "6.00")
	harness.ledger.setBalance("erin", "10.00")
	started := harness.mustStartSession(test, "erin", computer.ID)

	harness.ledger.setUnavailable(true)
	status, response := harness.do(test, http.MethodPost, "/sessions/end", map[string]any{"sessionId": started.ID}, "")
	require.Equal(test, http.StatusOK, status, response.Error.Message)
	var closed closePayload
	require.NoError(test, json.Unmarshal(response.Data, &closed))
	require.Equal(test, string(billing.OutcomePending), closed.Billing)

	status, response = harness.do(test, http.MethodGet, "/computers/"+computer.ID, nil, "")
	require.Equal(test, http.StatusOK, status)
	var released computerPayload
	require.NoError(test, json.Unmarshal(response.Data, &released))
	require.Equal(test, "available", released.Status)

	status, response = harness.do(test, http.MethodGet, "/billing/charges?status=pending", nil, token)
	require.Equal(test, http.StatusOK, status)
	var pending []chargePayload
	require.NoError(test, json.Unmarshal(response.Data, &pending))
	require.Len(test, pending, 1)
	require.Equal(test, started.ID, pending[0].SessionID)
	require.NotEmpty(test, pending[0].LastError)

	status, _ = harness.do(test, http.MethodGet, "/billing/charges?status=lost", nil, token)
	require.Equal(test, http.StatusBadRequest, status)

	harness.ledger.setUnavailable(false)
	status, response = harness.do(test, http.MethodPost, "/billing/charges/"+started.ID+"/retry", nil, token)
	require.Equal(test, http.StatusOK, status, response.Error.Message)
	var retried retryPayload
	require.NoError(test, json.Unmarshal(response.Data, &retried))
	require.Equal(test, string(billing.OutcomeCollected), retried.Billing)
	require.Equal(test, "collected", retried.Charge.Status)

	status, response = harness.do(test, http.MethodPost, "/billing/charges/424242/retry", nil, token)
	require.Equal(test, http.StatusNotFound, status)
	require.NotEmpty(test, response.Error.Code)
}

func TestRemainingTimeAndDateRange(test *testing.T) {
	harness := newTestHarness(test)
	computer := harness.mustRegisterComputer(test, "PC-06", "10.0.0.6", "4.00")
	harness.ledger.setBalance("frank", "6.00")

	status, _ := harness.do(test, http.MethodGet, "/sessions/user/frank/computer/"+computer.ID+"/remaining-time", nil, "")
	require.Equal(test, http.StatusNotFound, status)

	started := harness.mustStartSession(test, "frank", computer.ID)
	status, response := harness.do(test, http.MethodGet, "/sessions/user/frank/computer/"+computer.ID+"/remaining-time", nil, "")
	require.Equal(test, http.StatusOK, status, response.Error.Message)
	var remaining remainingTimePayload
	require.NoError(test, json.Unmarshal(response.Data, &remaining))
	require.Equal(test, int64(90*60), remaining.Seconds)
	require.Equal(test, "1h30m0s", remaining.Display)
	require.False(test, remaining.Unbounded)

	from := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	to := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	status, response = harness.do(test, http.MethodGet, "/sessions/date-range?start="+from+"&end="+to, nil, "")
	require.Equal(test, http.StatusOK, status, response.Error.Message)
	var ranged []sessionPayload
	require.NoError(test, json.Unmarshal(response.Data, &ranged))
	require.Len(test, ranged, 1)
	require.Equal(test, started.ID, ranged[0].ID)

	status, _ = harness.do(test, http.MethodGet, "/sessions/date-range?start=yesterday&end="+to, nil, "")
	require.Equal(test, http.StatusBadRequest, status)

	status, response = harness.do(test, http.MethodGet, "/sessions/active", nil, "")
	require.Equal(test, http.StatusOK, status)
	var active []sessionPayload
	require.NoError(test, json.Unmarshal(response.Data, &active))
	require.Len(test, active, 1)
}

package api_test

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/kguard/internal/alerts"
	"github.com/khanghh/kguard/internal/audit"
	"github.com/khanghh/kguard/internal/handlers/api"
	"github.com/khanghh/kguard/internal/middlewares"
	"github.com/khanghh/kguard/internal/response"
	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/internal/threat"
	"github.com/khanghh/kguard/internal/tracker"
	"github.com/khanghh/kguard/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const operatorSecret = "operator-secret"

type envelope[T any] struct {
	APIVersion string            `json:"apiVersion"`
	Data       T                 `json:"data"`
	Error      *api.APIErrorInfo `json:"error"`
}

type testServer struct {
	app   *fiber.App
	token string
}

func newTestServer(t *testing.T) *testServer {
	storage := store.NewMemoryStorage(time.Minute)
	t.Cleanup(func() { storage.Close() })
	engine, err := threat.NewEngine(threat.DefaultRules(), tracker.NewMemoryTracker(tracker.Config{}), nil)
	require.NoError(t, err)
	alertSvc := alerts.NewAlertService(storage, 0)
	orchestrator := response.NewOrchestrator(storage, alertSvc, response.Config{})
	auditSvc, err := audit.NewAuditService(storage, engine, orchestrator, audit.Config{MasterKey: "secret"})
	require.NoError(t, err)

	app := fiber.New(fiber.Config{
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
		ErrorHandler: middlewares.ErrorHandler,
	})
	router := app.Group("/api/v1/security", middlewares.OperatorAuth(operatorSecret))
	auditHandler := api.NewAuditHandler(auditSvc)
	alertHandler := api.NewAlertHandler(alertSvc)
	blockHandler := api.NewBlockHandler(orchestrator)
	reportHandler := api.NewReportHandler(nil, engine)
	router.Post("/audit", auditHandler.PostAuditEvent)
	router.Get("/audit", auditHandler.GetAuditEvents)
	router.Get("/audit/:id", auditHandler.GetAuditEvent)
	router.Get("/alerts", alertHandler.GetAlerts)
	router.Post("/alerts/:id/acknowledge", alertHandler.PostAcknowledge)
	router.Post("/alerts/:id/resolve", alertHandler.PostResolve)
	router.Get("/blocks/:ip", blockHandler.GetBlockStatus)
	router.Delete("/blocks/:ip", blockHandler.DeleteBlock)
	router.Get("/rules", reportHandler.GetRules)

	token, err := middlewares.IssueOperatorToken(operatorSecret, "alice", time.Hour)
	require.NoError(t, err)
	return &testServer{app: app, token: token}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+s.token)
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) envelope[T] {
	var out envelope[T]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestAuditHandler_PostAndGet(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodPost, "/api/v1/security/audit", map[string]any{
		"user_id":    "u-1",
		"action":     "login",
		"ip_address": "198.51.100.7",
		"success":    true,
		"risk_score": 1,
	})
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	created := decode[map[string]string](t, resp)
	logID := created.Data["log_id"]
	require.NotEmpty(t, logID)

	resp = s.do(t, http.MethodGet, "/api/v1/security/audit/"+logID, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	entry := decode[model.AuditLogEntry](t, resp)
	assert.Equal(t, "198.51.100.7", entry.Data.IPAddress)
	assert.NotEmpty(t, entry.Data.Hash)

	resp = s.do(t, http.MethodGet, "/api/v1/security/audit?ip=198.51.100.7", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.AuditLogEntry](t, resp).Data, 1)

	resp = s.do(t, http.MethodGet, "/api/v1/security/audit/missing", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestAuditHandler_Invalid(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodPost, "/api/v1/security/audit", map[string]any{"action": "login"})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	out := decode[any](t, resp)
	require.NotNil(t, out.Error)
	require.NotEmpty(t, out.Error.Errors)
	assert.Equal(t, "ip_address", out.Error.Errors[0].Reason)

	resp = s.do(t, http.MethodGet, "/api/v1/security/audit?since=yesterday", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestHandlers_BruteForceLifecycle(t *testing.T) {
	s := newTestServer(t)
	const ip = "203.0.113.9"

	for i := 0; i < 5; i++ {
		resp := s.do(t, http.MethodPost, "/api/v1/security/audit", map[string]any{
			"action":     "login",
			"ip_address": ip,
			"success":    false,
			"risk_score": 3,
		})
		require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	}

	resp := s.do(t, http.MethodGet, "/api/v1/security/blocks/"+ip, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	status := decode[map[string]any](t, resp)
	assert.Equal(t, true, status.Data["blocked"])

	resp = s.do(t, http.MethodGet, "/api/v1/security/alerts?ip="+ip, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	list := decode[[]model.SecurityAlert](t, resp)
	require.Len(t, list.Data, 1)
	alert := list.Data[0]
	assert.Equal(t, model.EventBruteForce, alert.EventType)
	assert.Equal(t, model.AlertStatusOpen, alert.Status)

	resp = s.do(t, http.MethodPost, "/api/v1/security/alerts/"+alert.AlertID+"/resolve", map[string]string{"notes": "skipped ack"})
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/api/v1/security/alerts/"+alert.AlertID+"/acknowledge", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp = s.do(t, http.MethodPost, "/api/v1/security/alerts/"+alert.AlertID+"/resolve", map[string]string{"notes": "password reset"})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	resolved := decode[model.SecurityAlert](t, resp)
	assert.Equal(t, model.AlertStatusResolved, resolved.Data.Status)
	assert.Equal(t, "alice", resolved.Data.ResolvedBy)
	assert.Equal(t, "password reset", resolved.Data.ResolutionNotes)

	resp = s.do(t, http.MethodDelete, "/api/v1/security/blocks/"+ip, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	resp = s.do(t, http.MethodGet, "/api/v1/security/blocks/"+ip, nil)
	status = decode[map[string]any](t, resp)
	assert.Equal(t, false, status.Data["blocked"])

	resp = s.do(t, http.MethodGet, "/api/v1/security/blocks/not-an-ip", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestReportHandler_Rules(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodGet, "/api/v1/security/rules", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	rules := decode[[]map[string]any](t, resp)
	assert.Len(t, rules.Data, len(threat.DefaultRules()))
}

func TestHandlers_RequireOperator(t *testing.T) {
	s := newTestServer(t)
	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/security/rules", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

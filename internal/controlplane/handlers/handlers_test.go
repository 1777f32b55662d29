package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencowork/opencowork/internal/common/apperr"
	"github.com/opencowork/opencowork/internal/common/config"
	"github.com/opencowork/opencowork/internal/common/logger"
	"github.com/opencowork/opencowork/internal/controlplane/repository/sqlite"
	"github.com/opencowork/opencowork/internal/controlplane/service"
)

const testInternalToken = "internal-test-token"

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo, err := sqlite.New("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	cfg := &config.Config{
		Queue: config.QueueConfig{
			LeaseSeconds:       30,
			MaxAttempts:        3,
			NightlyStartHour:   2,
			NightlyWindowMin:   60,
			ScheduledGraceSecs: 600,
		},
	}
	svc, err := service.NewService(repo, nil, log, cfg)
	require.NoError(t, err)

	router := gin.New()
	NewHandlers(svc, nil, nil, log).RegisterRoutes(router, testInternalToken)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) (int, map[string]interface{}) {
	t.Helper()
	var env struct {
		Code    int                    `json:"code"`
		Message string                 `json:"message"`
		Data    map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Code, env.Data
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEnqueueTaskEndpoint(t *testing.T) {
	router := newTestRouter(t)
	user := map[string]string{"X-User-ID": "user-1"}

	w := doJSON(t, router, http.MethodPost, "/v1/tasks",
		map[string]interface{}{"prompt": "summarize the repo"}, user)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	code, data := decodeEnvelope(t, w)
	require.Equal(t, apperr.CodeOK, code)
	run, ok := data["run"].(map[string]interface{})
	require.True(t, ok, "expected run in response")
	assert.Equal(t, "queued", run["status"])
	assert.Equal(t, "immediate", run["schedule_mode"])
	session, ok := data["session"].(map[string]interface{})
	require.True(t, ok, "expected session in response")

	// The creator can read the session back.
	w = doJSON(t, router, http.MethodGet, "/v1/sessions/"+session["id"].(string), nil, user)
	assert.Equal(t, http.StatusOK, w.Code)

	// Other users cannot.
	w = doJSON(t, router, http.MethodGet, "/v1/sessions/"+session["id"].(string), nil,
		map[string]string{"X-User-ID": "user-2"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestEnqueueTaskRejectsEmptyPrompt(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/tasks",
		map[string]interface{}{"prompt": "   "}, map[string]string{"X-User-ID": "user-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	code, _ := decodeEnvelope(t, w)
	assert.Equal(t, apperr.CodeValidation, code)
}

func TestGetSessionNotFound(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/v1/sessions/missing", nil,
		map[string]string{"X-User-ID": "user-1"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	code, _ := decodeEnvelope(t, w)
	assert.Equal(t, apperr.CodeNotFound, code)
}

func TestInternalRoutesRequireToken(t *testing.T) {
	router := newTestRouter(t)
	body := map[string]interface{}{"worker_id": "worker-1", "modes": []string{"immediate"}}

	w := doJSON(t, router, http.MethodPost, "/internal/v1/runs/claim", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, router, http.MethodPost, "/internal/v1/runs/claim", body,
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, router, http.MethodPost, "/internal/v1/runs/claim", body,
		map[string]string{"Authorization": "Bearer " + testInternalToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	code, _ := decodeEnvelope(t, w)
	assert.Equal(t, apperr.CodeOK, code)
}

func TestClaimFlowOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	auth := map[string]string{"Authorization": "Bearer " + testInternalToken}

	w := doJSON(t, router, http.MethodPost, "/v1/tasks",
		map[string]interface{}{"prompt": "run the tests"}, map[string]string{"X-User-ID": "user-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodPost, "/internal/v1/runs/claim",
		map[string]interface{}{"worker_id": "worker-1", "modes": []string{"immediate"}, "limit": 4}, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, data := decodeEnvelope(t, w)
	runs, ok := data["runs"].([]interface{})
	require.True(t, ok, "expected runs in claim response")
	require.Len(t, runs, 1)
	claimed := runs[0].(map[string]interface{})
	runID, _ := claimed["run_id"].(string)
	require.NotEmpty(t, runID)

	w = doJSON(t, router, http.MethodPost, "/internal/v1/runs/"+runID+"/start",
		map[string]interface{}{"worker_id": "worker-1"}, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// A worker that does not hold the lease is rejected.
	w = doJSON(t, router, http.MethodPost, "/internal/v1/runs/"+runID+"/heartbeat",
		map[string]interface{}{"worker_id": "worker-2"}, auth)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestUserInputRequestFlowOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	auth := map[string]string{"Authorization": "Bearer " + testInternalToken}
	user := map[string]string{"X-User-ID": "user-1"}

	w := doJSON(t, router, http.MethodPost, "/v1/tasks",
		map[string]interface{}{"prompt": "ask me things"}, user)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, data := decodeEnvelope(t, w)
	session := data["session"].(map[string]interface{})
	sessionID := session["id"].(string)

	// The executor raises a question through the internal API.
	w = doJSON(t, router, http.MethodPost, "/internal/v1/user-input-requests",
		map[string]interface{}{
			"session_id": sessionID,
			"kind":       "permission",
			"payload":    map[string]interface{}{"tool": "Bash"},
		}, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, data = decodeEnvelope(t, w)
	requestID, _ := data["id"].(string)
	require.NotEmpty(t, requestID)
	assert.Equal(t, "pending", data["status"])

	// The user answers over the public API.
	w = doJSON(t, router, http.MethodPost,
		"/v1/sessions/"+sessionID+"/inputs/"+requestID+"/answer",
		map[string]interface{}{"allow": true}, user)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The executor's poll sees the answer.
	w = doJSON(t, router, http.MethodGet, "/internal/v1/user-input-requests/"+requestID, nil, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, data = decodeEnvelope(t, w)
	assert.Equal(t, "answered", data["status"])
	answer, ok := data["answer"].(map[string]interface{})
	require.True(t, ok, "expected answer in response")
	assert.Equal(t, true, answer["allow"])
}

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/SceneBreakdown/internal/breakdown"
	"github.com/Corphon/SceneBreakdown/internal/llm"
	_ "github.com/Corphon/SceneBreakdown/internal/llm/providers/replay"
	"github.com/Corphon/SceneBreakdown/internal/models"
	"github.com/Corphon/SceneBreakdown/internal/services"
	"github.com/Corphon/SceneBreakdown/internal/storage"
	"github.com/Corphon/SceneBreakdown/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func num(n int) *int { return &n }

func script(id string, scenes ...int) *models.ScriptDocument {
	doc := &models.ScriptDocument{ID: id, Title: "Pilot"}
	for _, n := range scenes {
		doc.Pages = append(doc.Pages, models.ScriptPage{Elements: []models.ScriptElement{
			{Type: models.ElementHeading, Text: fmt.Sprintf("%d. INT. OFFICE - NIGHT", n), SceneNumber: num(n)},
			{Type: models.ElementCharacter, Text: "LENA"},
			{Type: models.ElementDialogue, Text: "Close the door."},
		}})
	}
	return doc
}

func providerOutput(scenes ...int) string {
	objs := make([]string, 0, len(scenes))
	for _, n := range scenes {
		objs = append(objs, fmt.Sprintf(`{"sceneNumber":%d,"title":"Office","location":"OFFICE","timeOfDay":"NIGHT",`+
			`"estimatedDurationMinutes":2,"cast":["LENA"],"budgetImpact":300}`, n))
	}
	return "```json\n[" + strings.Join(objs, ",") + "]\n```"
}

type testServer struct {
	router  *gin.Engine
	handler *Handler
	svc     *services.BreakdownService
	metrics *utils.APIMetrics
}

func newTestServer(t *testing.T, settings map[string]string, ratePerMin int) *testServer {
	t.Helper()

	provider, err := llm.GetProvider("replay", settings)
	require.NoError(t, err)

	apiMetrics := utils.NewAPIMetrics(nil, nil)
	llmService := services.NewLLMServiceWithProviders(nil, apiMetrics, 0, provider)
	pipeline, err := breakdown.NewPipeline(llmService, breakdown.DefaultOptions(), nil, apiMetrics.Collector())
	require.NoError(t, err)

	store, err := storage.OpenCollectionStore(storage.BackendSQLite, t.TempDir(), nil)
	require.NoError(t, err)

	svc, err := services.NewBreakdownService(services.BreakdownServiceDeps{
		Pipeline: pipeline,
		Store:    store,
		Metrics:  apiMetrics.Collector(),
	})
	require.NoError(t, err)

	limiter := NewRateLimiter(0)
	router, handler := SetupRouter(RouterDeps{
		Breakdowns:  svc,
		LLM:         llmService,
		APIMetrics:  apiMetrics,
		RateLimiter: limiter,
		RatePerMin:  ratePerMin,
		DebugMode:   true,
	})

	t.Cleanup(func() {
		handler.WebSocket.Shutdown()
		svc.Close()
		limiter.Stop()
		_ = store.Close()
	})
	return &testServer{router: router, handler: handler, svc: svc, metrics: apiMetrics}
}

func (s *testServer) do(method, path string, body interface{}) (*httptest.ResponseRecorder, APIResponse) {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp APIResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func decodeData(t *testing.T, resp APIResponse, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestCreateAndFetchBreakdown(t *testing.T) {
	s := newTestServer(t, map[string]string{"output": providerOutput(1, 2)}, 0)

	rec, resp := s.do(http.MethodPost, "/api/breakdowns", services.GenerateRequest{Script: script("ep-1", 1, 2)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, resp.RequestID, rec.Header().Get("X-Request-ID"))

	var col models.BreakdownCollection
	decodeData(t, resp, &col)
	assert.Equal(t, "ep-1", col.UnitID)
	assert.Len(t, col.Records, 2)
	assert.InDelta(t, 600, col.TotalBudgetImpact, 0.001)

	rec, resp = s.do(http.MethodGet, "/api/breakdowns/ep-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, resp, &col)
	assert.Equal(t, 2, col.TotalUnits)

	rec, resp = s.do(http.MethodGet, "/api/breakdowns", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.CollectionSummary
	decodeData(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "ep-1", list[0].UnitID)

	assert.Positive(t, s.metrics.Collector().GetCounterValue("api_requests_total"))
}

func TestDeleteBreakdown(t *testing.T) {
	s := newTestServer(t, map[string]string{"output": providerOutput(1)}, 0)

	rec, _ := s.do(http.MethodPost, "/api/breakdowns", services.GenerateRequest{Script: script("ep-9", 1)})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, resp := s.do(http.MethodDelete, "/api/breakdowns/ep-9", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, resp.Success)

	rec, resp = s.do(http.MethodGet, "/api/breakdowns/ep-9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrorBreakdownNotFound, resp.Error.Code)

	rec, resp = s.do(http.MethodDelete, "/api/breakdowns/ep-9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrorBreakdownNotFound, resp.Error.Code)

	rec, _ = s.do(http.MethodGet, "/api/breakdowns", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "ep-9")
}

func TestBreakdownErrorsMapToStatus(t *testing.T) {
	s := newTestServer(t, map[string]string{"output": "I could not produce a breakdown."}, 0)

	rec, resp := s.do(http.MethodGet, "/api/breakdowns/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrorBreakdownNotFound, resp.Error.Code)

	rec, resp = s.do(http.MethodPost, "/api/breakdowns", map[string]string{"title": "no script"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorScriptInvalid, resp.Error.Code)

	rec, resp = s.do(http.MethodPost, "/api/breakdowns", services.GenerateRequest{UnitID: "bad/id", Script: script("", 1)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorBadRequest, resp.Error.Code)

	rec, resp = s.do(http.MethodPost, "/api/breakdowns", services.GenerateRequest{Script: script("ep-2", 1)})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, ErrorUnrecoverableOutput, resp.Error.Code)
}

func TestProviderFailureIsBadGateway(t *testing.T) {
	s := newTestServer(t, map[string]string{"fail": "true"}, 0)

	rec, resp := s.do(http.MethodPost, "/api/breakdowns", services.GenerateRequest{Script: script("ep-3", 1)})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, ErrorProviderUnavailable, resp.Error.Code)
}

func TestBatchEndpoint(t *testing.T) {
	s := newTestServer(t, map[string]string{"output": providerOutput(1)}, 0)

	rec, resp := s.do(http.MethodPost, "/api/breakdowns/batch", BatchRequest{
		Requests: []services.GenerateRequest{
			{Script: script("b-1", 1)},
			{UnitID: "b-2"},
		},
		Concurrency: 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Items     []BatchItem `json:"items"`
		Succeeded int         `json:"succeeded"`
		Failed    int         `json:"failed"`
	}
	decodeData(t, resp, &body)
	require.Len(t, body.Items, 2)
	assert.Equal(t, 1, body.Succeeded)
	assert.Equal(t, 1, body.Failed)
	assert.Nil(t, body.Items[0].Error)
	require.NotNil(t, body.Items[1].Error)
	assert.Equal(t, ErrorBadRequest, body.Items[1].Error.Code)

	rec, resp = s.do(http.MethodPost, "/api/breakdowns/batch", BatchRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorBatchEmpty, resp.Error.Code)
}

func TestAsyncTaskAndWebSocket(t *testing.T) {
	s := newTestServer(t, map[string]string{"output": providerOutput(1)}, 0)
	server := httptest.NewServer(s.router)
	defer server.Close()

	rec, resp := s.do(http.MethodPost, "/api/breakdowns/async", services.GenerateRequest{Script: script("async-ep", 1)})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var accepted struct {
		TaskID string `json:"task_id"`
		UnitID string `json:"unit_id"`
	}
	decodeData(t, resp, &accepted)
	require.NotEmpty(t, accepted.TaskID)
	assert.Equal(t, "async-ep", accepted.UnitID)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/tasks/" + accepted.TaskID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var last services.ProgressUpdate
	for {
		var update services.ProgressUpdate
		if err := conn.ReadJSON(&update); err != nil {
			break
		}
		last = update
		if update.Status != services.StatusRunning {
			break
		}
	}
	assert.Equal(t, services.StatusCompleted, last.Status)
	assert.Equal(t, "async-ep", last.ResultID)

	rec, resp = s.do(http.MethodGet, "/api/tasks/"+accepted.TaskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap services.ProgressUpdate
	decodeData(t, resp, &snap)
	assert.Equal(t, 100, snap.Progress)

	rec, _ = s.do(http.MethodGet, "/api/tasks/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProvidersMetricsAndHealth(t *testing.T) {
	s := newTestServer(t, map[string]string{"output": providerOutput(1)}, 0)

	rec, resp := s.do(http.MethodGet, "/api/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var providers struct {
		Registered []string `json:"registered"`
		Chain      []string `json:"chain"`
		Ready      bool     `json:"ready"`
	}
	decodeData(t, resp, &providers)
	assert.Contains(t, providers.Registered, "replay")
	assert.Equal(t, []string{"replay"}, providers.Chain)
	assert.True(t, providers.Ready)

	rec, _ = s.do(http.MethodGet, "/api/providers/replay/models", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = s.do(http.MethodGet, "/api/providers/unknown/models", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(http.MethodGet, "/api/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitOnGenerationRoutes(t *testing.T) {
	s := newTestServer(t, map[string]string{"output": providerOutput(1)}, 1)

	rec, _ := s.do(http.MethodPost, "/api/breakdowns", services.GenerateRequest{Script: script("rl-1", 1)})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, resp := s.do(http.MethodPost, "/api/breakdowns", services.GenerateRequest{Script: script("rl-2", 1)})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, ErrorRateLimited, resp.Error.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	// 读接口不限流
	rec, _ = s.do(http.MethodGet, "/api/breakdowns", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusForError(t *testing.T) {
	status, code := statusForError(fmt.Errorf("plain"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, ErrorInternalError, code)
	assert.Equal(t, "An internal error occurred", sanitizeErrorMessage("bad api_key sk-123"))
	assert.Equal(t, "scene 3 missing", sanitizeErrorMessage("scene 3 missing"))
}

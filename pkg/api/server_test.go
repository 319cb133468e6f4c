package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevin-mind/nopo-steward/pkg/router"
	"github.com/kevin-mind/nopo-steward/pkg/store"
)

type fakeQueue struct {
	enqueued []router.Decision
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, dec router.Decision, raw json.RawMessage) (*store.Dispatch, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.enqueued = append(f.enqueued, dec)
	return store.NewFromDecision(dec, raw)
}

type fakeReader struct {
	dispatches map[string]*store.Dispatch
}

func (f *fakeReader) Get(_ context.Context, id string) (*store.Dispatch, error) {
	d, ok := f.dispatches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d, nil
}

func (f *fakeReader) List(_ context.Context, fl store.ListFilter) ([]*store.Dispatch, error) {
	var out []*store.Dispatch
	for _, d := range f.dispatches {
		if fl.Status != "" && d.Status != fl.Status {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeReader) CountByStatus(context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for _, d := range f.dispatches {
		counts[string(d.Status)]++
	}
	return counts, nil
}

const testSecret = "hunter2"

func newTestServer(t *testing.T) (*Server, *fakeQueue, *fakeReader) {
	t.Helper()
	q := &fakeQueue{}
	r := &fakeReader{dispatches: make(map[string]*store.Dispatch)}
	rt := router.New(router.Config{BotUsername: "steward-bot", ReviewerUsername: "steward-reviewer"})
	return NewServer(Config{WebhookSecret: testSecret}, rt, q, r, nil), q, r
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postEvent(t *testing.T, s *Server, eventName string, payload any, signed bool) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", eventName)
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	if signed {
		req.Header.Set("X-Hub-Signature-256", sign(body))
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func issueOpened() map[string]any {
	return map[string]any{
		"action": "opened",
		"issue": map[string]any{
			"number": 42,
			"title":  "Add dark mode",
			"body":   "Please",
		},
		"sender": map[string]any{"login": "someone"},
	}
}

func TestWebhookEnqueuesTriage(t *testing.T) {
	s, q, _ := newTestServer(t)
	w := postEvent(t, s, "issues", issueOpened(), true)

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["dispatch_id"])
	assert.Equal(t, "issue-triage", resp["job"])

	require.Len(t, q.enqueued, 1)
	assert.Equal(t, router.JobIssueTriage, q.enqueued[0].Job)
	assert.Equal(t, 42, q.enqueued[0].ResourceNumber)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s, q, _ := newTestServer(t)
	w := postEvent(t, s, "issues", issueOpened(), false)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, q.enqueued)
}

func TestWebhookSkipReturnsReason(t *testing.T) {
	s, q, _ := newTestServer(t)
	ev := issueOpened()
	ev["issue"].(map[string]any)["labels"] = []map[string]any{{"name": "skip-dispatch"}}
	w := postEvent(t, s, "issues", ev, true)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["skip"])
	assert.Contains(t, resp["skip_reason"], "skip-dispatch")
	assert.Empty(t, q.enqueued)
}

func TestWebhookMissingEventName(t *testing.T) {
	s, _, _ := newTestServer(t)
	body, _ := json.Marshal(issueOpened())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetDispatch(t *testing.T) {
	s, _, r := newTestServer(t)
	d, err := store.NewFromDecision(router.Decision{
		Job:            router.JobIssueTriage,
		ResourceType:   router.ResourceIssue,
		ResourceNumber: 42,
	}, nil)
	require.NoError(t, err)
	d.CreatedAt = time.Now()
	r.dispatches[d.ID] = d

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dispatches/"+d.ID, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got store.Dispatch
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, "issue-triage", got.Job)
}

func TestGetDispatchNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/dispatches/nope", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListDispatchesFiltersByStatus(t *testing.T) {
	s, _, r := newTestServer(t)
	for _, status := range []store.Status{store.StatusPending, store.StatusCompleted} {
		d, err := store.NewFromDecision(router.Decision{Job: router.JobIssueTriage}, nil)
		require.NoError(t, err)
		d.Status = status
		r.dispatches[d.ID] = d
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dispatches?status=pending", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Dispatches []store.Dispatch `json:"dispatches"`
		Count      int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, store.StatusPending, resp.Dispatches[0].Status)
}

func TestCreateDispatchRoutesSyntheticEvent(t *testing.T) {
	s, q, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]any{
		"event_name":      "workflow_dispatch",
		"resource_number": 7,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/dispatches", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, q.enqueued, 1)
	assert.Equal(t, router.JobIssueIterate, q.enqueued[0].Job)
	assert.Equal(t, 7, q.enqueued[0].ResourceNumber)
}

func TestHealthWithoutDatabase(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

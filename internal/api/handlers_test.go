package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	clocktesting "k8s.io/utils/clock/testing"

	agentv1alpha1 "github.com/usize/agentic-control-plane/api/v1alpha1"
	"github.com/usize/agentic-control-plane/internal/bridge"
	"github.com/usize/agentic-control-plane/internal/identity"
	"github.com/usize/agentic-control-plane/internal/metrics"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeService struct {
	caller  identity.CallerIdentity
	list    bridge.ListAgents
	details bridge.GetAgentDetails
	send    bridge.SendMessage
	chunks  []json.RawMessage
	err     error
}

func (f *fakeService) List(_ context.Context, id identity.CallerIdentity, call bridge.ListAgents) ([]bridge.AgentSummary, string, error) {
	f.caller, f.list = id, call
	if f.err != nil {
		return nil, "", f.err
	}
	return []bridge.AgentSummary{{AgentCardName: "monitor-1", Namespace: "team-a"}}, "namespace: team-a", nil
}

func (f *fakeService) Details(_ context.Context, id identity.CallerIdentity, call bridge.GetAgentDetails) (*agentv1alpha1.AgentCard, error) {
	f.caller, f.details = id, call
	if f.err != nil {
		return nil, f.err
	}
	return &agentv1alpha1.AgentCard{ObjectMeta: metav1.ObjectMeta{Name: "monitor-1", Namespace: "team-a"}}, nil
}

func (f *fakeService) Send(_ context.Context, id identity.CallerIdentity, call bridge.SendMessage) (*bridge.MessageResult, error) {
	f.caller, f.send = id, call
	if f.err != nil {
		return nil, f.err
	}
	return &bridge.MessageResult{
		Agent:  types.NamespacedName{Namespace: "team-a", Name: "monitor-1"},
		URL:    "http://monitor-1.team-a.svc:8000",
		Result: json.RawMessage(`{"kind":"message"}`),
	}, nil
}

func (f *fakeService) SendStreaming(_ context.Context, id identity.CallerIdentity, call bridge.SendStreamingMessage, onChunk func(json.RawMessage)) ([]json.RawMessage, string, error) {
	f.caller = id
	for _, c := range f.chunks {
		if onChunk != nil {
			onChunk(c)
		}
	}
	return f.chunks, "http://monitor-1.team-a.svc:8000", f.err
}

func newRouter(svc AgentService) *mux.Router {
	r := mux.NewRouter()
	resolver := identity.NewResolverWithClock(clocktesting.NewFakePassiveClock(now))
	NewHandler(zap.NewNop().Sugar(), svc, resolver).
		WithReadyCheck(func(context.Context) error { return nil }).
		Register(r)
	return r
}

func do(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestListAgents(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(svc)

	rec := do(r, http.MethodGet, "/v1/agents?namespace=team-a&filter=logs", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "namespace: team-a", resp.Scope)
	assert.Equal(t, bridge.ListAgents{Namespace: "team-a", Filter: "logs"}, svc.list)
	assert.True(t, svc.caller.Ambient())

	rec = do(r, http.MethodGet, "/v1/agents?all_namespaces=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.list.AllNamespaces)
}

func TestListAgentsRejectsBadQuery(t *testing.T) {
	r := newRouter(&fakeService{})

	for _, path := range []string{"/v1/agents?all_namespaces=maybe", "/v1/agents?namespace=Not_Valid"} {
		rec := do(r, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Contains(t, rec.Body.String(), `"kind":"invalid_arguments"`, path)
	}
}

func TestErrorKindsMapToStatus(t *testing.T) {
	tests := []struct {
		kind bridge.ErrorKind
		want int
	}{
		{bridge.KindAgentUnknown, http.StatusNotFound},
		{bridge.KindAccessDenied, http.StatusForbidden},
		{bridge.KindInvalidArguments, http.StatusBadRequest},
		{bridge.KindAgentUnreachable, http.StatusBadGateway},
		{bridge.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			r := newRouter(&fakeService{err: &bridge.Error{Kind: tt.kind, Message: "nope"}})
			rec := do(r, http.MethodGet, "/v1/agents/team-a/monitor-1", "", nil)
			assert.Equal(t, tt.want, rec.Code)

			var resp MessageResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, string(tt.kind), resp.Kind)
			assert.False(t, resp.Success)
		})
	}
}

func TestGetAgentRecordsRouteTemplate(t *testing.T) {
	r := newRouter(&fakeService{err: &bridge.Error{Kind: bridge.KindAgentUnknown, Message: "missing"}})
	counter := metrics.BridgeRequests.WithLabelValues("/v1/agents/{namespace}/{name}", "404")
	before := testutil.ToFloat64(counter)

	rec := do(r, http.MethodGet, "/v1/agents/team-a/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestGetAgentUsesCallerIdentity(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(svc)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice", "exp": now.Add(time.Hour).Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	rec := do(r, http.MethodGet, "/v1/agents/team-a/monitor-1", "", map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", svc.caller.Subject)
	assert.Equal(t, "team-a/monitor-1", svc.details.ID)
}

func TestUnauthorized(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(svc)

	rec := do(r, http.MethodGet, "/v1/agents", "", map[string]string{"Authorization": "Token abc"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, bridge.ListAgents{}, svc.list)
}

func TestSendMessage(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(svc)

	rec := do(r, http.MethodPost, "/v1/agents/team-a/monitor-1/messages", `{"message":"status?"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "team-a/monitor-1", resp.Agent)
	assert.JSONEq(t, `{"kind":"message"}`, string(resp.Result))
	assert.Equal(t, bridge.SendMessage{ID: "team-a/monitor-1", Message: "status?"}, svc.send)

	rec = do(r, http.MethodPost, "/v1/agents/team-a/monitor-1/messages", `{"message":""}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(r, http.MethodPost, "/v1/agents/team-a/monitor-1/messages", `{"msg":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendStreamingMessage(t *testing.T) {
	svc := &fakeService{chunks: []json.RawMessage{
		json.RawMessage(`{ "state": "working" }`),
		json.RawMessage(`{"state":"completed"}`),
	}}
	r := newRouter(svc)

	rec := do(r, http.MethodPost, "/v1/agents/team-a/monitor-1/messages", `{"message":"go","stream":true}`,
		map[string]string{"Accept": "text/event-stream"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "data: {\"state\":\"working\"}\n\ndata: {\"state\":\"completed\"}\n\n", rec.Body.String())

	rec = do(r, http.MethodPost, "/v1/agents/team-a/monitor-1/messages", `{"message":"go","stream":true}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Chunks, 2)
}

func TestSendStreamingMessageFailsBeforeFirstChunk(t *testing.T) {
	r := newRouter(&fakeService{err: &bridge.Error{Kind: bridge.KindAgentUnreachable, Message: "agent team-a/monitor-1 failed"}})

	rec := do(r, http.MethodPost, "/v1/agents/team-a/monitor-1/messages", `{"message":"go","stream":true}`,
		map[string]string{"Accept": "text/event-stream"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "agent_unreachable")
}

func TestProbes(t *testing.T) {
	r := newRouter(&fakeService{})
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/readyz", "", nil).Code)
}

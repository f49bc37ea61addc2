package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/usize/agentic-control-plane/internal/bridge"
	"github.com/usize/agentic-control-plane/internal/identity"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type toolCall struct {
	caller identity.CallerIdentity
	name   string
	args   map[string]interface{}
}

type fakeTools struct {
	mu     sync.Mutex
	calls  []toolCall
	chunks []string
	text   string
	err    error
}

func (f *fakeTools) CallTool(_ context.Context, id identity.CallerIdentity, name string, args map[string]interface{}, progress func(json.RawMessage)) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, toolCall{caller: id, name: name, args: args})
	f.mu.Unlock()
	if progress != nil {
		for _, c := range f.chunks {
			progress(json.RawMessage(c))
		}
	}
	return f.text, f.err
}

func (f *fakeTools) lastCall(t *testing.T) toolCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

func newTestHandler(tools ToolService) *Handler {
	return NewHandler(zap.NewNop().Sugar(), tools, identity.NewResolverWithClock(clocktesting.NewFakePassiveClock(now)))
}

func token(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub, "exp": exp.Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)
	return s
}

func post(t *testing.T, h *Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.HandleHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, data []byte) (Response, map[string]interface{}) {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(data, &resp))
	result, _ := resp.Result.(map[string]interface{})
	return resp, result
}

func TestInitializeAndPing(t *testing.T) {
	h := newTestHandler(&fakeTools{})

	rec := post(t, h, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp, result := decodeResponse(t, rec.Body.Bytes())
	require.Nil(t, resp.Error)
	assert.Equal(t, protocolVersion, result["protocolVersion"])
	assert.Contains(t, result["capabilities"], "tools")

	rec = post(t, h, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = post(t, h, `{"jsonrpc":"2.0","id":"p","method":"ping"}`, nil)
	resp, _ = decodeResponse(t, rec.Body.Bytes())
	assert.Nil(t, resp.Error)
	assert.Equal(t, "p", resp.ID)
}

func TestInitializeNegotiatesVersion(t *testing.T) {
	h := newTestHandler(&fakeTools{})

	rec := post(t, h, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"inspector","version":"0.9"}}}`, nil)
	_, result := decodeResponse(t, rec.Body.Bytes())
	assert.Equal(t, "2024-11-05", result["protocolVersion"])

	rec = post(t, h, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"1999-01-01"}}`, nil)
	_, result = decodeResponse(t, rec.Body.Bytes())
	assert.Equal(t, protocolVersion, result["protocolVersion"])

	rec = post(t, h, `{"jsonrpc":"2.0","id":3,"method":"initialize","params":{"protocolVersion":7}}`, nil)
	resp, _ := decodeResponse(t, rec.Body.Bytes())
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

func TestInvalidRequestEnvelope(t *testing.T) {
	h := newTestHandler(&fakeTools{})

	for _, body := range []string{
		`{"jsonrpc":"1.0","id":1,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":2}`,
	} {
		rec := post(t, h, body, nil)
		resp, _ := decodeResponse(t, rec.Body.Bytes())
		require.NotNil(t, resp.Error, body)
		assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code, body)
	}
}

type panickingTools struct{}

func (panickingTools) CallTool(context.Context, identity.CallerIdentity, string, map[string]interface{}, func(json.RawMessage)) (string, error) {
	panic("nil card")
}

func TestToolPanicIsInternalError(t *testing.T) {
	h := newTestHandler(panickingTools{})

	rec := post(t, h, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"list_agents"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp, _ := decodeResponse(t, rec.Body.Bytes())
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInternal, resp.Error.Code)
	assert.Nil(t, resp.Result)
	assert.Equal(t, float64(4), resp.ID)
}

func TestToolsList(t *testing.T) {
	h := newTestHandler(&fakeTools{})
	rec := post(t, h, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil)

	var resp struct {
		Result ListToolsResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Result.Tools, 5)
	assert.Equal(t, bridge.ToolDiscoverAgents, resp.Result.Tools[0].Name)
	assert.Equal(t, "object", resp.Result.Tools[0].InputSchema["type"])
}

func TestUnknownMethodAndBadJSON(t *testing.T) {
	h := newTestHandler(&fakeTools{})

	rec := post(t, h, `{"jsonrpc":"2.0","id":3,"method":"resources/list"}`, nil)
	resp, _ := decodeResponse(t, rec.Body.Bytes())
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)

	rec = post(t, h, `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp, _ = decodeResponse(t, rec.Body.Bytes())
	assert.Equal(t, ErrCodeParse, resp.Error.Code)

	rec = post(t, h, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{}}`, nil)
	resp, _ = decodeResponse(t, rec.Body.Bytes())
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

func TestToolCallPassesCallerIdentity(t *testing.T) {
	tools := &fakeTools{text: "Agent Summary:"}
	h := newTestHandler(tools)
	body := `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"list_agents","arguments":{"namespace":"team-a"}}}`

	rec := post(t, h, body, nil)
	_, result := decodeResponse(t, rec.Body.Bytes())
	assert.Nil(t, result["isError"])
	assert.True(t, tools.lastCall(t).caller.Ambient())
	assert.Equal(t, "team-a", tools.lastCall(t).args["namespace"])

	tok := token(t, "system:serviceaccount:team-a:alice", now.Add(time.Hour))
	post(t, h, body, map[string]string{identity.HeaderAuthToken: tok})
	got := tools.lastCall(t)
	assert.Equal(t, "system:serviceaccount:team-a:alice", got.caller.Subject)
	assert.Equal(t, tok, got.caller.Token)
	assert.Equal(t, "list_agents", got.name)
}

func TestToolCallErrorCarriesKind(t *testing.T) {
	tools := &fakeTools{err: &bridge.Error{Kind: bridge.KindAgentUnknown, Message: `AgentCard "x" not found in namespace "team-a"`}}
	h := newTestHandler(tools)

	rec := post(t, h, `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"get_agent_details","arguments":{"id":"team-a/x"}}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Result CallToolResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Result.IsError)
	assert.Contains(t, resp.Result.Content[0].Text, "agent_unknown")
	structured, ok := resp.Result.StructuredContent.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "agent_unknown", structured["kind"])
}

func TestExpiredCredentialIsUnauthorized(t *testing.T) {
	tools := &fakeTools{}
	h := newTestHandler(tools)

	rec := post(t, h, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"list_agents"}}`,
		map[string]string{"Authorization": "Bearer " + token(t, "bob", now.Add(-time.Minute))})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	resp, _ := decodeResponse(t, rec.Body.Bytes())
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeUnauthorized, resp.Error.Code)
	assert.Empty(t, tools.calls, "tool must not run for a rejected credential")

	rec = post(t, h, `{"jsonrpc":"2.0","id":8,"method":"tools/list"}`, map[string]string{"Authorization": "Basic abc"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type sseEvent struct {
	event string
	data  string
}

func readSSE(t *testing.T, r *bufio.Reader, n int) []sseEvent {
	t.Helper()
	var events []sseEvent
	cur := sseEvent{}
	for len(events) < n {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if cur.event != "" || cur.data != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data += strings.TrimPrefix(line, "data: ")
		}
	}
	return events
}

func TestStreamingToolCallEmitsProgress(t *testing.T) {
	tools := &fakeTools{
		chunks: []string{`{"kind":"status-update","state":"working"}`, `{"kind":"status-update","state":"completed"}`},
		text:   "Streaming response from http://agent:\n\n...",
	}
	h := newTestHandler(tools)

	rec := post(t, h,
		`{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"send_streaming_message_to_agent","arguments":{"id":"team-a/monitor-1","message":"go"},"_meta":{"progressToken":"tok-1"}}}`,
		map[string]string{"Accept": "application/json, text/event-stream"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := readSSE(t, bufio.NewReader(strings.NewReader(rec.Body.String())), 3)
	for i, ev := range events[:2] {
		var n struct {
			Method string         `json:"method"`
			Params ProgressParams `json:"params"`
		}
		require.NoError(t, json.Unmarshal([]byte(ev.data), &n))
		assert.Equal(t, MethodProgress, n.Method)
		assert.Equal(t, "tok-1", n.Params.ProgressToken)
		assert.Equal(t, i+1, n.Params.Progress)
		assert.JSONEq(t, tools.chunks[i], n.Params.Message)
	}

	resp, result := decodeResponse(t, []byte(events[2].data))
	assert.Equal(t, float64(9), resp.ID)
	content := result["content"].([]interface{})
	assert.Equal(t, tools.text, content[0].(map[string]interface{})["text"])
}

func TestNonStreamingClientGetsAggregatedResult(t *testing.T) {
	tools := &fakeTools{chunks: []string{`{"n":1}`}, text: "aggregated"}
	h := newTestHandler(tools)

	rec := post(t, h, `{"jsonrpc":"2.0","id":10,"method":"tools/call","params":{"name":"send_streaming_message_to_agent","arguments":{}}}`,
		map[string]string{"Accept": "application/json"})
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "aggregated")
	assert.NotContains(t, rec.Body.String(), MethodProgress)
}

func TestLegacySSETransport(t *testing.T) {
	tools := &fakeTools{text: "Found 1 agent(s)"}
	h := newTestHandler(tools)
	router := mux.NewRouter()
	h.Register(router)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/mcp/sse", nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = stream.Body.Close() }()
	reader := bufio.NewReader(stream.Body)

	endpoint := readSSE(t, reader, 1)[0]
	require.Equal(t, "endpoint", endpoint.event)
	require.True(t, strings.HasPrefix(endpoint.data, "/mcp/message?sessionId="))

	msg, err := http.NewRequest(http.MethodPost, srv.URL+endpoint.data,
		strings.NewReader(`{"jsonrpc":"2.0","id":11,"method":"tools/call","params":{"name":"discover_agents"}}`))
	require.NoError(t, err)
	msg.Header.Set(identity.HeaderAuthToken, "opaque-credential")
	ack, err := http.DefaultClient.Do(msg)
	require.NoError(t, err)
	_ = ack.Body.Close()
	assert.Equal(t, http.StatusAccepted, ack.StatusCode)

	ev := readSSE(t, reader, 1)[0]
	assert.Equal(t, "message", ev.event)
	assert.Contains(t, ev.data, "Found 1 agent(s)")
	assert.Equal(t, "opaque-credential", tools.lastCall(t).caller.Token)

	resp, err := http.Post(srv.URL+"/mcp/message?sessionId=999", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

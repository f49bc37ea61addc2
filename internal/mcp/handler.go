package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/usize/agentic-control-plane/internal/bridge"
	"github.com/usize/agentic-control-plane/internal/identity"
	"github.com/usize/agentic-control-plane/internal/metrics"
)

const (
	protocolVersion = "2025-03-26"
	serverName      = "agentic-control-plane-bridge"
	serverVersion   = "1.0.0"

	transportHTTP = "http"
	transportSSE  = "sse"

	defaultKeepAlive = 30 * time.Second
)

var supportedProtocolVersions = []string{"2024-11-05", "2025-03-26", "2025-06-18"}

// ToolService runs bridge tools for a resolved caller.
type ToolService interface {
	CallTool(ctx context.Context, id identity.CallerIdentity, name string, args map[string]interface{}, progress func(json.RawMessage)) (string, error)
}

// Handler handles MCP protocol requests.
type Handler struct {
	logger         *zap.SugaredLogger
	tools          ToolService
	resolver       *identity.Resolver
	keepAlive      time.Duration
	sessions       sync.Map // sessionID -> *session
	sessionID      atomic.Uint64
	sseConnections atomic.Int32 // track active SSE connections for metrics
}

type session struct {
	id      uint64
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
	closed  bool
}

// NewHandler creates a new MCP handler.
func NewHandler(logger *zap.SugaredLogger, tools ToolService, resolver *identity.Resolver) *Handler {
	return &Handler{
		logger:    logger,
		tools:     tools,
		resolver:  resolver,
		keepAlive: defaultKeepAlive,
	}
}

// Register mounts the MCP endpoints on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/mcp", h.HandleHTTP).Methods(http.MethodPost)
	r.HandleFunc("/mcp/sse", h.HandleSSE).Methods(http.MethodGet)
	r.HandleFunc("/mcp/message", h.HandleMessage).Methods(http.MethodPost)
}

// HandleHTTP handles MCP requests via the streamable HTTP transport (POST /mcp).
// A tools/call from a client that accepts text/event-stream is answered as an
// event stream carrying progress notifications before the final response.
func (h *Handler) HandleHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(nil, ErrCodeParse, "Parse error", err.Error()))
		return
	}
	defer func() {
		metrics.RecordMCPRequest(req.Method, transportHTTP, time.Since(start).Seconds())
	}()

	h.logger.Debugf("MCP HTTP request: method=%s id=%v", req.Method, req.ID)

	if req.ID == nil && strings.HasPrefix(req.Method, notificationMethodPrefix) {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	caller, err := h.resolver.Resolve(r)
	if err != nil {
		h.logger.Infow("rejecting MCP request", "method", req.Method, "error", err)
		writeJSON(w, http.StatusUnauthorized, errorResponse(req.ID, ErrCodeUnauthorized, "Unauthorized", err.Error()))
		return
	}

	if req.Method == MethodToolsCall && acceptsEventStream(r) {
		h.streamToolCall(w, r, caller, &req)
		return
	}

	writeJSON(w, http.StatusOK, h.dispatch(r.Context(), caller, &req, nil))
}

func (h *Handler) streamToolCall(w http.ResponseWriter, r *http.Request, caller identity.CallerIdentity, req *Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusOK, h.dispatch(r.Context(), caller, req, nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := &session{writer: w, flusher: flusher}
	resp := h.dispatch(r.Context(), caller, req, func(n Notification) {
		h.sendSSEMessage(stream, n)
	})
	h.sendSSEMessage(stream, resp)
}

// HandleSSE handles the legacy SSE connection endpoint (GET /mcp/sse).
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sessionID := h.sessionID.Add(1)
	sess := &session{
		id:      sessionID,
		writer:  w,
		flusher: flusher,
	}
	h.sessions.Store(sessionID, sess)

	activeCount := h.sseConnections.Add(1)
	metrics.SetMCPConnectionsActive(transportSSE, int(activeCount))
	defer func() {
		activeCount := h.sseConnections.Add(-1)
		metrics.SetMCPConnectionsActive(transportSSE, int(activeCount))
	}()

	h.logger.Infof("MCP SSE session started: %d", sessionID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	h.sendSSEEvent(sess, "endpoint", fmt.Sprintf("/mcp/message?sessionId=%d", sessionID))

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			sess.mu.Lock()
			sess.closed = true
			sess.mu.Unlock()
			h.sessions.Delete(sessionID)
			h.logger.Infof("MCP SSE session ended: %d", sessionID)
			return
		case <-ticker.C:
			h.sendSSEComment(sess, "ping")
		}
	}
}

// HandleMessage handles incoming MCP messages (POST /mcp/message) for the SSE
// transport. Responses are delivered on the session's event stream.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	sessionID, err := strconv.ParseUint(r.URL.Query().Get("sessionId"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid sessionId", http.StatusBadRequest)
		return
	}
	sessVal, ok := h.sessions.Load(sessionID)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	sess := sessVal.(*session)

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendSSEMessage(sess, errorResponse(nil, ErrCodeParse, "Parse error", err.Error()))
		w.WriteHeader(http.StatusAccepted)
		return
	}
	defer func() {
		metrics.RecordMCPRequest(req.Method, transportSSE, time.Since(start).Seconds())
	}()

	h.logger.Debugf("MCP request: session=%d method=%s id=%v", sessionID, req.Method, req.ID)

	if req.ID == nil && strings.HasPrefix(req.Method, notificationMethodPrefix) {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	caller, err := h.resolver.Resolve(r)
	if err != nil {
		h.logger.Infow("rejecting MCP request", "session", sessionID, "method", req.Method, "error", err)
		writeJSON(w, http.StatusUnauthorized, errorResponse(req.ID, ErrCodeUnauthorized, "Unauthorized", err.Error()))
		return
	}

	resp := h.dispatch(r.Context(), caller, &req, func(n Notification) {
		h.sendSSEMessage(sess, n)
	})
	h.sendSSEMessage(sess, resp)
	w.WriteHeader(http.StatusAccepted)
}

// dispatch runs one request. notify, when set, receives progress notifications.
func (h *Handler) dispatch(ctx context.Context, caller identity.CallerIdentity, req *Request, notify func(Notification)) (resp Response) {
	resp = Response{JSONRPC: "2.0", ID: req.ID}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Errorw("MCP request panicked", "method", req.Method, "caller", caller.String(), "panic", r)
			resp.Result = nil
			resp.Error = &Error{Code: ErrCodeInternal, Message: "Internal error", Data: fmt.Sprint(r)}
		}
	}()

	if req.JSONRPC != "2.0" || req.Method == "" {
		resp.Error = &Error{Code: ErrCodeInvalidRequest, Message: "Invalid Request", Data: "expected a JSON-RPC 2.0 request with a method"}
		return resp
	}

	switch req.Method {
	case MethodInitialize:
		result, rpcErr := h.initialize(req)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
	case MethodInitialized, methodInitializedLegacy, MethodPing:
		resp.Result = map[string]interface{}{}
	case MethodToolsList:
		resp.Result = buildToolsList()
	case MethodToolsCall:
		result, rpcErr := h.callTool(ctx, caller, req, notify)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
	default:
		resp.Error = &Error{Code: ErrCodeMethodNotFound, Message: "Method not found", Data: req.Method}
	}
	return resp
}

// initialize answers with the client's protocol version when it is one we
// speak, and with ours otherwise.
func (h *Handler) initialize(req *Request) (*InitializeResult, *Error) {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &Error{Code: ErrCodeInvalidParams, Message: "Invalid params", Data: err.Error()}
		}
	}
	version := protocolVersion
	if slices.Contains(supportedProtocolVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}
	h.logger.Debugf("MCP initialize: client=%s/%s requested=%q negotiated=%q",
		params.ClientInfo.Name, params.ClientInfo.Version, params.ProtocolVersion, version)

	return &InitializeResult{
		ProtocolVersion: version,
		Capabilities: Capabilities{
			Tools: &ToolsCapability{},
		},
		ServerInfo: Implementation{
			Name:    serverName,
			Version: serverVersion,
		},
		Instructions: "Discover Kubernetes-hosted agents from their cached AgentCards and message them over A2A.",
	}, nil
}

func buildToolsList() ListToolsResult {
	defs := bridge.Tools()
	tools := make([]Tool, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, Tool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return ListToolsResult{Tools: tools}
}

func (h *Handler) callTool(ctx context.Context, caller identity.CallerIdentity, req *Request, notify func(Notification)) (*CallToolResult, *Error) {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	if params.Name == "" {
		return nil, &Error{Code: ErrCodeInvalidParams, Message: "Invalid params", Data: "missing tool name"}
	}

	var progress func(json.RawMessage)
	if notify != nil {
		token := req.ID
		if params.Meta != nil && params.Meta.ProgressToken != nil {
			token = params.Meta.ProgressToken
		}
		count := 0
		progress = func(chunk json.RawMessage) {
			count++
			notify(Notification{
				JSONRPC: "2.0",
				Method:  MethodProgress,
				Params:  ProgressParams{ProgressToken: token, Progress: count, Message: string(chunk)},
			})
		}
	}

	h.logger.Debugf("[MCP] Tool call: %s as %s", params.Name, caller)
	text, err := h.tools.CallTool(ctx, caller, params.Name, params.Arguments, progress)
	if err != nil {
		kind := bridge.KindOf(err)
		h.logger.Infow("tool call failed", "tool", params.Name, "caller", caller.String(), "kind", kind, "error", err)
		return &CallToolResult{
			Content:           []Content{{Type: "text", Text: fmt.Sprintf("Error [%s]: %v", kind, err)}},
			StructuredContent: ToolError{Kind: string(kind), Message: err.Error()},
			IsError:           true,
		}, nil
	}
	return &CallToolResult{Content: []Content{{Type: "text", Text: text}}}, nil
}

func acceptsEventStream(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept") {
		if strings.Contains(v, "text/event-stream") {
			return true
		}
	}
	return false
}

func errorResponse(id interface{}, code int, message, data string) Response {
	return Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) sendSSEMessage(sess *session, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		h.logger.Errorf("Failed to marshal SSE message: %v", err)
		return
	}
	h.sendSSEEvent(sess, "message", string(jsonData))
}

func (h *Handler) sendSSEEvent(sess *session, event, data string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return
	}

	_, _ = fmt.Fprintf(sess.writer, "event: %s\n", event)

	// Write data (handle multi-line)
	if data != "" {
		scanner := bufio.NewScanner(strings.NewReader(data))
		scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
		for scanner.Scan() {
			_, _ = fmt.Fprintf(sess.writer, "data: %s\n", scanner.Text())
		}
	} else {
		_, _ = fmt.Fprint(sess.writer, "data: \n")
	}

	_, _ = fmt.Fprint(sess.writer, "\n")
	sess.flusher.Flush()
}

func (h *Handler) sendSSEComment(sess *session, comment string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return
	}
	_, _ = fmt.Fprintf(sess.writer, ": %s\n\n", comment)
	sess.flusher.Flush()
}

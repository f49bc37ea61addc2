// Package api serves a REST view of the bridge operations.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	agentv1alpha1 "github.com/usize/agentic-control-plane/api/v1alpha1"
	"github.com/usize/agentic-control-plane/internal/bridge"
	"github.com/usize/agentic-control-plane/internal/identity"
)

// AgentService is the subset of the bridge served over REST.
type AgentService interface {
	List(ctx context.Context, id identity.CallerIdentity, call bridge.ListAgents) ([]bridge.AgentSummary, string, error)
	Details(ctx context.Context, id identity.CallerIdentity, call bridge.GetAgentDetails) (*agentv1alpha1.AgentCard, error)
	Send(ctx context.Context, id identity.CallerIdentity, call bridge.SendMessage) (*bridge.MessageResult, error)
	SendStreaming(ctx context.Context, id identity.CallerIdentity, call bridge.SendStreamingMessage, onChunk func(json.RawMessage)) ([]json.RawMessage, string, error)
}

// MessageRequest is the request body for POST /v1/agents/{namespace}/{name}/messages.
type MessageRequest struct {
	Message         string `json:"message"`
	Stream          bool   `json:"stream,omitempty"`
	UseExtendedCard bool   `json:"useExtendedCard,omitempty"`
}

// MessageResponse is the response to a forwarded message.
type MessageResponse struct {
	Success   bool              `json:"success"`
	Agent     string            `json:"agent,omitempty"`
	URL       string            `json:"url,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Chunks    []json.RawMessage `json:"chunks,omitempty"`
	Error     string            `json:"error,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	LatencyMs int64             `json:"latencyMs,omitempty"`
}

// ListResponse is the response from GET /v1/agents.
type ListResponse struct {
	Scope  string                `json:"scope"`
	Agents []bridge.AgentSummary `json:"agents"`
	Count  int                   `json:"count"`
}

// Handler handles HTTP requests for the REST facade.
type Handler struct {
	logger   *zap.SugaredLogger
	service  AgentService
	resolver *identity.Resolver
	ready    func(context.Context) error
}

// NewHandler creates a new API handler.
func NewHandler(logger *zap.SugaredLogger, service AgentService, resolver *identity.Resolver) *Handler {
	return &Handler{logger: logger, service: service, resolver: resolver}
}

// WithReadyCheck sets the check behind /readyz.
func (h *Handler) WithReadyCheck(check func(context.Context) error) *Handler {
	h.ready = check
	return h
}

// Register mounts the REST routes on r.
func (h *Handler) Register(r *mux.Router) {
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(recordRequests)
	v1.HandleFunc("/agents", h.handleListAgents).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{namespace}/{name}", h.handleGetAgent).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{namespace}/{name}/messages", h.handleSendMessage).Methods(http.MethodPost)

	r.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.handleReadyz).Methods(http.MethodGet)
}

func (h *Handler) handleListAgents(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.resolve(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	args := map[string]interface{}{}
	if ns := q.Get("namespace"); ns != "" {
		args["namespace"] = ns
	}
	if f := q.Get("filter"); f != "" {
		args["filter"] = f
	}
	if all := q.Get("all_namespaces"); all != "" {
		v, err := strconv.ParseBool(all)
		if err != nil {
			h.writeError(w, &bridge.Error{Kind: bridge.KindInvalidArguments, Message: "all_namespaces must be a boolean"})
			return
		}
		args["all_namespaces"] = v
	}

	call, err := bridge.Decode(bridge.ToolListAgents, args)
	if err != nil {
		h.writeError(w, err)
		return
	}
	agents, scope, err := h.service.List(r.Context(), caller, call.(bridge.ListAgents))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ListResponse{Scope: scope, Agents: agents, Count: len(agents)})
}

func (h *Handler) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.resolve(w, r)
	if !ok {
		return
	}

	vars := mux.Vars(r)
	call, err := bridge.Decode(bridge.ToolGetAgentDetails, map[string]interface{}{
		"id": vars["namespace"] + "/" + vars["name"],
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	card, err := h.service.Details(r.Context(), caller, call.(bridge.GetAgentDetails))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, card)
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	caller, ok := h.resolve(w, r)
	if !ok {
		return
	}

	var req MessageRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, &bridge.Error{Kind: bridge.KindInvalidArguments, Message: "invalid request body", Err: err})
		return
	}

	vars := mux.Vars(r)
	id := vars["namespace"] + "/" + vars["name"]
	tool := bridge.ToolSendMessage
	if req.Stream {
		tool = bridge.ToolSendStreamingMessage
	}
	call, err := bridge.Decode(tool, map[string]interface{}{
		"id":                id,
		"message":           req.Message,
		"use_extended_card": req.UseExtendedCard,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	if !req.Stream {
		res, err := h.service.Send(r.Context(), caller, call.(bridge.SendMessage))
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, MessageResponse{
			Success:   true,
			Agent:     id,
			URL:       res.URL,
			Result:    res.Result,
			LatencyMs: time.Since(start).Milliseconds(),
		})
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush || !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		chunks, url, err := h.service.SendStreaming(r.Context(), caller, call.(bridge.SendStreamingMessage), nil)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, MessageResponse{
			Success:   true,
			Agent:     id,
			URL:       url,
			Chunks:    chunks,
			LatencyMs: time.Since(start).Milliseconds(),
		})
		return
	}

	// Headers go out with the first chunk. A failure before it gets a regular error status.
	started := false
	_, _, err = h.service.SendStreaming(r.Context(), caller, call.(bridge.SendStreamingMessage), func(chunk json.RawMessage) {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		_, _ = fmt.Fprintf(w, "data: %s\n\n", compact(chunk))
		flusher.Flush()
	})
	switch {
	case err != nil && !started:
		h.writeError(w, err)
	case err != nil:
		data, _ := json.Marshal(MessageResponse{Error: err.Error(), Kind: string(bridge.KindOf(err))})
		_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
		flusher.Flush()
	case !started:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) (identity.CallerIdentity, bool) {
	caller, err := h.resolver.Resolve(r)
	if err != nil {
		h.logger.Infow("rejecting request", "path", r.URL.Path, "error", err)
		h.writeJSON(w, http.StatusUnauthorized, MessageResponse{Error: err.Error(), Kind: string(bridge.KindAccessDenied)})
		return identity.CallerIdentity{}, false
	}
	return caller, true
}

func statusFor(kind bridge.ErrorKind) int {
	switch kind {
	case bridge.KindAgentUnknown:
		return http.StatusNotFound
	case bridge.KindAccessDenied:
		return http.StatusForbidden
	case bridge.KindInvalidArguments:
		return http.StatusBadRequest
	case bridge.KindAgentUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := bridge.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		h.logger.Errorw("request failed", "error", err)
	}
	var be *bridge.Error
	msg := err.Error()
	if errors.As(err, &be) && kind == bridge.KindInternal {
		msg = be.Message
	}
	h.writeJSON(w, status, MessageResponse{Success: false, Error: msg, Kind: string(kind)})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

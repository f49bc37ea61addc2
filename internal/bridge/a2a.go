package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/usize/agentic-control-plane/internal/identity"
	"github.com/usize/agentic-control-plane/internal/manifest"
)

const (
	methodMessageSend   = "message/send"
	methodMessageStream = "message/stream"

	// maxResponseBytes bounds a non-streaming agent response and a single stream event.
	maxResponseBytes = 8 << 20

	extendedCardTimeout = 10 * time.Second
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type messagePart struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

type a2aMessage struct {
	Role      string        `json:"role"`
	Parts     []messagePart `json:"parts"`
	MessageID string        `json:"messageId"`
	Kind      string        `json:"kind"`
}

type messageSendParams struct {
	Message a2aMessage `json:"message"`
}

func newUserMessage(text string) messageSendParams {
	return messageSendParams{Message: a2aMessage{
		Role:      "user",
		Parts:     []messagePart{{Kind: "text", Text: text}},
		MessageID: uuid.NewString(),
		Kind:      "message",
	}}
}

// AgentClient speaks A2A JSON-RPC to agent endpoints. It never retries.
type AgentClient struct {
	logger     *zap.SugaredLogger
	httpClient *http.Client
	// cancelGrace bounds how long a stream keeps reading after its caller went away.
	cancelGrace time.Duration
	cards       *manifest.Fetcher
}

// NewAgentClient creates an AgentClient. A nil httpClient uses a client without
// a global timeout; callers bound each request through its context.
func NewAgentClient(logger *zap.SugaredLogger, httpClient *http.Client, cancelGrace time.Duration) *AgentClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &AgentClient{
		logger:      logger,
		httpClient:  httpClient,
		cancelGrace: cancelGrace,
		cards:       manifest.NewFetcher(manifest.WithHTTPClient(httpClient)),
	}
}

// ExtendedCardURL fetches the agent's authenticated extended card with the
// caller's credential and returns the URL it advertises.
func (c *AgentClient) ExtendedCardURL(ctx context.Context, baseURL string, id identity.CallerIdentity) (string, error) {
	card, err := c.cards.FetchAuthenticated(ctx, baseURL, id.Token, extendedCardTimeout)
	if err != nil {
		return "", err
	}
	return card.Endpoint, nil
}

// Send issues message/send and returns the JSON-RPC result.
func (c *AgentClient) Send(ctx context.Context, url string, id identity.CallerIdentity, text string) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, url, id, methodMessageSend, text)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debugf("[AGENT] << error from %s after %v: %v", url, time.Since(start), err)
		return nil, &DownstreamError{URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &DownstreamError{URL: url, Err: err}
	}
	c.logger.Debugf("[AGENT] << %d from %s after %v", resp.StatusCode, url, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &DownstreamError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", truncate(string(body), 200))}
	}
	return decodeRPC(url, body)
}

// Stream issues message/stream and calls onChunk with the result of every
// event. It returns when the agent ends the stream, onChunk fails, or ctx is
// done. After ctx is done the upstream connection is kept for at most the
// cancel grace so an in-flight event can still be read, then closed.
func (c *AgentClient) Stream(ctx context.Context, url string, id identity.CallerIdentity, text string, onChunk func(json.RawMessage) error) error {
	upstream, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		if c.cancelGrace <= 0 {
			cancel()
			return
		}
		time.AfterFunc(c.cancelGrace, cancel)
	})
	defer stop()

	req, err := c.newRequest(upstream, url, id, methodMessageStream, text)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &DownstreamError{URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &DownstreamError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", truncate(string(body), 200))}
	}

	// Some agents answer a stream request with a single JSON-RPC response.
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return &DownstreamError{URL: url, Err: err}
		}
		result, err := decodeRPC(url, body)
		if err != nil {
			return err
		}
		return onChunk(result)
	}

	err = readEvents(resp.Body, func(data []byte) error {
		result, err := decodeRPC(url, data)
		if err != nil {
			return err
		}
		if err := onChunk(result); err != nil {
			return err
		}
		return ctx.Err()
	})
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case err == nil:
		return nil
	default:
		var de *DownstreamError
		if errors.As(err, &de) {
			return err
		}
		return &DownstreamError{URL: url, Err: err}
	}
}

func (c *AgentClient) newRequest(ctx context.Context, url string, id identity.CallerIdentity, method, text string) (*http.Request, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  newUserMessage(text),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &DownstreamError{URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if !id.Ambient() {
		req.Header.Set("Authorization", "Bearer "+id.Token)
	}
	c.logger.Debugf("[AGENT] >> %s %s as %s", method, url, id)
	return req, nil
}

func decodeRPC(url string, body []byte) (json.RawMessage, error) {
	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &DownstreamError{URL: url, Err: fmt.Errorf("decoding JSON-RPC response: %w", err)}
	}
	if resp.Error != nil {
		return nil, &DownstreamError{URL: url, RPCCode: resp.Error.Code, RPCMessage: resp.Error.Message}
	}
	if len(resp.Result) == 0 {
		return nil, &DownstreamError{URL: url, Err: fmt.Errorf("JSON-RPC response has no result")}
	}
	return resp.Result, nil
}

// readEvents splits a server-sent event stream and calls fn with the data of
// each event. Multi-line data fields are joined with newlines.
func readEvents(r io.Reader, fn func(data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)

	var data bytes.Buffer
	dispatch := func() error {
		if data.Len() == 0 {
			return nil
		}
		defer data.Reset()
		return fn(bytes.Clone(data.Bytes()))
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return dispatch()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

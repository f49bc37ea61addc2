package bridge

import (
	"context"
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/usize/agentic-control-plane/internal/circuit"
	"github.com/usize/agentic-control-plane/internal/identity"
)

// ErrorKind classifies every error the bridge returns to a caller.
type ErrorKind string

const (
	KindAgentUnknown     ErrorKind = "agent_unknown"
	KindAccessDenied     ErrorKind = "access_denied"
	KindAgentUnreachable ErrorKind = "agent_unreachable"
	KindInvalidArguments ErrorKind = "invalid_arguments"
	KindInternal         ErrorKind = "internal"
)

// Error is the structured error returned by every bridge operation.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

func newError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// storeError classifies an error from reading AgentCards as the caller.
func storeError(err error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case identity.IsAuthError(err):
		return &Error{Kind: KindAccessDenied, Message: msg, Err: err}
	case apierrors.IsNotFound(err):
		return &Error{Kind: KindAgentUnknown, Message: msg, Err: err}
	case apierrors.IsForbidden(err), apierrors.IsUnauthorized(err):
		return &Error{Kind: KindAccessDenied, Message: msg, Err: err}
	default:
		return &Error{Kind: KindInternal, Message: msg, Err: err}
	}
}

// DownstreamError reports a failed exchange with an agent.
type DownstreamError struct {
	URL        string
	StatusCode int
	// RPCCode and RPCMessage are set when the agent answered with a JSON-RPC error.
	RPCCode    int
	RPCMessage string
	Err        error
}

func (e *DownstreamError) Error() string {
	switch {
	case e.RPCMessage != "":
		return fmt.Sprintf("agent %s returned error %d: %s", e.URL, e.RPCCode, e.RPCMessage)
	case e.StatusCode != 0:
		return fmt.Sprintf("agent %s returned status %d", e.URL, e.StatusCode)
	default:
		return fmt.Sprintf("calling agent %s: %v", e.URL, e.Err)
	}
}

func (e *DownstreamError) Unwrap() error { return e.Err }

// forwardError classifies a failure while forwarding a message.
func forwardError(agent string, err error) error {
	switch {
	case errors.Is(err, circuit.ErrQueueFull), errors.Is(err, circuit.ErrQueueTimeout):
		return newError(KindAgentUnreachable, err, "agent %s is at capacity", agent)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindAgentUnreachable, err, "agent %s did not answer in time", agent)
	case errors.Is(err, context.Canceled):
		return newError(KindInternal, err, "request to agent %s was cancelled", agent)
	default:
		return newError(KindAgentUnreachable, err, "agent %s failed", agent)
	}
}

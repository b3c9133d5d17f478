// Package transport connects the session controller to the chat gateway.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/ashureev/shsh-chat/internal/protocol"
)

// ErrRateLimited is returned when the gateway rejects a request with 429.
var ErrRateLimited = errors.New("rate limited")

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// EventHandler receives events in delivery order.
type EventHandler func(protocol.Event)

// MetadataFunc observes the rate-limit metadata of every round trip.
type MetadataFunc func(protocol.Metadata)

// SendRequest is one user message delivery.
// MessageID is stable across retries so the gateway can drop duplicates.
type SendRequest struct {
	ConversationID string
	MessageID      string
	Content        string
	AgentID        string
}

// Response is the gateway's acknowledgement of a send.
type Response struct {
	ConversationID string
	MessageID      string
	Metadata       protocol.Metadata
}

// Subscriber opens an event stream for one conversation. The returned
// function stops delivery and is safe to call more than once.
type Subscriber interface {
	Subscribe(ctx context.Context, conversationID, agentID string, onEvent EventHandler) (unsubscribe func(), err error)
}

// Transport is everything the session controller needs from the gateway.
type Transport interface {
	Subscriber
	Send(ctx context.Context, req SendRequest) (*Response, error)
	History(ctx context.Context, conversationID string) ([]protocol.HistoryMessage, error)
	Observe(fn MetadataFunc) (release func())
}

// StatusError is a non-2xx gateway response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gateway returned %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Body)
}

// Is lets errors.Is(err, ErrRateLimited) match a 429.
func (e *StatusError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == http.StatusTooManyRequests
}

// IsTransient reports whether err is a connection-level failure worth
// retrying. Rate limiting and client errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrRateLimited) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError ||
			statusErr.StatusCode == http.StatusRequestTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) || errors.Is(err, errStreamDropped)
}

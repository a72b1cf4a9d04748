// Package store is the Flow Store: the in-memory repository of captured
// flows and their streamed events, plus the pub/sub bus that feeds live
// updates to dashboard subscribers. Flows are never persisted to disk; the
// store exists only for the lifetime of the process.
package store

import (
	"context"
	"net/http"
	"time"
)

// Flow is one captured HTTP/HTTPS/WebSocket exchange.
type Flow struct {
	ID          string        `json:"id"`
	Timestamp   time.Time     `json:"timestamp"`
	Host        string        `json:"host"`
	Type        string        `json:"type"` // "http", "https", "websocket"
	Request     *RequestInfo  `json:"request"`
	Response    *ResponseInfo `json:"response,omitempty"`
	DurationMs  *int64        `json:"durationMs,omitempty"`
	IsStreaming bool          `json:"isStreaming"`
	HasRawHTTP  bool          `json:"hasRawHttp"`
}

// RequestInfo is the captured request half of a Flow.
type RequestInfo struct {
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Path    string      `json:"path"`
	Headers http.Header `json:"headers"`
	Body    *string     `json:"body,omitempty"`
}

// ResponseInfo is the captured response half of a Flow. Nil until the
// origin's status line and headers have arrived.
type ResponseInfo struct {
	StatusCode int         `json:"statusCode"`
	StatusText string      `json:"statusText"`
	Headers    http.Header `json:"headers"`
	Body       *string     `json:"body,omitempty"`
	Truncated  bool        `json:"truncated,omitempty"`
}

// Event is one parsed element of a streaming response body (SSE or a
// Bedrock event-stream frame). Immutable once created.
type Event struct {
	EventID   string    `json:"eventId"`
	FlowID    string    `json:"flowId"`
	Event     string    `json:"event,omitempty"`
	ID        string    `json:"id,omitempty"`
	Retry     *int      `json:"retry,omitempty"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// RawHTTP holds the raw wire bytes for a flow, retained only until the flow
// is recognized as streaming or the store evicts it under memory pressure.
type RawHTTP struct {
	Request  []byte `json:"request,omitempty"`
	Response []byte `json:"response,omitempty"`
}

// Snapshot is a consistent point-in-time view of the store, used to greet
// new subscribers with an initial state dump before live updates begin.
type Snapshot struct {
	Flows  []*Flow
	Events map[string][]*Event
}

// ChangeKind identifies the shape of a broadcast change notification.
type ChangeKind string

const (
	ChangeFlowCreated ChangeKind = "flow_created"
	ChangeFlowUpdated ChangeKind = "flow_updated"
	ChangeEvent       ChangeKind = "event"
	ChangeClear       ChangeKind = "clear"
)

// Change is one broadcast notification emitted on every store mutation.
type Change struct {
	Kind   ChangeKind
	Flow   *Flow
	FlowID string
	Event  *Event
}

// Subscriber receives store changes over a bounded channel. A subscriber
// that falls behind is disconnected rather than allowed to block producers.
type Subscriber struct {
	ID     uint64
	ch     chan *Change
	closed chan struct{}
}

// Changes returns the channel of changes delivered to this subscriber.
func (s *Subscriber) Changes() <-chan *Change { return s.ch }

// Closed reports when the subscriber has been removed, either because it
// overflowed its buffer or because Unsubscribe was called.
func (s *Subscriber) Closed() <-chan struct{} { return s.closed }

// Store is the Flow Store contract used by the proxy, the stream parsers,
// and the control API.
type Store interface {
	CreateFlow(ctx context.Context, flow *Flow) error
	UpdateFlow(ctx context.Context, flow *Flow) error
	GetFlow(ctx context.Context, id string) (*Flow, error)
	ListFlows(ctx context.Context) ([]*Flow, error)

	AppendEvent(ctx context.Context, flowID string, event *Event) error
	GetEvents(ctx context.Context, flowID string) ([]*Event, error)

	SetRawRequest(ctx context.Context, flowID string, data []byte) error
	SetRawResponse(ctx context.Context, flowID string, data []byte) error
	DropRaw(ctx context.Context, flowID string) error
	GetRaw(ctx context.Context, flowID string) (*RawHTTP, error)

	Snapshot(ctx context.Context) (*Snapshot, error)
	Subscribe() *Subscriber
	Unsubscribe(sub *Subscriber)

	Clear(ctx context.Context) error

	Stats() Stats
}

// Stats are the lightweight counters surfaced by GET /api/stats.
type Stats struct {
	FlowCount        int   `json:"flowCount"`
	EventCount       int   `json:"eventCount"`
	ConnectedClients int   `json:"connectedClients"`
	DroppedEvents    int64 `json:"droppedEvents"`
	UptimeSeconds    int64 `json:"uptimeSeconds"`
}

// Package parser incrementally decodes streaming response bodies — Server-
// Sent Events and AWS Bedrock binary event-streams — into discrete events as
// bytes arrive, without waiting for the connection to close.
package parser

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/siphonhq/siphon/internal/store"
)

// SSE parser limits, enforced to bound memory under a runaway or hostile
// stream: a single line, a single event's accumulated data, and the total
// number of events kept for one flow are all capped.
const (
	maxLineSize      = 1024 * 1024     // 1MB max per line
	maxEventDataSize = 2 * 1024 * 1024 // 2MB max accumulated data per event
	maxEventsPerFlow = 10000           // 10K events per flow
)

// Logger is the minimal logging interface the parser needs, allowing
// injection of a fake in tests.
type Logger interface {
	Warn(msg string, args ...any)
}

// SSEParser incrementally parses a `text/event-stream` body per the SSE
// wire format: event/data/id/retry fields separated by newlines, events
// delimited by a blank line.
type SSEParser struct {
	flowID   string
	eventsCh chan *store.Event
	doneCh   chan struct{}
	logger   Logger
}

// NewSSEParser creates an SSE parser for a flow.
func NewSSEParser(flowID string, eventsCh chan *store.Event) *SSEParser {
	return &SSEParser{
		flowID:   flowID,
		eventsCh: eventsCh,
		doneCh:   make(chan struct{}),
	}
}

// NewSSEParserWithLogger creates an SSE parser that reports size-limit
// warnings through logger.
func NewSSEParserWithLogger(flowID string, eventsCh chan *store.Event, logger Logger) *SSEParser {
	return &SSEParser{
		flowID:   flowID,
		eventsCh: eventsCh,
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
}

// Parse reads SSE events from r and sends them to the events channel,
// returning when r is exhausted, an error occurs, or the per-flow event
// limit is reached.
func (p *SSEParser) Parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 256*1024)
	scanner.Buffer(buf, maxLineSize)

	var eventType, lastID string
	var retry *int
	var dataLines []string
	var accumulatedSize int
	var eventCount int

	flush := func() {
		if len(dataLines) == 0 {
			return
		}
		data := strings.Join(dataLines, "\n")
		p.emitEvent(eventType, lastID, retry, data, accumulatedSize > maxEventDataSize)
		eventCount++
		eventType = ""
		retry = nil
		dataLines = nil
		accumulatedSize = 0
	}

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			flush()
			if eventCount >= maxEventsPerFlow {
				if p.logger != nil {
					p.logger.Warn("SSE event count limit reached", "flow_id", p.flowID, "limit", maxEventsPerFlow)
				}
				break
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "id:"):
			lastID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "retry:"):
			if v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "retry:"))); err == nil {
				retry = &v
			}
		case strings.HasPrefix(line, "data:"):
			dataLine := strings.TrimPrefix(line, "data:")
			dataLine = strings.TrimPrefix(dataLine, " ")
			if accumulatedSize < maxEventDataSize {
				dataLines = append(dataLines, dataLine)
			}
			accumulatedSize += len(dataLine) + 1
			if accumulatedSize > maxEventDataSize && p.logger != nil {
				p.logger.Warn("SSE event exceeds size limit, truncating", "flow_id", p.flowID, "size", accumulatedSize, "limit", maxEventDataSize)
			}
		}
		// Lines starting with ":" are comments, ignored.
	}

	// Handle a final event with no trailing blank line.
	flush()

	close(p.doneCh)
	return scanner.Err()
}

// emitEvent builds and sends a store.Event for one completed SSE record.
// data is kept as the raw joined string: interpreting it as JSON or any
// other payload shape is a dashboard concern, not the parser's.
func (p *SSEParser) emitEvent(eventType, id string, retry *int, data string, truncated bool) {
	event := &store.Event{
		EventID:   uuid.New().String(),
		FlowID:    p.flowID,
		Event:     eventType,
		ID:        id,
		Retry:     retry,
		Data:      data,
		Timestamp: time.Now(),
	}
	if truncated {
		event.Data = data + "\n[truncated]"
	}

	select {
	case p.eventsCh <- event:
	case <-p.doneCh:
	}
}

// Done returns a channel closed once parsing has completed.
func (p *SSEParser) Done() <-chan struct{} {
	return p.doneCh
}

package parser

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/google/uuid"

	"github.com/siphonhq/siphon/internal/store"
)

// bedrockMaxBuffer bounds how much undecoded tail is held between writes,
// guarding against a frame whose declared length never arrives.
const bedrockMaxBuffer = 4 << 20 // 4MB

// BedrockParser incrementally decodes AWS's binary event-stream framing
// (4-byte total length + 4-byte headers length + prelude CRC + headers +
// payload + message CRC) used by Bedrock's invoke-with-response-stream API.
// Frames are only decoded once the full length declared in their prelude has
// been buffered; partial frames are held across Write calls.
type BedrockParser struct {
	flowID   string
	eventsCh chan *store.Event
	doneCh   chan struct{}
	buf      bytes.Buffer
}

// NewBedrockParser creates a Bedrock event-stream parser for a flow.
func NewBedrockParser(flowID string, eventsCh chan *store.Event) *BedrockParser {
	return &BedrockParser{
		flowID:   flowID,
		eventsCh: eventsCh,
		doneCh:   make(chan struct{}),
	}
}

// Write appends newly received bytes and decodes every complete frame now
// available in the buffer.
func (p *BedrockParser) Write(chunk []byte) error {
	p.buf.Write(chunk)

	for {
		data := p.buf.Bytes()
		if len(data) < 4 {
			break
		}
		totalLen := binary.BigEndian.Uint32(data[:4])
		if totalLen < 16 || uint64(totalLen) > uint64(bedrockMaxBuffer) {
			// Corrupt or hostile length prefix: drop everything buffered so far
			// rather than spin forever waiting for bytes that will never fit.
			p.buf.Reset()
			return nil
		}
		if uint32(len(data)) < totalLen {
			if p.buf.Len() > bedrockMaxBuffer {
				p.buf.Reset()
			}
			break
		}

		frame := data[:totalLen]
		p.decodeFrame(frame)

		remaining := make([]byte, len(data)-int(totalLen))
		copy(remaining, data[totalLen:])
		p.buf.Reset()
		p.buf.Write(remaining)
	}
	return nil
}

// decodeFrame decodes one complete event-stream message and, if it carries
// an Anthropic-shaped JSON payload, emits it as a store.Event.
func (p *BedrockParser) decodeFrame(frame []byte) {
	decoder := eventstream.NewDecoder()
	msg, err := decoder.Decode(bytes.NewReader(frame), nil)
	if err != nil {
		return
	}

	messageType := headerString(msg.Headers, ":message-type")
	eventType := headerString(msg.Headers, ":event-type")
	if messageType == "" {
		messageType = "event"
	}
	if messageType == "exception" {
		excType := headerString(msg.Headers, ":exception-type")
		p.emit("exception:"+excType, string(msg.Payload))
		return
	}

	var payload struct {
		Bytes string `json:"bytes"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Bytes == "" {
		// Not a {bytes: base64} envelope; pass the raw payload through as-is.
		p.emit(eventType, string(msg.Payload))
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(payload.Bytes)
	if err != nil {
		decoded, err = base64.URLEncoding.DecodeString(payload.Bytes)
		if err != nil {
			return
		}
	}

	p.emit(eventType, string(decoded))
}

func headerString(headers eventstream.Headers, name string) string {
	for _, h := range headers {
		if h.Name == name {
			if s, ok := h.Value.Get().(string); ok {
				return s
			}
		}
	}
	return ""
}

func (p *BedrockParser) emit(eventType, data string) {
	event := &store.Event{
		EventID:   uuid.New().String(),
		FlowID:    p.flowID,
		Event:     eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
	select {
	case p.eventsCh <- event:
	case <-p.doneCh:
	}
}

// Close signals that no further bytes will arrive.
func (p *BedrockParser) Close() {
	close(p.doneCh)
}

// Done returns a channel closed once Close has been called.
func (p *BedrockParser) Done() <-chan struct{} {
	return p.doneCh
}

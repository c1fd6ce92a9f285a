package bridge

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed frame payload (64 MiB). Documents
// travel inline, so the limit is larger than a typical control protocol's.
const MaxMessageSize = 64 << 20

// frameReserve is the share of a frame kept for everything except the
// document itself: request fields, collected log lines, JSON syntax.
const frameReserve = 4 << 20

// MaxDocumentSize is the largest input or output document that fits in a
// frame once base64-encoded.
const MaxDocumentSize = (MaxMessageSize - frameReserve) / 4 * 3

// ErrMessageTooLarge reports a frame larger than MaxMessageSize. Nothing is
// written to the connection when WriteMessage returns it.
var ErrMessageTooLarge = errors.New("message too large")

// Request types.
const (
	TypeConvert = "convert"
	TypePing    = "ping"
)

// Agent→host message types.
const (
	MsgTypeLog    = "log"
	MsgTypeResult = "result"
)

// Request is the payload sent from host to agent.
type Request struct {
	Type          string `json:"type"`
	Filename      string `json:"filename,omitempty"`
	SourceFormat  string `json:"source_format,omitempty"`
	TargetFormat  string `json:"target_format,omitempty"`
	FilterOptions string `json:"filter_options,omitempty"`
	Input         []byte `json:"input,omitempty"`
	TimeoutS      int    `json:"timeout_s,omitempty"`
}

// Response is the final payload of a request. A non-empty Error means the
// agent handled the request but the conversion failed.
type Response struct {
	Output     []byte   `json:"output,omitempty"`
	Error      string   `json:"error,omitempty"`
	DurationMS int      `json:"duration_ms"`
	LogLines   []string `json:"log_lines,omitempty"`
}

// Message is the envelope for all agent→host frames. While a conversion runs
// the agent sends converter output with Type="log"; it finishes with exactly
// one Type="result" message.
type Message struct {
	Type     string    `json:"type"`
	Line     string    `json:"line,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: size %d exceeds maximum %d", ErrMessageTooLarge, len(data), MaxMessageSize)
	}

	// One write per frame keeps concurrent writers on a shared conn from
	// interleaving prefix and payload.
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("%w: size %d exceeds maximum %d", ErrMessageTooLarge, length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}

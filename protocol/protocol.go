// Package protocol defines the wire grammar the bridge and Transport
// Endpoint use to multiplex terminal bytes with control messages over a
// stream-oriented connection (WebSocket today; the framing is transport
// agnostic).
package protocol

import "encoding/json"

// FrameKind distinguishes a raw byte frame from a parsed control message at
// the bridge boundary. Binary frames and TEXT frames that don't parse as a
// JSON object carry raw PTY bytes; TEXT frames beginning with '{' are
// control messages.
type FrameKind int

const (
	FrameBinary FrameKind = iota
	FrameText
)

const (
	// MaxFrameBytes is the largest single frame the bridge accepts in either
	// direction; exceeding it is a security violation (close code 4011).
	MaxFrameBytes = 64 * 1024

	// DownstreamReadBuffer is the default PTY read buffer size.
	DownstreamReadBuffer = 8 * 1024

	// CoalesceWindowMillis bounds how long the downstream pump waits for a
	// follow-up PTY read before flushing a frame, and CoalesceMaxBytes bounds
	// the coalesced payload.
	CoalesceWindowMillis = 2
	CoalesceMaxBytes     = 32 * 1024

	// PumpChannelCapacity is the bounded channel depth between raw read and
	// frame emission in each direction.
	PumpChannelCapacity = 16

	// BadFrameWindowSeconds / BadFrameLimit govern control-frame-flood
	// detection: more than BadFrameLimit malformed control frames within
	// BadFrameWindowSeconds terminates the session as a security violation.
	BadFrameWindowSeconds = 10
	BadFrameLimit         = 16

	// HeartbeatIntervalSeconds / HeartbeatMissLimit govern bridge liveness:
	// a ping is sent every HeartbeatIntervalSeconds; HeartbeatMissLimit consecutive missed
	// pongs close the bridge.
	HeartbeatIntervalSeconds = 30
	HeartbeatMissLimit       = 2
)

// Close codes used on the stream transport.
const (
	CloseNormal            = 1000
	CloseInvalidSession    = 4001
	CloseNotAttachable     = 4003
	CloseIdleTimeout       = 4008
	CloseSecurityViolation = 4011
)

// ControlMessage is the client->server control envelope. Exactly one of its
// fields is populated per message; Resize is the only recognized client
// control kind today.
type ControlMessage struct {
	Resize *ResizePayload `json:"resize,omitempty"`
}

// ResizePayload is a 2-element [cols, rows] array on the wire, e.g.
// {"resize":[132,40]}. It implements json.Unmarshaler/Marshaler to keep that
// exact array shape instead of an object.
type ResizePayload struct {
	Cols int
	Rows int
}

func (r *ResizePayload) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	r.Cols, r.Rows = pair[0], pair[1]
	return nil
}

func (r ResizePayload) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{r.Cols, r.Rows})
}

// ServerMessage is the server->client legacy text-path envelope, used for
// transports that don't negotiate binary frames (the "/ws" mode).
type ServerMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

const (
	ServerMsgPtyOutput       = "pty_output"
	ServerMsgExitInteractive = "exit_interactive"
)

func NewPtyOutputMessage(data string) ServerMessage {
	return ServerMessage{Type: ServerMsgPtyOutput, Data: data}
}

func NewExitInteractiveMessage() ServerMessage {
	return ServerMessage{Type: ServerMsgExitInteractive}
}

// ParseControlMessage attempts to parse a text frame's payload as a control
// message. It returns ok=false (not an error) for any text frame that
// doesn't start with '{'; those are raw UTF-8 PTY bytes, not a protocol
// violation.
func ParseControlMessage(payload []byte) (msg ControlMessage, ok bool, err error) {
	trimmed := trimLeadingSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ControlMessage{}, false, nil
	}
	if uerr := json.Unmarshal(trimmed, &msg); uerr != nil {
		return ControlMessage{}, true, uerr
	}
	return msg, true, nil
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\r', '\n':
			i++
			continue
		}
		break
	}
	return b[i:]
}

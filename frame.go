package toolwire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FrameType discriminates the kind of a wire frame.
type FrameType string

// Frame types exchanged over the connection.
const (
	FrameWelcome      FrameType = "welcome"
	FrameToolCall     FrameType = "tool_call"
	FrameToolResponse FrameType = "tool_response"
	FrameEvent        FrameType = "event"
	FrameError        FrameType = "error"
	FramePing         FrameType = "ping"
	FramePong         FrameType = "pong"
)

// Frame is one discrete message unit exchanged over the persistent connection.
// Each frame is a single JSON object carried in one websocket text message; which
// optional fields are populated depends on Type.
//
// A tool_call carries Tool, RequestID and Args. A tool_response carries RequestID,
// Success, and either Data or Error. An event carries Event and Data. Error frames
// not tied to a call carry Error and optionally Data.
type Frame struct {
	Type FrameType `json:"type"`

	Tool      string          `json:"tool,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`

	Success *bool           `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`

	Event string `json:"event,omitempty"`
}

// decodeFrame parses a raw inbound frame. A frame without a type field is
// malformed; callers are expected to log and drop such frames rather than
// surface the error to any pending call.
func decodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(bytes.TrimSpace(raw), &f); err != nil {
		return Frame{}, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("frame missing type field")
	}
	return f, nil
}

// encodeFrame serializes a frame for the wire.
func encodeFrame(f Frame) ([]byte, error) {
	bs, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	return bs, nil
}

// succeeded reports whether a tool_response frame carries a success result.
func (f Frame) succeeded() bool {
	return f.Success != nil && *f.Success
}

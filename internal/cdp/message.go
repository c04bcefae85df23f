package cdp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Request is an outbound command frame
type Request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Response answers the Request with the same ID
type Response struct {
	ID     int64
	Result json.RawMessage
	Error  *ProtocolError
}

// Event is an unsolicited notification from the target
type Event struct {
	Method string
	Params json.RawMessage
}

// Inbound is a decoded frame. Exactly one of Response and Event is set.
type Inbound struct {
	Response *Response
	Event    *Event
}

// ProtocolError is the error payload returned by the target for a command
type ProtocolError struct {
	Method  string `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("cdp %s failed: %s (code %d)", e.Method, e.Message, e.Code)
}

var errEmptyFrame = errors.New("frame has neither id nor method")

type wireFrame struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *ProtocolError  `json:"error"`
}

// DecodeInbound parses a frame. A frame carrying an id is a Response, otherwise an Event.
func DecodeInbound(data []byte) (Inbound, error) {
	var f wireFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return Inbound{}, fmt.Errorf("failed to decode frame: %w", err)
	}

	if f.ID != nil {
		return Inbound{Response: &Response{ID: *f.ID, Result: f.Result, Error: f.Error}}, nil
	}
	if f.Method != "" {
		return Inbound{Event: &Event{Method: f.Method, Params: f.Params}}, nil
	}
	return Inbound{}, errEmptyFrame
}

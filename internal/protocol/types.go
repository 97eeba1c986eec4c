// Package protocol defines the wire shapes exchanged between the producer
// and the executor: tool-call requests, tool responses, and the upstream
// event they originate from.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Arguments is a tagged variant for tool-call arguments. Upstream events may
// carry arguments as a JSON object or as string-encoded JSON; object-shaped
// inputs are never round-tripped through a string.
type Arguments struct {
	Object map[string]interface{}
	Raw    string
}

// IsObject reports whether the arguments decoded to a JSON object.
func (a *Arguments) IsObject() bool { return a.Object != nil }

// UnmarshalJSON accepts an object, a string (which is itself parsed as JSON
// when possible), or anything else as raw text.
func (a *Arguments) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*a = Arguments{}
		return nil
	}

	if data[0] == '{' {
		return json.Unmarshal(data, &a.Object)
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		// String-encoded JSON object is the common upstream encoding.
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(s), &obj); err == nil {
			a.Object = obj
			return nil
		}
		a.Raw = s
		return nil
	}

	a.Raw = string(data)
	return nil
}

// MarshalJSON emits the object form when present, otherwise the raw string.
func (a Arguments) MarshalJSON() ([]byte, error) {
	if a.Object != nil {
		return json.Marshal(a.Object)
	}
	return json.Marshal(a.Raw)
}

// String returns a field value from object-shaped arguments.
func (a *Arguments) String(field string) (string, bool) {
	if a.Object == nil {
		return "", false
	}
	v, ok := a.Object[field].(string)
	return v, ok
}

// Bool returns a boolean field, or def when absent.
func (a *Arguments) Bool(field string, def bool) bool {
	if a.Object == nil {
		return def
	}
	if v, ok := a.Object[field].(bool); ok {
		return v
	}
	return def
}

// Number returns a numeric field, or def when absent or non-numeric.
func (a *Arguments) Number(field string, def float64) float64 {
	if a.Object == nil {
		return def
	}
	switch v := a.Object[field].(type) {
	case float64:
		return v
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

// FunctionCall names the tool and carries its arguments.
type FunctionCall struct {
	Name      string    `json:"name"`
	Arguments Arguments `json:"arguments"`
}

// ToolCall wraps the function call the way upstream events do.
type ToolCall struct {
	Function FunctionCall `json:"function"`
}

// Event is a single upstream SSE event.
type Event struct {
	ID         string    `json:"id"`
	CreateTime string    `json:"create_time,omitempty"`
	ToolCall   *ToolCall `json:"tool_call,omitempty"`
	CallbackID string    `json:"callback_id,omitempty"`
}

// ToolRequest is the frame the producer sends on a channel.
type ToolRequest struct {
	ID       string   `json:"id"`
	ToolCall ToolCall `json:"tool_call"`
}

// ToolResponse is the frame the executor sends back. Error is the value-shaped
// tool failure; a non-empty Error with a nil Result is still a delivered
// outcome and the cursor advances.
type ToolResponse struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result"`
	Error  string      `json:"error,omitempty"`
}

// Delivered reports whether the response represents a completed exchange,
// true for both success and tool-level failure.
func (r *ToolResponse) Delivered() bool { return r != nil }

// Failure builds the value-shaped error response for a request.
func Failure(id string, err error) *ToolResponse {
	return &ToolResponse{ID: id, Result: nil, Error: err.Error()}
}

// RequestFromEvent converts an upstream event into the minimal channel frame.
func RequestFromEvent(ev *Event) (*ToolRequest, error) {
	if ev.ToolCall == nil {
		return nil, fmt.Errorf("protocol: event %s has no tool_call", ev.ID)
	}
	return &ToolRequest{ID: ev.ID, ToolCall: *ev.ToolCall}, nil
}

package transport

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/twin/internal/value"
)

// Message is one wire envelope: a request (Method and ID), a notification
// (Method, no ID) or a response (ID, Result or Error).
type Message struct {
	ID     uint64
	Method string
	Params value.Object
	Result value.Value
	Error  *WireError
}

// WireError is the error member of a response envelope.
type WireError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// IsRequest reports whether m expects a response.
func (m Message) IsRequest() bool { return m.Method != "" && m.ID != 0 }

// IsNotification reports whether m is fire-and-forget.
func (m Message) IsNotification() bool { return m.Method != "" && m.ID == 0 }

// IsResponse reports whether m answers an earlier request.
func (m Message) IsResponse() bool { return m.Method == "" && m.ID != 0 }

// Err converts a response's error member into a *RemoteError, or nil.
func (m Message) Err(method string) error {
	if m.Error == nil {
		return nil
	}
	return &RemoteError{Method: method, Code: m.Error.Code, Message: m.Error.Message}
}

// Request builds a request envelope.
func Request(id uint64, method string, params value.Object) Message {
	return Message{ID: id, Method: method, Params: params}
}

// Notification builds a fire-and-forget envelope.
func Notification(method string, params value.Object) Message {
	return Message{Method: method, Params: params}
}

// Response builds the answer to request id from a handler's return values.
func Response(id uint64, result value.Value, err error) Message {
	if err != nil {
		return Message{ID: id, Error: toWireError(err)}
	}
	if result == nil {
		result = value.Null{}
	}
	return Message{ID: id, Result: result}
}

type wireMessage struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// Encode serializes m. Object keys are emitted in sorted order, so equal
// messages encode to equal bytes.
func Encode(m Message) ([]byte, error) {
	w := wireMessage{ID: m.ID, Method: m.Method, Error: m.Error}

	if m.Params != nil {
		p, err := m.Params.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		w.Params = p
	}
	if m.Result != nil && m.Error == nil {
		r, err := value.Marshal(m.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		w.Result = r
	}

	return json.Marshal(w)
}

// Decode parses one envelope.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}

	m := Message{ID: w.ID, Method: w.Method, Error: w.Error}
	if len(w.Params) > 0 {
		if err := m.Params.UnmarshalJSON(w.Params); err != nil {
			return Message{}, fmt.Errorf("decode params: %w", err)
		}
	}
	if len(w.Result) > 0 {
		r, err := value.Parse(w.Result)
		if err != nil {
			return Message{}, fmt.Errorf("decode result: %w", err)
		}
		m.Result = r
	} else if m.IsResponse() && m.Error == nil {
		m.Result = value.Null{}
	}

	if m.Method == "" && m.ID == 0 {
		return Message{}, fmt.Errorf("decode envelope: neither method nor id present")
	}
	return m, nil
}

// Package domain contains wire and status types without logic, just meta-data.
package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const JSONRPCVersion = "2.0"

// Standard and relay specific JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeAuthFailed     = -32002
)

// Message is any JSON-RPC 2.0 frame: a request, a notification or a response.
//
// ID holds the request id as text. Numeric ids arrive as their literal
// ("7") and are written back as numbers by replies built with Reply and
// ReplyError.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`

	numericID bool
}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

var errInvalidID = errors.New("id must be a string or a number")

func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		JSONRPC: m.JSONRPC,
		Method:  m.Method,
		Params:  m.Params,
		Result:  m.Result,
		Error:   m.Error,
	}
	switch {
	case m.ID == "":
	case m.numericID:
		w.ID = json.RawMessage(m.ID)
	default:
		raw, err := json.Marshal(m.ID)
		if err != nil {
			return nil, err
		}
		w.ID = raw
	}
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*m = Message{
		JSONRPC: w.JSONRPC,
		Method:  w.Method,
		Params:  w.Params,
		Result:  w.Result,
		Error:   w.Error,
	}
	raw := bytes.TrimSpace(w.ID)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '"':
		if err := json.Unmarshal(raw, &m.ID); err != nil {
			return err
		}
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return errInvalidID
		}
		m.ID, m.numericID = n.String(), true
	}
	return nil
}

// NumericID reports whether the id arrived as a JSON number.
func (m *Message) NumericID() bool { return m.numericID }

// IsResponse reports whether the frame answers a request we issued.
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != ""
}

// IsRequest reports whether the frame is a server-initiated call.
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request frame with a fresh process-unique id.
func NewRequest(method string, params any) (*Message, error) {
	msg := &Message{
		JSONRPC: JSONRPCVersion,
		ID:      uuid.NewString(),
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewResult builds a success response for id.
func NewResult(id string, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: id, Result: raw}, nil
}

// Reply builds a success response to m, echoing its id in the form it came in.
func (m *Message) Reply(result any) (*Message, error) {
	out, err := NewResult(m.ID, result)
	if err != nil {
		return nil, err
	}
	out.numericID = m.numericID
	return out, nil
}

// ReplyError builds an error response to m.
func (m *Message) ReplyError(code int, message string) *Message {
	out := NewErrorResult(m.ID, code, message)
	out.numericID = m.numericID
	return out
}

// NewErrorResult builds an error response for id.
func NewErrorResult(id string, code int, message string) *Message {
	return &Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

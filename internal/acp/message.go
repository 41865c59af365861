// Package acp implements the wire envelope of the Agent Client Protocol:
// newline-delimited JSON-RPC 2.0 messages exchanged with a coding-agent
// subprocess over stdio.
package acp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the JSON-RPC version tag carried by every message.
const Version = "2.0"

// Standard JSON-RPC error codes, plus the bridge-local policy code.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// CodeToolDenied is synthesized by the host when a tools/call names a
	// tool outside the allow-list. It is a protocol-level negative result,
	// not a transport failure.
	CodeToolDenied = -32001
)

// Kind discriminates the three message shapes. The shape is decided once
// when a wire line is decoded and never re-inferred from field presence.
type Kind int

const (
	// KindRequest carries an id and a method and expects a response.
	KindRequest Kind = iota + 1
	// KindNotification carries a method but no id.
	KindNotification
	// KindResponse carries an id and a result or error, but no method.
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Message is one decoded ACP envelope. Exactly one Kind applies; fields
// not meaningful for that kind are zero.
type Message struct {
	Kind   Kind
	ID     json.RawMessage
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Err    *Error
}

// ErrMalformed reports a line that is valid JSON but no recognizable
// JSON-RPC shape.
var ErrMalformed = errors.New("malformed json-rpc message")

type wire struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func hasID(id json.RawMessage) bool {
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// Decode parses a single wire line into a Message, classifying its Kind.
func Decode(data []byte) (Message, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, err
	}
	switch {
	case w.Method != "" && hasID(w.ID):
		return Message{Kind: KindRequest, ID: w.ID, Method: w.Method, Params: w.Params}, nil
	case w.Method != "":
		return Message{Kind: KindNotification, Method: w.Method, Params: w.Params}, nil
	case hasID(w.ID) && (w.Result != nil || w.Error != nil):
		return Message{Kind: KindResponse, ID: w.ID, Result: w.Result, Err: w.Error}, nil
	default:
		return Message{}, ErrMalformed
	}
}

// Encode renders a Message back to its flat wire form.
func (m Message) Encode() ([]byte, error) {
	w := wire{JSONRPC: Version}
	switch m.Kind {
	case KindRequest:
		w.ID, w.Method, w.Params = m.ID, m.Method, m.Params
	case KindNotification:
		w.Method, w.Params = m.Method, m.Params
	case KindResponse:
		w.ID, w.Result, w.Error = m.ID, m.Result, m.Err
		if w.Result == nil && w.Error == nil {
			w.Result = json.RawMessage(`{}`)
		}
	default:
		return nil, fmt.Errorf("cannot encode message of %s", m.Kind)
	}
	return json.Marshal(w)
}

// NewResponse builds a success response for the given request id.
func NewResponse(id, result json.RawMessage) Message {
	if result == nil {
		result = json.RawMessage(`{}`)
	}
	return Message{Kind: KindResponse, ID: id, Result: result}
}

// NewError builds an error response for the given request id.
func NewError(id json.RawMessage, code int, message string) Message {
	return Message{Kind: KindResponse, ID: id, Err: &Error{Code: code, Message: message}}
}

// IDKey returns a canonical map key for a request id. String and numeric
// ids that render identically on the wire map to distinct keys.
func IDKey(id json.RawMessage) string {
	return string(id)
}

// SessionStartMethods are the ACP calls that open or re-open a coding
// session and therefore carry session configuration.
var SessionStartMethods = map[string]bool{
	"session/new":    true,
	"session/load":   true,
	"session/resume": true,
}

// IsSessionStart reports whether method opens or re-opens a session.
func IsSessionStart(method string) bool { return SessionStartMethods[method] }

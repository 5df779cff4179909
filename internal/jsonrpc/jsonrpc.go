// ABOUTME: JSON-RPC 2.0 envelope parsing and response construction for the broker.
// ABOUTME: Defines the broker's error code taxonomy returned to clients.

package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only protocol version the broker speaks.
const Version = "2.0"

// Broker error codes. The standard JSON-RPC codes keep their usual meaning;
// the -320xx range is broker-specific.
const (
	// CodeToolNotFound is returned when the requested tool name is not in
	// the agent's catalog (JSON-RPC "method not found").
	CodeToolNotFound = -32601

	// CodeInvalidParams is returned for malformed or incomplete request
	// parameters.
	CodeInvalidParams = -32602

	// CodeInternalError is returned for unclassified broker failures,
	// including a call that outlived its deadline.
	CodeInternalError = -32603

	// CodeServerUnavailable is returned when the target provider resolved
	// but is not currently connected.
	CodeServerUnavailable = -32001

	// CodeForwardFailed is returned when writing the message to the
	// provider's transport failed.
	CodeForwardFailed = -32002
)

// ErrInvalidMessage indicates the payload is not a JSON-RPC 2.0 envelope.
var ErrInvalidMessage = errors.New("invalid JSON-RPC message")

// Message is a decoded JSON-RPC 2.0 envelope. A request carries Method (and
// ID unless it is a notification); a reply carries Result or Error. The ID,
// Params, and Result fields stay raw so the broker can relay payloads
// verbatim while rewriting only the ID.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Decode parses data into a Message. It returns ErrInvalidMessage when the
// payload is not JSON or does not declare protocol version 2.0.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.JSONRPC != Version {
		return nil, fmt.Errorf("%w: version %q", ErrInvalidMessage, msg.JSONRPC)
	}
	return &msg, nil
}

// Encode serializes the message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// IsRequest reports whether the message is a request expecting a reply.
func (m *Message) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0 && !m.idIsNull()
}

// IsNotification reports whether the message is a request without an ID.
func (m *Message) IsNotification() bool {
	return m.Method != "" && (len(m.ID) == 0 || m.idIsNull())
}

// IsReply reports whether the message is a response to an earlier request.
func (m *Message) IsReply() bool {
	return m.Method == "" && (len(m.Result) > 0 || m.Error != nil)
}

func (m *Message) idIsNull() bool {
	return string(m.ID) == "null"
}

// IDString extracts the ID as a plain string. Forwarded IDs synthesized by
// the broker are always JSON strings; anything else returns false.
func (m *Message) IDString() (string, bool) {
	if len(m.ID) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err != nil {
		return "", false
	}
	return s, true
}

// StringID renders s as a raw JSON string ID suitable for Message.ID.
func StringID(s string) json.RawMessage {
	id, _ := json.Marshal(s)
	return id
}

// NewResult builds a success response carrying v, addressed with id.
func NewResult(id json.RawMessage, v any) (*Message, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: normalizeID(id), Result: raw}, nil
}

// NewError builds an error response addressed with id.
func NewError(id json.RawMessage, code int, message string) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      normalizeID(id),
		Error:   &Error{Code: code, Message: message},
	}
}

// NewRequest builds a request with a string ID.
func NewRequest(id, method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: Version, ID: StringID(id), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params: %w", err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// normalizeID keeps responses addressable even when the request ID was
// missing: JSON-RPC requires an explicit null in that case.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

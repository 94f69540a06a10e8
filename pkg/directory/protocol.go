// Package directory resolves peer identifiers to peer records over a
// WebSocket directory service, and announces this node's own record.
package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/saintparish4/unl/pkg/types"
)

// MessageType identifies the type of directory message
type MessageType string

const (
	// Client -> Server messages
	MessageTypeAnnounce  MessageType = "ANNOUNCE"  // Publish or refresh a record
	MessageTypeLookup    MessageType = "LOOKUP"    // Resolve a peer id
	MessageTypeBootstrap MessageType = "BOOTSTRAP" // Ask for some known records

	// Server -> Client messages
	MessageTypeRecord   MessageType = "RECORD"    // Response to LOOKUP
	MessageTypePeerList MessageType = "PEER_LIST" // Response to BOOTSTRAP
	MessageTypeAck      MessageType = "ACK"
	MessageTypeError    MessageType = "ERROR"
)

// Message is the envelope for every directory message
type Message struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	PeerID    string          `json:"peer_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // Unix milliseconds
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType) *Message {
	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (m *Message) WithPeerID(id string) *Message {
	m.PeerID = id
	return m
}

func (m *Message) WithRequestID(id string) *Message {
	m.RequestID = id
	return m
}

// WithPayload sets the payload from any serializable value
func (m *Message) WithPayload(v any) *Message {
	data, err := json.Marshal(v)
	if err != nil {
		m.Payload = json.RawMessage(fmt.Sprintf(`{"error":"marshal failed: %v"}`, err))
		return m
	}
	m.Payload = data
	return m
}

// ParsePayload unmarshals the message payload into v
func (m *Message) ParsePayload(v any) error {
	if m.Payload == nil {
		return errors.New("message has no payload")
	}
	return json.Unmarshal(m.Payload, v)
}

// BootstrapPayload is sent with BOOTSTRAP messages
type BootstrapPayload struct {
	Limit int `json:"limit"`
}

// PeerListPayload is sent in response to BOOTSTRAP
type PeerListPayload struct {
	Peers []types.PeerRecord `json:"peers"`
}

// ErrorPayload provides error details
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for ErrorPayload
const (
	ErrorCodeInvalidMessage = "INVALID_MESSAGE"
	ErrorCodePeerNotFound   = "PEER_NOT_FOUND"
	ErrorCodeInternal       = "INTERNAL_ERROR"
)

// NewErrorMessage creates an error message
func NewErrorMessage(code, message string) *Message {
	return NewMessage(MessageTypeError).WithPayload(ErrorPayload{
		Code:    code,
		Message: message,
	})
}

// AckPayload confirms a request, or greets a new connection
type AckPayload struct {
	Message string `json:"message,omitempty"`
}

// ServerError is an ERROR reply
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("directory: %s: %s", e.Code, e.Message)
}

// Unwrap maps PEER_NOT_FOUND onto types.ErrNotFound
func (e *ServerError) Unwrap() error {
	if e.Code == ErrorCodePeerNotFound {
		return types.ErrNotFound
	}
	return nil
}

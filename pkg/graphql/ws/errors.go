package ws

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage is returned when a frame is not valid JSON or has no type.
	ErrMalformedMessage = errors.New("malformed operation message")

	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrHandshakeTimeout also matches ErrHandshakeFailed.
	ErrHandshakeTimeout = fmt.Errorf("%w: timed out waiting for %s", ErrHandshakeFailed, GQL_CONNECTION_ACK)

	// ErrConnectionFailed is the terminal error of a connection whose
	// socket could not be opened, or whose read or write loop failed.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrConnectionClosed is the terminal error after Close.
	ErrConnectionClosed = errors.New("connection closed")

	ErrInvalidDataPayload = errors.New("invalid data payload")
	ErrProtocolViolation  = errors.New("protocol violation")

	// ErrOutboundOverflow is returned by Send when the outbound queue is full.
	// Messages are never dropped silently.
	ErrOutboundOverflow = errors.New("outbound queue is full")

	// ErrServer matches every *ServerError.
	ErrServer = errors.New("server error")
)

// ServerError carries the payload of an error or connection_error message.
type ServerError struct {
	Type    MessageType
	ID      MessageID
	Payload json.RawMessage
}

// Detail returns the payload as text. A JSON string payload is unquoted,
// and an object with a message member yields that message.
func (e *ServerError) Detail() string {
	if len(e.Payload) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(e.Payload, &s); err == nil {
		return s
	}

	var withMessage struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Payload, &withMessage); err == nil && withMessage.Message != "" {
		return withMessage.Message
	}

	return string(e.Payload)
}

func (e *ServerError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("server sent %s: %s", e.Type, e.Detail())
	}

	return fmt.Sprintf("server sent %s for %s: %s", e.Type, e.ID, e.Detail())
}

func (e *ServerError) Unwrap() error {
	return ErrServer
}

func newServerError(op *OperationMessage) *ServerError {
	return &ServerError{
		Type:    op.Type,
		ID:      op.ID,
		Payload: op.Payload,
	}
}

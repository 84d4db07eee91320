package ws

import (
	"encoding/json"
	"fmt"
)

type MessageType string

const (
	GQL_CONNECTION_INIT       = MessageType("connection_init")
	GQL_CONNECTION_TERMINATE  = MessageType("connection_terminate")
	GQL_CONNECTION_ERROR      = MessageType("connection_error")
	GQL_CONNECTION_ACK        = MessageType("connection_ack")
	GQL_CONNECTION_KEEP_ALIVE = MessageType("connection_keep_alive")

	// most servers abbreviate keep-alive to "ka"
	GQL_CONNECTION_KEEP_ALIVE_SHORT = MessageType("ka")

	GQL_START    = MessageType("start")
	GQL_STOP     = MessageType("stop")
	GQL_DATA     = MessageType("data")
	GQL_ERROR    = MessageType("error")
	GQL_COMPLETE = MessageType("complete")
)

// IsKeepAlive reports whether t is either spelling of the keep-alive message.
func (t MessageType) IsKeepAlive() bool {
	return t == GQL_CONNECTION_KEEP_ALIVE || t == GQL_CONNECTION_KEEP_ALIVE_SHORT
}

type MessageID string

// OperationMessage is the wire envelope. Payload is kept raw until the
// type is known, see StartPayload, DataPayload and ErrorDetail.
type OperationMessage struct {
	Type MessageType `json:"type"`
	ID   MessageID   `json:"id,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

func (op *OperationMessage) String() string {
	if op.ID == "" {
		return fmt.Sprintf("{%s}", op.Type)
	}

	return fmt.Sprintf("{%s id=%s}", op.Type, op.ID)
}

type ConnectionParams map[string]interface{}

type OperationParams struct {
	Query         string
	OperationName string
	Variables     map[string]interface{}
	Extensions    map[string]interface{}
}

// StartPayload is the payload of a start message.
type StartPayload struct {
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables"`
	OperationName string                 `json:"operationName,omitempty"`
	Extensions    map[string]interface{} `json:"extensions"`
}

func (p OperationParams) payload() StartPayload {
	variables := p.Variables
	if variables == nil {
		variables = map[string]interface{}{}
	}

	extensions := p.Extensions
	if extensions == nil {
		extensions = map[string]interface{}{}
	}

	return StartPayload{
		Query:         p.Query,
		Variables:     variables,
		OperationName: p.OperationName,
		Extensions:    extensions,
	}
}

// Params converts a decoded start payload back into operation params.
func (p StartPayload) Params() OperationParams {
	return OperationParams{
		Query:         p.Query,
		OperationName: p.OperationName,
		Variables:     p.Variables,
		Extensions:    p.Extensions,
	}
}

type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// GraphQLError is a single entry of a response's errors list. These are
// execution errors reported alongside data, not transport failures.
type GraphQLError struct {
	Message    string                 `json:"message"`
	Locations  []Location             `json:"locations,omitempty"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// Response is the payload of a data message.
type Response struct {
	Data       map[string]interface{} `json:"data"`
	Errors     []GraphQLError         `json:"errors"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`

	raw json.RawMessage
}

// DecodeData unmarshals the data member into v.
func (r *Response) DecodeData(v interface{}) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}

	if err := json.Unmarshal(r.raw, &envelope); err != nil {
		return err
	}

	if len(envelope.Data) == 0 {
		return fmt.Errorf("response has no data")
	}

	return json.Unmarshal(envelope.Data, v)
}

func (r *Response) HasErrors() bool {
	return len(r.Errors) > 0
}

type MessageReader interface {
	ReadMessage() (int, []byte, error)
}

type MessageWriter interface {
	WriteMessage(int, []byte) error
}

type MessageReaderWriter interface {
	MessageReader
	MessageWriter

	Close() error
}

package ws

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Encode renders op as a text frame.
func Encode(op *OperationMessage) ([]byte, error) {
	return json.Marshal(op)
}

// Decode parses a text frame. Only the envelope is checked here, payloads
// are decoded on demand once the type is known.
func Decode(data []byte) (*OperationMessage, error) {
	var op OperationMessage

	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if op.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	if isNull(op.Payload) {
		op.Payload = nil
	}

	return &op, nil
}

func newMessage(typ MessageType, id MessageID, payload interface{}) (*OperationMessage, error) {
	op := &OperationMessage{Type: typ, ID: id}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", typ, err)
		}

		op.Payload = data
	}

	return op, nil
}

// NewStartMessage builds the start message for id.
func NewStartMessage(id MessageID, params OperationParams) (*OperationMessage, error) {
	return newMessage(GQL_START, id, params.payload())
}

// NewInitMessage builds connection_init, with params as payload when non-empty.
func NewInitMessage(params ConnectionParams) (*OperationMessage, error) {
	if len(params) == 0 {
		return &OperationMessage{Type: GQL_CONNECTION_INIT}, nil
	}

	return newMessage(GQL_CONNECTION_INIT, "", params)
}

// StartPayload decodes the payload of a start message.
func (op *OperationMessage) StartPayload() (*StartPayload, error) {
	if op.Type != GQL_START {
		return nil, fmt.Errorf("%w: %s has no start payload", ErrProtocolViolation, op.Type)
	}

	var payload StartPayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: start payload: %v", ErrMalformedMessage, err)
	}

	return &payload, nil
}

// DataPayload decodes the payload of a data message. The payload must be
// an object with a data or errors member.
func (op *OperationMessage) DataPayload() (*Response, error) {
	if op.Type != GQL_DATA {
		return nil, fmt.Errorf("%w: %s has no data payload", ErrProtocolViolation, op.Type)
	}

	if isNull(op.Payload) {
		return nil, fmt.Errorf("%w: %s has no payload", ErrInvalidDataPayload, op)
	}

	var members map[string]json.RawMessage
	if err := json.Unmarshal(op.Payload, &members); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDataPayload, op, err)
	}

	_, hasData := members["data"]
	_, hasErrors := members["errors"]
	if !hasData && !hasErrors {
		return nil, fmt.Errorf("%w: %s has neither data nor errors", ErrInvalidDataPayload, op)
	}

	var response Response
	if err := json.Unmarshal(op.Payload, &response); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDataPayload, op, err)
	}

	return &response, nil
}

// ErrorDetail returns the payload of an error or connection_error message as text.
func (op *OperationMessage) ErrorDetail() string {
	return newServerError(op).Detail()
}

func (r *Response) UnmarshalJSON(data []byte) error {
	type plain Response

	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	*r = Response(decoded)
	r.raw = append(json.RawMessage(nil), data...)

	if r.Errors == nil {
		r.Errors = []GraphQLError{}
	}

	return nil
}

func isNull(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// MessageType discriminates the four frame kinds on the wire.
type MessageType string

const (
	TypeRequest   MessageType = "request"
	TypeResponse  MessageType = "response"
	TypePush      MessageType = "push"
	TypeHeartbeat MessageType = "heartbeat"
)

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Push kinds emitted by a trader.
const (
	PushRegister = "register"
	PushAccount  = "account"
	PushOrder    = "order"
	PushTrade    = "trade"
	PushPosition = "position"
	PushTick     = "tick"
	PushAlarm    = "alarm"
)

// Message is the JSON envelope carried in every frame.
//
//	request:   {type, request_id, data:{type:<op>, data:<payload>}}
//	response:  {type, request_id, status, data|error}
//	push:      {type, data:{type:<kind>, data:<payload>}}
//	heartbeat: {type}
type Message struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Envelope is the inner {type, data} object of request and push frames.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Envelope decodes the message body as an inner envelope.
func (m *Message) Envelope() (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(m.Data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	return &env, nil
}

// NewRequest builds a request message for the given op.
func NewRequest(requestID, op string, payload any) (*Message, error) {
	data, err := marshalEnvelope(op, payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: TypeRequest, RequestID: requestID, Data: data}, nil
}

// NewSuccessResponse builds a success response echoing the request id.
func NewSuccessResponse(requestID string, result any) (*Message, error) {
	var data json.RawMessage
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal response data: %w", err)
		}
		data = raw
	}
	return &Message{Type: TypeResponse, RequestID: requestID, Status: StatusSuccess, Data: data}, nil
}

// NewErrorResponse builds an error response echoing the request id. Only the
// message text crosses the wire, never a stack trace.
func NewErrorResponse(requestID, errMsg string) *Message {
	return &Message{Type: TypeResponse, RequestID: requestID, Status: StatusError, Error: errMsg}
}

// NewPush builds a push message of the given kind.
func NewPush(kind string, payload any) (*Message, error) {
	data, err := marshalEnvelope(kind, payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: TypePush, Data: data}, nil
}

// NewHeartbeat builds a heartbeat frame.
func NewHeartbeat() *Message {
	return &Message{Type: TypeHeartbeat}
}

func marshalEnvelope(typ string, payload any) (json.RawMessage, error) {
	var inner json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal payload: %w", err)
		}
		inner = raw
	}
	env, err := json.Marshal(Envelope{Type: typ, Data: inner})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return env, nil
}

// WriteMessage marshals and writes one message as a frame. The caller
// serializes concurrent writes.
func WriteMessage(w io.Writer, msg *Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("protocol: marshal message: %w", err)
	}
	return WriteFrame(w, raw)
}

// ReadMessage reads and unmarshals one frame.
func ReadMessage(r io.Reader, maxSize uint32) (*Message, error) {
	raw, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("protocol: decode message: %w", err)
	}
	return &msg, nil
}

package types

import (
	"encoding/json"
	"errors"
	"strings"
)

// Control message types understood by the broker without a command handler.
const (
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
)

const (
	resultSuffix = "_result"
	errorSuffix  = "_error"
)

// Message is the single frame shape exchanged over a channel. Which fields
// are set decides what the frame means:
//
//	request      {type, payload?, requestId}
//	result       {type: "<type>_result", payload, requestId}
//	error        {type: "<type>_error", error, requestId}
//	subscribe    {type: "subscribe", topic}
//	unsubscribe  {type: "unsubscribe", topic}
//	push         {topic, payload}
type Message struct {
	Type      string          `json:"type,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// NewRequest builds a correlated request frame.
func NewRequest(command string, requestID ID, payload any) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: command, RequestID: requestID.String(), Payload: raw}, nil
}

// NewResult builds the success response for a request.
func NewResult(command, requestID string, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, WrapError(ErrCodeInternal, "failed to encode result", err)
	}
	return &Message{Type: command + resultSuffix, RequestID: requestID, Payload: raw}, nil
}

// NewErrorResult builds the error response for a request.
func NewErrorResult(command, requestID string, err error) *Message {
	return &Message{Type: command + errorSuffix, RequestID: requestID, Error: Describe(err)}
}

// NewPush builds a topic broadcast frame.
func NewPush(topic string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapError(ErrCodeInternal, "failed to encode push payload", err)
	}
	return &Message{Topic: topic, Payload: raw}, nil
}

// NewSubscribe builds a subscribe control frame.
func NewSubscribe(topic string) *Message {
	return &Message{Type: MessageTypeSubscribe, Topic: topic}
}

// NewUnsubscribe builds an unsubscribe control frame.
func NewUnsubscribe(topic string) *Message {
	return &Message{Type: MessageTypeUnsubscribe, Topic: topic}
}

// IsResponse reports whether m answers a correlated request.
func (m *Message) IsResponse() bool {
	if m.RequestID == "" {
		return false
	}
	return strings.HasSuffix(m.Type, resultSuffix) || strings.HasSuffix(m.Type, errorSuffix)
}

// IsErrorResponse reports whether m is an error response.
func (m *Message) IsErrorResponse() bool {
	return m.RequestID != "" && strings.HasSuffix(m.Type, errorSuffix)
}

// IsPush reports whether m is a topic broadcast.
func (m *Message) IsPush() bool {
	return m.Topic != "" && m.Type == "" && m.RequestID == ""
}

// Describe renders err for the wire: messages only, without error codes.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return e.Message + ": " + Describe(e.Err)
		}
		return e.Message
	}
	return err.Error()
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapError(ErrCodeInvalidArgument, "failed to encode payload", err)
	}
	return raw, nil
}

// Package websocket defines the wire protocol shared by the Agor daemon,
// browser clients, and executor processes: a JSON envelope carrying
// request/response pairs (correlated by id), server notifications, and
// errors.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType discriminates the envelope.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Message is the envelope for every frame. ID correlates a response with
// its request and is empty on notifications.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload is the payload of a MessageTypeError frame.
type ErrorPayload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SubscribePayload for subscribe/unsubscribe actions. Channel names come
// from internal/events (sessions:{id}, messages:{id}, tasks:{id},
// boards:{id}).
type SubscribePayload struct {
	Channel string `json:"channel"`
}

// NewRequest builds a request frame.
func NewRequest(id, action string, payload interface{}) (*Message, error) {
	return build(id, MessageTypeRequest, action, payload)
}

// NewResponse builds the response to a request frame.
func NewResponse(id, action string, payload interface{}) (*Message, error) {
	return build(id, MessageTypeResponse, action, payload)
}

// NewNotification builds a server push frame.
func NewNotification(action string, payload interface{}) (*Message, error) {
	return build("", MessageTypeNotification, action, payload)
}

// NewError builds an error frame answering a request.
func NewError(id, action, code, message string, details map[string]interface{}) (*Message, error) {
	return build(id, MessageTypeError, action, ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	})
}

func build(id string, messageType MessageType, action string, payload interface{}) (*Message, error) {
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = encoded
	}
	return &Message{
		ID:        id,
		Type:      messageType,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ParsePayload decodes the payload into v. A missing payload is not an
// error; v is left untouched.
func (m *Message) ParsePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

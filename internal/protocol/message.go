// Package protocol defines the push wire format: the message envelope, the
// typed event keys and the payload shapes carried by each event.
package protocol

import (
	"encoding/json"
)

// EventName identifies the kind of a push message.
type EventName string

// Message is the envelope for every push frame.
type Message struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// BatchWrapper is the wrapped form of several messages in one frame.
type BatchWrapper struct {
	Messages []Message `json:"messages"`
}

// ParseMessage parses a raw JSON message.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ParseMessages parses a frame that may be a single message, an array of
// messages, or a {"messages": [...]} wrapper.
func ParseMessages(data []byte) ([]*Message, error) {
	data = trimLeadingSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	switch data[0] {
	case '[':
		var msgs []Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, err
		}
		return pointers(msgs), nil

	case '{':
		var wrapper BatchWrapper
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return nil, err
		}
		if len(wrapper.Messages) > 0 {
			return pointers(wrapper.Messages), nil
		}
		msg, err := ParseMessage(data)
		if err != nil {
			return nil, err
		}
		return []*Message{msg}, nil

	default:
		return nil, nil
	}
}

// NewMessage creates a message with the given event name and payload.
func NewMessage(event EventName, data interface{}) (*Message, error) {
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	return &Message{
		Event: event,
		Data:  raw,
	}, nil
}

// Encode serializes a message to JSON.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func pointers(msgs []Message) []*Message {
	result := make([]*Message, len(msgs))
	for i := range msgs {
		result[i] = &msgs[i]
	}
	return result
}

func trimLeadingSpace(data []byte) []byte {
	for len(data) > 0 {
		switch data[0] {
		case ' ', '\t', '\r', '\n':
			data = data[1:]
		default:
			return data
		}
	}
	return data
}

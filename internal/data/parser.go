// internal/data/parser.go
package data

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode validates msg and wraps it in the {"type","payload"} envelope.
func Encode(msg Message) ([]byte, error) {
	if err := msg.validate(); err != nil {
		return nil, err
	}
	var body any = msg
	if s, ok := msg.(StatusMessage); ok {
		devices := s.Devices
		if devices == nil {
			devices = []DeviceStatus{}
		}
		body = devices
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msg.Kind(), err)
	}
	return json.Marshal(envelope{Type: msg.Kind(), Payload: payload})
}

// Parse decodes one wire frame. Every failure wraps ErrMalformedMessage.
func Parse(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, malformed(err.Error())
	}
	if len(env.Payload) == 0 || bytes.Equal(env.Payload, []byte("null")) {
		return nil, malformed("missing payload")
	}

	var (
		msg Message
		err error
	)
	switch env.Type {
	case TypeReading:
		msg, err = decode[ReadingMessage](env.Payload)
	case TypeError:
		msg, err = decode[ErrorMessage](env.Payload)
	case TypeStatus:
		var devices []DeviceStatus
		err = json.Unmarshal(env.Payload, &devices)
		msg = StatusMessage{Devices: devices}
	case TypeCommand:
		msg, err = decode[CommandMessage](env.Payload)
	case TypeCommandComplete:
		msg, err = decode[CommandCompleteMessage](env.Payload)
	case TypeCommandError:
		msg, err = decode[CommandErrorMessage](env.Payload)
	default:
		return nil, malformed(fmt.Sprintf("unknown message type %q", env.Type))
	}
	if err != nil {
		return nil, malformed(fmt.Sprintf("%s payload: %v", env.Type, err))
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

func decode[T Message](payload json.RawMessage) (Message, error) {
	var m T
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ABOUTME: Stateless JSON codec for wire messages.
// ABOUTME: Encode stamps the type tag; Decode dispatches on it and rejects malformed input.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed indicates the payload is not a JSON object with a string type tag.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType indicates a well-formed message with an unrecognised type tag.
	ErrUnknownType = errors.New("unknown message type")
)

// Encode serializes a message, setting its type tag.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	m.stamp()
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", m.Kind(), err)
	}
	return data, nil
}

// header is the part of every message needed to pick a concrete type.
type header struct {
	Type MessageType `json:"type"`
	Code ErrorCode   `json:"code"`
}

// Decode parses one wire message.
func Decode(data []byte) (Message, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var m Message
	switch h.Type {
	case TypeRegister:
		m = &Register{}
	case TypeRegisterAck:
		m = &RegisterAck{}
	case TypeHeartbeat:
		m = &Heartbeat{}
	case TypeTask:
		m = &Task{}
	case TypeResult:
		m = &Result{}
	case TypePing:
		m = &Ping{}
	case TypePong:
		m = &Pong{}
	case TypeCancel:
		m = &Cancel{}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, h.Type, err)
	}

	switch v := m.(type) {
	case *RegisterAck:
		v.ErrorCode = normalizeCode(v.ErrorCode, h.Code)
	case *Result:
		v.ErrorCode = normalizeCode(v.ErrorCode, h.Code)
	case *Task:
		if v.Params == nil {
			v.Params = Params{}
		}
	}
	return m, nil
}

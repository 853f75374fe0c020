package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Data channel message types.
const (
	TypePing = "ping"
	TypePong = "pong"
	TypeChat = "chat"
)

// Message represents all data channel messages exchanged between peers
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// ProbePayload is carried by ping and echoed back unchanged by pong
type ProbePayload struct {
	Seq    uint32 `msgpack:"seq"`
	SentAt int64  `msgpack:"sentAt"` // unix nanoseconds, sender's clock
}

// ChatPayload is a chat line
type ChatPayload struct {
	From   string `msgpack:"from"`
	Text   string `msgpack:"text"`
	SentAt int64  `msgpack:"sentAt"`
}

// DecodePayload decodes the message payload into the provided struct
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// NewMessage creates a new Message with the given type and payload
func NewMessage(t string, payload any) (Message, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Type:    t,
		Payload: b,
	}, nil
}

// Marshal serializes the message for the data channel
func (m Message) Marshal() ([]byte, error) {
	return msgpack.Marshal(m)
}

// Encode builds and serializes a message in one step
func Encode(t string, payload any) ([]byte, error) {
	msg, err := NewMessage(t, payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return msg.Marshal()
}

// Decode parses a raw data channel frame
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

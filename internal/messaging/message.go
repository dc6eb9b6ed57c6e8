package messaging

import (
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	TypeText = "text"
	TypeFile = "file"
)

// Message is one application message exchanged over peer data channels.
type Message struct {
	Type      string             `msgpack:"type"`
	Timestamp int64              `msgpack:"timestamp"` // unix millis
	From      string             `msgpack:"from"`
	Payload   msgpack.RawMessage `msgpack:"payload"`
}

type TextPayload struct {
	Text string `msgpack:"text"`
}

type FilePayload struct {
	Name     string `msgpack:"name"`
	MimeType string `msgpack:"mimeType"`
	Size     uint64 `msgpack:"size"`
	Data     []byte `msgpack:"data"`
}

// DecodePayload decodes the message payload into v.
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

func (m Message) Text() (string, error) {
	if m.Type != TypeText {
		return "", fmt.Errorf("%w: %q is not text", ErrUnexpectedType, m.Type)
	}
	var p TextPayload
	if err := m.DecodePayload(&p); err != nil {
		return "", fmt.Errorf("decode text: %w", err)
	}
	return p.Text, nil
}

func (m Message) File() (FilePayload, error) {
	if m.Type != TypeFile {
		return FilePayload{}, fmt.Errorf("%w: %q is not a file", ErrUnexpectedType, m.Type)
	}
	var p FilePayload
	if err := m.DecodePayload(&p); err != nil {
		return FilePayload{}, fmt.Errorf("decode file: %w", err)
	}
	return p, nil
}

// NewFilePayload wraps data, detecting its mime type from content.
func NewFilePayload(name string, data []byte) FilePayload {
	return FilePayload{
		Name:     name,
		MimeType: mimetype.Detect(data).String(),
		Size:     uint64(len(data)),
		Data:     data,
	}
}

func newMessage(t, from string, ts int64, payload any) (Message, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Timestamp: ts, From: from, Payload: b}, nil
}

// Package chunk splits arbitrary payloads into bounded binary frames and
// reassembles them on the receiving side, in any arrival order.
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// HeaderSize is the fixed frame prefix preceding the sender id.
//
//	0  messageId    uint16
//	2  senderIdLen  uint16
//	4  chunkNum     uint32
//	8  totalChunks  uint32
//	12 chunkSize    uint32  sender id + payload bytes of this frame
//	16 totalSize    uint32  reassembled payload length
const HeaderSize = 20

var (
	ErrFrameTooSmall   = errors.New("max frame size must exceed header size")
	ErrSenderIDTooLong = errors.New("not enough room in frame for sender id")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrMalformedFrame  = errors.New("malformed frame")
)

// Header describes one frame of a chunked message.
type Header struct {
	MessageID   uint16
	ChunkNum    uint32
	TotalChunks uint32
	SenderID    string
	ChunkSize   uint32
	TotalSize   uint32
}

// IsLast reports whether the frame carries the final chunk of its message.
func (h Header) IsLast() bool {
	return h.ChunkNum == h.TotalChunks-1
}

func (h Header) appendTo(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, h.MessageID)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(h.SenderID)))
	dst = binary.BigEndian.AppendUint32(dst, h.ChunkNum)
	dst = binary.BigEndian.AppendUint32(dst, h.TotalChunks)
	dst = binary.BigEndian.AppendUint32(dst, h.ChunkSize)
	dst = binary.BigEndian.AppendUint32(dst, h.TotalSize)
	return append(dst, h.SenderID...)
}

// ParseFrame validates a frame on its own and returns its header and the
// payload slice. Checks that depend on sibling chunks are done by Decoder.
func ParseFrame(frame []byte) (Header, []byte, error) {
	if len(frame) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes is shorter than header", ErrMalformedFrame, len(frame))
	}
	h := Header{
		MessageID:   binary.BigEndian.Uint16(frame[0:2]),
		ChunkNum:    binary.BigEndian.Uint32(frame[4:8]),
		TotalChunks: binary.BigEndian.Uint32(frame[8:12]),
		ChunkSize:   binary.BigEndian.Uint32(frame[12:16]),
		TotalSize:   binary.BigEndian.Uint32(frame[16:20]),
	}
	senderLen := int(binary.BigEndian.Uint16(frame[2:4]))
	rest := frame[HeaderSize:]

	switch {
	case h.MessageID == 0:
		return h, nil, fmt.Errorf("%w: message id 0", ErrMalformedFrame)
	case senderLen > len(rest):
		return h, nil, fmt.Errorf("%w: sender id overflows frame", ErrMalformedFrame)
	case int64(h.ChunkSize) != int64(len(rest)):
		return h, nil, fmt.Errorf("%w: chunk size %d, got %d bytes", ErrMalformedFrame, h.ChunkSize, len(rest))
	case h.TotalChunks == 0 || h.ChunkNum >= h.TotalChunks:
		return h, nil, fmt.Errorf("%w: chunk %d of %d", ErrMalformedFrame, h.ChunkNum, h.TotalChunks)
	case uint64(h.TotalChunks) > max(uint64(h.TotalSize), 1):
		return h, nil, fmt.Errorf("%w: %d chunks for %d bytes", ErrMalformedFrame, h.TotalChunks, h.TotalSize)
	}
	h.SenderID = string(rest[:senderLen])
	payload := rest[senderLen:]
	if uint64(len(payload)) > uint64(h.TotalSize) {
		return h, nil, fmt.Errorf("%w: chunk larger than message", ErrMalformedFrame)
	}
	return h, payload, nil
}

func checkSenderID(senderID string) error {
	if len(senderID) > math.MaxUint16 {
		return fmt.Errorf("%w: %d bytes", ErrSenderIDTooLong, len(senderID))
	}
	return nil
}

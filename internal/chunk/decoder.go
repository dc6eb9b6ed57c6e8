package chunk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxMessageSize = 64 << 20
	DefaultTTL            = 2 * time.Minute
)

// Message is a fully reassembled payload.
type Message struct {
	SenderID  string
	MessageID uint16
	Payload   []byte
}

type DecoderOption func(*Decoder)

// WithTTL evicts reassembly buffers that stayed incomplete longer than ttl.
// Zero keeps buffers until they complete.
func WithTTL(ttl time.Duration) DecoderOption {
	return func(d *Decoder) { d.ttl = ttl }
}

// WithMaxMessageSize rejects messages announcing a larger total size.
func WithMaxMessageSize(n uint32) DecoderOption {
	return func(d *Decoder) { d.maxMessageSize = n }
}

func WithClock(now func() time.Time) DecoderOption {
	return func(d *Decoder) { d.now = now }
}

type bufferKey struct {
	sender string
	id     uint16
}

type buffer struct {
	data         []byte
	totalChunks  uint32
	received     []bool
	count        uint32
	chunkPayload int // size of every chunk but the last, once known
	lastSize     int // size of the last chunk, once known
	lastSeen     time.Time
}

// Decoder reassembles frames produced by Encoder. It is not safe for
// concurrent use; callers serialize frames of one call session.
type Decoder struct {
	ttl            time.Duration
	maxMessageSize uint32
	now            func() time.Time
	buffers        map[bufferKey]*buffer
	logger         zerolog.Logger
}

func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		ttl:            DefaultTTL,
		maxMessageSize: DefaultMaxMessageSize,
		now:            time.Now,
		buffers:        make(map[bufferKey]*buffer),
		logger:         log.With().Str("module", "chunk").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode consumes one frame. It returns the message once its last missing
// chunk arrives, and nil while the message is still incomplete.
func (d *Decoder) Decode(frame []byte) (*Message, error) {
	d.Sweep(d.now())

	h, payload, err := ParseFrame(frame)
	if err != nil {
		if h.SenderID != "" {
			d.dropMalformed(h, err)
			return nil, err
		}
		d.logger.Warn().Err(err).Msg("dropping frame")
		return nil, err
	}
	if h.TotalSize > d.maxMessageSize {
		err := fmt.Errorf("%w: message of %d bytes exceeds limit %d", ErrMalformedFrame, h.TotalSize, d.maxMessageSize)
		d.dropMalformed(h, err)
		return nil, err
	}

	key := bufferKey{sender: h.SenderID, id: h.MessageID}
	buf, ok := d.buffers[key]
	if !ok {
		buf = &buffer{
			data:        make([]byte, h.TotalSize),
			totalChunks: h.TotalChunks,
			received:    make([]bool, h.TotalChunks),
		}
		d.buffers[key] = buf
	}

	offset, err := buf.place(h, len(payload))
	if err != nil {
		d.dropMalformed(h, err)
		return nil, err
	}
	if buf.received[h.ChunkNum] {
		d.logger.Debug().Str("sender_id", h.SenderID).Uint16("message_id", h.MessageID).Uint32("chunk", h.ChunkNum).Msg("duplicate chunk")
		return nil, nil
	}
	copy(buf.data[offset:], payload)
	buf.received[h.ChunkNum] = true
	buf.count++
	buf.lastSeen = d.now()

	if buf.count < buf.totalChunks {
		return nil, nil
	}
	delete(d.buffers, key)
	return &Message{SenderID: h.SenderID, MessageID: h.MessageID, Payload: buf.data}, nil
}

// place validates h against what earlier chunks established and returns
// the write offset. Non-last chunks sit at chunkNum*size; the last chunk
// is anchored to the end because it may be shorter.
func (b *buffer) place(h Header, size int) (int, error) {
	total := len(b.data)
	if uint32(total) != h.TotalSize || b.totalChunks != h.TotalChunks {
		return 0, fmt.Errorf("%w: sizes disagree with earlier chunks", ErrMalformedFrame)
	}

	if h.IsLast() {
		if b.lastSize != 0 && b.lastSize != size {
			return 0, fmt.Errorf("%w: last chunk size changed", ErrMalformedFrame)
		}
		if b.chunkPayload != 0 && total-int(h.ChunkNum)*b.chunkPayload != size {
			return 0, fmt.Errorf("%w: last chunk of %d bytes does not fill message", ErrMalformedFrame, size)
		}
		if h.TotalChunks == 1 && size != total {
			return 0, fmt.Errorf("%w: single chunk of %d bytes for %d byte message", ErrMalformedFrame, size, total)
		}
		b.lastSize = size
		return total - size, nil
	}

	if size == 0 {
		return 0, fmt.Errorf("%w: empty non-final chunk", ErrMalformedFrame)
	}
	if b.chunkPayload != 0 && b.chunkPayload != size {
		return 0, fmt.Errorf("%w: chunk size %d, expected %d", ErrMalformedFrame, size, b.chunkPayload)
	}
	offset := int(h.ChunkNum) * size
	if offset+size > total {
		return 0, fmt.Errorf("%w: chunk %d overflows message", ErrMalformedFrame, h.ChunkNum)
	}
	if b.lastSize != 0 && total-int(h.TotalChunks-1)*size != b.lastSize {
		return 0, fmt.Errorf("%w: chunk size %d inconsistent with last chunk", ErrMalformedFrame, size)
	}
	b.chunkPayload = size
	return offset, nil
}

func (d *Decoder) dropMalformed(h Header, err error) {
	delete(d.buffers, bufferKey{sender: h.SenderID, id: h.MessageID})
	d.logger.Warn().Err(err).Str("sender_id", h.SenderID).Uint16("message_id", h.MessageID).Msg("discarding message")
}

// Sweep evicts buffers that accepted no chunk for the configured TTL.
func (d *Decoder) Sweep(now time.Time) int {
	if d.ttl <= 0 {
		return 0
	}
	evicted := 0
	for key, buf := range d.buffers {
		if now.Sub(buf.lastSeen) < d.ttl {
			continue
		}
		delete(d.buffers, key)
		evicted++
		d.logger.Info().
			Str("sender_id", key.sender).
			Uint16("message_id", key.id).
			Uint32("received", buf.count).
			Uint32("total", buf.totalChunks).
			Msg("reassembly buffer expired")
	}
	return evicted
}

// DropSender discards every incomplete message from senderID.
func (d *Decoder) DropSender(senderID string) int {
	dropped := 0
	for key := range d.buffers {
		if key.sender == senderID {
			delete(d.buffers, key)
			dropped++
		}
	}
	return dropped
}

// Pending is the number of incomplete messages held in memory.
func (d *Decoder) Pending() int {
	return len(d.buffers)
}

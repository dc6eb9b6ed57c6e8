// Package messaging moves chat text and files between call participants as
// chunked msgpack messages.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/meshcall/internal/chunk"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/peer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrUnexpectedType = errors.New("unexpected message type")
	ErrEmptyText      = errors.New("empty text")

	// ErrMessageTooLarge is returned before any frame is sent when the
	// encoded message exceeds what receivers reassemble.
	ErrMessageTooLarge = errors.New("message too large")
)

// Broadcaster delivers one frame to every connected peer.
type Broadcaster interface {
	Broadcast(data []byte) peer.BroadcastResult
}

// Handler receives every complete inbound message.
type Handler func(from domain.PeerID, msg Message)

type Option func(*Service)

func WithHandler(h Handler) Option {
	return func(s *Service) { s.handler = h }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMaxMessageSize caps the encoded size of outgoing messages. It should
// match the limit of the receiving decoders.
func WithMaxMessageSize(n uint32) Option {
	return func(s *Service) { s.maxSize = n }
}

// Service is the chat endpoint of one call. It implements peer.Listener so
// data channel frames and peer departures reach the decoder.
type Service struct {
	peer.NopListener

	localID domain.PeerID
	enc     *chunk.Encoder
	out     Broadcaster
	handler Handler
	now     func() time.Time
	maxSize uint32

	decMu sync.Mutex
	dec   *chunk.Decoder

	logger zerolog.Logger
}

func NewService(localID domain.PeerID, enc *chunk.Encoder, dec *chunk.Decoder, out Broadcaster, opts ...Option) *Service {
	s := &Service{
		localID: localID,
		enc:     enc,
		dec:     dec,
		out:     out,
		now:     time.Now,
		maxSize: chunk.DefaultMaxMessageSize,
		logger:  log.With().Str("module", "messaging").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) SendText(ctx context.Context, text string) (uint16, error) {
	if text == "" {
		return 0, ErrEmptyText
	}
	msg, err := newMessage(TypeText, string(s.localID), s.now().UnixMilli(), TextPayload{Text: text})
	if err != nil {
		return 0, fmt.Errorf("build text: %w", err)
	}
	return s.send(ctx, msg)
}

func (s *Service) SendFile(ctx context.Context, name string, data []byte) (uint16, error) {
	fp := NewFilePayload(name, data)
	msg, err := newMessage(TypeFile, string(s.localID), s.now().UnixMilli(), fp)
	if err != nil {
		return 0, fmt.Errorf("build file: %w", err)
	}
	s.logger.Info().Str("name", name).Str("mime", fp.MimeType).Uint64("size", fp.Size).Msg("sending file")
	return s.send(ctx, msg)
}

// send encodes msg and broadcasts each frame as soon as it is produced.
// Per-peer send failures are logged and do not fail the message.
func (s *Service) send(ctx context.Context, msg Message) (uint16, error) {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}
	if uint64(len(data)) > uint64(s.maxSize) {
		return 0, fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(data), s.maxSize)
	}

	job := s.enc.Encode(string(s.localID), data)
	failed := 0
	for {
		select {
		case <-ctx.Done():
			return job.MessageID, ctx.Err()
		case frame, ok := <-job.Chunks():
			if !ok {
				if err := job.Wait(ctx); err != nil {
					return job.MessageID, fmt.Errorf("encode message %d: %w", job.MessageID, err)
				}
				s.logger.Debug().
					Uint16("message_id", job.MessageID).
					Int("chunks", job.TotalChunks).
					Int("failed_sends", failed).
					Msg("message sent")
				return job.MessageID, nil
			}
			res := s.out.Broadcast(frame)
			failed += len(res.Failed)
		}
	}
}

// PeerData feeds one inbound frame to the decoder.
func (s *Service) PeerData(peerID domain.PeerID, frame []byte) {
	s.decMu.Lock()
	m, err := s.dec.Decode(frame)
	s.decMu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Str("peer_id", string(peerID)).Msg("dropping frame")
		return
	}
	if m == nil {
		return
	}
	if m.SenderID != string(peerID) {
		s.logger.Warn().Str("peer_id", string(peerID)).Str("sender_id", m.SenderID).Msg("sender id differs from channel peer")
	}

	var msg Message
	if err := msgpack.Unmarshal(m.Payload, &msg); err != nil {
		s.logger.Warn().Err(err).Str("peer_id", string(peerID)).Uint16("message_id", m.MessageID).Msg("bad message")
		return
	}
	if s.handler != nil {
		s.handler(peerID, msg)
	}
}

// PeerClosed drops partial messages from peerID.
func (s *Service) PeerClosed(peerID domain.PeerID) {
	s.decMu.Lock()
	n := s.dec.DropSender(string(peerID))
	s.decMu.Unlock()
	if n > 0 {
		s.logger.Info().Str("peer_id", string(peerID)).Int("buffers", n).Msg("dropped partial messages")
	}
}

// Sweep evicts expired reassembly buffers.
func (s *Service) Sweep(now time.Time) int {
	s.decMu.Lock()
	defer s.decMu.Unlock()
	return s.dec.Sweep(now)
}

func (s *Service) Pending() int {
	s.decMu.Lock()
	defer s.decMu.Unlock()
	return s.dec.Pending()
}

// Package call wires one participant's side of a mesh call: relay socket,
// peer sessions, track store and chat.
package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/meshcall/internal/chunk"
	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/messaging"
	"github.com/dkeye/meshcall/internal/peer"
	"github.com/dkeye/meshcall/internal/signaling"
	"github.com/dkeye/meshcall/internal/tracks"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrRelayClosed = errors.New("relay connection closed")

// Socket is a relay connection as seen by a call.
type Socket interface {
	signaling.Socket
	Incoming() <-chan []byte
	Close()
}

type Config struct {
	Room           string
	Nickname       string
	MaxFrameSize   int
	MaxMessageSize uint32
	ReassemblyTTL  time.Duration
	// SweepInterval defaults to ReassemblyTTL/4.
	SweepInterval time.Duration
}

type Option func(*options)

type options struct {
	localID   domain.PeerID
	onMessage messaging.Handler
	onStreams func()
	listeners []peer.Listener
	inline    bool
}

// WithLocalID fixes the local peer id instead of a random one.
func WithLocalID(id domain.PeerID) Option {
	return func(o *options) { o.localID = id }
}

func WithMessageHandler(h messaging.Handler) Option {
	return func(o *options) { o.onMessage = h }
}

// WithStreamsChanged is called after every change to the visible streams.
func WithStreamsChanged(fn func()) Option {
	return func(o *options) { o.onStreams = fn }
}

// WithListener adds a peer listener next to the chat service.
func WithListener(l peer.Listener) Option {
	return func(o *options) { o.listeners = append(o.listeners, l) }
}

// WithInlineEncoding encodes outgoing messages on the caller's goroutine.
func WithInlineEncoding() Option {
	return func(o *options) { o.inline = true }
}

type Call struct {
	LocalID   domain.PeerID
	Directory *domain.Directory
	Tracks    *tracks.Store
	Peers     *peer.Manager
	Bridge    *signaling.Bridge
	Chat      *messaging.Service

	cfg    Config
	socket Socket
	enc    *chunk.Encoder
	logger zerolog.Logger
}

func New(cfg Config, socket Socket, factory core.ConnectionFactory, opts ...Option) (*Call, error) {
	o := options{localID: domain.NewPeerID()}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.ReassemblyTTL / 4
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = chunk.DefaultTTL / 4
	}

	var encOpts []chunk.EncoderOption
	if o.inline {
		encOpts = append(encOpts, chunk.WithInline())
	}
	enc, err := chunk.NewEncoder(cfg.MaxFrameSize, encOpts...)
	if err != nil {
		return nil, fmt.Errorf("chunk encoder: %w", err)
	}
	var decOpts []chunk.DecoderOption
	if cfg.ReassemblyTTL > 0 {
		decOpts = append(decOpts, chunk.WithTTL(cfg.ReassemblyTTL))
	}
	if cfg.MaxMessageSize > 0 {
		decOpts = append(decOpts, chunk.WithMaxMessageSize(cfg.MaxMessageSize))
	}
	dec := chunk.NewDecoder(decOpts...)

	dir := domain.NewDirectory()
	storeOpts := []tracks.Option{tracks.WithUserResolver(dir)}
	if o.onStreams != nil {
		storeOpts = append(storeOpts, tracks.WithOnChange(o.onStreams))
	}
	store := tracks.NewStore(storeOpts...)
	peers := peer.NewManager(o.localID, factory, store)
	store.BindLocalMedia(peers)

	var chatOpts []messaging.Option
	if cfg.MaxMessageSize > 0 {
		chatOpts = append(chatOpts, messaging.WithMaxMessageSize(cfg.MaxMessageSize))
	}
	if o.onMessage != nil {
		chatOpts = append(chatOpts, messaging.WithHandler(o.onMessage))
	}
	chat := messaging.NewService(o.localID, enc, dec, peers, chatOpts...)
	peers.SetListener(append(peer.Listeners{chat}, o.listeners...))

	bridge := signaling.NewBridge(socket, peers, dir)
	peers.OnSignal(bridge.SendSignal)

	return &Call{
		LocalID:   o.localID,
		Directory: dir,
		Tracks:    store,
		Peers:     peers,
		Bridge:    bridge,
		Chat:      chat,
		cfg:       cfg,
		socket:    socket,
		enc:       enc,
		logger:    log.With().Str("module", "call").Str("peer_id", string(o.localID)).Logger(),
	}, nil
}

// Run announces the participant and processes relay frames until ctx ends
// or the relay goes away. All sessions are hung up on return.
func (c *Call) Run(ctx context.Context) error {
	defer c.shutdown()

	if err := c.Bridge.Ready(c.cfg.Room, c.cfg.Nickname); err != nil {
		return err
	}
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-c.socket.Incoming():
			if !ok {
				return ErrRelayClosed
			}
			if err := c.Bridge.Dispatch(data); err != nil {
				c.logger.Warn().Err(err).Msg("relay frame dropped")
			}
		case now := <-ticker.C:
			if n := c.Chat.Sweep(now); n > 0 {
				c.logger.Info().Int("evicted", n).Msg("stale chat buffers evicted")
			}
		}
	}
}

// PublishStream sets the local stream of streamType; nil withdraws it.
// Connected peers get the change right away.
func (c *Call) PublishStream(streamType domain.StreamType, stream *core.LocalStream) {
	old, _ := c.Tracks.LocalStream(streamType)
	c.Tracks.OnLocalStreamReplaced(old, stream, streamType)
}

// Nickname is the display name of peerID, falling back to the id.
func (c *Call) Nickname(peerID domain.PeerID) string {
	if n, ok := c.Directory.Nickname(peerID); ok {
		return n
	}
	return string(peerID)
}

func (c *Call) shutdown() {
	c.Peers.HangUp()
	c.enc.Close()
	c.socket.Close()
	c.logger.Info().Msg("call ended")
}

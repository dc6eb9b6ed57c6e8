package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	MTU              uint = 1400
	dataChannelLabel      = "data"
)

var (
	ErrNotReady          = errors.New("data channel not open")
	ErrConnectionFailed  = errors.New("peer connection failed")
	ErrUnsupportedTrack  = errors.New("track is not a local webrtc track")
	ErrUnknownSender     = errors.New("track was not added")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrUnknownSignalType = errors.New("unknown signal type")
)

type Config struct {
	ICEServers  []string
	MuteTimeout time.Duration
	// IncludeLoopback gathers loopback candidates; used by same-host tests.
	IncludeLoopback bool
}

func DefaultConfig() Config {
	return Config{
		ICEServers:  []string{"stun:stun.l.google.com:19302"},
		MuteTimeout: 1500 * time.Millisecond,
	}
}

func (c Config) webrtcConfiguration() webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(c.ICEServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.ICEServers})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// NewFactory returns a core.ConnectionFactory backed by one shared pion API.
func NewFactory(cfg Config) core.ConnectionFactory {
	settings := webrtc.SettingEngine{}
	settings.SetReceiveMTU(MTU)
	if cfg.IncludeLoopback {
		settings.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
		settings.SetIncludeLoopbackCandidate(true)
	} else {
		settings.SetICEMulticastDNSMode(ice.MulticastDNSModeQueryAndGather)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))

	return func(peerID domain.PeerID, initiator bool, handle core.EventHandler) (core.Connection, error) {
		return newConnection(api, cfg, peerID, initiator, handle)
	}
}

// Connection adapts one pion PeerConnection to core.Connection. The
// initiator owns the data channel and produces every offer.
type Connection struct {
	pc        *webrtc.PeerConnection
	peerID    domain.PeerID
	initiator bool
	handle    core.EventHandler
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	dc          *webrtc.DataChannel
	pending     []webrtc.ICECandidateInit
	senders     map[string]*webrtc.RTPSender
	renegotiate bool
	closed      bool

	logger zerolog.Logger
}

func newConnection(api *webrtc.API, cfg Config, peerID domain.PeerID, initiator bool, handle core.EventHandler) (*Connection, error) {
	pc, err := api.NewPeerConnection(cfg.webrtcConfiguration())
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		pc:        pc,
		peerID:    peerID,
		initiator: initiator,
		handle:    handle,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		senders:   make(map[string]*webrtc.RTPSender),
		logger: log.With().
			Str("module", "webrtc").
			Str("peer_id", string(peerID)).
			Bool("initiator", initiator).
			Logger(),
	}
	c.bind()

	if initiator {
		ordered := true
		dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			cancel()
			_ = pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		c.bindDataChannel(dc)
	}
	return c, nil
}

func (c *Connection) bind() {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		c.emitSignal(signalMessage{Type: signalCandidate, Candidate: &init})
	})

	c.pc.OnNegotiationNeeded(func() {
		if c.initiator {
			c.negotiate()
			return
		}
		c.emitSignal(signalMessage{Type: signalRenegotiate})
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateFailed:
			c.emit(core.Event{Type: core.EventError, Err: ErrConnectionFailed})
		case webrtc.PeerConnectionStateClosed:
			c.emit(core.Event{Type: core.EventClose})
		}
	})

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			c.logger.Warn().Str("label", dc.Label()).Msg("unexpected data channel")
			return
		}
		c.bindDataChannel(dc)
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		mid := c.midOf(receiver)
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Str("mid", mid).
			Msg("OnTrack received")
		c.emit(core.Event{Type: core.EventTrack, Track: track, Kind: track.Kind().String(), Mid: mid})

		w := newTrackWatcher(track, mid, c.cfg.MuteTimeout, c.emit, &c.logger)
		go w.loop(c.ctx)
	})
}

func (c *Connection) bindDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.logger.Info().Msg("data channel open")
		c.emit(core.Event{Type: core.EventConnect})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.emit(core.Event{Type: core.EventData, Data: msg.Data})
	})
	dc.OnClose(func() {
		c.logger.Info().Msg("data channel closed")
		c.emit(core.Event{Type: core.EventClose})
	})
}

func (c *Connection) midOf(receiver *webrtc.RTPReceiver) string {
	for _, tr := range c.pc.GetTransceivers() {
		if tr.Receiver() == receiver {
			return tr.Mid()
		}
	}
	return ""
}

// emit delivers ev unless the connection was destroyed locally.
func (c *Connection) emit(ev core.Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || c.handle == nil {
		return
	}
	c.handle(ev)
}

func (c *Connection) AddTrack(track core.Track, streamID string) error {
	local, ok := track.(webrtc.TrackLocal)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedTrack, track)
	}
	sender, err := c.pc.AddTrack(local)
	if err != nil {
		return fmt.Errorf("add track %s: %w", track.ID(), err)
	}
	c.mu.Lock()
	c.senders[track.ID()] = sender
	c.mu.Unlock()

	go drainRTCP(c.ctx, sender)
	c.logger.Info().Str("track_id", track.ID()).Str("stream_id", streamID).Msg("local track added")

	if !c.initiator {
		// The offerer must open an m-line this side can send on.
		c.emitSignal(signalMessage{Type: signalTransceiverRequest, TransceiverRequest: &transceiverRequest{Kind: local.Kind().String()}})
	}
	return nil
}

func (c *Connection) RemoveTrack(track core.Track, streamID string) error {
	c.mu.Lock()
	sender, ok := c.senders[track.ID()]
	delete(c.senders, track.ID())
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("remove track %s: %w", track.ID(), ErrUnknownSender)
	}
	if err := c.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("remove track %s: %w", track.ID(), err)
	}
	c.logger.Info().Str("track_id", track.ID()).Str("stream_id", streamID).Msg("local track removed")
	return nil
}

// ReplaceTrack swaps the media on an existing sender without renegotiation.
func (c *Connection) ReplaceTrack(oldTrack, newTrack core.Track, streamID string) error {
	local, ok := newTrack.(webrtc.TrackLocal)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedTrack, newTrack)
	}
	c.mu.Lock()
	sender, ok := c.senders[oldTrack.ID()]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("replace track %s: %w", oldTrack.ID(), ErrUnknownSender)
	}
	if err := sender.ReplaceTrack(local); err != nil {
		return fmt.Errorf("replace track %s: %w", oldTrack.ID(), err)
	}
	c.mu.Lock()
	delete(c.senders, oldTrack.ID())
	c.senders[newTrack.ID()] = sender
	c.mu.Unlock()
	c.logger.Info().Str("old_track_id", oldTrack.ID()).Str("track_id", newTrack.ID()).Str("stream_id", streamID).Msg("local track replaced")
	return nil
}

func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	dc, closed := c.dc, c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotReady
	}
	return dc.Send(data)
}

// Destroy closes the peer connection. Later calls are no-ops and no events
// are delivered afterwards.
func (c *Connection) Destroy() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
	} else {
		c.logger.Info().Msg("closed")
	}
}

// drainRTCP reads sender RTCP so interceptors keep running.
func drainRTCP(ctx context.Context, sender *webrtc.RTPSender) {
	buf := make([]byte, MTU)
	for ctx.Err() == nil {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

package rtc

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/pion/webrtc/v4"
)

const (
	signalOffer              = "offer"
	signalAnswer             = "answer"
	signalCandidate          = "candidate"
	signalRenegotiate        = "renegotiate"
	signalTransceiverRequest = "transceiverRequest"
)

type transceiverRequest struct {
	Kind string `json:"kind"`
}

// signalMessage is the negotiation payload carried opaquely by the relay.
type signalMessage struct {
	Type               string                   `json:"type"`
	SDP                string                   `json:"sdp,omitempty"`
	Candidate          *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	TransceiverRequest *transceiverRequest      `json:"transceiverRequest,omitempty"`
}

func (c *Connection) emitSignal(m signalMessage) {
	b, err := json.Marshal(m)
	if err != nil {
		c.logger.Error().Err(err).Str("type", m.Type).Msg("marshal signal")
		return
	}
	c.emit(core.Event{Type: core.EventSignal, Signal: b})
}

// Signal applies one remote negotiation payload.
func (c *Connection) Signal(raw core.Signal) error {
	var m signalMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}

	switch m.Type {
	case signalOffer:
		return c.applyOffer(m.SDP)
	case signalAnswer:
		return c.applyAnswer(m.SDP)
	case signalCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("decode signal: candidate without body")
		}
		return c.addCandidate(*m.Candidate)
	case signalRenegotiate:
		if c.initiator {
			c.negotiate()
		}
		return nil
	case signalTransceiverRequest:
		if !c.initiator || m.TransceiverRequest == nil {
			return nil
		}
		return c.addTransceiver(m.TransceiverRequest.Kind)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSignalType, m.Type)
	}
}

// negotiate creates and sends an offer. An offer requested while another
// is outstanding is deferred until its answer arrives.
func (c *Connection) negotiate() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.pc.SignalingState() != webrtc.SignalingStateStable {
		c.renegotiate = true
		c.mu.Unlock()
		return
	}
	c.renegotiate = false
	c.mu.Unlock()

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.logger.Error().Err(err).Msg("create offer")
		return
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		c.logger.Error().Err(err).Msg("set local offer")
		return
	}
	c.emitSignal(signalMessage{Type: signalOffer, SDP: offer.SDP})
}

func (c *Connection) applyOffer(sdp string) error {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	c.flushCandidates()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	c.emitSignal(signalMessage{Type: signalAnswer, SDP: answer.SDP})
	return nil
}

func (c *Connection) applyAnswer(sdp string) error {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	c.flushCandidates()

	c.mu.Lock()
	again := c.renegotiate
	c.mu.Unlock()
	if again {
		c.negotiate()
	}
	return nil
}

// addCandidate queues candidates that arrive before the remote description.
func (c *Connection) addCandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if c.pc.RemoteDescription() == nil {
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	if err := c.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (c *Connection) flushCandidates() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.logger.Warn().Err(err).Msg("add queued ice candidate")
		}
	}
}

func (c *Connection) addTransceiver(kind string) error {
	k := webrtc.NewRTPCodecType(kind)
	if k == 0 {
		return fmt.Errorf("transceiver request: unknown kind %q", kind)
	}
	_, err := c.pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
	if err != nil {
		return fmt.Errorf("add transceiver: %w", err)
	}
	return nil
}

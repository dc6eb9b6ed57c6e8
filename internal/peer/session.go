package peer

import (
	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
)

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session is one remote participant's connection. Fields other than the
// ids are guarded by Manager.mu.
type session struct {
	peerID    domain.PeerID
	initiator bool
	conn      core.Connection
	state     State
	// connect arrived before the factory returned conn.
	earlyConnect bool
}

// SessionInfo is a read-only snapshot of a session.
type SessionInfo struct {
	PeerID    domain.PeerID
	Initiator bool
	State     State
}

func (s *session) info() SessionInfo {
	return SessionInfo{PeerID: s.peerID, Initiator: s.initiator, State: s.state}
}

// Roster is one full participant snapshot from the relay.
type Roster struct {
	Initiator domain.PeerID
	PeerIDs   []domain.PeerID
}

// TrackSink receives the remote track lifecycle of every session.
type TrackSink interface {
	OnTrackAdded(peerID domain.PeerID, mid string, track core.Track, kind string)
	OnTrackUnmuted(peerID domain.PeerID, mid, streamID string)
	OnTrackMuted(peerID domain.PeerID, mid string)
	OnPeerRemoved(peerID domain.PeerID)
}

// Listener is notified of per-peer connection outcomes.
type Listener interface {
	PeerConnected(peerID domain.PeerID)
	PeerData(peerID domain.PeerID, data []byte)
	PeerClosed(peerID domain.PeerID)
	PeerError(peerID domain.PeerID, err error)
}

// NopListener can be embedded to implement only part of Listener.
type NopListener struct{}

func (NopListener) PeerConnected(domain.PeerID)    {}
func (NopListener) PeerData(domain.PeerID, []byte) {}
func (NopListener) PeerClosed(domain.PeerID)       {}
func (NopListener) PeerError(domain.PeerID, error) {}

// Listeners fans notifications out to several listeners in order.
type Listeners []Listener

func (ls Listeners) PeerConnected(p domain.PeerID) {
	for _, l := range ls {
		l.PeerConnected(p)
	}
}

func (ls Listeners) PeerData(p domain.PeerID, data []byte) {
	for _, l := range ls {
		l.PeerData(p, data)
	}
}

func (ls Listeners) PeerClosed(p domain.PeerID) {
	for _, l := range ls {
		l.PeerClosed(p)
	}
}

func (ls Listeners) PeerError(p domain.PeerID, err error) {
	for _, l := range ls {
		l.PeerError(p, err)
	}
}

// SignalSender relays a local negotiation payload to peerID.
type SignalSender func(peerID domain.PeerID, signal core.Signal)

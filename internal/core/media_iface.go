package core

import (
	"encoding/json"

	"github.com/dkeye/meshcall/internal/domain"
)

// Signal is an opaque negotiation payload relayed between two peers.
type Signal = json.RawMessage

// Track is an opaque media track handle.
type Track interface {
	ID() string
}

// LocalTrack is an outgoing track with its media kind ("audio" or "video").
type LocalTrack struct {
	Track Track
	Kind  string
}

// LocalStream is a locally captured stream of one StreamType.
type LocalStream struct {
	ID     string
	Tracks []LocalTrack
}

type EventType int

const (
	EventSignal EventType = iota + 1
	EventTrack
	EventUnmute
	EventMute
	EventData
	EventConnect
	EventClose
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventSignal:
		return "signal"
	case EventTrack:
		return "track"
	case EventUnmute:
		return "unmute"
	case EventMute:
		return "mute"
	case EventData:
		return "data"
	case EventConnect:
		return "connect"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is everything a Connection reports, tagged by Type.
//
//	EventSignal: Signal
//	EventTrack:  Track, Kind, Mid
//	EventUnmute: Mid, StreamID
//	EventMute:   Mid
//	EventData:   Data
//	EventError:  Err
//
// For a given mid the transport delivers track, then unmute, then any
// alternation of mute and unmute.
type Event struct {
	Type     EventType
	Signal   Signal
	Track    Track
	Kind     string
	Mid      string
	StreamID string
	Data     []byte
	Err      error
}

// Connection is one negotiated peer-to-peer link.
// Destroy must be safe to call more than once.
type Connection interface {
	Signal(Signal) error
	AddTrack(track Track, streamID string) error
	RemoveTrack(track Track, streamID string) error
	ReplaceTrack(oldTrack, newTrack Track, streamID string) error
	Send(data []byte) error
	Destroy()
}

type EventHandler func(Event)

// ConnectionFactory opens a connection to peerID. All events of the
// connection are delivered to handle.
type ConnectionFactory func(peerID domain.PeerID, initiator bool, handle EventHandler) (Connection, error)

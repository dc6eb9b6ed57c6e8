package domain

import "github.com/google/uuid"

// PeerID identifies one participant's connection for the lifetime of a call.
type PeerID string

// SelfPeerID is the owner of locally captured tracks.
const SelfPeerID PeerID = "__self__"

// NewPeerID returns a fresh random peer id.
func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

// StreamType distinguishes the local media sources a participant publishes.
type StreamType string

const (
	StreamTypeCamera  StreamType = "camera"
	StreamTypeDesktop StreamType = "desktop"
)

// StreamTypes lists every local stream type in attach order.
var StreamTypes = []StreamType{StreamTypeCamera, StreamTypeDesktop}

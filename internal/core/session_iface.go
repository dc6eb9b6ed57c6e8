package core

import "github.com/dkeye/meshcall/internal/domain"

// SessionID is the relay's client token for one browser or CLI peer.
type SessionID string

// Frame is one encoded relay envelope.
type Frame []byte

// SignalConnection is the relay's outbound half of a client socket.
// TrySend never blocks; a full buffer is reported as an error. The adapter
// that created the connection owns Close.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// MemberSession pairs a room member with the socket frames reach it on.
// The member is fixed once the client announced its peer id; the socket
// can be swapped underneath.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
	UpdateSignal(SignalConnection) MemberSession
}

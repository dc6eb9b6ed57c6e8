package core

import (
	"github.com/dkeye/meshcall/internal/domain"
)

// PublishResult is the outcome of one room fan-out. Dropped members had a
// full send buffer; the caller decides what happens to them.
type PublishResult struct {
	Delivered int
	Dropped   []MemberSession
}

// MemberDTO is how a room member appears in rosters and the REST API.
type MemberDTO struct {
	ID       domain.UserID `json:"id"`
	PeerID   domain.PeerID `json:"peerId"`
	Username string        `json:"username"`
}

// RoomService holds the members of one relay room, indexed both by
// session and by peer id. It sends frames but never closes sockets.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	MembersSnapshot() []MemberDTO

	AddMember(sid SessionID, ms MemberSession)
	RemoveMember(sid SessionID)
	Member(peerID domain.PeerID) (MemberSession, bool)
	Broadcast(from SessionID, data Frame) PublishResult
}

type RoomInfo struct {
	Name        domain.RoomName `json:"name"`
	MemberCount int             `json:"members"`
}

// RoomManager creates rooms on first join and forgets them once empty.
type RoomManager interface {
	GetOrCreate(name domain.RoomName) RoomService
	Get(name domain.RoomName) (RoomService, bool)
	List() []RoomInfo
	StopRoom(name domain.RoomName)
}

package core

import (
	"errors"
	"testing"

	"github.com/dkeye/meshcall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSignal struct {
	frames int
	fail   bool
}

func (s *countingSignal) TrySend(Frame) error {
	if s.fail {
		return errors.New("full")
	}
	s.frames++
	return nil
}

func (s *countingSignal) Close() {}

func member(name string, peerID domain.PeerID, sc SignalConnection) MemberSession {
	u := &domain.User{ID: domain.UserID(name), Username: name}
	ms := NewMemberSession(domain.NewMember(u, peerID))
	if sc != nil {
		ms.UpdateSignal(sc)
	}
	return ms
}

func TestRoomMembership(t *testing.T) {
	r := NewRoomService(&domain.Room{ID: "lobby", Name: "lobby"})
	r.AddMember("s2", member("bob", "pb", nil))
	r.AddMember("s1", member("alice", "pa", nil))

	assert.Equal(t, 2, r.MemberCount())
	snap := r.MembersSnapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, domain.PeerID("pa"), snap[0].PeerID)
	assert.Equal(t, "alice", snap[0].Username)

	ms, ok := r.Member("pb")
	require.True(t, ok)
	assert.Equal(t, "bob", ms.Meta().User.Username)

	r.RemoveMember("s2")
	_, ok = r.Member("pb")
	assert.False(t, ok)
	assert.Equal(t, 1, r.MemberCount())
}

func TestRoomReplacingSessionKeepsPeerIndex(t *testing.T) {
	r := NewRoomService(&domain.Room{ID: "lobby", Name: "lobby"})
	r.AddMember("s1", member("alice", "pa", nil))
	// A later session took pa over; removing the old sid must not unindex it.
	r.AddMember("s9", member("alice", "pa", nil))
	r.RemoveMember("s1")

	ms, ok := r.Member("pa")
	require.True(t, ok)
	assert.Equal(t, domain.PeerID("pa"), ms.Meta().PeerID)
}

func TestRoomBroadcast(t *testing.T) {
	r := NewRoomService(&domain.Room{ID: "lobby", Name: "lobby"})
	a, b, slow := &countingSignal{}, &countingSignal{}, &countingSignal{fail: true}
	r.AddMember("sa", member("a", "pa", a))
	r.AddMember("sb", member("b", "pb", b))
	r.AddMember("sc", member("c", "pc", slow))
	r.AddMember("sd", member("d", "pd", nil))

	res := r.Broadcast("sa", Frame("x"))
	assert.Equal(t, 1, res.Delivered)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, domain.PeerID("pc"), res.Dropped[0].Meta().PeerID)
	assert.Equal(t, 0, a.frames)
	assert.Equal(t, 1, b.frames)

	res = r.Broadcast("", Frame("y"))
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 1, a.frames)
}

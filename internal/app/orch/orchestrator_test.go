package orch

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/dkeye/meshcall/internal/app"
	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSignal struct {
	mu       sync.Mutex
	frames   []signaling.Envelope
	full     bool
	canceled bool
}

func (f *fakeSignal) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return errors.New("full")
	}
	var env signaling.Envelope
	if err := json.Unmarshal(fr, &env); err != nil {
		return err
	}
	f.frames = append(f.frames, env)
	return nil
}

func (f *fakeSignal) Close() {}

func (f *fakeSignal) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, e := range f.frames {
		out = append(out, e.Type)
	}
	return out
}

func (f *fakeSignal) last(t *testing.T, event string, v any) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.frames) - 1; i >= 0; i-- {
		if f.frames[i].Type == event {
			require.NoError(t, json.Unmarshal(f.frames[i].Payload, v))
			return
		}
	}
	t.Fatalf("no %s frame", event)
}

func newOrch() *Orchestrator {
	return &Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(),
		Policy:   app.SimplePolicy{Action: app.KickMember},
	}
}

func bind(o *Orchestrator, sid core.SessionID) *fakeSignal {
	sc := &fakeSignal{}
	user := o.Registry.GetOrCreateUser(sid)
	sess := core.NewMemberSession(domain.NewMember(user, "")).UpdateSignal(sc)
	o.Connect(sid, sess, func() {
		sc.mu.Lock()
		sc.canceled = true
		sc.mu.Unlock()
	})
	return sc
}

func TestJoinAnnouncesRosterWithJoinerAsInitiator(t *testing.T) {
	o := newOrch()
	a := bind(o, "sa")
	b := bind(o, "sb")

	require.NoError(t, o.Join("sa", "lobby", "alice", "pa"))
	require.NoError(t, o.Join("sb", "lobby", "bob", "pb"))

	var ua, ub signaling.UsersPayload
	a.last(t, signaling.EventUsers, &ua)
	b.last(t, signaling.EventUsers, &ub)
	assert.Equal(t, ua, ub)
	assert.Equal(t, domain.PeerID("pb"), ua.Initiator)
	assert.Equal(t, []domain.PeerID{"pa", "pb"}, ua.PeerIDs)
	assert.Equal(t, map[domain.PeerID]string{"pa": "alice", "pb": "bob"}, ua.Nicknames)
	assert.Equal(t, []string{"users", "users"}, a.types())
}

func TestJoinValidation(t *testing.T) {
	o := newOrch()
	bind(o, "sa")
	bind(o, "sb")

	assert.ErrorIs(t, o.Join("sa", "", "alice", "pa"), ErrEmptyRoom)
	assert.ErrorIs(t, o.Join("sa", "lobby", "alice", ""), ErrEmptyPeerID)
	assert.ErrorIs(t, o.Join("nobody", "lobby", "alice", "px"), ErrNoSession)
	require.NoError(t, o.Join("sa", "lobby", "", "pa"))
	assert.ErrorIs(t, o.Join("sb", "lobby", "bob", "pa"), ErrPeerIDTaken)
	assert.ErrorIs(t, o.Join("sb", "lobby", strings.Repeat("x", domain.MaxUsernameLen+1), "pb"), domain.ErrUsernameTooLong)
}

func TestRejoinMovesRooms(t *testing.T) {
	o := newOrch()
	a := bind(o, "sa")
	bind(o, "sb")
	require.NoError(t, o.Join("sa", "one", "alice", "pa"))
	require.NoError(t, o.Join("sb", "one", "bob", "pb"))

	require.NoError(t, o.Join("sb", "two", "bob", "pb"))

	var hang signaling.HangUpPayload
	a.last(t, signaling.EventHangUp, &hang)
	assert.Equal(t, domain.PeerID("pb"), hang.PeerID)
	var users signaling.UsersPayload
	a.last(t, signaling.EventUsers, &users)
	assert.Equal(t, []domain.PeerID{"pa"}, users.PeerIDs)
	assert.Empty(t, users.Initiator)

	two, ok := o.Rooms.Get("two")
	require.True(t, ok)
	assert.Equal(t, 1, two.MemberCount())
}

func TestRelayForwardsWithSourcePeerID(t *testing.T) {
	o := newOrch()
	bind(o, "sa")
	b := bind(o, "sb")
	require.NoError(t, o.Join("sa", "lobby", "alice", "pa"))
	require.NoError(t, o.Join("sb", "lobby", "bob", "pb"))

	require.NoError(t, o.Relay("sa", "pb", core.Signal(`{"type":"offer"}`)))

	var got signaling.SignalPayload
	b.last(t, signaling.EventSignal, &got)
	assert.Equal(t, domain.PeerID("pa"), got.PeerID)
	assert.JSONEq(t, `{"type":"offer"}`, string(got.Signal))
}

func TestRelayErrors(t *testing.T) {
	o := newOrch()
	bind(o, "sa")
	assert.ErrorIs(t, o.Relay("sa", "pb", core.Signal(`{}`)), ErrNotInRoom)

	require.NoError(t, o.Join("sa", "lobby", "alice", "pa"))
	assert.ErrorIs(t, o.Relay("sa", "ghost", core.Signal(`{}`)), ErrUnknownPeer)
}

func TestDisconnectHangsUpAndStopsEmptyRoom(t *testing.T) {
	o := newOrch()
	a := bind(o, "sa")
	b := bind(o, "sb")
	require.NoError(t, o.Join("sa", "lobby", "alice", "pa"))
	require.NoError(t, o.Join("sb", "lobby", "bob", "pb"))

	o.Disconnect("sb", b)

	assert.Equal(t, []string{"users", "users", "hangUp", "users"}, a.types())
	_, ok := o.Registry.GetSession("sb")
	assert.False(t, ok)

	o.Disconnect("sa", a)
	_, ok = o.Rooms.Get("lobby")
	assert.False(t, ok)
	assert.Empty(t, o.Rooms.List())
}

func TestStaleDisconnectIgnored(t *testing.T) {
	o := newOrch()
	old := bind(o, "sa")
	bind(o, "sb")
	require.NoError(t, o.Join("sb", "lobby", "bob", "pb"))
	// The same client token reconnects before the old socket is reaped.
	fresh := bind(o, "sa")
	require.NoError(t, o.Join("sa", "lobby", "alice", "pa"))

	o.Disconnect("sa", old)

	room, ok := o.Rooms.Get("lobby")
	require.True(t, ok)
	assert.Equal(t, 2, room.MemberCount())
	assert.True(t, old.canceled)
	assert.Equal(t, []string{"users"}, fresh.types())
}

func TestReconnectIntoOtherRoomLeavesNoGhost(t *testing.T) {
	o := newOrch()
	old := bind(o, "sa")
	b := bind(o, "sb")
	require.NoError(t, o.Join("sa", "lobby", "alice", "pa"))
	require.NoError(t, o.Join("sb", "lobby", "bob", "pb"))

	fresh := bind(o, "sa")
	require.NoError(t, o.Join("sa", "other", "alice", "pa2"))
	o.Disconnect("sa", old)

	lobby, ok := o.Rooms.Get("lobby")
	require.True(t, ok)
	assert.Equal(t, 1, lobby.MemberCount())
	var hang signaling.HangUpPayload
	b.last(t, signaling.EventHangUp, &hang)
	assert.Equal(t, domain.PeerID("pa"), hang.PeerID)
	var users signaling.UsersPayload
	b.last(t, signaling.EventUsers, &users)
	assert.Equal(t, []domain.PeerID{"pb"}, users.PeerIDs)

	other, ok := o.Rooms.Get("other")
	require.True(t, ok)
	assert.Equal(t, 1, other.MemberCount())
	assert.True(t, old.canceled)
	assert.False(t, fresh.canceled)
	room, _, ok := o.Registry.RoomOf("sa")
	require.True(t, ok)
	assert.Equal(t, domain.RoomName("other"), room)
}

func TestShutdownEvictsAllRooms(t *testing.T) {
	o := newOrch()
	a := bind(o, "sa")
	b := bind(o, "sb")
	c := bind(o, "sc")
	require.NoError(t, o.Join("sa", "one", "alice", "pa"))
	require.NoError(t, o.Join("sb", "one", "bob", "pb"))
	require.NoError(t, o.Join("sc", "two", "carol", "pc"))

	o.Shutdown()

	assert.Empty(t, o.Rooms.List())
	for _, sc := range []*fakeSignal{a, b, c} {
		assert.True(t, sc.canceled)
	}
	_, _, ok := o.Registry.RoomOf("sa")
	assert.False(t, ok)
}

func TestSlowMemberIsKicked(t *testing.T) {
	o := newOrch()
	a := bind(o, "sa")
	b := bind(o, "sb")
	c := bind(o, "sc")
	require.NoError(t, o.Join("sa", "lobby", "alice", "pa"))
	require.NoError(t, o.Join("sb", "lobby", "bob", "pb"))
	b.mu.Lock()
	b.full = true
	b.mu.Unlock()

	require.NoError(t, o.Join("sc", "lobby", "carol", "pc"))

	assert.True(t, b.canceled)
	var users signaling.UsersPayload
	c.last(t, signaling.EventUsers, &users)
	assert.Equal(t, []domain.PeerID{"pa", "pc"}, users.PeerIDs)
	var hang signaling.HangUpPayload
	a.last(t, signaling.EventHangUp, &hang)
	assert.Equal(t, domain.PeerID("pb"), hang.PeerID)
}

func TestDropPolicyKeepsMember(t *testing.T) {
	o := newOrch()
	o.Policy = app.SimplePolicy{Action: app.DropFrame}
	bind(o, "sa")
	b := bind(o, "sb")
	require.NoError(t, o.Join("sa", "lobby", "alice", "pa"))
	require.NoError(t, o.Join("sb", "lobby", "bob", "pb"))
	b.full = true

	require.NoError(t, o.Relay("sa", "pb", core.Signal(`{}`)))

	room, _ := o.Rooms.Get("lobby")
	assert.Equal(t, 2, room.MemberCount())
	assert.False(t, b.canceled)
}

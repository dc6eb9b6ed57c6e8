package orch

import (
	"context"
	"errors"

	"github.com/dkeye/meshcall/internal/app"
	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/signaling"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotInRoom   = errors.New("not in a room")
	ErrUnknownPeer = errors.New("unknown peer")
	ErrNoSession   = errors.New("no session")
	ErrPeerIDTaken = errors.New("peer id already in room")
	ErrEmptyPeerID = errors.New("empty peer id")
	ErrEmptyRoom   = errors.New("empty room name")
)

// Orchestrator is the relay: it keeps room rosters and forwards
// negotiation payloads between members. Media never passes through it.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
}

// publish fans frame out to the room (skipping from) and applies the
// backpressure policy to members whose buffer was full.
func (o *Orchestrator) publish(roomName domain.RoomName, room core.RoomService, from core.SessionID, frame core.Frame) {
	res := room.Broadcast(from, frame)
	for _, slow := range res.Dropped {
		o.onBackpressure(room, slow)
	}
	if len(res.Dropped) > 0 {
		log.Warn().Str("module", "orch").Str("room", string(roomName)).Int("dropped", len(res.Dropped)).Msg("slow members")
	}
}

func (o *Orchestrator) onBackpressure(room core.RoomService, slow core.MemberSession) {
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(room, slow) {
	case app.KickMember:
		if sid, ok := o.Registry.SIDOf(slow); ok {
			o.KickBySID(sid)
		}
	case app.DropFrame, app.NoAction:
	}
}

// Relay forwards sig from the sender of sid to the room member owning to.
// The target sees the sender's peer id.
func (o *Orchestrator) Relay(sid core.SessionID, to domain.PeerID, sig core.Signal) error {
	roomName, sess, ok := o.Registry.RoomOf(sid)
	if !ok {
		return ErrNotInRoom
	}
	room, ok := o.Rooms.Get(roomName)
	if !ok {
		return ErrNotInRoom
	}
	target, ok := room.Member(to)
	if !ok {
		return ErrUnknownPeer
	}
	frame, err := signaling.Encode(signaling.EventSignal, signaling.SignalPayload{
		PeerID: sess.Meta().PeerID,
		Signal: sig,
	})
	if err != nil {
		return err
	}
	sc := target.Signal()
	if sc == nil {
		return ErrUnknownPeer
	}
	if err := sc.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("to", string(to)).Msg("relay signal")
		o.onBackpressure(room, target)
	}
	return nil
}

// Connect binds a new socket to sid. When the client token reconnects while
// still in a room, that membership is dropped first so the older socket
// cannot leave a member behind once it is reaped.
func (o *Orchestrator) Connect(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc) {
	if roomName, _, ok := o.Registry.RoomOf(sid); ok {
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(roomName)).Msg("reconnect drops previous membership")
		o.Leave(sid)
	}
	o.Registry.BindSignal(sid, sess, cancel)
}

// Disconnect is called when the socket sc of sid goes away.
func (o *Orchestrator) Disconnect(sid core.SessionID, sc core.SignalConnection) {
	cur, ok := o.Registry.GetSession(sid)
	if !ok || cur.Signal() != sc {
		// A newer socket with the same client token took over.
		return
	}
	o.Leave(sid)
	o.Registry.Unbind(sid, cur)
}

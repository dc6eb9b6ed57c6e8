package orch

import (
	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/signaling"
	"github.com/rs/zerolog/log"
)

// Join places sid into roomName as peerID and sends the full roster to
// everyone in the room, naming the joiner as initiator. A member already
// in another room leaves it first.
func (o *Orchestrator) Join(sid core.SessionID, roomName domain.RoomName, nickname string, peerID domain.PeerID) error {
	if roomName == "" {
		return ErrEmptyRoom
	}
	if peerID == "" {
		return ErrEmptyPeerID
	}
	old, ok := o.Registry.GetSession(sid)
	if !ok {
		return ErrNoSession
	}
	if nickname != "" {
		if err := o.Registry.UpdateUsername(sid, nickname); err != nil {
			return err
		}
	}

	room := o.Rooms.GetOrCreate(roomName)
	if other, ok := room.Member(peerID); ok && other != old {
		return ErrPeerIDTaken
	}

	if from, _, ok := o.Registry.RoomOf(sid); ok {
		o.Leave(sid)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("from_room", string(from)).Msg("left previous room")
		// Leave may have stopped an emptied room with the same name.
		room = o.Rooms.GetOrCreate(roomName)
	}

	user := o.Registry.GetOrCreateUser(sid)
	sess := core.NewMemberSession(domain.NewMember(user, peerID)).UpdateSignal(old.Signal())
	if !o.Registry.Rebind(sid, sess) {
		return ErrNoSession
	}
	room.AddMember(sid, sess)
	o.Registry.UpdateRoom(sid, roomName)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(roomName)).Str("peer_id", string(peerID)).Msg("joined room")

	o.announce(roomName, room, peerID)
	return nil
}

// Leave removes sid from its room, telling the rest of the room with a
// hangUp and a fresh roster. The connection stays open.
func (o *Orchestrator) Leave(sid core.SessionID) {
	roomName, sess, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	peerID := sess.Meta().PeerID
	o.Registry.RemoveRoom(sid)
	room, ok := o.Rooms.Get(roomName)
	if !ok {
		return
	}
	room.RemoveMember(sid)
	if room.MemberCount() == 0 {
		o.Rooms.StopRoom(roomName)
		return
	}

	frame, err := signaling.Encode(signaling.EventHangUp, signaling.HangUpPayload{PeerID: peerID})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode hangUp")
		return
	}
	o.publish(roomName, room, sid, frame)
	// Nobody is new in a leave snapshot, so no initiator is named.
	o.announce(roomName, room, "")
}

func (o *Orchestrator) KickBySID(sid core.SessionID) {
	log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("kick")
	o.Leave(sid)
	o.Registry.Cancel(sid)
}

// EvictRoom kicks every member of name and closes the room.
func (o *Orchestrator) EvictRoom(name domain.RoomName) {
	for _, snap := range o.Registry.MembersOfRoom(name) {
		o.KickBySID(snap.SID)
	}
	o.Rooms.StopRoom(name)
}

// Shutdown evicts every open room. The server calls it before closing.
func (o *Orchestrator) Shutdown() {
	rooms := o.Rooms.List()
	for _, info := range rooms {
		o.EvictRoom(info.Name)
	}
	log.Info().Str("module", "orch").Int("rooms", len(rooms)).Msg("evicted rooms on shutdown")
}

// Roster builds the users snapshot of room.
func Roster(room core.RoomService, initiator domain.PeerID) signaling.UsersPayload {
	members := room.MembersSnapshot()
	p := signaling.UsersPayload{
		Initiator: initiator,
		PeerIDs:   make([]domain.PeerID, 0, len(members)),
		Nicknames: make(map[domain.PeerID]string, len(members)),
	}
	for _, m := range members {
		p.PeerIDs = append(p.PeerIDs, m.PeerID)
		p.Nicknames[m.PeerID] = m.Username
	}
	return p
}

func (o *Orchestrator) announce(roomName domain.RoomName, room core.RoomService, initiator domain.PeerID) {
	frame, err := signaling.Encode(signaling.EventUsers, Roster(room, initiator))
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode users")
		return
	}
	o.publish(roomName, room, "", frame)
}

package app

import (
	"sort"
	"sync"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/rs/zerolog/log"
)

// Rooms is the in-memory core.RoomManager of the relay. Rooms appear on
// the first join and are dropped by the orchestrator once empty.
type Rooms struct {
	mu    sync.Mutex
	rooms map[domain.RoomName]core.RoomService
}

func NewRoomManager() *Rooms {
	return &Rooms{rooms: make(map[domain.RoomName]core.RoomService)}
}

func (rs *Rooms) GetOrCreate(name domain.RoomName) core.RoomService {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if room, ok := rs.rooms[name]; ok {
		return room
	}
	room := core.NewRoomService(&domain.Room{ID: domain.RoomID(name), Name: name})
	rs.rooms[name] = room
	log.Info().Str("module", "app.rooms").Str("room", string(name)).Int("rooms", len(rs.rooms)).Msg("room opened")
	return room
}

func (rs *Rooms) Get(name domain.RoomName) (core.RoomService, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	room, ok := rs.rooms[name]
	return room, ok
}

// List is ordered by room name.
func (rs *Rooms) List() []core.RoomInfo {
	rs.mu.Lock()
	snapshot := make(map[domain.RoomName]core.RoomService, len(rs.rooms))
	for name, room := range rs.rooms {
		snapshot[name] = room
	}
	rs.mu.Unlock()

	out := make([]core.RoomInfo, 0, len(snapshot))
	for name, room := range snapshot {
		out = append(out, core.RoomInfo{Name: name, MemberCount: room.MemberCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (rs *Rooms) StopRoom(name domain.RoomName) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.rooms[name]; !ok {
		return
	}
	delete(rs.rooms, name)
	log.Info().Str("module", "app.rooms").Str("room", string(name)).Msg("room closed")
}

// Package http holds the read-only REST handlers of the relay.
package http

import (
	"net/http"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/gin-gonic/gin"
)

type RoomsResponse struct {
	Rooms []core.RoomInfo `json:"rooms"`
}

type MembersResponse struct {
	Room    domain.RoomName  `json:"room"`
	Members []core.MemberDTO `json:"members"`
	Count   int              `json:"count"`
}

type RoomsHandler struct {
	Rooms core.RoomManager
}

// Register mounts the handlers on g.
func (h *RoomsHandler) Register(g *gin.RouterGroup) {
	g.GET("/rooms", h.listRooms)
	g.GET("/rooms/:name/members", h.roomMembers)
}

func (h *RoomsHandler) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, RoomsResponse{Rooms: h.Rooms.List()})
}

func (h *RoomsHandler) roomMembers(c *gin.Context) {
	name := domain.RoomName(c.Param("name"))
	room, ok := h.Rooms.Get(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	members := room.MembersSnapshot()
	c.JSON(http.StatusOK, MembersResponse{
		Room:    name,
		Members: members,
		Count:   len(members),
	})
}

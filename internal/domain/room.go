package domain

type (
	RoomName string
	RoomID   string
)

// MaxRoomNameLen bounds room names taken from ready payloads.
const MaxRoomNameLen = 64

// Room is a relay room. Its id is the name; rooms live only while occupied.
type Room struct {
	ID   RoomID
	Name RoomName
}

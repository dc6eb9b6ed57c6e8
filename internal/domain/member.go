package domain

// Member represents a participant's presence in a relay room.
// No transport or lifecycle logic here.
type Member struct {
	User   *User
	PeerID PeerID
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(user *User, peerID PeerID) *Member {
	return &Member{User: user, PeerID: peerID}
}

package domain

import (
	"maps"
	"sync"
)

// Directory maps peers to their user identity and display nickname as
// announced by the relay. Lookups for unknown peers fall back to the peer id.
type Directory struct {
	mu        sync.RWMutex
	nicknames map[PeerID]string
}

func NewDirectory() *Directory {
	return &Directory{nicknames: make(map[PeerID]string)}
}

// Update replaces the directory with a full roster snapshot. Peers missing
// from it are forgotten.
func (d *Directory) Update(nicknames map[PeerID]string) {
	next := make(map[PeerID]string, len(nicknames))
	maps.Copy(next, nicknames)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nicknames = next
}

func (d *Directory) Remove(peerID PeerID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nicknames, peerID)
}

func (d *Directory) Nickname(peerID PeerID) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nicknames[peerID]
	return n, ok
}

// UserOf resolves the user behind a peer. In a mesh call every peer is its
// own user, so the id is derived from the peer id; ok reports whether the
// relay has announced the peer yet.
func (d *Directory) UserOf(peerID PeerID) (UserID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.nicknames[peerID]
	return UserID(peerID), ok
}

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryUpdateReplacesSnapshot(t *testing.T) {
	d := NewDirectory()
	d.Update(map[PeerID]string{"pa": "alice", "pb": "bob"})

	d.Update(map[PeerID]string{"pb": "bobby"})

	_, ok := d.UserOf("pa")
	assert.False(t, ok, "peer left the roster")
	_, ok = d.Nickname("pa")
	assert.False(t, ok)

	id, ok := d.UserOf("pb")
	require.True(t, ok)
	assert.Equal(t, UserID("pb"), id)
	n, _ := d.Nickname("pb")
	assert.Equal(t, "bobby", n)
}

func TestDirectorySnapshotIsCopied(t *testing.T) {
	d := NewDirectory()
	snap := map[PeerID]string{"pa": "alice"}
	d.Update(snap)
	snap["pa"] = "mallory"
	delete(snap, "pa")

	n, ok := d.Nickname("pa")
	require.True(t, ok)
	assert.Equal(t, "alice", n)

	d.Update(nil)
	_, ok = d.Nickname("pa")
	assert.False(t, ok)
}

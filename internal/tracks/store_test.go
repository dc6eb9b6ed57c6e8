package tracks

import (
	"testing"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack string

func (f fakeTrack) ID() string { return string(f) }

type fakePlayable struct {
	tracks   map[string]bool
	released bool
}

func (p *fakePlayable) AddTrack(t core.Track)    { p.tracks[t.ID()] = true }
func (p *fakePlayable) RemoveTrack(t core.Track) { delete(p.tracks, t.ID()) }
func (p *fakePlayable) Release()                 { p.released = true }

type playables struct {
	created []*fakePlayable
}

func (ps *playables) factory(domain.UserID, string) Playable {
	p := &fakePlayable{tracks: make(map[string]bool)}
	ps.created = append(ps.created, p)
	return p
}

type replaceCall struct {
	streamType domain.StreamType
	old, new   *core.LocalStream
}

type fakeMedia struct {
	calls []replaceCall
}

func (m *fakeMedia) ReplaceLocalStream(t domain.StreamType, oldStream, newStream *core.LocalStream) {
	m.calls = append(m.calls, replaceCall{streamType: t, old: oldStream, new: newStream})
}

func TestUnmuteMakesStreamVisible(t *testing.T) {
	ps := &playables{}
	s := NewStore(WithPlayableFactory(ps.factory))

	s.OnTrackAdded("p1", "0", fakeTrack("v1"), "video")
	assert.Empty(t, s.Streams(), "added tracks are muted")

	s.OnTrackUnmuted("p1", "0", "S")
	streams := s.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, domain.UserID("p1"), streams[0].UserID, "unknown user falls back to peer id")
	assert.Equal(t, "S", streams[0].StreamID)
	require.Len(t, streams[0].Tracks, 1)
	assert.Equal(t, "v1", streams[0].Tracks[0].TrackID)

	require.Len(t, ps.created, 1)
	assert.True(t, ps.created[0].tracks["v1"])
}

func TestMuteHidesStreamAndUnmuteRestoresIt(t *testing.T) {
	ps := &playables{}
	s := NewStore(WithPlayableFactory(ps.factory))

	s.OnTrackAdded("p1", "0", fakeTrack("v1"), "video")
	s.OnTrackUnmuted("p1", "0", "S")
	s.OnTrackMuted("p1", "0")

	assert.Empty(t, s.Streams())
	assert.Equal(t, 1, s.TrackCount("p1"), "record survives mute")
	require.Len(t, ps.created, 1)
	assert.True(t, ps.created[0].released)

	s.OnTrackUnmuted("p1", "0", "S")
	view, ok := s.Stream("p1", "S")
	require.True(t, ok)
	require.Len(t, view.Tracks, 1)
	assert.Equal(t, "v1", view.Tracks[0].TrackID)
	assert.Len(t, ps.created, 2, "a fresh handle is built when the stream reappears")
}

func TestStreamStaysWhileAnyTrackIsLive(t *testing.T) {
	s := NewStore()
	s.OnTrackAdded("p1", "0", fakeTrack("a1"), "audio")
	s.OnTrackAdded("p1", "1", fakeTrack("v1"), "video")
	s.OnTrackUnmuted("p1", "0", "cam")
	s.OnTrackUnmuted("p1", "1", "cam")

	view, ok := s.Stream("p1", "cam")
	require.True(t, ok)
	assert.Len(t, view.Tracks, 2)

	s.OnTrackMuted("p1", "1")
	view, ok = s.Stream("p1", "cam")
	require.True(t, ok)
	require.Len(t, view.Tracks, 1)
	assert.Equal(t, "a1", view.Tracks[0].TrackID)

	s.OnTrackMuted("p1", "0")
	_, ok = s.Stream("p1", "cam")
	assert.False(t, ok)
}

func TestTracksGroupByStreamID(t *testing.T) {
	s := NewStore()
	s.OnTrackAdded("p1", "0", fakeTrack("cam-v"), "video")
	s.OnTrackAdded("p1", "1", fakeTrack("desk-v"), "video")
	s.OnTrackUnmuted("p1", "0", "camera-stream")
	s.OnTrackUnmuted("p1", "1", "desktop-stream")

	streams := s.Streams()
	require.Len(t, streams, 2)
	assert.Equal(t, "camera-stream", streams[0].StreamID)
	assert.Equal(t, "desktop-stream", streams[1].StreamID)
}

func TestKnownUserKeysStream(t *testing.T) {
	dir := domain.NewDirectory()
	dir.Update(map[domain.PeerID]string{"p1": "alice"})
	s := NewStore(WithUserResolver(dir))

	s.OnTrackAdded("p1", "0", fakeTrack("v"), "video")
	s.OnTrackUnmuted("p1", "0", "S")
	_, ok := s.Stream(domain.UserID("p1"), "S")
	assert.True(t, ok)
}

func TestUnknownTrackEventsAreIgnored(t *testing.T) {
	changes := 0
	s := NewStore(WithOnChange(func() { changes++ }))

	assert.NotPanics(t, func() {
		s.OnTrackUnmuted("ghost", "9", "S")
		s.OnTrackMuted("ghost", "9")
	})
	assert.Empty(t, s.Streams())
	assert.Zero(t, changes)
}

func TestPeerRemovedDropsRecordsAndStreams(t *testing.T) {
	ps := &playables{}
	s := NewStore(WithPlayableFactory(ps.factory))
	s.OnTrackAdded("p1", "0", fakeTrack("a"), "audio")
	s.OnTrackAdded("p1", "1", fakeTrack("v"), "video")
	s.OnTrackAdded("p2", "0", fakeTrack("x"), "audio")
	s.OnTrackUnmuted("p1", "0", "S")
	s.OnTrackUnmuted("p2", "0", "T")

	s.OnPeerRemoved("p1")

	assert.Zero(t, s.TrackCount("p1"))
	assert.Equal(t, 1, s.TrackCount("p2"))
	streams := s.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, domain.PeerID("p2"), streams[0].PeerID)
	assert.True(t, ps.created[0].released)
	assert.False(t, ps.created[1].released)

	s.OnTrackUnmuted("p1", "1", "S")
	assert.Len(t, s.Streams(), 1, "late unmute after removal is ignored")
}

func TestRepeatedUnmuteIsIdempotent(t *testing.T) {
	changes := 0
	s := NewStore(WithOnChange(func() { changes++ }))
	s.OnTrackAdded("p1", "0", fakeTrack("v"), "video")
	s.OnTrackUnmuted("p1", "0", "S")
	s.OnTrackUnmuted("p1", "0", "S")

	view, ok := s.Stream("p1", "S")
	require.True(t, ok)
	assert.Len(t, view.Tracks, 1)
	assert.Equal(t, 1, changes)
}

func TestUnmuteWithNewStreamIDMovesTrack(t *testing.T) {
	s := NewStore()
	s.OnTrackAdded("p1", "0", fakeTrack("v"), "video")
	s.OnTrackUnmuted("p1", "0", "S1")
	s.OnTrackUnmuted("p1", "0", "S2")

	_, ok := s.Stream("p1", "S1")
	assert.False(t, ok)
	_, ok = s.Stream("p1", "S2")
	assert.True(t, ok)
}

func TestReaddedMidReplacesLiveTrack(t *testing.T) {
	s := NewStore()
	s.OnTrackAdded("p1", "0", fakeTrack("old"), "video")
	s.OnTrackUnmuted("p1", "0", "S")
	s.OnTrackAdded("p1", "0", fakeTrack("new"), "video")

	assert.Empty(t, s.Streams())
	assert.Equal(t, 1, s.TrackCount("p1"))

	s.OnTrackUnmuted("p1", "0", "S")
	view, ok := s.Stream("p1", "S")
	require.True(t, ok)
	assert.Equal(t, "new", view.Tracks[0].TrackID)
}

func TestLocalStreamReplacementIsForwarded(t *testing.T) {
	media := &fakeMedia{}
	s := NewStore()
	s.BindLocalMedia(media)

	first := &core.LocalStream{ID: "cam1", Tracks: []core.LocalTrack{{Track: fakeTrack("v1"), Kind: "video"}}}
	second := &core.LocalStream{ID: "cam2", Tracks: []core.LocalTrack{{Track: fakeTrack("v2"), Kind: "video"}}}

	s.OnLocalStreamReplaced(nil, first, domain.StreamTypeCamera)
	s.OnLocalStreamReplaced(first, second, domain.StreamTypeCamera)
	got, ok := s.LocalStream(domain.StreamTypeCamera)
	require.True(t, ok)
	assert.Same(t, second, got)

	s.OnLocalStreamReplaced(second, nil, domain.StreamTypeCamera)
	_, ok = s.LocalStream(domain.StreamTypeCamera)
	assert.False(t, ok)

	require.Len(t, media.calls, 3)
	assert.Nil(t, media.calls[0].old)
	assert.Same(t, first, media.calls[1].old)
	assert.Same(t, second, media.calls[1].new)
	assert.Nil(t, media.calls[2].new)
	assert.Empty(t, s.Streams(), "local streams are not part of the remote index")
}

// Package tracks groups remote media tracks into logical per-user streams.
//
// Tracks are announced per (peer, mid) before their stream id is known. A
// track joins the stream named by its stream id when it unmutes and leaves
// it when it mutes; a stream is visible only while it has a live track.
package tracks

import (
	"sort"
	"sync"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// UserResolver maps a peer to the user it belongs to. ok is false while the
// relay has not announced the peer yet.
type UserResolver interface {
	UserOf(peerID domain.PeerID) (domain.UserID, bool)
}

// Playable is the render-side handle of a visible stream.
type Playable interface {
	AddTrack(track core.Track)
	RemoveTrack(track core.Track)
	Release()
}

type PlayableFactory func(userID domain.UserID, streamID string) Playable

// LocalMedia receives local stream replacements for every live peer session.
type LocalMedia interface {
	ReplaceLocalStream(streamType domain.StreamType, oldStream, newStream *core.LocalStream)
}

type StreamKey struct {
	UserID   domain.UserID
	StreamID string
}

type TrackView struct {
	PeerID  domain.PeerID
	Mid     string
	TrackID string
	Kind    string
}

// StreamView is a read-only snapshot of a visible stream.
type StreamView struct {
	UserID   domain.UserID
	PeerID   domain.PeerID
	StreamID string
	Tracks   []TrackView
	Playable Playable
}

type recordKey struct {
	peerID domain.PeerID
	mid    string
}

type record struct {
	key      recordKey
	track    core.Track
	kind     string
	streamID string
	stream   *StreamKey // nil while muted
}

type logicalStream struct {
	key      StreamKey
	peerID   domain.PeerID
	tracks   map[recordKey]*record
	playable Playable
}

type Option func(*Store)

func WithUserResolver(r UserResolver) Option {
	return func(s *Store) { s.users = r }
}

func WithPlayableFactory(f PlayableFactory) Option {
	return func(s *Store) { s.newPlayable = f }
}

// WithOnChange registers a callback run after every change to the visible
// stream set. It runs outside the store lock.
func WithOnChange(fn func()) Option {
	return func(s *Store) { s.onChange = fn }
}

// Store owns the (peer, mid) → track records and the visible stream index.
// Only forwarded transport events mutate it.
type Store struct {
	mu      sync.Mutex
	records map[recordKey]*record
	streams map[StreamKey]*logicalStream
	local   map[domain.StreamType]*core.LocalStream

	users       UserResolver
	newPlayable PlayableFactory
	media       LocalMedia
	onChange    func()
	logger      zerolog.Logger
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		records: make(map[recordKey]*record),
		streams: make(map[StreamKey]*logicalStream),
		local:   make(map[domain.StreamType]*core.LocalStream),
		logger:  log.With().Str("module", "tracks").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BindLocalMedia sets the sink for local stream replacements.
func (s *Store) BindLocalMedia(m LocalMedia) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media = m
}

// effects collects playable calls so they run after the lock is released.
type effects []func()

func (e effects) run() {
	for _, fn := range e {
		fn()
	}
}

func (s *Store) commit(fx effects, changed bool) {
	fx.run()
	if changed && s.onChange != nil {
		s.onChange()
	}
}

// OnTrackAdded records a newly negotiated track. It is muted until the
// transport reports otherwise, so no stream changes yet.
func (s *Store) OnTrackAdded(peerID domain.PeerID, mid string, track core.Track, kind string) {
	key := recordKey{peerID: peerID, mid: mid}

	s.mu.Lock()
	var fx effects
	changed := false
	if old, ok := s.records[key]; ok && old.stream != nil {
		// The mid was reused for a new track; the previous one is gone.
		fx, changed = s.detach(old, fx)
	}
	s.records[key] = &record{key: key, track: track, kind: kind}
	s.mu.Unlock()

	s.logger.Debug().Str("peer_id", string(peerID)).Str("mid", mid).Str("kind", kind).Msg("track added")
	s.commit(fx, changed)
}

// OnTrackUnmuted makes the track live in the stream named by streamID.
// Unknown (peer, mid) pairs are ignored; they race with peer removal.
func (s *Store) OnTrackUnmuted(peerID domain.PeerID, mid, streamID string) {
	key := recordKey{peerID: peerID, mid: mid}

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn().Str("peer_id", string(peerID)).Str("mid", mid).Msg("unmute for unknown track")
		return
	}

	userID, known := s.userOf(peerID)
	target := StreamKey{UserID: userID, StreamID: streamID}

	var fx effects
	if rec.stream != nil {
		if *rec.stream == target {
			s.mu.Unlock()
			return
		}
		fx, _ = s.detach(rec, fx)
	}
	rec.streamID = streamID

	ls, ok := s.streams[target]
	if !ok {
		ls = &logicalStream{key: target, peerID: peerID, tracks: make(map[recordKey]*record)}
		if s.newPlayable != nil {
			ls.playable = s.newPlayable(target.UserID, target.StreamID)
		}
		s.streams[target] = ls
	}
	ls.tracks[key] = rec
	rec.stream = &target
	if p := ls.playable; p != nil {
		track := rec.track
		fx = append(fx, func() { p.AddTrack(track) })
	}
	s.mu.Unlock()

	s.logger.Debug().
		Str("peer_id", string(peerID)).
		Str("mid", mid).
		Str("stream_id", streamID).
		Bool("user_known", known).
		Msg("track unmuted")
	s.commit(fx, true)
}

// OnTrackMuted removes the track from its stream but keeps its record so a
// later unmute restores it.
func (s *Store) OnTrackMuted(peerID domain.PeerID, mid string) {
	key := recordKey{peerID: peerID, mid: mid}

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok || rec.stream == nil {
		s.mu.Unlock()
		if !ok {
			s.logger.Warn().Str("peer_id", string(peerID)).Str("mid", mid).Msg("mute for unknown track")
		}
		return
	}
	fx, changed := s.detach(rec, nil)
	s.mu.Unlock()

	s.logger.Debug().Str("peer_id", string(peerID)).Str("mid", mid).Msg("track muted")
	s.commit(fx, changed)
}

// OnPeerRemoved forgets every record and stream of peerID.
func (s *Store) OnPeerRemoved(peerID domain.PeerID) {
	s.mu.Lock()
	var fx effects
	changed := false
	removed := 0
	for key, rec := range s.records {
		if key.peerID != peerID {
			continue
		}
		if rec.stream != nil {
			var c bool
			fx, c = s.detach(rec, fx)
			changed = changed || c
		}
		delete(s.records, key)
		removed++
	}
	s.mu.Unlock()

	s.logger.Debug().Str("peer_id", string(peerID)).Int("tracks", removed).Msg("peer removed")
	s.commit(fx, changed)
}

// OnLocalStreamReplaced records the local stream of streamType and forwards
// the replacement to the session layer. newStream nil clears it.
func (s *Store) OnLocalStreamReplaced(oldStream, newStream *core.LocalStream, streamType domain.StreamType) {
	s.mu.Lock()
	if newStream == nil {
		delete(s.local, streamType)
	} else {
		s.local[streamType] = newStream
	}
	media := s.media
	s.mu.Unlock()

	s.logger.Info().Str("type", string(streamType)).Bool("cleared", newStream == nil).Msg("local stream replaced")
	if media != nil {
		media.ReplaceLocalStream(streamType, oldStream, newStream)
	}
	if s.onChange != nil {
		s.onChange()
	}
}

// detach removes rec from its stream and deletes the stream when it has no
// live track left. Caller holds s.mu.
func (s *Store) detach(rec *record, fx effects) (effects, bool) {
	key := *rec.stream
	rec.stream = nil
	ls, ok := s.streams[key]
	if !ok {
		return fx, false
	}
	delete(ls.tracks, rec.key)
	if p := ls.playable; p != nil {
		track := rec.track
		fx = append(fx, func() { p.RemoveTrack(track) })
	}
	if len(ls.tracks) == 0 {
		delete(s.streams, key)
		if p := ls.playable; p != nil {
			fx = append(fx, p.Release)
		}
	}
	return fx, true
}

func (s *Store) userOf(peerID domain.PeerID) (domain.UserID, bool) {
	if s.users == nil {
		return domain.UserID(peerID), false
	}
	userID, ok := s.users.UserOf(peerID)
	if !ok || userID == "" {
		return domain.UserID(peerID), false
	}
	return userID, true
}

// Streams returns the visible streams ordered by user and stream id.
func (s *Store) Streams() []StreamView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamView, 0, len(s.streams))
	for _, ls := range s.streams {
		out = append(out, ls.view())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].StreamID < out[j].StreamID
	})
	return out
}

func (s *Store) Stream(userID domain.UserID, streamID string) (StreamView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.streams[StreamKey{UserID: userID, StreamID: streamID}]
	if !ok {
		return StreamView{}, false
	}
	return ls.view(), true
}

func (s *Store) LocalStream(streamType domain.StreamType) (*core.LocalStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.local[streamType]
	return ls, ok
}

// TrackCount is the number of track records held for peerID, live or not.
func (s *Store) TrackCount(peerID domain.PeerID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.records {
		if key.peerID == peerID {
			n++
		}
	}
	return n
}

func (ls *logicalStream) view() StreamView {
	v := StreamView{
		UserID:   ls.key.UserID,
		PeerID:   ls.peerID,
		StreamID: ls.key.StreamID,
		Tracks:   make([]TrackView, 0, len(ls.tracks)),
		Playable: ls.playable,
	}
	for _, rec := range ls.tracks {
		tv := TrackView{PeerID: rec.key.peerID, Mid: rec.key.mid, Kind: rec.kind}
		if rec.track != nil {
			tv.TrackID = rec.track.ID()
		}
		v.Tracks = append(v.Tracks, tv)
	}
	sort.Slice(v.Tracks, func(i, j int) bool { return v.Tracks[i].Mid < v.Tracks[j].Mid })
	return v
}

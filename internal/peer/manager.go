// Package peer keeps one peer connection per remote participant and keeps
// that set congruent with the relay's roster.
package peer

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownPeer  = errors.New("unknown peer")
	ErrNotConnected = errors.New("peer not connected")
	ErrSelfPeer     = errors.New("cannot open a session to self")
)

// BroadcastResult reports per-peer delivery of one Broadcast.
type BroadcastResult struct {
	SentTo int
	Failed map[domain.PeerID]error
}

// Manager owns every session of one call. Connection callbacks may arrive
// on any goroutine; state is guarded by mu and connections are never
// called while it is held.
type Manager struct {
	localID domain.PeerID
	factory core.ConnectionFactory
	tracks  TrackSink

	mu         sync.Mutex
	sessions   map[domain.PeerID]*session
	local      map[domain.StreamType]*core.LocalStream
	sendSignal SignalSender
	listener   Listener

	logger zerolog.Logger
}

func NewManager(localID domain.PeerID, factory core.ConnectionFactory, tracks TrackSink) *Manager {
	return &Manager{
		localID:  localID,
		factory:  factory,
		tracks:   tracks,
		sessions: make(map[domain.PeerID]*session),
		local:    make(map[domain.StreamType]*core.LocalStream),
		listener: NopListener{},
		logger:   log.With().Str("module", "peer").Str("local_id", string(localID)).Logger(),
	}
}

func (m *Manager) LocalID() domain.PeerID { return m.localID }

// OnSignal sets the callback for outgoing negotiation payloads.
func (m *Manager) OnSignal(fn SignalSender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendSignal = fn
}

// SetListener replaces the per-peer notification target.
func (m *Manager) SetListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l == nil {
		l = NopListener{}
	}
	m.listener = l
}

// Reconcile makes the session set match roster: new participants get a
// session, departed ones lose theirs, everyone else is left alone.
// A session is the initiator iff the roster names the local peer.
func (m *Manager) Reconcile(roster Roster) {
	initiator := roster.Initiator == m.localID
	want := make(map[domain.PeerID]struct{}, len(roster.PeerIDs))

	for _, id := range roster.PeerIDs {
		if id == m.localID || id == "" {
			continue
		}
		want[id] = struct{}{}
		if m.has(id) {
			continue
		}
		if err := m.Create(id, initiator); err != nil {
			m.logger.Error().Err(err).Str("peer_id", string(id)).Msg("create session")
		}
	}

	for _, id := range m.PeerIDs() {
		if _, ok := want[id]; !ok {
			m.logger.Info().Str("peer_id", string(id)).Msg("peer left roster")
			m.Destroy(id)
		}
	}
}

// Create opens a session to peerID, destroying any existing one first.
func (m *Manager) Create(peerID domain.PeerID, initiator bool) error {
	if peerID == m.localID {
		return ErrSelfPeer
	}
	sess := &session{peerID: peerID, initiator: initiator, state: StateConnecting}

	m.mu.Lock()
	old := m.sessions[peerID]
	if old != nil {
		old.state = StateClosed
	}
	// Registered before the factory runs so early events are not dropped.
	m.sessions[peerID] = sess
	m.mu.Unlock()

	if old != nil {
		m.logger.Info().Str("peer_id", string(peerID)).Msg("replacing session")
		m.release(old)
	}

	conn, err := m.factory(peerID, initiator, func(ev core.Event) { m.handle(sess, ev) })
	if err != nil {
		m.mu.Lock()
		if m.sessions[peerID] == sess {
			delete(m.sessions, peerID)
		}
		sess.state = StateClosed
		m.mu.Unlock()
		return fmt.Errorf("create session %s: %w", peerID, err)
	}

	m.mu.Lock()
	sess.conn = conn
	stale := sess.state == StateClosed
	early := sess.earlyConnect
	sess.earlyConnect = false
	m.mu.Unlock()
	if stale {
		// Replaced or destroyed while the factory ran.
		conn.Destroy()
		return nil
	}
	if early {
		m.onConnect(sess)
	}

	m.logger.Info().Str("peer_id", string(peerID)).Bool("initiator", initiator).Msg("session created")
	return nil
}

// Destroy closes the session to peerID, if any.
func (m *Manager) Destroy(peerID domain.PeerID) {
	m.mu.Lock()
	sess, ok := m.sessions[peerID]
	if ok {
		delete(m.sessions, peerID)
		sess.state = StateClosed
	}
	m.mu.Unlock()
	if ok {
		m.release(sess)
	}
}

// HangUp closes every session.
func (m *Manager) HangUp() {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for id, sess := range m.sessions {
		sess.state = StateClosed
		all = append(all, sess)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	m.logger.Info().Int("sessions", len(all)).Msg("hang up")
	for _, sess := range all {
		m.release(sess)
	}
}

// release runs the close path of a session already marked closed.
func (m *Manager) release(sess *session) {
	m.mu.Lock()
	conn := sess.conn
	listener := m.listener
	m.mu.Unlock()

	if conn != nil {
		conn.Destroy()
	}
	m.tracks.OnPeerRemoved(sess.peerID)
	listener.PeerClosed(sess.peerID)
	m.logger.Info().Str("peer_id", string(sess.peerID)).Msg("session closed")
}

// Signal forwards a remote negotiation payload to the matching session.
// Signals for unknown peers are expected under churn and only logged.
func (m *Manager) Signal(peerID domain.PeerID, sig core.Signal) error {
	m.mu.Lock()
	sess, ok := m.sessions[peerID]
	var conn core.Connection
	if ok {
		conn = sess.conn
	}
	m.mu.Unlock()

	if !ok || conn == nil {
		m.logger.Debug().Str("peer_id", string(peerID)).Msg("dropping signal for unknown peer")
		return fmt.Errorf("signal %s: %w", peerID, ErrUnknownPeer)
	}
	if err := conn.Signal(sig); err != nil {
		m.logger.Warn().Err(err).Str("peer_id", string(peerID)).Msg("apply signal")
		return fmt.Errorf("signal %s: %w", peerID, err)
	}
	return nil
}

// handle applies one connection event. Events from sessions that were
// replaced or destroyed are ignored.
func (m *Manager) handle(sess *session, ev core.Event) {
	m.mu.Lock()
	current := m.sessions[sess.peerID] == sess && sess.state != StateClosed
	sendSignal := m.sendSignal
	listener := m.listener
	m.mu.Unlock()

	if !current {
		m.logger.Debug().Str("peer_id", string(sess.peerID)).Stringer("event", ev.Type).Msg("event from stale session")
		return
	}

	switch ev.Type {
	case core.EventSignal:
		if sendSignal != nil {
			sendSignal(sess.peerID, ev.Signal)
		}
	case core.EventTrack:
		m.tracks.OnTrackAdded(sess.peerID, ev.Mid, ev.Track, ev.Kind)
	case core.EventUnmute:
		m.tracks.OnTrackUnmuted(sess.peerID, ev.Mid, ev.StreamID)
	case core.EventMute:
		m.tracks.OnTrackMuted(sess.peerID, ev.Mid)
	case core.EventData:
		listener.PeerData(sess.peerID, ev.Data)
	case core.EventConnect:
		m.onConnect(sess)
	case core.EventClose:
		m.logger.Info().Str("peer_id", string(sess.peerID)).Msg("connection closed")
		m.drop(sess)
	case core.EventError:
		m.logger.Error().Err(ev.Err).Str("peer_id", string(sess.peerID)).Msg("connection error")
		listener.PeerError(sess.peerID, ev.Err)
		m.drop(sess)
	default:
		m.logger.Warn().Int("type", int(ev.Type)).Str("peer_id", string(sess.peerID)).Msg("unknown event")
	}
}

func (m *Manager) drop(sess *session) {
	m.mu.Lock()
	if m.sessions[sess.peerID] != sess || sess.state == StateClosed {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sess.peerID)
	sess.state = StateClosed
	m.mu.Unlock()
	m.release(sess)
}

// onConnect attaches every current local track. Tracks are not attached
// earlier because peers may join before local media exists.
func (m *Manager) onConnect(sess *session) {
	m.mu.Lock()
	if sess.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	if sess.conn == nil {
		// Create finishes the connect once the factory returns.
		sess.earlyConnect = true
		m.mu.Unlock()
		return
	}
	sess.state = StateConnected
	conn := sess.conn
	streams := m.localStreams()
	listener := m.listener
	m.mu.Unlock()

	m.logger.Info().Str("peer_id", string(sess.peerID)).Int("local_streams", len(streams)).Msg("session connected")
	for _, ls := range streams {
		for _, lt := range ls.Tracks {
			if err := conn.AddTrack(lt.Track, ls.ID); err != nil {
				m.logger.Error().Err(err).Str("peer_id", string(sess.peerID)).Str("stream_id", ls.ID).Msg("attach local track")
			}
		}
	}
	listener.PeerConnected(sess.peerID)
}

// localStreams lists local streams in StreamTypes order. Caller holds mu.
func (m *Manager) localStreams() []*core.LocalStream {
	out := make([]*core.LocalStream, 0, len(m.local))
	for _, t := range domain.StreamTypes {
		if ls, ok := m.local[t]; ok {
			out = append(out, ls)
		}
	}
	return out
}

// ReplaceLocalStream swaps the outgoing stream of streamType on every
// connected session: same-kind tracks are replaced in place, extra new
// tracks are added and leftover old tracks removed. Sessions still
// connecting pick up the new stream when they connect.
func (m *Manager) ReplaceLocalStream(streamType domain.StreamType, oldStream, newStream *core.LocalStream) {
	m.mu.Lock()
	if newStream == nil {
		delete(m.local, streamType)
	} else {
		m.local[streamType] = newStream
	}
	conns := make(map[domain.PeerID]core.Connection)
	for id, sess := range m.sessions {
		if sess.state == StateConnected && sess.conn != nil {
			conns[id] = sess.conn
		}
	}
	m.mu.Unlock()

	for id, conn := range conns {
		if err := applyReplacement(conn, oldStream, newStream); err != nil {
			m.logger.Error().Err(err).Str("peer_id", string(id)).Str("type", string(streamType)).Msg("replace local stream")
		}
	}
}

func applyReplacement(conn core.Connection, oldStream, newStream *core.LocalStream) error {
	var errs []error
	if oldStream == nil {
		if newStream == nil {
			return nil
		}
		for _, nt := range newStream.Tracks {
			errs = append(errs, conn.AddTrack(nt.Track, newStream.ID))
		}
		return errors.Join(errs...)
	}

	byKind := make(map[string][]core.LocalTrack)
	for _, ot := range oldStream.Tracks {
		byKind[ot.Kind] = append(byKind[ot.Kind], ot)
	}
	if newStream != nil {
		for _, nt := range newStream.Tracks {
			if olds := byKind[nt.Kind]; len(olds) > 0 {
				byKind[nt.Kind] = olds[1:]
				errs = append(errs, conn.ReplaceTrack(olds[0].Track, nt.Track, oldStream.ID))
				continue
			}
			errs = append(errs, conn.AddTrack(nt.Track, newStream.ID))
		}
	}
	for _, ot := range oldStream.Tracks {
		for _, left := range byKind[ot.Kind] {
			if left.Track == ot.Track {
				errs = append(errs, conn.RemoveTrack(ot.Track, oldStream.ID))
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Broadcast sends data to every connected session. Failures are per peer.
func (m *Manager) Broadcast(data []byte) BroadcastResult {
	m.mu.Lock()
	targets := make(map[domain.PeerID]core.Connection, len(m.sessions))
	for id, sess := range m.sessions {
		if sess.state == StateConnected && sess.conn != nil {
			targets[id] = sess.conn
		}
	}
	m.mu.Unlock()

	res := BroadcastResult{}
	for id, conn := range targets {
		if err := conn.Send(data); err != nil {
			if res.Failed == nil {
				res.Failed = make(map[domain.PeerID]error)
			}
			res.Failed[id] = err
			m.logger.Warn().Err(err).Str("peer_id", string(id)).Msg("send failed")
			continue
		}
		res.SentTo++
	}
	return res
}

// SendTo sends data to one connected peer.
func (m *Manager) SendTo(peerID domain.PeerID, data []byte) error {
	m.mu.Lock()
	sess, ok := m.sessions[peerID]
	var conn core.Connection
	var state State
	if ok {
		conn, state = sess.conn, sess.state
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("send to %s: %w", peerID, ErrUnknownPeer)
	}
	if state != StateConnected || conn == nil {
		return fmt.Errorf("send to %s: %w", peerID, ErrNotConnected)
	}
	return conn.Send(data)
}

func (m *Manager) has(peerID domain.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[peerID]
	return ok
}

// PeerIDs lists the peers with a live session, sorted.
func (m *Manager) PeerIDs() []domain.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PeerID, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) Session(peerID domain.PeerID) (SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[peerID]
	if !ok {
		return SessionInfo{}, false
	}
	return sess.info(), true
}

// Package signaling translates relay socket events into peer session
// operations and back.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/peer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EventUsers  = "users"
	EventSignal = "signal"
	EventHangUp = "hangUp"
	EventReady  = "ready"
	EventPing   = "ping"
	EventPong   = "pong"
	EventError  = "error"
)

var ErrBadPayload = errors.New("bad payload")

// Envelope is the relay wire frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type UsersPayload struct {
	Initiator domain.PeerID            `json:"initiator"`
	PeerIDs   []domain.PeerID          `json:"peerIds"`
	Nicknames map[domain.PeerID]string `json:"nicknames"`
}

type SignalPayload struct {
	PeerID domain.PeerID `json:"peerId"`
	Signal core.Signal   `json:"signal"`
}

type HangUpPayload struct {
	PeerID domain.PeerID `json:"peerId"`
}

// ErrorPayload is how the relay rejects a request.
type ErrorPayload struct {
	Error string `json:"error"`
}

type ReadyPayload struct {
	Room     string        `json:"room"`
	Nickname string        `json:"nickname"`
	PeerID   domain.PeerID `json:"peerId"`
}

// Socket is the outbound half of the relay channel.
type Socket interface {
	Emit(event string, payload any) error
}

// Sessions is the part of peer.Manager the bridge drives.
type Sessions interface {
	LocalID() domain.PeerID
	Reconcile(roster peer.Roster)
	Signal(peerID domain.PeerID, sig core.Signal) error
	Destroy(peerID domain.PeerID)
}

type Bridge struct {
	socket    Socket
	sessions  Sessions
	directory *domain.Directory
	logger    zerolog.Logger
}

func NewBridge(socket Socket, sessions Sessions, directory *domain.Directory) *Bridge {
	return &Bridge{
		socket:    socket,
		sessions:  sessions,
		directory: directory,
		logger:    log.With().Str("module", "signaling").Logger(),
	}
}

// Ready announces the local participant. Send it once per relay connection.
func (b *Bridge) Ready(room, nickname string) error {
	p := ReadyPayload{Room: room, Nickname: nickname, PeerID: b.sessions.LocalID()}
	b.logger.Info().Str("room", room).Str("nickname", nickname).Str("peer_id", string(p.PeerID)).Msg("ready")
	if err := b.socket.Emit(EventReady, p); err != nil {
		return fmt.Errorf("emit ready: %w", err)
	}
	return nil
}

// SendSignal relays a local negotiation payload to peerID. It matches
// peer.SignalSender.
func (b *Bridge) SendSignal(peerID domain.PeerID, sig core.Signal) {
	if err := b.socket.Emit(EventSignal, SignalPayload{PeerID: peerID, Signal: sig}); err != nil {
		b.logger.Error().Err(err).Str("peer_id", string(peerID)).Msg("emit signal")
	}
}

// HandleUsers applies a full roster snapshot.
func (b *Bridge) HandleUsers(p UsersPayload) {
	b.directory.Update(p.Nicknames)
	b.logger.Debug().Str("initiator", string(p.Initiator)).Int("peers", len(p.PeerIDs)).Msg("users")
	b.sessions.Reconcile(peer.Roster{Initiator: p.Initiator, PeerIDs: p.PeerIDs})
}

// HandleSignal forwards a remote payload. Signals for peers without a
// session are expected under churn.
func (b *Bridge) HandleSignal(p SignalPayload) {
	if err := b.sessions.Signal(p.PeerID, p.Signal); err != nil {
		b.logger.Debug().Err(err).Str("peer_id", string(p.PeerID)).Msg("signal not applied")
	}
}

func (b *Bridge) HandleHangUp(p HangUpPayload) {
	b.logger.Info().Str("peer_id", string(p.PeerID)).Msg("hang up")
	b.directory.Remove(p.PeerID)
	b.sessions.Destroy(p.PeerID)
}

// Dispatch decodes one relay frame and routes it. Unknown types are logged
// and ignored.
func (b *Bridge) Dispatch(data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	switch env.Type {
	case EventUsers:
		var p UsersPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		b.HandleUsers(p)
	case EventSignal:
		var p SignalPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		b.HandleSignal(p)
	case EventHangUp:
		var p HangUpPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		b.HandleHangUp(p)
	case EventError:
		var p ErrorPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		b.logger.Warn().Str("error", p.Error).Msg("relay rejected request")
	case EventPong:
	default:
		b.logger.Warn().Str("type", env.Type).Msg("unknown event")
	}
	return nil
}

func decode(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrBadPayload, env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadPayload, env.Type, err)
	}
	return nil
}

// Encode builds a relay frame.
func Encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event, err)
	}
	return json.Marshal(Envelope{Type: event, Payload: raw})
}

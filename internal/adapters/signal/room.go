package signal

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/meshcall/internal/app/orch"
	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/signaling"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleReady(sid core.SessionID, conn *WsSignalConn, raw json.RawMessage) {
	if !ctl.Limiter.Allow(domain.UserID(sid)) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("ready rate limited")
		ctl.sendError(conn, "rate_limited")
		return
	}
	var p signaling.ReadyPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad ready payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	name := p.Room
	if len(name) > domain.MaxRoomNameLen {
		name = name[:domain.MaxRoomNameLen]
	}

	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room", name).Str("peer_id", string(p.PeerID)).Msg("ready")
	if err := ctl.Orch.Join(sid, domain.RoomName(name), p.Nickname, p.PeerID); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("join rejected")
		ctl.sendError(conn, err.Error())
	}
}

func (ctl *SignalWSController) handleRelay(sid core.SessionID, conn *WsSignalConn, raw json.RawMessage) {
	var p signaling.SignalPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad signal payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	err := ctl.Orch.Relay(sid, p.PeerID, p.Signal)
	switch {
	case err == nil:
	case errors.Is(err, orch.ErrUnknownPeer):
		// The target left while negotiation was in flight.
		log.Debug().Str("module", "signal").Str("sid", string(sid)).Str("to", string(p.PeerID)).Msg("signal for unknown peer")
	default:
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("relay")
		ctl.sendError(conn, err.Error())
	}
}

// handleLeave leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(sid core.SessionID) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.Orch.Leave(sid)
}

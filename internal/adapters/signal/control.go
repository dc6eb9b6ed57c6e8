package signal

import "github.com/dkeye/meshcall/internal/signaling"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.send(conn, signaling.EventPong, nil)
}

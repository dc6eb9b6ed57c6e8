package rtc

import (
	"context"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/dkeye/meshcall/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/transport/v3/packetio"
	"github.com/rs/zerolog"
)

type TrackState int32

const (
	TrackStateMuted TrackState = iota
	TrackStateLive
	TrackStateDone
)

// rtpSource is the part of *webrtc.TrackRemote the watcher reads from.
type rtpSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
	SetReadDeadline(t time.Time) error
	StreamID() string
}

// trackWatcher turns RTP flow on a remote track into unmute/mute events:
// the first packet after silence unmutes, muteTimeout without packets
// mutes.
type trackWatcher struct {
	src         rtpSource
	mid         string
	muteTimeout time.Duration
	emit        func(core.Event)
	logger      *zerolog.Logger

	state atomic.Int32 // zero is TrackStateMuted
}

func newTrackWatcher(src rtpSource, mid string, muteTimeout time.Duration, emit func(core.Event), logger *zerolog.Logger) *trackWatcher {
	if muteTimeout <= 0 {
		muteTimeout = DefaultConfig().MuteTimeout
	}
	return &trackWatcher{src: src, mid: mid, muteTimeout: muteTimeout, emit: emit, logger: logger}
}

func (w *trackWatcher) State() TrackState {
	return TrackState(w.state.Load())
}

func (w *trackWatcher) loop(ctx context.Context) {
	defer w.state.Store(int32(TrackStateDone))
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug().Str("mid", w.mid).Msg("track watcher ctx done")
			return
		default:
		}
		if err := w.src.SetReadDeadline(time.Now().Add(w.muteTimeout)); err != nil {
			w.logger.Error().Err(err).Str("mid", w.mid).Msg("set read deadline")
			return
		}
		_, _, err := w.src.ReadRTP()
		switch {
		case err == nil:
			w.markLive()
		case isTimeout(err):
			w.markMuted()
		default:
			w.logger.Info().Err(err).Str("mid", w.mid).Msg("track read stopped")
			w.markMuted()
			return
		}
	}
}

func (w *trackWatcher) markLive() {
	if w.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateLive)) {
		w.emit(core.Event{Type: core.EventUnmute, Mid: w.mid, StreamID: w.src.StreamID()})
	}
}

func (w *trackWatcher) markMuted() {
	if w.state.CompareAndSwap(int32(TrackStateLive), int32(TrackStateMuted)) {
		w.emit(core.Event{Type: core.EventMute, Mid: w.mid})
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, packetio.ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

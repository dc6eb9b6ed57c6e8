package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/meshcall/internal/chunk"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	from domain.PeerID
	msg  Message
}

// wire hands every broadcast frame to the remote service as if it came
// from the local peer.
type wire struct {
	from   domain.PeerID
	remote *Service
	frames [][]byte
	fail   map[domain.PeerID]error
}

func (w *wire) Broadcast(data []byte) peer.BroadcastResult {
	w.frames = append(w.frames, data)
	if w.remote != nil {
		w.remote.PeerData(w.from, data)
	}
	return peer.BroadcastResult{SentTo: 1, Failed: w.fail}
}

var fixedNow = time.UnixMilli(1_700_000_000_000)

func newPair(t *testing.T, frameSize int, encOpts ...chunk.EncoderOption) (*Service, *Service, *wire, *[]received) {
	t.Helper()
	enc, err := chunk.NewEncoder(frameSize, encOpts...)
	require.NoError(t, err)
	t.Cleanup(enc.Close)

	var got []received
	bob := NewService("bob", mustEncoder(t), chunk.NewDecoder(), &wire{},
		WithHandler(func(from domain.PeerID, msg Message) {
			got = append(got, received{from: from, msg: msg})
		}))
	w := &wire{from: "alice", remote: bob}
	alice := NewService("alice", enc, chunk.NewDecoder(), w, WithClock(func() time.Time { return fixedNow }))
	return alice, bob, w, &got
}

func mustEncoder(t *testing.T) *chunk.Encoder {
	t.Helper()
	enc, err := chunk.NewEncoder(16384, chunk.WithInline())
	require.NoError(t, err)
	return enc
}

func TestTextRoundTrip(t *testing.T) {
	alice, _, w, got := newPair(t, 32, chunk.WithInline())

	id, err := alice.SendText(context.Background(), "hello over a tiny frame size")
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Greater(t, len(w.frames), 1, "message spans several frames")

	require.Len(t, *got, 1)
	r := (*got)[0]
	assert.Equal(t, domain.PeerID("alice"), r.from)
	assert.Equal(t, TypeText, r.msg.Type)
	assert.Equal(t, "alice", r.msg.From)
	assert.Equal(t, fixedNow.UnixMilli(), r.msg.Timestamp)
	text, err := r.msg.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello over a tiny frame size", text)
}

func TestBackgroundEncodeRoundTrip(t *testing.T) {
	alice, _, _, got := newPair(t, 64)

	for _, s := range []string{"one", "two", "three"} {
		_, err := alice.SendText(context.Background(), s)
		require.NoError(t, err)
	}
	require.Len(t, *got, 3)
	for i, want := range []string{"one", "two", "three"} {
		text, err := (*got)[i].msg.Text()
		require.NoError(t, err)
		assert.Equal(t, want, text)
	}
}

func TestFileRoundTripDetectsMime(t *testing.T) {
	alice, _, _, got := newPair(t, 128, chunk.WithInline())
	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 600)...)

	_, err := alice.SendFile(context.Background(), "pic.png", png)
	require.NoError(t, err)

	require.Len(t, *got, 1)
	f, err := (*got)[0].msg.File()
	require.NoError(t, err)
	assert.Equal(t, "pic.png", f.Name)
	assert.Equal(t, "image/png", f.MimeType)
	assert.Equal(t, uint64(len(png)), f.Size)
	assert.Equal(t, png, f.Data)

	_, err = (*got)[0].msg.Text()
	assert.ErrorIs(t, err, ErrUnexpectedType)
}

func TestEmptyTextRejected(t *testing.T) {
	alice, _, w, _ := newPair(t, 64, chunk.WithInline())
	_, err := alice.SendText(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.Empty(t, w.frames)
}

func TestOversizedFileRejectedBeforeSending(t *testing.T) {
	enc, err := chunk.NewEncoder(64, chunk.WithInline())
	require.NoError(t, err)
	t.Cleanup(enc.Close)
	w := &wire{}
	alice := NewService("alice", enc, chunk.NewDecoder(), w, WithMaxMessageSize(256))

	_, err = alice.SendFile(context.Background(), "big.bin", make([]byte, 1024))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Empty(t, w.frames)

	_, err = alice.SendFile(context.Background(), "small.bin", make([]byte, 16))
	require.NoError(t, err)
	assert.NotEmpty(t, w.frames)
}

func TestPerPeerSendFailureIsNotFatal(t *testing.T) {
	alice, _, w, got := newPair(t, 64, chunk.WithInline())
	w.fail = map[domain.PeerID]error{"carol": errors.New("closed")}

	_, err := alice.SendText(context.Background(), "still delivered")
	require.NoError(t, err)
	assert.Len(t, *got, 1)
}

func TestEncodeErrorSurfaces(t *testing.T) {
	enc, err := chunk.NewEncoder(chunk.HeaderSize + 3)
	require.NoError(t, err)
	t.Cleanup(enc.Close)
	s := NewService("a-long-peer-id", enc, chunk.NewDecoder(), &wire{})

	_, err = s.SendText(context.Background(), "hi")
	assert.ErrorIs(t, err, chunk.ErrSenderIDTooLong)
}

func TestPeerClosedDropsPartialMessages(t *testing.T) {
	enc, err := chunk.NewEncoder(32, chunk.WithInline())
	require.NoError(t, err)
	sink := &wire{}
	sender := NewService("alice", enc, chunk.NewDecoder(), sink)
	_, err = sender.SendText(context.Background(), "a message long enough to need chunks")
	require.NoError(t, err)
	require.Greater(t, len(sink.frames), 1)

	calls := 0
	bob := NewService("bob", mustEncoder(t), chunk.NewDecoder(), &wire{},
		WithHandler(func(domain.PeerID, Message) { calls++ }))
	bob.PeerData("alice", sink.frames[0])
	assert.Equal(t, 1, bob.Pending())

	bob.PeerClosed("alice")
	assert.Zero(t, bob.Pending())

	for _, f := range sink.frames[1:] {
		bob.PeerData("alice", f)
	}
	assert.Zero(t, calls, "the first chunk was discarded with the peer")
}

func TestGarbageFramesAreDropped(t *testing.T) {
	calls := 0
	bob := NewService("bob", mustEncoder(t), chunk.NewDecoder(), &wire{},
		WithHandler(func(domain.PeerID, Message) { calls++ }))

	assert.NotPanics(t, func() {
		bob.PeerData("alice", []byte{1, 2, 3})
	})
	assert.Zero(t, calls)
	assert.Zero(t, bob.Pending())
}

func TestSendHonorsContext(t *testing.T) {
	alice, _, _, _ := newPair(t, 64)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Either the job already finished or the canceled context wins.
	_, err := alice.SendText(ctx, "x")
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

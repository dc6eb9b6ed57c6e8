package chunk

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

type EncoderOption func(*Encoder)

// WithInline makes Encode produce every chunk before returning instead of
// handing the work to a background goroutine.
func WithInline() EncoderOption {
	return func(e *Encoder) { e.inline = true }
}

// Encoder fragments payloads into frames of at most maxFrameSize bytes.
type Encoder struct {
	maxFrameSize int
	inline       bool

	mu      sync.Mutex
	counter uint16

	wg conc.WaitGroup
}

func NewEncoder(maxFrameSize int, opts ...EncoderOption) (*Encoder, error) {
	if maxFrameSize <= HeaderSize {
		return nil, fmt.Errorf("%w: %d <= %d", ErrFrameTooSmall, maxFrameSize, HeaderSize)
	}
	e := &Encoder{maxFrameSize: maxFrameSize}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// MaxFrameSize is the upper bound of every produced frame.
func (e *Encoder) MaxFrameSize() int { return e.maxFrameSize }

// nextID never returns 0; after math.MaxUint16 it wraps to 1.
func (e *Encoder) nextID() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.counter == math.MaxUint16 {
		e.counter = 1
	} else {
		e.counter++
	}
	return e.counter
}

// Job is one in-flight encode, addressed by its MessageID.
type Job struct {
	MessageID   uint16
	SenderID    string
	TotalChunks int

	chunks chan []byte
	done   chan struct{}
	err    error
}

// Chunks yields the frames in ascending chunk order and is closed when the
// job finishes, successfully or not.
func (j *Job) Chunks() <-chan []byte { return j.chunks }

// Done is closed once every chunk was produced or the job failed.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err is the terminal error; only meaningful after Done is closed.
func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx is canceled.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) finish(err error) {
	j.err = err
	close(j.chunks)
	close(j.done)
}

// Encode assigns a message id and starts splitting payload into frames.
// Failures are reported on the returned job only.
func (e *Encoder) Encode(senderID string, payload []byte) *Job {
	job := &Job{
		MessageID: e.nextID(),
		SenderID:  senderID,
		done:      make(chan struct{}),
	}

	chunkPayload := e.maxFrameSize - HeaderSize - len(senderID)
	if err := e.validate(senderID, payload, chunkPayload); err != nil {
		log.Warn().Err(err).Str("module", "chunk").Uint16("message_id", job.MessageID).Msg("encode rejected")
		job.chunks = make(chan []byte)
		job.finish(err)
		return job
	}

	job.TotalChunks = chunkCount(len(payload), chunkPayload)
	job.chunks = make(chan []byte, job.TotalChunks)

	if e.inline {
		e.produce(job, payload, chunkPayload)
		return job
	}
	// The caller may reuse payload once Encode returns.
	owned := append([]byte(nil), payload...)
	e.wg.Go(func() { e.produce(job, owned, chunkPayload) })
	return job
}

func (e *Encoder) validate(senderID string, payload []byte, chunkPayload int) error {
	if err := checkSenderID(senderID); err != nil {
		return err
	}
	if chunkPayload <= 0 {
		return fmt.Errorf("%w: %d bytes of sender id, frame size %d", ErrSenderIDTooLong, len(senderID), e.maxFrameSize)
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	return nil
}

func (e *Encoder) produce(job *Job, payload []byte, chunkPayload int) {
	total := len(payload)
	for n := 0; n < job.TotalChunks; n++ {
		start := n * chunkPayload
		end := min(start+chunkPayload, total)
		part := payload[start:end]

		h := Header{
			MessageID:   job.MessageID,
			ChunkNum:    uint32(n),
			TotalChunks: uint32(job.TotalChunks),
			SenderID:    job.SenderID,
			ChunkSize:   uint32(len(job.SenderID) + len(part)),
			TotalSize:   uint32(total),
		}
		frame := make([]byte, 0, HeaderSize+len(job.SenderID)+len(part))
		frame = h.appendTo(frame)
		frame = append(frame, part...)
		job.chunks <- frame
	}
	job.finish(nil)
}

// Close waits for background encodes to finish.
func (e *Encoder) Close() {
	e.wg.Wait()
}

func chunkCount(total, chunkPayload int) int {
	if total == 0 {
		return 1
	}
	return (total + chunkPayload - 1) / chunkPayload
}

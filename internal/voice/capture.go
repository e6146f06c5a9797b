package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/doctorai/pkg/audio"
	"github.com/MrWong99/doctorai/pkg/audio/pcm"
)

// Microphone grants access to a capture device.
type Microphone interface {
	// Open starts capturing. Implementations return an error wrapping
	// [ErrPermissionDenied] when the user or the platform refuses access.
	Open(ctx context.Context) (CaptureStream, error)
}

// CaptureStream is an open microphone handle producing fixed-size mono
// frames.
type CaptureStream interface {
	// Read blocks until the next frame is available, ctx is cancelled, or
	// the stream is closed.
	Read(ctx context.Context) (audio.Frame, error)

	// Close releases the device. It must be safe to call more than once and
	// must unblock a pending Read.
	Close() error
}

// OutboundFrame is one captured frame ready for transmission. Seq is
// assigned at submission time and increases strictly with capture order.
type OutboundFrame struct {
	Seq   uint64
	Frame pcm.EncodedFrame
}

// SendFunc transmits one outbound frame to the session.
type SendFunc func(OutboundFrame) error

// CapturePipeline turns microphone frames into encoded outbound frames and
// hands each one to a SendFunc as soon as it is produced. Sends are
// dispatched concurrently: frames are submitted in capture order, but nothing
// waits for a previous send to finish.
type CapturePipeline struct {
	stream CaptureStream
	send   SendFunc
	conv   audio.FormatConverter
	log    *slog.Logger

	seq      atomic.Uint64
	inflight sync.WaitGroup

	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewCapturePipeline creates a pipeline that reads from stream, converts
// every frame to inputRate Hz, and submits it to send.
func NewCapturePipeline(stream CaptureStream, inputRate int, send SendFunc, log *slog.Logger) *CapturePipeline {
	if log == nil {
		log = slog.Default()
	}
	return &CapturePipeline{
		stream: stream,
		send:   send,
		conv:   audio.FormatConverter{TargetRate: inputRate},
		log:    log,
	}
}

// Run reads frames until the stream ends. It returns nil when the pipeline
// was stopped or ctx was cancelled, and the read error otherwise. Run does
// not wait for in-flight sends; use [CapturePipeline.Wait] for that.
func (p *CapturePipeline) Run(ctx context.Context) error {
	for {
		frame, err := p.stream.Read(ctx)
		if err != nil {
			if p.stopped.Load() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("voice: capture: %w", err)
		}
		if p.stopped.Load() {
			return nil
		}
		p.Submit(frame)
	}
}

// Submit encodes frame, assigns the next sequence number, and dispatches the
// send without waiting for it. It returns the assigned sequence number.
func (p *CapturePipeline) Submit(frame audio.Frame) uint64 {
	out := OutboundFrame{
		Seq:   p.seq.Add(1),
		Frame: pcm.Encode(p.conv.Convert(frame)),
	}
	p.inflight.Go(func() {
		if err := p.send(out); err != nil {
			p.log.Debug("voice: send frame failed", "seq", out.Seq, "err", err)
		}
	})
	return out.Seq
}

// Submitted returns the number of frames submitted so far.
func (p *CapturePipeline) Submitted() uint64 { return p.seq.Load() }

// Stop closes the capture stream, releasing the microphone. Run returns
// shortly after. Stop is idempotent.
func (p *CapturePipeline) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		err = p.stream.Close()
	})
	return err
}

// Wait blocks until every dispatched send has returned.
func (p *CapturePipeline) Wait() { p.inflight.Wait() }

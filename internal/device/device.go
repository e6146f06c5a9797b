//go:build portaudio

// Package device connects the voice bridge to the local sound card through
// PortAudio. Call [Init] once before opening any device.
package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/doctorai/internal/voice"
	"github.com/MrWong99/doctorai/pkg/audio"
)

// ErrClosed is returned by reads on a released capture stream.
var ErrClosed = errors.New("device: stream closed")

// Init initialises PortAudio. The returned function terminates it.
func Init() (terminate func() error, err error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("device: initialise portaudio: %w", err)
	}
	return portaudio.Terminate, nil
}

// ── Microphone ────────────────────────────────────────────────────────────────

// Microphone captures mono float32 frames from the default input device.
type Microphone struct {
	// SampleRate of the capture stream in Hz.
	SampleRate int

	// FrameSize is the number of samples per frame.
	FrameSize int

	// Channels captured from the device. Multi-channel input is downmixed
	// to mono. Zero means one.
	Channels int
}

var _ voice.Microphone = (*Microphone)(nil)

// Open starts the default input device. A device the platform refuses to
// open is reported as [voice.ErrPermissionDenied].
func (m *Microphone) Open(ctx context.Context) (voice.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	channels := max(m.Channels, 1)
	buf := make([]float32, m.FrameSize*channels)
	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(m.SampleRate), m.FrameSize, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", voice.ErrPermissionDenied, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: %w", voice.ErrPermissionDenied, err)
	}
	return &captureStream{stream: stream, buf: buf, channels: channels, rate: m.SampleRate}, nil
}

// captureStream serialises device reads on readMu. Close aborts the stream
// first so a pending Read returns without waiting out its buffer, then takes
// readMu before freeing the stream.
type captureStream struct {
	stream   *portaudio.Stream
	buf      []float32
	channels int
	rate     int

	readMu sync.Mutex
	read   int64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Read blocks for one device buffer. Cancellation is observed between
// buffers.
func (s *captureStream) Read(ctx context.Context) (audio.Frame, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.closed.Load() {
		return audio.Frame{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return audio.Frame{}, err
	}
	// An overflow only means samples were lost; the buffer is still valid.
	if err := s.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		if s.closed.Load() {
			return audio.Frame{}, ErrClosed
		}
		return audio.Frame{}, fmt.Errorf("device: read: %w", err)
	}
	samples := audio.Downmix(s.buf, s.channels)
	if s.channels <= 1 {
		samples = slices.Clone(samples)
	}
	f := audio.Frame{
		Samples:    samples,
		SampleRate: s.rate,
		Timestamp:  audio.SamplesDuration(int(s.read), s.rate),
	}
	s.read += int64(len(samples))
	return f, nil
}

func (s *captureStream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		_ = s.stream.Abort()
		s.readMu.Lock()
		defer s.readMu.Unlock()
		s.closeErr = s.stream.Close()
	})
	return s.closeErr
}

// ── Speaker ───────────────────────────────────────────────────────────────────

// Speaker plays an [audio.Timeline] on the default output device. The
// device's blocking writes pace the timeline clock.
type Speaker struct {
	timeline *audio.Timeline
	stream   *portaudio.Stream
	buf      []float32
	once     sync.Once
}

// NewSpeaker opens the default output device at rate Hz, writing
// framesPerBuffer samples per device call.
func NewSpeaker(rate, framesPerBuffer int) (*Speaker, error) {
	buf := make([]float32, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(rate), framesPerBuffer, buf)
	if err != nil {
		return nil, fmt.Errorf("device: open output: %w", err)
	}
	return &Speaker{timeline: audio.NewTimeline(rate), stream: stream, buf: buf}, nil
}

// Timeline is the output clock to schedule playback on.
func (s *Speaker) Timeline() *audio.Timeline { return s.timeline }

// Run renders the timeline to the device until ctx is cancelled. Silence is
// written too so the clock keeps advancing in real time.
func (s *Speaker) Run(ctx context.Context) error {
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("device: start output: %w", err)
	}
	defer func() { _ = s.stream.Stop() }()
	for ctx.Err() == nil {
		s.timeline.Render(s.buf)
		if err := s.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			return fmt.Errorf("device: write: %w", err)
		}
	}
	return nil
}

// Close releases the output device. Run must have returned.
func (s *Speaker) Close() error {
	var err error
	s.once.Do(func() { err = s.stream.Close() })
	return err
}

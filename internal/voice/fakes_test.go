package voice_test

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/doctorai/internal/voice"
	"github.com/MrWong99/doctorai/pkg/audio"
)

var errStreamClosed = errors.New("fake stream closed")

// fakeMic hands out a single fakeStream.
type fakeMic struct {
	mu      sync.Mutex
	openErr error
	stream  *fakeStream
	opens   int
}

func newFakeMic() *fakeMic {
	return &fakeMic{stream: newFakeStream()}
}

func (m *fakeMic) Open(context.Context) (voice.CaptureStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	if m.openErr != nil {
		return nil, m.openErr
	}
	return m.stream, nil
}

func (m *fakeMic) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// fakeStream yields frames pushed through Push and an optional read error.
type fakeStream struct {
	frames chan audio.Frame
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames: make(chan audio.Frame, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Push(f audio.Frame) { s.frames <- f }

func (s *fakeStream) Fail(err error) { s.errs <- err }

func (s *fakeStream) Read(ctx context.Context) (audio.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.errs:
		return audio.Frame{}, err
	case <-s.closed:
		return audio.Frame{}, errStreamClosed
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// constFrame returns n samples at sampleRate, all set to v.
func constFrame(v float32, n, sampleRate int) audio.Frame {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = v
	}
	return audio.Frame{Samples: samples, SampleRate: sampleRate}
}

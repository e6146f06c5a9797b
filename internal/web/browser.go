package web

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/doctorai/internal/voice"
	"github.com/MrWong99/doctorai/pkg/audio"
)

// micBuffer is the number of browser microphone frames held for the
// capture pipeline. A newer frame replaces an unread one.
const micBuffer = 1

var errMicReleased = errors.New("web: microphone released")

// browserMic is a [voice.Microphone] fed by "mic" messages from the page.
//
// The page asks for microphone access itself when the user presses start.
// Open therefore blocks until the page either streams its first frame
// (access granted) or reports "mic_denied". Frames are discarded until the
// capture pipeline first reads, so nothing recorded while the channel is
// still connecting reaches the session.
type browserMic struct {
	mu      sync.Mutex
	current *browserStream
}

var _ voice.Microphone = (*browserMic)(nil)

func (m *browserMic) Open(ctx context.Context) (voice.CaptureStream, error) {
	s := &browserStream{
		mic:      m,
		frames:   make(chan audio.Frame, micBuffer),
		decision: make(chan error, 1),
		closed:   make(chan struct{}),
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	select {
	case err := <-s.decision:
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}
}

// deliver hands a frame from the page to the open stream. It reports false
// when the frame was dropped.
func (m *browserMic) deliver(f audio.Frame) bool {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return false
	}
	s.decide(nil)
	if !s.reading.Load() {
		return false
	}
	select {
	case s.frames <- f:
		return true
	default:
	}
	// Only the reader and this loop touch frames, so the retry cannot
	// lose to another sender.
	select {
	case <-s.frames:
	default:
	}
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

func (m *browserMic) deny() {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s != nil {
		s.decide(voice.ErrPermissionDenied)
	}
}

func (m *browserMic) release(s *browserStream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == s {
		m.current = nil
	}
}

// browserStream is one microphone grant, valid for a single session.
type browserStream struct {
	mic      *browserMic
	frames   chan audio.Frame
	decision chan error
	decided  sync.Once
	reading  atomic.Bool

	closed    chan struct{}
	closeOnce sync.Once
}

func (s *browserStream) decide(err error) {
	s.decided.Do(func() { s.decision <- err })
}

func (s *browserStream) Read(ctx context.Context) (audio.Frame, error) {
	s.reading.Store(true)
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.closed:
		return audio.Frame{}, errMicReleased
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

func (s *browserStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mic.release(s)
	})
	return nil
}

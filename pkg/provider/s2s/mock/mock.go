// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to push inbound events and inspect the frames that were sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.InterruptedEvent{})
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/doctorai/pkg/audio/pcm"
	"github.com/MrWong99/doctorai/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a fresh [NewSession].
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Hold, if non-nil, makes Connect block until Hold is closed or ctx is
	// cancelled. Use it to keep a caller in the connecting phase.
	Hold chan struct{}

	// Entered, if non-nil, receives a value once Connect has been entered.
	Entered chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	hold, entered := p.Hold, p.Entered
	p.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, fmt.Errorf("mock: connect: %w", ctx.Err())
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Compile-time assertions.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*Session)(nil)

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu sync.Mutex

	events chan s2s.Event
	closed bool

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	// Sent records every frame passed to SendAudio, in call order.
	Sent []pcm.EncodedFrame

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session with a buffered event stream.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, 64)}
}

// Emit pushes ev into the event stream. Events emitted after Close are
// dropped. A terminal event does not close the stream; use [Session.End].
func (s *Session) Emit(ev s2s.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// End emits ev and then closes the event stream, mimicking a remote close.
func (s *Session) End(ev s2s.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
	s.closed = true
	close(s.events)
}

// SendAudio records the frame and returns SendErr.
func (s *Session) SendAudio(frame pcm.EncodedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sent = append(s.Sent, frame)
	return s.SendErr
}

// SentFrames returns a copy of the frames sent so far. Thread-safe.
func (s *Session) SentFrames() []pcm.EncodedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pcm.EncodedFrame, len(s.Sent))
	copy(out, s.Sent)
	return out
}

// Events returns the inbound event stream.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Close records the call and closes the event stream. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Closes returns CloseCallCount. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

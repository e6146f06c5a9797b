// Package voice runs a single live voice consultation: it owns the
// microphone capture pipeline, the streaming session with the hosted
// speech-to-speech model, and gap-free scheduling of the model's spoken
// replies on the output clock.
//
// A [Controller] moves through Idle → Connecting → Active → Closed → Idle.
// Only one session exists at a time. Every failure after a session is up,
// remote or local, goes through the same close path, so the microphone,
// the channel and any scheduled playback are always released together.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/doctorai/internal/observe"
	"github.com/MrWong99/doctorai/pkg/audio/pcm"
	"github.com/MrWong99/doctorai/pkg/provider/s2s"
)

// State is the lifecycle state of a [Controller].
type State int

const (
	// StateIdle means no session exists.
	StateIdle State = iota
	// StateConnecting means the microphone is being opened or the channel
	// is waiting for acknowledgement.
	StateConnecting
	// StateActive means audio is flowing in both directions.
	StateActive
	// StateClosed is the transient teardown state on the way back to Idle.
	StateClosed
)

// String returns the lower-case state name used in logs and on the wire.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TranscriptEntry is one transcription line appended to the session log.
type TranscriptEntry struct {
	Speaker s2s.Origin
	Text    string
}

// Option is a functional option for configuring a [Controller].
type Option func(*Controller)

// WithStateListener registers fn to be called on every state transition.
// err carries the failure that caused the transition, if any. fn is called
// synchronously, outside the controller's lock, and must not block for long.
func WithStateListener(fn func(State, error)) Option {
	return func(c *Controller) { c.onState = fn }
}

// WithTranscriptListener registers fn to be called for every transcript
// entry as it is appended.
func WithTranscriptListener(fn func(TranscriptEntry)) Option {
	return func(c *Controller) { c.onTranscript = fn }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithSessionConfig supplies the voice and instructions for each new
// session. fn is evaluated on every [Controller.Start], so configuration
// reloads take effect on the next session.
func WithSessionConfig(fn func() s2s.SessionConfig) Option {
	return func(c *Controller) { c.sessionCfg = fn }
}

// Controller owns at most one voice session at a time.
//
// All methods are safe for concurrent use.
type Controller struct {
	provider s2s.Provider
	mic      Microphone
	out      Output

	sessionCfg   func() s2s.SessionConfig
	onState      func(State, error)
	onTranscript func(TranscriptEntry)
	metrics      *observe.Metrics
	log          *slog.Logger

	mu         sync.Mutex
	state      State
	sess       *session
	transcript []TranscriptEntry
	lastErr    error
}

// session holds everything that belongs to one Start/Close cycle. Its
// mutable fields are guarded by Controller.mu.
type session struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	scheduler *Scheduler

	stream  CaptureStream
	capture *CapturePipeline
	handle  s2s.SessionHandle
	closing bool

	done chan struct{}
}

// New creates an idle Controller that captures from mic, converses through
// provider and plays replies on out.
func New(provider s2s.Provider, mic Microphone, out Output, opts ...Option) *Controller {
	c := &Controller{
		provider:   provider,
		mic:        mic,
		out:        out,
		sessionCfg: func() s2s.SessionConfig { return s2s.SessionConfig{} },
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the failure that ended the most recent session, or nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Transcript returns a copy of the current session's transcript log.
func (c *Controller) Transcript() []TranscriptEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.transcript)
}

// Scheduler returns the playback scheduler of the current session, or nil
// when no session exists.
func (c *Controller) Scheduler() *Scheduler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.scheduler
}

// Start opens the microphone, connects to the provider and, once the
// channel is acknowledged, starts capture and playback. It is rejected with
// [ErrSessionActive] unless the controller is Idle.
//
// A microphone refusal returns an error wrapping [ErrPermissionDenied] and a
// failed connect returns one wrapping [ErrChannelOpenFailed]; both leave the
// controller Idle with nothing held. If [Controller.Close] runs while Start
// is still connecting, Start releases whatever it acquired and returns
// [ErrClosedWhileConnecting].
//
// Cancelling ctx after Start returns ends the session.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrSessionActive
	}
	id := uuid.NewString()
	sctx, cancel := context.WithCancel(observe.WithSessionID(ctx, id))
	sess := &session{
		id:        id,
		ctx:       sctx,
		cancel:    cancel,
		scheduler: NewScheduler(c.out),
		done:      make(chan struct{}),
	}
	c.sess = sess
	c.state = StateConnecting
	c.transcript = nil
	c.lastErr = nil
	c.mu.Unlock()
	c.notify(StateConnecting, nil)

	log := c.log.With("session_id", sess.id)
	log.Info("voice: session connecting")

	stream, err := c.mic.Open(sctx)
	if err != nil {
		if !errors.Is(err, ErrPermissionDenied) {
			err = fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return c.abortConnect(sess, fmt.Errorf("voice: open microphone: %w", err))
	}
	c.mu.Lock()
	if sess.closing {
		c.mu.Unlock()
		_ = stream.Close()
		return ErrClosedWhileConnecting
	}
	sess.stream = stream
	c.mu.Unlock()

	caps := c.provider.Capabilities()
	handle, err := c.connect(sctx)
	if err != nil {
		return c.abortConnect(sess, fmt.Errorf("voice: connect: %w: %w", ErrChannelOpenFailed, err))
	}

	c.mu.Lock()
	if sess.closing {
		c.mu.Unlock()
		_ = handle.Close()
		return ErrClosedWhileConnecting
	}
	sess.handle = handle
	sess.capture = NewCapturePipeline(stream, caps.InputSampleRate, func(f OutboundFrame) error {
		c.metrics.FramesSent.Add(sctx, 1)
		return handle.SendAudio(f.Frame)
	}, log)
	c.state = StateActive
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(sctx, 1)
	c.notify(StateActive, nil)
	log.Info("voice: session active")

	go c.runCapture(sess, log)
	go c.runDispatch(sess, caps.OutputSampleRate, log)
	return nil
}

// Close ends the current session from any state. It stops capture, closes
// the channel, silences all scheduled playback and returns the controller to
// Idle. Close is idempotent and returns immediately when Idle.
func (c *Controller) Close() error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	c.closeSession(sess, nil)
	return nil
}

// Wait blocks until the current session's event loop has exited, or returns
// immediately when no session was ever activated.
func (c *Controller) Wait() {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return
	}
	<-sess.done
}

// connect opens the provider channel inside a voice.connect span.
func (c *Controller) connect(ctx context.Context) (s2s.SessionHandle, error) {
	cfg := c.sessionCfg()
	ctx, span := observe.StartSpan(ctx, "voice.connect",
		trace.WithAttributes(observe.AttrVoice.String(cfg.Voice)))
	defer span.End()

	handle, err := c.provider.Connect(ctx, cfg)
	if err != nil {
		return nil, observe.Fail(span, err)
	}
	return handle, nil
}

func (c *Controller) abortConnect(sess *session, cause error) error {
	c.mu.Lock()
	if c.sess != sess || sess.closing {
		c.mu.Unlock()
		return ErrClosedWhileConnecting
	}
	sess.closing = true
	stream := sess.stream
	c.sess = nil
	c.state = StateIdle
	c.lastErr = cause
	c.mu.Unlock()

	sess.cancel()
	if stream != nil {
		_ = stream.Close()
	}
	close(sess.done)
	c.log.Warn("voice: session failed to start", "session_id", sess.id, "err", cause)
	c.notify(StateIdle, cause)
	return cause
}

// closeSession is the single teardown path. It is safe to call from the
// dispatch and capture goroutines as well as from Close; only the first
// call for a session has any effect.
func (c *Controller) closeSession(sess *session, reason error) {
	c.mu.Lock()
	if c.sess != sess || sess.closing {
		c.mu.Unlock()
		return
	}
	sess.closing = true
	wasActive := c.state == StateActive
	stream, capture, handle := sess.stream, sess.capture, sess.handle
	c.state = StateClosed
	c.lastErr = reason
	c.mu.Unlock()
	c.notify(StateClosed, reason)

	sess.cancel()
	if handle != nil {
		if err := handle.Close(); err != nil {
			c.log.Debug("voice: close channel", "session_id", sess.id, "err", err)
		}
	}
	switch {
	case capture != nil:
		_ = capture.Stop()
	case stream != nil:
		_ = stream.Close()
	}
	stopped := sess.scheduler.Interrupt()

	if wasActive {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	} else {
		close(sess.done)
	}

	c.mu.Lock()
	c.sess = nil
	c.state = StateIdle
	c.mu.Unlock()

	if reason != nil {
		c.log.Warn("voice: session ended", "session_id", sess.id, "err", reason, "stopped_sources", stopped)
	} else {
		c.log.Info("voice: session ended", "session_id", sess.id, "stopped_sources", stopped)
	}
	c.notify(StateIdle, reason)
}

func (c *Controller) runCapture(sess *session, log *slog.Logger) {
	if err := sess.capture.Run(sess.ctx); err != nil {
		log.Warn("voice: capture stopped", "err", err)
		c.closeSession(sess, err)
	}
}

func (c *Controller) runDispatch(sess *session, outputRate int, log *slog.Logger) {
	defer close(sess.done)
	events := sess.handle.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.closeSession(sess, nil)
				return
			}
			if !c.dispatch(sess, ev, outputRate, log) {
				return
			}
		case <-sess.ctx.Done():
			c.closeSession(sess, nil)
			return
		}
	}
}

// dispatch routes one inbound event. It reports whether the event loop
// should keep running.
func (c *Controller) dispatch(sess *session, ev s2s.Event, outputRate int, log *slog.Logger) bool {
	switch ev := ev.(type) {
	case s2s.AudioEvent:
		frame, err := pcm.Decode(ev.Frame, outputRate)
		if err != nil {
			log.Warn("voice: skipping malformed audio frame", "mime_type", ev.Frame.MIMEType, "err", err)
			c.metrics.FramesMalformed.Add(sess.ctx, 1)
			return true
		}
		sess.scheduler.Enqueue(frame)
		c.metrics.FramesPlayed.Add(sess.ctx, 1)

	case s2s.InterruptedEvent:
		if n := sess.scheduler.Interrupt(); n > 0 {
			log.Debug("voice: playback interrupted", "stopped_sources", n)
		}
		c.metrics.Interruptions.Add(sess.ctx, 1)

	case s2s.TranscriptEvent:
		entry := TranscriptEntry{Speaker: ev.Origin, Text: ev.Text}
		c.mu.Lock()
		current := c.sess == sess
		if current {
			c.transcript = append(c.transcript, entry)
		}
		c.mu.Unlock()
		if current && c.onTranscript != nil {
			c.onTranscript(entry)
		}

	case s2s.ClosedEvent:
		c.closeSession(sess, ev.Reason)
		return false

	case s2s.ErrorEvent:
		c.closeSession(sess, ev.Err)
		return false

	default:
		log.Debug("voice: ignoring unknown event", "type", fmt.Sprintf("%T", ev))
	}
	return true
}

func (c *Controller) notify(s State, err error) {
	if c.onState != nil {
		c.onState(s, err)
	}
}

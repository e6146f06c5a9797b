// Package s2s defines the Provider interface for streaming speech-to-speech
// backends.
//
// An S2S provider wraps a realtime voice AI service that accepts raw audio
// input and returns synthesised audio output in a single, stateful session.
// Examples include the Gemini Live API and the OpenAI Realtime API.
//
// The central abstraction is SessionHandle: a bidirectional channel that
// carries encoded audio outbound and a single, strictly ordered stream of
// [Event] values inbound. Sessions are long-lived (seconds to minutes).
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"

	"github.com/MrWong99/doctorai/pkg/audio/pcm"
)

var (
	// ErrTransport reports a mid-session network failure.
	ErrTransport = errors.New("s2s: transport error")

	// ErrSessionExpired reports that the remote side invalidated the session
	// (expired or rejected credentials, server-initiated go-away). The user must
	// re-authorize before starting a new session.
	ErrSessionExpired = errors.New("s2s: session expired")
)

// Origin identifies who spoke a transcript fragment.
type Origin int

const (
	// OriginUser marks speech recognised from the local microphone.
	OriginUser Origin = iota

	// OriginAssistant marks the model's own spoken output.
	OriginAssistant
)

// String returns "user" or "assistant".
func (o Origin) String() string {
	if o == OriginAssistant {
		return "assistant"
	}
	return "user"
}

// Event is one inbound message from a session. The concrete type is one of
// [AudioEvent], [TranscriptEvent], [InterruptedEvent], [ClosedEvent] or
// [ErrorEvent]; consumers switch on the type.
type Event interface {
	isEvent()
}

// AudioEvent carries one chunk of synthesised speech, still in wire form.
// Decoding is left to the consumer so a corrupt chunk can be handled by
// policy instead of silently inside the provider.
type AudioEvent struct {
	Frame pcm.EncodedFrame
}

// TranscriptEvent carries a transcript fragment for either side of the
// conversation.
type TranscriptEvent struct {
	Origin Origin
	Text   string
}

// InterruptedEvent signals that the user started speaking over the model
// (barge-in). Any audio already scheduled for playback must be discarded.
type InterruptedEvent struct{}

// ClosedEvent signals that the remote side ended the session. Reason is nil
// for a normal closure and wraps [ErrSessionExpired] when the session was
// invalidated.
type ClosedEvent struct {
	Reason error
}

// ErrorEvent signals a session-terminating failure. Err usually wraps
// [ErrTransport] or [ErrSessionExpired].
type ErrorEvent struct {
	Err error
}

func (AudioEvent) isEvent()       {}
func (TranscriptEvent) isEvent()  {}
func (InterruptedEvent) isEvent() {}
func (ClosedEvent) isEvent()      {}
func (ErrorEvent) isEvent()       {}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice is the provider voice name (e.g., "Kore", "alloy"). Empty selects
	// the provider default.
	Voice string

	// Instructions is the system-level prompt that defines the assistant's
	// persona and behavioural constraints.
	Instructions string
}

// Capabilities describes static properties of the S2S provider.
// The values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputSampleRate is the rate, in Hz, that SendAudio expects.
	InputSampleRate int

	// OutputSampleRate is the rate, in Hz, of audio carried by [AudioEvent]
	// when the frame's MIME type does not say otherwise.
	OutputSampleRate int

	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the provider. Zero means no documented limit.
	MaxSessionDurationMs int

	// Voices lists the voice names available for this provider.
	Voices []string
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// All methods must be safe for concurrent use; in particular SendAudio may be
// called from many goroutines at once.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one encoded PCM frame to the provider. The frame must
	// be at [Capabilities.InputSampleRate]. Returns an error if the session is
	// closed or the write fails.
	SendAudio(frame pcm.EncodedFrame) error

	// Events returns the inbound event stream. Events are delivered strictly in
	// arrival order. A terminal [ClosedEvent] or [ErrorEvent] is emitted when the
	// remote side ends the session, after which the channel is closed. A
	// locally initiated Close closes the channel without a terminal event.
	// Consumers must drain the channel promptly.
	Events() <-chan Event

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new session and blocks until the remote side has
	// acknowledged it, so the returned handle is ready to accept audio
	// immediately.
	//
	// Returns an error if the session cannot be established (e.g., dial
	// failure, authentication failure, or ctx cancelled before the
	// acknowledgement arrived). The caller owns the SessionHandle and is
	// responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider's model.
	Capabilities() Capabilities
}

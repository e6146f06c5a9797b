package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/doctorai/internal/observe"
	"github.com/MrWong99/doctorai/internal/voice"
	"github.com/MrWong99/doctorai/pkg/audio"
	"github.com/MrWong99/doctorai/pkg/audio/pcm"
	"github.com/MrWong99/doctorai/pkg/provider/s2s"
)

const (
	// defaultRenderInterval is how much output audio the pump renders and
	// ships per tick.
	defaultRenderInterval = 20 * time.Millisecond

	// defaultOutputRate is used when the provider does not report one.
	defaultOutputRate = 24000

	// voiceReadLimit bounds a single inbound message. A 4096-sample PCM16
	// frame is about 11 KiB once base64 encoded.
	voiceReadLimit = 1 << 20

	outboxSize = 128
)

// Client → server message types.
const (
	msgStart     = "start"
	msgStop      = "stop"
	msgMic       = "mic"
	msgMicDenied = "mic_denied"
)

// Server → client message types.
const (
	msgState      = "state"
	msgTranscript = "transcript"
	msgAudio      = "audio"
)

// clientMessage is a JSON text frame sent by the page. Mic data is
// interleaved when Channels is above one.
type clientMessage struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	Rate     int    `json:"rate,omitempty"`
	Channels int    `json:"channels,omitempty"`
}

// serverMessage is a JSON text frame sent to the page.
type serverMessage struct {
	Type    string `json:"type"`
	State   string `json:"state,omitempty"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
	Speaker string `json:"speaker,omitempty"`
	Text    string `json:"text,omitempty"`
	Data    string `json:"data,omitempty"`
	Rate    int    `json:"rate,omitempty"`
}

// VoiceHandler serves GET /api/voice. Every WebSocket connection is one UI
// instance and owns exactly one [voice.Controller].
type VoiceHandler struct {
	// Provider opens the streaming sessions.
	Provider s2s.Provider

	// SessionConfig returns the voice and instructions for a new session.
	// It is evaluated on every start so persona reloads apply.
	SessionConfig func() s2s.SessionConfig

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// RenderInterval defaults to 20 ms.
	RenderInterval time.Duration

	// AcceptOptions are passed to [websocket.Accept].
	AcceptOptions *websocket.AcceptOptions
}

// ServeHTTP upgrades the request and runs the connection until the page
// goes away.
func (h *VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.AcceptOptions)
	if err != nil {
		observe.Logger(r.Context()).Warn("web: voice upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(voiceReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	vc := h.newConn(ctx, conn, observe.Logger(r.Context()))
	err = vc.run(ctx, cancel)
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		_ = conn.Close(websocket.StatusNormalClosure, "")
	default:
		vc.log.Debug("web: voice connection ended", "err", err)
		_ = conn.CloseNow()
	}
}

// voiceConn is the per-connection state.
type voiceConn struct {
	conn     *websocket.Conn
	ctrl     *voice.Controller
	mic      *browserMic
	timeline *audio.Timeline
	interval time.Duration
	log      *slog.Logger

	outbox chan serverMessage
	ctx    context.Context
}

func (h *VoiceHandler) newConn(ctx context.Context, conn *websocket.Conn, log *slog.Logger) *voiceConn {
	rate := h.Provider.Capabilities().OutputSampleRate
	if rate <= 0 {
		rate = defaultOutputRate
	}
	interval := h.RenderInterval
	if interval <= 0 {
		interval = defaultRenderInterval
	}
	metrics := h.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	vc := &voiceConn{
		conn:     conn,
		mic:      &browserMic{},
		timeline: audio.NewTimeline(rate),
		interval: interval,
		log:      log,
		outbox:   make(chan serverMessage, outboxSize),
		ctx:      ctx,
	}

	opts := []voice.Option{
		voice.WithMetrics(metrics),
		voice.WithLogger(log),
		voice.WithStateListener(vc.onState),
		voice.WithTranscriptListener(vc.onTranscript),
	}
	if h.SessionConfig != nil {
		opts = append(opts, voice.WithSessionConfig(h.SessionConfig))
	}
	vc.ctrl = voice.New(h.Provider, vc.mic, vc.timeline, opts...)
	return vc
}

// run drives the reader, the writer and the render pump. The first one to
// fail ends the connection, and the session with it.
func (vc *voiceConn) run(ctx context.Context, cancel context.CancelFunc) error {
	var wg sync.WaitGroup
	wg.Go(func() { vc.writeLoop(ctx) })
	wg.Go(func() { vc.renderLoop(ctx) })

	vc.send(serverMessage{Type: msgState, State: voice.StateIdle.String()})
	err := vc.readLoop(ctx)

	cancel()
	_ = vc.ctrl.Close()
	wg.Wait()
	return err
}

func (vc *voiceConn) readLoop(ctx context.Context) error {
	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, vc.conn, &msg); err != nil {
			return err
		}
		switch msg.Type {
		case msgStart:
			go vc.start(ctx)
		case msgStop:
			_ = vc.ctrl.Close()
		case msgMic:
			frame, err := pcm.Decode(pcm.EncodedFrame{Data: msg.Data, MIMEType: pcm.MIMEType(msg.Rate)}, msg.Rate)
			if err != nil {
				vc.log.Warn("web: dropping malformed microphone frame", "err", err)
				continue
			}
			frame.Samples = audio.Downmix(frame.Samples, msg.Channels)
			if !vc.mic.deliver(frame) {
				vc.log.Debug("web: microphone frame dropped", "state", vc.ctrl.State())
			}
		case msgMicDenied:
			vc.mic.deny()
		default:
			vc.log.Debug("web: ignoring unknown voice message", "type", msg.Type)
		}
	}
}

func (vc *voiceConn) start(ctx context.Context) {
	err := vc.ctrl.Start(ctx)
	switch {
	case err == nil, errors.Is(err, voice.ErrClosedWhileConnecting):
	case errors.Is(err, voice.ErrSessionActive):
		vc.send(serverMessage{
			Type:  msgState,
			State: vc.ctrl.State().String(),
			Code:  errorCode(err),
			Error: err.Error(),
		})
	default:
		// The state listener already reported the failed transition.
		vc.log.Info("web: voice session did not start", "err", err)
	}
}

func (vc *voiceConn) onState(s voice.State, err error) {
	msg := serverMessage{Type: msgState, State: s.String()}
	if err != nil {
		msg.Code = errorCode(err)
		msg.Error = err.Error()
	}
	vc.send(msg)
}

func (vc *voiceConn) onTranscript(e voice.TranscriptEntry) {
	vc.send(serverMessage{Type: msgTranscript, Speaker: e.Speaker.String(), Text: e.Text})
}

func (vc *voiceConn) send(msg serverMessage) {
	select {
	case vc.outbox <- msg:
	case <-vc.ctx.Done():
	}
}

func (vc *voiceConn) writeLoop(ctx context.Context) {
	for {
		select {
		case msg := <-vc.outbox:
			if err := wsjson.Write(ctx, vc.conn, msg); err != nil {
				vc.log.Debug("web: voice write failed", "err", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// renderLoop is the speaker of a browser session: it pulls audio off the
// timeline in real time and ships every audible chunk to the page, which
// plays chunks back-to-back as they arrive.
func (vc *voiceConn) renderLoop(ctx context.Context) {
	ticker := time.NewTicker(vc.interval)
	defer ticker.Stop()

	buf := make([]float32, audio.DurationSamples(vc.interval, vc.timeline.SampleRate()))
	for {
		select {
		case <-ticker.C:
			if !vc.timeline.Render(buf) {
				continue
			}
			enc := pcm.Encode(audio.Frame{Samples: buf, SampleRate: vc.timeline.SampleRate()})
			vc.send(serverMessage{Type: msgAudio, Data: enc.Data, Rate: vc.timeline.SampleRate()})
		case <-ctx.Done():
			return
		}
	}
}

// errorCode maps a session failure to a stable identifier the page can
// switch on.
func errorCode(err error) string {
	switch {
	case errors.Is(err, voice.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, voice.ErrChannelOpenFailed):
		return "channel_open_failed"
	case errors.Is(err, voice.ErrSessionActive):
		return "session_active"
	case errors.Is(err, s2s.ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, s2s.ErrTransport):
		return "transport"
	default:
		return "internal"
	}
}

package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/doctorai/pkg/audio/pcm"
	"github.com/MrWong99/doctorai/pkg/provider/s2s"
	"github.com/MrWong99/doctorai/pkg/provider/s2s/openai"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startOpenAIServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startOpenAIServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSession reads session.update and confirms it the way the Realtime
// API does: session.created first, then session.updated.
func acceptSession(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	writeJSON(t, conn, map[string]any{"type": "session.created"})
	var update map[string]any
	readJSON(t, conn, &update)
	writeJSON(t, conn, map[string]any{"type": "session.updated"})
	return update
}

func waitClientClose(conn *websocket.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func nextEvent(t *testing.T, h s2s.SessionHandle) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return nil
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSessionUpdateAndAuth(t *testing.T) {
	t.Parallel()

	authCh := make(chan string, 1)
	updateCh := make(chan map[string]any, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		authCh <- r.Header.Get("Authorization")
		updateCh <- acceptSession(t, conn)
		waitClientClose(conn)
	})

	p := openai.New("my-secret-token", openai.WithBaseURL(wsURL(srv)))
	h, err := p.Connect(context.Background(), s2s.SessionConfig{Voice: "alloy", Instructions: "be brief"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if auth := <-authCh; auth != "Bearer my-secret-token" {
		t.Errorf("Authorization = %q", auth)
	}
	update := <-updateCh
	if update["type"] != "session.update" {
		t.Fatalf("type = %v, want session.update", update["type"])
	}
	sess, _ := update["session"].(map[string]any)
	if sess["voice"] != "alloy" || sess["instructions"] != "be brief" {
		t.Errorf("session = %v", sess)
	}
	if sess["input_audio_format"] != "pcm16" || sess["output_audio_format"] != "pcm16" {
		t.Errorf("audio formats = %v / %v", sess["input_audio_format"], sess["output_audio_format"])
	}
	if _, ok := sess["input_audio_transcription"].(map[string]any); !ok {
		t.Error("expected input_audio_transcription to be configured")
	}
}

func TestConnect_RejectedSession(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{
			"code": "invalid_api_key", "message": "bad key",
		}})
		waitClientClose(conn)
	})

	_, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		waitClientClose(conn)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("expected error when session.updated never arrives")
	}
}

// ── SendAudio ─────────────────────────────────────────────────────────────────

func TestSendAudio_AppendsInputBuffer(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]any, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		var msg map[string]any
		readJSON(t, conn, &msg)
		got <- msg
		waitClientClose(conn)
	})

	h, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if err := h.SendAudio(pcm.EncodedFrame{Data: "AAEC", MIMEType: pcm.MIMEType(24000)}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	msg := <-got
	if msg["type"] != "input_audio_buffer.append" || msg["audio"] != "AAEC" {
		t.Errorf("append message = %v", msg)
	}
}

func TestSendAudio_ConcurrentDoesNotRace(t *testing.T) {
	t.Parallel()

	const n = 20
	received := make(chan struct{}, n)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		for range n {
			var msg map[string]any
			readJSON(t, conn, &msg)
			received <- struct{}{}
		}
		waitClientClose(conn)
	})

	h, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			if err := h.SendAudio(pcm.EncodedFrame{Data: "AAAA"}); err != nil {
				t.Errorf("SendAudio: %v", err)
			}
		})
	}
	wg.Wait()

	for i := range n {
		select {
		case <-received:
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d of %d frames received", i, n)
		}
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestEvents_Mapping(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "hello"})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": "AAAA"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Hi "})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "there"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		waitClientClose(conn)
	})

	h, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if ev, ok := nextEvent(t, h).(s2s.TranscriptEvent); !ok || ev.Origin != s2s.OriginUser || ev.Text != "hello" {
		t.Errorf("event 1 = %#v", ev)
	}
	ev2, ok := nextEvent(t, h).(s2s.AudioEvent)
	if !ok || ev2.Frame.Data != "AAAA" || ev2.Frame.SampleRate() != 24000 {
		t.Errorf("event 2 = %#v", ev2)
	}
	if ev, ok := nextEvent(t, h).(s2s.TranscriptEvent); !ok || ev.Origin != s2s.OriginAssistant || ev.Text != "Hi there" {
		t.Errorf("event 3 = %#v", ev)
	}
	if _, ok := nextEvent(t, h).(s2s.InterruptedEvent); !ok {
		t.Error("event 4: want InterruptedEvent")
	}
}

func TestEvents_NonFatalErrorKeepsSession(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{"message": "buffer too small"}})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		waitClientClose(conn)
	})

	h, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if _, ok := nextEvent(t, h).(s2s.InterruptedEvent); !ok {
		t.Error("want InterruptedEvent after a non-fatal error")
	}
}

func TestEvents_SessionExpiredError(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{"code": "session_expired", "message": "expired"}})
		waitClientClose(conn)
	})

	h, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	ev, ok := nextEvent(t, h).(s2s.ErrorEvent)
	if !ok || !errors.Is(ev.Err, s2s.ErrSessionExpired) {
		t.Fatalf("want ErrorEvent with ErrSessionExpired, got %#v", ev)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		waitClientClose(conn)
	})
	h, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for range 3 {
		if err := h.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if err := h.SendAudio(pcm.EncodedFrame{}); err == nil {
		t.Error("expected error after Close")
	}
}

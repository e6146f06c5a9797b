package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/doctorai/internal/config"
	"github.com/MrWong99/doctorai/pkg/provider/llm"
	llmmock "github.com/MrWong99/doctorai/pkg/provider/llm/mock"
	"github.com/MrWong99/doctorai/pkg/provider/s2s"
	s2smock "github.com/MrWong99/doctorai/pkg/provider/s2s/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

providers:
  s2s:
    name: openai-realtime
    api_key: sk-test
    model: gpt-realtime
  genai:
    api_key: gk-test
  llm:
    name: anthropic
    api_key: ak-test
    model: claude-sonnet-4

persona: gaming

voice:
  voice: Puck
  input_sample_rate: 16000
  output_sample_rate: 24000
  frame_size: 2048

labs:
  images:
    aspect_ratio: "16:9"
    image_size: 2K
  video:
    resolution: 1080p
    poll_interval: 10s
    max_jobs: 2
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Providers.S2S.Name != "openai-realtime" || cfg.Providers.S2S.Model != "gpt-realtime" {
		t.Errorf("providers.s2s: got %+v", cfg.Providers.S2S)
	}
	if cfg.Providers.GenAI.APIKey != "gk-test" {
		t.Errorf("providers.genai.api_key: got %q", cfg.Providers.GenAI.APIKey)
	}
	if cfg.Persona != "gaming" {
		t.Errorf("persona: got %q", cfg.Persona)
	}
	if cfg.Voice.FrameSize != 2048 || cfg.Voice.Voice != "Puck" {
		t.Errorf("voice: got %+v", cfg.Voice)
	}
	if cfg.Labs.Images.ImageSize != "2K" || cfg.Labs.Images.AspectRatio != "16:9" {
		t.Errorf("labs.images: got %+v", cfg.Labs.Images)
	}
	if cfg.Labs.Video.PollInterval != 10*time.Second || cfg.Labs.Video.MaxJobs != 2 {
		t.Errorf("labs.video: got %+v", cfg.Labs.Video)
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	for _, in := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(in))
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", in, err)
		}
		if cfg.Server.ListenAddr != config.DefaultListenAddr || cfg.Persona != config.DefaultPersona {
			t.Errorf("defaults not applied for %q: %+v", in, cfg)
		}
	}
}

func TestLoadFromReader_UnknownKeyRejected(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("npcs: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		mention string
	}{
		{"log level", "server:\n  log_level: verbose\n", "log_level"},
		{"persona", "persona: pirate\n", "persona"},
		{"image size", "labs:\n  images:\n    image_size: 8K\n", "image_size"},
		{"resolution", "labs:\n  video:\n    resolution: 4k\n", "resolution"},
		{"poll interval", "labs:\n  video:\n    poll_interval: -1s\n", "poll_interval"},
		{"sample rate", "voice:\n  input_sample_rate: -16000\n", "input_sample_rate"},
		{"tls", "server:\n  tls:\n    cert_file: a.pem\n", "tls"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.mention) {
				t.Errorf("error should mention %q, got: %v", tt.mention, err)
			}
		})
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	reg := config.NewRegistry()
	if _, err := reg.CreateS2S(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateS2S: expected ErrProviderNotRegistered, got %v", err)
	}
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM: expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	reg := config.NewRegistry()
	wantS2S := &s2smock.Provider{}
	wantLLM := &llmmock.Provider{}
	var gotEntry config.ProviderEntry
	reg.RegisterS2S("gemini-live", func(e config.ProviderEntry) (s2s.Provider, error) {
		gotEntry = e
		return wantS2S, nil
	})
	reg.RegisterLLM("openai", func(config.ProviderEntry) (llm.Provider, error) {
		return wantLLM, nil
	})

	got, err := reg.CreateS2S(config.ProviderEntry{Name: "gemini-live", Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != wantS2S || gotEntry.Model != "m" {
		t.Error("CreateS2S did not return the registered instance")
	}
	gotLLM, err := reg.CreateLLM(config.ProviderEntry{Name: "openai"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotLLM != wantLLM {
		t.Error("CreateLLM did not return the registered instance")
	}

	if names := reg.S2SNames(); len(names) != 1 || names[0] != "gemini-live" {
		t.Errorf("S2SNames = %v", names)
	}
	if names := reg.LLMNames(); len(names) != 1 || names[0] != "openai" {
		t.Errorf("LLMNames = %v", names)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterLLM("broken", func(e config.ProviderEntry) (llm.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

package app

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"google.golang.org/genai"

	"github.com/MrWong99/doctorai/internal/config"
	"github.com/MrWong99/doctorai/pkg/provider/llm"
	"github.com/MrWong99/doctorai/pkg/provider/llm/anyllm"
	"github.com/MrWong99/doctorai/pkg/provider/s2s"
	geminilive "github.com/MrWong99/doctorai/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/doctorai/pkg/provider/s2s/openai"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// RegisterBuiltinProviders wires all built-in provider factories into reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// Chat fallback for the consult lab. All hosted backends share the same
	// pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.New("ollama", entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── S2S ───────────────────────────────────────────────────────────────────

	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	slog.Debug("registered providers", "s2s", reg.S2SNames(), "llm", reg.LLMNames())
}

// BuildProviders instantiates all providers named in cfg using the registry
// and returns them in a [Providers] struct for the application to consume.
func BuildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}

	if name := cfg.Providers.S2S.Name; name != "" {
		p, err := reg.CreateS2S(cfg.Providers.S2S)
		if err != nil {
			return nil, fmt.Errorf("app: create s2s provider %q: %w", name, err)
		}
		ps.S2S = p
		slog.Info("provider created", "kind", "s2s", "name", name)
	}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, fmt.Errorf("app: create llm provider %q: %w", name, err)
		}
		ps.LLM = p
		slog.Info("provider created", "kind", "llm", "name", name)
	}

	// The labs share the live session's key when both talk to Gemini.
	key := cfg.Providers.GenAI.APIKey
	if key == "" && cfg.Providers.S2S.Name == "gemini-live" {
		key = cfg.Providers.S2S.APIKey
	}
	if key == "" {
		slog.Warn("no genai api key; labs are disabled")
		return ps, nil
	}
	cc := &genai.ClientConfig{APIKey: key, Backend: genai.BackendGeminiAPI}
	if cfg.Providers.GenAI.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.Providers.GenAI.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("app: create genai client: %w", err)
	}
	ps.GenAI = &GenAI{Models: client.Models, Operations: client.Operations, APIKey: key}
	slog.Info("provider created", "kind", "genai", "backend", cmp.Or(cfg.Providers.GenAI.BaseURL, "gemini-api"))

	return ps, nil
}

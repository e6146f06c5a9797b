package app_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/doctorai/internal/app"
	"github.com/MrWong99/doctorai/internal/config"
)

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)

	if got, want := reg.S2SNames(), []string{"gemini-live", "openai-realtime"}; !slices.Equal(got, want) {
		t.Errorf("S2SNames = %v, want %v", got, want)
	}
	for _, name := range []string{"openai", "anthropic", "gemini", "ollama"} {
		if !slices.Contains(reg.LLMNames(), name) {
			t.Errorf("llm %q not registered", name)
		}
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)

	t.Run("shared gemini key enables labs", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.Providers.S2S = config.ProviderEntry{Name: "gemini-live", APIKey: "k"}

		ps, err := app.BuildProviders(context.Background(), cfg, reg)
		if err != nil {
			t.Fatalf("BuildProviders: %v", err)
		}
		if ps.S2S == nil {
			t.Error("S2S not built")
		}
		if ps.GenAI == nil || ps.GenAI.APIKey != "k" {
			t.Errorf("GenAI = %+v, want key k", ps.GenAI)
		}
		if ps.LLM != nil {
			t.Error("LLM built without config")
		}
	})

	t.Run("no key disables labs", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.Providers.S2S = config.ProviderEntry{Name: "openai-realtime", APIKey: "k"}

		ps, err := app.BuildProviders(context.Background(), cfg, reg)
		if err != nil {
			t.Fatalf("BuildProviders: %v", err)
		}
		if ps.GenAI != nil {
			t.Error("GenAI built without a key")
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.Providers.LLM = config.ProviderEntry{Name: "nope"}

		_, err := app.BuildProviders(context.Background(), cfg, reg)
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("err = %v, want ErrProviderNotRegistered", err)
		}
	})
}

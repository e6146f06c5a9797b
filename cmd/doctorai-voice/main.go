//go:build portaudio

// Command doctorai-voice runs a doctor.ai voice session on the local
// microphone and speakers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/MrWong99/doctorai/internal/app"
	"github.com/MrWong99/doctorai/internal/config"
	"github.com/MrWong99/doctorai/internal/device"
	"github.com/MrWong99/doctorai/internal/voice"
	"github.com/MrWong99/doctorai/pkg/audio"
	"github.com/MrWong99/doctorai/pkg/provider/s2s"
)

// speakerBuffer is the playback granularity.
const speakerBuffer = 20 // ms

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	persona := flag.String("persona", "", "override the configured persona")
	channels := flag.Int("channels", 1, "microphone channels to capture, downmixed to mono")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "doctorai-voice: %v\n", err)
		return 1
	}
	if *persona != "" {
		cfg.Persona = *persona
		if err := config.Validate(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "doctorai-voice: %v\n", err)
			return 1
		}
	}

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Provider ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)
	provider, err := reg.CreateS2S(cfg.Providers.S2S)
	if err != nil {
		slog.Error("failed to create s2s provider", "err", err)
		return 1
	}
	application, err := app.New(cfg, &app.Providers{S2S: provider}, app.WithLevelVar(level), app.WithLogger(logger))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Devices ───────────────────────────────────────────────────────────────
	terminate, err := device.Init()
	if err != nil {
		slog.Error("audio init failed", "err", err)
		return 1
	}
	defer func() { _ = terminate() }()

	outRate := provider.Capabilities().OutputSampleRate
	if outRate <= 0 {
		outRate = cfg.Voice.OutputSampleRate
	}
	speaker, err := device.NewSpeaker(outRate, outRate*speakerBuffer/1000)
	if err != nil {
		slog.Error("failed to open speakers", "err", err)
		return 1
	}
	defer speaker.Close()

	mic := &device.Microphone{
		SampleRate: cfg.Voice.InputSampleRate,
		FrameSize:  cfg.Voice.FrameSize,
		Channels:   *channels,
	}

	// ── Session ───────────────────────────────────────────────────────────────
	ended := make(chan error, 1)
	ctrl := voice.New(provider, mic, speaker.Timeline(),
		voice.WithSessionConfig(application.SessionConfig),
		voice.WithLogger(logger),
		voice.WithStateListener(func(s voice.State, err error) {
			slog.Info("session state", "state", s, "err", err)
			if s == voice.StateIdle {
				select {
				case ended <- err:
				default:
				}
			}
		}),
		voice.WithTranscriptListener(func(e voice.TranscriptEntry) {
			fmt.Printf("%-9s %s\n", e.Speaker.String()+":", e.Text)
		}),
	)

	sctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Go(func() {
		if err := speaker.Run(sctx); err != nil {
			slog.Error("speaker stopped", "err", err)
			cancel()
		}
	})
	defer func() {
		cancel()
		wg.Wait()
	}()

	if err := ctrl.Start(sctx); err != nil {
		slog.Error("failed to start session", "err", err)
		return 1
	}
	printBanner(application.Persona().Name, application.SessionConfig(), outRate)

	select {
	case <-sctx.Done():
		_ = ctrl.Close()
		return 0
	case err := <-ended:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("session ended", "err", err)
			return 1
		}
		return 0
	}
}

func printBanner(persona string, sc s2s.SessionConfig, rate int) {
	fmt.Printf("doctor.ai voice  persona=%s voice=%s playback=%dHz (%s buffers)\n",
		persona, sc.Voice, rate, audio.SamplesDuration(rate*speakerBuffer/1000, rate))
	fmt.Println("speak now, Ctrl+C to end")
}

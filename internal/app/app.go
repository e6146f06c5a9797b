// Package app wires the doctor.ai subsystems into a running server.
//
// New builds the labs, the browser voice endpoint and the HTTP mux from a
// [config.Config] and a set of already constructed [Providers]. Run serves
// HTTP and, when a watcher is attached, applies config reloads until ctx is
// cancelled. Shutdown releases what New acquired.
//
// For testing, pass mock providers; nothing in this package dials out on
// its own.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/doctorai/internal/config"
	"github.com/MrWong99/doctorai/internal/health"
	"github.com/MrWong99/doctorai/internal/lab"
	"github.com/MrWong99/doctorai/internal/observe"
	"github.com/MrWong99/doctorai/internal/resilience"
	"github.com/MrWong99/doctorai/internal/web"
	"github.com/MrWong99/doctorai/pkg/provider/llm"
	"github.com/MrWong99/doctorai/pkg/provider/s2s"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 15 * time.Second

// GenAI is the hosted generative API used by the labs.
type GenAI struct {
	Models     lab.Models
	Operations lab.Operations

	// APIKey is appended to video download URIs.
	APIKey string
}

// Providers holds the constructed backends. Nil means not configured.
type Providers struct {
	S2S   s2s.Provider
	LLM   llm.Provider
	GenAI *GenAI
}

// App owns the server lifetime.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers
	level     *slog.LevelVar
	metrics   *observe.Metrics
	metricsH  http.Handler
	watcher   *config.Watcher
	listener  net.Listener
	log       *slog.Logger

	consult  *lab.Consult
	finder   *lab.Finder
	imager   *lab.Imager
	animator *lab.Animator

	handler http.Handler
	server  *http.Server

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLevelVar makes config reloads adjust lv. Without it log level
// changes are only logged.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// WithWatcher attaches a config watcher. Run polls it and applies reloads.
// Build it with [App.ApplyConfig] as its change callback.
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithListener serves on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// New builds the application. Labs are only routed when providers.GenAI is
// set; the voice endpoint only when providers.S2S is set.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{providers: providers}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	a.cfg.Store(cfg)
	if a.level != nil {
		a.level.Set(slogLevel(cfg.Server.LogLevel))
	}

	routes := web.Routes{
		Health:  a.healthHandler(),
		Metrics: a.metricsH,
		Observe: a.metrics,
	}
	if providers.S2S != nil {
		routes.Voice = &web.VoiceHandler{
			Provider:      providers.S2S,
			SessionConfig: a.SessionConfig,
			Metrics:       a.metrics,
		}
	}
	if providers.GenAI != nil {
		a.buildLabs(cfg)
		routes.Labs = &web.LabHandler{
			Consult:  a.consult,
			Finder:   a.finder,
			Imager:   a.imager,
			Animator: a.animator,
			Persona:  a.Persona,
			Log:      a.log,
		}
	}
	a.handler = web.NewMux(routes)
	return a, nil
}

func (a *App) buildLabs(cfg *config.Config) {
	g := a.providers.GenAI
	opts := []lab.Option{
		lab.WithSettings(a.LabSettings),
		lab.WithMetrics(a.metrics),
		lab.WithLogger(a.log),
	}

	a.consult = lab.NewConsult(lab.NewGroundedConsultant(g.Models, opts...), "genai",
		resilience.CircuitBreakerConfig{}, opts...)
	if a.providers.LLM != nil {
		name := cmpOr(cfg.Providers.LLM.Name, "llm")
		a.consult.AddFallback(name, lab.NewChatConsultant(a.providers.LLM, name, opts...))
	}
	guarded := append(opts, lab.WithBreaker(resilience.CircuitBreakerConfig{}))
	a.finder = lab.NewFinder(g.Models, guarded...)
	a.imager = lab.NewImager(g.Models, guarded...)
	a.animator = lab.NewAnimator(g.Models, g.Operations, lab.AnimatorConfig{
		APIKey:  g.APIKey,
		MaxJobs: cfg.Labs.Video.MaxJobs,
	}, guarded...)
}

func (a *App) healthHandler() *health.Handler {
	return health.New(
		health.Configured("s2s", func() bool { return a.providers.S2S != nil }),
		health.Configured("genai", func() bool { return a.providers.GenAI != nil }),
	)
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Config returns the config currently in effect.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Backends lists the consult backends in failover order. Nil without labs.
func (a *App) Backends() []string {
	if a.consult == nil {
		return nil
	}
	return a.consult.Backends()
}

// ── Hot-reloadable views ──────────────────────────────────────────────────────

// Persona returns the active persona.
func (a *App) Persona() lab.Persona {
	p, ok := lab.LookupPersona(a.cfg.Load().Persona)
	if !ok {
		return lab.Doctor
	}
	return p
}

// SessionConfig returns the configuration for the next voice session.
// Explicit voice settings override the persona defaults.
func (a *App) SessionConfig() s2s.SessionConfig {
	cfg := a.cfg.Load()
	p := a.Persona()
	return s2s.SessionConfig{
		Voice:        cmpOr(cfg.Voice.Voice, p.Voice),
		Instructions: cmpOr(cfg.Voice.Instructions, p.VoiceInstructions),
	}
}

// LabSettings maps the labs section of the current config.
func (a *App) LabSettings() lab.Settings {
	l := a.cfg.Load().Labs
	return lab.Settings{
		ConsultModel:     l.Consult.Model,
		MapsModel:        l.Maps.Model,
		ImageModel:       l.Images.Model,
		ImageEditModel:   l.Images.EditModel,
		ImageAspectRatio: l.Images.AspectRatio,
		ImageSize:        l.Images.ImageSize,
		VideoModel:       l.Video.Model,
		VideoResolution:  l.Video.Resolution,
		PollInterval:     l.Video.PollInterval,
	}
}

// ApplyConfig swaps in next. It is the [config.Watcher] change callback.
func (a *App) ApplyConfig(old, next *config.Config) {
	d := config.Diff(old, next)
	a.cfg.Store(next)

	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(slogLevel(d.NewLogLevel))
		}
		a.log.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.PersonaChanged {
		a.log.Info("app: persona changed, applies to new sessions", "persona", d.NewPersona)
	}
	if d.VoiceChanged {
		a.log.Info("app: voice settings changed, applies to new sessions")
	}
	if d.LabsChanged {
		a.log.Info("app: lab settings changed")
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("app: changes need a restart to take effect", "keys", d.RestartRequired)
	}
}

// ── Run / Shutdown ────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the server fails, then shuts
// the server down gracefully.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("app: listening", "addr", ln.Addr().String(), "tls", cfg.Server.TLS != nil)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Shutdown stops background lab work. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		if a.animator == nil {
			return
		}
		done := make(chan error, 1)
		go func() { done <- a.animator.Close() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = fmt.Errorf("app: shutdown: %w", ctx.Err())
		}
	})
	return err
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func cmpOr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

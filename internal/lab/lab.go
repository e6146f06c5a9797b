// Package lab implements the doctor.ai tools that run beside the voice
// session: grounded consult chat (and its game-tips variant), the facility
// finder, image generation and editing, and video generation.
//
// Every lab talks to the hosted generative API through the narrow [Models]
// and [Operations] interfaces, which *genai.Models and *genai.Operations
// satisfy. Tests substitute fakes.
package lab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/genai"

	"github.com/MrWong99/doctorai/internal/observe"
	"github.com/MrWong99/doctorai/internal/resilience"
)

var (
	// ErrEmptyPrompt is returned when a request carries no prompt text.
	ErrEmptyPrompt = errors.New("lab: prompt is empty")

	// ErrInvalidRequest wraps rejected request parameters.
	ErrInvalidRequest = errors.New("lab: invalid request")

	// ErrNoImage is returned when an imaging call succeeds but the model
	// returned no inline image, or when an edit is requested without one.
	ErrNoImage = errors.New("lab: no image")

	// ErrKeyInvalid reports that the hosted API rejected the configured key
	// or no longer knows the referenced entity. The user must re-authorize.
	ErrKeyInvalid = errors.New("lab: session expired, re-authorization required")

	// ErrJobNotFound is returned for an unknown video job ID.
	ErrJobNotFound = errors.New("lab: video job not found")
)

// Models is the subset of *genai.Models used by the labs.
type Models interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateVideos(ctx context.Context, model string, prompt string, image *genai.Image, config *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error)
}

// Operations is the subset of *genai.Operations used to poll video jobs.
type Operations interface {
	GetVideosOperation(ctx context.Context, operation *genai.GenerateVideosOperation, config *genai.GetOperationConfig) (*genai.GenerateVideosOperation, error)
}

var (
	_ Models     = (*genai.Models)(nil)
	_ Operations = (*genai.Operations)(nil)
)

// ── Settings ──────────────────────────────────────────────────────────────────

// Default models and parameters.
const (
	DefaultConsultModel   = "gemini-3-flash-preview"
	DefaultMapsModel      = "gemini-2.5-flash"
	DefaultImageModel     = "gemini-3-pro-image-preview"
	DefaultImageEditModel = "gemini-2.5-flash-image"
	DefaultAspectRatio    = "1:1"
	DefaultImageSize      = "1K"
	DefaultVideoModel     = "veo-3.1-fast-generate-preview"
	DefaultResolution     = "720p"
	DefaultPollInterval   = 5 * time.Second
)

// Settings are the tunable lab parameters. They are read on every request,
// so a config reload applies to the next call.
type Settings struct {
	ConsultModel     string
	MapsModel        string
	ImageModel       string
	ImageEditModel   string
	ImageAspectRatio string
	ImageSize        string
	VideoModel       string
	VideoResolution  string
	PollInterval     time.Duration
}

// WithDefaults returns s with every empty field set to its default.
func (s Settings) WithDefaults() Settings {
	def := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	def(&s.ConsultModel, DefaultConsultModel)
	def(&s.MapsModel, DefaultMapsModel)
	def(&s.ImageModel, DefaultImageModel)
	def(&s.ImageEditModel, DefaultImageEditModel)
	def(&s.ImageAspectRatio, DefaultAspectRatio)
	def(&s.ImageSize, DefaultImageSize)
	def(&s.VideoModel, DefaultVideoModel)
	def(&s.VideoResolution, DefaultResolution)
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	return s
}

// ── Options ───────────────────────────────────────────────────────────────────

type options struct {
	settings func() Settings
	metrics  *observe.Metrics
	log      *slog.Logger
	breaker  *resilience.CircuitBreakerConfig
}

// Option configures a lab.
type Option func(*options)

// WithSettings sets the settings source. fn is called once per request.
func WithSettings(fn func() Settings) Option {
	return func(o *options) { o.settings = fn }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithBreaker guards the lab's hosted calls with a circuit breaker built
// from cfg. The breaker is named after the lab. Consult ignores it; its
// breakers come from [NewConsult].
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(o *options) { o.breaker = &cfg }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.settings == nil {
		o.settings = func() Settings { return Settings{} }
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o
}

func (o options) current() Settings { return o.settings().WithDefaults() }

// newBreaker returns the breaker for lab, or nil when none was configured.
func (o options) newBreaker(lab string) *resilience.CircuitBreaker {
	if o.breaker == nil {
		return nil
	}
	cfg := *o.breaker
	cfg.Name = lab
	if cfg.OnStateChange == nil {
		m := o.metrics
		cfg.OnStateChange = func(name string, _, to resilience.State) {
			m.RecordBreakerTransition(context.Background(), name, to.String())
		}
	}
	return resilience.NewCircuitBreaker(cfg)
}

// guard runs fn through b. A nil b runs fn directly. Client-side failures
// do not count against the breaker.
func guard(b *resilience.CircuitBreaker, fn func() error) error {
	if b == nil {
		return fn()
	}
	return b.Execute(func() error { return classify(fn()) })
}

// ── Shared types ──────────────────────────────────────────────────────────────

// Source is a grounding citation attached to an answer.
type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// Answer is a text reply with its citations.
type Answer struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources"`

	// Grounded is false when the reply came from the ungrounded fallback.
	Grounded bool `json:"grounded"`
}

// notFoundMessage is what the hosted API says when a key can no longer see
// an entity it created, typically after the key was rotated.
const notFoundMessage = "Requested entity was not found"

// classify wraps key and authorization failures in [ErrKeyInvalid] and marks
// them permanent so they neither trip breakers nor fail over.
func classify(err error) error {
	if err == nil || resilience.IsPermanent(err) {
		return err
	}
	if apiErr, ok := asAPIError(err); ok {
		switch {
		case apiErr.Code == http.StatusUnauthorized,
			apiErr.Code == http.StatusForbidden,
			apiErr.Status == "UNAUTHENTICATED",
			apiErr.Status == "PERMISSION_DENIED",
			strings.Contains(apiErr.Message, "API key not valid"):
			return resilience.Permanent(fmt.Errorf("%w: %w", ErrKeyInvalid, err))
		case apiErr.Code == http.StatusBadRequest:
			return resilience.Permanent(err)
		}
	}
	if strings.Contains(err.Error(), notFoundMessage) {
		return resilience.Permanent(fmt.Errorf("%w: %w", ErrKeyInvalid, err))
	}
	return err
}

func asAPIError(err error) (genai.APIError, bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v, true
	}
	var p *genai.APIError
	if errors.As(err, &p) && p != nil {
		return *p, true
	}
	return genai.APIError{}, false
}

// callProvider runs fn inside a span and records the backend request
// outcome and latency.
func callProvider(ctx context.Context, m *observe.Metrics, provider, kind, model string, fn func(context.Context) error) error {
	ctx, span := observe.StartSpan(ctx, provider+"."+kind)
	defer span.End()
	span.SetAttributes(
		observe.AttrProvider.String(provider),
		observe.AttrModel.String(model),
		attribute.String("kind", kind),
	)

	start := time.Now()
	err := fn(ctx)

	status := "ok"
	if err != nil {
		status = "error"
		observe.Fail(span, err)
		m.RecordProviderError(ctx, provider, kind)
	}
	m.RecordProviderRequest(ctx, provider, kind, status)
	m.ProviderDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
	return err
}

// recordLab records one end-to-end lab request.
func recordLab(ctx context.Context, m *observe.Metrics, lab string, start time.Time, err error) {
	status := "ok"
	switch {
	case errors.Is(err, ErrEmptyPrompt), errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrNoImage):
		status = "rejected"
	case err != nil:
		status = "error"
	}
	m.RecordLab(ctx, lab, status, time.Since(start).Seconds())
}

// firstCandidate returns the first candidate or nil.
func firstCandidate(resp *genai.GenerateContentResponse) *genai.Candidate {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	return resp.Candidates[0]
}

// responseText joins the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	c := firstCandidate(resp)
	if c == nil || c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" && !p.Thought {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// observeLog returns the configured logger tagged with the trace ID of the
// active span in ctx, if any.
func observeLog(ctx context.Context, o options) *slog.Logger {
	l := o.log
	if id := observe.CorrelationID(ctx); id != "" {
		l = l.With("trace_id", id)
	}
	return l
}

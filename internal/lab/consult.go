package lab

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/MrWong99/doctorai/internal/resilience"
	"github.com/MrWong99/doctorai/pkg/provider/llm"
)

// consultFallbackText is returned when the model produced no text.
const consultFallbackText = "I'm sorry, I couldn't process that request."

// Consultant answers a free-text question under a persona.
type Consultant interface {
	Consult(ctx context.Context, prompt string, persona Persona) (Answer, error)
}

// ── Grounded (hosted genai + Google Search) ──────────────────────────────────

// GroundedConsultant answers through the hosted model with Google Search
// grounding and returns the web citations it used.
type GroundedConsultant struct {
	models Models
	opts   options
}

var _ Consultant = (*GroundedConsultant)(nil)

// NewGroundedConsultant creates a GroundedConsultant.
func NewGroundedConsultant(models Models, opts ...Option) *GroundedConsultant {
	return &GroundedConsultant{models: models, opts: buildOptions(opts)}
}

// Consult implements [Consultant].
func (g *GroundedConsultant) Consult(ctx context.Context, prompt string, persona Persona) (Answer, error) {
	model := g.opts.current().ConsultModel
	cfg := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	}
	if persona.ConsultInstructions != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(persona.ConsultInstructions)}}
	}

	var resp *genai.GenerateContentResponse
	err := callProvider(ctx, g.opts.metrics, "genai", "consult", model, func(ctx context.Context) error {
		var err error
		resp, err = g.models.GenerateContent(ctx, model, []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, cfg)
		return err
	})
	if err != nil {
		return Answer{}, fmt.Errorf("lab: consult: %w", classify(err))
	}

	text := responseText(resp)
	if text == "" {
		text = consultFallbackText
	}
	return Answer{Text: text, Sources: webSources(resp), Grounded: true}, nil
}

// webSources collects web citations that carry both a URI and a title.
func webSources(resp *genai.GenerateContentResponse) []Source {
	c := firstCandidate(resp)
	if c == nil || c.GroundingMetadata == nil {
		return []Source{}
	}
	out := []Source{}
	for _, chunk := range c.GroundingMetadata.GroundingChunks {
		if chunk == nil || chunk.Web == nil {
			continue
		}
		if chunk.Web.URI == "" || chunk.Web.Title == "" {
			continue
		}
		out = append(out, Source{URI: chunk.Web.URI, Title: chunk.Web.Title})
	}
	return out
}

// ── Ungrounded (any chat-completion backend) ─────────────────────────────────

// ChatConsultant answers through a plain chat-completion backend. Its
// answers carry no citations.
type ChatConsultant struct {
	provider llm.Provider
	name     string
	opts     options
}

var _ Consultant = (*ChatConsultant)(nil)

// NewChatConsultant creates a ChatConsultant. name labels the backend in
// metrics and logs.
func NewChatConsultant(provider llm.Provider, name string, opts ...Option) *ChatConsultant {
	return &ChatConsultant{provider: provider, name: name, opts: buildOptions(opts)}
}

// Consult implements [Consultant].
func (c *ChatConsultant) Consult(ctx context.Context, prompt string, persona Persona) (Answer, error) {
	req := llm.CompletionRequest{
		SystemPrompt: persona.ConsultInstructions,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	}

	var resp *llm.CompletionResponse
	err := callProvider(ctx, c.opts.metrics, c.name, "consult", "", func(ctx context.Context) error {
		var err error
		resp, err = c.provider.Complete(ctx, req)
		return err
	})
	if err != nil {
		return Answer{}, fmt.Errorf("lab: consult via %s: %w", c.name, err)
	}

	text := ""
	if resp != nil {
		text = strings.TrimSpace(resp.Content)
	}
	if text == "" {
		text = consultFallbackText
	}
	return Answer{Text: text, Sources: []Source{}}, nil
}

// ── Consult lab ──────────────────────────────────────────────────────────────

// Consult is the consult chat lab. It tries its consultants in order, each
// behind its own circuit breaker.
type Consult struct {
	group *resilience.FallbackGroup[Consultant]
	opts  options
}

// NewConsult creates the consult lab with primary as the preferred backend.
// Breaker state changes are counted on the configured metrics unless cb
// already carries a hook.
func NewConsult(primary Consultant, primaryName string, cb resilience.CircuitBreakerConfig, opts ...Option) *Consult {
	o := buildOptions(opts)
	if cb.OnStateChange == nil {
		cb.OnStateChange = func(name string, _, to resilience.State) {
			o.metrics.RecordBreakerTransition(context.Background(), "consult/"+name, to.String())
		}
	}
	return &Consult{
		group: resilience.NewFallbackGroup(primary, primaryName, resilience.FallbackConfig{CircuitBreaker: cb}),
		opts:  o,
	}
}

// AddFallback registers a consultant tried after the previous ones fail.
func (c *Consult) AddFallback(name string, consultant Consultant) {
	c.group.AddFallback(name, consultant)
}

// Backends lists the consultant names in the order they are tried.
func (c *Consult) Backends() []string { return c.group.Names() }

// Ask answers prompt under persona. Blank prompts are rejected with
// [ErrEmptyPrompt] without calling any backend.
func (c *Consult) Ask(ctx context.Context, prompt string, persona Persona) (ans Answer, err error) {
	lab := "consult"
	if persona.Name == Gaming.Name {
		lab = "tips"
	}
	start := time.Now()
	defer func() { recordLab(ctx, c.opts.metrics, lab, start, err) }()

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Answer{}, ErrEmptyPrompt
	}
	ans, err = resilience.ExecuteWithResult(c.group, func(cn Consultant) (Answer, error) {
		return cn.Consult(ctx, prompt, persona)
	})
	if err != nil {
		observeLog(ctx, c.opts).Warn("lab: consult failed", "persona", persona.Name, "err", err)
		return Answer{}, err
	}
	return ans, nil
}

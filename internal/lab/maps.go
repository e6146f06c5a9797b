package lab

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/MrWong99/doctorai/internal/resilience"
)

// mapsFallbackText is returned when the model found places but wrote no text.
const mapsFallbackText = "I found some results but couldn't format the response properly."

// MapsRequest is a facility search.
type MapsRequest struct {
	Prompt string `json:"prompt"`

	// Lat and Lng bias results toward the caller. Both or neither.
	Lat *float64 `json:"lat,omitempty"`
	Lng *float64 `json:"lng,omitempty"`
}

// Finder is the facility finder lab backed by Google Maps grounding.
type Finder struct {
	models  Models
	opts    options
	breaker *resilience.CircuitBreaker
}

// NewFinder creates a Finder.
func NewFinder(models Models, opts ...Option) *Finder {
	o := buildOptions(opts)
	return &Finder{models: models, opts: o, breaker: o.newBreaker("maps")}
}

// Find answers req with place citations.
func (f *Finder) Find(ctx context.Context, req MapsRequest) (ans Answer, err error) {
	start := time.Now()
	defer func() { recordLab(ctx, f.opts.metrics, "maps", start, err) }()

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return Answer{}, ErrEmptyPrompt
	}

	model := f.opts.current().MapsModel
	cfg := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{GoogleMaps: &genai.GoogleMaps{}}},
	}
	if req.Lat != nil && req.Lng != nil {
		cfg.ToolConfig = &genai.ToolConfig{
			RetrievalConfig: &genai.RetrievalConfig{
				LatLng: &genai.LatLng{Latitude: req.Lat, Longitude: req.Lng},
			},
		}
	}

	var resp *genai.GenerateContentResponse
	err = guard(f.breaker, func() error {
		return callProvider(ctx, f.opts.metrics, "genai", "maps", model, func(ctx context.Context) error {
			var err error
			resp, err = f.models.GenerateContent(ctx, model, []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, cfg)
			return err
		})
	})
	if err != nil {
		err = fmt.Errorf("lab: maps: %w", classify(err))
		observeLog(ctx, f.opts).Warn("lab: maps failed", "err", err)
		return Answer{}, err
	}

	text := responseText(resp)
	if text == "" {
		text = mapsFallbackText
	}
	return Answer{Text: text, Sources: mapSources(resp), Grounded: true}, nil
}

// mapSources collects place citations that carry a URI.
func mapSources(resp *genai.GenerateContentResponse) []Source {
	c := firstCandidate(resp)
	if c == nil || c.GroundingMetadata == nil {
		return []Source{}
	}
	out := []Source{}
	for _, chunk := range c.GroundingMetadata.GroundingChunks {
		if chunk == nil || chunk.Maps == nil || chunk.Maps.URI == "" {
			continue
		}
		title := chunk.Maps.Title
		if title == "" {
			title = chunk.Maps.URI
		}
		out = append(out, Source{URI: chunk.Maps.URI, Title: title})
	}
	return out
}

package lab

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/MrWong99/doctorai/internal/resilience"
)

// editPrefix is prepended to every edit instruction.
const editPrefix = "Apply this edit to the image: "

// ImageSizes lists the accepted output sizes.
var ImageSizes = []string{"1K", "2K", "4K"}

// Image is an encoded image.
type Image struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mimeType"`
}

// ImageRequest is a text-to-image request. Empty fields take the configured
// defaults.
type ImageRequest struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

// Imager is the image generation and editing lab.
type Imager struct {
	models  Models
	opts    options
	breaker *resilience.CircuitBreaker
}

// NewImager creates an Imager.
func NewImager(models Models, opts ...Option) *Imager {
	o := buildOptions(opts)
	return &Imager{models: models, opts: o, breaker: o.newBreaker("image")}
}

// Generate renders a new image from req.
func (im *Imager) Generate(ctx context.Context, req ImageRequest) (img Image, err error) {
	start := time.Now()
	defer func() { recordLab(ctx, im.opts.metrics, "image", start, err) }()

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return Image{}, ErrEmptyPrompt
	}
	s := im.opts.current()
	aspect := cmp.Or(req.AspectRatio, s.ImageAspectRatio)
	size := cmp.Or(req.ImageSize, s.ImageSize)
	if !slices.Contains(ImageSizes, size) {
		return Image{}, fmt.Errorf("%w: image size %q, want one of %v", ErrInvalidRequest, size, ImageSizes)
	}

	cfg := &genai.GenerateContentConfig{
		ImageConfig: &genai.ImageConfig{AspectRatio: aspect, ImageSize: size},
	}
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	return im.render(ctx, "image", s.ImageModel, contents, cfg)
}

// Edit applies the instruction prompt to src.
func (im *Imager) Edit(ctx context.Context, prompt string, src Image) (img Image, err error) {
	start := time.Now()
	defer func() { recordLab(ctx, im.opts.metrics, "image_edit", start, err) }()

	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Image{}, ErrEmptyPrompt
	}
	if len(src.Data) == 0 {
		return Image{}, fmt.Errorf("%w: %w", ErrInvalidRequest, ErrNoImage)
	}
	mime := src.MIMEType
	if mime == "" {
		mime = "image/png"
	}

	contents := []*genai.Content{genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromBytes(src.Data, mime),
		genai.NewPartFromText(editPrefix + prompt),
	}, genai.RoleUser)}
	return im.render(ctx, "image_edit", im.opts.current().ImageEditModel, contents, nil)
}

func (im *Imager) render(ctx context.Context, kind, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (Image, error) {
	var resp *genai.GenerateContentResponse
	err := guard(im.breaker, func() error {
		return callProvider(ctx, im.opts.metrics, "genai", kind, model, func(ctx context.Context) error {
			var err error
			resp, err = im.models.GenerateContent(ctx, model, contents, cfg)
			return err
		})
	})
	if err != nil {
		err = fmt.Errorf("lab: %s: %w", kind, classify(err))
		observeLog(ctx, im.opts).Warn("lab: imaging failed", "kind", kind, "err", err)
		return Image{}, err
	}

	img, ok := inlineImage(resp)
	if !ok {
		return Image{}, ErrNoImage
	}
	return img, nil
}

// inlineImage returns the first inline data part of the first candidate.
func inlineImage(resp *genai.GenerateContentResponse) (Image, bool) {
	c := firstCandidate(resp)
	if c == nil || c.Content == nil {
		return Image{}, false
	}
	for _, p := range c.Content.Parts {
		if p != nil && p.InlineData != nil && len(p.InlineData.Data) > 0 {
			mime := p.InlineData.MIMEType
			if mime == "" {
				mime = "image/png"
			}
			return Image{Data: p.InlineData.Data, MIMEType: mime}, true
		}
	}
	return Image{}, false
}

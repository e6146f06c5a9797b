package lab_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"google.golang.org/genai"

	"github.com/MrWong99/doctorai/internal/lab"
)

func imageResponse(data []byte, mime string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []*genai.Part{
			{Text: "Here you go."},
			{InlineData: &genai.Blob{Data: data, MIMEType: mime}},
		}},
	}}}
}

func TestImager_Generate(t *testing.T) {
	t.Parallel()

	png := []byte{0x89, 'P', 'N', 'G'}
	models := &fakeModels{resp: imageResponse(png, "image/png")}
	im := lab.NewImager(models)

	img, err := im.Generate(context.Background(), lab.ImageRequest{Prompt: "a heart diagram", ImageSize: "2K"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !bytes.Equal(img.Data, png) || img.MIMEType != "image/png" {
		t.Errorf("image = %v %q", img.Data, img.MIMEType)
	}

	call := models.contentCalls()[0]
	if call.model != lab.DefaultImageModel {
		t.Errorf("model = %q", call.model)
	}
	if ic := call.config.ImageConfig; ic.AspectRatio != "1:1" || ic.ImageSize != "2K" {
		t.Errorf("ImageConfig = %+v", ic)
	}
}

func TestImager_GenerateUsesSettings(t *testing.T) {
	t.Parallel()

	models := &fakeModels{resp: imageResponse([]byte{1}, "image/jpeg")}
	im := lab.NewImager(models, lab.WithSettings(func() lab.Settings {
		return lab.Settings{ImageModel: "custom-image", ImageAspectRatio: "16:9"}
	}))
	if _, err := im.Generate(context.Background(), lab.ImageRequest{Prompt: "x"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	call := models.contentCalls()[0]
	if call.model != "custom-image" {
		t.Errorf("model = %q", call.model)
	}
	if ic := call.config.ImageConfig; ic.AspectRatio != "16:9" || ic.ImageSize != "1K" {
		t.Errorf("ImageConfig = %+v", ic)
	}
}

func TestImager_GenerateRejectsBadSize(t *testing.T) {
	t.Parallel()

	models := &fakeModels{}
	_, err := lab.NewImager(models).Generate(context.Background(), lab.ImageRequest{Prompt: "x", ImageSize: "8K"})
	if !errors.Is(err, lab.ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
	if n := len(models.contentCalls()); n != 0 {
		t.Errorf("backend calls = %d, want 0", n)
	}
}

func TestImager_NoInlineImage(t *testing.T) {
	t.Parallel()

	im := lab.NewImager(&fakeModels{resp: textResponse("I can't draw that.")})
	_, err := im.Generate(context.Background(), lab.ImageRequest{Prompt: "x"})
	if !errors.Is(err, lab.ErrNoImage) {
		t.Fatalf("err = %v, want ErrNoImage", err)
	}
}

func TestImager_Edit(t *testing.T) {
	t.Parallel()

	src := lab.Image{Data: []byte("source")}
	models := &fakeModels{resp: imageResponse([]byte("edited"), "")}
	im := lab.NewImager(models)

	img, err := im.Edit(context.Background(), "add a stethoscope", src)
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if string(img.Data) != "edited" || img.MIMEType != "image/png" {
		t.Errorf("image = %q %q", img.Data, img.MIMEType)
	}

	call := models.contentCalls()[0]
	if call.model != lab.DefaultImageEditModel {
		t.Errorf("model = %q", call.model)
	}
	parts := call.contents[0].Parts
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(parts))
	}
	if parts[0].InlineData == nil || parts[0].InlineData.MIMEType != "image/png" || string(parts[0].InlineData.Data) != "source" {
		t.Errorf("image part = %+v", parts[0].InlineData)
	}
	if parts[1].Text != "Apply this edit to the image: add a stethoscope" {
		t.Errorf("text part = %q", parts[1].Text)
	}
}

func TestImager_EditWithoutImage(t *testing.T) {
	t.Parallel()

	_, err := lab.NewImager(&fakeModels{}).Edit(context.Background(), "brighter", lab.Image{})
	if !errors.Is(err, lab.ErrNoImage) {
		t.Fatalf("err = %v, want ErrNoImage", err)
	}
}

package lab_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/MrWong99/doctorai/internal/lab"
	"github.com/MrWong99/doctorai/internal/resilience"
)

func TestFinder_WithLocation(t *testing.T) {
	t.Parallel()

	models := &fakeModels{resp: textResponse("Two clinics nearby.",
		mapsChunk("https://maps.google.com/?cid=1", "City Clinic"),
		mapsChunk("https://maps.google.com/?cid=2", ""),
		mapsChunk("", "No URI"),
		webChunk("https://example.com", "Web"),
	)}
	f := lab.NewFinder(models)

	lat, lng := 52.52, 13.405
	ans, err := f.Find(context.Background(), lab.MapsRequest{Prompt: "urgent care", Lat: &lat, Lng: &lng})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if ans.Text != "Two clinics nearby." {
		t.Errorf("Text = %q", ans.Text)
	}
	want := []lab.Source{
		{URI: "https://maps.google.com/?cid=1", Title: "City Clinic"},
		{URI: "https://maps.google.com/?cid=2", Title: "https://maps.google.com/?cid=2"},
	}
	if len(ans.Sources) != len(want) {
		t.Fatalf("Sources = %+v, want %+v", ans.Sources, want)
	}
	for i := range want {
		if ans.Sources[i] != want[i] {
			t.Errorf("Sources[%d] = %+v, want %+v", i, ans.Sources[i], want[i])
		}
	}

	call := models.contentCalls()[0]
	if call.model != lab.DefaultMapsModel {
		t.Errorf("model = %q", call.model)
	}
	if call.config.Tools[0].GoogleMaps == nil {
		t.Error("google maps tool not set")
	}
	ll := call.config.ToolConfig.RetrievalConfig.LatLng
	if *ll.Latitude != lat || *ll.Longitude != lng {
		t.Errorf("latLng = %v,%v", *ll.Latitude, *ll.Longitude)
	}
}

func TestFinder_WithoutLocation(t *testing.T) {
	t.Parallel()

	models := &fakeModels{resp: textResponse("")}
	f := lab.NewFinder(models)

	lat := 1.0
	ans, err := f.Find(context.Background(), lab.MapsRequest{Prompt: "pharmacy", Lat: &lat})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if ans.Text != "I found some results but couldn't format the response properly." {
		t.Errorf("Text = %q", ans.Text)
	}
	if cfg := models.contentCalls()[0].config; cfg.ToolConfig != nil {
		t.Errorf("ToolConfig = %+v, want nil with a partial location", cfg.ToolConfig)
	}
}

func TestFinder_EmptyPrompt(t *testing.T) {
	t.Parallel()

	_, err := lab.NewFinder(&fakeModels{}).Find(context.Background(), lab.MapsRequest{})
	if !errors.Is(err, lab.ErrEmptyPrompt) {
		t.Fatalf("err = %v, want ErrEmptyPrompt", err)
	}
}

func TestFinder_BreakerOpensOnUpstreamFailures(t *testing.T) {
	t.Parallel()

	models := &fakeModels{err: errors.New("503 overloaded")}
	f := lab.NewFinder(models, lab.WithBreaker(resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}))

	if _, err := f.Find(context.Background(), lab.MapsRequest{Prompt: "clinic"}); err == nil {
		t.Fatal("first Find: want upstream error")
	}
	_, err := f.Find(context.Background(), lab.MapsRequest{Prompt: "clinic"})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("second Find err = %v, want ErrCircuitOpen", err)
	}
	if n := len(models.contentCalls()); n != 1 {
		t.Errorf("backend calls = %d, want 1", n)
	}
}

func TestFinder_RejectedKeyKeepsBreakerClosed(t *testing.T) {
	t.Parallel()

	models := &fakeModels{err: genai.APIError{Code: 401, Status: "UNAUTHENTICATED"}}
	f := lab.NewFinder(models, lab.WithBreaker(resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}))

	for range 3 {
		_, err := f.Find(context.Background(), lab.MapsRequest{Prompt: "clinic"})
		if !errors.Is(err, lab.ErrKeyInvalid) {
			t.Fatalf("err = %v, want ErrKeyInvalid", err)
		}
	}
	if n := len(models.contentCalls()); n != 3 {
		t.Errorf("backend calls = %d, want 3", n)
	}
}

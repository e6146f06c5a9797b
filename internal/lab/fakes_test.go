package lab_test

import (
	"context"
	"sync"

	"google.golang.org/genai"
)

type contentCall struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

type videoCall struct {
	model  string
	prompt string
	image  *genai.Image
	config *genai.GenerateVideosConfig
}

// fakeModels scripts GenerateContent and GenerateVideos.
type fakeModels struct {
	mu sync.Mutex

	resp *genai.GenerateContentResponse
	err  error

	videoOp  *genai.GenerateVideosOperation
	videoErr error

	calls      []contentCall
	videoCalls []videoCall
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, contentCall{model: model, contents: contents, config: config})
	return f.resp, f.err
}

func (f *fakeModels) GenerateVideos(_ context.Context, model, prompt string, image *genai.Image, config *genai.GenerateVideosConfig) (*genai.GenerateVideosOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoCalls = append(f.videoCalls, videoCall{model: model, prompt: prompt, image: image, config: config})
	return f.videoOp, f.videoErr
}

func (f *fakeModels) contentCalls() []contentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]contentCall(nil), f.calls...)
}

// fakeOperations returns ops in order, repeating the last one.
type fakeOperations struct {
	mu    sync.Mutex
	ops   []*genai.GenerateVideosOperation
	err   error
	polls int
}

func (f *fakeOperations) GetVideosOperation(_ context.Context, _ *genai.GenerateVideosOperation, _ *genai.GetOperationConfig) (*genai.GenerateVideosOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.err != nil {
		return nil, f.err
	}
	i := min(f.polls-1, len(f.ops)-1)
	return f.ops[i], nil
}

func textResponse(text string, chunks ...*genai.GroundingChunk) *genai.GenerateContentResponse {
	c := &genai.Candidate{Content: &genai.Content{Role: genai.RoleModel}}
	if text != "" {
		c.Content.Parts = []*genai.Part{{Text: text}}
	}
	if len(chunks) > 0 {
		c.GroundingMetadata = &genai.GroundingMetadata{GroundingChunks: chunks}
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{c}}
}

func webChunk(uri, title string) *genai.GroundingChunk {
	return &genai.GroundingChunk{Web: &genai.GroundingChunkWeb{URI: uri, Title: title}}
}

func mapsChunk(uri, title string) *genai.GroundingChunk {
	return &genai.GroundingChunk{Maps: &genai.GroundingChunkMaps{URI: uri, Title: title}}
}

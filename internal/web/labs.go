package web

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/MrWong99/doctorai/internal/lab"
	"github.com/MrWong99/doctorai/internal/resilience"
)

// maxLabBody bounds lab request bodies. Source images travel inline.
const maxLabBody = 20 << 20

// LabHandler serves the lab JSON API. Nil labs are not routed.
type LabHandler struct {
	Consult  *lab.Consult
	Finder   *lab.Finder
	Imager   *lab.Imager
	Animator *lab.Animator

	// Persona returns the active persona for /api/chat. Defaults to
	// [lab.Doctor].
	Persona func() lab.Persona

	// Log defaults to [slog.Default].
	Log *slog.Logger
}

// Register adds the lab routes to mux:
//
//	POST /api/chat                  consult under the active persona
//	POST /api/tips                  consult under the gaming persona
//	POST /api/maps                  facility finder
//	POST /api/images                text to image
//	POST /api/images/edit           image edit
//	POST /api/videos                start a video job
//	GET  /api/videos/{id}           video job status
//	GET  /api/videos/{id}/content   finished video
func (h *LabHandler) Register(mux *http.ServeMux) {
	if h.Consult != nil {
		mux.HandleFunc("POST /api/chat", h.handleChat)
		mux.HandleFunc("POST /api/tips", h.handleTips)
	}
	if h.Finder != nil {
		mux.HandleFunc("POST /api/maps", h.handleMaps)
	}
	if h.Imager != nil {
		mux.HandleFunc("POST /api/images", h.handleImage)
		mux.HandleFunc("POST /api/images/edit", h.handleImageEdit)
	}
	if h.Animator != nil {
		mux.HandleFunc("POST /api/videos", h.handleVideo)
		mux.HandleFunc("GET /api/videos/{id}", h.handleVideoStatus)
		mux.HandleFunc("GET /api/videos/{id}/content", h.handleVideoContent)
	}
}

// ── Request bodies ────────────────────────────────────────────────────────────

type promptRequest struct {
	Prompt string `json:"prompt"`
}

type imageRequest struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	ImageSize   string `json:"image_size,omitempty"`
}

// editRequest carries the source image base64 encoded in Image.
type editRequest struct {
	Prompt   string `json:"prompt"`
	Image    []byte `json:"image"`
	MIMEType string `json:"mime_type,omitempty"`
}

type videoRequest struct {
	Prompt      string `json:"prompt"`
	Image       []byte `json:"image,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ── Handlers ──────────────────────────────────────────────────────────────────

func (h *LabHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	persona := lab.Doctor
	if h.Persona != nil {
		persona = h.Persona()
	}
	h.consult(w, r, persona)
}

func (h *LabHandler) handleTips(w http.ResponseWriter, r *http.Request) {
	h.consult(w, r, lab.Gaming)
}

func (h *LabHandler) consult(w http.ResponseWriter, r *http.Request, persona lab.Persona) {
	var req promptRequest
	if !decode(w, r, &req) {
		return
	}
	ans, err := h.Consult.Ask(r.Context(), req.Prompt, persona)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (h *LabHandler) handleMaps(w http.ResponseWriter, r *http.Request) {
	var req lab.MapsRequest
	if !decode(w, r, &req) {
		return
	}
	ans, err := h.Finder.Find(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (h *LabHandler) handleImage(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if !decode(w, r, &req) {
		return
	}
	img, err := h.Imager.Generate(r.Context(), lab.ImageRequest{
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
		ImageSize:   req.ImageSize,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeImage(w, img)
}

func (h *LabHandler) handleImageEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if !decode(w, r, &req) {
		return
	}
	img, err := h.Imager.Edit(r.Context(), req.Prompt, lab.Image{Data: req.Image, MIMEType: req.MIMEType})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeImage(w, img)
}

func (h *LabHandler) handleVideo(w http.ResponseWriter, r *http.Request) {
	var req videoRequest
	if !decode(w, r, &req) {
		return
	}
	vr := lab.VideoRequest{Prompt: req.Prompt, AspectRatio: req.AspectRatio}
	if len(req.Image) > 0 {
		vr.Image = &lab.Image{Data: req.Image, MIMEType: req.MIMEType}
	}
	job, err := h.Animator.Submit(r.Context(), vr)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/videos/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (h *LabHandler) handleVideoStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.Animator.Get(r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *LabHandler) handleVideoContent(w http.ResponseWriter, r *http.Request) {
	rc, mime, err := h.Animator.Open(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", mime)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger().Debug("web: video stream interrupted", "err", err)
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (h *LabHandler) logger() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

// fail maps a lab error to a status code and a stable error code.
func (h *LabHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := labStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger().Warn("web: lab request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func labStatus(err error) (int, string) {
	switch {
	case errors.Is(err, lab.ErrEmptyPrompt):
		return http.StatusBadRequest, "empty_prompt"
	case errors.Is(err, lab.ErrInvalidRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, lab.ErrKeyInvalid):
		return http.StatusUnauthorized, "key_invalid"
	case errors.Is(err, lab.ErrJobNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, lab.ErrJobNotReady):
		return http.StatusConflict, "not_ready"
	case errors.Is(err, lab.ErrBusy):
		return http.StatusTooManyRequests, "busy"
	case errors.Is(err, lab.ErrNoImage):
		return http.StatusBadGateway, "no_image"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusBadGateway, "upstream"
	}
}

// decode reads a JSON body into v and answers 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLabBody))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error(), Code: "bad_request"})
		return false
	}
	return true
}

func writeImage(w http.ResponseWriter, img lab.Image) {
	w.Header().Set("Content-Type", img.MIMEType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.Data)
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package web exposes doctor.ai over HTTP: the browser voice endpoint
// (WebSocket), the lab JSON API, health probes and the Prometheus scrape
// endpoint, all behind the observability middleware.
package web

import (
	"net/http"

	"github.com/MrWong99/doctorai/internal/health"
	"github.com/MrWong99/doctorai/internal/observe"
)

// Routes bundles the handlers served by [NewMux]. Nil fields are skipped.
type Routes struct {
	Voice   *VoiceHandler
	Labs    *LabHandler
	Health  *health.Handler
	Metrics http.Handler

	// Observe defaults to [observe.DefaultMetrics].
	Observe *observe.Metrics
}

// NewMux builds the application handler.
func NewMux(r Routes) http.Handler {
	mux := http.NewServeMux()
	if r.Voice != nil {
		mux.Handle("GET /api/voice", r.Voice)
	}
	if r.Labs != nil {
		r.Labs.Register(mux)
	}
	if r.Health != nil {
		r.Health.Register(mux)
	}
	if r.Metrics != nil {
		mux.Handle("GET /metrics", r.Metrics)
	}

	m := r.Observe
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return observe.Middleware(m)(mux)
}

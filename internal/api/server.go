// Package api implements the public OpenAI-compatible HTTP surface. It
// parses requests into their typed families, dispatches them through the
// model router, and drains the per-request stream queue onto the wire.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/oaigate/internal/config"
	"github.com/gaspardpetit/oaigate/internal/encoder"
	"github.com/gaspardpetit/oaigate/internal/metrics"
	"github.com/gaspardpetit/oaigate/internal/router"
)

// Server binds the HTTP endpoints to a model router.
type Server struct {
	cfg            config.Config
	router         *router.Router
	slots          *Slots
	defaultTimeout time.Duration
}

// NewServer returns a server around the given router and configuration.
func NewServer(cfg config.Config, rt *router.Router) *Server {
	return &Server{
		cfg:            cfg,
		router:         rt,
		slots:          NewSlots(cfg.MaxConcurrency, cfg.WaitTimeout),
		defaultTimeout: cfg.DefaultTimeout,
	}
}

// Router returns the model router behind the server.
func (s *Server) Router() *router.Router { return s.router }

// Handler constructs the chi handler with every endpoint mounted at both
// the /v1 prefix and the root.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))
	for _, m := range MiddlewareChain() {
		r.Use(m)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, encoder.NotFound())
	})

	preg := prometheus.NewRegistry()
	metrics.Register(preg)
	r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))

	s.mount(r)
	r.Route("/v1", func(vr chi.Router) {
		s.mount(vr)
	})
	return r
}

func (s *Server) mount(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Get("/models", s.handleModels)
	r.Group(func(g chi.Router) {
		g.Use(APIKeyMiddleware(s.cfg.APIKey))
		g.Post("/chat/completions", s.handleChatCompletions)
		g.Post("/embeddings", s.handleEmbeddings)
		g.Post("/audio/transcriptions", s.handleTranscriptions)
		g.Post("/audio/translations", s.handleTranscriptions)
		g.Post("/audio/speech", s.handleSpeech)
		g.Post("/images/generations", s.handleImageGenerations)
	})
}

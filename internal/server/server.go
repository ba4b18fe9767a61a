// Package server implements the Driftdesk HTTP server and v1 API router.
package server

import (
	"context"
	"net/http"

	"github.com/driftdesk/driftdesk/internal/auth"
	"github.com/driftdesk/driftdesk/internal/blobstore"
	"github.com/driftdesk/driftdesk/internal/catalog"
	"github.com/driftdesk/driftdesk/internal/config"
	"github.com/driftdesk/driftdesk/internal/handlers"
	"github.com/driftdesk/driftdesk/internal/upload"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the Driftdesk HTTP server. It routes incoming requests to the
// upload and file handlers and serves the operational endpoints.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	engine     *upload.Engine
	store      blobstore.Store
	catalog    catalog.Store
	uploads    *handlers.UploadHandler
	files      *handlers.FileHandler
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithUploadEngine sets the upload engine for the server.
func WithUploadEngine(engine *upload.Engine) ServerOption {
	return func(s *Server) {
		s.engine = engine
	}
}

// WithBlobStore sets the blob store for the server.
func WithBlobStore(store blobstore.Store) ServerOption {
	return func(s *Server) {
		s.store = store
	}
}

// WithCatalog sets the catalog store for the server.
func WithCatalog(cat catalog.Store) ServerOption {
	return func(s *Server) {
		s.catalog = cat
	}
}

// New creates a new Server with the given configuration and wires up the
// v1 API routes on the Chi router with Huma API.
func New(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("Driftdesk API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.uploads = handlers.NewUploadHandler(s.engine, s.catalog)
	s.files = handlers.NewFileHandler(s.catalog, s.store)

	s.registerRoutes()
	return s, nil
}

// ListenAndServe starts the HTTP server on the given address.
// Middleware chain: metricsMiddleware -> commonHeaders -> authMiddleware -> router.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	return s.httpServer.ListenAndServe()
}

// Handler returns the server's full handler chain. Exposed so tests can
// drive it through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = auth.Middleware([]byte(s.cfg.Auth.JWTSecret))(handler)
	handler = commonHeaders(handler)
	handler = metricsMiddleware(handler)
	return handler
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router. Huma routes
// (/health, /docs, /openapi.json) and /metrics sit alongside the v1 API.
func (s *Server) registerRoutes() {
	// Register /health via Huma for auto-OpenAPI documentation.
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the Driftdesk server.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Register HEAD /health separately (Huma only does one method per registration).
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Route("/uploads", func(r chi.Router) {
			r.Post("/", s.uploads.InitUpload)
			r.Put("/{uploadID}", s.uploads.AppendChunk)
			r.Get("/{uploadID}", s.uploads.Status)
			r.Delete("/{uploadID}", s.uploads.Cancel)
		})
		r.Route("/files", func(r chi.Router) {
			r.Get("/", s.files.ListFiles)
			r.Get("/{fileID}", s.files.GetFile)
			r.Head("/{fileID}", s.files.HeadFile)
			r.Delete("/{fileID}", s.files.DeleteFile)
		})
	})
}

package app

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/docgrove/docgrove/internal/api/handlers"
	appMiddleware "github.com/docgrove/docgrove/internal/api/middlewares"
	"github.com/docgrove/docgrove/internal/config"
	"github.com/docgrove/docgrove/internal/core"
	"github.com/docgrove/docgrove/internal/core/pipeline"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
}

// NewServer builds and wires all routes.
func NewServer(cfg *config.Config, db core.DbClient, blobs core.ObjectClient, embedder core.EmbeddingProvider, vectors core.VectorClient, dispatcher *pipeline.Dispatcher, deleter *pipeline.Deleter) *Server {
	docHandler := handlers.NewDocumentHandler(db, blobs, embedder, vectors, dispatcher, deleter)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8888"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(api chi.Router) {
		api.Group(func(protected chi.Router) {
			protected.Use(appMiddleware.JWTMiddleware)
			protected.Post("/documents", docHandler.UploadDocument)
			protected.Get("/documents", docHandler.GetDocuments)
			protected.Get("/documents/{document_id}/status", docHandler.GetStatus)
			protected.Post("/documents/{document_id}/resume", docHandler.ResumeDocument)
			protected.Delete("/documents/{document_id}", docHandler.DeleteDocument)
			protected.Get("/search", docHandler.SearchFragments)
		})
	})

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	return &Server{httpServer: httpSrv}
}

// Start runs the HTTP server.
func (s *Server) Start() {
	log.Printf("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

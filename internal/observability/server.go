// Package observability exposes the engine process's ambient HTTP surface:
// a static /healthz liveness probe and Prometheus metrics. It carries no business routes —
// those belong to a gateway, out of scope here.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/r3e-network/workflow-core/internal/core/service"
	"github.com/r3e-network/workflow-core/pkg/logger"
	"github.com/r3e-network/workflow-core/pkg/metrics"
)

// Server runs the /healthz and /metrics endpoints for one engine process.
type Server struct {
	addr   string
	server *http.Server
	log    *logger.Logger
}

// New builds the observability HTTP server bound to addr (host:port).
func New(addr string, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("observability")
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		log: log,
	}
}

// Name identifies this component for logging and orchestration.
func (s *Server) Name() string { return "observability-server" }

// Descriptor advertises this component's architectural placement.
func (s *Server) Descriptor() service.Descriptor {
	return service.Descriptor{
		Name:         "observability-server",
		Domain:       "ops",
		Layer:        service.LayerIngress,
		Capabilities: []string{"healthz", "metrics"},
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("observability server error")
		}
	}()
	s.log.WithField("addr", s.addr).Info("observability server started")
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

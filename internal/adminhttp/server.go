// Copyright 2025 James Ross
package adminhttp

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager/internal/store"
)

// Server is the inspection surface's HTTP listener.
type Server struct {
	cfg    *Config
	log    *zap.Logger
	server *http.Server
}

// NewServer wires the route table and returns a Server ready to Start.
func NewServer(cfg *Config, s store.Store, redeliver Redeliverer, cancel Canceler, log *zap.Logger) *Server {
	h := NewHandler(cfg, s, redeliver, cancel, log)
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/batches", h.ListBatches).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/batches/{id}", h.GetBatch).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/batches/{id}/transitions", h.GetBatchTransitions).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/batches/{id}/requests", h.ListBatchRequests).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/batches/{id}/redeliver", h.RedeliverBatch).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/batches/{id}/cancel", h.CancelBatch).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/requests/{id}", h.GetRequest).Methods(http.MethodGet)

	return &Server{
		cfg: cfg,
		log: log,
		server: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	s.log.Info("adminhttp: listening", zap.String("addr", s.cfg.ListenAddr))
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Run starts the server and blocks until ctx is cancelled, then shuts
// down gracefully within cfg.ShutdownTimeout.
func Run(ctx context.Context, cfg *Config, s store.Store, redeliver Redeliverer, cancel Canceler, log *zap.Logger) error {
	srv := NewServer(cfg, s, redeliver, cancel, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer done()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

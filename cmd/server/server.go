package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aonescu/kubefacts/internal/engine"
	"github.com/aonescu/kubefacts/internal/state"
	"github.com/aonescu/kubefacts/internal/txn"
)

type APIServer struct {
	engine  *engine.Engine
	journal state.CommitLog
	manager *txn.Manager
	logger  *zap.Logger
	mux     *http.ServeMux
}

func NewAPIServer(eng *engine.Engine, journal state.CommitLog, manager *txn.Manager, logger *zap.Logger) *APIServer {
	api := &APIServer{
		engine:  eng,
		journal: journal,
		manager: manager,
		logger:  logger.Named("api"),
		mux:     http.NewServeMux(),
	}
	api.registerRoutes()
	return api
}

func (api *APIServer) registerRoutes() {
	// Facts and relations
	api.mux.HandleFunc("/api/v1/facts", api.handleFacts)
	api.mux.HandleFunc("/api/v1/relations", api.handleRelations)
	api.mux.HandleFunc("/api/v1/relations/{name}", api.handleRelation)

	// Commit journal
	api.mux.HandleFunc("/api/v1/commits", api.handleCommits)
	api.mux.HandleFunc("/api/v1/commits/{txid}", api.handleCommit)

	// Health check
	api.mux.HandleFunc("/health", api.handleHealth)
	api.mux.HandleFunc("/ready", api.handleReady)

	// Metrics/stats
	api.mux.HandleFunc("/api/v1/stats", api.handleStats)
	api.mux.Handle("/metrics", promhttp.Handler())
}

func (api *APIServer) Handler() http.Handler {
	return api.corsMiddleware(api.loggingMiddleware(api.mux))
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (api *APIServer) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		api.logger.Info("Starting API server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

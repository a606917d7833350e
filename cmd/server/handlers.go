package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/aonescu/kubefacts/internal/db"
	"github.com/aonescu/kubefacts/internal/formatting"
	"github.com/aonescu/kubefacts/internal/txn"
	"github.com/aonescu/kubefacts/internal/types"
)

// GET /api/v1/facts?relation=WorkloadFact
func (api *APIServer) handleFacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rels := []types.Relation{types.RelWorkload, types.RelHost}
	if rel := r.URL.Query().Get("relation"); rel != "" {
		if rel != string(types.RelWorkload) && rel != string(types.RelHost) {
			http.Error(w, "unknown relation: "+rel, http.StatusBadRequest)
			return
		}
		rels = []types.Relation{types.Relation(rel)}
	}

	response := make(map[string][]types.Fact, len(rels))
	for _, rel := range rels {
		response[string(rel)] = api.engine.Facts(rel)
	}
	api.respondJSON(w, response)
}

// GET /api/v1/relations
func (api *APIServer) handleRelations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	api.respondJSON(w, api.engine.Relations())
}

// GET /api/v1/relations/{name}
func (api *APIServer) handleRelation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := r.PathValue("name")
	values, ok := api.engine.Query(name)
	if !ok {
		http.Error(w, "relation not found", http.StatusNotFound)
		return
	}
	api.respondJSON(w, map[string]interface{}{
		"relation": name,
		"count":    len(values),
		"values":   values,
	})
}

// GET /api/v1/commits?limit=50
func (api *APIServer) handleCommits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	api.respondJSON(w, api.journal.Recent(limit))
}

// GET /api/v1/commits/{txid}?format=text
func (api *APIServer) handleCommit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	commit, ok := api.journal.ByTxID(r.PathValue("txid"))
	if !ok {
		http.Error(w, "commit not found", http.StatusNotFound)
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(formatting.FormatCommit(commit)))
		return
	}
	api.respondJSON(w, commit)
}

// GET /health
func (api *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "healthy",
		"time":   time.Now(),
	}

	// Check database connection if using PostgreSQL
	if pgStore, ok := api.journal.(*db.PostgresStore); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pgStore.Ping(ctx); err != nil {
			health["status"] = "unhealthy"
			health["database"] = "disconnected"
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(health)
			return
		}
		health["database"] = "connected"
	}

	api.respondJSON(w, health)
}

// GET /ready
func (api *APIServer) handleReady(w http.ResponseWriter, r *http.Request) {
	st := api.manager.State()
	ready := st == txn.Ready || st == txn.Committing
	if !ready {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{"ready": false, "state": st.String()})
		return
	}
	api.respondJSON(w, map[string]interface{}{"ready": true, "state": st.String()})
}

// GET /api/v1/stats
func (api *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"engine":         api.engine.Stats(),
		"state":          api.manager.State().String(),
		"stale_skipped":  api.manager.Skipped(),
		"recent_commits": formatting.GenerateSummary(api.journal.Recent(0)),
	}
	api.respondJSON(w, stats)
}

func (api *APIServer) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (api *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		api.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func (api *APIServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

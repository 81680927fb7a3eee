// Package v0 provides the REST API handlers for triggering syncs and
// inspecting sync state and run history.
package v0

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/classcloud/roster-sync-server/internal/status"
	"github.com/classcloud/roster-sync-server/internal/store"
	pkgsync "github.com/classcloud/roster-sync-server/internal/sync"
	"github.com/classcloud/roster-sync-server/internal/versions"
)

const (
	// defaultRunLimit caps an unbounded run history query
	defaultRunLimit = 50

	// maxRunLimit is the hard ceiling on a single run history page
	maxRunLimit = 500
)

// SyncRequest is the body of POST /api/v0/sync
type SyncRequest struct {
	// Scope selects what to sync: "school", "district", or "all"
	Scope string `json:"scope"`

	// ID is the external id of the school or district; empty for "all"
	ID string `json:"id,omitempty"`

	// ForceFullSync forces every covered school into a full sync
	ForceFullSync bool `json:"forceFullSync,omitempty"`
}

// ErrorResponse is the standardized error body
type ErrorResponse struct {
	Error string `json:"error"`
}

// Routes holds the handlers' dependencies
type Routes struct {
	manager pkgsync.Manager
	st      store.Store
}

// NewRoutes creates a Routes instance
func NewRoutes(manager pkgsync.Manager, st store.Store) *Routes {
	return &Routes{manager: manager, st: st}
}

// Router creates the router for the sync API
func Router(manager pkgsync.Manager, st store.Store) http.Handler {
	routes := NewRoutes(manager, st)

	r := chi.NewRouter()
	r.Post("/sync", routes.triggerSync)
	r.Get("/runs", routes.listRuns)
	r.Get("/status", routes.listStatus)
	r.Get("/status/{scope}", routes.getStatus)
	return r
}

// triggerSync handles POST /api/v0/sync. The sync runs synchronously and
// the response is always the structured aggregate outcome, never a bare
// error: a failed run returns 200 with its partial results.
func (rr *Routes) triggerSync(w http.ResponseWriter, r *http.Request) {
	var body SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		rr.writeErrorResponse(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	switch body.Scope {
	case pkgsync.TargetSchool, pkgsync.TargetDistrict:
		if body.ID == "" {
			rr.writeErrorResponse(w, "id is required for scope "+body.Scope, http.StatusBadRequest)
			return
		}
	case pkgsync.TargetAll:
		if body.ID != "" {
			rr.writeErrorResponse(w, `id must be empty for scope "all"`, http.StatusBadRequest)
			return
		}
	default:
		rr.writeErrorResponse(w, `scope must be one of "school", "district", "all"`, http.StatusBadRequest)
		return
	}

	result := rr.manager.Sync(r.Context(), pkgsync.Request{
		Target:        body.Scope,
		ID:            body.ID,
		ForceFullSync: body.ForceFullSync,
		InitiatedBy:   "manual",
	})
	rr.writeJSONResponse(w, result)
}

// listRuns handles GET /api/v0/runs
func (rr *Routes) listRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Scope: r.URL.Query().Get("scope"),
		Mode:  status.SyncMode(r.URL.Query().Get("mode")),
		Limit: defaultRunLimit,
	}

	switch filter.Mode {
	case "", status.ModeFull, status.ModeIncremental, status.ModeReconciliation:
	default:
		rr.writeErrorResponse(w, "unknown mode: "+string(filter.Mode), http.StatusBadRequest)
		return
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			rr.writeErrorResponse(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		filter.Limit = min(limit, maxRunLimit)
	}

	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			rr.writeErrorResponse(w, "since must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		filter.Since = since
	}

	runs, err := rr.st.ListRuns(r.Context(), filter)
	if err != nil {
		slog.Error("failed to list runs", "error", err)
		rr.writeErrorResponse(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []status.RunRecord{}
	}
	rr.writeJSONResponse(w, runs)
}

// listStatus handles GET /api/v0/status
func (rr *Routes) listStatus(w http.ResponseWriter, r *http.Request) {
	states, err := rr.st.ListScopeStates(r.Context())
	if err != nil {
		slog.Error("failed to list scope states", "error", err)
		rr.writeErrorResponse(w, "failed to list sync status", http.StatusInternalServerError)
		return
	}
	if states == nil {
		states = []status.ScopeState{}
	}
	rr.writeJSONResponse(w, states)
}

// getStatus handles GET /api/v0/status/{scope}
func (rr *Routes) getStatus(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	if _, _, err := status.ParseScope(scope); err != nil {
		rr.writeErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	state, err := rr.st.GetScopeState(r.Context(), scope)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			rr.writeErrorResponse(w, "scope has never been synced: "+scope, http.StatusNotFound)
			return
		}
		slog.Error("failed to get scope state", "scope", scope, "error", err)
		rr.writeErrorResponse(w, "failed to get sync status", http.StatusInternalServerError)
		return
	}
	rr.writeJSONResponse(w, state)
}

// HealthRouter creates a router for health check endpoints
func HealthRouter(st store.Store) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", healthHandler)
	r.Get("/readiness", readinessHandler(st))
	r.Get("/version", versionHandler)

	return r
}

// healthHandler reports process liveness
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

// readinessHandler reports readiness gated on store reachability
func readinessHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			if encodeErr := json.NewEncoder(w).Encode(ErrorResponse{
				Error: "store not ready: " + err.Error(),
			}); encodeErr != nil {
				slog.Error("failed to encode readiness error response", "error", encodeErr)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}

// versionHandler reports build information
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	info := versions.GetVersionInfo()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"version":    info.Version,
		"commit":     info.Commit,
		"build_date": info.BuildDate,
		"go_version": info.GoVersion,
		"platform":   info.Platform,
	}); err != nil {
		slog.Error("failed to encode version info", "error", err)
	}
}

// writeJSONResponse writes a JSON response with the given data
func (*Routes) writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// writeErrorResponse writes a standardized error response
func (*Routes) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message}); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

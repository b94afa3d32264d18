// Package api serves the local control API of a running sync daemon:
// entity CRUD, sync status and triggers, conflict resolution, and a
// WebSocket stream of engine events.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/scheduler"
)

const maxBodyBytes = 4 << 20

// SyncHandler handles entity, sync and conflict requests.
type SyncHandler struct {
	engine    *syncpkg.Engine
	scheduler *scheduler.Scheduler
	hub       *Hub
}

// NewSyncHandler creates a SyncHandler. scheduler and hub may be nil.
func NewSyncHandler(engine *syncpkg.Engine, sched *scheduler.Scheduler, hub *Hub) *SyncHandler {
	return &SyncHandler{engine: engine, scheduler: sched, hub: hub}
}

// Routes returns the HTTP handler.
func (h *SyncHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/entities", func(r chi.Router) {
		r.Get("/", h.ListEntities)
		r.Post("/", h.SaveEntity)
		r.Get("/{id}", h.GetEntity)
		r.Put("/{id}", h.SaveEntity)
		r.Delete("/{id}", h.DeleteEntity)
	})

	r.Route("/sync", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/queue", h.GetQueue)
		r.Post("/now", h.TriggerSync)
		r.Post("/retry-failed", h.RetryFailed)
	})

	r.Route("/conflicts", func(r chi.Router) {
		r.Get("/", h.ListConflicts)
		r.Get("/{id}", h.GetConflict)
		r.Post("/{id}/resolve", h.ResolveConflict)
	})

	if h.hub != nil {
		r.Get("/ws", h.hub.ServeWS)
	}
	return r
}

// =====================================================
// Entities
// =====================================================

type saveRequest struct {
	ID         string            `json:"id"`
	EntityType string            `json:"entity_type"`
	Data       json.RawMessage   `json:"data"`
	Priority   models.Priority   `json:"priority"`
	UserID     string            `json:"user_id"`
	Metadata   map[string]string `json:"metadata"`
}

// SaveEntity handles POST /entities and PUT /entities/{id}.
func (h *SyncHandler) SaveEntity(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		req.ID = id
	}

	ent, err := h.engine.SaveEntity(r.Context(), &models.Entity{
		ID:         req.ID,
		EntityType: req.EntityType,
		Data:       req.Data,
		Priority:   req.Priority,
		UserID:     req.UserID,
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// GetEntity handles GET /entities/{id}.
func (h *SyncHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	ent, err := h.engine.GetEntity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// ListEntities handles GET /entities?type=&limit=.
func (h *SyncHandler) ListEntities(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("type")
	if entityType == "" {
		writeError(w, errors.New(errors.ErrInvalid, "type is required"))
		return
	}
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]*models.Entity, 0)
	for ent, err := range h.engine.QueryByType(r.Context(), entityType, limit) {
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, ent)
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteEntity handles DELETE /entities/{id}.
func (h *SyncHandler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteEntity(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =====================================================
// Sync
// =====================================================

// GetStatus handles GET /sync/status.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status": h.engine.Status(),
		"stats":  h.engine.Stats(),
	}
	if lastSync := h.engine.LastSync(); lastSync != nil {
		response["last_sync"] = lastSync.UnixMilli()
	}
	if err := h.engine.LastError(); err != nil {
		response["last_error"] = err.Error()
	}
	if pending, err := h.engine.PendingChanges(r.Context()); err == nil {
		response["pending_changes"] = pending
	}
	if h.scheduler != nil {
		st := h.scheduler.GetStatus()
		response["scheduler"] = map[string]interface{}{
			"running": st.IsRunning,
			"online":  st.IsOnline,
			"purged":  st.PurgedTotal,
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// GetQueue handles GET /sync/queue?limit=.
func (h *SyncHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeError(w, err)
		return
	}
	ids, err := h.engine.Queue().PendingIDs(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ids": ids})
}

// TriggerSync handles POST /sync/now. The cycle runs in the request; a
// cycle already in progress returns the current stats.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var (
		stats models.SyncStats
		err   error
	)
	if h.scheduler != nil {
		stats, err = h.scheduler.SyncNow(r.Context())
	} else {
		stats, err = h.engine.RunSyncCycle(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":       stats,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// RetryFailed handles POST /sync/retry-failed?id=.
func (h *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.ResetFailed(r.Context(), r.URL.Query()["id"]...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

// =====================================================
// Conflicts
// =====================================================

// ListConflicts handles GET /conflicts?all=true.
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	conflicts, err := h.engine.ListConflicts(r.Context(), !all)
	if err != nil {
		writeError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []*models.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

// GetConflict handles GET /conflicts/{id}.
func (h *SyncHandler) GetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.GetConflict(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type resolveRequest struct {
	Strategy models.Strategy `json:"strategy"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ResolveConflict handles POST /conflicts/{id}/resolve.
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return
	}
	if !req.Strategy.Valid() {
		writeError(w, errors.Newf(errors.ErrInvalid, "unknown strategy %q", req.Strategy))
		return
	}

	ent, err := h.engine.ResolveConflict(r.Context(), chi.URLParam(r, "id"), req.Strategy, req.Data)
	if err != nil {
		if errors.CodeOf(err) == "" {
			// resolver rejections: manual strategy, already resolved, bad merge
			err = errors.Wrap(errors.ErrInvalid, "conflict not resolved", err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// =====================================================
// Helpers
// =====================================================

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Newf(errors.ErrInvalid, "%s must be a non-negative integer", name)
	}
	return n, nil
}

// errorBody is the JSON error response.
type errorBody struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func statusOf(code errors.ErrorCode) int {
	switch code {
	case errors.ErrInvalid:
		return http.StatusBadRequest
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrCapacity:
		return http.StatusInsufficientStorage
	case errors.ErrSyncInProgress, errors.ErrSyncConflict:
		return http.StatusConflict
	case errors.ErrConfig:
		return http.StatusServiceUnavailable
	case errors.ErrNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	if code == "" {
		code = errors.ErrInternal
	}
	status := statusOf(code)
	if status >= 500 {
		logging.ErrorWithCode("Control API request failed", string(code), err)
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", err)
	}
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"reactor/internal/engine/cachestore"
	"reactor/internal/engine/derive"
	"reactor/internal/engine/manager"
	"reactor/internal/engine/task"
	"reactor/internal/notify"
	"reactor/internal/scope"
)

// Handlers exposes the engine's entry points over JSON. The wire surface is
// deliberately thin; request framing beyond this lives outside the engine.
type Handlers struct {
	resolver *derive.Resolver
	mgr      *manager.Manager
	hub      *notify.Hub
}

func NewHandlers(resolver *derive.Resolver, mgr *manager.Manager, hub *notify.Hub) *Handlers {
	return &Handlers{resolver: resolver, mgr: mgr, hub: hub}
}

func (h *Handlers) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/values/get", h.handleGetValue)
	mux.HandleFunc("GET /v1/values/latest", h.handleGetLatest)
	mux.HandleFunc("POST /v1/tasks/run", h.handleRunTask)
	mux.HandleFunc("GET /v1/tasks/{id}/result", h.handleGetResult)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", h.handleCancel)
	mux.HandleFunc("GET /ws", h.hub.HandleWS)
	return mux
}

type getValueRequest struct {
	RegistryKey string `json:"registryKey"`
	Args        []any  `json:"args"`
	ForceKey    string `json:"forceKey,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Channel     string `json:"channel,omitempty"`
}

type getValueResponse struct {
	CacheKey string `json:"cacheKey"`
	Value    any    `json:"value,omitempty"`
	TaskID   string `json:"taskId,omitempty"`
	Pending  bool   `json:"pending,omitempty"`
}

func (h *Handlers) handleGetValue(w http.ResponseWriter, r *http.Request) {
	var req getValueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.RegistryKey) == "" {
		http.Error(w, "registryKey is required", http.StatusBadRequest)
		return
	}

	ctx := scope.WithCaller(r.Context(), scope.Caller{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Channel:   req.Channel,
	})

	res, err := h.resolver.GetValue(ctx, req.RegistryKey, req.Args, req.ForceKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := getValueResponse{CacheKey: res.CacheKey}
	switch {
	case res.Task != nil:
		p, err := h.mgr.RunTask(ctx, res.Task)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		resp.TaskID = p.TaskID()
		resp.Pending = true
	case res.Pending != nil:
		resp.TaskID = res.Pending.TaskID()
		resp.Pending = true
	default:
		resp.Value = res.Value
	}
	writeJSON(w, resp)
}

type runTaskRequest struct {
	Fn             string         `json:"fn"`
	Args           []any          `json:"args"`
	Kwargs         map[string]any `json:"kwargs,omitempty"`
	Channels       []string       `json:"channels,omitempty"`
	ReportProgress bool           `json:"reportProgress,omitempty"`
	SessionID      string         `json:"sessionId,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	Channel        string         `json:"channel,omitempty"`
}

// handleRunTask schedules a bare task outside the derived-value registry.
// The caller polls the result endpoint or listens on a channel; completion
// status arrives as notifications either way.
func (h *Handlers) handleRunTask(w http.ResponseWriter, r *http.Request) {
	var req runTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Fn) == "" {
		http.Error(w, "fn is required", http.StatusBadRequest)
		return
	}

	ctx := scope.WithCaller(r.Context(), scope.Caller{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Channel:   req.Channel,
	})

	t := task.New(req.Fn, req.Args, req.Kwargs)
	t.Channels = req.Channels
	t.ReportProgress = req.ReportProgress
	p, err := h.mgr.RunTask(ctx, t)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"taskId": p.TaskID()})
}

func (h *Handlers) handleGetLatest(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}
	ctx := scope.WithCaller(r.Context(), scope.Caller{
		SessionID: r.URL.Query().Get("session_id"),
		UserID:    r.URL.Query().Get("user_id"),
	})
	value, err := h.resolver.GetLatest(ctx, key)
	if err != nil {
		if errors.Is(err, cachestore.ErrNotFound) {
			http.Error(w, "no value recorded", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"value": value})
}

func (h *Handlers) handleGetResult(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	value, err := h.mgr.GetResult(taskID)
	if err != nil {
		if errors.Is(err, manager.ErrNoResult) {
			http.Error(w, "no result", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, map[string]any{"value": value})
}

func (h *Handlers) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if err := h.mgr.CancelTask(taskID); err != nil {
		if errors.Is(err, manager.ErrNoSuchTask) {
			http.Error(w, "no such task", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

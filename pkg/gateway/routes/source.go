package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// SourceStatus is the view of the population snapshot the routes need.
type SourceStatus interface {
	Ping(ctx context.Context) error
	Refresh(ctx context.Context) error
	Version() int64
	LoadedAt() time.Time
}

type SourceHandler struct {
	source  SourceStatus
	timeout time.Duration
}

func NewSourceHandler(source SourceStatus) *SourceHandler {
	return &SourceHandler{source: source, timeout: 5 * time.Second}
}

func (h *SourceHandler) Register(r *mux.Router) {
	r.HandleFunc("/source/check", h.handleCheck).Methods(http.MethodGet)
	r.HandleFunc("/source/refresh", h.handleRefresh).Methods(http.MethodPost)
}

type sourceStatusResponse struct {
	Status   string     `json:"status"`
	Message  string     `json:"message,omitempty"`
	Version  int64      `json:"version"`
	LoadedAt *time.Time `json:"loadedAt,omitempty"`
}

func (h *SourceHandler) status(message string) sourceStatusResponse {
	resp := sourceStatusResponse{Status: "success", Message: message, Version: h.source.Version()}
	if at := h.source.LoadedAt(); !at.IsZero() {
		resp.LoadedAt = &at
	}
	return resp
}

func (h *SourceHandler) handleCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.source.Ping(ctx); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, h.status("Population source reachable"))
}

func (h *SourceHandler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.source.Refresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, h.status("Population snapshot refreshed"))
}

// Health answers liveness probes.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

package gateway

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/playhead/playhead/internal/clock"
)

// Handler wires the clock server's operations onto the HTTP API.
type Handler struct {
	server *clock.Server
	cm     *ConnectionManager
}

// NewHandler creates the HTTP handler set.
func NewHandler(server *clock.Server, cm *ConnectionManager) *Handler {
	return &Handler{server: server, cm: cm}
}

// RegisterRoutes mounts the API on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/state", h.handleState)
	mux.HandleFunc("/api/events", h.handleEvents)
	mux.HandleFunc("/api/control", h.handleControl)
	mux.HandleFunc("/api/save", h.handleSave)
	mux.HandleFunc("/api/load", h.handleLoad)
	mux.HandleFunc("/api/clients", h.handleClients)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// controlRequest is the body of POST /api/control. OffsetMs is a float in the
// wire format; jump truncates it to whole milliseconds.
type controlRequest struct {
	Action   string   `json:"action"`
	OffsetMs *float64 `json:"offsetMs"`
}

// controlResponse answers control, save and load requests.
type controlResponse struct {
	OK    bool            `json:"ok"`
	State *clock.Snapshot `json:"state,omitempty"`
	Error string          `json:"error,omitempty"`
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := h.server.Snapshot(r.Context())
	if err != nil {
		http.Error(w, "clock unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "anonymous"
	}

	snap, err := h.server.Snapshot(r.Context())
	if err != nil {
		http.Error(w, "clock unavailable", http.StatusServiceUnavailable)
		return
	}
	if snap.Detached {
		// While detached the server accepts no subscribers; clients run on
		// their local clocks until attach.
		http.Error(w, "clock detached", http.StatusServiceUnavailable)
		return
	}

	if err := h.cm.Subscribe(w, r, name, snap); err != nil {
		log.Error().Err(err).Str("client", name).Msg("failed to open push stream")
	}
}

func (h *Handler) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, controlResponse{Error: "malformed control request"})
		return
	}

	action := clock.Action{Kind: clock.ActionKind(req.Action)}
	if req.OffsetMs != nil {
		if math.IsNaN(*req.OffsetMs) || math.IsInf(*req.OffsetMs, 0) {
			writeJSON(w, http.StatusBadRequest, controlResponse{Error: "offsetMs must be finite"})
			return
		}
		action.OffsetMs = int64(*req.OffsetMs)
	}

	snap, err := h.server.Control(r.Context(), action)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, clock.ErrUnknownAction) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, controlResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{OK: true, State: &snap})
}

func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := h.server.Save(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("clock snapshot save failed")
		writeJSON(w, http.StatusInternalServerError, controlResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{OK: true, State: &snap})
}

func (h *Handler) handleLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, err := h.server.Load(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("clock snapshot load failed")
		writeJSON(w, http.StatusInternalServerError, controlResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{OK: true, State: &snap})
}

func (h *Handler) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.cm.Clients())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/casspangell/drone-choir-app-sub000/cache"
	"github.com/casspangell/drone-choir-app-sub000/config"
	"github.com/casspangell/drone-choir-app-sub000/core/auth"
	"github.com/casspangell/drone-choir-app-sub000/core/choir"
	"github.com/casspangell/drone-choir-app-sub000/logger"
	"github.com/casspangell/drone-choir-app-sub000/model"
	"github.com/casspangell/drone-choir-app-sub000/repository"
)

// VoiceHandler serves the voice REST surface and the choir websocket.
type VoiceHandler struct {
	svc      *choir.Service
	auth     *auth.Service
	presence *cache.VoiceStateCache
	audit    repository.SessionRepository // may be nil
	upgrader websocket.Upgrader
}

// NewVoiceHandler creates the handler. audit may be nil.
func NewVoiceHandler(svc *choir.Service, authSvc *auth.Service, presence *cache.VoiceStateCache, audit repository.SessionRepository) *VoiceHandler {
	return &VoiceHandler{
		svc:      svc,
		auth:     authSvc,
		presence: presence,
		audit:    audit,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ========== REST ==========

// VoiceInfo is one voice part with its current state.
type VoiceInfo struct {
	Part  model.VoicePart     `json:"part"`
	State model.PlaybackState `json:"state"`
}

// ListVoicesHandler returns every voice part with its current state.
func (h *VoiceHandler) ListVoicesHandler(w http.ResponseWriter, r *http.Request) {
	parts := config.VoiceParts()
	out := make([]VoiceInfo, 0, len(parts))
	for _, p := range parts {
		state, _ := h.svc.Store().Get(p.Type)
		out = append(out, VoiceInfo{Part: p, State: state})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetVoiceStateHandler returns one voice's authoritative state.
func (h *VoiceHandler) GetVoiceStateHandler(w http.ResponseWriter, r *http.Request) {
	voice := model.VoiceType(mux.Vars(r)["part"])
	state, ok := h.svc.Store().Get(voice)
	if !ok {
		http.Error(w, "unknown voice part", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// UpdateVoiceStateRequest is the REST write path's body. The instance must
// currently hold the controller role.
type UpdateVoiceStateRequest struct {
	InstanceID string              `json:"instanceId"`
	State      model.PlaybackState `json:"state"`
}

// UpdateVoiceStateHandler submits a candidate state write over REST. Same
// acceptance rules as the websocket path.
func (h *VoiceHandler) UpdateVoiceStateHandler(w http.ResponseWriter, r *http.Request) {
	voice := model.VoiceType(mux.Vars(r)["part"])

	var req UpdateVoiceStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !h.svc.ApplyRESTUpdate(r.Context(), voice, req.State, req.InstanceID) {
		http.Error(w, "write rejected", http.StatusConflict)
		return
	}

	state, _ := h.svc.Store().Get(voice)
	writeJSON(w, http.StatusOK, state)
}

// MasterInfo describes the current controller seat.
type MasterInfo struct {
	MasterID string `json:"masterId"` // empty when vacant
	Clients  int    `json:"clients"`
}

// GetMasterHandler reports the controller seat and connection count.
func (h *VoiceHandler) GetMasterHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MasterInfo{
		MasterID: h.svc.Arbiter().MasterID(),
		Clients:  h.svc.Hub().ClientCount(),
	})
}

// TokenRequest exchanges the director key for a controller token bound to
// one instance.
type TokenRequest struct {
	DirectorKey string `json:"directorKey"`
	InstanceID  string `json:"instanceId"`
}

// TokenResponse carries the issued controller token.
type TokenResponse struct {
	Token string `json:"token"`
}

// IssueTokenHandler verifies the director key and issues a controller token.
func (h *VoiceHandler) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.InstanceID == "" {
		http.Error(w, "instanceId required", http.StatusBadRequest)
		return
	}

	if err := h.auth.CheckDirectorKey(req.DirectorKey); err != nil {
		logger.Warn("director key rejected",
			logger.String("instance", req.InstanceID),
			logger.ErrorField(err))
		http.Error(w, "invalid director key", http.StatusUnauthorized)
		return
	}

	token, err := h.auth.IssueControllerToken(req.InstanceID)
	if err != nil {
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token})
}

// GetPresenceHandler lists instance ids with a live presence key.
func (h *VoiceHandler) GetPresenceHandler(w http.ResponseWriter, r *http.Request) {
	active, err := h.presence.ActiveInstances(r.Context())
	if err != nil {
		http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

// GetAuditSessionsHandler returns recent session audit records.
func (h *VoiceHandler) GetAuditSessionsHandler(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		http.Error(w, "audit persistence not configured", http.StatusNotFound)
		return
	}
	records, err := h.audit.RecentSessions(r.Context(), 100)
	if err != nil {
		http.Error(w, "audit query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// GetAuditHandoffsHandler returns recent controller hand-offs.
func (h *VoiceHandler) GetAuditHandoffsHandler(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		http.Error(w, "audit persistence not configured", http.StatusNotFound)
		return
	}
	events, err := h.audit.RecentHandoffs(r.Context(), 100)
	if err != nil {
		http.Error(w, "audit query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// ========== WebSocket ==========

// JoinChoirHandler upgrades the connection and runs the client pumps. The
// client identifies itself with instanceId and voice query parameters.
func (h *VoiceHandler) JoinChoirHandler(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instanceId")
	voice := model.VoiceType(r.URL.Query().Get("voice"))

	if instanceID == "" {
		http.Error(w, "instanceId required", http.StatusBadRequest)
		return
	}
	if _, ok := config.VoicePartByType(voice); !ok {
		http.Error(w, "unknown voice part", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}

	client := &choir.Client{
		Hub:        h.svc.Hub(),
		Conn:       conn,
		Send:       make(chan []byte, 256),
		InstanceID: instanceID,
		Voice:      voice,
	}
	h.svc.Hub().Register(client)

	done := make(chan struct{})
	go h.refreshPresence(instanceID, done)

	go client.WritePump()
	go func() {
		client.ReadPump(context.Background(), h.svc.HandleMessage)
		close(done)
		h.svc.Disconnected(client)
	}()

	logger.Info("choir connection established",
		logger.String("instance", instanceID),
		logger.String("voice", string(voice)))
}

// refreshPresence keeps the instance's presence key alive for the life of
// the connection and drops it on exit.
func (h *VoiceHandler) refreshPresence(instanceID string, done <-chan struct{}) {
	ctx := context.Background()
	h.presence.TouchPresence(ctx, instanceID)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := h.presence.TouchPresence(ctx, instanceID); err != nil {
				logger.Debug("presence refresh failed", logger.ErrorField(err))
			}
		case <-done:
			h.presence.RemovePresence(ctx, instanceID)
			return
		}
	}
}

// RegisterVoiceRoutes attaches the voice surface to the router.
func RegisterVoiceRoutes(router *mux.Router, handler *VoiceHandler) {
	router.HandleFunc("/api/voices", handler.ListVoicesHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/voices/{part}/state", handler.GetVoiceStateHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/voices/{part}/state", handler.UpdateVoiceStateHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/master", handler.GetMasterHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/master/token", handler.IssueTokenHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/presence", handler.GetPresenceHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/audit/sessions", handler.GetAuditSessionsHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/audit/handoffs", handler.GetAuditHandoffsHandler).Methods(http.MethodGet)
	router.HandleFunc("/ws/choir", handler.JoinChoirHandler)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("response encode failed", logger.ErrorField(err))
	}
}

package server

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/casspangell/drone-choir-app-sub000/core/choir"
	"github.com/casspangell/drone-choir-app-sub000/logger"
	"github.com/casspangell/drone-choir-app-sub000/model"
	"github.com/casspangell/drone-choir-app-sub000/protocol"
	"github.com/casspangell/drone-choir-app-sub000/storage"
)

// clipURLTTL bounds how long a clip URL handed to clients stays valid.
const clipURLTTL = time.Hour

// ClipHandler serves the pre-recorded clip surface.
type ClipHandler struct {
	store *storage.ClipStore
	svc   *choir.Service
}

// NewClipHandler creates the handler.
func NewClipHandler(store *storage.ClipStore, svc *choir.Service) *ClipHandler {
	return &ClipHandler{store: store, svc: svc}
}

// ListClipsHandler lists the stored clip objects.
func (h *ClipHandler) ListClipsHandler(w http.ResponseWriter, r *http.Request) {
	names, err := h.store.ListClips(r.Context())
	if err != nil {
		http.Error(w, "failed to list clips", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

// UploadClipHandler accepts a multipart clip upload and stores it.
func (h *ClipHandler) UploadClipHandler(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("clip")
	if err != nil {
		http.Error(w, "clip file required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	// Object storage needs a file path; stage the upload locally first.
	tmp, err := os.CreateTemp("", "clip-*"+filepath.Ext(header.Filename))
	if err != nil {
		http.Error(w, "failed to stage upload", http.StatusInternalServerError)
		return
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		http.Error(w, "failed to stage upload", http.StatusInternalServerError)
		return
	}
	tmp.Close()

	staged := filepath.Join(filepath.Dir(tmp.Name()), header.Filename)
	if err := os.Rename(tmp.Name(), staged); err != nil {
		http.Error(w, "failed to stage upload", http.StatusInternalServerError)
		return
	}
	defer os.Remove(staged)

	objectName, err := h.store.UploadClip(r.Context(), staged)
	if err != nil {
		logger.Error("clip upload failed", logger.ErrorField(err))
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"object": objectName})
}

// PlayClipRequest schedules a stored clip on one voice.
type PlayClipRequest struct {
	Voice              model.VoiceType `json:"voice"`
	Object             string          `json:"object"`
	ScheduledStartTime int64           `json:"scheduledStartTime,omitempty"` // server millis; zero means shortly after now
}

// PlayClipHandler presigns a clip and announces it to the voice's sessions.
func (h *ClipHandler) PlayClipHandler(w http.ResponseWriter, r *http.Request) {
	var req PlayClipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Object == "" {
		http.Error(w, "object required", http.StatusBadRequest)
		return
	}

	url, err := h.store.PresignClip(r.Context(), req.Object, clipURLTTL)
	if err != nil {
		http.Error(w, "clip not found", http.StatusNotFound)
		return
	}

	start := req.ScheduledStartTime
	if start == 0 {
		start = time.Now().Add(2 * time.Second).UnixMilli()
	}

	h.svc.NotifyClipPlay(req.Voice, &protocol.ClipPlayData{
		URL:                url,
		Name:               filepath.Base(req.Object),
		ScheduledStartTime: start,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"url":                url,
		"scheduledStartTime": start,
	})
}

// ServeClipHandler streams a clip object through the hub, for clients that
// cannot reach the object store directly.
func (h *ClipHandler) ServeClipHandler(w http.ResponseWriter, r *http.Request) {
	objectPath := strings.TrimPrefix(r.URL.Path, "/clips/")
	if objectPath == "" {
		http.Error(w, "object required", http.StatusBadRequest)
		return
	}

	obj, err := h.store.OpenClip(r.Context(), "clips/"+objectPath)
	if err != nil {
		http.Error(w, "clip not found", http.StatusNotFound)
		return
	}
	defer obj.Close()

	contentType := mime.TypeByExtension(filepath.Ext(objectPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=3600")

	if _, err := io.Copy(w, obj); err != nil {
		logger.Warn("clip stream interrupted", logger.ErrorField(err))
	}
}

// RegisterClipRoutes attaches the clip surface to the router.
func RegisterClipRoutes(router *mux.Router, handler *ClipHandler) {
	router.HandleFunc("/api/clips", handler.ListClipsHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/clips/upload", handler.UploadClipHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/clips/play", handler.PlayClipHandler).Methods(http.MethodPost)
	router.PathPrefix("/clips/").HandlerFunc(handler.ServeClipHandler).Methods(http.MethodGet)
}

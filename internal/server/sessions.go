package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/MrWong99/verbatim/internal/fault"
	"github.com/MrWong99/verbatim/internal/session"
)

// createSessionRequest is the optional POST /sessions body.
type createSessionRequest struct {
	UserID     string              `json:"userId"`
	DeviceInfo *session.DeviceInfo `json:"deviceInfo"`
}

// createSessionResponse mirrors the socket session_create ack.
type createSessionResponse struct {
	SessionID string         `json:"sessionId"`
	CreatedAt time.Time      `json:"createdAt"`
	Status    session.Status `json:"status"`
}

// handleCreateSession handles POST /sessions. The successful response doubles
// as the creation acknowledgement, so the session is activated immediately.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	// An absent, empty, or malformed body creates an anonymous session.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		req = createSessionRequest{}
	}

	sess := s.registry.Create(req.UserID, req.DeviceInfo)
	sess, err := s.registry.SetStatus(sess.ID, session.StatusActive)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: sess.ID,
		CreatedAt: sess.CreatedAt,
		Status:    sess.Status,
	})
}

// handleGetSession handles GET /sessions?sessionId=X.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		writeErrorMsg(w, http.StatusBadRequest, "Session ID is required")
		return
	}
	sess, err := s.registry.Get(id)
	if err != nil {
		writeErrorMsg(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// updateSessionRequest carries the client-settable session fields. Unknown
// fields are silently dropped by the decoder.
type updateSessionRequest struct {
	SessionID   string                 `json:"sessionId"`
	Status      *session.Status        `json:"status"`
	Metadata    map[string]any         `json:"metadata"`
	AudioConfig *session.AudioSettings `json:"audioConfig"`
}

// handleUpdateSession handles PUT /sessions.
func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SessionID == "" {
		writeErrorMsg(w, http.StatusBadRequest, "Session ID is required")
		return
	}
	sess, err := s.registry.Update(req.SessionID, session.Update{
		Status:      req.Status,
		Metadata:    req.Metadata,
		AudioConfig: req.AudioConfig,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// deleteSessionResponse acknowledges session teardown.
type deleteSessionResponse struct {
	Success bool `json:"success"`
}

// handleDeleteSession handles DELETE /sessions?sessionId=X. Deleting an
// unknown or already ended session still succeeds, so retries are harmless.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		writeErrorMsg(w, http.StatusBadRequest, "Session ID is required")
		return
	}
	if err := s.registry.End(id); err != nil && !fault.IsKind(err, fault.KindNotFound) {
		writeError(w, err)
		return
	}
	s.buffer.ClearSession(id)
	writeJSON(w, http.StatusOK, deleteSessionResponse{Success: true})
}

// transcriptResponse is the archived transcript of one session.
type transcriptResponse struct {
	SessionID string `json:"sessionId"`
	Entries   any    `json:"entries"`
}

// handleTranscript handles GET /sessions/transcript?sessionId=X.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		writeErrorMsg(w, http.StatusBadRequest, "Session ID is required")
		return
	}
	entries, err := s.store.Transcript(r.Context(), id, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{SessionID: id, Entries: entries})
}

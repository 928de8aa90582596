// Package server exposes Verbatim's two client surfaces: the REST-ish
// session and audio endpoints, and the websocket event channel used for live
// streaming. Both surfaces drive the same underlying components; the handlers
// here only translate between wire formats and registry, buffer, and
// transcriber operations.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/MrWong99/verbatim/internal/archive"
	"github.com/MrWong99/verbatim/internal/audio"
	"github.com/MrWong99/verbatim/internal/fault"
	"github.com/MrWong99/verbatim/internal/observe"
	"github.com/MrWong99/verbatim/internal/session"
)

// Config wires a [Server] to its collaborators.
type Config struct {
	Registry    *session.Registry
	Buffer      *audio.ChunkBuffer
	Transcriber Transcriber
	Archive     archive.Store
	Logger      *slog.Logger
	Metrics     *observe.Metrics
}

// Server holds the handlers for all client-facing endpoints.
type Server struct {
	registry *session.Registry
	buffer   *audio.ChunkBuffer
	svc      Transcriber
	store    archive.Store
	log      *slog.Logger
	met      *observe.Metrics
}

// New creates a Server. All collaborators except Archive are required;
// Archive falls back to the in-memory store.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Archive == nil {
		cfg.Archive = archive.NewMemoryStore()
	}
	return &Server{
		registry: cfg.Registry,
		buffer:   cfg.Buffer,
		svc:      cfg.Transcriber,
		store:    cfg.Archive,
		log:      cfg.Logger.With("component", "server"),
		met:      cfg.Metrics,
	}
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleGetSession)
	mux.HandleFunc("PUT /sessions", s.handleUpdateSession)
	mux.HandleFunc("DELETE /sessions", s.handleDeleteSession)
	mux.HandleFunc("GET /sessions/transcript", s.handleTranscript)
	mux.HandleFunc("POST /audio/process", s.handleProcessAudio)
	mux.HandleFunc("GET /audio/process", s.handleAudioStats)
	mux.HandleFunc("GET /transcriber/status", s.handleTranscriberStatus)
	mux.HandleFunc("GET /events", s.handleEvents)
	return mux
}

// writeJSON writes v with the given status. Encoding failures are ignored;
// the header is already on the wire.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the uniform error response shape.
type errorBody struct {
	Error string `json:"error"`
}

// writeError maps a fault to its HTTP status and writes the error body.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, fault.HTTPStatus(err), errorBody{Error: err.Error()})
}

// writeErrorMsg writes a literal error message with an explicit status, for
// the endpoints whose response text is part of the client contract.
func writeErrorMsg(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MrWong99/verbatim/internal/audio"
	"github.com/MrWong99/verbatim/internal/fault"
	"github.com/MrWong99/verbatim/internal/session"
	"github.com/MrWong99/verbatim/pkg/pcm"
	"github.com/google/uuid"
)

// maxAudioUpload bounds one multipart audio upload.
const maxAudioUpload = 32 << 20

// defaultSampleRate applies when the upload does not state a rate.
const defaultSampleRate = 16000

// decodeSamples reinterprets little-endian float32 PCM bytes as samples.
func decodeSamples(data []byte) ([]float32, error) {
	samples, err := pcm.DecodeFloat32LE(data)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "decode audio payload", err)
	}
	return samples, nil
}

// processAudioResponse is the POST /audio/process success body.
type processAudioResponse struct {
	Success bool        `json:"success"`
	Stats   audio.Stats `json:"stats"`
}

// handleProcessAudio handles POST /audio/process?sessionId=X, the HTTP
// fallback for clients without a live event channel. The multipart form
// carries the PCM payload in the audio field plus optional chunk metadata.
func (s *Server) handleProcessAudio(w http.ResponseWriter, r *http.Request) {
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
	if sess.Status != session.StatusActive {
		writeErrorMsg(w, http.StatusBadRequest, "Session is not active")
		return
	}

	if err := r.ParseMultipartForm(maxAudioUpload); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "No audio data provided")
		return
	}
	defer file.Close()
	raw, err := io.ReadAll(file)
	if err != nil {
		writeErrorMsg(w, http.StatusInternalServerError, "Failed to read audio data")
		return
	}
	samples, err := decodeSamples(raw)
	if err != nil {
		writeError(w, err)
		return
	}

	chunk := audio.Chunk{
		Data:         samples,
		Timestamp:    time.Now().UnixMilli(),
		SampleRate:   defaultSampleRate,
		ChannelCount: 1,
		ChunkID:      uuid.NewString(),
		IsLastChunk:  r.FormValue("isLastChunk") == "true",
	}
	if v := r.FormValue("sampleRate"); v != "" {
		if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
			chunk.SampleRate = rate
		}
	}
	if v := r.FormValue("channels"); v != "" {
		if ch, err := strconv.Atoi(v); err == nil && ch > 1 {
			// The engine expects mono; interleaved uploads are downmixed at
			// the door.
			chunk.Data = pcm.DownmixMono(chunk.Data, ch)
		}
	}
	if v := r.FormValue("timestamp"); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			chunk.Timestamp = ts
		}
	}
	if v := r.FormValue("chunkId"); v != "" {
		chunk.ChunkID = v
	}

	if _, err := s.ingestChunk(r.Context(), id, chunk, "http"); err != nil {
		writeError(w, err)
		return
	}

	stats, _ := s.buffer.SessionStats(id)
	writeJSON(w, http.StatusOK, processAudioResponse{Success: true, Stats: stats})
}

// handleAudioStats handles GET /audio/process?sessionId=X.
func (s *Server) handleAudioStats(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		writeErrorMsg(w, http.StatusBadRequest, "Session ID is required")
		return
	}
	if _, err := s.registry.Get(id); err != nil {
		writeErrorMsg(w, http.StatusNotFound, "Session not found")
		return
	}
	stats, ok := s.buffer.SessionStats(id)
	if !ok {
		writeErrorMsg(w, http.StatusNotFound, "No audio processing data found for session")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleTranscriberStatus handles GET /transcriber/status.
func (s *Server) handleTranscriberStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

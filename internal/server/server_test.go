package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/verbatim/internal/archive"
	"github.com/MrWong99/verbatim/internal/audio"
	"github.com/MrWong99/verbatim/internal/session"
	"github.com/MrWong99/verbatim/internal/transcriber"
)

// fakeTranscriber returns canned words and records every span it is given.
type fakeTranscriber struct {
	mu     sync.Mutex
	calls  [][]float32
	words  []transcriber.Word
	err    error
	active bool
}

func (f *fakeTranscriber) Transcribe(_ context.Context, samples []float32, _ int) (*transcriber.Transcription, error) {
	f.mu.Lock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	f.calls = append(f.calls, cp)
	err := f.err
	words := f.words
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var parts []string
	for _, w := range words {
		parts = append(parts, w.Word)
	}
	return &transcriber.Transcription{
		Words:          words,
		Text:           strings.Join(parts, " "),
		ProcessingTime: 0.1,
	}, nil
}

func (f *fakeTranscriber) Status() transcriber.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return transcriber.Status{Active: f.active, TotalRequests: int64(len(f.calls))}
}

func (f *fakeTranscriber) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestServer(t *testing.T) (*Server, *fakeTranscriber) {
	t.Helper()
	svc := &fakeTranscriber{
		active: true,
		words: []transcriber.Word{
			{ID: "w1", Word: "hello", StartTime: 0.1, EndTime: 0.4, Confidence: 0.95},
		},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(Config{
		Registry:    session.NewRegistry(session.Config{Logger: log}),
		Buffer:      audio.NewChunkBuffer(audio.Config{}),
		Transcriber: svc,
		Archive:     archive.NewMemoryStore(),
		Logger:      log,
	})
	return s, svc
}

// activeSession creates and activates a session directly on the registry.
func activeSession(t *testing.T, s *Server) session.Session {
	t.Helper()
	sess := s.registry.Create("user-1", nil)
	sess, err := s.registry.SetStatus(sess.ID, session.StatusActive)
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestCreateSessionEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/sessions", map[string]any{
		"userId":     "user-1",
		"deviceInfo": map[string]string{"browser": "firefox"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[createSessionResponse](t, rec)
	if resp.SessionID == "" || resp.Status != session.StatusActive {
		t.Errorf("response = %+v", resp)
	}

	// Empty body creates an anonymous session.
	rec = doJSON(t, h, http.MethodPost, "/sessions", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("anonymous create: %d", rec.Code)
	}
}

func TestGetSessionEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	sess := activeSession(t, s)

	rec := doJSON(t, h, http.MethodGet, "/sessions?sessionId="+sess.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decodeBody[session.Session](t, rec)
	if got.ID != sess.ID || got.UserID != "user-1" {
		t.Errorf("session = %+v", got)
	}

	rec = doJSON(t, h, http.MethodGet, "/sessions", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing id: %d", rec.Code)
	}
	if body := decodeBody[errorBody](t, rec); body.Error != "Session ID is required" {
		t.Errorf("error = %q", body.Error)
	}

	rec = doJSON(t, h, http.MethodGet, "/sessions?sessionId=nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: %d", rec.Code)
	}
	if body := decodeBody[errorBody](t, rec); body.Error != "Session not found" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestUpdateSessionEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	sess := activeSession(t, s)

	rec := doJSON(t, h, http.MethodPut, "/sessions", map[string]any{
		"sessionId": sess.ID,
		"status":    "paused",
		"metadata":  map[string]any{"room": "standup"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := decodeBody[session.Session](t, rec)
	if got.Status != session.StatusPaused || got.Metadata["room"] != "standup" {
		t.Errorf("session = %+v", got)
	}

	rec = doJSON(t, h, http.MethodPut, "/sessions", map[string]any{"status": "active"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing id: %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPut, "/sessions", map[string]any{"sessionId": "nope"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: %d", rec.Code)
	}

	// An illegal transition is a client error, not a server fault.
	rec = doJSON(t, h, http.MethodPut, "/sessions", map[string]any{
		"sessionId": sess.ID, "status": "initializing",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("illegal transition: %d", rec.Code)
	}
}

func TestDeleteSessionEndpointIsIdempotent(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	sess := activeSession(t, s)

	for i := 0; i < 2; i++ {
		rec := doJSON(t, h, http.MethodDelete, "/sessions?sessionId="+sess.ID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("delete %d: status %d", i, rec.Code)
		}
		if resp := decodeBody[deleteSessionResponse](t, rec); !resp.Success {
			t.Errorf("delete %d: %+v", i, resp)
		}
	}

	// Unknown ids succeed too.
	rec := doJSON(t, h, http.MethodDelete, "/sessions?sessionId=nope", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("unknown id: %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodDelete, "/sessions", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing id: %d", rec.Code)
	}

	got, err := s.registry.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != session.StatusEnded {
		t.Errorf("status = %s", got.Status)
	}
}

// audioForm builds a multipart body with the given samples and form fields.
func audioForm(t *testing.T, samples []float32, fields map[string]string) (io.Reader, string) {
	t.Helper()
	raw := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(s))
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio", "chunk.pcm")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(raw); err != nil {
		t.Fatal(err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func postAudio(t *testing.T, h http.Handler, target string, samples []float32, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := audioForm(t, samples, fields)
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestProcessAudioEndpoint(t *testing.T) {
	s, svc := newTestServer(t)
	h := s.Handler()
	sess := activeSession(t, s)

	// A short chunk buffers without flushing.
	rec := postAudio(t, h, "/audio/process?sessionId="+sess.ID, []float32{0.1, 0.2}, map[string]string{
		"sampleRate": "16000",
		"timestamp":  "1000",
		"chunkId":    "c1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[processAudioResponse](t, rec)
	if !resp.Success || resp.Stats.ChunkCount != 1 {
		t.Errorf("response = %+v", resp)
	}
	if svc.callCount() != 0 {
		t.Errorf("engine called for an unready buffer")
	}

	// The final chunk forces a flush regardless of buffered span.
	rec = postAudio(t, h, "/audio/process?sessionId="+sess.ID, []float32{0.3}, map[string]string{
		"sampleRate":  "16000",
		"timestamp":   "1100",
		"chunkId":     "c2",
		"isLastChunk": "true",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if svc.callCount() != 1 {
		t.Fatalf("engine calls = %d, want 1", svc.callCount())
	}

	stats, err := s.registry.Stats(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.WordCount != 1 {
		t.Errorf("session word count = %d", stats.WordCount)
	}

	// The flushed span landed in the archive.
	entries, err := s.store.Transcript(context.Background(), sess.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Text != "hello" {
		t.Errorf("archive = %+v", entries)
	}
}

func TestProcessAudioEndpointErrors(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	sess := activeSession(t, s)

	rec := postAudio(t, h, "/audio/process", []float32{0.1}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing id: %d", rec.Code)
	}

	rec = postAudio(t, h, "/audio/process?sessionId=nope", []float32{0.1}, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: %d", rec.Code)
	}
	if body := decodeBody[errorBody](t, rec); body.Error != "Session not found" {
		t.Errorf("error = %q", body.Error)
	}

	if _, err := s.registry.SetStatus(sess.ID, session.StatusPaused); err != nil {
		t.Fatal(err)
	}
	rec = postAudio(t, h, "/audio/process?sessionId="+sess.ID, []float32{0.1}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("paused session: %d", rec.Code)
	}
	if body := decodeBody[errorBody](t, rec); body.Error != "Session is not active" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestAudioStatsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	sess := activeSession(t, s)

	rec := doJSON(t, h, http.MethodGet, "/audio/process?sessionId="+sess.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("no data yet: %d", rec.Code)
	}
	if body := decodeBody[errorBody](t, rec); body.Error != "No audio processing data found for session" {
		t.Errorf("error = %q", body.Error)
	}

	postAudio(t, h, "/audio/process?sessionId="+sess.ID, []float32{0.1}, map[string]string{
		"timestamp": "1000",
	})
	rec = doJSON(t, h, http.MethodGet, "/audio/process?sessionId="+sess.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	stats := decodeBody[audio.Stats](t, rec)
	if stats.ChunkCount != 1 {
		t.Errorf("stats = %+v", stats)
	}

	rec = doJSON(t, h, http.MethodGet, "/audio/process", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing id: %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/audio/process?sessionId=nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: %d", rec.Code)
	}
}

func TestTranscriberStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/transcriber/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	st := decodeBody[transcriber.Status](t, rec)
	if !st.Active {
		t.Errorf("status = %+v", st)
	}
}

func TestTranscriptEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	sess := activeSession(t, s)

	if err := s.store.Append(context.Background(), archive.Entry{SessionID: sess.ID, Text: "hello world", WordCount: 2}); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, h, http.MethodGet, "/sessions/transcript?sessionId="+sess.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		SessionID string          `json:"sessionId"`
		Entries   []archive.Entry `json:"entries"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Entries) != 1 || resp.Entries[0].Text != "hello world" {
		t.Errorf("entries = %+v", resp.Entries)
	}

	rec = doJSON(t, h, http.MethodGet, "/sessions/transcript", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing id: %d", rec.Code)
	}
}

func TestDecodeSamples(t *testing.T) {
	samples := []float32{0.5, -1.25, 0}
	raw := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(s))
	}
	got, err := decodeSamples(raw)
	if err != nil {
		t.Fatal(err)
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], samples[i])
		}
	}

	if _, err := decodeSamples(raw[:5]); err == nil {
		t.Error("truncated payload accepted")
	}
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/verbatim/internal/audio"
	"github.com/MrWong99/verbatim/internal/fault"
	"github.com/MrWong99/verbatim/internal/session"
	"github.com/MrWong99/verbatim/internal/transcriber"
	"github.com/coder/websocket"
)

// Event names on the wire.
const (
	eventSessionCreate       = "session_create"
	eventSessionDestroy      = "session_destroy"
	eventAudioChunk          = "audio_chunk"
	eventAck                 = "ack"
	eventTranscriptionResult = "transcription_result"
)

// ingestQueueSize bounds chunks waiting for the per-connection pipeline
// worker. A full queue pauses the read loop, pushing backpressure to the
// client rather than growing memory.
const ingestQueueSize = 128

// envelope is the framing for every event-channel message, both directions.
// Acks echo the id of the message they answer.
type envelope struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// audioChunkPayload is the inbound audio_chunk event. The session is implied
// by the connection's association, not the payload.
type audioChunkPayload struct {
	ChunkID     string    `json:"chunkId"`
	Timestamp   int64     `json:"timestamp"`
	AudioData   []float32 `json:"audioData"`
	SampleRate  int       `json:"sampleRate"`
	IsLastChunk bool      `json:"isLastChunk"`
}

// destroyPayload is the inbound session_destroy event.
type destroyPayload struct {
	SessionID string `json:"sessionId"`
}

// destroyAck acknowledges session_destroy.
type destroyAck struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// resultPayload is the outbound transcription_result event.
type resultPayload struct {
	Words     []transcriber.Word `json:"words"`
	SessionID string             `json:"sessionId"`
	Timestamp int64              `json:"timestamp"`
}

// clientConn is one live event-channel connection and its at-most-one session
// association.
type clientConn struct {
	srv  *Server
	conn *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
}

func (c *clientConn) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *clientConn) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// handleEvents upgrades GET /events to a websocket and runs the connection's
// read loop until the peer goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection teardown")

	s.met.ActiveConnections.Add(r.Context(), 1)
	defer s.met.ActiveConnections.Add(r.Context(), -1)

	c := &clientConn{srv: s, conn: conn}

	// Handshake reconnection: a known, still-live session id re-associates
	// this connection and resumes the session.
	if id := r.URL.Query().Get("sessionId"); id != "" {
		c.resume(r.Context(), id)
	}

	chunks := make(chan audioChunkPayload, ingestQueueSize)
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	go c.ingestLoop(workerCtx, chunks)

	c.readLoop(r.Context(), chunks)
	close(chunks)

	// Disconnect pauses the session rather than ending it so the client can
	// reconnect and pick it back up.
	if id := c.session(); id != "" {
		if _, err := s.registry.SetStatus(id, session.StatusPaused); err != nil && !fault.IsKind(err, fault.KindState) {
			s.log.Warn("failed to pause session on disconnect", "session_id", id, "error", err)
		}
		s.log.Info("connection closed, session paused", "session_id", id)
	}
}

// resume re-attaches a reconnecting client to its session. An unknown or
// finished session id is ignored; the connection then behaves as fresh.
func (c *clientConn) resume(ctx context.Context, id string) {
	sess, err := c.srv.registry.Get(id)
	if err != nil || sess.Status.IsTerminal() {
		c.srv.log.Info("handshake session id not resumable", "session_id", id)
		return
	}
	if sess.Status == session.StatusPaused {
		if _, err := c.srv.registry.SetStatus(id, session.StatusActive); err != nil {
			c.srv.log.Warn("failed to resume session", "session_id", id, "error", err)
			return
		}
	}
	c.setSession(id)
	c.srv.log.Info("connection resumed session", "session_id", id)
}

// readLoop dispatches inbound events until the connection errors or closes.
func (c *clientConn) readLoop(ctx context.Context, chunks chan<- audioChunkPayload) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.srv.met.ProtocolErrors.Add(ctx, 1)
			c.srv.log.Warn("discarding malformed event", "error", err)
			continue
		}
		switch env.Event {
		case eventSessionCreate:
			c.handleSessionCreate(ctx, env)
		case eventSessionDestroy:
			c.handleSessionDestroy(ctx, env)
		case eventAudioChunk:
			var p audioChunkPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				c.srv.met.ProtocolErrors.Add(ctx, 1)
				c.srv.log.Warn("discarding malformed audio chunk", "error", err)
				continue
			}
			chunks <- p
		default:
			c.srv.log.Debug("ignoring unknown event", "event", env.Event)
		}
	}
}

func (c *clientConn) handleSessionCreate(ctx context.Context, env envelope) {
	var req createSessionRequest
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &req)
	}

	// A connection holds at most one session; creating a new one parks the
	// previous session the same way a disconnect would.
	if prev := c.session(); prev != "" {
		if _, err := c.srv.registry.SetStatus(prev, session.StatusPaused); err != nil && !fault.IsKind(err, fault.KindState) {
			c.srv.log.Warn("failed to pause replaced session", "session_id", prev, "error", err)
		}
	}

	sess := c.srv.registry.Create(req.UserID, req.DeviceInfo)
	sess, err := c.srv.registry.SetStatus(sess.ID, session.StatusActive)
	if err != nil {
		c.ack(ctx, env.ID, destroyAck{Success: false, Error: err.Error()})
		return
	}
	c.setSession(sess.ID)
	c.ack(ctx, env.ID, createSessionResponse{
		SessionID: sess.ID,
		CreatedAt: sess.CreatedAt,
		Status:    sess.Status,
	})
}

func (c *clientConn) handleSessionDestroy(ctx context.Context, env envelope) {
	var req destroyPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.SessionID == "" {
		c.ack(ctx, env.ID, destroyAck{Success: false, Error: "sessionId is required"})
		return
	}
	// Connections may only destroy the session they own.
	if owned := c.session(); owned != "" && owned != req.SessionID {
		c.ack(ctx, env.ID, destroyAck{Success: false, Error: "session is not owned by this connection"})
		return
	}
	if err := c.srv.registry.End(req.SessionID); err != nil && !fault.IsKind(err, fault.KindNotFound) {
		c.ack(ctx, env.ID, destroyAck{Success: false, Error: err.Error()})
		return
	}
	c.srv.buffer.ClearSession(req.SessionID)
	c.setSession("")
	c.ack(ctx, env.ID, destroyAck{Success: true})
}

// ingestLoop feeds audio chunks through the pipeline one at a time, keeping
// per-session flush order while the read loop stays responsive.
func (c *clientConn) ingestLoop(ctx context.Context, chunks <-chan audioChunkPayload) {
	for p := range chunks {
		id := c.session()
		if id == "" {
			c.srv.met.ProtocolErrors.Add(ctx, 1)
			c.srv.log.Warn("audio chunk on connection without a session")
			continue
		}
		chunk := audio.Chunk{
			Data:         p.AudioData,
			Timestamp:    p.Timestamp,
			SampleRate:   p.SampleRate,
			ChannelCount: 1,
			ChunkID:      p.ChunkID,
			IsLastChunk:  p.IsLastChunk,
		}
		results, err := c.srv.ingestChunk(ctx, id, chunk, "socket")
		if err != nil {
			c.srv.log.Warn("chunk ingestion failed", "session_id", id, "error", err)
			continue
		}
		for _, tr := range results {
			c.emitResult(ctx, id, tr)
		}
	}
}

// emitResult pushes one transcription_result event to the client.
func (c *clientConn) emitResult(ctx context.Context, sessionID string, tr *transcriber.Transcription) {
	if len(tr.Words) == 0 {
		return
	}
	c.send(ctx, envelope{Event: eventTranscriptionResult}, resultPayload{
		Words:     tr.Words,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	})
}

// ack answers a request event, echoing its id.
func (c *clientConn) ack(ctx context.Context, id string, payload any) {
	c.send(ctx, envelope{Event: eventAck, ID: id}, payload)
}

// send marshals and writes one event. Write failures only log; the read loop
// notices the dead connection on its own.
func (c *clientConn) send(ctx context.Context, env envelope, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.srv.log.Error("failed to marshal event payload", "event", env.Event, "error", err)
		return
	}
	env.Payload = data
	frame, err := json.Marshal(env)
	if err != nil {
		c.srv.log.Error("failed to marshal event", "event", env.Event, "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		c.srv.log.Warn("failed to write event", "event", env.Event, "error", err)
	}
}

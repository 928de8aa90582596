// Package client is the Go client for a Verbatim server. It covers the three
// client-side concerns: the event channel (websocket transport with
// reconnection), the capture pipeline (microphone chunking and local
// buffering), and word lifecycle timing for transcript display.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Event names on the wire. Inbound handlers are registered against these.
const (
	EventSessionCreate       = "session_create"
	EventSessionDestroy      = "session_destroy"
	EventAudioChunk          = "audio_chunk"
	EventAck                 = "ack"
	EventTranscriptionResult = "transcription_result"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = time.Second
	defaultMaxBackoff = 30 * time.Second

	writeTimeout = 5 * time.Second
)

// ConnectionStatus folds connect, disconnect, reconnect-attempt, and error
// events into one value.
type ConnectionStatus struct {
	Connected    bool
	Reconnecting bool
	Err          error
}

// EventHandler consumes one inbound event payload. Handlers run on the read
// loop goroutine and must not block.
type EventHandler func(payload json.RawMessage)

// envelope frames every message in both directions.
type envelope struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DeviceInfo describes this client to the server.
type DeviceInfo struct {
	Browser string `json:"browser,omitempty"`
	OS      string `json:"os,omitempty"`
	Device  string `json:"device,omitempty"`
}

// SessionInfo is the server's session-creation acknowledgement.
type SessionInfo struct {
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
	Status    string    `json:"status"`
}

// destroyAck is the session_destroy acknowledgement.
type destroyAck struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ChannelConfig configures a [Channel].
type ChannelConfig struct {
	// URL is the event endpoint, e.g. "ws://host:8443/events".
	URL string

	// SessionID, when set, is presented on the handshake so the server can
	// re-associate an existing session. It is updated automatically by
	// CreateSession/EndSession.
	SessionID string

	// MaxRetries bounds reconnection attempts per disconnect. Defaults to 10.
	MaxRetries int

	// Backoff is the initial retry delay, doubling up to MaxBackoff.
	// Defaults to 1s and 30s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// OnStatus is invoked on every connection status change. May be nil.
	// Runs on channel-internal goroutines and must not block.
	OnStatus func(ConnectionStatus)

	Logger *slog.Logger
}

// Channel is the client side of the event channel. Safe for concurrent use.
type Channel struct {
	cfg ChannelConfig
	log *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	handlers  map[string]map[uint64]EventHandler
	nextID    uint64
	acks      map[string]chan json.RawMessage
	status    ConnectionStatus
	closed    bool
}

// NewChannel creates a Channel. No connection is made until [Channel.Connect].
func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Channel{
		cfg:       cfg,
		log:       cfg.Logger.With("component", "client.channel"),
		sessionID: cfg.SessionID,
		handlers:  map[string]map[uint64]EventHandler{},
		acks:      map[string]chan json.RawMessage{},
	}
}

// Connect dials the server and starts the read loop. On later connection
// drops the channel reconnects by itself with exponential backoff, presenting
// the current session id on the handshake.
func (c *Channel) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		c.setStatus(ConnectionStatus{Err: err})
		return fmt.Errorf("client: connect: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setStatus(ConnectionStatus{Connected: true})
	go c.readLoop(conn)
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	target := c.cfg.URL
	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	if sid != "" {
		u, err := url.Parse(target)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("sessionId", sid)
		u.RawQuery = q.Encode()
		target = u.String()
	}
	conn, _, err := websocket.Dial(ctx, target, nil)
	return conn, err
}

// Close tears the connection down and disables reconnection.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	c.setStatus(ConnectionStatus{})
}

// Status returns the current connection status.
func (c *Channel) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SessionID returns the session currently bound to this channel, if any.
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// RegisterEventHandler subscribes to an inbound event. The returned function
// removes the subscription.
func (c *Channel) RegisterEventHandler(event string, h EventHandler) (unregister func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	if c.handlers[event] == nil {
		c.handlers[event] = map[uint64]EventHandler{}
	}
	c.handlers[event][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

// EmitEvent sends a fire-and-forget event. Returns false when the channel is
// not connected or the write fails.
func (c *Channel) EmitEvent(event string, payload any) bool {
	return c.write(envelope{Event: event}, payload) == nil
}

// CreateSession asks the server for a new session and binds the channel to
// it. Only one request may be pending at a time per call site; concurrent
// calls are safe but each waits on its own acknowledgement.
func (c *Channel) CreateSession(ctx context.Context, userID string, device *DeviceInfo) (SessionInfo, error) {
	payload := map[string]any{}
	if userID != "" {
		payload["userId"] = userID
	}
	if device != nil {
		payload["deviceInfo"] = device
	}
	raw, err := c.request(ctx, EventSessionCreate, payload)
	if err != nil {
		return SessionInfo{}, err
	}
	var info SessionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return SessionInfo{}, fmt.Errorf("client: decode session ack: %w", err)
	}
	if info.SessionID == "" {
		return SessionInfo{}, fmt.Errorf("client: session ack carries no session id")
	}
	c.mu.Lock()
	c.sessionID = info.SessionID
	c.mu.Unlock()
	return info, nil
}

// EndSession destroys a session and unbinds the channel if it was bound to
// it.
func (c *Channel) EndSession(ctx context.Context, sessionID string) error {
	raw, err := c.request(ctx, EventSessionDestroy, map[string]string{"sessionId": sessionID})
	if err != nil {
		return err
	}
	var ack destroyAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		return fmt.Errorf("client: decode destroy ack: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("client: end session: %s", ack.Error)
	}
	c.mu.Lock()
	if c.sessionID == sessionID {
		c.sessionID = ""
	}
	c.mu.Unlock()
	return nil
}

// request sends one event and blocks for its acknowledgement.
func (c *Channel) request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.acks[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, id)
		c.mu.Unlock()
	}()

	if err := c.write(envelope{Event: event, ID: id}, payload); err != nil {
		return nil, fmt.Errorf("client: send %s: %w", event, err)
	}
	select {
	case raw := <-ch:
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) write(env envelope, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env.Payload = data
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

// readLoop dispatches inbound events until the connection drops, then hands
// off to the reconnect loop.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			c.log.Warn("connection lost", "error", err)
			c.reconnectLoop()
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("discarding malformed event", "error", err)
			continue
		}
		if env.Event == EventAck && env.ID != "" {
			c.mu.Lock()
			ch := c.acks[env.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- env.Payload
			}
			continue
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env envelope) {
	c.mu.Lock()
	hs := make([]EventHandler, 0, len(c.handlers[env.Event]))
	for _, h := range c.handlers[env.Event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(env.Payload)
	}
}

// reconnectLoop retries the dial with exponential backoff. Each attempt
// presents the bound session id so the server resumes it.
func (c *Channel) reconnectLoop() {
	c.setStatus(ConnectionStatus{Reconnecting: true})

	backoff := c.cfg.Backoff
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		time.Sleep(backoff)
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			c.setStatus(ConnectionStatus{Reconnecting: true, Err: err})
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setStatus(ConnectionStatus{Connected: true})
		c.log.Info("reconnected", "attempt", attempt)
		go c.readLoop(conn)
		return
	}
	c.setStatus(ConnectionStatus{Err: fmt.Errorf("client: gave up after %d reconnect attempts", c.cfg.MaxRetries)})
}

func (c *Channel) setStatus(st ConnectionStatus) {
	c.mu.Lock()
	c.status = st
	cb := c.cfg.OnStatus
	c.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

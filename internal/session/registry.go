package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/verbatim/internal/fault"
	"github.com/MrWong99/verbatim/internal/observe"
	"github.com/google/uuid"
)

const (
	defaultMaxDuration       = time.Hour
	defaultInactivityTimeout = 5 * time.Minute
	defaultSweepInterval     = time.Minute

	// latencyWindow sizes the moving average in [Stats.TranscriptionLatency].
	latencyWindow = 10
)

// Config configures a [Registry].
type Config struct {
	// MaxDuration ends an active session this long after creation. Zero
	// means the default; negative disables the check.
	MaxDuration time.Duration

	// InactivityTimeout ends an active session with no recorded activity for
	// this long. Zero means the default; negative disables the check.
	InactivityTimeout time.Duration

	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// record is the registry's mutable state for one session. Guarded by the
// registry mutex.
type record struct {
	sess      Session
	stats     Stats
	latencies []float64
}

// Registry is the in-memory session store. Safe for concurrent use; all
// critical sections are short and free of I/O.
type Registry struct {
	cfg Config
	log *slog.Logger
	met *observe.Metrics

	mu       sync.RWMutex
	sessions map[string]*record

	now func() time.Time // overridable in tests
}

// NewRegistry creates an empty Registry. The expiry sweep does not run until
// [Registry.Run] is called.
func NewRegistry(cfg Config) *Registry {
	if cfg.MaxDuration == 0 {
		cfg.MaxDuration = defaultMaxDuration
	}
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = defaultInactivityTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Registry{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "session"),
		met:      cfg.Metrics,
		sessions: make(map[string]*record),
		now:      time.Now,
	}
}

// Create registers a new session in state initializing with zeroed stats.
func (r *Registry) Create(userID string, device *DeviceInfo) Session {
	now := r.now()
	sess := Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		DeviceInfo: device,
		CreatedAt:  now,
		UpdatedAt:  now,
		Status:     StatusInitializing,
		Metadata:   map[string]any{},
	}

	r.mu.Lock()
	r.sessions[sess.ID] = &record{sess: sess}
	r.mu.Unlock()

	r.met.ActiveSessions.Add(context.Background(), 1)
	r.log.Info("session created", "session_id", sess.ID, "user_id", userID)
	return sess
}

// Get returns a copy of the session, or a not-found fault.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[id]
	if !ok {
		return Session{}, fault.Newf(fault.KindNotFound, "session: %s not found", id)
	}
	return rec.sess, nil
}

// Update applies the client-settable fields of a session. Fields left nil are
// untouched; a status change must follow the state machine.
type Update struct {
	Status      *Status
	Metadata    map[string]any
	AudioConfig *AudioSettings
}

// Update mutates a session per upd and returns the updated copy.
func (r *Registry) Update(id string, upd Update) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return Session{}, fault.Newf(fault.KindNotFound, "session: %s not found", id)
	}

	if upd.Status != nil {
		if !upd.Status.IsValid() {
			return Session{}, fault.Newf(fault.KindValidation, "session: unknown status %q", *upd.Status)
		}
		if err := r.transitionLocked(rec, *upd.Status); err != nil {
			return Session{}, err
		}
	}
	if upd.Metadata != nil {
		if rec.sess.Metadata == nil {
			rec.sess.Metadata = map[string]any{}
		}
		for k, v := range upd.Metadata {
			rec.sess.Metadata[k] = v
		}
	}
	if upd.AudioConfig != nil {
		cfg := *upd.AudioConfig
		rec.sess.AudioConfig = &cfg
	}
	rec.sess.UpdatedAt = r.now()
	return rec.sess, nil
}

// SetStatus moves a session along the state machine.
func (r *Registry) SetStatus(id string, to Status) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return Session{}, fault.Newf(fault.KindNotFound, "session: %s not found", id)
	}
	if err := r.transitionLocked(rec, to); err != nil {
		return Session{}, err
	}
	rec.sess.UpdatedAt = r.now()
	return rec.sess, nil
}

// transitionLocked applies a status change, enforcing the state machine and
// keeping the active-session gauge in step. Caller holds mu.
func (r *Registry) transitionLocked(rec *record, to Status) error {
	from := rec.sess.Status
	if from == to {
		return nil
	}
	if !canTransition(from, to) {
		return fault.Newf(fault.KindState, "session: cannot transition %s from %s to %s", rec.sess.ID, from, to)
	}
	rec.sess.Status = to
	if to.IsTerminal() {
		r.met.ActiveSessions.Add(context.Background(), -1)
	}
	r.log.Debug("session status changed",
		"session_id", rec.sess.ID, "from", string(from), "to", string(to))
	return nil
}

// End moves a session to its terminal ended state. Ending an already ended
// session is a no-op; ending an unknown session is a not-found fault.
func (r *Registry) End(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return fault.Newf(fault.KindNotFound, "session: %s not found", id)
	}
	if rec.sess.Status == StatusEnded {
		return nil
	}
	if err := r.transitionLocked(rec, StatusEnded); err != nil {
		return err
	}
	rec.sess.UpdatedAt = r.now()
	r.log.Info("session ended", "session_id", id)
	return nil
}

// RecordActivity bumps the session's updatedAt. Terminal sessions are left
// untouched so the sweep's bookkeeping stays truthful.
func (r *Registry) RecordActivity(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return fault.Newf(fault.KindNotFound, "session: %s not found", id)
	}
	if rec.sess.Status.IsTerminal() {
		return nil
	}
	if now := r.now(); now.After(rec.sess.UpdatedAt) {
		rec.sess.UpdatedAt = now
	}
	return nil
}

// Stats returns a copy of the session's counters.
func (r *Registry) Stats(id string) (Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[id]
	if !ok {
		return Stats{}, fault.Newf(fault.KindNotFound, "session: %s not found", id)
	}
	return rec.stats, nil
}

// RecordProcessing folds one completed transcription round trip into the
// session's stats.
func (r *Registry) RecordProcessing(id string, audioSeconds, latencyMs float64, words int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return
	}
	rec.stats.TotalAudioProcessed += audioSeconds
	rec.stats.WordCount += int64(words)
	rec.latencies = append(rec.latencies, latencyMs)
	if len(rec.latencies) > latencyWindow {
		rec.latencies = rec.latencies[1:]
	}
	var sum float64
	for _, l := range rec.latencies {
		sum += l
	}
	rec.stats.TranscriptionLatency = sum / float64(len(rec.latencies))
}

// RecordError counts one failed round trip against the session.
func (r *Registry) RecordError(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.sessions[id]; ok {
		rec.stats.ErrorCount++
	}
}

// List returns copies of all sessions, in no particular order.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, rec := range r.sessions {
		out = append(out, rec.sess)
	}
	return out
}

// Count returns the number of sessions in a non-terminal state.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.sessions {
		if !rec.sess.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// Run executes the expiry sweep until ctx is cancelled. Meant to be launched
// in the application's run group.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep ends active sessions that outlived MaxDuration or went quiet past
// InactivityTimeout. Only active sessions are swept; a paused session waits
// for its client to reconnect or end it explicitly. Iterates over a snapshot
// so concurrent registry calls never contend with the whole scan.
func (r *Registry) sweep() {
	now := r.now()

	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id, rec := range r.sessions {
		if rec.sess.Status != StatusActive {
			continue
		}
		expired := r.cfg.MaxDuration > 0 && now.Sub(rec.sess.CreatedAt) > r.cfg.MaxDuration
		idle := r.cfg.InactivityTimeout > 0 && now.Sub(rec.sess.UpdatedAt) > r.cfg.InactivityTimeout
		if expired || idle {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if r.endIfActive(id) {
			r.log.Info("session expired by sweep", "session_id", id)
		}
	}
}

// endIfActive ends a session only if it is still active, re-checking under
// the write lock so a session paused or ended since the scan is left alone.
func (r *Registry) endIfActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok || rec.sess.Status != StatusActive {
		return false
	}
	if err := r.transitionLocked(rec, StatusEnded); err != nil {
		return false
	}
	rec.sess.UpdatedAt = r.now()
	return true
}

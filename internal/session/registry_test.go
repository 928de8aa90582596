package session

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/MrWong99/verbatim/internal/fault"
)

func newTestRegistry(cfg Config) *Registry {
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(cfg)
}

func TestCreateAndGet(t *testing.T) {
	r := newTestRegistry(Config{})

	sess := r.Create("user-1", &DeviceInfo{Browser: "firefox", OS: "linux"})
	if sess.ID == "" {
		t.Fatal("empty session id")
	}
	if sess.Status != StatusInitializing {
		t.Errorf("status = %s, want initializing", sess.Status)
	}
	if sess.CreatedAt.IsZero() || !sess.UpdatedAt.Equal(sess.CreatedAt) {
		t.Errorf("timestamps: created=%v updated=%v", sess.CreatedAt, sess.UpdatedAt)
	}

	got, err := r.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != "user-1" || got.DeviceInfo.Browser != "firefox" {
		t.Errorf("got %+v", got)
	}

	stats, err := r.Stats(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats != (Stats{}) {
		t.Errorf("fresh stats not zeroed: %+v", stats)
	}

	if _, err := r.Get("nope"); !fault.IsKind(err, fault.KindNotFound) {
		t.Errorf("missing session: %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []Status
		ok   bool
	}{
		{"activate", []Status{StatusActive}, true},
		{"pause resume", []Status{StatusActive, StatusPaused, StatusActive}, true},
		{"end from active", []Status{StatusActive, StatusEnded}, true},
		{"end from paused", []Status{StatusActive, StatusPaused, StatusEnded}, true},
		{"error from initializing", []Status{StatusError}, true},
		{"skip to paused", []Status{StatusPaused}, false},
		{"end from initializing", []Status{StatusEnded}, false},
		{"revive ended", []Status{StatusActive, StatusEnded, StatusActive}, false},
		{"error is terminal", []Status{StatusError, StatusActive}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(Config{})
			sess := r.Create("", nil)
			var err error
			for _, to := range tt.path {
				if _, err = r.SetStatus(sess.ID, to); err != nil {
					break
				}
			}
			if tt.ok && err != nil {
				t.Fatalf("path %v: %v", tt.path, err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatalf("path %v: transition allowed", tt.path)
				}
				if !fault.IsKind(err, fault.KindState) {
					t.Errorf("kind = %v, want state", fault.KindOf(err))
				}
			}
		})
	}
}

func TestUpdateAppliesOnlyClientSettableFields(t *testing.T) {
	r := newTestRegistry(Config{})
	sess := r.Create("user-1", nil)
	if _, err := r.SetStatus(sess.ID, StatusActive); err != nil {
		t.Fatal(err)
	}

	paused := StatusPaused
	got, err := r.Update(sess.ID, Update{
		Status:      &paused,
		Metadata:    map[string]any{"room": "standup"},
		AudioConfig: &AudioSettings{SampleRate: 16000, ChannelCount: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPaused {
		t.Errorf("status = %s", got.Status)
	}
	if got.Metadata["room"] != "standup" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if got.AudioConfig == nil || got.AudioConfig.SampleRate != 16000 {
		t.Errorf("audio config = %+v", got.AudioConfig)
	}
	if !got.UpdatedAt.After(sess.UpdatedAt) && !got.UpdatedAt.Equal(sess.UpdatedAt) {
		t.Error("updatedAt went backwards")
	}

	// Metadata merges rather than replaces.
	got, err = r.Update(sess.ID, Update{Metadata: map[string]any{"lang": "de"}})
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata["room"] != "standup" || got.Metadata["lang"] != "de" {
		t.Errorf("metadata after merge = %v", got.Metadata)
	}

	bogus := Status("warp")
	if _, err := r.Update(sess.ID, Update{Status: &bogus}); !fault.IsKind(err, fault.KindValidation) {
		t.Errorf("bogus status: %v", err)
	}
	if _, err := r.Update("nope", Update{}); !fault.IsKind(err, fault.KindNotFound) {
		t.Errorf("missing session: %v", err)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	r := newTestRegistry(Config{})
	sess := r.Create("", nil)
	if _, err := r.SetStatus(sess.ID, StatusActive); err != nil {
		t.Fatal(err)
	}

	if err := r.End(sess.ID); err != nil {
		t.Fatal(err)
	}
	if err := r.End(sess.ID); err != nil {
		t.Fatalf("second End: %v", err)
	}
	got, err := r.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusEnded {
		t.Errorf("status = %s", got.Status)
	}
	if err := r.End("nope"); !fault.IsKind(err, fault.KindNotFound) {
		t.Errorf("missing session: %v", err)
	}
}

func TestRecordActivityBumpsUpdatedAt(t *testing.T) {
	r := newTestRegistry(Config{})
	sess := r.Create("", nil)
	if _, err := r.SetStatus(sess.ID, StatusActive); err != nil {
		t.Fatal(err)
	}

	clock := sess.CreatedAt
	r.now = func() time.Time { return clock }

	clock = clock.Add(30 * time.Second)
	if err := r.RecordActivity(sess.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(sess.ID)
	if !got.UpdatedAt.Equal(clock) {
		t.Errorf("updatedAt = %v, want %v", got.UpdatedAt, clock)
	}

	// Activity on an ended session is ignored, not an error.
	if err := r.End(sess.ID); err != nil {
		t.Fatal(err)
	}
	ended, _ := r.Get(sess.ID)
	clock = clock.Add(time.Minute)
	if err := r.RecordActivity(sess.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Get(sess.ID)
	if !got.UpdatedAt.Equal(ended.UpdatedAt) {
		t.Error("activity bumped a terminal session")
	}
}

func TestRecordProcessingMovingAverage(t *testing.T) {
	r := newTestRegistry(Config{})
	sess := r.Create("", nil)

	for i := 0; i < latencyWindow; i++ {
		r.RecordProcessing(sess.ID, 0.5, 100, 2)
	}
	stats, _ := r.Stats(sess.ID)
	if stats.TranscriptionLatency != 100 {
		t.Errorf("latency = %v", stats.TranscriptionLatency)
	}
	if stats.WordCount != int64(2*latencyWindow) {
		t.Errorf("words = %d", stats.WordCount)
	}
	if stats.TotalAudioProcessed != 0.5*float64(latencyWindow) {
		t.Errorf("audio = %v", stats.TotalAudioProcessed)
	}

	// A burst of slow round trips displaces the old window entirely.
	for i := 0; i < latencyWindow; i++ {
		r.RecordProcessing(sess.ID, 0, 300, 0)
	}
	stats, _ = r.Stats(sess.ID)
	if stats.TranscriptionLatency != 300 {
		t.Errorf("latency after window roll = %v", stats.TranscriptionLatency)
	}

	r.RecordError(sess.ID)
	stats, _ = r.Stats(sess.ID)
	if stats.ErrorCount != 1 {
		t.Errorf("errors = %d", stats.ErrorCount)
	}

	// Unknown ids are silently ignored on the hot path.
	r.RecordProcessing("nope", 1, 1, 1)
	r.RecordError("nope")
}

func TestSweepEndsOnlyExpiredActiveSessions(t *testing.T) {
	r := newTestRegistry(Config{
		MaxDuration:       time.Hour,
		InactivityTimeout: 5 * time.Minute,
	})

	base := time.Now()
	clock := base
	r.now = func() time.Time { return clock }

	fresh := r.Create("", nil)
	stale := r.Create("", nil)
	parked := r.Create("", nil)
	ancient := r.Create("", nil)
	for _, id := range []string{fresh.ID, stale.ID, parked.ID, ancient.ID} {
		if _, err := r.SetStatus(id, StatusActive); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.SetStatus(parked.ID, StatusPaused); err != nil {
		t.Fatal(err)
	}

	// stale goes quiet; parked goes quiet but is paused; ancient outlives
	// the max duration despite steady activity.
	clock = base.Add(10 * time.Minute)
	if err := r.RecordActivity(fresh.ID); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordActivity(ancient.ID); err != nil {
		t.Fatal(err)
	}

	clock = base.Add(12 * time.Minute)
	r.sweep()

	for _, tc := range []struct {
		name string
		id   string
		want Status
	}{
		{"fresh stays active", fresh.ID, StatusActive},
		{"stale ended", stale.ID, StatusEnded},
		{"paused not swept", parked.ID, StatusPaused},
		{"recently active stays", ancient.ID, StatusActive},
	} {
		got, _ := r.Get(tc.id)
		if got.Status != tc.want {
			t.Errorf("%s: status = %s, want %s", tc.name, got.Status, tc.want)
		}
	}

	// Past max duration even continuous activity does not save a session.
	clock = base.Add(61 * time.Minute)
	if err := r.RecordActivity(ancient.ID); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(time.Second)
	r.sweep()
	got, _ := r.Get(ancient.ID)
	if got.Status != StatusEnded {
		t.Errorf("ancient session survived max duration: %s", got.Status)
	}
}

func TestNegativeTimeoutsDisableSweepChecks(t *testing.T) {
	r := newTestRegistry(Config{
		MaxDuration:       -1,
		InactivityTimeout: -1,
	})
	if r.cfg.MaxDuration != -1 || r.cfg.InactivityTimeout != -1 {
		t.Fatalf("negative timeouts coerced: %+v", r.cfg)
	}

	base := time.Now()
	clock := base
	r.now = func() time.Time { return clock }

	sess := r.Create("", nil)
	if _, err := r.SetStatus(sess.ID, StatusActive); err != nil {
		t.Fatal(err)
	}

	// Far past both default limits; with the checks disabled the session
	// must stay active.
	clock = base.Add(48 * time.Hour)
	r.sweep()
	got, _ := r.Get(sess.ID)
	if got.Status != StatusActive {
		t.Errorf("status = %s, want %s", got.Status, StatusActive)
	}
}

func TestZeroTimeoutsFallBackToDefaults(t *testing.T) {
	r := newTestRegistry(Config{})
	if r.cfg.MaxDuration != defaultMaxDuration {
		t.Errorf("MaxDuration = %s, want %s", r.cfg.MaxDuration, defaultMaxDuration)
	}
	if r.cfg.InactivityTimeout != defaultInactivityTimeout {
		t.Errorf("InactivityTimeout = %s, want %s", r.cfg.InactivityTimeout, defaultInactivityTimeout)
	}
}

func TestCountAndList(t *testing.T) {
	r := newTestRegistry(Config{})
	a := r.Create("", nil)
	b := r.Create("", nil)
	if _, err := r.SetStatus(a.ID, StatusActive); err != nil {
		t.Fatal(err)
	}
	if _, err := r.SetStatus(b.ID, StatusActive); err != nil {
		t.Fatal(err)
	}
	if err := r.End(b.ID); err != nil {
		t.Fatal(err)
	}

	if got := r.Count(); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}
	if got := len(r.List()); got != 2 {
		t.Errorf("list = %d sessions, want 2", got)
	}
}

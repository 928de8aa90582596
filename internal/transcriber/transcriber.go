// Package transcriber sits between session-facing code and the engine
// process. It normalises the engine's raw word format into the shape clients
// consume, tracks service health (uptime, last activity, rolling processing
// time), and notifies observers of lifecycle and error events.
package transcriber

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/verbatim/internal/engine"
	"github.com/MrWong99/verbatim/internal/fault"
	"github.com/MrWong99/verbatim/internal/observe"
	"github.com/google/uuid"
)

// rollingWindow is how many recent round trips feed the average processing
// time reported by [Service.Status].
const rollingWindow = 10

// Word is one transcribed word in client-facing form.
type Word struct {
	ID         string  `json:"id"`
	Word       string  `json:"word"`
	StartTime  float64 `json:"startTime"`
	EndTime    float64 `json:"endTime"`
	Confidence float64 `json:"confidence"`
}

// Transcription is the normalised result of one engine round trip.
type Transcription struct {
	Words          []Word  `json:"words"`
	Text           string  `json:"text"`
	ProcessingTime float64 `json:"processingTime"`
}

// Status is a point-in-time snapshot of the service.
type Status struct {
	Active            bool      `json:"active"`
	UptimeSeconds     float64   `json:"uptime"`
	LastActivity      time.Time `json:"lastActivity"`
	AvgProcessingTime float64   `json:"avgProcessingTime"`
	TotalRequests     int64     `json:"totalRequests"`
	FailedRequests    int64     `json:"failedRequests"`
}

// Engine is the slice of the engine worker the service depends on.
type Engine interface {
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool
	StartedAt() (time.Time, bool)
	ProcessAudio(ctx context.Context, samples []float32, sampleRate int) (*engine.Result, error)
}

// Observer receives service lifecycle and failure notifications. Callbacks
// run synchronously on the calling goroutine and must not block.
type Observer interface {
	StatusChanged(active bool)
	TranscriptionFailed(err error)
}

// Config configures a [Service].
type Config struct {
	Engine  Engine
	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Service is the transcription gateway. Safe for concurrent use.
type Service struct {
	eng Engine
	log *slog.Logger
	met *observe.Metrics

	mu           sync.Mutex
	observers    []Observer
	recent       []float64 // last rollingWindow round-trip durations, seconds
	lastActivity time.Time
	total        int64
	failed       int64
}

// NewService creates a Service over the given engine.
func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Service{
		eng: cfg.Engine,
		log: cfg.Logger.With("component", "transcriber"),
		met: cfg.Metrics,
	}
}

// AddObserver registers an observer for lifecycle and failure events.
func (s *Service) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Start brings the engine up eagerly. Transcribe also starts it on demand, so
// calling Start is only needed when warm-up latency matters.
func (s *Service) Start(ctx context.Context) error {
	if err := s.eng.Start(ctx); err != nil {
		return fmt.Errorf("transcriber: start engine: %w", err)
	}
	s.notifyStatus(true)
	return nil
}

// Stop shuts the engine down.
func (s *Service) Stop() error {
	if err := s.eng.Stop(); err != nil {
		return fmt.Errorf("transcriber: stop engine: %w", err)
	}
	s.notifyStatus(false)
	return nil
}

// IsActive reports whether the engine process is up.
func (s *Service) IsActive() bool {
	return s.eng.IsRunning()
}

// Transcribe runs one span of samples through the engine and returns the
// normalised transcription. The engine is started on demand; a crashed engine
// is respawned on the next call.
func (s *Service) Transcribe(ctx context.Context, samples []float32, sampleRate int) (*Transcription, error) {
	ctx, span := observe.StartSpan(ctx, "transcriber.Transcribe")
	defer span.End()

	started := time.Now()
	res, err := s.eng.ProcessAudio(ctx, samples, sampleRate)
	elapsed := time.Since(started).Seconds()
	if err != nil {
		s.mu.Lock()
		s.total++
		s.failed++
		s.mu.Unlock()
		s.met.RecordTranscriptionError(ctx, fault.KindOf(err).String())
		s.notifyFailure(err)
		return nil, fmt.Errorf("transcriber: transcribe: %w", err)
	}

	words := make([]Word, len(res.Words))
	for i, w := range res.Words {
		words[i] = Word{
			ID:         uuid.NewString(),
			Word:       w.Text,
			StartTime:  w.Start,
			EndTime:    w.End,
			Confidence: w.Confidence,
		}
	}

	s.mu.Lock()
	s.total++
	s.lastActivity = time.Now()
	s.recent = append(s.recent, elapsed)
	if len(s.recent) > rollingWindow {
		s.recent = s.recent[1:]
	}
	s.mu.Unlock()

	s.met.RecordTranscription(ctx, elapsed, len(words))
	s.log.Debug("transcription complete",
		"words", len(words), "duration_ms", int(elapsed*1000))

	return &Transcription{
		Words:          words,
		Text:           res.Text,
		ProcessingTime: res.ProcessingTime,
	}, nil
}

// Status returns a snapshot of service health.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Active:            s.eng.IsRunning(),
		LastActivity:      s.lastActivity,
		AvgProcessingTime: s.avgLocked(),
		TotalRequests:     s.total,
		FailedRequests:    s.failed,
	}
	if startedAt, ok := s.eng.StartedAt(); ok {
		st.UptimeSeconds = time.Since(startedAt).Seconds()
	}
	return st
}

func (s *Service) avgLocked() float64 {
	if len(s.recent) == 0 {
		return 0
	}
	var sum float64
	for _, d := range s.recent {
		sum += d
	}
	return sum / float64(len(s.recent))
}

func (s *Service) notifyStatus(active bool) {
	s.mu.Lock()
	obs := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	for _, o := range obs {
		o.StatusChanged(active)
	}
}

func (s *Service) notifyFailure(err error) {
	s.mu.Lock()
	obs := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	for _, o := range obs {
		o.TranscriptionFailed(err)
	}
}

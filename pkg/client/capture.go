package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Permission is the tri-state microphone permission.
type Permission string

const (
	PermissionPrompt  Permission = "prompt"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// defaultMaxBufferedSamples is two seconds at 16kHz.
const defaultMaxBufferedSamples = 2 * 16000

// PermissionError reports that microphone access was denied.
type PermissionError struct {
	State Permission
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("client: microphone permission %s", e.State)
}

// InitError reports that the capture device could not be opened.
type InitError struct {
	Cause error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("client: open capture device: %v", e.Cause)
}

func (e *InitError) Unwrap() error { return e.Cause }

// CaptureSource abstracts the audio input device. Implementations wrap
// whatever capture backend the host platform offers.
type CaptureSource interface {
	// RequestPermission resolves the device permission. Implementations that
	// need no permission flow return PermissionGranted directly.
	RequestPermission(ctx context.Context) (Permission, error)

	// Open starts capture. Each delivered PCM frame is passed to onFrame on
	// the source's own goroutine until Close. The samples slice is only
	// valid for the duration of the call; sources may reuse the buffer for
	// the next frame.
	Open(ctx context.Context, onFrame func(samples []float32)) error

	// Close halts capture. Closing a closed source is a no-op.
	Close() error

	// SampleRate reports the capture rate in Hz.
	SampleRate() int
}

// CapturedChunk is one timestamped frame in the pipeline's chunk list.
type CapturedChunk struct {
	ChunkID    string    `json:"chunkId"`
	Timestamp  int64     `json:"timestamp"`
	Data       []float32 `json:"data"`
	SampleRate int       `json:"sampleRate"`
}

// chunkEvent is the audio_chunk payload sent over the channel.
type chunkEvent struct {
	ChunkID     string    `json:"chunkId"`
	Timestamp   int64     `json:"timestamp"`
	AudioData   []float32 `json:"audioData"`
	SampleRate  int       `json:"sampleRate"`
	IsLastChunk bool      `json:"isLastChunk,omitempty"`
}

// PipelineConfig configures a [Pipeline].
type PipelineConfig struct {
	// Source is the capture backend. Required.
	Source CaptureSource

	// Channel carries audio_chunk events while streaming. Optional; a nil
	// channel makes the pipeline capture-only.
	Channel *Channel

	// MaxBufferedSamples caps the local sample buffer. On reaching the cap
	// the buffer is handed to OnBufferFull and cleared. Defaults to two
	// seconds at 16kHz.
	MaxBufferedSamples int

	// OnBufferFull receives the concatenated local buffer. May be nil.
	// Runs on the capture goroutine and must not block.
	OnBufferFull func(samples []float32, sampleRate int)
}

// Pipeline is the client-side capture state machine: capture on or off, with
// an orthogonal streaming flag gating whether chunks are forwarded. Local
// buffering decouples the device's callback cadence from the unit of audio
// the application reasons about.
//
// All methods are safe for concurrent use.
type Pipeline struct {
	cfg PipelineConfig

	mu         sync.Mutex
	capturing  bool
	streaming  bool
	permission Permission
	chunks     []CapturedChunk
	buf        []float32
}

// NewPipeline creates an idle Pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.MaxBufferedSamples <= 0 {
		cfg.MaxBufferedSamples = defaultMaxBufferedSamples
	}
	return &Pipeline{cfg: cfg, permission: PermissionPrompt}
}

// Permission returns the last known microphone permission.
func (p *Pipeline) Permission() Permission {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permission
}

// IsCapturing reports whether the capture stream is open.
func (p *Pipeline) IsCapturing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capturing
}

// StartCapture requests microphone access if still unresolved and opens the
// capture stream. Starting an already capturing pipeline is a no-op.
func (p *Pipeline) StartCapture(ctx context.Context) error {
	p.mu.Lock()
	if p.capturing {
		p.mu.Unlock()
		return nil
	}
	perm := p.permission
	p.mu.Unlock()

	if perm != PermissionGranted {
		perm, err := p.cfg.Source.RequestPermission(ctx)
		if err != nil {
			return &InitError{Cause: err}
		}
		p.mu.Lock()
		p.permission = perm
		p.mu.Unlock()
		if perm != PermissionGranted {
			return &PermissionError{State: perm}
		}
	}

	if err := p.cfg.Source.Open(ctx, p.handleFrame); err != nil {
		return &InitError{Cause: err}
	}
	p.mu.Lock()
	p.capturing = true
	p.mu.Unlock()
	return nil
}

// StopCapture halts capture and clears the accumulated chunk list.
// Idempotent.
func (p *Pipeline) StopCapture() error {
	p.mu.Lock()
	if !p.capturing {
		p.mu.Unlock()
		return nil
	}
	p.capturing = false
	p.chunks = nil
	p.mu.Unlock()
	return p.cfg.Source.Close()
}

// ToggleCapture starts capture when idle and stops it when running.
func (p *Pipeline) ToggleCapture(ctx context.Context) error {
	if p.IsCapturing() {
		return p.StopCapture()
	}
	return p.StartCapture(ctx)
}

// SetStreaming gates chunk forwarding. Turning streaming off forces a final
// flush of the local buffer and marks the stream's end to the server.
func (p *Pipeline) SetStreaming(on bool) {
	p.mu.Lock()
	was := p.streaming
	p.streaming = on
	p.mu.Unlock()
	if was && !on {
		p.ForceProcess()
		p.emitFinalChunk()
	}
}

// IsStreaming reports the streaming flag.
func (p *Pipeline) IsStreaming() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streaming
}

// Chunks returns a copy of the accumulated chunk list.
func (p *Pipeline) Chunks() []CapturedChunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CapturedChunk, len(p.chunks))
	copy(out, p.chunks)
	return out
}

// BufferedSamples reports how many samples sit in the local buffer.
func (p *Pipeline) BufferedSamples() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// ForceProcess flushes the local buffer through OnBufferFull if it holds
// anything.
func (p *Pipeline) ForceProcess() {
	p.mu.Lock()
	if len(p.buf) == 0 {
		p.mu.Unlock()
		return
	}
	flushed := p.buf
	p.buf = nil
	p.mu.Unlock()
	if p.cfg.OnBufferFull != nil {
		p.cfg.OnBufferFull(flushed, p.cfg.Source.SampleRate())
	}
}

// ClearBuffer discards the local buffer without processing it.
func (p *Pipeline) ClearBuffer() {
	p.mu.Lock()
	p.buf = nil
	p.mu.Unlock()
}

// handleFrame is the capture callback: record the chunk, feed the local
// buffer, and forward over the channel while streaming.
func (p *Pipeline) handleFrame(samples []float32) {
	rate := p.cfg.Source.SampleRate()
	// The source owns the samples slice only until this call returns.
	data := make([]float32, len(samples))
	copy(data, samples)
	chunk := CapturedChunk{
		ChunkID:    uuid.NewString(),
		Timestamp:  time.Now().UnixMilli(),
		Data:       data,
		SampleRate: rate,
	}

	p.mu.Lock()
	if !p.capturing {
		p.mu.Unlock()
		return
	}
	p.chunks = append(p.chunks, chunk)
	p.buf = append(p.buf, samples...)
	var flushed []float32
	if len(p.buf) >= p.cfg.MaxBufferedSamples {
		flushed = p.buf
		p.buf = nil
	}
	streaming := p.streaming
	p.mu.Unlock()

	if flushed != nil && p.cfg.OnBufferFull != nil {
		p.cfg.OnBufferFull(flushed, rate)
	}
	if streaming && p.cfg.Channel != nil {
		p.cfg.Channel.EmitEvent(EventAudioChunk, chunkEvent{
			ChunkID:    chunk.ChunkID,
			Timestamp:  chunk.Timestamp,
			AudioData:  chunk.Data,
			SampleRate: chunk.SampleRate,
		})
	}
}

// emitFinalChunk marks the end of a streamed utterance so the server flushes
// whatever it is still buffering.
func (p *Pipeline) emitFinalChunk() {
	if p.cfg.Channel == nil {
		return
	}
	p.cfg.Channel.EmitEvent(EventAudioChunk, chunkEvent{
		ChunkID:     uuid.NewString(),
		Timestamp:   time.Now().UnixMilli(),
		AudioData:   []float32{},
		SampleRate:  p.cfg.Source.SampleRate(),
		IsLastChunk: true,
	})
}

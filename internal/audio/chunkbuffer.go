// Package audio implements the per-session chunk accumulator that sits
// between the event channel and the transcription engine.
//
// Chunks arrive nearly ordered but with no ordering guarantee from the
// transport, so each session buffer keeps its chunks timestamp-sorted via
// insertion. A buffered span becomes ready for transcription once it covers
// the configured minimum duration or a chunk is marked as the last of its
// stream; a maximum duration bounds per-session memory when the consumer
// stalls.
package audio

import (
	"log/slog"
	"sync"
	"time"
)

// Chunk is a timestamped slice of raw PCM samples captured client-side.
// Samples are 32-bit floats in [-1, 1].
type Chunk struct {
	// Data holds the PCM samples.
	Data []float32

	// Timestamp is the capture time in milliseconds since the Unix epoch.
	Timestamp int64

	// SampleRate in Hz.
	SampleRate int

	// ChannelCount of the captured audio. Mono is the expected case.
	ChannelCount int

	// ChunkID is an opaque client-assigned identifier, used only for logs.
	ChunkID string

	// IsLastChunk marks the final chunk of a capture; it makes the buffer
	// ready regardless of the accumulated span.
	IsLastChunk bool
}

// FlushReason explains why a flush was produced.
type FlushReason string

const (
	// FlushReady means the buffered span reached the minimum duration.
	FlushReady FlushReason = "ready"

	// FlushLastChunk means a chunk carried the end-of-stream marker.
	FlushLastChunk FlushReason = "last_chunk"

	// FlushOverflow means the buffer exceeded its maximum span and the
	// oldest portion was force-flushed.
	FlushOverflow FlushReason = "overflow"
)

// Flush is a contiguous sample sequence handed off for transcription.
type Flush struct {
	// Samples are all flushed chunks concatenated in timestamp order.
	Samples []float32

	// SampleRate is the session's seeded sample rate.
	SampleRate int

	// Reason records what triggered the flush.
	Reason FlushReason
}

// Stats describes the current buffered state of one session.
type Stats struct {
	ChunkCount       int   `json:"chunkCount"`
	BufferDurationMs int64 `json:"bufferDuration"`
}

// sessionBuffer holds the ordered chunks for one session. The chunk slice is
// always timestamp-sorted.
type sessionBuffer struct {
	chunks      []Chunk
	lastFlushed int64 // timestamp of the newest flushed chunk, ms
	sampleRate  int   // seeded from the first chunk
}

// span returns last−first timestamp in milliseconds; zero when fewer than
// two chunks are buffered.
func (sb *sessionBuffer) span() int64 {
	if len(sb.chunks) == 0 {
		return 0
	}
	return sb.chunks[len(sb.chunks)-1].Timestamp - sb.chunks[0].Timestamp
}

// ChunkBuffer accumulates audio chunks per session and decides when a
// contiguous span is ready to hand off for transcription.
//
// All methods are safe for concurrent use. Sessions are created lazily on
// first chunk and must be released with [ChunkBuffer.ClearSession] when the
// owning session ends.
type ChunkBuffer struct {
	mu       sync.Mutex
	sessions map[string]*sessionBuffer

	minChunkDuration  time.Duration
	maxBufferDuration time.Duration
}

// Config holds the flush thresholds for a [ChunkBuffer].
type Config struct {
	// MinChunkDuration is the minimum buffered span before TakeReady
	// produces a flush. Defaults to 500ms if zero.
	MinChunkDuration time.Duration

	// MaxBufferDuration bounds the buffered span per session. Defaults to
	// 10s if zero.
	MaxBufferDuration time.Duration
}

// NewChunkBuffer creates an empty [ChunkBuffer] with the given thresholds.
func NewChunkBuffer(cfg Config) *ChunkBuffer {
	min := cfg.MinChunkDuration
	if min <= 0 {
		min = 500 * time.Millisecond
	}
	max := cfg.MaxBufferDuration
	if max <= 0 {
		max = 10 * time.Second
	}
	return &ChunkBuffer{
		sessions:          make(map[string]*sessionBuffer),
		minChunkDuration:  min,
		maxBufferDuration: max,
	}
}

// AddChunk inserts chunk into the session's ordered buffer, creating the
// buffer on first use and seeding its sample rate from the chunk. Chunks
// whose sample rate differs from the seed are accepted as-is but logged;
// resampling is intentionally not performed (uniform rate per session is an
// ingress precondition).
func (b *ChunkBuffer) AddChunk(sessionID string, chunk Chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sb, ok := b.sessions[sessionID]
	if !ok {
		sb = &sessionBuffer{sampleRate: chunk.SampleRate}
		b.sessions[sessionID] = sb
	}

	if chunk.SampleRate != 0 && chunk.SampleRate != sb.sampleRate {
		slog.Warn("chunk sample rate differs from session seed",
			"session_id", sessionID,
			"chunk_id", chunk.ChunkID,
			"chunk_rate", chunk.SampleRate,
			"session_rate", sb.sampleRate,
		)
	}

	// Chunks arrive nearly ordered, so insertion from the tail is cheap.
	i := len(sb.chunks)
	for i > 0 && sb.chunks[i-1].Timestamp > chunk.Timestamp {
		i--
	}
	sb.chunks = append(sb.chunks, Chunk{})
	copy(sb.chunks[i+1:], sb.chunks[i:])
	sb.chunks[i] = chunk
}

// TakeReady returns the buffered audio for sessionID concatenated in
// timestamp order, when ready. The buffer is ready once its span reaches the
// minimum duration or any chunk carries the end-of-stream marker. On success
// the buffer is cleared and the last flushed timestamp is advanced.
//
// Returns ok=false for an unknown session, an empty buffer, or a span still
// below the minimum. Repeated calls on an empty buffer are no-ops.
func (b *ChunkBuffer) TakeReady(sessionID string) (Flush, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sb, ok := b.sessions[sessionID]
	if !ok || len(sb.chunks) == 0 {
		return Flush{}, false
	}

	reason := FlushReady
	hasLast := false
	for _, c := range sb.chunks {
		if c.IsLastChunk {
			hasLast = true
			break
		}
	}
	if sb.span() < b.minChunkDuration.Milliseconds() {
		if !hasLast {
			return Flush{}, false
		}
		reason = FlushLastChunk
	}

	samples := concat(sb.chunks)
	sb.lastFlushed = sb.chunks[len(sb.chunks)-1].Timestamp
	sb.chunks = nil

	return Flush{Samples: samples, SampleRate: sb.sampleRate, Reason: reason}, true
}

// TakeOverflow force-flushes the oldest portion of the session buffer when
// its span exceeds the maximum duration. The buffer is split at the first
// chunk within the retained window; everything older is concatenated and
// returned so the caller can still transcribe it. The suffix stays buffered.
//
// Returns ok=false when the session is unknown or the span is within bounds.
// After a successful call the retained span never exceeds the maximum.
func (b *ChunkBuffer) TakeOverflow(sessionID string) (Flush, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sb, ok := b.sessions[sessionID]
	if !ok || len(sb.chunks) == 0 {
		return Flush{}, false
	}

	maxMs := b.maxBufferDuration.Milliseconds()
	if sb.span() <= maxMs {
		return Flush{}, false
	}

	last := sb.chunks[len(sb.chunks)-1].Timestamp
	cutoff := last - maxMs
	split := 0
	for split < len(sb.chunks) && sb.chunks[split].Timestamp < cutoff {
		split++
	}
	if split == 0 {
		return Flush{}, false
	}

	prefix := sb.chunks[:split]
	samples := concat(prefix)
	sb.lastFlushed = prefix[len(prefix)-1].Timestamp

	// Copy the suffix to a fresh backing array so the flushed prefix does
	// not pin memory for the rest of the session.
	rest := make([]Chunk, len(sb.chunks)-split)
	copy(rest, sb.chunks[split:])
	sb.chunks = rest

	slog.Info("buffer overflow flushed",
		"session_id", sessionID,
		"chunks", split,
		"samples", len(samples),
	)

	return Flush{Samples: samples, SampleRate: sb.sampleRate, Reason: FlushOverflow}, true
}

// ClearSession drops the session's buffer entirely. Safe to call for unknown
// sessions.
func (b *ChunkBuffer) ClearSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}

// SessionStats returns the buffered chunk count and span for sessionID.
// Returns ok=false for sessions that never received a chunk.
func (b *ChunkBuffer) SessionStats(sessionID string) (Stats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sb, ok := b.sessions[sessionID]
	if !ok {
		return Stats{}, false
	}
	return Stats{
		ChunkCount:       len(sb.chunks),
		BufferDurationMs: sb.span(),
	}, true
}

// SessionIDs returns the IDs of all sessions holding a buffer.
func (b *ChunkBuffer) SessionIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	return ids
}

// concat joins the sample data of chunks (already timestamp-sorted) into one
// contiguous slice.
func concat(chunks []Chunk) []float32 {
	total := 0
	for _, c := range chunks {
		total += len(c.Data)
	}
	out := make([]float32, 0, total)
	for _, c := range chunks {
		out = append(out, c.Data...)
	}
	return out
}

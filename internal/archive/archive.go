// Package archive persists finished transcription spans so a session's
// transcript can be retrieved after the fact. The archive is optional: with
// no datastore configured the server runs with the in-memory implementation,
// which survives only for the process lifetime.
package archive

import (
	"context"
	"time"
)

// Entry is one archived transcription span.
type Entry struct {
	SessionID string `json:"sessionId"`

	// Text is the concatenated text of the span.
	Text string `json:"text"`

	// WordCount is the number of words the engine recognised in the span.
	WordCount int `json:"wordCount"`

	// ProcessingTime is the engine-reported processing duration in seconds.
	ProcessingTime float64 `json:"processingTime"`

	// Timestamp is when the span was archived.
	Timestamp time.Time `json:"timestamp"`
}

// Store is the transcript archive. Every implementation must be safe for
// concurrent use.
type Store interface {
	// Append records one span. Spans with empty text are skipped silently so
	// callers can archive every engine result unconditionally.
	Append(ctx context.Context, entry Entry) error

	// Transcript returns a session's spans in chronological order. A limit
	// of 0 applies the implementation's default.
	Transcript(ctx context.Context, sessionID string, limit int) ([]Entry, error)

	// Close releases backing resources.
	Close()
}

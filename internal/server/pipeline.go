package server

import (
	"context"

	"github.com/MrWong99/verbatim/internal/archive"
	"github.com/MrWong99/verbatim/internal/audio"
	"github.com/MrWong99/verbatim/internal/fault"
	"github.com/MrWong99/verbatim/internal/session"
	"github.com/MrWong99/verbatim/internal/transcriber"
)

// Transcriber is the slice of the transcription gateway the server needs.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (*transcriber.Transcription, error)
	Status() transcriber.Status
	IsActive() bool
}

// ingestChunk runs one chunk through the server-side pipeline: activity
// stamp, buffer insertion, and any flushes the insertion makes due. Returns
// the transcriptions produced by those flushes, oldest first.
//
// Flushing and transcribing are deliberately not atomic with further chunk
// arrivals: new chunks may land in the session buffer while an engine round
// trip is outstanding.
func (s *Server) ingestChunk(ctx context.Context, sessionID string, chunk audio.Chunk, transport string) ([]*transcriber.Transcription, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusActive {
		return nil, fault.Newf(fault.KindState, "session: %s is %s, not active", sessionID, sess.Status)
	}
	if err := s.registry.RecordActivity(sessionID); err != nil {
		return nil, err
	}

	s.met.RecordChunk(ctx, transport)
	s.buffer.AddChunk(sessionID, chunk)

	var out []*transcriber.Transcription
	if flush, ok := s.buffer.TakeOverflow(sessionID); ok {
		if tr := s.transcribeFlush(ctx, sessionID, flush); tr != nil {
			out = append(out, tr)
		}
	}
	if flush, ok := s.buffer.TakeReady(sessionID); ok {
		if tr := s.transcribeFlush(ctx, sessionID, flush); tr != nil {
			out = append(out, tr)
		}
	}
	return out, nil
}

// transcribeFlush hands one flushed span to the gateway and folds the outcome
// into session stats and the archive. Failures are recorded and swallowed;
// a failed span must not fail the chunk ingestion that triggered it.
func (s *Server) transcribeFlush(ctx context.Context, sessionID string, flush audio.Flush) *transcriber.Transcription {
	s.met.RecordFlush(ctx, string(flush.Reason))

	tr, err := s.svc.Transcribe(ctx, flush.Samples, flush.SampleRate)
	if err != nil {
		s.registry.RecordError(sessionID)
		s.log.Error("transcription failed",
			"session_id", sessionID, "reason", string(flush.Reason), "error", err)
		return nil
	}

	audioSeconds := 0.0
	if flush.SampleRate > 0 {
		audioSeconds = float64(len(flush.Samples)) / float64(flush.SampleRate)
	}
	s.registry.RecordProcessing(sessionID, audioSeconds, tr.ProcessingTime*1000, len(tr.Words))

	if err := s.store.Append(ctx, archive.Entry{
		SessionID:      sessionID,
		Text:           tr.Text,
		WordCount:      len(tr.Words),
		ProcessingTime: tr.ProcessingTime,
	}); err != nil {
		s.log.Warn("failed to archive transcript span", "session_id", sessionID, "error", err)
	}
	return tr
}

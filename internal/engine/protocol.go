// Package engine owns the external speech-recognition worker process and the
// newline-delimited JSON protocol spoken over its standard streams.
//
// The engine protocol has no length framing and no request identifiers in
// responses. Requests are written as single-line JSON objects; responses are
// recovered from the output stream by a brace-matching scanner and correlated
// to callers strictly oldest-first, which is sound because the engine is a
// single process consuming one input stream in order.
package engine

import (
	"encoding/json"
	"fmt"
)

// Request is the wire format for one transcription request.
type Request struct {
	// AudioData is the PCM sample sequence as a plain number array.
	AudioData []float32 `json:"audio_data"`

	// SampleRate in Hz.
	SampleRate int `json:"sample_rate"`

	// SessionID carries the request identifier. The engine does not echo it
	// back; it exists for engine-side logging.
	SessionID string `json:"session_id"`
}

// Word is one recognised word in the engine's raw output format.
type Word struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Result is a successful transcription response from the engine.
type Result struct {
	Words          []Word  `json:"words"`
	Text           string  `json:"text"`
	ProcessingTime float64 `json:"processing_time"`
	SampleRate     int     `json:"sample_rate,omitempty"`
}

// errorFrame is the engine's error response shape, emitted on either stream.
type errorFrame struct {
	Error string `json:"error"`
}

// EncodeRequest serialises req as a single JSON line ready to write to the
// engine's input stream.
func EncodeRequest(req Request) ([]byte, error) {
	if req.AudioData == nil {
		// A nil slice would serialise as JSON null; the engine requires an
		// array even when empty.
		req.AudioData = []float32{}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("engine: encode request: %w", err)
	}
	return append(data, '\n'), nil
}

// ValidateRequest reports whether raw decodes to a well-formed request
// object: an audio_data array, a string session_id, and a numeric
// sample_rate. An empty audio_data array is valid.
func ValidateRequest(raw []byte) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return false
	}

	var audio []json.RawMessage
	if data, ok := obj["audio_data"]; !ok || json.Unmarshal(data, &audio) != nil {
		return false
	}
	var rate float64
	if data, ok := obj["sample_rate"]; !ok || json.Unmarshal(data, &rate) != nil {
		return false
	}
	var sid string
	if data, ok := obj["session_id"]; !ok || json.Unmarshal(data, &sid) != nil {
		return false
	}
	return true
}

// parseFrame classifies one complete frame from the engine's output stream.
// It returns exactly one of:
//
//   - an error message, when the frame is the engine's {error} shape;
//   - a result, when the frame is a well-formed transcription object;
//   - an error, when the frame is syntactically valid JSON but neither shape,
//     or not valid JSON at all (a protocol fault — the frame is discarded).
func parseFrame(frame []byte) (res *Result, engineErr string, err error) {
	var ef errorFrame
	if json.Unmarshal(frame, &ef) == nil && ef.Error != "" {
		return nil, ef.Error, nil
	}

	var r Result
	if jsonErr := json.Unmarshal(frame, &r); jsonErr != nil {
		return nil, "", fmt.Errorf("engine: malformed frame: %w", jsonErr)
	}
	if r.Words == nil {
		return nil, "", fmt.Errorf("engine: frame is neither an error nor a transcription result")
	}
	return &r, "", nil
}

// ParseErrorLine attempts to interpret a stderr payload as the engine's JSON
// error shape. Returns the message and true on success; stderr noise that is
// not the error shape returns false.
func ParseErrorLine(line []byte) (string, bool) {
	var ef errorFrame
	if json.Unmarshal(line, &ef) == nil && ef.Error != "" {
		return ef.Error, true
	}
	return "", false
}

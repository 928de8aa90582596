// Package session tracks transcription sessions: their lifecycle state
// machine, per-session statistics, and the periodic expiry sweep.
package session

import (
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusEnded        Status = "ended"
	StatusError        Status = "error"
)

// IsValid reports whether s is a known status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusInitializing, StatusActive, StatusPaused, StatusEnded, StatusError:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed out of s.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusError
}

// canTransition encodes the session state machine. StatusError is reachable
// from every non-terminal state.
func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	if to == StatusError {
		return true
	}
	switch from {
	case StatusInitializing:
		return to == StatusActive
	case StatusActive:
		return to == StatusPaused || to == StatusEnded
	case StatusPaused:
		return to == StatusActive || to == StatusEnded
	}
	return false
}

// DeviceInfo describes the client device that opened a session.
type DeviceInfo struct {
	Browser string `json:"browser,omitempty"`
	OS      string `json:"os,omitempty"`
	Device  string `json:"device,omitempty"`
}

// AudioSettings carries the client's capture parameters.
type AudioSettings struct {
	SampleRate   int `json:"sampleRate,omitempty"`
	ChannelCount int `json:"channelCount,omitempty"`
	BufferSize   int `json:"bufferSize,omitempty"`
}

// Session is one logical transcription conversation. Values handed out by the
// registry are copies; all mutation goes through registry operations.
type Session struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId,omitempty"`
	DeviceInfo  *DeviceInfo    `json:"deviceInfo,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	Status      Status         `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	AudioConfig *AudioSettings `json:"audioConfig,omitempty"`
}

// Stats aggregates per-session processing counters. Created and destroyed
// together with the session record.
type Stats struct {
	// TotalAudioProcessed is the audio handed to the engine, in seconds.
	TotalAudioProcessed float64 `json:"totalAudioProcessed"`

	// TranscriptionLatency is a moving average over recent round trips, in
	// milliseconds.
	TranscriptionLatency float64 `json:"transcriptionLatency"`

	WordCount  int64 `json:"wordCount"`
	ErrorCount int64 `json:"errorCount"`
}

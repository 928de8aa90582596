package client

import (
	"errors"
	"testing"
)

func TestErrorSurfacePrecedence(t *testing.T) {
	capErr := errors.New("mic gone")
	connErr := errors.New("socket closed")
	streamErr := errors.New("emit failed")

	s := NewErrorSurface(nil)
	if s.Current() != nil {
		t.Fatal("fresh surface carries an error")
	}

	s.Set(ErrStreaming, streamErr)
	if s.Current() != streamErr {
		t.Errorf("current = %v", s.Current())
	}
	s.Set(ErrConnection, connErr)
	if s.Current() != connErr {
		t.Errorf("connection did not outrank streaming: %v", s.Current())
	}
	s.Set(ErrCapture, capErr)
	if s.Current() != capErr {
		t.Errorf("capture did not outrank connection: %v", s.Current())
	}

	// Clearing the top reveals the next one down.
	s.Set(ErrCapture, nil)
	if s.Current() != connErr {
		t.Errorf("after clearing capture: %v", s.Current())
	}

	s.Dismiss()
	if s.Current() != nil {
		t.Errorf("after dismiss: %v", s.Current())
	}
}

func TestErrorSurfaceOnChange(t *testing.T) {
	var seen []error
	s := NewErrorSurface(func(err error) { seen = append(seen, err) })

	connErr := errors.New("socket closed")
	s.Set(ErrConnection, connErr)
	s.Set(ErrConnection, nil)
	s.Dismiss()

	want := []error{connErr, nil, nil}
	if len(seen) != len(want) {
		t.Fatalf("callbacks = %d, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("callback %d = %v, want %v", i, seen[i], want[i])
		}
	}
}

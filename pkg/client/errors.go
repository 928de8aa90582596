package client

import "sync"

// ErrorKind orders client error sources by display precedence. Capture
// problems outrank connection problems, which outrank streaming problems:
// a user who cannot record does not care that the socket also dropped.
type ErrorKind int

const (
	ErrCapture ErrorKind = iota
	ErrConnection
	ErrStreaming
)

func (k ErrorKind) String() string {
	switch k {
	case ErrCapture:
		return "capture"
	case ErrConnection:
		return "connection"
	case ErrStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// ErrorSurface merges errors from the capture pipeline, the event channel,
// and the streaming path into the single error the UI should show. Safe for
// concurrent use.
type ErrorSurface struct {
	mu   sync.Mutex
	errs map[ErrorKind]error

	// onChange, when set, fires after every mutation with the new current
	// error (nil when everything cleared). Must not call back in.
	onChange func(error)
}

// NewErrorSurface creates an empty surface. onChange may be nil.
func NewErrorSurface(onChange func(error)) *ErrorSurface {
	return &ErrorSurface{errs: map[ErrorKind]error{}, onChange: onChange}
}

// Set records or clears (err == nil) the error for one source.
func (s *ErrorSurface) Set(kind ErrorKind, err error) {
	s.mu.Lock()
	if err == nil {
		delete(s.errs, kind)
	} else {
		s.errs[kind] = err
	}
	cur := s.currentLocked()
	cb := s.onChange
	s.mu.Unlock()
	if cb != nil {
		cb(cur)
	}
}

// Current returns the highest-precedence pending error, or nil.
func (s *ErrorSurface) Current() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

func (s *ErrorSurface) currentLocked() error {
	for _, k := range []ErrorKind{ErrCapture, ErrConnection, ErrStreaming} {
		if err := s.errs[k]; err != nil {
			return err
		}
	}
	return nil
}

// Dismiss clears every pending error, as when the user closes the banner.
func (s *ErrorSurface) Dismiss() {
	s.mu.Lock()
	s.errs = map[ErrorKind]error{}
	cb := s.onChange
	s.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
}

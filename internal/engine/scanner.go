package engine

// frameScanner recovers complete top-level JSON objects from an unframed byte
// stream. The engine writes one object per response but the pipe delivers
// arbitrary fragments, so the scanner accumulates bytes and tracks brace depth
// itself rather than relying on line boundaries.
//
// Depth counting ignores braces inside string literals, including escaped
// quotes. Bytes between objects (stray whitespace, log noise) are discarded
// when the next object opens. Not safe for concurrent use; the read loop owns
// it exclusively.
type frameScanner struct {
	buf      []byte
	depth    int
	inString bool
	escaped  bool
	start    int // index of the opening brace of the current object, -1 if none
	pos      int // next byte to examine
}

func newFrameScanner() *frameScanner {
	return &frameScanner{start: -1}
}

// Append adds freshly read bytes to the scanner.
func (s *frameScanner) Append(data []byte) {
	s.buf = append(s.buf, data...)
}

// Next returns the next complete object, or nil when the buffer holds no
// complete object yet. The returned slice is only valid until the next
// Append or Reset.
func (s *frameScanner) Next() []byte {
	for ; s.pos < len(s.buf); s.pos++ {
		c := s.buf[s.pos]

		if s.inString {
			switch {
			case s.escaped:
				s.escaped = false
			case c == '\\':
				s.escaped = true
			case c == '"':
				s.inString = false
			}
			continue
		}

		switch c {
		case '"':
			if s.start >= 0 {
				s.inString = true
			}
		case '{':
			if s.start < 0 {
				s.start = s.pos
			}
			s.depth++
		case '}':
			if s.start < 0 {
				continue
			}
			s.depth--
			if s.depth == 0 {
				frame := s.buf[s.start : s.pos+1]
				s.buf = s.buf[s.pos+1:]
				s.start = -1
				s.pos = 0
				return frame
			}
		}
	}

	// Drop consumed inter-object bytes so noise between frames cannot grow
	// the buffer without bound.
	if s.start < 0 && s.pos > 0 {
		s.buf = s.buf[s.pos:]
		s.pos = 0
	}
	return nil
}

// Reset discards all buffered bytes and parser state. Called when the engine
// process is stopped or replaced so a new process starts from a clean stream.
func (s *frameScanner) Reset() {
	s.buf = nil
	s.depth = 0
	s.inString = false
	s.escaped = false
	s.start = -1
	s.pos = 0
}

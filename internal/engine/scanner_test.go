package engine

import (
	"strings"
	"testing"
)

// frames exercising every shape the engine emits: flat objects, nested
// objects and arrays, string values containing braces and escaped quotes.
var scannerFrames = []string{
	`{"words":[],"text":"","processing_time":0.01}`,
	`{"words":[{"text":"hello","start":0.1,"end":0.4,"confidence":0.98}],"text":"hello","processing_time":0.2}`,
	`{"error":"model not loaded: {weights.bin}"}`,
	`{"text":"she said \"go {now}\" twice","words":[{"text":"go","start":0,"end":1,"confidence":1}],"nested":{"a":[1,2,{"b":"}"}]}}`,
}

func collectFrames(sc *frameScanner) []string {
	var out []string
	for frame := sc.Next(); frame != nil; frame = sc.Next() {
		out = append(out, string(frame))
	}
	return out
}

func TestFrameScannerFragmentedDelivery(t *testing.T) {
	stream := strings.Join(scannerFrames, "\n") + "\n"

	// Any fragmentation of the stream must yield the same frames.
	for size := 1; size <= 7; size++ {
		sc := newFrameScanner()
		var got []string
		for i := 0; i < len(stream); i += size {
			end := i + size
			if end > len(stream) {
				end = len(stream)
			}
			sc.Append([]byte(stream[i:end]))
			got = append(got, collectFrames(sc)...)
		}
		if len(got) != len(scannerFrames) {
			t.Fatalf("fragment size %d: got %d frames, want %d", size, len(got), len(scannerFrames))
		}
		for i, frame := range got {
			if frame != scannerFrames[i] {
				t.Errorf("fragment size %d: frame %d = %q, want %q", size, i, frame, scannerFrames[i])
			}
		}
	}
}

func TestFrameScannerMultipleFramesInOneAppend(t *testing.T) {
	sc := newFrameScanner()
	sc.Append([]byte(`{"a":1}{"b":2}` + "\n" + `{"c":3}`))
	got := collectFrames(sc)
	want := []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}
	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFrameScannerSkipsInterframeNoise(t *testing.T) {
	sc := newFrameScanner()
	sc.Append([]byte("INFO loading model\n}}}\n" + `{"a":1}` + " trailing junk " + `{"b":2}`))
	got := collectFrames(sc)
	want := []string{`{"a":1}`, `{"b":2}`}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFrameScannerIncompleteFrameHeldBack(t *testing.T) {
	sc := newFrameScanner()
	sc.Append([]byte(`{"words":[{"text":"par`))
	if frame := sc.Next(); frame != nil {
		t.Fatalf("incomplete frame returned early: %q", frame)
	}
	sc.Append([]byte(`tial"}]}`))
	frame := sc.Next()
	if string(frame) != `{"words":[{"text":"partial"}]}` {
		t.Fatalf("got %q", frame)
	}
}

func TestFrameScannerReset(t *testing.T) {
	sc := newFrameScanner()
	sc.Append([]byte(`{"words":[{"te`))
	sc.Reset()
	sc.Append([]byte(`{"a":1}`))
	if frame := sc.Next(); string(frame) != `{"a":1}` {
		t.Fatalf("after reset got %q", frame)
	}
}

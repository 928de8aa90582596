package pcm

import (
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 1, -1, 0.125}
	out, err := DecodeFloat32LE(EncodeFloat32LE(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestDecodeRejectsPartialSample(t *testing.T) {
	if _, err := DecodeFloat32LE(make([]byte, 7)); err == nil {
		t.Fatal("expected error for 7 bytes")
	}
	samples, err := DecodeFloat32LE(nil)
	if err != nil || len(samples) != 0 {
		t.Errorf("nil input: samples = %v err = %v", samples, err)
	}
}

func TestDownmixMono(t *testing.T) {
	stereo := []float32{0.2, 0.4, -0.6, -0.2}
	mono := DownmixMono(stereo, 2)
	if len(mono) != 2 {
		t.Fatalf("len = %d", len(mono))
	}
	if diff := mono[0] - 0.3; diff < -1e-6 || diff > 1e-6 {
		t.Errorf("mono[0] = %v", mono[0])
	}
	if diff := mono[1] - (-0.4); diff < -1e-6 || diff > 1e-6 {
		t.Errorf("mono[1] = %v", mono[1])
	}

	// Trailing partial frame is dropped.
	if got := DownmixMono([]float32{1, 1, 1}, 2); len(got) != 1 {
		t.Errorf("partial frame kept: %v", got)
	}

	// Mono passes through untouched.
	in := []float32{0.1, 0.2}
	if got := DownmixMono(in, 1); &got[0] != &in[0] {
		t.Error("mono input copied")
	}
}

func TestDuration(t *testing.T) {
	if got := Duration(8000, 16000); got != 500*time.Millisecond {
		t.Errorf("Duration = %s", got)
	}
	if got := Duration(100, 0); got != 0 {
		t.Errorf("zero rate Duration = %s", got)
	}
}

package client

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestOpacityAt(t *testing.T) {
	fade := 1000 * time.Millisecond
	cases := []struct {
		elapsed time.Duration
		want    float64
	}{
		{0, 1},
		{500 * time.Millisecond, 1},
		{999 * time.Millisecond, 1},
		{1000 * time.Millisecond, 0},
		{1500 * time.Millisecond, 0},
	}
	for _, tc := range cases {
		if got := OpacityAt(tc.elapsed, fade); got != tc.want {
			t.Errorf("OpacityAt(%s) = %v, want %v", tc.elapsed, got, tc.want)
		}
	}
	if got := OpacityAt(time.Second, 0); got != 1 {
		t.Errorf("zero fade duration did not fall back to the default: %v", got)
	}
}

func TestRemovalAt(t *testing.T) {
	shown := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	if got, want := RemovalAt(shown, time.Second), shown.Add(1500*time.Millisecond); !got.Equal(want) {
		t.Errorf("RemovalAt = %s, want %s", got, want)
	}
	if got, want := RemovalAt(shown, 0), shown.Add(DefaultFadeDuration+500*time.Millisecond); !got.Equal(want) {
		t.Errorf("RemovalAt default = %s, want %s", got, want)
	}
}

func awaitFire(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s never fired", what)
	}
}

func TestFadeLifecycle(t *testing.T) {
	faded := make(chan struct{}, 1)
	removed := make(chan struct{}, 1)
	w := NewWordFade(WordFadeConfig{
		FadeDuration: 40 * time.Millisecond,
		OnFade:       func() { faded <- struct{}{} },
		OnRemove:     func() { removed <- struct{}{} },
	})
	defer w.Stop()

	if w.Phase() != PhaseVisible || w.Opacity() != 1 {
		t.Fatalf("initial phase = %s opacity = %v", w.Phase(), w.Opacity())
	}

	awaitFire(t, faded, "OnFade")
	if w.Phase() != PhaseFading || w.Opacity() != 0 {
		t.Errorf("after fade: phase = %s opacity = %v", w.Phase(), w.Opacity())
	}

	awaitFire(t, removed, "OnRemove")
	if w.Phase() != PhaseRemoved {
		t.Errorf("final phase = %s", w.Phase())
	}
}

func TestPinCancelsFade(t *testing.T) {
	faded := make(chan struct{}, 1)
	w := NewWordFade(WordFadeConfig{
		FadeDuration: 30 * time.Millisecond,
		OnFade:       func() { faded <- struct{}{} },
	})
	defer w.Stop()
	w.Pin()

	select {
	case <-faded:
		t.Fatal("pinned bubble faded")
	case <-time.After(150 * time.Millisecond):
	}
	if !w.IsPinned() || w.Phase() != PhaseVisible || w.Opacity() != 1 {
		t.Errorf("pinned = %v phase = %s opacity = %v", w.IsPinned(), w.Phase(), w.Opacity())
	}

	// Unpinning restarts the lifecycle from zero.
	w.Unpin()
	awaitFire(t, faded, "OnFade after unpin")
}

func TestSetFadeDurationRestartsOnce(t *testing.T) {
	var fades atomic.Int64
	w := NewWordFade(WordFadeConfig{
		FadeDuration: 30 * time.Millisecond,
		OnFade:       func() { fades.Add(1) },
	})
	defer w.Stop()

	// Repeated reconfiguration keeps cancelling the previous timer, so only
	// the last schedule ever fires.
	for range 5 {
		w.SetFadeDuration(30 * time.Millisecond)
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	if n := fades.Load(); n != 1 {
		t.Errorf("fade fired %d times, want 1", n)
	}
}

func TestStopSilencesCallbacks(t *testing.T) {
	faded := make(chan struct{}, 1)
	removed := make(chan struct{}, 1)
	w := NewWordFade(WordFadeConfig{
		FadeDuration: 20 * time.Millisecond,
		OnFade:       func() { faded <- struct{}{} },
		OnRemove:     func() { removed <- struct{}{} },
	})
	w.Stop()

	select {
	case <-faded:
		t.Fatal("OnFade fired after Stop")
	case <-removed:
		t.Fatal("OnRemove fired after Stop")
	case <-time.After(150 * time.Millisecond):
	}

	// Post-stop mutations stay inert.
	w.Pin()
	w.Unpin()
	w.SetFadeDuration(10 * time.Millisecond)
	select {
	case <-faded:
		t.Fatal("OnFade fired after post-stop mutation")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestBoardLifecycle(t *testing.T) {
	b := NewBoard(BoardConfig{FadeDuration: 40 * time.Millisecond})
	defer b.Close()

	b.Add(DisplayWord{ID: "w1", Word: "hello", Confidence: 0.9})
	b.Add(DisplayWord{ID: "w2", Word: "world", Confidence: 0.8})
	b.Add(DisplayWord{ID: "w1", Word: "dup"}) // duplicate id is ignored

	words := b.Words()
	if len(words) != 2 {
		t.Fatalf("words = %d", len(words))
	}
	if words[0].Word != "hello" || words[1].Word != "world" {
		t.Errorf("arrival order broken: %v %v", words[0].Word, words[1].Word)
	}
	if words[0].Opacity != 1 {
		t.Errorf("fresh word opacity = %v", words[0].Opacity)
	}

	b.Pin("w1")
	if words = b.Words(); !words[0].Pinned {
		t.Error("w1 not pinned")
	}

	// The unpinned word fades out and leaves the board; the pinned one
	// stays at full opacity.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.Words()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	words = b.Words()
	if len(words) != 1 || words[0].ID != "w1" {
		t.Fatalf("words after fade = %+v", words)
	}
	if !words[0].Pinned || words[0].Opacity != 1 {
		t.Errorf("pinned word = %+v", words[0])
	}
}

func TestBoardOnChange(t *testing.T) {
	var changes atomic.Int64
	b := NewBoard(BoardConfig{
		FadeDuration: time.Minute,
		OnChange:     func() { changes.Add(1) },
	})
	defer b.Close()

	b.Add(DisplayWord{ID: "w1", Word: "one"})
	b.Pin("w1")
	b.Unpin("w1")
	if n := changes.Load(); n != 3 {
		t.Errorf("changes = %d, want 3", n)
	}
}

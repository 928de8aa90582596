package client

import (
	"sync"
	"time"
)

// Fade timing defaults. A bubble stays fully visible for the fade duration,
// drops its opacity target to zero, and is removed after the transition
// window has played out.
const (
	DefaultFadeDuration = 2000 * time.Millisecond
	fadeTransition      = 500 * time.Millisecond
)

// FadePhase is the display state of one word bubble.
type FadePhase int

const (
	PhaseVisible FadePhase = iota
	PhaseFading
	PhaseRemoved
)

func (p FadePhase) String() string {
	switch p {
	case PhaseVisible:
		return "visible"
	case PhaseFading:
		return "fading"
	case PhaseRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// WordFade drives the fade lifecycle of a single word bubble with one timer
// that is rescheduled at each phase boundary. Pinning cancels the timer and
// resets the bubble to fully visible; unpinning restarts the lifecycle from
// zero. Changing the fade duration also restarts it, cancelling the previous
// timer so reconfiguration never leaks one.
type WordFade struct {
	mu           sync.Mutex
	fadeDuration time.Duration
	pinned       bool
	phase        FadePhase
	timer        *time.Timer
	gen          uint64 // bumped on every reschedule; stale timer fires bail
	stopped      bool

	onFade   func()
	onRemove func()
}

// WordFadeConfig configures a [WordFade].
type WordFadeConfig struct {
	// FadeDuration is how long the bubble stays fully visible. Defaults to
	// [DefaultFadeDuration].
	FadeDuration time.Duration

	// OnFade fires when the opacity target drops to zero. May be nil.
	OnFade func()

	// OnRemove fires when the fade has completed and the bubble should leave
	// the active list. May be nil.
	OnRemove func()
}

// NewWordFade creates a bubble in the visible phase with its fade timer
// running.
func NewWordFade(cfg WordFadeConfig) *WordFade {
	if cfg.FadeDuration <= 0 {
		cfg.FadeDuration = DefaultFadeDuration
	}
	w := &WordFade{
		fadeDuration: cfg.FadeDuration,
		onFade:       cfg.OnFade,
		onRemove:     cfg.OnRemove,
	}
	w.mu.Lock()
	w.scheduleLocked(w.fadeDuration)
	w.mu.Unlock()
	return w
}

// Phase returns the current display phase.
func (w *WordFade) Phase() FadePhase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// IsPinned reports whether the bubble is pinned.
func (w *WordFade) IsPinned() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pinned
}

// Opacity returns the bubble's current opacity target.
func (w *WordFade) Opacity() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pinned || w.phase == PhaseVisible {
		return 1
	}
	return 0
}

// OpacityAt returns the opacity target at the given time since a bubble was
// shown or last unpinned, for a bubble with the given fade duration. The
// opacity is a step: fully visible strictly before the fade duration, zero
// from then on.
func OpacityAt(elapsed, fadeDuration time.Duration) float64 {
	if fadeDuration <= 0 {
		fadeDuration = DefaultFadeDuration
	}
	if elapsed < fadeDuration {
		return 1
	}
	return 0
}

// RemovalAt returns when a bubble started at the given moment is due for
// removal, given its fade duration.
func RemovalAt(shown time.Time, fadeDuration time.Duration) time.Time {
	if fadeDuration <= 0 {
		fadeDuration = DefaultFadeDuration
	}
	return shown.Add(fadeDuration + fadeTransition)
}

// Pin cancels the fade and resets the bubble to fully visible. Pinning an
// already pinned bubble is a no-op.
func (w *WordFade) Pin() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.pinned {
		return
	}
	w.pinned = true
	w.phase = PhaseVisible
	w.cancelLocked()
}

// Unpin restarts the fade lifecycle from zero.
func (w *WordFade) Unpin() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || !w.pinned {
		return
	}
	w.pinned = false
	w.phase = PhaseVisible
	w.scheduleLocked(w.fadeDuration)
}

// SetFadeDuration reconfigures the fade timing. The lifecycle restarts from
// zero unless the bubble is pinned or already removed.
func (w *WordFade) SetFadeDuration(d time.Duration) {
	if d <= 0 {
		d = DefaultFadeDuration
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fadeDuration = d
	if w.stopped || w.pinned || w.phase == PhaseRemoved {
		return
	}
	w.phase = PhaseVisible
	w.scheduleLocked(w.fadeDuration)
}

// Stop cancels any outstanding timer without firing callbacks. Call when the
// owning view unmounts.
func (w *WordFade) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.cancelLocked()
}

// scheduleLocked replaces the timer with one firing after d. Caller holds mu.
func (w *WordFade) scheduleLocked(d time.Duration) {
	w.cancelLocked()
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(d, func() { w.advance(gen) })
}

// cancelLocked invalidates the running timer. Caller holds mu.
func (w *WordFade) cancelLocked() {
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// advance moves the bubble to its next phase when the timer fires. A fire
// from a cancelled timer generation is ignored.
func (w *WordFade) advance(gen uint64) {
	w.mu.Lock()
	if w.stopped || gen != w.gen {
		w.mu.Unlock()
		return
	}
	var cb func()
	switch w.phase {
	case PhaseVisible:
		w.phase = PhaseFading
		cb = w.onFade
		w.scheduleLocked(fadeTransition)
	case PhaseFading:
		w.phase = PhaseRemoved
		cb = w.onRemove
		w.cancelLocked()
	}
	w.mu.Unlock()
	if cb != nil {
		cb()
	}
}

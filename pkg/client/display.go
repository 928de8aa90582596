package client

import (
	"encoding/json"
	"sync"
	"time"
)

// DisplayWord is one word bubble as the view should render it.
type DisplayWord struct {
	ID         string  `json:"id"`
	Word       string  `json:"word"`
	StartTime  float64 `json:"startTime"`
	EndTime    float64 `json:"endTime"`
	Confidence float64 `json:"confidence"`
	Pinned     bool    `json:"pinned"`
	Opacity    float64 `json:"opacity"`
}

// resultEvent mirrors the transcription_result payload.
type resultEvent struct {
	Words []struct {
		ID         string  `json:"id"`
		Word       string  `json:"word"`
		StartTime  float64 `json:"startTime"`
		EndTime    float64 `json:"endTime"`
		Confidence float64 `json:"confidence"`
	} `json:"words"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

type boardEntry struct {
	word DisplayWord
	fade *WordFade
}

// Board holds the active word bubbles and their fade lifecycles. Words enter
// via [Board.Add] or a channel subscription, fade out on their own timers,
// and leave the board when their fade completes. Safe for concurrent use.
type Board struct {
	mu           sync.Mutex
	fadeDuration time.Duration
	words        map[string]*boardEntry
	order        []string
	closed       bool

	// onChange, when set, fires after every board mutation, including timer
	// driven ones. Must not call back into the board.
	onChange func()
}

// BoardConfig configures a [Board].
type BoardConfig struct {
	// FadeDuration applies to every new word. Defaults to
	// [DefaultFadeDuration].
	FadeDuration time.Duration

	// OnChange is invoked after every mutation. May be nil.
	OnChange func()
}

// NewBoard creates an empty Board.
func NewBoard(cfg BoardConfig) *Board {
	if cfg.FadeDuration <= 0 {
		cfg.FadeDuration = DefaultFadeDuration
	}
	return &Board{
		fadeDuration: cfg.FadeDuration,
		words:        map[string]*boardEntry{},
		onChange:     cfg.OnChange,
	}
}

// Attach subscribes the board to a channel's transcription results. The
// returned function removes the subscription.
func (b *Board) Attach(ch *Channel) (unregister func()) {
	return ch.RegisterEventHandler(EventTranscriptionResult, func(payload json.RawMessage) {
		var res resultEvent
		if err := json.Unmarshal(payload, &res); err != nil {
			return
		}
		for _, w := range res.Words {
			b.Add(DisplayWord{
				ID:         w.ID,
				Word:       w.Word,
				StartTime:  w.StartTime,
				EndTime:    w.EndTime,
				Confidence: w.Confidence,
			})
		}
	})
}

// Add places a word on the board and starts its fade lifecycle.
func (b *Board) Add(word DisplayWord) {
	b.mu.Lock()
	if b.closed || word.ID == "" {
		b.mu.Unlock()
		return
	}
	if _, exists := b.words[word.ID]; exists {
		b.mu.Unlock()
		return
	}
	id := word.ID
	entry := &boardEntry{word: word}
	entry.fade = NewWordFade(WordFadeConfig{
		FadeDuration: b.fadeDuration,
		OnFade:       func() { b.changed() },
		OnRemove:     func() { b.remove(id) },
	})
	b.words[id] = entry
	b.order = append(b.order, id)
	b.mu.Unlock()
	b.changed()
}

// remove drops a word whose fade completed.
func (b *Board) remove(id string) {
	b.mu.Lock()
	if _, ok := b.words[id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.words, id)
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	b.changed()
}

// Pin keeps a word fully visible until unpinned.
func (b *Board) Pin(id string) {
	b.mu.Lock()
	entry := b.words[id]
	b.mu.Unlock()
	if entry == nil {
		return
	}
	entry.fade.Pin()
	b.changed()
}

// Unpin releases a pinned word, restarting its fade from zero.
func (b *Board) Unpin(id string) {
	b.mu.Lock()
	entry := b.words[id]
	b.mu.Unlock()
	if entry == nil {
		return
	}
	entry.fade.Unpin()
	b.changed()
}

// SetFadeDuration reconfigures every live word's fade timing.
func (b *Board) SetFadeDuration(d time.Duration) {
	if d <= 0 {
		d = DefaultFadeDuration
	}
	b.mu.Lock()
	b.fadeDuration = d
	entries := make([]*boardEntry, 0, len(b.words))
	for _, e := range b.words {
		entries = append(entries, e)
	}
	b.mu.Unlock()
	for _, e := range entries {
		e.fade.SetFadeDuration(d)
	}
	b.changed()
}

// Words returns the live bubbles in arrival order.
func (b *Board) Words() []DisplayWord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DisplayWord, 0, len(b.order))
	for _, id := range b.order {
		entry, ok := b.words[id]
		if !ok {
			continue
		}
		w := entry.word
		w.Pinned = entry.fade.IsPinned()
		w.Opacity = entry.fade.Opacity()
		out = append(out, w)
	}
	return out
}

// Close stops every fade timer and empties the board.
func (b *Board) Close() {
	b.mu.Lock()
	b.closed = true
	entries := make([]*boardEntry, 0, len(b.words))
	for _, e := range b.words {
		entries = append(entries, e)
	}
	b.words = map[string]*boardEntry{}
	b.order = nil
	b.mu.Unlock()
	for _, e := range entries {
		e.fade.Stop()
	}
}

func (b *Board) changed() {
	b.mu.Lock()
	cb := b.onChange
	closed := b.closed
	b.mu.Unlock()
	if cb != nil && !closed {
		cb()
	}
}

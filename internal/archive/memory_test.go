package archive

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreAppendAndTranscript(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	for i, text := range []string{"hello world", "second span", "third span"} {
		err := s.Append(ctx, Entry{
			SessionID:      "s1",
			Text:           text,
			WordCount:      2,
			ProcessingTime: 0.1,
			Timestamp:      base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Append(ctx, Entry{SessionID: "s2", Text: "other session"}); err != nil {
		t.Fatal(err)
	}

	entries, err := s.Transcript(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Text != "hello world" || entries[2].Text != "third span" {
		t.Errorf("order wrong: %v", entries)
	}

	// Limit keeps the most recent spans.
	entries, err = s.Transcript(ctx, "s1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Text != "second span" {
		t.Errorf("limited transcript = %v", entries)
	}
}

func TestMemoryStoreSkipsEmptySpans(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Append(ctx, Entry{SessionID: "s1", Text: ""}); err != nil {
		t.Fatal(err)
	}
	entries, err := s.Transcript(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("empty span archived: %v", entries)
	}
}

func TestMemoryStoreUnknownSessionIsEmpty(t *testing.T) {
	s := NewMemoryStore()
	entries, err := s.Transcript(context.Background(), "nope", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("got %v", entries)
	}
}

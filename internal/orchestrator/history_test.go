package orchestrator

import (
	"sync"
	"testing"
	"time"
)

func TestHistory(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fixed := func() time.Time { return base }

	t.Run("Add and Recent retrieval", func(t *testing.T) {
		t.Parallel()
		h := NewHistory(10, 5*time.Minute, fixed)

		h.Add(Entry{Speaker: userSpeaker, Text: "hello", At: base})
		h.Add(Entry{VoiceID: "v1", Speaker: "Ember", Text: "smoke", At: base})

		recent := h.Recent("", 10)
		if len(recent) != 2 {
			t.Fatalf("want 2 entries, got %d", len(recent))
		}
		if recent[0].Text != "hello" || recent[1].Text != "smoke" {
			t.Fatalf("unexpected entries: %+v", recent)
		}
	})

	t.Run("entries evicted by age", func(t *testing.T) {
		t.Parallel()
		h := NewHistory(10, time.Minute, fixed)

		h.Add(Entry{Text: "old", At: base.Add(-2 * time.Minute)}, Entry{Text: "new", At: base})

		entries := h.Entries()
		if len(entries) != 1 || entries[0].Text != "new" {
			t.Fatalf("want [new] after age eviction, got %+v", entries)
		}
	})

	t.Run("zero age keeps everything", func(t *testing.T) {
		t.Parallel()
		h := NewHistory(10, 0, fixed)

		h.Add(Entry{Text: "ancient", At: base.Add(-24 * time.Hour)})
		if got := len(h.Recent("", 10)); got != 1 {
			t.Fatalf("want 1 entry without age limit, got %d", got)
		}
	})

	t.Run("entries evicted by size", func(t *testing.T) {
		t.Parallel()
		h := NewHistory(2, 5*time.Minute, fixed)

		h.Add(Entry{Text: "a", At: base})
		h.Add(Entry{Text: "b", At: base})
		h.Add(Entry{Text: "c", At: base})

		entries := h.Entries()
		if len(entries) != 2 || entries[0].Text != "b" || entries[1].Text != "c" {
			t.Fatalf("want [b c] after size eviction, got %+v", entries)
		}
	})

	t.Run("Recent excludes voice", func(t *testing.T) {
		t.Parallel()
		h := NewHistory(10, 5*time.Minute, fixed)

		h.Add(
			Entry{VoiceID: "v1", Speaker: "Ember", Text: "mine", At: base},
			Entry{VoiceID: "v2", Speaker: "Hermit", Text: "other", At: base},
			Entry{Speaker: userSpeaker, Text: "user", At: base},
		)

		recent := h.Recent("v1", 10)
		if len(recent) != 2 {
			t.Fatalf("want 2 entries excluding v1, got %d", len(recent))
		}
		for _, e := range recent {
			if e.VoiceID == "v1" {
				t.Fatal("v1 entries should be excluded")
			}
		}
	})

	t.Run("Recent returns most recent in order", func(t *testing.T) {
		t.Parallel()
		h := NewHistory(20, 5*time.Minute, fixed)

		h.Add(Entry{Text: "first", At: base}, Entry{Text: "second", At: base}, Entry{Text: "third", At: base})

		recent := h.Recent("", 2)
		if len(recent) != 2 || recent[0].Text != "second" || recent[1].Text != "third" {
			t.Fatalf("want [second third], got %+v", recent)
		}
	})

	t.Run("Clear", func(t *testing.T) {
		t.Parallel()
		h := NewHistory(5, 0, fixed)

		h.Add(Entry{Text: "x", At: base})
		h.Clear()
		if got := len(h.Entries()); got != 0 {
			t.Fatalf("want empty history after Clear, got %d", got)
		}
	})

	t.Run("concurrent Add and Recent", func(t *testing.T) {
		t.Parallel()
		h := NewHistory(100, 5*time.Minute, fixed)

		var wg sync.WaitGroup
		for range 50 {
			wg.Add(2)
			go func() {
				defer wg.Done()
				h.Add(Entry{Text: "msg", At: base})
			}()
			go func() {
				defer wg.Done()
				_ = h.Recent("", 10)
			}()
		}
		wg.Wait()

		if got := len(h.Entries()); got != 50 {
			t.Fatalf("want 50 entries after concurrent adds, got %d", got)
		}
	})
}

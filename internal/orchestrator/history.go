package orchestrator

import (
	"slices"
	"sync"
	"time"
)

// History keeps the recent exchange of a session: the user's messages and
// the lines voices said in reply. Speaker, narration and reading prompts
// read from it so voices can react to each other.
//
// The history enforces both a maximum entry count and a maximum age.
// Entries beyond either limit are evicted on every [History.Add].
//
// All methods are safe for concurrent use.
type History struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
	maxAge  time.Duration
	now     func() time.Time
}

const userSpeaker = "User"

// Entry is one message or voice line.
type Entry struct {
	// VoiceID is empty for user messages.
	VoiceID string
	// Speaker is the voice name, or "User" for the user's messages.
	Speaker string
	Text    string
	At      time.Time
}

// NewHistory returns a history holding at most maxSize entries no older
// than maxAge. A non-positive maxAge disables age eviction.
func NewHistory(maxSize int, maxAge time.Duration, now func() time.Time) *History {
	if now == nil {
		now = time.Now
	}
	maxSize = max(maxSize, 1)
	return &History{
		entries: make([]Entry, 0, maxSize),
		maxSize: maxSize,
		maxAge:  maxAge,
		now:     now,
	}
}

// Add appends entries and evicts whatever exceeds the limits.
func (h *History) Add(entries ...Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, entries...)
	h.evict()
}

// Recent returns up to n live entries in chronological order, skipping lines
// said by excludeVoiceID.
func (h *History) Recent(excludeVoiceID string, n int) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cutoff := h.cutoff()
	out := make([]Entry, 0, min(n, len(h.entries)))
	for i := len(h.entries) - 1; i >= 0 && len(out) < n; i-- {
		e := h.entries[i]
		if !cutoff.IsZero() && e.At.Before(cutoff) {
			continue
		}
		if excludeVoiceID != "" && e.VoiceID == excludeVoiceID {
			continue
		}
		out = append(out, e)
	}
	slices.Reverse(out)
	return out
}

// Entries returns all current entries in chronological order.
func (h *History) Entries() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.entries)
}

// Clear drops every entry.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = make([]Entry, 0, h.maxSize)
}

func (h *History) cutoff() time.Time {
	if h.maxAge <= 0 {
		return time.Time{}
	}
	return h.now().Add(-h.maxAge)
}

// evict must be called with h.mu held. Survivors are copied to a fresh
// backing array so evicted text is not pinned for the life of the session.
func (h *History) evict() {
	start := 0
	if cutoff := h.cutoff(); !cutoff.IsZero() {
		for start < len(h.entries) && h.entries[start].At.Before(cutoff) {
			start++
		}
	}
	keep := h.entries[start:]
	if len(keep) > h.maxSize {
		keep = keep[len(keep)-h.maxSize:]
	}
	if len(keep) < len(h.entries) {
		fresh := make([]Entry, len(keep), h.maxSize)
		copy(fresh, keep)
		h.entries = fresh
	}
}

// Package voicestore owns the voice population of one chat session.
//
// A [Store] wraps a [voice.SessionState] and a [Persistence] backend. Every
// mutation copies the aggregate, applies the change, runs [voice.Sanitize],
// swaps the copy in and issues exactly one Save, so readers never observe a
// half-applied change. Expected refusals (deck full, unknown id, arcana taken)
// are reported through nil or false returns. Persistence failures are logged
// and counted but never returned: the in-memory state stays authoritative.
package voicestore

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/internal/voice"
)

// Option configures a [Store].
type Option func(*Store)

// WithMaxVoices sets the configured deck size. Values above
// [voice.ArcanaCount] or below 1 fall back to the arcana count.
func WithMaxVoices(n int) Option {
	return func(s *Store) { s.maxVoices = n }
}

// WithLogger sets the logger used for persistence warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics sets the metrics sink for persistence errors.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Patch carries the descriptive fields an explicit update may change. Nil
// fields are left alone.
type Patch struct {
	Name          *string
	Personality   *string
	SpeakingStyle *string
	Obsession     *string
	Opinion       *string
	BlindSpot     *string
	SelfAwareness *string
	VerbalTic     *string
	// Relationships entries are merged into the existing opinion map. An
	// empty opinion removes the entry.
	Relationships map[string]string
}

// Store is the session-scoped voice collection. All methods are safe for
// concurrent use.
type Store struct {
	mu        sync.RWMutex
	sessionID string
	state     *voice.SessionState
	persist   Persistence
	backend   string

	maxVoices int
	log       *slog.Logger
	metrics   *observe.Metrics
	now       func() time.Time
}

// New wraps an existing aggregate. A nil state starts empty. The state is
// sanitized but not saved.
func New(sessionID string, state *voice.SessionState, p Persistence, opts ...Option) *Store {
	s := &Store{
		sessionID: sessionID,
		state:     voice.Sanitize(state.Clone()),
		persist:   p,
		backend:   "unknown",
		log:       slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if n, ok := p.(Namer); ok {
		s.backend = n.Name()
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Open loads the aggregate for sessionID from p, sanitizing it, or creates
// and saves an empty one when nothing is stored yet.
func Open(ctx context.Context, sessionID string, p Persistence, opts ...Option) (*Store, error) {
	s := New(sessionID, nil, p, opts...)
	state, err := p.Load(ctx, sessionID)
	if err != nil {
		s.metrics.RecordPersistenceError(ctx, s.backend, "load")
		return nil, fmt.Errorf("voicestore: load session %q: %w", sessionID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if state == nil {
		s.save(ctx)
		return s, nil
	}
	s.state = voice.Sanitize(state)
	return s, nil
}

// SessionID returns the chat session this store belongs to.
func (s *Store) SessionID() string { return s.sessionID }

// Capacity is min(ArcanaCount, configured max).
func (s *Store) Capacity() int {
	if s.maxVoices <= 0 || s.maxVoices > voice.ArcanaCount {
		return voice.ArcanaCount
	}
	return s.maxVoices
}

// commit runs fn on a copy of the state. When fn reports a change the copy
// is sanitized, swapped in and saved once.
func (s *Store) commit(ctx context.Context, fn func(st *voice.SessionState) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.Clone()
	if !fn(next) {
		return false
	}
	s.state = voice.Sanitize(next)
	s.save(ctx)
	return true
}

// save must be called with mu held.
func (s *Store) save(ctx context.Context) {
	if s.persist == nil {
		return
	}
	if err := s.persist.Save(ctx, s.sessionID, s.state); err != nil {
		s.metrics.RecordPersistenceError(ctx, s.backend, "save")
		s.log.Warn("voicestore: save failed, keeping in-memory state",
			"session_id", s.sessionID, "backend", s.backend, "err", err)
	}
}

func (s *Store) terminate(st *voice.SessionState, v *voice.Voice, reason string) {
	at := s.now()
	v.State = voice.StateDead
	v.ResolvedAt = &at
	v.ResolveReason = reason
	st.DeathLog = append(st.DeathLog, voice.LifeEvent{
		VoiceID: v.ID,
		Name:    v.Name,
		Arcana:  v.ArcanaKey,
		Reason:  reason,
		At:      at,
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Mutations
// ─────────────────────────────────────────────────────────────────────────────

// Add inserts a new living voice built from candidate. It returns nil when
// the deck is at capacity, when the candidate's arcana is held by a living
// voice, or when no arcana is left for a candidate without a valid one.
//
// Add fills a missing or clashing id, stamps Created, derives State and
// records the birth.
func (s *Store) Add(ctx context.Context, candidate voice.Voice) *voice.Voice {
	c := candidate.Clone()
	ok := s.commit(ctx, func(st *voice.SessionState) bool {
		if len(st.Living()) >= s.Capacity() {
			return false
		}
		taken := st.TakenArcana()
		if a, valid := voice.ParseArcana(string(c.ArcanaKey)); valid {
			if slices.Contains(taken, a) {
				return false
			}
			c.ArcanaKey = a
		} else {
			free, found := voice.FirstFreeArcana(taken)
			if !found {
				return false
			}
			c.ArcanaKey = free
		}
		if c.ID == "" || st.Find(c.ID) != nil {
			c.ID = uuid.NewString()
		}

		now := s.now()
		if c.Created.IsZero() {
			c.Created = now
		}
		c.Influence = min(max(c.Influence, 0), 100)
		c.State = voice.DeriveState(c.Influence)
		c.ResolvedAt = nil
		c.ResolveReason = ""
		c.SilentStreak = 0
		voice.SanitizeVoice(&c, taken)

		st.Voices = append(st.Voices, c)
		st.BirthLog = append(st.BirthLog, voice.LifeEvent{
			VoiceID:   c.ID,
			Name:      c.Name,
			Arcana:    c.ArcanaKey,
			BirthType: c.BirthType,
			At:        now,
		})
		st.LastBirthAt = &now
		return true
	})
	if !ok {
		return nil
	}
	return s.Get(c.ID)
}

// Kill ends any living voice, endure types included.
func (s *Store) Kill(ctx context.Context, id, reason string) bool {
	if reason == "" {
		reason = "killed"
	}
	return s.commit(ctx, func(st *voice.SessionState) bool {
		v := st.Find(id)
		if v == nil || !v.Living() {
			return false
		}
		s.terminate(st, v, reason)
		return true
	})
}

// Resolve ends a living voice through its resolution path. Endure voices
// cannot resolve and are refused.
func (s *Store) Resolve(ctx context.Context, id, reason string) bool {
	if reason == "" {
		reason = "resolved"
	}
	return s.commit(ctx, func(st *voice.SessionState) bool {
		v := st.Find(id)
		if v == nil || !v.Living() || v.Endures() {
			return false
		}
		s.terminate(st, v, reason)
		return true
	})
}

// Consume ends the prey and lets feed change the predator in one commit.
// Both must be living and distinct, and the prey must be able to resolve.
func (s *Store) Consume(ctx context.Context, predatorID, preyID, reason string, feed func(pred *voice.Voice)) bool {
	if predatorID == preyID {
		return false
	}
	return s.commit(ctx, func(st *voice.SessionState) bool {
		pred, prey := st.Find(predatorID), st.Find(preyID)
		if pred == nil || prey == nil || !pred.Living() || !prey.Living() || prey.Endures() {
			return false
		}
		s.terminate(st, prey, reason)
		if feed != nil {
			feed(pred)
		}
		return true
	})
}

// Transform ends a living transform-type voice and returns the successor
// description. A voice stored without one yields a spec derived from its
// condition and depth. Nil means the voice was missing, dead or not of the
// transform type.
func (s *Store) Transform(ctx context.Context, id string) *voice.TransformSpec {
	var spec voice.TransformSpec
	ok := s.commit(ctx, func(st *voice.SessionState) bool {
		v := st.Find(id)
		if v == nil || !v.Living() || v.Resolution.Type != voice.ResolutionTransform {
			return false
		}
		if t := v.Resolution.TransformsInto; t != nil {
			spec = *t
		} else {
			spec = voice.TransformSpec{Hint: v.Resolution.Condition}
		}
		if spec.Hint == "" {
			spec.Hint = v.Obsession
		}
		if !spec.Depth.IsValid() {
			spec.Depth = v.Depth
		}
		s.terminate(st, v, voice.ResolutionTransform.ReasonTag())
		return true
	})
	if !ok {
		return nil
	}
	return &spec
}

// EgoDeath is the only way besides Kill to end an endure voice. Other
// voices are refused.
func (s *Store) EgoDeath(ctx context.Context, id string) bool {
	return s.commit(ctx, func(st *voice.SessionState) bool {
		v := st.Find(id)
		if v == nil || !v.Living() || !v.Endures() {
			return false
		}
		s.terminate(st, v, "ego death")
		return true
	})
}

// Update applies a descriptive patch to a living or dead voice.
func (s *Store) Update(ctx context.Context, id string, p Patch) bool {
	return s.commit(ctx, func(st *voice.SessionState) bool {
		v := st.Find(id)
		if v == nil {
			return false
		}
		set := func(dst *string, src *string) {
			if src != nil {
				*dst = *src
			}
		}
		set(&v.Name, p.Name)
		set(&v.Personality, p.Personality)
		set(&v.SpeakingStyle, p.SpeakingStyle)
		set(&v.Obsession, p.Obsession)
		set(&v.Opinion, p.Opinion)
		set(&v.BlindSpot, p.BlindSpot)
		set(&v.SelfAwareness, p.SelfAwareness)
		set(&v.VerbalTic, p.VerbalTic)
		for target, opinion := range p.Relationships {
			if opinion == "" {
				delete(v.Relationships, target)
				continue
			}
			if v.Relationships == nil {
				v.Relationships = map[string]string{}
			}
			v.Relationships[target] = opinion
		}
		return true
	})
}

// AdjustInfluence adds delta to a living voice's influence, clamps to 0–100
// and re-derives State unless the voice is hijacking.
func (s *Store) AdjustInfluence(ctx context.Context, id string, delta int) bool {
	return s.AdjustInfluences(ctx, map[string]int{id: delta}) == 1
}

// AdjustInfluences applies several deltas in one write and returns how many
// voices were changed.
func (s *Store) AdjustInfluences(ctx context.Context, deltas map[string]int) int {
	n := 0
	s.commit(ctx, func(st *voice.SessionState) bool {
		for id, d := range deltas {
			v := st.Find(id)
			if v == nil || !v.Living() {
				continue
			}
			v.Influence = min(max(v.Influence+d, 0), 100)
			if v.State != voice.StateHijacking {
				v.State = voice.DeriveState(v.Influence)
			}
			n++
		}
		return n > 0
	})
	return n
}

// SetState sets a non-terminal state on a living voice. Use Kill and friends
// for dead.
func (s *Store) SetState(ctx context.Context, id string, state voice.State) bool {
	if !state.IsValid() || state == voice.StateDead {
		return false
	}
	return s.commit(ctx, func(st *voice.SessionState) bool {
		v := st.Find(id)
		if v == nil || !v.Living() {
			return false
		}
		v.State = state
		return true
	})
}

// SetRelationship sets a living voice's stance toward the user.
func (s *Store) SetRelationship(ctx context.Context, id string, r voice.Relationship) bool {
	if !r.IsValid() {
		return false
	}
	return s.commit(ctx, func(st *voice.SessionState) bool {
		v := st.Find(id)
		if v == nil || !v.Living() {
			return false
		}
		v.Relationship = r
		return true
	})
}

// SetOpinion records what voice id thinks of voice targetID.
func (s *Store) SetOpinion(ctx context.Context, id, targetID, opinion string) bool {
	if id == targetID {
		return false
	}
	return s.Update(ctx, id, Patch{Relationships: map[string]string{targetID: opinion}})
}

// RecordTurn updates speech bookkeeping for every living voice. Voices with
// non-empty text in spoken reset their silent streak; all others grow it.
func (s *Store) RecordTurn(ctx context.Context, spoken map[string]string) {
	at := s.now()
	s.commit(ctx, func(st *voice.SessionState) bool {
		for _, v := range st.Living() {
			text := spoken[v.ID]
			if text == "" {
				v.SilentStreak++
				continue
			}
			v.SilentStreak = 0
			v.LastCommentary = text
			t := at
			v.LastSpoke = &t
		}
		return true
	})
}

// Mutate applies fn to a copy of the aggregate and commits it. It is the
// batched write path for engines that touch counters or several voices at
// once.
func (s *Store) Mutate(ctx context.Context, fn func(st *voice.SessionState)) {
	s.commit(ctx, func(st *voice.SessionState) bool {
		fn(st)
		return true
	})
}

// Purge removes a dead voice's record and every opinion held about it.
// Living voices must be ended first.
func (s *Store) Purge(ctx context.Context, id string) bool {
	return s.commit(ctx, func(st *voice.SessionState) bool {
		idx := slices.IndexFunc(st.Voices, func(v voice.Voice) bool { return v.ID == id })
		if idx < 0 || st.Voices[idx].Living() {
			return false
		}
		st.Voices = slices.Delete(st.Voices, idx, idx+1)
		for i := range st.Voices {
			delete(st.Voices[i].Relationships, id)
		}
		return true
	})
}

// Reset discards every voice and counter of the session.
func (s *Store) Reset(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = voice.NewSessionState()
	s.save(ctx)
}

// ─────────────────────────────────────────────────────────────────────────────
// Accessors
// ─────────────────────────────────────────────────────────────────────────────

// Snapshot returns a deep copy of the aggregate.
func (s *Store) Snapshot() *voice.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Get returns a copy of the voice with id, dead or alive, or nil.
func (s *Store) Get(id string) *voice.Voice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.state.Find(id)
	if v == nil {
		return nil
	}
	c := v.Clone()
	return &c
}

// All returns copies of every voice record, including dead ones.
func (s *Store) All() []voice.Voice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]voice.Voice, len(s.state.Voices))
	for i, v := range s.state.Voices {
		out[i] = v.Clone()
	}
	return out
}

// Living returns copies of the living voices in insertion order.
func (s *Store) Living() []voice.Voice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]voice.Voice, 0, len(s.state.Voices))
	for _, v := range s.state.Voices {
		if v.Living() {
			out = append(out, v.Clone())
		}
	}
	return out
}

// LivingCount is the number of living voices.
func (s *Store) LivingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.Living())
}

// Full reports whether Add would be refused for capacity.
func (s *Store) Full() bool {
	return s.LivingCount() >= s.Capacity()
}

// Weakest returns the living non-core voice with the lowest influence, or nil.
func (s *Store) Weakest() *voice.Voice {
	return s.pick(func(v *voice.Voice) bool { return v.Depth != voice.DepthCore },
		func(a, b *voice.Voice) bool { return a.Influence < b.Influence })
}

// Strongest returns the living voice with the highest influence, or nil.
func (s *Store) Strongest() *voice.Voice {
	return s.pick(func(*voice.Voice) bool { return true },
		func(a, b *voice.Voice) bool { return a.Influence > b.Influence })
}

func (s *Store) pick(keep func(*voice.Voice) bool, better func(a, b *voice.Voice) bool) *voice.Voice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *voice.Voice
	for _, v := range s.state.Living() {
		if keep(v) && (best == nil || better(v, best)) {
			best = v
		}
	}
	if best == nil {
		return nil
	}
	c := best.Clone()
	return &c
}

// TakenArcana lists arcana held by living voices.
func (s *Store) TakenArcana() []voice.Arcana {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.TakenArcana()
}

// UsedDomains lists metaphor domains held by living voices.
func (s *Store) UsedDomains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.UsedDomains()
}

// Escalation returns the current session escalation.
func (s *Store) Escalation() voice.Escalation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Escalation
}

// Accumulators returns a copy of the per-theme accumulators.
func (s *Store) Accumulators() map[voice.Theme]voice.Accumulator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.state.Accumulators)
}

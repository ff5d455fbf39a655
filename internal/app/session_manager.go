package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/chorus/internal/birth"
	"github.com/MrWong99/chorus/internal/classify"
	"github.com/MrWong99/chorus/internal/config"
	"github.com/MrWong99/chorus/internal/generate"
	"github.com/MrWong99/chorus/internal/influence"
	"github.com/MrWong99/chorus/internal/lifecycle"
	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/internal/orchestrator"
	"github.com/MrWong99/chorus/internal/phonetic"
	"github.com/MrWong99/chorus/internal/voicestore"
)

// ErrClosed is returned once the session manager has shut down.
var ErrClosed = errors.New("app: session manager closed")

// SessionInfo holds metadata about a session held in memory.
type SessionInfo struct {
	SessionID string    `json:"sessionId"`
	OpenedAt  time.Time `json:"openedAt"`
	LastUsed  time.Time `json:"lastUsed"`
	Living    int       `json:"living"`
	Messages  int       `json:"messages"`
}

type session struct {
	orch     *orchestrator.Orchestrator
	openedAt time.Time

	// lastUsed is guarded by SessionManager.mu.
	lastUsed time.Time
}

// SessionManager owns one orchestrator per chat session. Sessions are opened
// lazily from persistence on first use and dropped from memory when idle.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session
	// opening deduplicates concurrent first use of the same session.
	opening map[string]chan struct{}
	engine  config.EngineConfig
	persona []string
	closed  bool

	persist    voicestore.Persistence
	classifier classify.Classifier
	generator  generate.Generator
	matcher    *phonetic.Matcher
	metrics    *observe.Metrics
	log        *slog.Logger
	now        func() time.Time
	idle       time.Duration
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Persistence voicestore.Persistence
	Classifier  classify.Classifier
	Generator   generate.Generator
	Engine      config.EngineConfig
	// Personas seed every session that has never had a voice.
	Personas []string
	// Idle drops sessions unused for this long from memory. Zero keeps them.
	Idle time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		sessions:   make(map[string]*session),
		opening:    make(map[string]chan struct{}),
		engine:     cfg.Engine,
		persona:    cfg.Personas,
		persist:    cfg.Persistence,
		classifier: cfg.Classifier,
		generator:  cfg.Generator,
		matcher:    phonetic.New(),
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
		now:        cfg.Now,
		idle:       cfg.Idle,
	}
	if sm.persist == nil {
		sm.persist = voicestore.NewMemPersistence()
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.log == nil {
		sm.log = slog.Default()
	}
	if sm.now == nil {
		sm.now = func() time.Time { return time.Now().UTC() }
	}
	return sm
}

// Get returns the orchestrator for sessionID, opening the session from
// persistence on first use.
func (sm *SessionManager) Get(ctx context.Context, sessionID string) (*orchestrator.Orchestrator, error) {
	if sessionID == "" {
		return nil, errors.New("app: session id is required")
	}
	for {
		sm.mu.Lock()
		if sm.closed {
			sm.mu.Unlock()
			return nil, ErrClosed
		}
		if s, ok := sm.sessions[sessionID]; ok {
			s.lastUsed = sm.now()
			sm.mu.Unlock()
			return s.orch, nil
		}
		wait, busy := sm.opening[sessionID]
		if !busy {
			done := make(chan struct{})
			sm.opening[sessionID] = done
			engine, personas := sm.engine, sm.persona
			sm.mu.Unlock()

			orch, err := sm.open(ctx, sessionID, engine, personas)

			sm.mu.Lock()
			delete(sm.opening, sessionID)
			close(done)
			if err == nil && !sm.closed {
				now := sm.now()
				sm.sessions[sessionID] = &session{orch: orch, openedAt: now, lastUsed: now}
				sm.metrics.ActiveSessions.Add(ctx, 1)
			}
			closed := sm.closed
			sm.mu.Unlock()
			if err != nil {
				return nil, err
			}
			if closed {
				return nil, ErrClosed
			}
			return orch, nil
		}
		sm.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("app: open session %q: %w", sessionID, ctx.Err())
		}
	}
}

// open builds the store, engines and orchestrator for one session and seeds
// it from personas when it has never had a voice.
func (sm *SessionManager) open(ctx context.Context, sessionID string, engine config.EngineConfig, personas []string) (*orchestrator.Orchestrator, error) {
	log := sm.log.With("session_id", sessionID)

	store, err := voicestore.Open(ctx, sessionID, sm.persist,
		voicestore.WithMaxVoices(engine.MaxVoices),
		voicestore.WithLogger(log),
		voicestore.WithMetrics(sm.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("app: open session %q: %w", sessionID, err)
	}

	life := lifecycle.New(lifecycle.WithConfig(engine.LifecycleConfig()), lifecycle.WithLogger(log))
	orch, err := orchestrator.New(store, orchestrator.Deps{
		Classifier: sm.classifier,
		Generator:  sm.generator,
		Influence:  influence.New(influence.WithConfig(engine.InfluenceConfig()), influence.WithLogger(log)),
		Lifecycle:  life,
		Birth:      birth.New(sm.generator, life, birth.WithConfig(engine.BirthConfig()), birth.WithLogger(log)),
		Matcher:    sm.matcher,
	},
		orchestrator.WithConfig(engine.OrchestratorConfig()),
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(sm.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("app: open session %q: %w", sessionID, err)
	}

	if len(personas) > 0 && len(store.All()) == 0 {
		res, err := orch.SeedFromPersona(ctx, personas...)
		if err != nil {
			// An unseeded session still works; births fill it over time.
			log.Warn("app: persona seeding failed", "err", err)
		} else if res != nil {
			log.Info("app: session seeded from persona", "voices", len(res.Born))
			sm.runFollowUps(ctx, orch, res.FollowUps)
		}
	}
	log.Info("app: session opened", "living", store.LivingCount())
	return orch, nil
}

// ProcessMessage runs one user message through the session's pipeline and
// then runs the follow-ups it produced. A session closed underneath the
// call is reopened and the message retried.
func (sm *SessionManager) ProcessMessage(ctx context.Context, sessionID, text string) (*orchestrator.Result, error) {
	for {
		orch, err := sm.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		res, err := orch.ProcessMessage(ctx, text)
		if errors.Is(err, orchestrator.ErrClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sm.runFollowUps(ctx, orch, res.FollowUps)
		return res, nil
	}
}

// runFollowUps runs opinion follow-ups inline. Failures are logged; a
// missing opinion only means a voice has no view of a newcomer yet.
func (sm *SessionManager) runFollowUps(ctx context.Context, orch *orchestrator.Orchestrator, fs []orchestrator.FollowUp) {
	for _, f := range fs {
		if _, err := orch.RunFollowUp(ctx, f); err != nil {
			if ctx.Err() != nil {
				return
			}
			observe.Logger(ctx).Debug("app: follow-up failed", "kind", f.Kind, "voice_id", f.VoiceID, "err", err)
		}
	}
}

// List returns metadata for every session held in memory, sorted by id.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, id := range slices.Sorted(maps.Keys(sm.sessions)) {
		s := sm.sessions[id]
		st := s.orch.State()
		out = append(out, SessionInfo{
			SessionID: id,
			OpenedAt:  s.openedAt,
			LastUsed:  s.lastUsed,
			Living:    len(st.Living()),
			Messages:  st.MessageCount,
		})
	}
	return out
}

// Close drops sessionID from memory once its running pipeline, if any, has
// finished. Its persisted state is kept.
func (sm *SessionManager) Close(ctx context.Context, sessionID string) bool {
	ok, err := sm.drop(ctx, sessionID, nil, false)
	if err != nil {
		sm.log.Warn("app: session close failed", "session_id", sessionID, "err", err)
		return false
	}
	return ok
}

// Delete drops sessionID from memory and removes its persisted state.
func (sm *SessionManager) Delete(ctx context.Context, sessionID string) error {
	_, err := sm.drop(ctx, sessionID, nil, true)
	return err
}

// drop removes sessionID from memory when keep is nil or reports false for
// it. The id is held like an opening session until the orchestrator is
// drained, so Get cannot start a second pipeline for it meanwhile. With
// purge the persisted state is deleted before the id is released.
func (sm *SessionManager) drop(ctx context.Context, sessionID string, keep func(*session) bool, purge bool) (bool, error) {
	sm.mu.Lock()
	for {
		wait, busy := sm.opening[sessionID]
		if !busy {
			break
		}
		sm.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return false, fmt.Errorf("app: drop session %q: %w", sessionID, ctx.Err())
		}
		sm.mu.Lock()
	}
	s, ok := sm.sessions[sessionID]
	if ok && keep != nil && keep(s) {
		sm.mu.Unlock()
		return false, nil
	}
	if ok {
		delete(sm.sessions, sessionID)
		sm.metrics.ActiveSessions.Add(ctx, -1)
	}
	done := make(chan struct{})
	sm.opening[sessionID] = done
	sm.mu.Unlock()

	release := func(restore *session) {
		sm.mu.Lock()
		if restore != nil && !sm.closed {
			sm.sessions[sessionID] = restore
			sm.metrics.ActiveSessions.Add(ctx, 1)
		}
		delete(sm.opening, sessionID)
		close(done)
		sm.mu.Unlock()
	}

	if ok {
		if err := s.orch.Close(ctx); err != nil {
			release(s)
			return false, fmt.Errorf("app: drop session %q: %w", sessionID, err)
		}
	}
	if purge {
		if err := sm.persist.Delete(ctx, sessionID); err != nil {
			release(nil)
			return ok, fmt.Errorf("app: delete session %q: %w", sessionID, err)
		}
	}
	release(nil)
	if ok {
		sm.log.Info("app: session closed", "session_id", sessionID, "purged", purge)
	}
	return ok, nil
}

// ApplyEngine replaces the engine tunables and personas used for sessions
// opened from now on. Open sessions keep theirs until they are reopened.
func (sm *SessionManager) ApplyEngine(engine config.EngineConfig, personas []string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.engine = engine
	sm.persona = slices.Clone(personas)
}

// Reap closes sessions idle for longer than the configured idle timeout and
// returns their ids. A session in use again by the time it is drained is
// kept.
func (sm *SessionManager) Reap(ctx context.Context) []string {
	if sm.idle <= 0 {
		return nil
	}
	sm.mu.Lock()
	cutoff := sm.now().Add(-sm.idle)
	var idle []string
	for id, s := range sm.sessions {
		if s.lastUsed.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	sm.mu.Unlock()
	slices.Sort(idle)

	inUse := func(s *session) bool { return !s.lastUsed.Before(cutoff) }
	var reaped []string
	for _, id := range idle {
		ok, err := sm.drop(ctx, id, inUse, false)
		if err != nil {
			sm.log.Warn("app: reap failed", "session_id", id, "err", err)
			continue
		}
		if ok {
			reaped = append(reaped, id)
		}
	}
	if len(reaped) > 0 {
		sm.log.Info("app: idle sessions closed", "sessions", reaped)
	}
	return reaped
}

// RunReaper calls [SessionManager.Reap] every interval until ctx is done.
func (sm *SessionManager) RunReaper(ctx context.Context, interval time.Duration) {
	if sm.idle <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.Reap(ctx)
		}
	}
}

// Shutdown rejects further use, waits for running pipelines and drops
// every session. State is already persisted after every mutation, so
// nothing is flushed here.
func (sm *SessionManager) Shutdown(ctx context.Context) {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return
	}
	sm.closed = true
	live := make([]*session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		live = append(live, s)
	}
	if n := len(live); n > 0 {
		sm.metrics.ActiveSessions.Add(ctx, -int64(n))
	}
	clear(sm.sessions)
	sm.mu.Unlock()

	for _, s := range live {
		if err := s.orch.Close(ctx); err != nil {
			sm.log.Warn("app: session did not drain before shutdown", "err", err)
		}
	}
}

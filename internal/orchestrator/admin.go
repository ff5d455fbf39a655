package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/internal/voice"
)

// ReasonKilled is recorded when the user kills a voice without a reason.
const ReasonKilled = "killed by user"

// lock serialises a user action against running pipelines.
func (o *Orchestrator) lock(ctx context.Context) (context.Context, func(), error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, fmt.Errorf("orchestrator: %w", err)
	}
	if o.closed.Load() {
		o.sem.Release(1)
		return nil, nil, ErrClosed
	}
	return observe.WithSession(ctx, o.store.SessionID()), func() { o.sem.Release(1) }, nil
}

// Close waits for the running pipeline, draw or admin action to finish and
// makes every later call fail with [ErrClosed]. It is safe to call more
// than once.
func (o *Orchestrator) Close(ctx context.Context) error {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("orchestrator: close: %w", err)
	}
	o.closed.Store(true)
	o.sem.Release(1)
	return nil
}

// KillVoice ends a living voice, endure voices included. It reports false
// for unknown or dead voices.
func (o *Orchestrator) KillVoice(ctx context.Context, id, reason string) (bool, error) {
	ctx, unlock, err := o.lock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	if reason == "" {
		reason = ReasonKilled
	}
	if !o.store.Kill(ctx, id, reason) {
		return false, nil
	}
	o.metrics.RecordDeath(ctx, string(voice.EventKilled))
	observe.Logger(ctx).Info("orchestrator: voice killed", "voice_id", id, "reason", reason)
	return true, nil
}

// EgoDeath ends a core endure voice. Other voices are refused.
func (o *Orchestrator) EgoDeath(ctx context.Context, id string) (bool, error) {
	ctx, unlock, err := o.lock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	if !o.store.EgoDeath(ctx, id) {
		return false, nil
	}
	o.metrics.RecordDeath(ctx, "ego_death")
	observe.Logger(ctx).Info("orchestrator: ego death", "voice_id", id)
	return true, nil
}

// PurgeVoice removes a dead voice's record and every opinion about it.
func (o *Orchestrator) PurgeVoice(ctx context.Context, id string) (bool, error) {
	ctx, unlock, err := o.lock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()
	return o.store.Purge(ctx, id), nil
}

// ResetSession discards every voice, counter and the recent exchange.
func (o *Orchestrator) ResetSession(ctx context.Context) error {
	ctx, unlock, err := o.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	o.store.Reset(ctx)
	o.history.Clear()
	o.lastThemes = nil
	observe.Logger(ctx).Info("orchestrator: session reset")
	return nil
}

// SeedFromPersona populates an empty session from persona source texts.
// The result lists the born voices and their opinion follow-ups; it is nil
// when the session already has living voices.
func (o *Orchestrator) SeedFromPersona(ctx context.Context, sources ...string) (*Result, error) {
	ctx, unlock, err := o.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	start := time.Now()
	outs, err := o.deps.Birth.SeedFromPersona(ctx, o.store, sources...)
	o.observeCall(ctx, "generator", start, err)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: seed from persona: %w", err)
	}
	if outs == nil {
		return nil, nil
	}
	res := &Result{
		Message:        o.store.Snapshot().MessageCount,
		EscalationFrom: o.store.Escalation(),
		EscalationTo:   o.store.Escalation(),
	}
	for _, out := range outs {
		res.Events = append(res.Events, out.Events...)
		res.Born = append(res.Born, *out.Voice)
		o.metrics.RecordBirth(ctx, string(out.Voice.BirthType))
	}
	res.FollowUps = o.opinionFollowUps(res.Born)
	return res, nil
}

// Voices returns the living voices.
func (o *Orchestrator) Voices() []voice.Voice {
	return o.store.Living()
}

// State returns a deep copy of the session aggregate.
func (o *Orchestrator) State() *voice.SessionState {
	return o.store.Snapshot()
}

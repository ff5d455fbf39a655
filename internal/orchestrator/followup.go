package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/chorus/internal/voice"
)

// FollowUpKind names a deferred task the host schedules after a message.
type FollowUpKind string

// FollowUpOpinion asks for VoiceID's opinion of TargetID.
const FollowUpOpinion FollowUpKind = "opinion_update"

// FollowUp is a task returned in a [Result] for the host to run later with
// [Orchestrator.RunFollowUp].
type FollowUp struct {
	Kind     FollowUpKind `json:"kind"`
	VoiceID  string       `json:"voiceId"`
	TargetID string       `json:"targetId"`
}

// opinionFollowUps asks every newborn for an opinion of every other living
// voice and every other living voice for an opinion of the newborn. Each
// ordered pair appears once.
func (o *Orchestrator) opinionFollowUps(born []voice.Voice) []FollowUp {
	var out []FollowUp
	seen := map[[2]string]bool{}
	add := func(holder, target string) {
		k := [2]string{holder, target}
		if seen[k] {
			return
		}
		seen[k] = true
		out = append(out, FollowUp{Kind: FollowUpOpinion, VoiceID: holder, TargetID: target})
	}
	living := o.store.Living()
	for _, b := range born {
		for _, v := range living {
			if v.ID == b.ID {
				continue
			}
			add(b.ID, v.ID)
			add(v.ID, b.ID)
		}
	}
	return out
}

// RunFollowUp executes f. It reports false without error when either voice
// is gone by the time the task runs. Generator failures are returned.
func (o *Orchestrator) RunFollowUp(ctx context.Context, f FollowUp) (bool, error) {
	if f.Kind != FollowUpOpinion {
		return false, fmt.Errorf("orchestrator: unknown follow-up kind %q", f.Kind)
	}
	ctx, unlock, err := o.lock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	holder, target := o.store.Get(f.VoiceID), o.store.Get(f.TargetID)
	if holder == nil || target == nil || !holder.Living() || !target.Living() {
		return false, nil
	}
	start := time.Now()
	raw, err := o.deps.Generator.Generate(ctx, opinionPrompt(*holder, *target), o.cfg.OpinionMaxTokens)
	o.observeCall(ctx, "generator", start, err)
	if err != nil {
		return false, fmt.Errorf("orchestrator: opinion of %s about %s: %w", holder.Name, target.Name, err)
	}
	opinion := cleanText(raw)
	if opinion == "" {
		return false, nil
	}
	return o.store.SetOpinion(ctx, holder.ID, target.ID, opinion), nil
}

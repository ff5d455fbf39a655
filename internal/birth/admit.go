package birth

import (
	"context"

	"github.com/MrWong99/chorus/internal/voice"
	"github.com/MrWong99/chorus/internal/voicestore"
)

// ReasonReleased is recorded on the voice the heal policy ends.
const ReasonReleased = "released to make room"

// Admit applies the deck-full policy. It returns the events of voices ended
// or born to make room and whether a slot is now free. Block never frees a
// slot; merge falls back to heal when no pair shares a trigger.
func (e *Engine) Admit(ctx context.Context, store *voicestore.Store) ([]voice.Event, bool) {
	if !store.Full() {
		return nil, true
	}
	switch e.cfg.Policy {
	case PolicyHeal:
		return e.healWeakest(ctx, store)
	case PolicyMerge:
		if pair := e.life.FindMerge(store, nil, e.now(), true); pair != nil {
			events := e.life.ResolveMerge(ctx, store, pair)
			if len(events) > 0 {
				out, err := e.Merge(ctx, store, pair)
				if err != nil {
					e.log.Warn("birth: admission merge produced no successor", "err", err)
				}
				if out != nil {
					events = append(events, out.Events...)
				}
				return events, !store.Full()
			}
		}
		return e.healWeakest(ctx, store)
	case PolicyConsume:
		ev := e.life.ForceConsume(ctx, store)
		if ev == nil {
			return nil, false
		}
		return []voice.Event{*ev}, !store.Full()
	}
	return nil, false
}

func (e *Engine) healWeakest(ctx context.Context, store *voicestore.Store) ([]voice.Event, bool) {
	w := store.Weakest()
	if w == nil || !store.Resolve(ctx, w.ID, ReasonReleased) {
		return nil, false
	}
	e.log.Info("birth: voice released to make room", "voice_id", w.ID, "name", w.Name)
	return []voice.Event{{
		Kind:    voice.EventResolved,
		VoiceID: w.ID,
		Name:    w.Name,
		Reason:  ReasonReleased,
	}}, true
}

package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/internal/participation"
	"github.com/MrWong99/chorus/internal/voice"
)

// Card is one position of a reading.
type Card struct {
	Position participation.Position `json:"position"`
	Arcana   voice.Arcana           `json:"arcana"`
	Reversed bool                   `json:"reversed"`
	// VoiceID and Voice name the voice reading this position.
	VoiceID string `json:"voiceId"`
	Voice   string `json:"voice"`
	// Text is empty when the reading could not be generated.
	Text string `json:"text,omitempty"`
}

// Reading is a completed draw.
type Reading struct {
	Spread participation.Spread `json:"spread"`
	Mode   DrawMode             `json:"mode"`
	Cards  []Card               `json:"cards"`
	At     time.Time            `json:"at"`
}

// ManualDraw draws spread on the user's request, using the themes of the
// last processed message. It returns [ErrDrawInProgress] while another draw
// holds the draw lock and nil without error when no voice is alive.
func (o *Orchestrator) ManualDraw(ctx context.Context, spread participation.Spread) (*Reading, error) {
	if !spread.IsValid() {
		return nil, fmt.Errorf("orchestrator: unknown spread %q", spread)
	}
	if !o.drawing.CompareAndSwap(false, true) {
		return nil, ErrDrawInProgress
	}
	defer o.drawing.Store(false)

	ctx, unlock, err := o.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx, span := observe.StartSpan(ctx, "orchestrator.ManualDraw")
	defer span.End()
	return o.draw(ctx, spread, DrawManual, o.lastThemes, ""), nil
}

// autoDraw decides whether the message triggers a draw. Heavy messages pick
// a spread by severity; otherwise a single card is drawn once
// AutoDrawInterval messages passed without one. Manual mode and a held draw
// lock suppress auto draws.
func (p *pipeline) autoDraw(ctx context.Context) *Reading {
	o := p.o
	since := o.store.Snapshot().MessagesSinceDraw + 1
	bump := func() {
		o.store.Mutate(ctx, func(st *voice.SessionState) { st.MessagesSinceDraw = since })
	}
	if o.cfg.DrawMode != DrawAuto {
		bump()
		return nil
	}

	spread, ok := o.cfg.Severity.SpreadFor(p.res.Classification.Impact)
	if !ok && o.cfg.AutoDrawInterval > 0 && since >= o.cfg.AutoDrawInterval {
		spread, ok = participation.SpreadSingle, true
	}
	if !ok {
		bump()
		return nil
	}
	if !o.drawing.CompareAndSwap(false, true) {
		observe.Logger(ctx).Debug("orchestrator: auto draw suppressed by draw lock")
		bump()
		return nil
	}
	defer o.drawing.Store(false)

	r := o.draw(ctx, spread, DrawAuto, p.res.Classification.Themes, p.text)
	if r == nil {
		bump()
	}
	return r
}

// draw assigns voices to the spread's positions, generates every position's
// reading concurrently and stores the drawn voices' triggers for the next
// message's advice drift. Failed readings keep an empty text.
func (o *Orchestrator) draw(ctx context.Context, spread participation.Spread, mode DrawMode, themes []voice.Theme, text string) *Reading {
	living := o.store.Living()
	assignments := participation.SelectForSpread(living, spread.Positions(), themes, o.rng)
	if len(assignments) == 0 {
		return nil
	}

	r := &Reading{Spread: spread, Mode: mode, At: o.now(), Cards: o.deal(assignments)}
	var g errgroup.Group
	for i := range r.Cards {
		card := &r.Cards[i]
		v := assignments[i].Voice
		g.Go(func() error {
			start := time.Now()
			raw, err := o.deps.Generator.Generate(ctx, readingPrompt(*card, v, spread, themes, text), o.cfg.ReadingMaxTokens)
			o.observeCall(ctx, "generator", start, err)
			if err != nil {
				return fmt.Errorf("reading %s: %w", card.Position, err)
			}
			card.Text = cleanText(raw)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		observe.Logger(ctx).Info("orchestrator: reading incomplete", "spread", spread, "err", err)
	}

	trace := &voice.ReadingTrace{At: r.At}
	for _, a := range assignments {
		if slices.ContainsFunc(trace.Voices, func(rv voice.ReadingVoice) bool { return rv.VoiceID == a.Voice.ID }) {
			continue
		}
		trace.Voices = append(trace.Voices, voice.ReadingVoice{
			VoiceID: a.Voice.ID,
			Raises:  slices.Clone(a.Voice.Triggers.Raises),
			Lowers:  slices.Clone(a.Voice.Triggers.Lowers),
		})
	}
	o.store.Mutate(ctx, func(st *voice.SessionState) {
		st.MessagesSinceDraw = 0
		st.LastReading = trace
	})
	o.metrics.RecordDraw(ctx, string(spread), string(mode))
	return r
}

// deal turns assignments into cards. A voice reading its first position
// shows its own arcana; a reused voice gets a random arcana not yet in the
// reading. Reversal is random.
func (o *Orchestrator) deal(assignments []participation.Assignment) []Card {
	cards := make([]Card, len(assignments))
	var shown []voice.Arcana
	for i, a := range assignments {
		arcana := a.Voice.ArcanaKey
		if slices.Contains(shown, arcana) {
			var free []voice.Arcana
			for _, c := range voice.AllArcana() {
				if !slices.Contains(shown, c) {
					free = append(free, c)
				}
			}
			arcana = free[o.rng.IntN(len(free))]
		}
		shown = append(shown, arcana)
		cards[i] = Card{
			Position: a.Position,
			Arcana:   arcana,
			Reversed: o.rng.Float64() < 0.5,
			VoiceID:  a.Voice.ID,
			Voice:    a.Voice.Name,
		}
	}
	return cards
}

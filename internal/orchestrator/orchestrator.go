// Package orchestrator runs the per-message pipeline of one chat session.
//
// A message is classified, then the engines mutate the voice store in a
// fixed order: influence deltas, relationship drift, escalation, lifecycle,
// one deck change (birth, consume or merge), speaker selection and
// commentary, ambient narration and finally an optional card draw. Every
// collaborator failure is logged, counted and treated as no output for that
// step; it never aborts the rest of the pipeline.
//
// Pipeline runs, manual draws and admin actions of one session are
// serialised. One Orchestrator owns exactly one [voicestore.Store].
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/chorus/internal/birth"
	"github.com/MrWong99/chorus/internal/classify"
	"github.com/MrWong99/chorus/internal/generate"
	"github.com/MrWong99/chorus/internal/influence"
	"github.com/MrWong99/chorus/internal/lifecycle"
	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/internal/participation"
	"github.com/MrWong99/chorus/internal/phonetic"
	"github.com/MrWong99/chorus/internal/voice"
	"github.com/MrWong99/chorus/internal/voicestore"
)

// ErrDrawInProgress is returned by [Orchestrator.ManualDraw] while another
// draw holds the draw lock.
var ErrDrawInProgress = errors.New("orchestrator: draw in progress")

// ErrClosed is returned by calls made after [Orchestrator.Close].
var ErrClosed = errors.New("orchestrator: closed")

// Rand is the randomness source shared by the stochastic engines.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// Deps are the collaborators and engines a pipeline runs with. Classifier
// and Generator are required; nil engines are replaced by defaults.
type Deps struct {
	Classifier classify.Classifier
	Generator  generate.Generator
	Influence  *influence.Engine
	Lifecycle  *lifecycle.Engine
	Birth      *birth.Engine
	Matcher    *phonetic.Matcher
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithConfig replaces the pipeline tunables. Invalid values fall back to
// the defaults.
func WithConfig(c Config) Option {
	return func(o *Orchestrator) { o.cfg = c.withDefaults() }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRand sets the randomness source. Pipeline runs are serialised, so the
// source does not need to be safe for concurrent use.
func WithRand(r Rand) Option {
	return func(o *Orchestrator) { o.rng = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator drives one chat session.
//
// All exported methods are safe for concurrent use.
type Orchestrator struct {
	store *voicestore.Store
	deps  Deps
	cfg   Config

	log     *slog.Logger
	metrics *observe.Metrics
	rng     Rand
	now     func() time.Time

	lines   *LineParser
	history *History
	// lastThemes are the themes of the last processed message; guarded by
	// sem.
	lastThemes []voice.Theme

	// sem serialises pipeline runs, draws and admin actions.
	sem *semaphore.Weighted
	// drawing is the advisory draw lock checked by auto draws.
	drawing atomic.Bool
	// closed is set while holding sem.
	closed atomic.Bool
}

// New returns an Orchestrator for store.
func New(store *voicestore.Store, deps Deps, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	if deps.Classifier == nil || deps.Generator == nil {
		return nil, errors.New("orchestrator: classifier and generator are required")
	}
	o := &Orchestrator{
		store: store,
		deps:  deps,
		cfg:   DefaultConfig(),
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
		sem:   semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if o.deps.Influence == nil {
		o.deps.Influence = influence.New(influence.WithLogger(o.log))
	}
	if o.deps.Lifecycle == nil {
		o.deps.Lifecycle = lifecycle.New(lifecycle.WithLogger(o.log), lifecycle.WithClock(o.now))
	}
	if o.deps.Birth == nil {
		o.deps.Birth = birth.New(o.deps.Generator, o.deps.Lifecycle, birth.WithLogger(o.log), birth.WithClock(o.now))
	}
	o.lines = NewLineParser(o.deps.Matcher)
	o.history = NewHistory(o.cfg.HistorySize, o.cfg.HistoryAge, o.now)
	return o, nil
}

// Store returns the session's voice store.
func (o *Orchestrator) Store() *voicestore.Store { return o.store }

// Config returns the active tunables.
func (o *Orchestrator) Config() Config { return o.cfg }

// History returns the session's recent exchange.
func (o *Orchestrator) History() *History { return o.history }

// Result is everything one message changed.
type Result struct {
	// Message is the 1-based index of the message in the session.
	Message        int                `json:"message"`
	Classification *classify.Result   `json:"classification"`
	Deltas         map[string]int     `json:"deltas,omitempty"`
	Drift          []influence.Change `json:"drift,omitempty"`
	EscalationFrom voice.Escalation   `json:"escalationFrom"`
	EscalationTo   voice.Escalation   `json:"escalationTo"`
	Events         []voice.Event      `json:"events,omitempty"`
	Born           []voice.Voice      `json:"born,omitempty"`
	Hijacker       *voice.Voice       `json:"hijacker,omitempty"`
	Speakers       []Line             `json:"speakers,omitempty"`
	Narration      string             `json:"narration,omitempty"`
	Reading        *Reading           `json:"reading,omitempty"`
	FollowUps      []FollowUp         `json:"followUps,omitempty"`
}

// ProcessMessage runs the pipeline for one user message. It fails only when
// ctx is done before the pipeline could start or the orchestrator is closed.
func (o *Orchestrator) ProcessMessage(ctx context.Context, text string) (*Result, error) {
	ctx, unlock, err := o.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx, span := observe.StartSpan(ctx, "orchestrator.ProcessMessage")
	defer span.End()
	start := time.Now()

	p := &pipeline{o: o, text: text, res: &Result{}}
	p.run(ctx)

	o.metrics.PipelineDuration.Record(ctx, time.Since(start).Seconds())
	o.metrics.RecordMessage(ctx, string(p.res.Classification.Impact))
	o.metrics.Speakers.Record(ctx, int64(len(p.res.Speakers)))
	o.metrics.LivingVoices.Record(ctx, int64(o.store.LivingCount()),
		metric.WithAttributes(observe.Attr("session_id", o.store.SessionID())))
	return p.res, nil
}

// pipeline carries the state of one ProcessMessage run.
type pipeline struct {
	o    *Orchestrator
	text string
	res  *Result
	// changed is set once the message produced its one deck change.
	changed bool
}

func (p *pipeline) run(ctx context.Context) {
	o := p.o
	o.store.Mutate(ctx, func(st *voice.SessionState) { st.MessageCount++ })
	p.res.Message = o.store.Snapshot().MessageCount

	p.classify(ctx)
	cls := p.res.Classification
	o.lastThemes = cls.Themes

	p.res.Deltas = o.deps.Influence.Apply(ctx, o.store, cls.Themes, cls.Impact)
	p.res.Drift = o.deps.Influence.ApplyDrift(ctx, o.store, cls.Themes, o.rng)

	p.res.EscalationFrom = o.store.Escalation()
	p.res.EscalationTo = p.res.EscalationFrom.Next(cls.Impact)
	if p.res.EscalationTo != p.res.EscalationFrom {
		o.store.Mutate(ctx, func(st *voice.SessionState) { st.Escalation = p.res.EscalationTo })
	}

	p.lifecycle(ctx)
	p.births(ctx)
	p.res.Hijacker = o.deps.Lifecycle.Hijack(ctx, o.store, p.res.EscalationTo)

	p.speak(ctx)
	if len(p.res.Speakers) == 0 {
		p.res.Narration = p.narrate(ctx)
	}
	p.res.Reading = p.autoDraw(ctx)

	for _, ev := range p.res.Events {
		if ev.Kind != voice.EventBorn {
			o.metrics.RecordDeath(ctx, string(ev.Kind))
		}
	}
	for _, v := range p.res.Born {
		o.metrics.RecordBirth(ctx, string(v.BirthType))
	}
	p.res.FollowUps = o.opinionFollowUps(p.res.Born)
	observe.Logger(ctx).Info("orchestrator: message processed",
		"message", p.res.Message, "impact", cls.Impact, "themes", cls.Themes,
		"escalation", p.res.EscalationTo, "events", len(p.res.Events),
		"speakers", len(p.res.Speakers), "reading", p.res.Reading != nil)
}

// classify asks the classifier for impact, themes and resolution
// assessments. Failures yield an empty classification.
func (p *pipeline) classify(ctx context.Context) {
	o := p.o
	var cands []classify.Candidate
	for _, v := range lifecycle.PendingAssessments(o.store.Living()) {
		cands = append(cands, classify.Candidate{
			VoiceID:   v.ID,
			Name:      v.Name,
			Type:      v.Resolution.Type,
			Condition: v.Resolution.Condition,
			Progress:  v.Resolution.Progress,
		})
	}
	start := time.Now()
	res, err := o.deps.Classifier.Classify(ctx, p.text, cands)
	o.observeCall(ctx, "classifier", start, err)
	if err != nil {
		res = nil
	}
	p.res.Classification = classify.Normalize(res, cands)
}

// lifecycle advances resolutions and births transform successors before the
// next step runs.
func (p *pipeline) lifecycle(ctx context.Context) {
	o := p.o
	cls := p.res.Classification
	events := o.deps.Lifecycle.Advance(ctx, o.store, lifecycle.Input{
		Themes:      cls.Themes,
		Assessments: cls.AssessmentMap(),
	})
	for _, ev := range events {
		p.res.Events = append(p.res.Events, ev)
		if ev.Kind != voice.EventTransformed {
			continue
		}
		out, err := o.deps.Birth.Transform(ctx, o.store, ev)
		if err != nil {
			o.collaboratorFailed(ctx, "generator", "transform successor", err)
		}
		p.born(out)
	}
}

// births runs the spontaneous birth checks, then consume, then merge. Each
// step only runs while the message has not changed the deck yet.
func (p *pipeline) births(ctx context.Context) {
	o := p.o
	cls := p.res.Classification
	b := o.deps.Birth

	b.UpdateAccumulators(ctx, o.store, cls.Impact, cls.Themes)
	if !p.changed {
		out, err := b.CheckEvent(ctx, o.store, birth.Signal{
			Impact:  cls.Impact,
			Themes:  cls.Themes,
			Summary: cls.Summary,
			Text:    p.text,
		})
		if err != nil {
			o.collaboratorFailed(ctx, "generator", "event birth", err)
		}
		p.born(out)
	}
	if !p.changed {
		out, err := b.CheckAccumulation(ctx, o.store)
		if err != nil {
			o.collaboratorFailed(ctx, "generator", "accumulation birth", err)
		}
		p.born(out)
	}
	if !p.changed {
		if ev := o.deps.Lifecycle.Consume(ctx, o.store, o.rng); ev != nil {
			p.res.Events = append(p.res.Events, *ev)
			p.changed = true
		}
	}
	if !p.changed {
		pair := o.deps.Lifecycle.FindMerge(o.store, o.rng, o.now(), false)
		if events := o.deps.Lifecycle.ResolveMerge(ctx, o.store, pair); len(events) > 0 {
			p.res.Events = append(p.res.Events, events...)
			p.changed = true
			out, err := b.Merge(ctx, o.store, pair)
			if err != nil {
				o.collaboratorFailed(ctx, "generator", "merge successor", err)
			}
			p.born(out)
		}
	}
}

// born records a birth outcome.
func (p *pipeline) born(out *birth.Outcome) {
	if out == nil || (out.Voice == nil && len(out.Events) == 0) {
		return
	}
	p.changed = true
	p.res.Events = append(p.res.Events, out.Events...)
	if out.Voice != nil {
		p.res.Born = append(p.res.Born, *out.Voice)
	}
}

// speak selects the speakers of this message, generates their lines and
// records who actually said something. On messages skipped by the voice
// frequency every living voice stays silent.
func (p *pipeline) speak(ctx context.Context) {
	o := p.o
	cls := p.res.Classification
	living := o.store.Living()

	var lines []Line
	if len(living) > 0 && p.res.Message%o.cfg.VoiceFrequency == 0 {
		in := participation.Input{Themes: cls.Themes, Impact: cls.Impact}
		speakers := participation.Roll(living, in, o.cfg.MaxSpeakers, o.rng)
		if h := p.res.Hijacker; h != nil {
			speakers = hijacked(speakers, *h, o.cfg.MaxSpeakers)
		}
		if len(speakers) > 0 {
			prompt := speakerPrompt(speakers, living, o.history.Recent("", o.cfg.HistorySize), p.text, p.res.EscalationTo)
			start := time.Now()
			raw, err := o.deps.Generator.Generate(ctx, prompt, o.cfg.SpeakerMaxTokens)
			o.observeCall(ctx, "generator", start, err)
			if err == nil {
				lines = o.lines.Parse(raw, speakers)
			}
		}
	}
	o.store.RecordTurn(ctx, Spoken(lines))

	at := o.now()
	entries := []Entry{{Speaker: userSpeaker, Text: p.text, At: at}}
	for _, l := range lines {
		entries = append(entries, Entry{VoiceID: l.VoiceID, Speaker: l.Name, Text: l.Text, At: at})
	}
	o.history.Add(entries...)
	p.res.Speakers = lines
}

// hijacked puts the hijacking voice first, drops it from anywhere else and
// keeps at most n speakers.
func hijacked(speakers []voice.Voice, h voice.Voice, n int) []voice.Voice {
	out := []voice.Voice{h}
	for _, v := range speakers {
		if len(out) == n {
			break
		}
		if v.ID != h.ID {
			out = append(out, v)
		}
	}
	return out
}

// narrate rolls the ambient narration chance and, on success, describes the
// room from the most opinionated voice's vantage point.
func (p *pipeline) narrate(ctx context.Context) string {
	o := p.o
	if o.cfg.NarrationChance <= 0 || o.rng.Float64() >= o.cfg.NarrationChance {
		return ""
	}
	cls := p.res.Classification
	focus := participation.SelectMostOpinionated(o.store.Living(), cls.Themes, o.rng)
	if focus == nil {
		return ""
	}
	start := time.Now()
	raw, err := o.deps.Generator.Generate(ctx, narrationPrompt(*focus, o.store.Living(), p.text, p.res.EscalationTo), o.cfg.NarrationMaxTokens)
	o.observeCall(ctx, "generator", start, err)
	if err != nil {
		return ""
	}
	return cleanText(raw)
}

// observeCall records the latency and outcome of one collaborator call.
func (o *Orchestrator) observeCall(ctx context.Context, collaborator string, start time.Time, err error) {
	o.metrics.CollaboratorDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("collaborator", collaborator)))
	if err != nil {
		o.collaboratorFailed(ctx, collaborator, "call", err)
	}
}

func (o *Orchestrator) collaboratorFailed(ctx context.Context, collaborator, step string, err error) {
	o.metrics.RecordCollaboratorError(ctx, collaborator)
	observe.Logger(ctx).Warn("orchestrator: collaborator failed, step has no effect",
		"collaborator", collaborator, "step", step, "err", err)
}

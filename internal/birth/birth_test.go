package birth_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/chorus/internal/birth"
	"github.com/MrWong99/chorus/internal/generate/mock"
	"github.com/MrWong99/chorus/internal/lifecycle"
	"github.com/MrWong99/chorus/internal/voice"
	"github.com/MrWong99/chorus/internal/voicestore"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// clock is a settable time source shared by the store and the engines of
// one test.
type clock struct{ t time.Time }

func (c *clock) now() time.Time         { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type candidateSpec struct {
	Name           string   `json:"name"`
	Personality    string   `json:"personality"`
	Arcana         string   `json:"arcana,omitempty"`
	MetaphorDomain string   `json:"metaphorDomain,omitempty"`
	Depth          string   `json:"depth,omitempty"`
	Raises         []string `json:"raises,omitempty"`
	Lowers         []string `json:"lowers,omitempty"`
	Chattiness     int      `json:"chattiness,omitempty"`
}

func candJSON(t *testing.T, c candidateSpec) string {
	t.Helper()
	b, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func fixture(t *testing.T, gen *mock.Generator, cfg birth.Config, voices ...voice.Voice) (*birth.Engine, *voicestore.Store, *clock) {
	t.Helper()
	return fixtureCap(t, gen, cfg, 0, voices...)
}

// fixtureCap builds an engine and a store holding voices. A positive
// capacity caps the deck.
func fixtureCap(t *testing.T, gen *mock.Generator, cfg birth.Config, capacity int, voices ...voice.Voice) (*birth.Engine, *voicestore.Store, *clock) {
	t.Helper()
	clk := &clock{t: epoch}
	st := voice.NewSessionState()
	st.Voices = voices
	store := voicestore.New("chat-1", st, voicestore.NewMemPersistence(),
		voicestore.WithClock(clk.now), voicestore.WithMaxVoices(capacity))
	life := lifecycle.New(lifecycle.WithClock(clk.now))
	e := birth.New(gen, life, birth.WithConfig(cfg), birth.WithClock(clk.now))
	return e, store, clk
}

func existing(id string, a voice.Arcana, d voice.Depth, influence int, raises ...voice.Theme) voice.Voice {
	rt := d.Tier().DefaultResolution
	return voice.Voice{
		ID:         id,
		Name:       strings.ToUpper(id[:1]) + id[1:],
		ArcanaKey:  a,
		Depth:      d,
		Influence:  influence,
		Triggers:   voice.Triggers{Raises: raises},
		Resolution: voice.Resolution{Type: rt, Threshold: rt.DefaultThreshold()},
		Created:    epoch.Add(-time.Hour),
		BirthType:  voice.BirthEvent,
	}
}

func TestSensitivity_Qualifies(t *testing.T) {
	t.Parallel()

	one := []voice.Theme{voice.ThemeGrief}
	two := []voice.Theme{voice.ThemeGrief, voice.ThemeLoss}
	tests := []struct {
		s      birth.Sensitivity
		impact voice.Impact
		themes []voice.Theme
		want   bool
	}{
		{birth.SensitivitySensitive, voice.ImpactSignificant, one, true},
		{birth.SensitivitySensitive, voice.ImpactMinor, two, false},
		{birth.SensitivityNormal, voice.ImpactSignificant, one, false},
		{birth.SensitivityNormal, voice.ImpactSignificant, two, true},
		{birth.SensitivityNormal, voice.ImpactCritical, nil, true},
		{birth.SensitivityStrict, voice.ImpactSignificant, two, false},
		{birth.SensitivityStrict, voice.ImpactCritical, one, true},
		{birth.SensitivityStrict, voice.ImpactNone, one, false},
	}
	for _, tt := range tests {
		if got := tt.s.Qualifies(tt.impact, tt.themes); got != tt.want {
			t.Errorf("%s.Qualifies(%s, %v) = %v, want %v", tt.s, tt.impact, tt.themes, got, tt.want)
		}
	}
}

func TestParseCandidate(t *testing.T) {
	t.Parallel()

	c, err := birth.ParseCandidate("Here you go:\n```json\n{\"name\": \"Ash\", \"personality\": \"Burnt.\", \"raises\": [\"grief\"]}\n```")
	if err != nil {
		t.Fatalf("ParseCandidate: %v", err)
	}
	if c.Name != "Ash" || len(c.Raises) != 1 {
		t.Errorf("candidate = %+v", c)
	}

	for _, raw := range []string{"no json at all", `{"name": 3}`, `["a"]`} {
		if _, err := birth.ParseCandidate(raw); !errors.Is(err, birth.ErrMalformed) {
			t.Errorf("ParseCandidate(%q) err = %v, want ErrMalformed", raw, err)
		}
	}

	list, err := birth.ParseCandidates(`{"voices": [{"name": "A"}, {"name": "B"}]}`)
	if err != nil || len(list) != 2 {
		t.Errorf("ParseCandidates(wrapped) = %d, %v", len(list), err)
	}
	list, err = birth.ParseCandidates(`[{"name": "A"}]`)
	if err != nil || len(list) != 1 {
		t.Errorf("ParseCandidates(array) = %d, %v", len(list), err)
	}
}

func TestValidateCandidate(t *testing.T) {
	t.Parallel()

	base := func() birth.Candidate {
		c := birth.Candidate{
			Name:           " Ash ",
			Personality:    "Burnt and patient.",
			Arcana:         "The Tower",
			MetaphorDomain: "fire",
			Raises:         []string{"Grief", "weather", "self worth"},
			Lowers:         []string{"hope"},
			Chattiness:     9,
		}
		c.Resolution.Type = "fade"
		c.Resolution.Condition = "the smoke clears"
		return c
	}

	t.Run("valid surface", func(t *testing.T) {
		t.Parallel()
		v, err := birth.ValidateCandidate(base(), voice.DepthSurface, nil, nil)
		if err != nil {
			t.Fatalf("ValidateCandidate: %v", err)
		}
		if v.Name != "Ash" || v.ArcanaKey != voice.ArcanaTower || v.MetaphorDomain != "fire" {
			t.Errorf("identity = %q %s %q", v.Name, v.ArcanaKey, v.MetaphorDomain)
		}
		if diff := cmp.Diff([]voice.Theme{voice.ThemeGrief, voice.ThemeSelfWorth}, v.Triggers.Raises); diff != "" {
			t.Errorf("raises mismatch (-want +got):\n%s", diff)
		}
		if v.Chattiness != 5 || v.Influence != 30 || v.Relationship != voice.RelCurious {
			t.Errorf("chattiness %d influence %d relationship %s", v.Chattiness, v.Influence, v.Relationship)
		}
		if v.Resolution.Type != voice.ResolutionFade || *v.Resolution.Threshold != 60 || v.Resolution.Condition != "the smoke clears" {
			t.Errorf("resolution = %+v", v.Resolution)
		}
	})

	t.Run("taken arcana and domain", func(t *testing.T) {
		t.Parallel()
		v, err := birth.ValidateCandidate(base(), voice.DepthSurface,
			[]voice.Arcana{voice.ArcanaTower, voice.ArcanaFool}, []string{"fire", "weather"})
		if err != nil {
			t.Fatalf("ValidateCandidate: %v", err)
		}
		if v.ArcanaKey != voice.ArcanaMagician {
			t.Errorf("ArcanaKey = %s, want magician", v.ArcanaKey)
		}
		if v.MetaphorDomain != "ocean" {
			t.Errorf("MetaphorDomain = %q, want ocean", v.MetaphorDomain)
		}
	})

	t.Run("illegal resolution at core", func(t *testing.T) {
		t.Parallel()
		v, err := birth.ValidateCandidate(base(), voice.DepthCore, nil, nil)
		if err != nil {
			t.Fatalf("ValidateCandidate: %v", err)
		}
		if v.Resolution.Type != voice.ResolutionEndure || v.Resolution.Threshold != nil || v.Resolution.Condition != "" {
			t.Errorf("resolution = %+v, want bare endure", v.Resolution)
		}
		if v.Chattiness != 3 || v.Influence != 60 {
			t.Errorf("chattiness %d influence %d, want 3 60", v.Chattiness, v.Influence)
		}
	})

	t.Run("transform spec", func(t *testing.T) {
		t.Parallel()
		raw := `{"name":"Seed","personality":"Small.","resolution":{"type":"transform","condition":"spring","transformsInto":{"hint":"a tree","arcana":"star","depth":"rooted"}}}`
		pc, err := birth.ParseCandidate(raw)
		if err != nil {
			t.Fatal(err)
		}
		v, err := birth.ValidateCandidate(*pc, voice.DepthSurface, nil, nil)
		if err != nil {
			t.Fatalf("ValidateCandidate: %v", err)
		}
		want := &voice.TransformSpec{Hint: "a tree", Arcana: voice.ArcanaStar, Depth: voice.DepthRooted}
		if diff := cmp.Diff(want, v.Resolution.TransformsInto); diff != "" {
			t.Errorf("TransformsInto mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("depth from candidate", func(t *testing.T) {
		t.Parallel()
		c := base()
		c.Depth = "Rooted"
		v, err := birth.ValidateCandidate(c, "", nil, nil)
		if err != nil {
			t.Fatalf("ValidateCandidate: %v", err)
		}
		if v.Depth != voice.DepthRooted || v.Resolution.Type != voice.ResolutionHeal {
			t.Errorf("depth %s resolution %s, want rooted heal", v.Depth, v.Resolution.Type)
		}
	})

	t.Run("errors", func(t *testing.T) {
		t.Parallel()
		c := base()
		c.Personality = "  "
		if _, err := birth.ValidateCandidate(c, voice.DepthSurface, nil, nil); !errors.Is(err, birth.ErrInvalidCandidate) {
			t.Errorf("missing personality err = %v", err)
		}
		if _, err := birth.ValidateCandidate(base(), voice.DepthSurface, voice.AllArcana(), nil); !errors.Is(err, birth.ErrNoArcana) {
			t.Errorf("full arcana err = %v", err)
		}
	})
}

func TestCheckEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gen := &mock.Generator{}
	e, store, clk := fixture(t, gen, birth.DefaultConfig())
	gen.Responses = []string{candJSON(t, candidateSpec{Name: "Hollow", Personality: "Empty rooms.", Arcana: "moon"})}

	sig := birth.Signal{
		Impact:  voice.ImpactSignificant,
		Themes:  []voice.Theme{voice.ThemeGrief, voice.ThemeLoss},
		Summary: "A funeral.",
		Text:    "We buried her today.",
	}
	out, err := e.CheckEvent(ctx, store, sig)
	if err != nil {
		t.Fatalf("CheckEvent: %v", err)
	}
	if out == nil || out.Voice == nil {
		t.Fatal("CheckEvent produced no voice")
	}
	v := out.Voice
	if v.Depth != voice.DepthRooted || v.BirthType != voice.BirthEvent || v.Influence != 45 || v.ArcanaKey != voice.ArcanaMoon {
		t.Errorf("voice = depth %s type %s influence %d arcana %s", v.Depth, v.BirthType, v.Influence, v.ArcanaKey)
	}
	if diff := cmp.Diff(sig.Themes, v.Triggers.Raises); diff != "" {
		t.Errorf("raises default to message themes (-want +got):\n%s", diff)
	}
	want := []voice.Event{{Kind: voice.EventBorn, VoiceID: v.ID, Name: "Hollow", BirthType: voice.BirthEvent}}
	if diff := cmp.Diff(want, out.Events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	calls := gen.Calls()
	if len(calls) != 1 {
		t.Fatalf("generator calls = %d, want 1", len(calls))
	}
	if sys := calls[0].Messages[0]; sys.Role != "system" || !strings.Contains(sys.Content, "allowed resolution types: heal") {
		t.Errorf("system prompt = %q", sys.Content)
	}
	if user := calls[0].Messages[1].Content; !strings.Contains(user, "We buried her today.") {
		t.Errorf("user prompt = %q", user)
	}

	if out, _ := e.CheckEvent(ctx, store, sig); out != nil {
		t.Error("second birth inside the cooldown")
	}
	if len(gen.Calls()) != 1 {
		t.Error("generator called while cooling down")
	}

	clk.advance(3 * time.Minute)
	if out, _ := e.CheckEvent(ctx, store, birth.Signal{Impact: voice.ImpactMinor, Themes: sig.Themes}); out != nil {
		t.Error("minor message gave birth")
	}
	out, err = e.CheckEvent(ctx, store, birth.Signal{Impact: voice.ImpactCritical, Themes: sig.Themes})
	if err != nil || out == nil {
		t.Fatalf("critical birth after cooldown = %v, %v", out, err)
	}
	if out.Voice.Depth != voice.DepthCore || out.Voice.ArcanaKey == voice.ArcanaMoon {
		t.Errorf("critical voice depth %s arcana %s", out.Voice.Depth, out.Voice.ArcanaKey)
	}
}

func TestCheckEvent_GeneratorFailure(t *testing.T) {
	t.Parallel()

	gen := &mock.Generator{Err: errors.New("timeout")}
	e, store, _ := fixture(t, gen, birth.DefaultConfig())
	out, err := e.CheckEvent(context.Background(), store, birth.Signal{Impact: voice.ImpactCritical})
	if err == nil || out != nil {
		t.Fatalf("CheckEvent = %v, %v; want error", out, err)
	}
	if store.LivingCount() != 0 {
		t.Errorf("LivingCount = %d, want 0", store.LivingCount())
	}

	gen.Err = nil
	gen.Responses = []string{"I'd rather not."}
	if _, err := e.CheckEvent(context.Background(), store, birth.Signal{Impact: voice.ImpactCritical}); !errors.Is(err, birth.ErrMalformed) {
		t.Errorf("prose reply err = %v, want ErrMalformed", err)
	}
}

func TestAccumulation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gen := &mock.Generator{}
	e, store, _ := fixture(t, gen, birth.DefaultConfig())
	gen.Responses = []string{candJSON(t, candidateSpec{Name: "Ledger", Personality: "Counts every slight.", Lowers: []string{"betrayal", "trust"}})}

	betrayal := []voice.Theme{voice.ThemeBetrayal}
	for i, impact := range []voice.Impact{voice.ImpactMinor, voice.ImpactMinor, voice.ImpactSignificant} {
		e.UpdateAccumulators(ctx, store, impact, betrayal)
		if out, err := e.CheckAccumulation(ctx, store); out != nil || err != nil {
			t.Fatalf("message %d: early accumulation birth %v, %v", i+1, out, err)
		}
	}
	e.UpdateAccumulators(ctx, store, voice.ImpactSignificant, betrayal)
	if got := store.Accumulators()[voice.ThemeBetrayal]; got.Count != 5 || got.Messages != 4 {
		t.Fatalf("accumulator = %+v, want 5 over 4 messages", got)
	}

	out, err := e.CheckAccumulation(ctx, store)
	if err != nil || out == nil {
		t.Fatalf("CheckAccumulation = %v, %v", out, err)
	}
	v := out.Voice
	if v.BirthType != voice.BirthAccumulation || v.Depth != voice.DepthRooted {
		t.Errorf("voice type %s depth %s", v.BirthType, v.Depth)
	}
	if diff := cmp.Diff([]voice.Theme{voice.ThemeBetrayal}, v.Triggers.Raises); diff != "" {
		t.Errorf("raises mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]voice.Theme{voice.ThemeTrust}, v.Triggers.Lowers); diff != "" {
		t.Errorf("lowers mismatch (-want +got):\n%s", diff)
	}
	if _, ok := store.Accumulators()[voice.ThemeBetrayal]; ok {
		t.Error("accumulator not cleared after birth")
	}
	if !strings.Contains(gen.Calls()[0].Messages[1].Content, `"betrayal"`) {
		t.Error("prompt does not name the accumulated theme")
	}
}

func TestAccumulation_Claimed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gen := &mock.Generator{}
	e, store, _ := fixture(t, gen, birth.DefaultConfig(),
		existing("keeper", voice.ArcanaHermit, voice.DepthRooted, 45, voice.ThemeBetrayal))
	for range 3 {
		e.UpdateAccumulators(ctx, store, voice.ImpactCritical, []voice.Theme{voice.ThemeBetrayal})
	}
	out, err := e.CheckAccumulation(ctx, store)
	if out != nil || err != nil {
		t.Fatalf("CheckAccumulation = %v, %v; want nothing", out, err)
	}
	if len(store.Accumulators()) != 0 {
		t.Errorf("accumulators = %v, want cleared", store.Accumulators())
	}
	if len(gen.Calls()) != 0 {
		t.Error("generator called for a claimed theme")
	}
}

func TestUpdateAccumulators_Decay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	e, store, _ := fixture(t, &mock.Generator{}, birth.DefaultConfig())
	e.UpdateAccumulators(ctx, store, voice.ImpactMinor, []voice.Theme{voice.ThemeShame})
	e.UpdateAccumulators(ctx, store, voice.ImpactMinor, []voice.Theme{voice.ThemeWork})
	want := map[voice.Theme]voice.Accumulator{
		voice.ThemeShame: {Count: 0.5, Messages: 1},
		voice.ThemeWork:  {Count: 1, Messages: 1},
	}
	if diff := cmp.Diff(want, store.Accumulators()); diff != "" {
		t.Errorf("accumulators mismatch (-want +got):\n%s", diff)
	}

	e.UpdateAccumulators(ctx, store, voice.ImpactNone, []voice.Theme{voice.ThemeWork})
	want = map[voice.Theme]voice.Accumulator{voice.ThemeWork: {Count: 1, Messages: 1}}
	if diff := cmp.Diff(want, store.Accumulators()); diff != "" {
		t.Errorf("accumulators after none-impact message (-want +got):\n%s", diff)
	}
}

func TestMergeBirth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a := existing("a", voice.ArcanaSun, voice.DepthSurface, 40, voice.ThemeGrief, voice.ThemeLoss)
	b := existing("b", voice.ArcanaMoon, voice.DepthRooted, 50, voice.ThemeLoss, voice.ThemeFear)
	c := existing("c", voice.ArcanaStar, voice.DepthRooted, 30, voice.ThemeWork)
	a.Relationships = map[string]string{"b": "I respect its stubbornness."}
	b.Relationships = map[string]string{"a": "We understand each other."}

	gen := &mock.Generator{Responses: []string{candJSON(t, candidateSpec{
		Name: "Undertow", Personality: "Both griefs at once.", Arcana: "sun", Raises: []string{"joy"},
	})}}
	e, store, clk := fixture(t, gen, birth.DefaultConfig(), a, b, c)
	life := lifecycle.New(lifecycle.WithClock(clk.now))

	pair := life.FindMerge(store, fixedRand(0.01), clk.now(), false)
	if pair == nil {
		t.Fatal("no merge pair found")
	}
	merged := life.ResolveMerge(ctx, store, pair)
	out, err := e.Merge(ctx, store, pair)
	if err != nil || out == nil {
		t.Fatalf("Merge = %v, %v", out, err)
	}

	for _, ev := range merged {
		if !strings.Contains(ev.Reason, "merged") {
			t.Errorf("reason %q does not mention the merge", ev.Reason)
		}
	}
	var born []voice.Voice
	for _, v := range store.All() {
		if v.BirthType == voice.BirthMerge {
			born = append(born, v)
		}
	}
	if len(born) != 1 {
		t.Fatalf("merge births = %d, want exactly 1", len(born))
	}
	v := born[0]
	if diff := cmp.Diff([]voice.Theme{voice.ThemeGrief, voice.ThemeLoss, voice.ThemeFear}, v.Triggers.Raises); diff != "" {
		t.Errorf("raises mismatch (-want +got):\n%s", diff)
	}
	if v.Influence != 54 || v.Depth != voice.DepthRooted || v.Name != "Undertow" {
		t.Errorf("successor influence %d depth %s name %q", v.Influence, v.Depth, v.Name)
	}
	if store.LivingCount() != 2 {
		t.Errorf("LivingCount = %d, want 2", store.LivingCount())
	}
	if out.Fallback {
		t.Error("Fallback set on a generated successor")
	}
}

func TestMergeBirth_Fallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a := existing("a", voice.ArcanaSun, voice.DepthSurface, 70, voice.ThemeGrief)
	b := existing("b", voice.ArcanaMoon, voice.DepthSurface, 70, voice.ThemeGrief)
	a.Personality, b.Personality = "Heavy.", "Slow."
	e, store, clk := fixture(t, &mock.Generator{Err: errors.New("down")}, birth.DefaultConfig(), a, b)
	life := lifecycle.New(lifecycle.WithClock(clk.now))

	pair := life.FindMerge(store, nil, clk.now(), true)
	life.ResolveMerge(ctx, store, pair)
	out, err := e.Merge(ctx, store, pair)
	if err != nil || out == nil {
		t.Fatalf("Merge = %v, %v", out, err)
	}
	if !out.Fallback || out.Voice.Name != "A & B" || out.Voice.Personality != "Heavy. Slow." {
		t.Errorf("fallback successor = %+v", out.Voice)
	}
	if out.Voice.Influence != 80 {
		t.Errorf("Influence = %d, want capped 80", out.Voice.Influence)
	}
}

func TestMergeTriggers(t *testing.T) {
	t.Parallel()

	a := voice.Triggers{
		Raises: []voice.Theme{voice.ThemeGrief, voice.ThemeLoss, voice.ThemeFear, voice.ThemeShame},
		Lowers: []voice.Theme{voice.ThemeHope, voice.ThemeJoy, voice.ThemeWork},
	}
	b := voice.Triggers{
		Raises: []voice.Theme{voice.ThemeLoss, voice.ThemeGuilt, voice.ThemeAnger, voice.ThemeControl},
		Lowers: []voice.Theme{voice.ThemeGrief, voice.ThemeTruth, voice.ThemeHealing},
	}
	raises, lowers := birth.MergeTriggers(a, b, 6, 4)
	wantRaises := []voice.Theme{voice.ThemeGrief, voice.ThemeLoss, voice.ThemeFear, voice.ThemeShame, voice.ThemeGuilt, voice.ThemeAnger}
	wantLowers := []voice.Theme{voice.ThemeHope, voice.ThemeJoy, voice.ThemeWork, voice.ThemeTruth}
	if diff := cmp.Diff(wantRaises, raises); diff != "" {
		t.Errorf("raises mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantLowers, lowers); diff != "" {
		t.Errorf("lowers mismatch (-want +got):\n%s", diff)
	}
	if got := birth.MergeInfluence(40, 50, 0.6, 80); got != 54 {
		t.Errorf("MergeInfluence = %d, want 54", got)
	}
}

func TestTransformBirth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	seed := existing("seed", voice.ArcanaTower, voice.DepthRooted, 50, voice.ThemeChange)
	seed.Resolution = voice.Resolution{
		Type:           voice.ResolutionTransform,
		Progress:       80,
		Threshold:      voice.ResolutionTransform.DefaultThreshold(),
		TransformsInto: &voice.TransformSpec{Hint: "a patient gardener", Arcana: voice.ArcanaStar},
	}

	tests := []struct {
		name     string
		gen      *mock.Generator
		wantName string
		fallback bool
	}{
		{
			name:     "generated",
			gen:      &mock.Generator{Responses: []string{`{"name": "Gardener", "personality": "Tends what is left.", "arcana": "star"}`}},
			wantName: "Gardener",
		},
		{
			name:     "fallback",
			gen:      &mock.Generator{Err: errors.New("down")},
			wantName: "Seed Reborn",
			fallback: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, store, _ := fixture(t, tt.gen, birth.DefaultConfig(), seed)
			spec := store.Transform(ctx, "seed")
			if spec == nil {
				t.Fatal("Transform refused")
			}
			out, err := e.Transform(ctx, store, voice.Event{Kind: voice.EventTransformed, VoiceID: "seed", Name: "Seed", Transform: spec})
			if err != nil || out == nil {
				t.Fatalf("Transform birth = %v, %v", out, err)
			}
			v := out.Voice
			if v.Name != tt.wantName || out.Fallback != tt.fallback {
				t.Errorf("successor %q fallback %v", v.Name, out.Fallback)
			}
			if v.BirthType != voice.BirthTransform || v.Depth != voice.DepthRooted || v.ArcanaKey != voice.ArcanaStar {
				t.Errorf("successor type %s depth %s arcana %s", v.BirthType, v.Depth, v.ArcanaKey)
			}
			if diff := cmp.Diff([]voice.Theme{voice.ThemeChange}, v.Triggers.Raises); diff != "" {
				t.Errorf("inherited raises mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSeedFromPersona(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reply := "```json\n[" +
		`{"name": "", "personality": "Faceless."},` +
		`{"name": "Critic", "personality": "Never enough.", "arcana": "emperor", "metaphorDomain": "law", "depth": "surface"},` +
		`{"name": "Child", "personality": "Wants to play.", "arcana": "emperor", "metaphorDomain": "law", "depth": "surface"},` +
		`{"name": "Scout", "personality": "Checks exits.", "depth": "surface"},` +
		`{"name": "Extra", "personality": "Over the limit."}` +
		"]\n```"
	gen := &mock.Generator{Responses: []string{reply}}
	e, store, _ := fixture(t, gen, birth.DefaultConfig())

	out, err := e.SeedFromPersona(ctx, store, "A tired teacher.", "Grew up by the sea.")
	if err != nil {
		t.Fatalf("SeedFromPersona: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("seeded %d voices, want 3", len(out))
	}
	arcana := map[voice.Arcana]bool{}
	domains := map[string]bool{}
	depths := map[voice.Depth]bool{}
	for _, o := range out {
		v := o.Voice
		if arcana[v.ArcanaKey] || domains[v.MetaphorDomain] {
			t.Errorf("duplicate arcana %s or domain %s", v.ArcanaKey, v.MetaphorDomain)
		}
		arcana[v.ArcanaKey], domains[v.MetaphorDomain], depths[v.Depth] = true, true, true
		if v.BirthType != voice.BirthPersona {
			t.Errorf("%s birth type %s", v.Name, v.BirthType)
		}
	}
	if len(depths) < 2 {
		t.Errorf("depths %v do not span tiers", depths)
	}
	user := gen.Calls()[0].Messages[1].Content
	if !strings.Contains(user, "A tired teacher.") || !strings.Contains(user, "Grew up by the sea.") {
		t.Errorf("persona sources missing from prompt: %q", user)
	}

	again, err := e.SeedFromPersona(ctx, store, "ignored")
	if again != nil || err != nil || len(gen.Calls()) != 1 {
		t.Errorf("seeding a populated session = %v, %v", again, err)
	}
}

func TestSeedFromPersona_TooFew(t *testing.T) {
	t.Parallel()

	gen := &mock.Generator{Responses: []string{`[{"name": "Lonely", "personality": "Only one."}]`}}
	e, store, _ := fixture(t, gen, birth.DefaultConfig())
	if _, err := e.SeedFromPersona(context.Background(), store, "x"); !errors.Is(err, birth.ErrInvalidCandidate) {
		t.Errorf("err = %v, want ErrInvalidCandidate", err)
	}
	if store.LivingCount() != 0 {
		t.Errorf("LivingCount = %d, want 0", store.LivingCount())
	}
}

func TestAdmit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	deck := func() []voice.Voice {
		a := existing("ash", voice.ArcanaSun, voice.DepthSurface, 25, voice.ThemeGrief)
		b := existing("bell", voice.ArcanaMoon, voice.DepthRooted, 75, voice.ThemeGrief, voice.ThemeFear)
		return []voice.Voice{a, b}
	}

	tests := []struct {
		policy     birth.Policy
		wantKinds  []voice.EventKind
		wantFree   bool
		wantLiving int
	}{
		{policy: birth.PolicyBlock, wantLiving: 2},
		{policy: birth.PolicyHeal, wantKinds: []voice.EventKind{voice.EventResolved}, wantFree: true, wantLiving: 1},
		{policy: birth.PolicyConsume, wantKinds: []voice.EventKind{voice.EventConsumed}, wantFree: true, wantLiving: 1},
		{
			policy:     birth.PolicyMerge,
			wantKinds:  []voice.EventKind{voice.EventMerged, voice.EventMerged, voice.EventBorn},
			wantFree:   true,
			wantLiving: 1,
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			t.Parallel()
			gen := &mock.Generator{Err: errors.New("offline")}
			cfg := birth.DefaultConfig()
			cfg.Policy = tt.policy
			e, store, _ := fixtureCap(t, gen, cfg, 2, deck()...)

			events, free := e.Admit(ctx, store)
			if free != tt.wantFree {
				t.Errorf("free = %v, want %v", free, tt.wantFree)
			}
			var kinds []voice.EventKind
			for _, ev := range events {
				kinds = append(kinds, ev.Kind)
			}
			if diff := cmp.Diff(tt.wantKinds, kinds); diff != "" {
				t.Errorf("event kinds mismatch (-want +got):\n%s", diff)
			}
			if got := store.LivingCount(); got != tt.wantLiving {
				t.Errorf("LivingCount = %d, want %d", got, tt.wantLiving)
			}
			if ash := store.Get("ash"); tt.wantFree && ash.Living() {
				t.Error("weakest voice survived admission")
			}
		})
	}
}

func TestAdmit_NotFull(t *testing.T) {
	t.Parallel()

	e, store, _ := fixtureCap(t, &mock.Generator{}, birth.DefaultConfig(), 3,
		existing("ash", voice.ArcanaSun, voice.DepthSurface, 25))
	events, free := e.Admit(context.Background(), store)
	if events != nil || !free {
		t.Errorf("Admit = %v, %v; want nil, true", events, free)
	}
}

func TestCheckEvent_FullDeckHeal(t *testing.T) {
	t.Parallel()

	cfg := birth.DefaultConfig()
	cfg.Policy = birth.PolicyHeal
	gen := &mock.Generator{Responses: []string{`{"name": "Newcomer", "personality": "Just arrived.", "arcana": "sun"}`}}
	e, store, _ := fixtureCap(t, gen, cfg, 2,
		existing("ash", voice.ArcanaSun, voice.DepthSurface, 25),
		existing("core", voice.ArcanaWorld, voice.DepthCore, 10))

	out, err := e.CheckEvent(context.Background(), store, birth.Signal{Impact: voice.ImpactCritical})
	if err != nil || out == nil {
		t.Fatalf("CheckEvent = %v, %v", out, err)
	}
	want := []voice.Event{
		{Kind: voice.EventResolved, VoiceID: "ash", Name: "Ash", Reason: birth.ReasonReleased},
		{Kind: voice.EventBorn, VoiceID: out.Voice.ID, Name: "Newcomer", BirthType: voice.BirthEvent},
	}
	if diff := cmp.Diff(want, out.Events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if store.Get("core").State == voice.StateDead {
		t.Error("core voice released to make room")
	}
	// sun was still held when the candidate was validated.
	if out.Voice.ArcanaKey != voice.ArcanaFool {
		t.Errorf("ArcanaKey = %s, want fool", out.Voice.ArcanaKey)
	}
}

// fullDeck returns one surface voice per arcana. v00 is the weakest and v21
// the strongest; with shared set, v01 and v02 both raise grief.
func fullDeck(shared bool) []voice.Voice {
	var deck []voice.Voice
	for i, a := range voice.AllArcana() {
		v := existing(fmt.Sprintf("v%02d", i), a, voice.DepthSurface, 30+i)
		if shared && (i == 1 || i == 2) {
			v.Triggers.Raises = []voice.Theme{voice.ThemeGrief}
		}
		deck = append(deck, v)
	}
	return deck
}

func TestCheckEvent_EveryArcanaTaken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name      string
		policy    birth.Policy
		shared    bool
		wantKinds []voice.EventKind
		wantDead  []string
		wantCalls int
	}{
		{name: "block", policy: birth.PolicyBlock},
		{
			name:      "heal",
			policy:    birth.PolicyHeal,
			wantKinds: []voice.EventKind{voice.EventResolved, voice.EventBorn},
			wantDead:  []string{"v00"},
			wantCalls: 1,
		},
		{
			name:      "merge",
			policy:    birth.PolicyMerge,
			shared:    true,
			wantKinds: []voice.EventKind{voice.EventMerged, voice.EventMerged, voice.EventBorn, voice.EventBorn},
			wantDead:  []string{"v01", "v02"},
			wantCalls: 2,
		},
		{
			name:      "merge without shared triggers",
			policy:    birth.PolicyMerge,
			wantKinds: []voice.EventKind{voice.EventResolved, voice.EventBorn},
			wantDead:  []string{"v00"},
			wantCalls: 1,
		},
		{
			name:      "consume",
			policy:    birth.PolicyConsume,
			wantKinds: []voice.EventKind{voice.EventConsumed, voice.EventBorn},
			wantDead:  []string{"v00"},
			wantCalls: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gen := &mock.Generator{Responses: []string{`{"name": "Newcomer", "personality": "Just arrived.", "arcana": "sun"}`}}
			cfg := birth.DefaultConfig()
			cfg.Policy = tt.policy
			e, store, _ := fixture(t, gen, cfg, fullDeck(tt.shared)...)

			out, err := e.CheckEvent(ctx, store, birth.Signal{Impact: voice.ImpactCritical, Themes: []voice.Theme{voice.ThemeFear}})
			if err != nil {
				t.Fatalf("CheckEvent: %v", err)
			}
			if n := len(gen.Calls()); n != tt.wantCalls {
				t.Errorf("generator calls = %d, want %d", n, tt.wantCalls)
			}
			if tt.wantKinds == nil {
				if out != nil {
					t.Errorf("outcome = %+v, want nil", out)
				}
				if got := store.LivingCount(); got != voice.ArcanaCount {
					t.Errorf("LivingCount = %d, want %d", got, voice.ArcanaCount)
				}
				return
			}
			if out == nil || out.Voice == nil {
				t.Fatalf("outcome = %+v, want a birth", out)
			}
			var kinds []voice.EventKind
			for _, ev := range out.Events {
				kinds = append(kinds, ev.Kind)
			}
			if diff := cmp.Diff(tt.wantKinds, kinds); diff != "" {
				t.Errorf("event kinds mismatch (-want +got):\n%s", diff)
			}
			for _, id := range tt.wantDead {
				if store.Get(id).Living() {
					t.Errorf("%s survived admission", id)
				}
			}
			if got := store.LivingCount(); got != voice.ArcanaCount {
				t.Errorf("LivingCount = %d, want %d", got, voice.ArcanaCount)
			}
			if got := len(store.TakenArcana()); got != voice.ArcanaCount {
				t.Errorf("taken arcana = %d, want %d", got, voice.ArcanaCount)
			}
		})
	}
}

func TestCheckAccumulation_EveryArcanaTaken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gen := &mock.Generator{Responses: []string{`{"name": "Grudge", "personality": "Keeps score."}`}}
	cfg := birth.DefaultConfig()
	cfg.Policy = birth.PolicyHeal
	e, store, _ := fixture(t, gen, cfg, fullDeck(false)...)
	for range 3 {
		e.UpdateAccumulators(ctx, store, voice.ImpactCritical, []voice.Theme{voice.ThemeBetrayal})
	}

	out, err := e.CheckAccumulation(ctx, store)
	if err != nil || out == nil || out.Voice == nil {
		t.Fatalf("CheckAccumulation = %+v, %v; want a birth", out, err)
	}
	if out.Voice.ArcanaKey != voice.AllArcana()[0] {
		t.Errorf("ArcanaKey = %s, want the released %s", out.Voice.ArcanaKey, voice.AllArcana()[0])
	}
	if len(out.Events) != 2 || out.Events[0].VoiceID != "v00" {
		t.Errorf("events = %+v, want v00 released then a birth", out.Events)
	}
	if _, ok := store.Accumulators()[voice.ThemeBetrayal]; ok {
		t.Error("accumulator not cleared after birth")
	}
}

func TestCheckEvent_EveryArcanaTaken_ReportsAdmissionOnFailure(t *testing.T) {
	t.Parallel()

	cfg := birth.DefaultConfig()
	cfg.Policy = birth.PolicyHeal
	e, store, _ := fixture(t, &mock.Generator{Err: errors.New("offline")}, cfg, fullDeck(false)...)

	out, err := e.CheckEvent(context.Background(), store, birth.Signal{Impact: voice.ImpactCritical})
	if err == nil {
		t.Fatal("CheckEvent succeeded with an offline generator")
	}
	if out == nil || out.Voice != nil || len(out.Events) != 1 || out.Events[0].Kind != voice.EventResolved {
		t.Errorf("outcome = %+v, want only the release event", out)
	}
	if got := store.LivingCount(); got != voice.ArcanaCount-1 {
		t.Errorf("LivingCount = %d, want %d", got, voice.ArcanaCount-1)
	}
}

type fixedRand float64

func (r fixedRand) Float64() float64 { return float64(r) }
func (r fixedRand) IntN(int) int     { return 0 }

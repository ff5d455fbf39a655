package voice_test

import (
	"testing"

	"github.com/MrWong99/chorus/internal/voice"
)

func TestDeriveState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		influence int
		want      voice.State
	}{
		{0, voice.StateDormant},
		{19, voice.StateDormant},
		{20, voice.StateActive},
		{69, voice.StateActive},
		{70, voice.StateAgitated},
		{100, voice.StateAgitated},
	}
	for _, tt := range tests {
		if got := voice.DeriveState(tt.influence); got != tt.want {
			t.Errorf("DeriveState(%d) = %q, want %q", tt.influence, got, tt.want)
		}
	}
}

func TestEscalationNext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		from   voice.Escalation
		impact voice.Impact
		want   voice.Escalation
	}{
		{"critical jumps to crisis", voice.EscalationCalm, voice.ImpactCritical, voice.EscalationCrisis},
		{"significant floors at elevated", voice.EscalationCalm, voice.ImpactSignificant, voice.EscalationElevated},
		{"significant keeps crisis", voice.EscalationCrisis, voice.ImpactSignificant, voice.EscalationCrisis},
		{"minor floors at rising", voice.EscalationCalm, voice.ImpactMinor, voice.EscalationRising},
		{"minor keeps elevated", voice.EscalationElevated, voice.ImpactMinor, voice.EscalationElevated},
		{"none cools one step", voice.EscalationCrisis, voice.ImpactNone, voice.EscalationElevated},
		{"none at calm stays calm", voice.EscalationCalm, voice.ImpactNone, voice.EscalationCalm},
		{"unknown level treated as calm", voice.Escalation("panic"), voice.ImpactMinor, voice.EscalationRising},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.from.Next(tt.impact); got != tt.want {
				t.Errorf("%q.Next(%q) = %q, want %q", tt.from, tt.impact, got, tt.want)
			}
		})
	}
}

func TestFilterThemes(t *testing.T) {
	t.Parallel()

	got := voice.FilterThemes([]string{"Betrayal", "self worth", "nonsense", "betrayal", " fear "})
	want := []voice.Theme{voice.ThemeBetrayal, voice.ThemeSelfWorth, voice.ThemeFear}
	if len(got) != len(want) {
		t.Fatalf("FilterThemes: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("FilterThemes[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if out := voice.FilterThemes[string](nil); out == nil {
		t.Error("FilterThemes(nil) returned nil, want empty slice")
	}
}

func TestParseArcana(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]voice.Arcana{
		"hanged_man":       voice.ArcanaHangedMan,
		"The Hanged Man":   voice.ArcanaHangedMan,
		"wheel-of-fortune": voice.ArcanaWheelOfFortune,
		"DEATH":            voice.ArcanaDeath,
	} {
		got, ok := voice.ParseArcana(in)
		if !ok || got != want {
			t.Errorf("ParseArcana(%q) = %q, %v; want %q, true", in, got, ok, want)
		}
	}
	if _, ok := voice.ParseArcana("the joker"); ok {
		t.Error("ParseArcana(the joker) reported valid")
	}
	if n := len(voice.AllArcana()); n != voice.ArcanaCount {
		t.Errorf("AllArcana has %d entries, want %d", n, voice.ArcanaCount)
	}
}

func TestFirstFreeArcana(t *testing.T) {
	t.Parallel()

	got, ok := voice.FirstFreeArcana([]voice.Arcana{voice.ArcanaFool, voice.ArcanaEmpress})
	if !ok || got != voice.ArcanaMagician {
		t.Errorf("FirstFreeArcana = %q, %v; want magician", got, ok)
	}
	if _, ok := voice.FirstFreeArcana(voice.AllArcana()); ok {
		t.Error("FirstFreeArcana on a full deck reported a free key")
	}
}

func TestDepthRules(t *testing.T) {
	t.Parallel()

	if voice.DepthCore.Allows(voice.ResolutionFade) {
		t.Error("core allows fade")
	}
	if !voice.DepthCore.Allows(voice.ResolutionEndure) {
		t.Error("core disallows endure")
	}
	if voice.DepthSurface.Allows(voice.ResolutionWitness) {
		t.Error("surface allows witness")
	}
	if !voice.DepthRooted.Allows(voice.ResolutionWitness) {
		t.Error("rooted disallows witness")
	}
	if got := voice.DepthCore.ClampChattiness(5); got != 3 {
		t.Errorf("core ClampChattiness(5) = %d, want 3", got)
	}
	if got := voice.DepthSurface.ClampChattiness(1); got != 2 {
		t.Errorf("surface ClampChattiness(1) = %d, want 2", got)
	}
	if got := voice.DepthForImpact(voice.ImpactSignificant); got != voice.DepthRooted {
		t.Errorf("DepthForImpact(significant) = %q, want rooted", got)
	}
}

func TestRelationshipDrift(t *testing.T) {
	t.Parallel()

	if next, ok := voice.RelGrieving.Warmer(); !ok || next != voice.RelCurious {
		t.Errorf("grieving.Warmer() = %q, %v; want curious", next, ok)
	}
	if _, ok := voice.RelManic.Warmer(); ok {
		t.Error("manic warms further")
	}
	if _, ok := voice.RelProtective.Warmer(); ok {
		t.Error("protective warms further")
	}
	if next, ok := voice.RelIndifferent.Colder(); !ok || next != voice.RelResentful {
		t.Errorf("indifferent.Colder() = %q, %v; want resentful", next, ok)
	}
	if _, ok := voice.RelIndifferent.TowardIndifferent(); ok {
		t.Error("indifferent moves toward itself")
	}
}

func TestReadTone(t *testing.T) {
	t.Parallel()

	tests := []struct {
		opinion string
		want    voice.Tone
	}{
		{"I deeply respect her", voice.Tone{Ally: true}},
		{"A parasite I despise", voice.Tone{Hostile: true}},
		{"Honestly ridiculous", voice.Tone{Mockery: true}},
		{"", voice.Tone{}},
	}
	for _, tt := range tests {
		if got := voice.ReadTone(tt.opinion); got != tt.want {
			t.Errorf("ReadTone(%q) = %+v, want %+v", tt.opinion, got, tt.want)
		}
	}
}

package voice

import (
	"slices"
	"strings"
	"unicode"
)

// ─────────────────────────────────────────────────────────────────────────────
// Themes
// ─────────────────────────────────────────────────────────────────────────────

// Theme is a tag from the fixed taxonomy describing message content.
type Theme string

const (
	ThemeAbandonment   Theme = "abandonment"
	ThemeAmbition      Theme = "ambition"
	ThemeAnger         Theme = "anger"
	ThemeBelonging     Theme = "belonging"
	ThemeBetrayal      Theme = "betrayal"
	ThemeChange        Theme = "change"
	ThemeControl       Theme = "control"
	ThemeDesire        Theme = "desire"
	ThemeFailure       Theme = "failure"
	ThemeFamily        Theme = "family"
	ThemeFear          Theme = "fear"
	ThemeFreedom       Theme = "freedom"
	ThemeGrief         Theme = "grief"
	ThemeGuilt         Theme = "guilt"
	ThemeHealing       Theme = "healing"
	ThemeHope          Theme = "hope"
	ThemeIdentity      Theme = "identity"
	ThemeIntimacy      Theme = "intimacy"
	ThemeJoy           Theme = "joy"
	ThemeLoneliness    Theme = "loneliness"
	ThemeLoss          Theme = "loss"
	ThemeMortality     Theme = "mortality"
	ThemePower         Theme = "power"
	ThemeRejection     Theme = "rejection"
	ThemeSelfWorth     Theme = "self_worth"
	ThemeShame         Theme = "shame"
	ThemeTrust         Theme = "trust"
	ThemeTruth         Theme = "truth"
	ThemeVulnerability Theme = "vulnerability"
	ThemeWork          Theme = "work"
)

var allThemes = []Theme{
	ThemeAbandonment, ThemeAmbition, ThemeAnger, ThemeBelonging, ThemeBetrayal,
	ThemeChange, ThemeControl, ThemeDesire, ThemeFailure, ThemeFamily,
	ThemeFear, ThemeFreedom, ThemeGrief, ThemeGuilt, ThemeHealing,
	ThemeHope, ThemeIdentity, ThemeIntimacy, ThemeJoy, ThemeLoneliness,
	ThemeLoss, ThemeMortality, ThemePower, ThemeRejection, ThemeSelfWorth,
	ThemeShame, ThemeTrust, ThemeTruth, ThemeVulnerability, ThemeWork,
}

// Themes returns a copy of the full theme taxonomy in stable order.
func Themes() []Theme {
	return slices.Clone(allThemes)
}

// IsValid reports whether t is part of the taxonomy.
func (t Theme) IsValid() bool {
	return slices.Contains(allThemes, t)
}

// ParseTheme normalises s (case, surrounding space, inner spaces and dashes)
// and reports whether the result is a known theme.
func ParseTheme(s string) (Theme, bool) {
	t := Theme(normaliseKey(s))
	return t, t.IsValid()
}

// FilterThemes keeps only known themes, normalising spelling and dropping
// duplicates while preserving first-seen order. The result is never nil.
func FilterThemes[S ~string](in []S) []Theme {
	out := make([]Theme, 0, len(in))
	for _, raw := range in {
		t, ok := ParseTheme(string(raw))
		if !ok || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Arcana
// ─────────────────────────────────────────────────────────────────────────────

// Arcana is one of the 22 fixed symbolic identity slots.
type Arcana string

const (
	ArcanaFool           Arcana = "fool"
	ArcanaMagician       Arcana = "magician"
	ArcanaHighPriestess  Arcana = "high_priestess"
	ArcanaEmpress        Arcana = "empress"
	ArcanaEmperor        Arcana = "emperor"
	ArcanaHierophant     Arcana = "hierophant"
	ArcanaLovers         Arcana = "lovers"
	ArcanaChariot        Arcana = "chariot"
	ArcanaStrength       Arcana = "strength"
	ArcanaHermit         Arcana = "hermit"
	ArcanaWheelOfFortune Arcana = "wheel_of_fortune"
	ArcanaJustice        Arcana = "justice"
	ArcanaHangedMan      Arcana = "hanged_man"
	ArcanaDeath          Arcana = "death"
	ArcanaTemperance     Arcana = "temperance"
	ArcanaDevil          Arcana = "devil"
	ArcanaTower          Arcana = "tower"
	ArcanaStar           Arcana = "star"
	ArcanaMoon           Arcana = "moon"
	ArcanaSun            Arcana = "sun"
	ArcanaJudgement      Arcana = "judgement"
	ArcanaWorld          Arcana = "world"
)

// ArcanaCount is the hard ceiling on living voices.
const ArcanaCount = 22

var allArcana = []Arcana{
	ArcanaFool, ArcanaMagician, ArcanaHighPriestess, ArcanaEmpress, ArcanaEmperor,
	ArcanaHierophant, ArcanaLovers, ArcanaChariot, ArcanaStrength, ArcanaHermit,
	ArcanaWheelOfFortune, ArcanaJustice, ArcanaHangedMan, ArcanaDeath, ArcanaTemperance,
	ArcanaDevil, ArcanaTower, ArcanaStar, ArcanaMoon, ArcanaSun,
	ArcanaJudgement, ArcanaWorld,
}

var arcanaNames = map[Arcana]string{
	ArcanaFool:           "The Fool",
	ArcanaMagician:       "The Magician",
	ArcanaHighPriestess:  "The High Priestess",
	ArcanaEmpress:        "The Empress",
	ArcanaEmperor:        "The Emperor",
	ArcanaHierophant:     "The Hierophant",
	ArcanaLovers:         "The Lovers",
	ArcanaChariot:        "The Chariot",
	ArcanaStrength:       "Strength",
	ArcanaHermit:         "The Hermit",
	ArcanaWheelOfFortune: "Wheel of Fortune",
	ArcanaJustice:        "Justice",
	ArcanaHangedMan:      "The Hanged Man",
	ArcanaDeath:          "Death",
	ArcanaTemperance:     "Temperance",
	ArcanaDevil:          "The Devil",
	ArcanaTower:          "The Tower",
	ArcanaStar:           "The Star",
	ArcanaMoon:           "The Moon",
	ArcanaSun:            "The Sun",
	ArcanaJudgement:      "Judgement",
	ArcanaWorld:          "The World",
}

// AllArcana returns the 22 arcana keys in traditional order.
func AllArcana() []Arcana {
	return slices.Clone(allArcana)
}

// IsValid reports whether a is one of the 22 keys.
func (a Arcana) IsValid() bool {
	_, ok := arcanaNames[a]
	return ok
}

// DisplayName returns the card title, e.g. "The Hanged Man".
func (a Arcana) DisplayName() string {
	return arcanaNames[a]
}

// ParseArcana accepts keys ("hanged_man") as well as titles ("The Hanged Man").
func ParseArcana(s string) (Arcana, bool) {
	key := normaliseKey(s)
	key = strings.TrimPrefix(key, "the_")
	a := Arcana(key)
	return a, a.IsValid()
}

// FirstFreeArcana returns the first arcana in traditional order that is not
// in taken.
func FirstFreeArcana(taken []Arcana) (Arcana, bool) {
	for _, a := range allArcana {
		if !slices.Contains(taken, a) {
			return a, true
		}
	}
	return "", false
}

// ─────────────────────────────────────────────────────────────────────────────
// Metaphor domains
// ─────────────────────────────────────────────────────────────────────────────

var metaphorDomains = []string{
	"weather", "ocean", "architecture", "gardening", "machinery", "music",
	"cartography", "cooking", "textiles", "astronomy", "theatre", "law",
	"medicine", "warfare", "animals", "fire", "trade", "religion",
}

// MetaphorDomains returns the fixed metaphor vocabulary.
func MetaphorDomains() []string {
	return slices.Clone(metaphorDomains)
}

// IsMetaphorDomain reports whether d is part of the vocabulary.
func IsMetaphorDomain(d string) bool {
	return slices.Contains(metaphorDomains, d)
}

// FirstFreeDomain returns the first vocabulary entry not in used.
func FirstFreeDomain(used []string) (string, bool) {
	for _, d := range metaphorDomains {
		if !slices.Contains(used, d) {
			return d, true
		}
	}
	return "", false
}

// ─────────────────────────────────────────────────────────────────────────────
// Depth tiers
// ─────────────────────────────────────────────────────────────────────────────

// Depth is the permanence tier of a voice.
type Depth string

const (
	DepthSurface Depth = "surface"
	DepthRooted  Depth = "rooted"
	DepthCore    Depth = "core"
)

// IsValid reports whether d is a recognised depth.
func (d Depth) IsValid() bool {
	switch d {
	case DepthSurface, DepthRooted, DepthCore:
		return true
	}
	return false
}

// DepthTier is the static rule set attached to a depth.
type DepthTier struct {
	DefaultInfluence  int
	MinChattiness     int
	MaxChattiness     int
	Decay             int
	Resolutions       []ResolutionType
	DefaultResolution ResolutionType
	// QuietFloor is added to the participation score on none/minor impact.
	QuietFloor float64
}

var depthTiers = map[Depth]DepthTier{
	DepthSurface: {
		DefaultInfluence:  30,
		MinChattiness:     2,
		MaxChattiness:     5,
		Decay:             1,
		Resolutions:       []ResolutionType{ResolutionFade, ResolutionHeal, ResolutionTransform, ResolutionConfront},
		DefaultResolution: ResolutionFade,
	},
	DepthRooted: {
		DefaultInfluence:  45,
		MinChattiness:     1,
		MaxChattiness:     4,
		Resolutions:       []ResolutionType{ResolutionHeal, ResolutionTransform, ResolutionConfront, ResolutionWitness},
		DefaultResolution: ResolutionHeal,
	},
	DepthCore: {
		DefaultInfluence:  60,
		MinChattiness:     1,
		MaxChattiness:     3,
		Resolutions:       []ResolutionType{ResolutionEndure},
		DefaultResolution: ResolutionEndure,
		QuietFloor:        -0.40,
	},
}

// Tier returns the rule set for d. Unknown depths get the surface tier.
func (d Depth) Tier() DepthTier {
	if t, ok := depthTiers[d]; ok {
		return t
	}
	return depthTiers[DepthSurface]
}

// Allows reports whether resolution type r is legal at depth d.
func (d Depth) Allows(r ResolutionType) bool {
	return slices.Contains(d.Tier().Resolutions, r)
}

// ClampChattiness clamps c into the depth's chattiness range. Zero picks the
// middle of the range.
func (d Depth) ClampChattiness(c int) int {
	t := d.Tier()
	if c == 0 {
		return (t.MinChattiness + t.MaxChattiness) / 2
	}
	return min(max(c, t.MinChattiness), t.MaxChattiness)
}

// DepthForImpact maps a classifier impact onto the depth of an event birth.
func DepthForImpact(i Impact) Depth {
	switch i {
	case ImpactCritical:
		return DepthCore
	case ImpactSignificant:
		return DepthRooted
	default:
		return DepthSurface
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Resolution types
// ─────────────────────────────────────────────────────────────────────────────

// ResolutionType selects the hidden completion state machine of a voice.
type ResolutionType string

const (
	ResolutionFade      ResolutionType = "fade"
	ResolutionHeal      ResolutionType = "heal"
	ResolutionTransform ResolutionType = "transform"
	ResolutionConfront  ResolutionType = "confront"
	ResolutionWitness   ResolutionType = "witness"
	ResolutionEndure    ResolutionType = "endure"
)

// IsValid reports whether r is a recognised resolution type.
func (r ResolutionType) IsValid() bool {
	switch r {
	case ResolutionFade, ResolutionHeal, ResolutionTransform, ResolutionConfront, ResolutionWitness, ResolutionEndure:
		return true
	}
	return false
}

// DefaultThreshold is the progress needed to resolve. Endure has none.
func (r ResolutionType) DefaultThreshold() *int {
	var n int
	switch r {
	case ResolutionFade:
		n = 60
	case ResolutionHeal, ResolutionTransform:
		n = 80
	case ResolutionConfront:
		n = 70
	case ResolutionWitness:
		n = 90
	default:
		return nil
	}
	return &n
}

// OverlayRatio is the progress/threshold ratio from which the cosmetic
// overlay state is shown. Zero means the type has no overlay.
func (r ResolutionType) OverlayRatio() float64 {
	switch r {
	case ResolutionFade:
		return 0.6
	case ResolutionTransform, ResolutionHeal, ResolutionWitness, ResolutionConfront:
		return 0.7
	}
	return 0
}

// OverlayState is the cosmetic state shown near completion.
func (r ResolutionType) OverlayState() State {
	switch r {
	case ResolutionFade:
		return StateFading
	case ResolutionTransform:
		return StateTransforming
	case ResolutionHeal, ResolutionWitness, ResolutionConfront:
		return StateResolving
	}
	return ""
}

// ReasonTag is the reason recorded when a voice of this type resolves.
func (r ResolutionType) ReasonTag() string {
	switch r {
	case ResolutionFade:
		return "faded"
	case ResolutionHeal:
		return "healed"
	case ResolutionTransform:
		return "transformed"
	case ResolutionConfront:
		return "confronted"
	case ResolutionWitness:
		return "witnessed"
	}
	return "resolved"
}

// ─────────────────────────────────────────────────────────────────────────────
// Relationship tiers
// ─────────────────────────────────────────────────────────────────────────────

// Relationship is a voice's stance toward the user.
type Relationship string

const (
	RelHostile     Relationship = "hostile"
	RelResentful   Relationship = "resentful"
	RelIndifferent Relationship = "indifferent"
	RelCurious     Relationship = "curious"
	RelWarm        Relationship = "warm"
	RelDevoted     Relationship = "devoted"
	RelProtective  Relationship = "protective"
	RelObsessed    Relationship = "obsessed"
	RelManic       Relationship = "manic"
	RelGrieving    Relationship = "grieving"
)

// The drift tables are directed adjacency, not a total order. A missing
// entry means the tier does not move in that direction.
var (
	warmerOf = map[Relationship]Relationship{
		RelHostile:     RelResentful,
		RelResentful:   RelIndifferent,
		RelIndifferent: RelCurious,
		RelCurious:     RelWarm,
		RelWarm:        RelDevoted,
		RelDevoted:     RelProtective,
		RelGrieving:    RelCurious,
	}
	colderOf = map[Relationship]Relationship{
		RelProtective:  RelDevoted,
		RelDevoted:     RelWarm,
		RelWarm:        RelCurious,
		RelCurious:     RelIndifferent,
		RelIndifferent: RelResentful,
		RelResentful:   RelHostile,
		RelObsessed:    RelResentful,
		RelManic:       RelObsessed,
		RelGrieving:    RelResentful,
	}
	towardIndifferentOf = map[Relationship]Relationship{
		RelHostile:    RelResentful,
		RelResentful:  RelIndifferent,
		RelCurious:    RelIndifferent,
		RelWarm:       RelCurious,
		RelDevoted:    RelWarm,
		RelProtective: RelDevoted,
		RelObsessed:   RelCurious,
		RelManic:      RelObsessed,
		RelGrieving:   RelIndifferent,
	}
	relationshipModifier = map[Relationship]float64{
		RelHostile:     0.10,
		RelResentful:   0.05,
		RelIndifferent: -0.20,
		RelCurious:     0.05,
		RelWarm:        0,
		RelDevoted:     0.05,
		RelProtective:  0.10,
		RelObsessed:    0.15,
		RelManic:       0.20,
		RelGrieving:    -0.10,
	}
)

// IsValid reports whether r is a recognised tier.
func (r Relationship) IsValid() bool {
	_, ok := relationshipModifier[r]
	return ok
}

// Warmer returns the next warmer tier and whether one exists.
func (r Relationship) Warmer() (Relationship, bool) {
	n, ok := warmerOf[r]
	return n, ok
}

// Colder returns the next colder tier and whether one exists.
func (r Relationship) Colder() (Relationship, bool) {
	n, ok := colderOf[r]
	return n, ok
}

// TowardIndifferent returns the neighbouring tier on the way to indifference.
func (r Relationship) TowardIndifferent() (Relationship, bool) {
	n, ok := towardIndifferentOf[r]
	return n, ok
}

// Extreme reports whether r is a side tier that passive drift never warms.
func (r Relationship) Extreme() bool {
	return r == RelObsessed || r == RelManic
}

// WarmLeaning reports whether r sits on the warm side of indifference.
func (r Relationship) WarmLeaning() bool {
	switch r {
	case RelCurious, RelWarm, RelDevoted, RelProtective, RelObsessed, RelManic:
		return true
	}
	return false
}

// HostileLeaning reports whether r sits on the hostile side of indifference.
func (r Relationship) HostileLeaning() bool {
	return r == RelHostile || r == RelResentful
}

// ParticipationModifier is the fixed per-tier participation term.
func (r Relationship) ParticipationModifier() float64 {
	return relationshipModifier[r]
}

// ─────────────────────────────────────────────────────────────────────────────
// Impact and escalation
// ─────────────────────────────────────────────────────────────────────────────

// Impact is the classifier-assigned severity of a message.
type Impact string

const (
	ImpactNone        Impact = "none"
	ImpactMinor       Impact = "minor"
	ImpactSignificant Impact = "significant"
	ImpactCritical    Impact = "critical"
)

// IsValid reports whether i is a recognised impact level.
func (i Impact) IsValid() bool {
	return i.Rank() >= 0
}

// Rank orders impacts; unknown values rank -1.
func (i Impact) Rank() int {
	switch i {
	case ImpactNone:
		return 0
	case ImpactMinor:
		return 1
	case ImpactSignificant:
		return 2
	case ImpactCritical:
		return 3
	}
	return -1
}

// Escalation is the session-wide tension level.
type Escalation string

const (
	EscalationCalm     Escalation = "calm"
	EscalationRising   Escalation = "rising"
	EscalationElevated Escalation = "elevated"
	EscalationCrisis   Escalation = "crisis"
)

var escalationOrder = []Escalation{EscalationCalm, EscalationRising, EscalationElevated, EscalationCrisis}

// IsValid reports whether e is a recognised level.
func (e Escalation) IsValid() bool {
	return e.Rank() >= 0
}

// Rank orders levels; unknown values rank -1.
func (e Escalation) Rank() int {
	return slices.Index(escalationOrder, e)
}

// Next applies one message worth of hysteresis: critical jumps to crisis,
// significant and minor raise to a floor, none cools by one step.
func (e Escalation) Next(i Impact) Escalation {
	cur := max(e.Rank(), 0)
	switch i {
	case ImpactCritical:
		return EscalationCrisis
	case ImpactSignificant:
		return escalationOrder[max(cur, EscalationElevated.Rank())]
	case ImpactMinor:
		return escalationOrder[max(cur, EscalationRising.Rank())]
	default:
		return escalationOrder[max(cur-1, 0)]
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Opinion language
// ─────────────────────────────────────────────────────────────────────────────

var (
	allyWords = []string{
		"respect", "admire", "trust", "ally", "allies", "agree", "protect",
		"friend", "love", "kindred", "understand", "grateful", "need",
	}
	hostileWords = []string{
		"hate", "despise", "enemy", "threat", "destroy", "resent", "distrust",
		"loathe", "poison", "dangerous", "weak", "parasite",
	}
	mockeryWords = []string{
		"pathetic", "ridiculous", "laugh", "mock", "joke", "silly", "naive",
		"cute", "clown", "childish",
	}
)

// Tone summarises which opinion lexicons an opinion string hits.
type Tone struct {
	Ally    bool
	Hostile bool
	Mockery bool
}

// ReadTone scans an opinion string for ally, hostile and mockery language.
func ReadTone(opinion string) Tone {
	lower := strings.ToLower(opinion)
	return Tone{
		Ally:    containsAny(lower, allyWords),
		Hostile: containsAny(lower, hostileWords),
		Mockery: containsAny(lower, mockeryWords),
	}
}

// Positive reports ally language without hostility.
func (t Tone) Positive() bool {
	return t.Ally && !t.Hostile
}

// containsAny matches lexicon entries as word prefixes so "hated" counts as
// "hate" while "really" does not count as "ally".
func containsAny(s string, words []string) bool {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	for _, f := range fields {
		for _, w := range words {
			if strings.HasPrefix(f, w) {
				return true
			}
		}
	}
	return false
}

func normaliseKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	return s
}

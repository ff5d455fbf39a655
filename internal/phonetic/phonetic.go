// Package phonetic matches the speaker labels a text generator writes
// ("ARCHIVIST:", "The Archi.:", "Arkivist:") back to the names of living
// voices.
//
// Matching runs in tiers and stops at the first tier that produces a hit:
//
//  1. exact, case-insensitive, ignoring a leading "the";
//  2. prefix, either label-of-name or name-of-label, at least three letters;
//  3. phonetic, Double Metaphone code overlap with a Jaro-Winkler floor;
//  4. fuzzy, Jaro-Winkler alone with a higher floor.
//
// The phonetic and fuzzy tiers use github.com/antzucaro/matchr.
package phonetic

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
	minPrefix                = 3
)

// Tier names how a label was matched.
type Tier int

const (
	TierNone Tier = iota
	TierExact
	TierPrefix
	TierPhonetic
	TierFuzzy
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierPrefix:
		return "prefix"
	case TierPhonetic:
		return "phonetic"
	case TierFuzzy:
		return "fuzzy"
	}
	return "none"
}

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the Jaro-Winkler floor applied when the Double
// Metaphone codes overlap. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the Jaro-Winkler floor when the codes do not
// overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher resolves labels against a list of names. It holds no state
// besides its thresholds and is safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher with default thresholds.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the index into names that label refers to, the tier that
// matched and a confidence in [0,1]. The index is -1 when nothing matched.
// Within a tier the first name wins ties, except the prefix tier which
// prefers the longest shared prefix.
func (m *Matcher) Match(label string, names []string) (index int, tier Tier, confidence float64) {
	l := Normalize(label)
	if l == "" || len(names) == 0 {
		return -1, TierNone, 0
	}
	norm := make([]string, len(names))
	for i, n := range names {
		norm[i] = Normalize(n)
	}

	for i, n := range norm {
		if n != "" && n == l {
			return i, TierExact, 1
		}
	}

	best, bestLen := -1, 0
	for i, n := range norm {
		if n == "" {
			continue
		}
		short, long := l, n
		if len(short) > len(long) {
			short, long = long, short
		}
		if len(short) >= minPrefix && strings.HasPrefix(long, short) && len(short) > bestLen {
			best, bestLen = i, len(short)
		}
	}
	if best >= 0 {
		return best, TierPrefix, float64(bestLen) / float64(max(len(l), len(norm[best])))
	}

	labelTokens := strings.Fields(l)
	labelCodes := codesForTokens(labelTokens)
	var (
		bestIdx   = -1
		bestScore float64
		bestTier  = TierNone
	)
	for i, n := range norm {
		if n == "" {
			continue
		}
		tokens := strings.Fields(n)
		score := bestJWScore(labelTokens, tokens, l, n)
		if codesOverlap(labelCodes, codesForTokens(tokens)) {
			if score >= m.phoneticThreshold && (bestTier != TierPhonetic || score > bestScore) {
				bestIdx, bestScore, bestTier = i, score, TierPhonetic
			}
		} else if bestTier != TierPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			bestIdx, bestScore, bestTier = i, score, TierFuzzy
		}
	}
	return bestIdx, bestTier, bestScore
}

// Normalize lowercases s, drops punctuation and a leading "the".
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		if r == '-' || r == '_' {
			return ' '
		}
		return -1
	}, s)
	fields := strings.Fields(s)
	if len(fields) > 1 && fields[0] == "the" {
		fields = fields[1:]
	}
	return strings.Join(fields, " ")
}

func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the best Jaro-Winkler similarity over the full strings,
// their space-less concatenations and every token pair.
func bestJWScore(labelTokens, nameTokens []string, labelFull, nameFull string) float64 {
	score := matchr.JaroWinkler(labelFull, nameFull, false)
	if len(labelTokens) > 1 || len(nameTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(labelTokens, ""), strings.Join(nameTokens, ""), false); s > score {
			score = s
		}
	}
	for _, lt := range labelTokens {
		for _, nt := range nameTokens {
			if s := matchr.JaroWinkler(lt, nt, false); s > score {
				score = s
			}
		}
	}
	return score
}

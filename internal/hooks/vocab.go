package hooks

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// VocabularyConfig configures the domain-term correction middleware.
type VocabularyConfig struct {
	// Terms are the canonical domain terms transcripts are corrected
	// toward (product names, jargon, proper nouns the recognizer tends
	// to mangle).
	Terms []string

	// PhoneticThreshold is the minimum Jaro-Winkler score a
	// phonetically-matched term needs to be accepted. Defaults to 0.70.
	PhoneticThreshold float64

	// FuzzyThreshold is the minimum Jaro-Winkler score when no phonetic
	// match exists and pure string similarity decides. Defaults to 0.85.
	FuzzyThreshold float64
}

func (c *VocabularyConfig) applyDefaults() {
	if c.PhoneticThreshold == 0 {
		c.PhoneticThreshold = 0.70
	}
	if c.FuzzyThreshold == 0 {
		c.FuzzyThreshold = 0.85
	}
}

// vocabTerm is one precomputed canonical term.
type vocabTerm struct {
	canonical string
	lower     string
	tokens    []string
	codes     map[string]struct{}
}

// vocabulary corrects recognizer output on the post-STT seam. Matching is
// two-stage: Double Metaphone overlap filters candidates, Jaro-Winkler
// similarity ranks them. Multi-word terms match against sliding n-gram
// windows of the transcript.
type vocabulary struct {
	cfg      VocabularyConfig
	terms    []vocabTerm
	maxWords int
}

// NewVocabulary builds a Middleware that rewrites transcripts so that words
// phonetically close to a configured term are replaced by the term's
// canonical spelling. With no terms configured the middleware passes
// transcripts through untouched.
func NewVocabulary(cfg VocabularyConfig) Middleware {
	v := newVocabulary(cfg)
	return Middleware{
		Name:    "vocabulary",
		PostSTT: []TextStage{v.stage},
	}
}

func newVocabulary(cfg VocabularyConfig) *vocabulary {
	cfg.applyDefaults()
	v := &vocabulary{cfg: cfg}
	for _, t := range cfg.Terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		v.terms = append(v.terms, vocabTerm{
			canonical: strings.TrimSpace(t),
			lower:     lower,
			tokens:    tokens,
			codes:     metaphoneCodes(tokens),
		})
		if len(tokens) > v.maxWords {
			v.maxWords = len(tokens)
		}
	}
	return v
}

func (v *vocabulary) stage(in <-chan string) <-chan string {
	if len(v.terms) == 0 {
		return in
	}
	out := make(chan string)
	go func() {
		defer close(out)
		for text := range in {
			out <- v.Correct(text)
		}
	}()
	return out
}

// Correct returns text with recognized near-misses of the configured terms
// replaced by their canonical spellings. Scanning is greedy left to right,
// longest window first, so multi-word terms win over their fragments.
func (v *vocabulary) Correct(text string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return text
	}

	var out []string
	for i := 0; i < len(words); {
		matched := false
		for n := min(v.maxWords, len(words)-i); n >= 1 && !matched; n-- {
			window := strings.Join(words[i:i+n], " ")
			core, leading, trailing := trimPunct(window)
			if core == "" {
				continue
			}
			if term, ok := v.match(core); ok {
				out = append(out, leading+term+trailing)
				i += n
				matched = true
			}
		}
		if !matched {
			out = append(out, words[i])
			i++
		}
	}
	return strings.Join(out, " ")
}

// match finds the best term for phrase, preferring phonetic candidates.
// A phrase only competes against terms with the same word count, so a
// fragment of a multi-word term never claims the whole term.
func (v *vocabulary) match(phrase string) (string, bool) {
	lower := strings.ToLower(phrase)
	tokens := strings.Fields(lower)
	codes := metaphoneCodes(tokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, t := range v.terms {
		if len(t.tokens) != len(tokens) {
			continue
		}
		if lower == t.lower {
			// Already spelled correctly; normalise casing only.
			return t.canonical, true
		}
		score := similarity(tokens, t.tokens, lower, t.lower)
		if codesOverlap(codes, t.codes) {
			if score >= v.cfg.PhoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = t.canonical, score, true
			}
		} else if !bestPhonetic && score >= v.cfg.FuzzyThreshold && score > bestScore {
			best, bestScore = t.canonical, score
		}
	}
	return best, best != ""
}

// metaphoneCodes returns the union of Double Metaphone codes over tokens.
func metaphoneCodes(tokens []string) map[string]struct{} {
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

// similarity is the better of the whole-phrase Jaro-Winkler score and the
// average of position-aligned token scores. The aligned average rewards a
// phrase whose every word is close to the term's corresponding word without
// letting one strong token carry an otherwise unrelated phrase.
func similarity(aTokens, bTokens []string, aFull, bFull string) float64 {
	score := matchr.JaroWinkler(aFull, bFull, false)
	if len(aTokens) > 1 {
		var sum float64
		for i := range aTokens {
			sum += matchr.JaroWinkler(aTokens[i], bTokens[i], false)
		}
		if avg := sum / float64(len(aTokens)); avg > score {
			score = avg
		}
	}
	return score
}

// trimPunct splits surrounding punctuation off a phrase so "Eldrinax," can
// match the term and keep its comma.
func trimPunct(s string) (core, leading, trailing string) {
	const punct = ".,!?;:\"'()"
	start := 0
	for start < len(s) && strings.ContainsRune(punct, rune(s[start])) {
		start++
	}
	end := len(s)
	for end > start && strings.ContainsRune(punct, rune(s[end-1])) {
		end--
	}
	return s[start:end], s[:start], s[end:]
}

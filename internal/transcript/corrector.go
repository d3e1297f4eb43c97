// Package transcript fixes STT errors in domain-specific vocabulary.
//
// Finalized transcripts frequently mishear proper nouns: company names,
// product names, technologies the interview is actually about. The
// [Corrector] aligns whitespace-tokenised n-grams of the transcript against
// a configured vocabulary using phonetic matching, substituting the
// canonical term where pronunciation and string similarity agree. It runs
// in-process with no network calls, so it sits on the hot path between
// finalization and response generation without affecting latency.
package transcript

import (
	"strings"

	"github.com/voxloop/voxloop/internal/transcript/phonetic"
)

// Correction records a single substitution applied to a transcript.
type Correction struct {
	// Original is the text span as produced by the STT provider.
	Original string

	// Corrected is the vocabulary term that replaced it.
	Corrected string

	// Confidence is the similarity score of the substitution (0.0–1.0).
	Confidence float64
}

// Corrector applies phonetic vocabulary correction to transcript text.
// It is read-only after construction and safe for concurrent use.
type Corrector struct {
	matcher    *phonetic.Matcher
	vocabulary []string
	maxWords   int
}

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithMatcher replaces the default phonetic matcher.
func WithMatcher(m *phonetic.Matcher) Option {
	return func(c *Corrector) {
		c.matcher = m
	}
}

// New creates a Corrector over the given vocabulary. An empty vocabulary
// yields a Corrector whose Correct is the identity.
func New(vocabulary []string, opts ...Option) *Corrector {
	c := &Corrector{
		matcher:    phonetic.New(),
		vocabulary: vocabulary,
		maxWords:   maxWordCount(vocabulary),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct aligns text against the vocabulary and returns the corrected text
// together with the substitutions applied.
//
// At each token position, n-gram windows are tried from the longest
// vocabulary term length down to one word, and the longest matching window
// wins so multi-word terms take precedence over partial single-word matches.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if c.maxWords == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var output []string
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		maxN := c.maxWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			term, conf, ok := c.matcher.Match(window, c.vocabulary)
			if !ok || strings.EqualFold(term, window) {
				continue
			}
			output = append(output, strings.Fields(term)...)
			corrections = append(corrections, Correction{
				Original:   window,
				Corrected:  term,
				Confidence: conf,
			})
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	return strings.Join(output, " "), corrections
}

// maxWordCount returns the word count of the longest vocabulary term.
func maxWordCount(vocabulary []string) int {
	maxWords := 0
	for _, term := range vocabulary {
		if n := len(strings.Fields(term)); n > maxWords {
			maxWords = n
		}
	}
	return maxWords
}

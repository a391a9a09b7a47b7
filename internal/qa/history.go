package qa

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// domainTerms are form vocabulary whose presence in both questions is a
// strong reuse signal even when the phrasing differs.
var domainTerms = map[string]bool{
	"sponsorship":  true,
	"visa":         true,
	"salary":       true,
	"compensation": true,
	"relocation":   true,
	"remote":       true,
	"experience":   true,
	"years":        true,
	"notice":       true,
	"degree":       true,
	"authorized":   true,
	"clearance":    true,
}

// stopwords are ignored when computing keyword overlap.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "on": true, "for": true, "do": true, "you": true,
	"your": true, "are": true, "is": true, "have": true, "what": true,
	"how": true, "many": true, "with": true, "this": true, "that": true,
	"will": true, "be": true, "at": true, "any": true,
}

// minSharedKeywords is the overlap threshold for a similarity match when no
// shared domain term is present.
const minSharedKeywords = 3

// lookupSuggestion searches the user's answer history for a reusable answer:
// an exact text match first, then a keyword-overlap heuristic. The result is
// only ever offered as a suggestion, never auto-submitted.
func (c *Channel) lookupSuggestion(ctx context.Context, userID, questionText string) (string, bool) {
	history, err := c.answers.History(ctx, userID)
	if err != nil {
		c.logger.Warn("Answer history lookup failed.", zap.String("user_id", userID), zap.Error(err))
		return "", false
	}
	if len(history) == 0 {
		return "", false
	}

	normalized := normalize(questionText)

	// Exact match wins; walk backwards so the most recent answer is reused.
	for i := len(history) - 1; i >= 0; i-- {
		if normalize(history[i].QuestionText) == normalized {
			return history[i].Value, true
		}
	}

	// Similarity fallback.
	want := keywords(normalized)
	if len(want) == 0 {
		return "", false
	}
	for i := len(history) - 1; i >= 0; i-- {
		if similar(want, keywords(normalize(history[i].QuestionText))) {
			return history[i].Value, true
		}
	}
	return "", false
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// keywords returns the non-stopword tokens of a normalized question.
func keywords(normalized string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(normalized) {
		tok = strings.Trim(tok, ".,;:?!()'\"")
		if len(tok) < 2 || stopwords[tok] {
			continue
		}
		out[tok] = true
	}
	return out
}

// similar reports whether two keyword sets share a domain term or at least
// minSharedKeywords ordinary terms.
func similar(a, b map[string]bool) bool {
	shared := 0
	for tok := range a {
		if !b[tok] {
			continue
		}
		if domainTerms[tok] {
			return true
		}
		shared++
	}
	return shared >= minSharedKeywords
}

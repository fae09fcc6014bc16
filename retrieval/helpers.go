package retrieval

import (
	"strings"
	"unicode"
)

// sanitizeFTSQuery builds an FTS5 OR query from free text: the full phrase
// when there are several words, plus each significant word. Every term is
// quoted so punctuation in vital signs (120/80, 37.5) cannot break FTS5
// syntax. Returns "" when nothing searchable remains.
func sanitizeFTSQuery(query string) string {
	words := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) == 0 {
		return ""
	}

	var parts []string
	seen := make(map[string]bool)
	add := func(term string) {
		if !seen[term] {
			seen[term] = true
			parts = append(parts, `"`+term+`"`)
		}
	}

	if len(words) > 1 {
		add(strings.Join(words, " "))
	}
	for _, w := range words {
		if isSignificant(w) {
			add(w)
		}
	}
	if len(parts) == 0 {
		for _, w := range words {
			add(w)
		}
	}
	return strings.Join(parts, " OR ")
}

// isSignificant filters stop words and one-character tokens. Length is
// counted in runes so a two-syllable Korean word like 흉통 qualifies.
func isSignificant(w string) bool {
	return len([]rune(w)) > 1 && !isStopWord(w)
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"has": true, "have": true, "had": true, "not": true, "no": true,
	"및": true, "또는": true, "그리고": true,
	"환자": true, "증상": true,
}

func isStopWord(w string) bool {
	return stopWords[strings.ToLower(w)]
}

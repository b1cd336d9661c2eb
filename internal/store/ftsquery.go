package store

import "strings"

// buildFTSQuery builds a safe FTS5 match expression: queries
// of 3 or more words become a single quoted phrase (internal quotes
// doubled per FTS5 escaping rules); shorter queries become AND-ed
// prefix-match terms, each individually quoted to guard against FTS5
// operator injection from user input.
func buildFTSQuery(raw string) string {
	words := strings.Fields(raw)
	if len(words) == 0 {
		return ""
	}

	if len(words) >= 3 {
		return `"` + escapeFTSQuotes(raw) + `"`
	}

	terms := make([]string, 0, len(words))
	for _, w := range words {
		terms = append(terms, `"`+escapeFTSQuotes(w)+`"*`)
	}
	return strings.Join(terms, " AND ")
}

func escapeFTSQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, `""`)
}

package utils

import "strings"

// MaxSummaryWords is the hard cap on summary length accepted from the oracle.
const MaxSummaryWords = 250

// WordCount counts whitespace-separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// TruncateWords returns text cut to at most limit words. Text already within
// the limit is returned unchanged; truncated text is re-joined with single spaces.
func TruncateWords(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	words := strings.Fields(text)
	if len(words) <= limit {
		return text
	}
	return strings.Join(words[:limit], " ")
}

// CapSummary applies MaxSummaryWords and trims surrounding whitespace.
func CapSummary(summary string) string {
	return strings.TrimSpace(TruncateWords(summary, MaxSummaryWords))
}

package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// ErrUnparseableTime is returned when a temporal value matches no known form.
var ErrUnparseableTime = errors.New("unparseable temporal expression")

// Absolute layouts, most specific first. Layouts without an offset are read as UTC.
var temporalLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"January 2006",
	"Jan 2006",
	"2006-01",
	"2006",
}

var (
	nullTemporal = map[string]bool{"": true, "null": true, "none": true, "nil": true, "unknown": true, "n/a": true}
	clockPattern = regexp.MustCompile(`(?i)^\d{1,2}(:\d{2})?\s*(am|pm)$`)

	parserOnce sync.Once
	parser     *when.Parser
)

func relativeParser() *when.Parser {
	parserOnce.Do(func() {
		parser = when.New(nil)
		parser.Add(en.All...)
		parser.Add(common.All...)
	})
	return parser
}

// ParseTemporal parses a timestamp produced by the oracle. Absolute forms are
// tried first: a date without a time is midnight, a bare year is January 1,
// and a value without an offset is UTC. Relative phrases ("10 years ago",
// "last week") resolve against reference. The result is always UTC.
// Null-like values return (nil, nil).
func ParseTemporal(value string, reference time.Time) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if nullTemporal[strings.ToLower(trimmed)] {
		return nil, nil
	}

	if t, ok := parseAbsolute(trimmed); ok {
		return &t, nil
	}

	if !reference.IsZero() {
		r, err := relativeParser().Parse(trimmed, reference)
		if err == nil && r != nil {
			t := r.Time.UTC()
			return &t, nil
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrUnparseableTime, value)
}

func parseAbsolute(value string) (time.Time, bool) {
	for _, layout := range temporalLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// IsTemporalExpression reports whether name is nothing but a date, time or
// relative time phrase. Such names are edge data, never entities.
func IsTemporalExpression(name string) bool {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return false
	}
	if _, ok := parseAbsolute(trimmed); ok {
		return true
	}
	if clockPattern.MatchString(trimmed) {
		return true
	}
	r, err := relativeParser().Parse(trimmed, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || r == nil {
		return false
	}
	return r.Index == 0 && len(strings.TrimSpace(r.Text)) == len(trimmed)
}

// FormatTemporal renders t as RFC3339 in UTC with a Z suffix.
func FormatTemporal(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Package jsonutil sanitises language model output before it is decoded.
//
// Models frequently wrap JSON in markdown code fences or surround it with
// whitespace. Clean removes that wrapping, Parse and ParseInto try a direct
// decode before falling back to the cleaned text, and Repair salvages
// near-valid JSON for callers that opt into it.
package jsonutil

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	jsonrepair "github.com/kaptinlin/jsonrepair"
)

// PreviewLength is the number of characters of the original and cleaned
// text kept on a DecodeError.
const PreviewLength = 200

const (
	fenceJSON = "```json"
	fence     = "```"
)

var thinkTags = regexp.MustCompile(`(?s)<think>.*?</think>`)

// DecodeError is returned when neither the raw nor the cleaned text decodes.
type DecodeError struct {
	Original string
	Cleaned  string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode JSON response: %v (original: %q, cleaned: %q)", e.Err, e.Original, e.Cleaned)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Clean strips surrounding whitespace and a leading/trailing fenced code
// wrapper, with or without a "json" language tag. Stripping repeats until
// nothing changes so Clean(Clean(x)) == Clean(x).
func Clean(raw string) string {
	s := strings.TrimSpace(raw)
	for {
		next := stripFenceOnce(s)
		if next == s {
			return s
		}
		s = next
	}
}

func stripFenceOnce(s string) string {
	switch {
	case strings.HasPrefix(s, fenceJSON):
		s = s[len(fenceJSON):]
	case strings.HasPrefix(s, fence):
		s = s[len(fence):]
	}
	if strings.HasSuffix(s, fence) {
		s = s[:len(s)-len(fence)]
	}
	return strings.TrimSpace(s)
}

// Parse decodes raw into a generic value, first as-is and then after Clean.
func Parse(raw string) (any, error) {
	var v any
	if err := ParseInto(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ParseInto decodes raw into v, first as-is and then after Clean.
// On failure it returns a *DecodeError carrying previews of both inputs.
func ParseInto(raw string, v any) error {
	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}
	cleaned := Clean(raw)
	err := json.Unmarshal([]byte(cleaned), v)
	if err == nil {
		return nil
	}
	return &DecodeError{
		Original: Preview(raw),
		Cleaned:  Preview(cleaned),
		Err:      err,
	}
}

// Repair attempts to salvage near-valid JSON: reasoning blocks are removed,
// the text is cleaned, trailing prose after the last closing bracket is
// dropped and the remainder is passed through jsonrepair.
func Repair(raw string) (string, error) {
	s := Clean(RemoveThinkTags(raw))
	if start := strings.IndexAny(s, "{["); start > 0 {
		s = s[start:]
	}
	if end := strings.LastIndexAny(s, "}]"); end >= 0 && end < len(s)-1 {
		s = s[:end+1]
	}
	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return "", fmt.Errorf("failed to repair JSON: %w", err)
	}
	return repaired, nil
}

// ParseIntoLenient behaves like ParseInto and, when both attempts fail,
// decodes the output of Repair. The original DecodeError is returned if the
// repaired text does not decode either.
func ParseIntoLenient(raw string, v any) error {
	err := ParseInto(raw, v)
	if err == nil {
		return nil
	}
	repaired, rerr := Repair(raw)
	if rerr != nil {
		return err
	}
	if json.Unmarshal([]byte(repaired), v) != nil {
		return err
	}
	return nil
}

// RemoveThinkTags drops <think>...</think> reasoning blocks emitted by some models.
func RemoveThinkTags(input string) string {
	return thinkTags.ReplaceAllString(input, "")
}

// Preview returns at most PreviewLength characters of s without splitting a rune.
func Preview(s string) string {
	if utf8.RuneCountInString(s) <= PreviewLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:PreviewLength])
}

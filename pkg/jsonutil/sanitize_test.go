package jsonutil

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"whitespace", "  \n{\"a\":1}\n\t", `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n[1,2]\n```", `[1,2]`},
		{"leading fence only", "```json {\"a\":1}", `{"a":1}`},
		{"trailing fence only", "{\"a\":1}```", `{"a":1}`},
		{"nested fences", "```json```json {}```", `{}`},
		{"only fence", "```", ``},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.in))
		})
	}
}

func TestCleanIsIdempotent(t *testing.T) {
	inputs := []string{
		"",
		"```",
		"````",
		"``````",
		"```json",
		"```json```json {}```",
		" ``` ```json x ``` ``` ",
		"\n```json\n{\"nodes\": []}\n```\n",
		"text ``` in the middle ``` here",
		"```jsonjson```",
	}
	for _, in := range inputs {
		once := Clean(in)
		assert.Equal(t, once, Clean(once), "input %q", in)
	}
}

func TestParse(t *testing.T) {
	t.Run("direct", func(t *testing.T) {
		v, err := Parse(`{"missed_entities": ["Bob"]}`)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"missed_entities": []any{"Bob"}}, v)
	})

	t.Run("fenced", func(t *testing.T) {
		v, err := Parse("```json\n{\"duplicate_facts\": [0, 2]}\n```")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"duplicate_facts": []any{float64(0), float64(2)}}, v)
	})

	t.Run("undecodable carries previews", func(t *testing.T) {
		raw := "```json\nnot json " + strings.Repeat("x", 500) + "\n```"
		_, err := Parse(raw)
		require.Error(t, err)

		var decodeErr *DecodeError
		require.True(t, errors.As(err, &decodeErr))
		assert.Len(t, []rune(decodeErr.Original), PreviewLength)
		assert.True(t, strings.HasPrefix(decodeErr.Cleaned, "not json"))
	})
}

func TestParseIntoRoundTrip(t *testing.T) {
	type resolution struct {
		DuplicateFacts    []int  `json:"duplicate_facts"`
		ContradictedFacts []int  `json:"contradicted_facts"`
		FactType          string `json:"fact_type"`
	}
	want := resolution{DuplicateFacts: []int{1}, ContradictedFacts: []int{}, FactType: "DEFAULT"}

	var got resolution
	require.NoError(t, ParseInto("```\n{\"duplicate_facts\":[1],\"contradicted_facts\":[],\"fact_type\":\"DEFAULT\"}\n```", &got))
	assert.Equal(t, want, got)
}

func TestParseIntoLenient(t *testing.T) {
	var v struct {
		Names []string `json:"names"`
	}
	raw := "<think>let me see</think>Here you go:\n{\"names\": [\"Alice\", \"Bob\",]}\nHope that helps."
	require.NoError(t, ParseIntoLenient(raw, &v))
	assert.Equal(t, []string{"Alice", "Bob"}, v.Names)
}

func TestPreviewKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("é", PreviewLength+10)
	p := Preview(s)
	assert.Equal(t, PreviewLength, len([]rune(p)))
}

package prompts

import (
	"fmt"
	"strings"
	"time"

	"github.com/soundprediction/chronograph/pkg/types"
)

// EdgeDatesContext asks for the validity interval of a single fact.
type EdgeDatesContext struct {
	PreviousEpisodes   []string
	CurrentEpisode     string
	ReferenceTimestamp time.Time
	EdgeFact           string
}

func (c EdgeDatesContext) Validate() error {
	if strings.TrimSpace(c.EdgeFact) == "" {
		return missingField("edge_fact")
	}
	if c.ReferenceTimestamp.IsZero() {
		return missingField("reference_timestamp")
	}
	return nil
}

// ExtractEdgeDatesPrompt defines the interface for extract edge dates prompts.
type ExtractEdgeDatesPrompt interface {
	V1() PromptVersion[EdgeDatesContext]
}

// ExtractEdgeDatesVersions holds all versions of extract edge dates prompts.
type ExtractEdgeDatesVersions struct {
	V1Prompt PromptVersion[EdgeDatesContext]
}

func (e *ExtractEdgeDatesVersions) V1() PromptVersion[EdgeDatesContext] { return e.V1Prompt }

// datetimeRules are the dating rules shared by edge extraction and edge
// dating, so a fact gets the same interval from either prompt.
const datetimeRules = `1. Use ISO 8601 format with a time zone (YYYY-MM-DDTHH:MM:SSZ); use Z for UTC when no time zone is mentioned.
2. Treat the reference time as the current time when determining valid_at and invalid_at.
3. If the fact is written in the present tense, use the reference time for valid_at.
4. Only use dates that are part of the fact itself. Ignore times mentioned for other events and do not infer dates from related events.
5. For relative time mentions (e.g. "10 years ago", "last week", "2 mins ago"), calculate the actual datetime from the reference time.
6. If a change or termination is expressed, set invalid_at to when the relationship stopped being true.
7. A fact about something no longer being true should set valid_at according to when the negated fact became true.
8. If the relationship is not of spanning nature but its date is known, set valid_at only.
9. If only a date is mentioned without a specific time, use 00:00:00 (midnight) for that date.
10. If only a year is mentioned, use January 1st of that year at 00:00:00.
11. Leave a field null if no explicit or resolvable time is stated for it.`

// extractDatesPrompt extracts valid_at and invalid_at for one fact.
func extractDatesPrompt(c EdgeDatesContext) ([]types.Message, error) {
	sysPrompt := `You are an AI assistant that extracts datetime information for graph edges, focusing only on dates directly related to the establishment or change of the relationship described in the edge fact.`

	previous, err := promptJSON(c.PreviousEpisodes)
	if err != nil {
		return nil, err
	}

	userPrompt := fmt.Sprintf(`<PREVIOUS MESSAGES>
%s
</PREVIOUS MESSAGES>
<CURRENT MESSAGE>
%s
</CURRENT MESSAGE>
<REFERENCE TIMESTAMP>
%s
</REFERENCE TIMESTAMP>

<FACT>
%s
</FACT>

IMPORTANT: Only extract time information if it is part of the provided fact. Otherwise ignore the time mentioned.

Definitions:
- valid_at: The date and time when the relationship described by the edge fact became true or was established.
- invalid_at: The date and time when the relationship described by the edge fact stopped being true or ended.

Task:
Analyze the conversation and determine if there are dates that are part of the edge fact. Only set dates if they explicitly relate to the formation or alteration of the relationship itself.

Guidelines:
%s

Respond with a JSON object of the form:
{"valid_at": null, "invalid_at": null}`,
		previous, c.CurrentEpisode, FormatReferenceTime(c.ReferenceTimestamp), c.EdgeFact, datetimeRules)

	return messages(sysPrompt, userPrompt), nil
}

// NewExtractEdgeDatesVersions creates a new ExtractEdgeDatesVersions instance.
func NewExtractEdgeDatesVersions() *ExtractEdgeDatesVersions {
	return &ExtractEdgeDatesVersions{
		V1Prompt: NewPromptVersion("extract_edge_dates.v1", extractDatesPrompt),
	}
}

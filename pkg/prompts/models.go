package prompts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/soundprediction/chronograph/pkg/types"
)

// ExtractedEntity represents an entity extracted from content
type ExtractedEntity struct {
	Name         string `json:"name"`
	EntityTypeID int    `json:"entity_type_id"`
}

// ExtractedEntities represents a list of extracted entities
type ExtractedEntities struct {
	ExtractedEntities []ExtractedEntity `json:"extracted_entities"`
}

// Validate requires the entity list to be present.
func (e *ExtractedEntities) Validate() error {
	if e.ExtractedEntities == nil {
		return errors.New("extracted_entities is required")
	}
	return nil
}

// MissedEntities represents entities that weren't extracted
type MissedEntities struct {
	MissedEntities []string `json:"missed_entities"`
}

// Validate requires the missed list to be present; an empty list means
// nothing was missed.
func (m *MissedEntities) Validate() error {
	if m.MissedEntities == nil {
		return errors.New("missed_entities is required")
	}
	return nil
}

// EntityClassificationTriple represents an entity with classification
type EntityClassificationTriple struct {
	UUID       string  `json:"uuid"`
	Name       string  `json:"name"`
	EntityType *string `json:"entity_type"`
}

// EntityClassification represents entity classifications
type EntityClassification struct {
	EntityClassifications []EntityClassificationTriple `json:"entity_classifications"`
}

// Validate requires the classification list to be present.
func (e *EntityClassification) Validate() error {
	if e.EntityClassifications == nil {
		return errors.New("entity_classifications is required")
	}
	return nil
}

// ExtractedNodeAttributes is the attribute backfill response for an entity.
// Both keys must be present; null values keep what the entity already has.
type ExtractedNodeAttributes struct {
	Summary    *string        `json:"summary"`
	Attributes map[string]any `json:"attributes"`

	missing []string
}

func (e *ExtractedNodeAttributes) UnmarshalJSON(data []byte) error {
	type plain ExtractedNodeAttributes
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	missing, err := missingKeys(data, "summary", "attributes")
	if err != nil {
		return err
	}
	*e = ExtractedNodeAttributes(p)
	e.missing = missing
	return nil
}

// Validate requires the summary and attributes keys.
func (e *ExtractedNodeAttributes) Validate() error {
	return requiredKeys(e.missing)
}

// ExtractedEdgeAttributes is the attribute backfill response for a fact.
type ExtractedEdgeAttributes struct {
	Attributes map[string]any `json:"attributes"`

	missing []string
}

func (e *ExtractedEdgeAttributes) UnmarshalJSON(data []byte) error {
	type plain ExtractedEdgeAttributes
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	missing, err := missingKeys(data, "attributes")
	if err != nil {
		return err
	}
	*e = ExtractedEdgeAttributes(p)
	e.missing = missing
	return nil
}

// Validate requires the attributes key.
func (e *ExtractedEdgeAttributes) Validate() error {
	return requiredKeys(e.missing)
}

// ExtractedEdge is a fact as returned by the edge extraction prompt.
type ExtractedEdge struct {
	RelationType   string  `json:"relation_type"`
	SourceEntityID int     `json:"source_entity_id"`
	TargetEntityID int     `json:"target_entity_id"`
	Fact           string  `json:"fact"`
	ValidAt        *string `json:"valid_at"`
	InvalidAt      *string `json:"invalid_at"`
}

// ExtractedEdges represents a list of extracted edges
type ExtractedEdges struct {
	Edges []ExtractedEdge `json:"edges"`
}

// Validate requires the edge list to be present.
func (e *ExtractedEdges) Validate() error {
	if e.Edges == nil {
		return errors.New("edges is required")
	}
	return nil
}

// MissingFacts represents facts that weren't extracted
type MissingFacts struct {
	MissingFacts []string `json:"missing_facts"`
}

// Validate requires the missing list to be present.
func (m *MissingFacts) Validate() error {
	if m.MissingFacts == nil {
		return errors.New("missing_facts is required")
	}
	return nil
}

// NodeDuplicate represents a node duplicate resolution. DuplicateIdx is -1
// when the entity matches no candidate; a missing index is a schema error,
// never candidate 0.
type NodeDuplicate struct {
	ID           int    `json:"id"`
	DuplicateIdx *int   `json:"duplicate_idx"`
	Name         string `json:"name"`
	Duplicates   []int  `json:"duplicates"`
}

// Validate requires duplicate_idx.
func (n *NodeDuplicate) Validate() error {
	if n.DuplicateIdx == nil {
		return errors.New("duplicate_idx is required")
	}
	return nil
}

// NodeResolutions represents node duplicate resolutions
type NodeResolutions struct {
	EntityResolutions []NodeDuplicate `json:"entity_resolutions"`
}

// Validate requires the resolution list to be present.
func (n *NodeResolutions) Validate() error {
	if n.EntityResolutions == nil {
		return errors.New("entity_resolutions is required")
	}
	for i := range n.EntityResolutions {
		if err := n.EntityResolutions[i].Validate(); err != nil {
			return fmt.Errorf("entity_resolutions[%d]: %w", i, err)
		}
	}
	return nil
}

// NodeGroup is one cluster of duplicate entities from list deduplication.
type NodeGroup struct {
	UUIDs   []string `json:"uuids"`
	Summary string   `json:"summary"`
}

// NodeGroups is the list deduplication response for entities.
type NodeGroups struct {
	Nodes []NodeGroup `json:"nodes"`
}

// Validate requires the group list to be present.
func (n *NodeGroups) Validate() error {
	if n.Nodes == nil {
		return errors.New("nodes is required")
	}
	return nil
}

// EdgeDuplicate represents edge duplicate detection result
type EdgeDuplicate struct {
	DuplicateFacts    []int  `json:"duplicate_facts"`
	ContradictedFacts []int  `json:"contradicted_facts"`
	FactType          string `json:"fact_type"`
}

// Validate requires both index lists; empty lists mean no duplicates and no
// contradictions.
func (e *EdgeDuplicate) Validate() error {
	if e.DuplicateFacts == nil {
		return errors.New("duplicate_facts is required")
	}
	if e.ContradictedFacts == nil {
		return errors.New("contradicted_facts is required")
	}
	return nil
}

// UniqueFact represents a unique fact
type UniqueFact struct {
	UUID       string   `json:"uuid"`
	Fact       string   `json:"fact"`
	Duplicates []string `json:"duplicates"`
}

// UniqueFacts represents a list of unique facts
type UniqueFacts struct {
	UniqueFacts []UniqueFact `json:"unique_facts"`
}

// Validate requires the fact list to be present.
func (u *UniqueFacts) Validate() error {
	if u.UniqueFacts == nil {
		return errors.New("unique_facts is required")
	}
	return nil
}

// InvalidatedEdges represents edges to be invalidated
type InvalidatedEdges struct {
	ContradictedFacts []int `json:"contradicted_facts"`
}

// Validate requires the contradiction list to be present.
func (i *InvalidatedEdges) Validate() error {
	if i.ContradictedFacts == nil {
		return errors.New("contradicted_facts is required")
	}
	return nil
}

// EdgeDates represents temporal information for edges. Both keys must be
// present; null means the date is unknown.
type EdgeDates struct {
	ValidAt   *string `json:"valid_at"`
	InvalidAt *string `json:"invalid_at"`

	missing []string
}

func (d *EdgeDates) UnmarshalJSON(data []byte) error {
	type plain EdgeDates
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	missing, err := missingKeys(data, "valid_at", "invalid_at")
	if err != nil {
		return err
	}
	*d = EdgeDates(p)
	d.missing = missing
	return nil
}

// Validate requires the valid_at and invalid_at keys.
func (d *EdgeDates) Validate() error {
	return requiredKeys(d.missing)
}

// missingKeys lists the keys absent from a JSON object. A null value counts
// as present.
func missingKeys(data []byte, keys ...string) ([]string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	var missing []string
	for _, key := range keys {
		if _, ok := fields[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing, nil
}

func requiredKeys(missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%s is required", strings.Join(missing, ", "))
}

// ToPromptJSON serializes data to JSON for use in prompts. HTML characters
// are never escaped. When ensureASCII is false, non-ASCII characters are
// preserved in their original form.
func ToPromptJSON(data any, ensureASCII bool, indent int) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent > 0 {
		enc.SetIndent("", strings.Repeat(" ", indent))
	}
	if err := enc.Encode(data); err != nil {
		return "", err
	}

	out := strings.TrimSuffix(buf.String(), "\n")
	if ensureASCII {
		return escapeNonASCII(out), nil
	}
	return out, nil
}

// escapeNonASCII escapes non-ASCII characters in a string
func escapeNonASCII(s string) string {
	var buf strings.Builder
	for _, r := range s {
		switch {
		case r <= unicode.MaxASCII:
			buf.WriteRune(r)
		case r > 0xFFFF:
			// JSON needs a surrogate pair outside the BMP
			r -= 0x10000
			fmt.Fprintf(&buf, "\\u%04x\\u%04x", 0xD800+(r>>10), 0xDC00+(r&0x3FF))
		default:
			fmt.Fprintf(&buf, "\\u%04x", r)
		}
	}
	return buf.String()
}

// ToPromptYAML serializes data to YAML for use in prompts.
func ToPromptYAML(data any) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func promptJSON(data any) (string, error) {
	s, err := ToPromptJSON(data, false, 2)
	if err != nil {
		return "", fmt.Errorf("failed to marshal prompt data: %w", err)
	}
	return s, nil
}

func debugPrompts() bool {
	return os.Getenv("DEBUG_LLM_PROMPTS") == "true"
}

// logPrompts logs system and user prompts at debug level when
// DEBUG_LLM_PROMPTS=true.
func logPrompts(logger *slog.Logger, name, sysPrompt, userPrompt string) {
	if !debugPrompts() {
		return
	}
	logger.Debug("Generated prompt", "prompt", name, "system", sysPrompt, "user", userPrompt)
}

// LogResponse logs a raw model response at debug level when
// DEBUG_LLM_PROMPTS=true.
func LogResponse(logger *slog.Logger, response *types.Response) {
	if !debugPrompts() || response == nil {
		return
	}
	logger.Debug("LLM response", "model", response.Model, "content", response.Content)
}

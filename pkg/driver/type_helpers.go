package driver

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// TypeConversionError represents an error during type conversion from database types.
type TypeConversionError struct {
	Expected string
	Actual   string
	Field    string
}

func (e *TypeConversionError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("type conversion error for field %q: expected %s, got %s", e.Field, e.Expected, e.Actual)
	}
	return fmt.Sprintf("type conversion error: expected %s, got %s", e.Expected, e.Actual)
}

// NewTypeConversionError creates a new TypeConversionError.
func NewTypeConversionError(expected, actual, field string) *TypeConversionError {
	return &TypeConversionError{
		Expected: expected,
		Actual:   actual,
		Field:    field,
	}
}

// AsRecordSlice safely converts an interface{} to []*db.Record.
func AsRecordSlice(v any) ([]*db.Record, bool) {
	if v == nil {
		return nil, false
	}
	records, ok := v.([]*db.Record)
	return records, ok
}

// AsDBNode safely converts an interface{} to dbtype.Node.
func AsDBNode(v any) (dbtype.Node, bool) {
	if v == nil {
		return dbtype.Node{}, false
	}
	node, ok := v.(dbtype.Node)
	return node, ok
}

// AsDBRelationship safely converts an interface{} to dbtype.Relationship.
func AsDBRelationship(v any) (dbtype.Relationship, bool) {
	if v == nil {
		return dbtype.Relationship{}, false
	}
	rel, ok := v.(dbtype.Relationship)
	return rel, ok
}

// AsString safely converts an interface{} to string.
func AsString(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// AsStringSlice converts a list property to []string. Lists come back from the
// database as []any; a JSON encoded string is accepted as well.
func AsStringSlice(v any) ([]string, bool) {
	switch val := v.(type) {
	case []string:
		return val, true
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case string:
		var out []string
		if err := json.Unmarshal([]byte(val), &out); err != nil {
			return nil, false
		}
		return out, true
	default:
		return nil, false
	}
}

// AsTime converts a timestamp property. Timestamps are stored as RFC3339
// strings; native temporal values are accepted too. Results are UTC.
func AsTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), true
	case dbtype.LocalDateTime:
		return time.Time(val).UTC(), true
	case string:
		t, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	default:
		return time.Time{}, false
	}
}

// AsTimePtr is AsTime for optional timestamps.
func AsTimePtr(v any) *time.Time {
	t, ok := AsTime(v)
	if !ok {
		return nil
	}
	return &t
}

// AsEmbedding converts a vector property. Embeddings are stored as JSON
// strings; native float lists are accepted too.
func AsEmbedding(v any) ([]float32, bool) {
	switch val := v.(type) {
	case []float32:
		return val, true
	case []any:
		out := make([]float32, 0, len(val))
		for _, item := range val {
			f, ok := item.(float64)
			if !ok {
				return nil, false
			}
			out = append(out, float32(f))
		}
		return out, true
	case string:
		var out []float32
		if err := json.Unmarshal([]byte(val), &out); err != nil {
			return nil, false
		}
		return out, true
	default:
		return nil, false
	}
}

// AsJSONMap decodes a map property stored as a JSON string.
func AsJSONMap(v any) (map[string]any, bool) {
	s, ok := AsString(v)
	if !ok || s == "" {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, false
	}
	return out, true
}

// MustRecordSlice converts an interface{} to []*db.Record or returns an error.
func MustRecordSlice(v any, field string) ([]*db.Record, error) {
	records, ok := AsRecordSlice(v)
	if !ok {
		return nil, NewTypeConversionError("[]*db.Record", fmt.Sprintf("%T", v), field)
	}
	return records, nil
}

// MustDBNode converts an interface{} to dbtype.Node or returns an error.
func MustDBNode(v any, field string) (dbtype.Node, error) {
	node, ok := AsDBNode(v)
	if !ok {
		return dbtype.Node{}, NewTypeConversionError("dbtype.Node", fmt.Sprintf("%T", v), field)
	}
	return node, nil
}

// MustDBRelationship converts an interface{} to dbtype.Relationship or returns an error.
func MustDBRelationship(v any, field string) (dbtype.Relationship, error) {
	rel, ok := AsDBRelationship(v)
	if !ok {
		return dbtype.Relationship{}, NewTypeConversionError("dbtype.Relationship", fmt.Sprintf("%T", v), field)
	}
	return rel, nil
}

// MustString converts an interface{} to string or returns an error.
func MustString(v any, field string) (string, error) {
	s, ok := AsString(v)
	if !ok {
		return "", NewTypeConversionError("string", fmt.Sprintf("%T", v), field)
	}
	return s, nil
}

package models

import (
	"encoding/json"
	"fmt"
)

// QueryableType is the declared primitive type of a queryable field.
// The empty value stands for a field declared with a JSON null type.
type QueryableType string

const (
	QueryableNumber  QueryableType = "number"
	QueryableBoolean QueryableType = "boolean"
	QueryableString  QueryableType = "string"
)

// IsValid reports whether t is a known queryable type.
func (t QueryableType) IsValid() bool {
	switch t {
	case QueryableNumber, QueryableBoolean, QueryableString:
		return true
	default:
		return false
	}
}

func (t QueryableType) MarshalJSON() ([]byte, error) {
	if t == "" {
		return []byte("null"), nil
	}

	return json.Marshal(string(t))
}

func (t *QueryableType) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = ""

		return nil
	}

	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("queryable type must be a string or null: %w", err)
	}

	parsed := QueryableType(raw)
	if !parsed.IsValid() {
		return fmt.Errorf("invalid queryable type: %q", raw)
	}

	*t = parsed

	return nil
}

// Queryable maps dot-delimited field paths of an array-shaped observation
// payload to their declared types. It is a documented contract with the
// producer and is not checked against the data.
type Queryable map[string]QueryableType

// Lookup returns the declared type for path and whether path is declared with a type.
func (q Queryable) Lookup(path string) (QueryableType, bool) {
	t, ok := q[path]
	if !ok || t == "" {
		return "", false
	}

	return t, true
}

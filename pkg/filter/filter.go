// Package filter evaluates typed predicates over array-shaped observation data.
//
// Predicates are ANDed. Paths are dot-delimited and walk nested objects; a
// path that cannot be resolved never matches. The result keeps the input order.
package filter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/flowtrail/pkg/models"
	"github.com/go-playground/validator/v10"
)

type Operator string

const (
	OperatorEq  Operator = "eq"
	OperatorGt  Operator = "gt"
	OperatorLt  Operator = "lt"
	OperatorGte Operator = "gte"
	OperatorLte Operator = "lte"
)

// ErrNotArray is returned by ApplyJSON when the payload is not a JSON array.
var ErrNotArray = errors.New("observation data is not an array")

// Predicate is a single typed comparison against the value found at Path.
type Predicate struct {
	Path     string               `json:"path"     validate:"required"`
	Operator Operator             `json:"operator" validate:"required,oneof=eq gt lt gte lte"`
	Value    any                  `json:"value"`
	Type     models.QueryableType `json:"type"     validate:"required,oneof=number boolean string"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that every predicate has a path, a known operator and a known type.
func Validate(predicates []Predicate) error {
	for i, predicate := range predicates {
		if err := validate.Struct(predicate); err != nil {
			return fmt.Errorf("invalid filter at index %d: %w", i, err)
		}
	}

	return nil
}

// Apply returns the items matching every predicate, in their original order.
// With no predicates every item is returned.
func Apply(items []any, predicates []Predicate) []any {
	matched := make([]any, 0, len(items))

	for _, item := range items {
		if Match(item, predicates) {
			matched = append(matched, item)
		}
	}

	return matched
}

// ApplyJSON decodes an array payload and filters it. Numbers are kept as
// json.Number so matched items re-encode without precision loss.
func ApplyJSON(data []byte, predicates []Predicate) (items []any, total int, err error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return nil, 0, fmt.Errorf("failed to decode observation data: %w", err)
	}

	array, ok := decoded.([]any)
	if !ok {
		return nil, 0, ErrNotArray
	}

	return Apply(array, predicates), len(array), nil
}

// Match reports whether item satisfies every predicate. Items that are not
// JSON objects never match.
func Match(item any, predicates []Predicate) bool {
	object, ok := item.(map[string]any)
	if !ok {
		return false
	}

	for _, predicate := range predicates {
		if !matchOne(object, predicate) {
			return false
		}
	}

	return true
}

func matchOne(object map[string]any, predicate Predicate) bool {
	value, found := Resolve(object, predicate.Path)
	if !found {
		return false
	}

	switch predicate.Type {
	case models.QueryableNumber:
		return compareNumbers(value, predicate.Value, predicate.Operator)
	case models.QueryableBoolean:
		if predicate.Operator != OperatorEq {
			return false
		}

		return truthy(value) == truthy(predicate.Value)
	case models.QueryableString:
		if predicate.Operator != OperatorEq {
			return false
		}

		left, ok := stringify(value)
		if !ok {
			return false
		}

		right, ok := stringify(predicate.Value)

		return ok && left == right
	default:
		return false
	}
}

// Resolve walks path through nested objects. The second result is false when
// a segment is missing or an intermediate value is not an object.
func Resolve(object map[string]any, path string) (any, bool) {
	var current any = object

	for _, segment := range strings.Split(path, ".") {
		fields, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = fields[segment]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

func compareNumbers(value, target any, operator Operator) bool {
	left, ok := toFloat(value)
	if !ok {
		return false
	}

	right, ok := toFloat(target)
	if !ok {
		return false
	}

	switch operator {
	case OperatorEq:
		return left == right
	case OperatorGt:
		return left > right
	case OperatorLt:
		return left < right
	case OperatorGte:
		return left >= right
	case OperatorLte:
		return left <= right
	default:
		return false
	}
}

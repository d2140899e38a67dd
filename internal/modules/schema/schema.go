package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind declares how a field is validated and sanitised.
type Kind int

const (
	KindNumber Kind = iota
	KindInteger
	KindString
	KindBool
	KindEnum
	KindObject
	KindArray
	KindStringArray
)

// Field is one declarative schema entry. The same declaration drives
// both strict validation and the sanitisation pass, so the two can
// never drift apart.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
	Min      *float64 // numeric lower bound, inclusive
	Max      *float64 // numeric upper bound, inclusive
	Enum     []string // allowed values for KindEnum
	Fields   []Field  // nested fields for KindObject
	Elem     *Field   // element declaration for KindArray
}

// Schema is a named set of top-level fields.
type Schema struct {
	Name   string
	Fields []Field
}

// ValidationError aggregates every issue found in one pass.
type ValidationError struct {
	Schema string
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema %s: %s", e.Schema, strings.Join(e.Issues, "; "))
}

// Bounds is a convenience constructor for numeric range pointers.
func Bounds(min, max float64) (*float64, *float64) {
	return &min, &max
}

// Validate strictly checks doc against the schema. Unknown keys,
// missing required fields, out-of-range numerics and enum violations
// are all issues.
func (s *Schema) Validate(doc map[string]interface{}) error {
	issues := validateObject(s.Fields, doc, "")
	if len(issues) > 0 {
		return &ValidationError{Schema: s.Name, Issues: issues}
	}
	return nil
}

func validateObject(fields []Field, doc map[string]interface{}, path string) []string {
	var issues []string

	declared := make(map[string]*Field, len(fields))
	for i := range fields {
		declared[fields[i].Name] = &fields[i]
	}

	for key := range doc {
		if _, ok := declared[key]; !ok {
			issues = append(issues, fmt.Sprintf("%s: unknown key", joinPath(path, key)))
		}
	}

	for i := range fields {
		f := &fields[i]
		fp := joinPath(path, f.Name)
		value, present := doc[f.Name]
		if !present || value == nil {
			if f.Required {
				issues = append(issues, fmt.Sprintf("%s: required field missing", fp))
			}
			continue
		}
		issues = append(issues, validateValue(f, value, fp)...)
	}

	return issues
}

func validateValue(f *Field, value interface{}, path string) []string {
	switch f.Kind {
	case KindNumber, KindInteger:
		num, ok := asNumber(value)
		if !ok {
			return []string{fmt.Sprintf("%s: expected number, got %T", path, value)}
		}
		var issues []string
		if f.Kind == KindInteger && num != math.Trunc(num) {
			issues = append(issues, fmt.Sprintf("%s: expected integer, got %v", path, num))
		}
		if f.Min != nil && num < *f.Min {
			issues = append(issues, fmt.Sprintf("%s: %v below minimum %v", path, num, *f.Min))
		}
		if f.Max != nil && num > *f.Max {
			issues = append(issues, fmt.Sprintf("%s: %v above maximum %v", path, num, *f.Max))
		}
		return issues

	case KindString:
		if _, ok := value.(string); !ok {
			return []string{fmt.Sprintf("%s: expected string, got %T", path, value)}
		}
		return nil

	case KindBool:
		if _, ok := value.(bool); !ok {
			return []string{fmt.Sprintf("%s: expected bool, got %T", path, value)}
		}
		return nil

	case KindEnum:
		str, ok := value.(string)
		if !ok {
			return []string{fmt.Sprintf("%s: expected enum string, got %T", path, value)}
		}
		for _, allowed := range f.Enum {
			if str == allowed {
				return nil
			}
		}
		return []string{fmt.Sprintf("%s: %q not in enum %v", path, str, f.Enum)}

	case KindObject:
		obj, ok := value.(map[string]interface{})
		if !ok {
			return []string{fmt.Sprintf("%s: expected object, got %T", path, value)}
		}
		return validateObject(f.Fields, obj, path)

	case KindStringArray:
		arr, ok := value.([]interface{})
		if !ok {
			if _, isStrs := value.([]string); isStrs {
				return nil
			}
			return []string{fmt.Sprintf("%s: expected string array, got %T", path, value)}
		}
		var issues []string
		for i, el := range arr {
			if _, ok := el.(string); !ok {
				issues = append(issues, fmt.Sprintf("%s[%d]: expected string, got %T", path, i, el))
			}
		}
		return issues

	case KindArray:
		arr, ok := value.([]interface{})
		if !ok {
			return []string{fmt.Sprintf("%s: expected array, got %T", path, value)}
		}
		if f.Elem == nil {
			return nil
		}
		var issues []string
		for i, el := range arr {
			issues = append(issues, validateValue(f.Elem, el, fmt.Sprintf("%s[%d]", path, i))...)
		}
		return issues
	}

	return []string{fmt.Sprintf("%s: unhandled kind %d", path, f.Kind)}
}

// Sanitize returns a copy of doc coerced toward the schema: numerics
// parsed from strings and clamped into range, strings stringified,
// string arrays coerced element-wise and unknown keys dropped. Enum
// violations and missing required fields are left for the second
// validation pass to reject.
func (s *Schema) Sanitize(doc map[string]interface{}) map[string]interface{} {
	return sanitizeObject(s.Fields, doc)
}

func sanitizeObject(fields []Field, doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))

	for i := range fields {
		f := &fields[i]
		value, present := doc[f.Name]
		if !present || value == nil {
			continue
		}
		if sanitized, ok := sanitizeValue(f, value); ok {
			out[f.Name] = sanitized
		}
	}

	return out
}

func sanitizeValue(f *Field, value interface{}) (interface{}, bool) {
	switch f.Kind {
	case KindNumber, KindInteger:
		num, ok := asNumber(value)
		if !ok {
			if str, isStr := value.(string); isStr {
				parsed, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
				if err != nil {
					return nil, false
				}
				num = parsed
			} else {
				return nil, false
			}
		}
		if math.IsNaN(num) || math.IsInf(num, 0) {
			return nil, false
		}
		if f.Min != nil && num < *f.Min {
			num = *f.Min
		}
		if f.Max != nil && num > *f.Max {
			num = *f.Max
		}
		if f.Kind == KindInteger {
			num = math.Round(num)
		}
		return num, true

	case KindString:
		if str, ok := value.(string); ok {
			return str, true
		}
		return fmt.Sprintf("%v", value), true

	case KindBool:
		if b, ok := value.(bool); ok {
			return b, true
		}
		if str, ok := value.(string); ok {
			if parsed, err := strconv.ParseBool(str); err == nil {
				return parsed, true
			}
		}
		return nil, false

	case KindEnum:
		if str, ok := value.(string); ok {
			return str, true
		}
		return fmt.Sprintf("%v", value), true

	case KindObject:
		if obj, ok := value.(map[string]interface{}); ok {
			return sanitizeObject(f.Fields, obj), true
		}
		return nil, false

	case KindStringArray:
		switch arr := value.(type) {
		case []string:
			return arr, true
		case []interface{}:
			out := make([]interface{}, 0, len(arr))
			for _, el := range arr {
				if str, ok := el.(string); ok {
					out = append(out, str)
				} else {
					out = append(out, fmt.Sprintf("%v", el))
				}
			}
			return out, true
		}
		return nil, false

	case KindArray:
		arr, ok := value.([]interface{})
		if !ok {
			return nil, false
		}
		if f.Elem == nil {
			return arr, true
		}
		out := make([]interface{}, 0, len(arr))
		for _, el := range arr {
			if sanitized, ok := sanitizeValue(f.Elem, el); ok {
				out = append(out, sanitized)
			}
		}
		return out, true
	}

	return nil, false
}

func asNumber(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/selunlabs/selun-engine/internal/domain"
)

// Emit runs the build → validate → sanitise → validate pipeline for a
// phase output. v is the freshly built output; out receives the final
// (possibly sanitised) document. A second validation failure is fatal
// and surfaces as ErrSchemaValidation.
func Emit(s *Schema, v interface{}, out interface{}) (sanitized bool, err error) {
	doc, err := toDocument(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", domain.ErrSchemaValidation, s.Name, err)
	}

	if err := s.Validate(doc); err == nil {
		return false, fromDocument(doc, out)
	}

	cleaned := s.Sanitize(doc)
	if err := s.Validate(cleaned); err != nil {
		return true, fmt.Errorf("%w: %v", domain.ErrSchemaValidation, err)
	}
	return true, fromDocument(cleaned, out)
}

func toDocument(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func fromDocument(doc map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// CanonicalJSON marshals v with sorted object keys. Structs pass
// through a map round-trip because encoding/json sorts map keys but
// preserves struct field order.
func CanonicalJSON(v interface{}) ([]byte, error) {
	doc, err := toDocument(v)
	if err != nil {
		// Non-object values (arrays, scalars) canonicalise directly.
		return json.Marshal(v)
	}
	return json.Marshal(doc)
}

// ContentHash returns "sha256:<hex>" of the canonical JSON of v.
// Phase outputs reference their predecessors by this hash instead of
// holding object pointers, which keeps them serialisable and
// replayable.
func ContentHash(v interface{}) (string, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

package schema

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selunlabs/selun-engine/internal/domain"
)

func testSchema() *Schema {
	min0, max1 := Bounds(0, 1)
	return &Schema{
		Name: "test_report",
		Fields: []Field{
			{Name: "confidence", Kind: KindNumber, Required: true, Min: min0, Max: max1},
			{Name: "status", Kind: KindEnum, Required: true, Enum: []string{"AUTHORIZED", "DEFERRED", "PROHIBITED"}},
			{Name: "attempts", Kind: KindInteger, Required: false},
			{Name: "notes", Kind: KindStringArray},
			{Name: "audit", Kind: KindObject, Fields: []Field{
				{Name: "sources", Kind: KindStringArray, Required: true},
				{Name: "score", Kind: KindNumber, Min: min0, Max: max1},
			}},
		},
	}
}

func TestValidate_AcceptsWellFormedDocument(t *testing.T) {
	s := testSchema()
	doc := map[string]interface{}{
		"confidence": 0.8,
		"status":     "AUTHORIZED",
		"attempts":   float64(3),
		"notes":      []interface{}{"a", "b"},
		"audit": map[string]interface{}{
			"sources": []interface{}{"coingecko"},
			"score":   0.4,
		},
	}
	assert.NoError(t, s.Validate(doc))
}

func TestValidate_CollectsAllIssues(t *testing.T) {
	s := testSchema()
	doc := map[string]interface{}{
		"confidence": 1.7,          // out of range
		"status":     "MAYBE",      // not in enum
		"attempts":   2.5,          // not integral
		"extra":      "unexpected", // unknown key
	}

	err := s.Validate(doc)
	require.Error(t, err)

	verr, ok := err.(*ValidationError)
	require.True(t, ok)
	assert.Len(t, verr.Issues, 4)
	assert.True(t, strings.Contains(verr.Error(), "confidence"))
}

func TestSanitize_ClampsCoercesAndStrips(t *testing.T) {
	s := testSchema()
	doc := map[string]interface{}{
		"confidence": "1.9", // string number, above max
		"status":     "DEFERRED",
		"attempts":   2.4,
		"notes":      []interface{}{"ok", 42}, // mixed array
		"extra":      "drop me",
		"audit": map[string]interface{}{
			"sources": []interface{}{"coingecko"},
			"score":   -3.0,
			"stray":   true,
		},
	}

	cleaned := s.Sanitize(doc)

	assert.Equal(t, 1.0, cleaned["confidence"])
	assert.Equal(t, 2.0, cleaned["attempts"])
	assert.NotContains(t, cleaned, "extra")

	notes := cleaned["notes"].([]interface{})
	assert.Equal(t, []interface{}{"ok", "42"}, notes)

	audit := cleaned["audit"].(map[string]interface{})
	assert.Equal(t, 0.0, audit["score"])
	assert.NotContains(t, audit, "stray")

	// Sanitised document passes strict validation
	assert.NoError(t, s.Validate(cleaned))
}

func TestSanitize_CannotFixEnumViolations(t *testing.T) {
	s := testSchema()
	doc := map[string]interface{}{
		"confidence": 0.5,
		"status":     "BOGUS",
	}

	cleaned := s.Sanitize(doc)
	assert.Error(t, s.Validate(cleaned), "enum violations survive sanitisation and stay fatal")
}

type reportStub struct {
	Confidence float64  `json:"confidence"`
	Status     string   `json:"status"`
	Notes      []string `json:"notes,omitempty"`
}

func TestEmit_CleanFirstPass(t *testing.T) {
	s := testSchema()
	in := reportStub{Confidence: 0.6, Status: "AUTHORIZED"}

	var out reportStub
	sanitized, err := Emit(s, in, &out)
	require.NoError(t, err)
	assert.False(t, sanitized)
	assert.Equal(t, in.Confidence, out.Confidence)
}

func TestEmit_SanitisationRetryRecovers(t *testing.T) {
	s := testSchema()
	in := reportStub{Confidence: 3.2, Status: "DEFERRED"} // clamped on retry

	var out reportStub
	sanitized, err := Emit(s, in, &out)
	require.NoError(t, err)
	assert.True(t, sanitized)
	assert.Equal(t, 1.0, out.Confidence)
}

func TestEmit_SecondFailureIsSchemaValidation(t *testing.T) {
	s := testSchema()
	in := reportStub{Confidence: 0.5, Status: "NOT_A_STATUS"}

	var out reportStub
	_, err := Emit(s, in, &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSchemaValidation))
}

func TestContentHash_StableAcrossKeyOrder(t *testing.T) {
	a := map[string]interface{}{"x": 1.0, "y": "z"}
	b := map[string]interface{}{"y": "z", "x": 1.0}

	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.True(t, strings.HasPrefix(ha, "sha256:"))
	assert.Len(t, ha, len("sha256:")+64)
}

func TestContentHash_DiffersOnContent(t *testing.T) {
	ha, _ := ContentHash(map[string]interface{}{"x": 1.0})
	hb, _ := ContentHash(map[string]interface{}{"x": 2.0})
	assert.NotEqual(t, ha, hb)
}

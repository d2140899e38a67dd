package pricing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Rule is one promo code definition. JSON rules come from
// SELUN_FREE_CODES_JSON; CSV codes from SELUN_FREE_CODES become
// single-use 100%-off rules.
type Rule struct {
	Code                          string     `json:"code"`
	MaxUses                       int        `json:"maxUses"`
	IncludeCertifiedDecisionRecord bool      `json:"includeCertifiedDecisionRecord"`
	DiscountPercent               int        `json:"discountPercent,omitempty"`
	ExpiresAt                     *time.Time `json:"expiresAt,omitempty"`
}

// discountBps returns the discount in basis points, defaulting a rule
// without a percentage to a full grant.
func (r Rule) discountBps() int64 {
	pct := r.DiscountPercent
	if pct <= 0 {
		pct = 100
	}
	if pct > 100 {
		pct = 100
	}
	return int64(pct) * 100
}

// ParseRules reads the JSON rule array, falling back to the CSV list.
// Malformed JSON is an error; CSV entries cannot be malformed beyond
// being empty.
func ParseRules(jsonRules, csvCodes string) (map[string]Rule, error) {
	rules := make(map[string]Rule)

	if strings.TrimSpace(jsonRules) != "" {
		var parsed []Rule
		if err := json.Unmarshal([]byte(jsonRules), &parsed); err != nil {
			return nil, fmt.Errorf("parse promo rules JSON: %w", err)
		}
		for _, r := range parsed {
			code := NormalizeCode(r.Code)
			if code == "" {
				continue
			}
			if r.MaxUses <= 0 {
				r.MaxUses = 1
			}
			r.Code = code
			rules[code] = r
		}
		return rules, nil
	}

	for _, raw := range strings.Split(csvCodes, ",") {
		code := NormalizeCode(raw)
		if code == "" {
			continue
		}
		rules[code] = Rule{
			Code:                          code,
			MaxUses:                       1,
			IncludeCertifiedDecisionRecord: true,
			DiscountPercent:               100,
		}
	}
	return rules, nil
}

// NormalizeCode upper-cases and trims a promo code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

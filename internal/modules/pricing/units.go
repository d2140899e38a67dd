package pricing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/selunlabs/selun-engine/internal/domain"
)

// usdcDecimals is the ERC-20 USDC precision; all arithmetic happens in
// integer base units.
const usdcDecimals = 6

// ParseUSDC converts a decimal USDC amount string into base units.
func ParseUSDC(amount string) (int64, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return 0, fmt.Errorf("%w: empty USDC amount", domain.ErrInvalidInput)
	}

	whole, frac, _ := strings.Cut(amount, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > usdcDecimals {
		return 0, fmt.Errorf("%w: USDC amount %q exceeds 6 decimals", domain.ErrInvalidInput, amount)
	}
	frac += strings.Repeat("0", usdcDecimals-len(frac))

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w < 0 {
		return 0, fmt.Errorf("%w: malformed USDC amount %q", domain.ErrInvalidInput, amount)
	}
	var f int64
	if frac != strings.Repeat("0", usdcDecimals) {
		f, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: malformed USDC amount %q", domain.ErrInvalidInput, amount)
		}
	}
	return w*1_000_000 + f, nil
}

// FormatUSDC renders base units as a decimal string with trailing
// zeros trimmed ("9.99", "0", "12.5").
func FormatUSDC(baseUnits int64) string {
	if baseUnits <= 0 {
		return "0"
	}
	whole := baseUnits / 1_000_000
	frac := baseUnits % 1_000_000
	if frac == 0 {
		return strconv.FormatInt(whole, 10)
	}
	s := fmt.Sprintf("%d.%06d", whole, frac)
	return strings.TrimRight(s, "0")
}

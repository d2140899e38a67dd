package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// RiskMode is the wizard-level risk selector submitted by the caller.
type RiskMode string

const (
	RiskModeConservative RiskMode = "conservative"
	RiskModeBalanced     RiskMode = "balanced"
	RiskModeGrowth       RiskMode = "growth"
	RiskModeAggressive   RiskMode = "aggressive"
	RiskModeNeutral      RiskMode = "neutral"
)

// RiskTolerance is the normalised user risk profile.
type RiskTolerance string

const (
	ToleranceConservative RiskTolerance = "Conservative"
	ToleranceBalanced     RiskTolerance = "Balanced"
	ToleranceGrowth       RiskTolerance = "Growth"
	ToleranceAggressive   RiskTolerance = "Aggressive"
)

// InvestmentTimeframe buckets the caller's investment horizon.
type InvestmentTimeframe string

const (
	TimeframeShort  InvestmentTimeframe = "<1_year"
	TimeframeMedium InvestmentTimeframe = "1-3_years"
	TimeframeLong   InvestmentTimeframe = "3+_years"
)

// TimeWindow is the macro observation window.
type TimeWindow string

const (
	Window7d  TimeWindow = "7d"
	Window14d TimeWindow = "14d"
	Window30d TimeWindow = "30d"
)

// PhaseStatus tracks a single phase of a job.
type PhaseStatus string

const (
	PhaseIdle       PhaseStatus = "idle"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseComplete   PhaseStatus = "complete"
	PhaseFailed     PhaseStatus = "failed"
)

// UserProfile is the normalised risk profile pair.
type UserProfile struct {
	RiskTolerance       RiskTolerance       `json:"risk_tolerance"`
	InvestmentTimeframe InvestmentTimeframe `json:"investment_timeframe"`
}

// Phase1Input is the normalised input handed to the macro review phase.
type Phase1Input struct {
	JobID              string      `json:"job_id"`
	ExecutionTimestamp time.Time   `json:"execution_timestamp"`
	RiskMode           RiskMode    `json:"risk_mode"`
	UserProfile        UserProfile `json:"user_profile"`
	TimeWindow         TimeWindow  `json:"time_window"`
	WalletAddress      string      `json:"wallet_address,omitempty"`
}

var walletPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// NormalizeWallet lowercases a wallet address and validates its shape.
// Returns ErrInvalidInput for anything that is not 0x + 40 hex chars.
func NormalizeWallet(address string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(address))
	if !walletPattern.MatchString(normalized) {
		return "", fmt.Errorf("%w: malformed wallet address %q", ErrInvalidInput, address)
	}
	return normalized, nil
}

// ToleranceForMode maps a wizard risk mode onto a risk tolerance.
// Neutral runs as Balanced.
func ToleranceForMode(mode RiskMode) RiskTolerance {
	switch mode {
	case RiskModeConservative:
		return ToleranceConservative
	case RiskModeGrowth:
		return ToleranceGrowth
	case RiskModeAggressive:
		return ToleranceAggressive
	default:
		return ToleranceBalanced
	}
}

// TimeframeForHorizon normalises free-form horizon strings from the
// wizard into the three timeframe buckets.
func TimeframeForHorizon(horizon string) InvestmentTimeframe {
	switch strings.ToLower(strings.TrimSpace(horizon)) {
	case "<1_year", "short", "short_term", "under_1_year":
		return TimeframeShort
	case "3+_years", "long", "long_term", "over_3_years":
		return TimeframeLong
	default:
		return TimeframeMedium
	}
}

// WindowForTimeframe picks the macro observation window for a timeframe.
func WindowForTimeframe(tf InvestmentTimeframe) TimeWindow {
	switch tf {
	case TimeframeShort:
		return Window7d
	case TimeframeLong:
		return Window30d
	default:
		return Window14d
	}
}

package macro

import (
	"strings"

	"github.com/selunlabs/selun-engine/pkg/formulas"
)

// Headline lexicon. Matching is word-boundary-free substring on the
// lowercased title, which keeps variants like "rallies"/"rallying"
// covered without a stemmer.
var positiveTerms = []string{
	"rally", "rallies", "surge", "soar", "gain", "bull", "breakout",
	"record high", "all-time high", "adoption", "approval", "approve",
	"inflow", "upgrade", "partnership", "institutional", "accumulat",
	"recover", "rebound", "green", "optimis", "launch",
}

var negativeTerms = []string{
	"crash", "plunge", "plummet", "dump", "selloff", "sell-off", "bear",
	"liquidation", "hack", "exploit", "outflow", "lawsuit", "sec sues",
	"ban", "fraud", "bankrupt", "insolven", "fear", "panic", "collaps",
	"downgrade", "depeg", "warning", "crackdown", "red",
}

// ScoreHeadline returns a sentiment score in [-1, 1] for one title.
func ScoreHeadline(title string) float64 {
	t := strings.ToLower(title)
	score := 0
	for _, term := range positiveTerms {
		if strings.Contains(t, term) {
			score++
		}
	}
	for _, term := range negativeTerms {
		if strings.Contains(t, term) {
			score--
		}
	}
	return formulas.Clamp(float64(score)/2.0, -1, 1)
}

// ScoreHeadlines aggregates titles into a mean score and the number of
// titles that actually matched the lexicon.
func ScoreHeadlines(titles []string) (score float64, matched int) {
	sum := 0.0
	for _, title := range titles {
		s := ScoreHeadline(title)
		if s != 0 {
			sum += s
			matched++
		}
	}
	if matched == 0 {
		return 0, 0
	}
	return formulas.Clamp(sum/float64(matched), -1, 1), matched
}

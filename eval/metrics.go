package eval

import (
	"github.com/bbiangul/go-ktas/projector"
)

// Triage outcomes of a single case.
const (
	OutcomeExact       = "exact"
	OutcomeOverTriage  = "over_triage"  // more urgent than expected
	OutcomeUnderTriage = "under_triage" // less urgent than expected
	OutcomeUndetected  = "undetected"   // no level found in the advisory
)

// classifyOutcome compares a detected level with the expected one. Lower
// levels are more urgent.
func classifyOutcome(detected, expected int) string {
	switch {
	case detected == 0:
		return OutcomeUndetected
	case detected == expected:
		return OutcomeExact
	case detected < expected:
		return OutcomeOverTriage
	default:
		return OutcomeUnderTriage
	}
}

// levelError is the absolute distance between levels, or -1 when no level
// was detected.
func levelError(detected, expected int) int {
	if detected == 0 {
		return -1
	}
	if detected > expected {
		return detected - expected
	}
	return expected - detected
}

// codeRecall is the fraction of expected NACRS codes present among the
// retrieved sources. It is 1 when nothing is expected.
func codeRecall(sources []projector.Document, expected []string) float64 {
	if len(expected) == 0 {
		return 1
	}
	seen := make(map[string]bool, len(sources))
	for _, s := range sources {
		seen[s.Metadata.Code] = true
	}
	hit := 0
	for _, c := range expected {
		if seen[c] {
			hit++
		}
	}
	return float64(hit) / float64(len(expected))
}

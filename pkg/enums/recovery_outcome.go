package enums

import "fmt"

type RecoveryOutcome string

const (
	RecoveryOutcomeSucceeded RecoveryOutcome = "succeeded"
	RecoveryOutcomeFailed    RecoveryOutcome = "failed"
	RecoveryOutcomeSkipped   RecoveryOutcome = "skipped"
)

var validRecoveryOutcomes = []RecoveryOutcome{
	RecoveryOutcomeSucceeded,
	RecoveryOutcomeFailed,
	RecoveryOutcomeSkipped,
}

// String implements fmt.Stringer.
func (r RecoveryOutcome) String() string {
	return string(r)
}

// IsValid reports whether the value is a known RecoveryOutcome.
func (r RecoveryOutcome) IsValid() bool {
	for _, candidate := range validRecoveryOutcomes {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseRecoveryOutcome converts raw input into a RecoveryOutcome.
func ParseRecoveryOutcome(value string) (RecoveryOutcome, error) {
	for _, candidate := range validRecoveryOutcomes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid recovery outcome %q", value)
}

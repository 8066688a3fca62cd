package enums

import "fmt"

// RecoveryTrigger records what initiated a recovery attempt.
type RecoveryTrigger string

const (
	RecoveryTriggerSweep   RecoveryTrigger = "sweep"
	RecoveryTriggerManual  RecoveryTrigger = "manual"
	RecoveryTriggerFixAll  RecoveryTrigger = "fix_all"
	RecoveryTriggerFunding RecoveryTrigger = "funding"
	RecoveryTriggerWebhook RecoveryTrigger = "webhook"
)

var validRecoveryTriggers = []RecoveryTrigger{
	RecoveryTriggerSweep,
	RecoveryTriggerManual,
	RecoveryTriggerFixAll,
	RecoveryTriggerFunding,
	RecoveryTriggerWebhook,
}

// String implements fmt.Stringer.
func (r RecoveryTrigger) String() string {
	return string(r)
}

// IsValid reports whether the value is a known RecoveryTrigger.
func (r RecoveryTrigger) IsValid() bool {
	for _, candidate := range validRecoveryTriggers {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseRecoveryTrigger converts raw input into a RecoveryTrigger.
func ParseRecoveryTrigger(value string) (RecoveryTrigger, error) {
	for _, candidate := range validRecoveryTriggers {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid recovery trigger %q", value)
}

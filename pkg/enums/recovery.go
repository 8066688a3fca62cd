package enums

import "fmt"

// RecoveryAction names the remediation attempted for a stuck order.
type RecoveryAction string

const (
	RecoveryActionVerifyPayment  RecoveryAction = "verify_payment"
	RecoveryActionDispatch       RecoveryAction = "dispatch"
	RecoveryActionCapturePayment RecoveryAction = "capture_payment"
	RecoveryActionSyncVendor     RecoveryAction = "sync_vendor"
	RecoveryActionRefund         RecoveryAction = "refund"
	RecoveryActionCancel         RecoveryAction = "cancel"
	RecoveryActionReschedule     RecoveryAction = "reschedule"
)

var validRecoveryActions = []RecoveryAction{
	RecoveryActionVerifyPayment,
	RecoveryActionDispatch,
	RecoveryActionCapturePayment,
	RecoveryActionSyncVendor,
	RecoveryActionRefund,
	RecoveryActionCancel,
	RecoveryActionReschedule,
}

// String implements fmt.Stringer.
func (r RecoveryAction) String() string {
	return string(r)
}

// IsValid reports whether the value is a known RecoveryAction.
func (r RecoveryAction) IsValid() bool {
	for _, candidate := range validRecoveryActions {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseRecoveryAction converts raw input into a RecoveryAction.
func ParseRecoveryAction(value string) (RecoveryAction, error) {
	for _, candidate := range validRecoveryActions {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid recovery action %q", value)
}

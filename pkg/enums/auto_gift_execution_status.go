package enums

import "fmt"

type AutoGiftExecutionStatus string

const (
	AutoGiftExecutionPending      AutoGiftExecutionStatus = "pending"
	AutoGiftExecutionOrderCreated AutoGiftExecutionStatus = "order_created"
	AutoGiftExecutionCancelled    AutoGiftExecutionStatus = "cancelled"
	AutoGiftExecutionRefunded     AutoGiftExecutionStatus = "refunded"
	AutoGiftExecutionFailed       AutoGiftExecutionStatus = "failed"
)

var validAutoGiftExecutionStatuses = []AutoGiftExecutionStatus{
	AutoGiftExecutionPending,
	AutoGiftExecutionOrderCreated,
	AutoGiftExecutionCancelled,
	AutoGiftExecutionRefunded,
	AutoGiftExecutionFailed,
}

// String implements fmt.Stringer.
func (a AutoGiftExecutionStatus) String() string {
	return string(a)
}

// IsValid reports whether the value is a known AutoGiftExecutionStatus.
func (a AutoGiftExecutionStatus) IsValid() bool {
	for _, candidate := range validAutoGiftExecutionStatuses {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseAutoGiftExecutionStatus converts raw input into a AutoGiftExecutionStatus.
func ParseAutoGiftExecutionStatus(value string) (AutoGiftExecutionStatus, error) {
	for _, candidate := range validAutoGiftExecutionStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid auto-gift execution status %q", value)
}

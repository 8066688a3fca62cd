package enums

import "fmt"

type FundingAlertType string

const (
	FundingAlertLowBalance           FundingAlertType = "low_balance"
	FundingAlertCriticalBalance      FundingAlertType = "critical_balance"
	FundingAlertPendingOrdersWaiting FundingAlertType = "pending_orders_waiting"
)

var validFundingAlertTypes = []FundingAlertType{
	FundingAlertLowBalance,
	FundingAlertCriticalBalance,
	FundingAlertPendingOrdersWaiting,
}

// String implements fmt.Stringer.
func (f FundingAlertType) String() string {
	return string(f)
}

// IsValid reports whether the value is a known FundingAlertType.
func (f FundingAlertType) IsValid() bool {
	for _, candidate := range validFundingAlertTypes {
		if candidate == f {
			return true
		}
	}
	return false
}

// ParseFundingAlertType converts raw input into a FundingAlertType.
func ParseFundingAlertType(value string) (FundingAlertType, error) {
	for _, candidate := range validFundingAlertTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid funding alert type %q", value)
}

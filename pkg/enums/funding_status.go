package enums

import "fmt"

// FundingStatus reports whether the vendor balance covered an order at dispatch.
type FundingStatus string

const (
	FundingStatusUnfunded      FundingStatus = "unfunded"
	FundingStatusAwaitingFunds FundingStatus = "awaiting_funds"
	FundingStatusFunded        FundingStatus = "funded"
)

var validFundingStatuses = []FundingStatus{
	FundingStatusUnfunded,
	FundingStatusAwaitingFunds,
	FundingStatusFunded,
}

// String implements fmt.Stringer.
func (f FundingStatus) String() string {
	return string(f)
}

// IsValid reports whether the value is a known FundingStatus.
func (f FundingStatus) IsValid() bool {
	for _, candidate := range validFundingStatuses {
		if candidate == f {
			return true
		}
	}
	return false
}

// ParseFundingStatus converts raw input into a FundingStatus.
func ParseFundingStatus(value string) (FundingStatus, error) {
	for _, candidate := range validFundingStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid funding status %q", value)
}

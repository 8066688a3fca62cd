package enums

import (
	"fmt"
	"strings"
)

// AmountUnit declares the denomination of a caller-supplied amount.
// AmountUnitUnspecified falls back to magnitude inference.
type AmountUnit string

const (
	AmountUnitUnspecified AmountUnit = ""
	AmountUnitMinor       AmountUnit = "minor"
	AmountUnitMajor       AmountUnit = "major"
)

// String implements fmt.Stringer.
func (a AmountUnit) String() string {
	return string(a)
}

// IsValid reports whether the value is a known AmountUnit.
func (a AmountUnit) IsValid() bool {
	switch a {
	case AmountUnitUnspecified, AmountUnitMinor, AmountUnitMajor:
		return true
	}
	return false
}

// ParseAmountUnit accepts "minor"/"cents" and "major"/"dollars"; empty input is
// unspecified.
func ParseAmountUnit(value string) (AmountUnit, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return AmountUnitUnspecified, nil
	case "minor", "cents":
		return AmountUnitMinor, nil
	case "major", "dollars":
		return AmountUnitMajor, nil
	}
	return "", fmt.Errorf("invalid amount unit %q", value)
}

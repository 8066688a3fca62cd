package enums

import "fmt"

// AutoGiftDateType determines how a rule's event date recurs.
type AutoGiftDateType string

const (
	AutoGiftDateBirthday    AutoGiftDateType = "birthday"
	AutoGiftDateAnniversary AutoGiftDateType = "anniversary"
	AutoGiftDateCustom      AutoGiftDateType = "custom"
)

var validAutoGiftDateTypes = []AutoGiftDateType{
	AutoGiftDateBirthday,
	AutoGiftDateAnniversary,
	AutoGiftDateCustom,
}

// String implements fmt.Stringer.
func (a AutoGiftDateType) String() string {
	return string(a)
}

// IsValid reports whether the value is a known AutoGiftDateType.
func (a AutoGiftDateType) IsValid() bool {
	for _, candidate := range validAutoGiftDateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseAutoGiftDateType converts raw input into a AutoGiftDateType.
func ParseAutoGiftDateType(value string) (AutoGiftDateType, error) {
	for _, candidate := range validAutoGiftDateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid auto-gift date type %q", value)
}

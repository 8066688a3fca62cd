package types

import "strings"

// ShippingAddress is the delivery destination stored as JSONB on orders,
// payment intent records and auto-gift rules.
type ShippingAddress struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// MissingFields lists the required fields that are blank.
func (a *ShippingAddress) MissingFields() []string {
	if a == nil {
		return []string{"name", "line1", "city", "state", "postal_code", "country"}
	}
	var missing []string
	required := []struct {
		name  string
		value string
	}{
		{"name", a.Name},
		{"line1", a.Line1},
		{"city", a.City},
		{"state", a.State},
		{"postal_code", a.PostalCode},
		{"country", a.Country},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.name)
		}
	}
	return missing
}

// IsComplete reports whether every required field is present.
func (a *ShippingAddress) IsComplete() bool {
	return len(a.MissingFields()) == 0
}

// SplitName returns first and last name for vendors that need them apart.
func (a *ShippingAddress) SplitName() (string, string) {
	if a == nil {
		return "", ""
	}
	parts := strings.Fields(a.Name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	}
	return strings.Join(parts[:len(parts)-1], " "), parts[len(parts)-1]
}

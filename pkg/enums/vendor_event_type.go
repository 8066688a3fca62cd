package enums

import "fmt"

// VendorEventType classifies fulfillment milestones reported by the vendor.
type VendorEventType string

const (
	VendorEventPlaced           VendorEventType = "placed"
	VendorEventProcessing       VendorEventType = "processing"
	VendorEventShipped          VendorEventType = "shipped"
	VendorEventTrackingObtained VendorEventType = "tracking_obtained"
	VendorEventDelivered        VendorEventType = "delivered"
	VendorEventCancelled        VendorEventType = "cancelled"
	VendorEventFailed           VendorEventType = "failed"
	VendorEventRequeued         VendorEventType = "requeued"
	VendorEventUnknown          VendorEventType = "unknown"
)

var validVendorEventTypes = []VendorEventType{
	VendorEventPlaced,
	VendorEventProcessing,
	VendorEventShipped,
	VendorEventTrackingObtained,
	VendorEventDelivered,
	VendorEventCancelled,
	VendorEventFailed,
	VendorEventRequeued,
	VendorEventUnknown,
}

// String implements fmt.Stringer.
func (v VendorEventType) String() string {
	return string(v)
}

// IsValid reports whether the value is a known VendorEventType.
func (v VendorEventType) IsValid() bool {
	for _, candidate := range validVendorEventTypes {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseVendorEventType converts raw input into a VendorEventType.
func ParseVendorEventType(value string) (VendorEventType, error) {
	for _, candidate := range validVendorEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid vendor event type %q", value)
}

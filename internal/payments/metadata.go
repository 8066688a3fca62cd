package payments

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/angelmondragon/giftpipe-backend/pkg/types"
)

// Stripe caps metadata values at 500 characters; the full payload lives in
// the payment intent record.
const (
	maxMetadataValue = 500
	maxItemName      = 40
	dateLayout       = "2006-01-02"
)

const (
	MetaSource          = "source"
	MetaUserID          = "user_id"
	MetaEmail           = "customer_email"
	MetaItemCount       = "item_count"
	MetaItems           = "items"
	MetaScheduledDate   = "scheduled_delivery_date"
	MetaAutoGiftRule    = "auto_gift_rule_id"
	MetaAutoGiftExec    = "auto_gift_execution_id"
	MetaGroupGift       = "group_gift_id"
	MetaGiftMessage     = "gift_message"
	MetaShipName        = "ship_name"
	MetaShipLine1       = "ship_line1"
	MetaShipLine2       = "ship_line2"
	MetaShipCity        = "ship_city"
	MetaShipState       = "ship_state"
	MetaShipPostalCode  = "ship_postal_code"
	MetaShipCountry     = "ship_country"
	metadataSourceValue = "giftpipe"
)

// MetadataSummary is the bounded view of a checkout carried on the intent.
type MetadataSummary struct {
	UserID        string
	Email         string
	Items         types.CartItems
	ScheduledDate *time.Time
	AutoGiftRule  string
	AutoGiftExec  string
	GroupGift     string
	GiftMessage   string
	Shipping      *types.ShippingAddress
}

// EncodeMetadata renders a summary into processor metadata.
func EncodeMetadata(summary MetadataSummary) map[string]string {
	out := map[string]string{MetaSource: metadataSourceValue}
	put := func(key, value string) {
		if value = strings.TrimSpace(value); value != "" {
			out[key] = truncate(value, maxMetadataValue)
		}
	}
	put(MetaUserID, summary.UserID)
	put(MetaEmail, summary.Email)
	put(MetaAutoGiftRule, summary.AutoGiftRule)
	put(MetaAutoGiftExec, summary.AutoGiftExec)
	put(MetaGroupGift, summary.GroupGift)
	put(MetaGiftMessage, summary.GiftMessage)
	if summary.ScheduledDate != nil {
		put(MetaScheduledDate, summary.ScheduledDate.UTC().Format(dateLayout))
	}
	if len(summary.Items) > 0 {
		out[MetaItemCount] = strconv.Itoa(len(summary.Items))
		names := make([]string, 0, len(summary.Items))
		for _, item := range summary.Items {
			names = append(names, strconv.Itoa(item.Quantity)+"x "+truncate(item.Name, maxItemName))
		}
		put(MetaItems, strings.Join(names, "; "))
	}
	if addr := summary.Shipping; addr != nil {
		put(MetaShipName, addr.Name)
		put(MetaShipLine1, addr.Line1)
		put(MetaShipLine2, addr.Line2)
		put(MetaShipCity, addr.City)
		put(MetaShipState, addr.State)
		put(MetaShipPostalCode, addr.PostalCode)
		put(MetaShipCountry, addr.Country)
	}
	return out
}

// DecodeShipping reads the shipping fields back; nil when none are present.
func DecodeShipping(meta map[string]string) *types.ShippingAddress {
	addr := &types.ShippingAddress{
		Name:       meta[MetaShipName],
		Line1:      meta[MetaShipLine1],
		Line2:      meta[MetaShipLine2],
		City:       meta[MetaShipCity],
		State:      meta[MetaShipState],
		PostalCode: meta[MetaShipPostalCode],
		Country:    meta[MetaShipCountry],
	}
	if *addr == (types.ShippingAddress{}) {
		return nil
	}
	return addr
}

// DecodeScheduledDate parses the scheduled delivery date, nil when absent or
// malformed.
func DecodeScheduledDate(meta map[string]string) *time.Time {
	raw := strings.TrimSpace(meta[MetaScheduledDate])
	if raw == "" {
		return nil
	}
	date, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil
	}
	return &date
}

func truncate(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}

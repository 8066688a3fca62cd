package autogift

import (
	"time"

	"github.com/angelmondragon/giftpipe-backend/pkg/db/models"
	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
	"github.com/angelmondragon/giftpipe-backend/pkg/types"
)

// NextOccurrence returns the first occurrence of the rule's event on or after
// today. Birthdays and anniversaries recur every year; a Feb 29 event falls on
// Feb 28 in common years. Custom dates occur once.
func NextOccurrence(rule *models.AutoGiftRule, today time.Time) (time.Time, bool) {
	today = startOfDay(today)
	event := startOfDay(rule.EventDate)

	switch rule.DateType {
	case enums.AutoGiftDateCustom:
		if event.Before(today) {
			return time.Time{}, false
		}
		return event, true
	case enums.AutoGiftDateBirthday, enums.AutoGiftDateAnniversary:
		next := anniversaryIn(event, today.Year())
		if next.Before(today) {
			next = anniversaryIn(event, today.Year()+1)
		}
		return next, true
	default:
		return time.Time{}, false
	}
}

// InLeadWindow reports whether today is within LeadDays of the occurrence.
func InLeadWindow(rule *models.AutoGiftRule, occurrence, today time.Time) bool {
	lead := rule.LeadDays
	if lead < 0 {
		lead = 0
	}
	today = startOfDay(today)
	opens := occurrence.AddDate(0, 0, -lead)
	return !today.Before(opens) && !today.After(occurrence)
}

// PickGift returns the most expensive candidate that fits the budget. Ties keep
// the earlier candidate.
func PickGift(candidates []types.GiftCandidate, budgetCents int64) (types.GiftCandidate, bool) {
	var (
		best  types.GiftCandidate
		found bool
	)
	for _, candidate := range candidates {
		if candidate.PriceCents <= 0 || candidate.PriceCents > budgetCents || candidate.VendorProductID == "" {
			continue
		}
		if !found || candidate.PriceCents > best.PriceCents {
			best = candidate
			found = true
		}
	}
	return best, found
}

func anniversaryIn(event time.Time, year int) time.Time {
	month, day := event.Month(), event.Day()
	if month == time.February && day == 29 && !isLeap(year) {
		day = 28
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

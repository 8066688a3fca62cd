package orders

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const orderNumberPrefix = "GP"

// newOrderNumber renders GP-YYMMDD-XXXXXX.
func newOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return orderNumberPrefix + "-" + now.UTC().Format("060102") + "-" + suffix
}

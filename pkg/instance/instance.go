package instance

import (
	"os"
	"strings"
)

// GetID returns the process instance identifier. Heroku-style DYNO wins over
// WORKER_ID; fallback names the process kind.
func GetID(kind string) string {
	for _, key := range []string{"DYNO", "WORKER_ID"} {
		if id := strings.TrimSpace(os.Getenv(key)); id != "" {
			return id
		}
	}
	if kind == "" {
		kind = "local"
	}
	return kind + "-0"
}

package notify

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/xkilldash9x/termin-cli/api/schemas"
)

// StatusMessage renders the periodic status report.
func StatusMessage(mode schemas.Mode, label, status string, counters map[string]int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>termin</b> [%s]\n", mode)
	fmt.Fprintf(&b, "Session: <code>%s</code>\n", html.EscapeString(truncate(label, 24)))
	fmt.Fprintf(&b, "Status: %s\n", html.EscapeString(status))
	if len(counters) > 0 {
		fmt.Fprintf(&b, "\nScans: %d\nDays found: %d\nSlots found: %d\nChallenges: %d/%d\n",
			counters["scans"], counters["days_found"], counters["slots_found"],
			counters["captchas_solved"], counters["captchas_failed"])
	}
	return b.String()
}

// SuccessMessage announces a confirmed booking.
func SuccessMessage(sessionID string, worker int, at time.Time, url string) string {
	return fmt.Sprintf("<b>BOOKING CONFIRMED</b>\nWorker: %d\nSession: <code>%s</code>\nTime: %s\nURL: %s",
		worker, html.EscapeString(sessionID), at.Format(time.RFC3339), html.EscapeString(url))
}

// AlertMessage is a one-line alert with an optional detail block.
func AlertMessage(title, detail string) string {
	if detail == "" {
		return "<b>" + html.EscapeString(title) + "</b>"
	}
	return fmt.Sprintf("<b>%s</b>\n%s", html.EscapeString(title), html.EscapeString(detail))
}

// truncate shortens s to n runes and marks the cut.
func truncate(s string, n int) string {
	if cut := clip(s, n); cut != s {
		return cut + "..."
	}
	return s
}

// clip cuts s to at most n runes, never inside a multi-byte character.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

package reminder

import (
	"strings"

	"boardbot/internal/storage"
)

// messageText composes the outbound text from a fresh record. The owning
// feature writes the body at creation time; the fallback only covers rows
// older clients inserted without one.
func messageText(r storage.Reminder) string {
	body := strings.TrimSpace(r.Body)
	if body == "" {
		body = "You have a reminder."
	}
	return "🔔 " + body
}

package sink

import (
	"fmt"
	"time"

	"remindd/internal/reminder"
)

// messageText renders the plain-text body shared by the text-oriented
// channels (telegram, sms). The web channel ships the structured event
// instead.
func messageText(ev reminder.Event) string {
	when := ev.Occurrence.Local().Format("Mon Jan 2 15:04")
	if ev.Overdue {
		return fmt.Sprintf("Overdue: %s (was due %s)", ev.Title, when)
	}
	if lead := ev.Occurrence.Sub(ev.FireAt); lead > 0 {
		return fmt.Sprintf("Reminder: %s at %s (in %s)", ev.Title, when, lead.Round(time.Minute))
	}
	return fmt.Sprintf("Reminder: %s at %s", ev.Title, when)
}

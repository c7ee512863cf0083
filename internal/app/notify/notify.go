// Package notify owns the per-user reminder schedule. Rows are written and
// refreshed inside the calendar core's own transactions; this package only
// scans for due reminders and hands them to the dispatch stream. Delivery
// itself (bot messages) happens downstream.
package notify

import "time"

type Notification struct {
	EventID   string
	UserID    string
	FireAt    time.Time
	Attending bool
}

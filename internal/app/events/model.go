package events

import (
	"errors"
	"time"
)

// Attendance statuses. A user is in at most one of the three sets.
const (
	StatusAccepted  = "accepted"
	StatusDeclined  = "declined"
	StatusTentative = "tentative"
)

// Edit/delete scope for events belonging to a recurring series.
const (
	ModeSingle        = "single"
	ModeThisAndFuture = "thisAndFuture"
)

var (
	// ErrNotFound means the id does not resolve to a non-deleted event.
	ErrNotFound = errors.New("event not found")
	// ErrConflict means a guarded update lost an optimistic-concurrency race.
	ErrConflict = errors.New("sequence conflict")
	// ErrInvalidRule means the recurrence rule failed validation.
	ErrInvalidRule = errors.New("invalid recurrence rule")
	// ErrTransactionFailed means the storage transaction aborted; the whole
	// operation is safe to retry because no partial effects persisted.
	ErrTransactionFailed = errors.New("transaction failed")
	// ErrDuplicateSubmission means the idempotency key already exists. It is
	// benign: the service resolves it to the previously created event.
	ErrDuplicateSubmission = errors.New("duplicate submission")
	// ErrNotRecurring means a series-scoped operation targeted an event that
	// does not belong to a recurring group.
	ErrNotRecurring = errors.New("event is not part of a recurring series")
)

// Event is one calendar occurrence. For a recurring series, the first event
// is the template: it carries RRule and has no RecurringEventID. Every other
// member is a materialized instance pointing back at the template.
type Event struct {
	ID                string
	ChatID            string
	ThreadID          string
	StartsAt          time.Time
	EndsAt            time.Time
	Timezone          string
	Title             string
	Description       string
	Accepted          []string
	Declined          []string
	Tentative         []string
	Sequence          int64
	Deleted           bool
	RRule             string
	RecurringGroupID  string
	RecurringEventID  string
	ExcludedFromGroup bool
	IdempotencyKey    string
	CreatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsTemplate reports whether the event is the template of its series.
func (e Event) IsTemplate() bool {
	return e.RRule != "" && e.RecurringGroupID != "" && e.RecurringEventID == ""
}

// Duration is the fixed event length, constant across one series generation.
func (e Event) Duration() time.Duration {
	return e.EndsAt.Sub(e.StartsAt)
}

// HasAttendee reports whether userID appears in any attendance set.
func (e Event) HasAttendee(userID string) bool {
	return contains(e.Accepted, userID) || contains(e.Declined, userID) || contains(e.Tentative, userID)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// RecurringGroup is the per-series metadata record. Horizon only moves
// forward while the group is live; once Deleted it is never extended again.
type RecurringGroup struct {
	ID              string
	ChatID          string
	ThreadID        string
	RRule           string
	TemplateEventID string
	Horizon         time.Time
	Deleted         bool
}

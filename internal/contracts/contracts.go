package contracts

import "time"

// Change types carried on the calendar event stream.
const (
	ChangeCreate = "create"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
)

// EventSnapshot is the wire form of one calendar event as of the mutation
// that produced the change.
type EventSnapshot struct {
	ID                string    `json:"id"`
	ChatID            string    `json:"chat_id"`
	ThreadID          string    `json:"thread_id,omitempty"`
	StartsAt          time.Time `json:"starts_at"`
	EndsAt            time.Time `json:"ends_at"`
	Timezone          string    `json:"timezone"`
	Title             string    `json:"title"`
	Description       string    `json:"description,omitempty"`
	Accepted          []string  `json:"accepted,omitempty"`
	Declined          []string  `json:"declined,omitempty"`
	Tentative         []string  `json:"tentative,omitempty"`
	Sequence          int64     `json:"sequence"`
	Deleted           bool      `json:"deleted"`
	RecurringGroupID  string    `json:"recurring_group_id,omitempty"`
	RecurringEventID  string    `json:"recurring_event_id,omitempty"`
	ExcludedFromGroup bool      `json:"excluded_from_group,omitempty"`
}

// ChangeEvent is published by the calendar core after a mutation commits,
// one per affected event. Consumers: bot renderer, live UI push, change-sink.
type ChangeEvent struct {
	ChangeID   string        `json:"change_id"`
	ChatID     string        `json:"chat_id"`
	ThreadID   string        `json:"thread_id,omitempty"`
	ChangeType string        `json:"change_type"`
	Event      EventSnapshot `json:"event"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// UserNotification is dispatched when a scheduled event reminder comes due.
type UserNotification struct {
	EventID  string    `json:"event_id"`
	UserID   string    `json:"user_id"`
	ChatID   string    `json:"chat_id"`
	ThreadID string    `json:"thread_id,omitempty"`
	Title    string    `json:"title"`
	StartsAt time.Time `json:"starts_at"`
}

// Subject namespaces of the two provisioned streams.
const (
	ChangeSubjectPrefix = "cal.event."
	NotifySubjectPrefix = "cal.notify."
)

// ChangeSubject returns the stream subject for one chat/thread scope.
// Format: cal.event.{chat_id}.{thread_id|main}
func ChangeSubject(chatID, threadID string) string {
	if threadID == "" {
		threadID = "main"
	}
	return ChangeSubjectPrefix + chatID + "." + threadID
}

// NotifySubject returns the per-user reminder subject.
func NotifySubject(userID string) string {
	return NotifySubjectPrefix + userID
}

package events

import (
	"fmt"
	"time"

	"github.com/groupcal/server/internal/app/notify"
	"github.com/groupcal/server/internal/app/recurrence"
)

// materializationHorizon is how far into the future a series is expanded,
// both at creation and on each scheduler extension.
const materializationHorizon = 365 * 24 * time.Hour

// DefaultHorizon is the materialization target relative to now.
func DefaultHorizon(now time.Time) time.Time {
	return now.Add(materializationHorizon)
}

// InstanceKey derives the idempotency key for the i-th instance of one
// materialization run. The key is deterministic per (template, generation),
// so a repeated run over the same window collides on the store's unique
// index instead of double-inserting.
func InstanceKey(templateID string, generation time.Time, i int) string {
	return fmt.Sprintf("%s.%d.%d", templateID, generation.Unix(), i)
}

// MaterializeInstances expands the template's rule over (from, to] and
// returns the instance events to persist. Instants at or before from are
// skipped: at creation from is the template's own start (already an event),
// on extension from is the previous horizon (already covered).
//
// seedCreator selects the attendance seeding: true only at real series
// creation, where each instance starts with just the creator accepted.
// Horizon extension passes false and instead duplicates the template's
// current attendee sets.
func MaterializeInstances(template Event, from, to time.Time, newID func() string, seedCreator bool, now time.Time) ([]Event, error) {
	if !to.After(from) {
		// A series starting beyond the horizon has nothing to materialize
		// yet; the scheduler picks it up once the horizon catches up.
		return nil, nil
	}
	occurrences, err := recurrence.Occurrences(template.RRule, template.StartsAt, from, to)
	if err != nil {
		return nil, err
	}

	duration := template.Duration()
	instances := make([]Event, 0, len(occurrences))
	for _, start := range occurrences {
		if !start.After(from) {
			continue
		}
		inst := Event{
			ID:               newID(),
			ChatID:           template.ChatID,
			ThreadID:         template.ThreadID,
			StartsAt:         start,
			EndsAt:           start.Add(duration),
			Timezone:         template.Timezone,
			Title:            template.Title,
			Description:      template.Description,
			RecurringGroupID: template.RecurringGroupID,
			RecurringEventID: template.ID,
			IdempotencyKey:   InstanceKey(template.ID, to, len(instances)),
			CreatedBy:        template.CreatedBy,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if seedCreator {
			inst.Accepted = []string{template.CreatedBy}
		} else {
			inst.Accepted = append([]string(nil), template.Accepted...)
			inst.Declined = append([]string(nil), template.Declined...)
			inst.Tentative = append([]string(nil), template.Tentative...)
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Reminders builds one reminder row per accepted attendee, firing lead
// before the event starts.
func Reminders(ev Event, lead time.Duration) []notify.Notification {
	notifs := make([]notify.Notification, 0, len(ev.Accepted))
	for _, userID := range ev.Accepted {
		notifs = append(notifs, notify.Notification{
			EventID:   ev.ID,
			UserID:    userID,
			FireAt:    ev.StartsAt.Add(-lead),
			Attending: true,
		})
	}
	return notifs
}

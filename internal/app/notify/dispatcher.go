package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/groupcal/server/internal/contracts"
)

type Store interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]DueReminder, error)
	Delete(ctx context.Context, eventID, userID string) error
}

type PublishFunc func(subject string, payload []byte) error

// Dispatcher hands due reminders to the per-user notification stream and
// clears them. Delivery to the user (bot message) is a downstream concern.
type Dispatcher struct {
	Store   Store
	Publish PublishFunc
	Now     func() time.Time
	Logf    func(format string, args ...any)
}

func NewDispatcher(store Store, publish PublishFunc) *Dispatcher {
	return &Dispatcher{
		Store:   store,
		Publish: publish,
		Now:     func() time.Time { return time.Now().UTC() },
		Logf:    log.Printf,
	}
}

// Run dispatches at most limit due reminders. A reminder is deleted only
// after its publish succeeded, so a failed publish retries on the next run.
func (d *Dispatcher) Run(ctx context.Context, limit int) (int, error) {
	due, err := d.Store.ListDue(ctx, d.Now(), limit)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, reminder := range due {
		payload, err := json.Marshal(contracts.UserNotification{
			EventID:  reminder.EventID,
			UserID:   reminder.UserID,
			ChatID:   reminder.ChatID,
			ThreadID: reminder.ThreadID,
			Title:    reminder.Title,
			StartsAt: reminder.StartsAt,
		})
		if err != nil {
			d.Logf("marshal reminder %s/%s: %v", reminder.EventID, reminder.UserID, err)
			continue
		}
		if err := d.Publish(contracts.NotifySubject(reminder.UserID), payload); err != nil {
			d.Logf("publish reminder %s/%s: %v", reminder.EventID, reminder.UserID, err)
			continue
		}
		if err := d.Store.Delete(ctx, reminder.EventID, reminder.UserID); err != nil {
			d.Logf("clear reminder %s/%s: %v", reminder.EventID, reminder.UserID, err)
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

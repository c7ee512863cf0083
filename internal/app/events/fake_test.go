package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/groupcal/server/internal/app/notify"
)

// fakeStore mirrors the repository's transactional semantics in memory:
// idempotency-key uniqueness, sequence guards and soft deletes.
type fakeStore struct {
	mu     sync.Mutex
	events map[string]*Event
	groups map[string]*RecurringGroup
	notifs map[string]notify.Notification
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events: map[string]*Event{},
		groups: map[string]*RecurringGroup{},
		notifs: map[string]notify.Notification{},
	}
}

func notifKey(eventID, userID string) string { return eventID + "|" + userID }

func (f *fakeStore) keyTaken(ev Event) bool {
	for _, existing := range f.events {
		if existing.ChatID == ev.ChatID && existing.ThreadID == ev.ThreadID && existing.IdempotencyKey == ev.IdempotencyKey {
			return true
		}
	}
	return false
}

func (f *fakeStore) putNotifs(notifs []notify.Notification) {
	for _, n := range notifs {
		f.notifs[notifKey(n.EventID, n.UserID)] = n
	}
}

func (f *fakeStore) dropEventNotifs(eventID string) {
	for key, n := range f.notifs {
		if n.EventID == eventID {
			delete(f.notifs, key)
		}
	}
}

func (f *fakeStore) GetEvent(_ context.Context, id string) (Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	return *ev, nil
}

func (f *fakeStore) GetEventByKey(_ context.Context, chatID, threadID, key string) (Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.ChatID == chatID && ev.ThreadID == threadID && ev.IdempotencyKey == key && !ev.Deleted {
			return *ev, nil
		}
	}
	return Event{}, ErrNotFound
}

func (f *fakeStore) ListActive(_ context.Context, chatID, threadID string, from, to time.Time) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, ev := range f.events {
		if ev.ChatID == chatID && ev.ThreadID == threadID && !ev.Deleted &&
			!ev.StartsAt.Before(from) && !ev.StartsAt.After(to) {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (f *fakeStore) ListGroupEvents(_ context.Context, groupID string) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, ev := range f.events {
		if ev.RecurringGroupID == groupID && !ev.Deleted {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (f *fakeStore) GetGroup(_ context.Context, groupID string) (RecurringGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupID]
	if !ok {
		return RecurringGroup{}, ErrNotFound
	}
	return *g, nil
}

func (f *fakeStore) InsertEvent(_ context.Context, ev Event, notifs []notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keyTaken(ev) {
		return ErrDuplicateSubmission
	}
	copied := ev
	f.events[ev.ID] = &copied
	f.putNotifs(notifs)
	return nil
}

func (f *fakeStore) InsertSeries(_ context.Context, template Event, instances []Event, group RecurringGroup, notifs []notify.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keyTaken(template) {
		return ErrDuplicateSubmission
	}
	tpl := template
	f.events[template.ID] = &tpl
	for _, inst := range instances {
		if f.keyTaken(inst) {
			continue
		}
		copied := inst
		f.events[inst.ID] = &copied
	}
	g := group
	f.groups[group.ID] = &g
	f.putNotifs(notifs)
	return nil
}

func (f *fakeStore) UpdateEventGuarded(_ context.Context, ev Event, expectedSeq int64, notifs []notify.Notification) (Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.events[ev.ID]
	if !ok || current.Deleted {
		return Event{}, ErrNotFound
	}
	if current.Sequence != expectedSeq {
		return Event{}, ErrConflict
	}
	updated := ev
	updated.Sequence = expectedSeq + 1
	updated.ChatID = current.ChatID
	updated.ThreadID = current.ThreadID
	updated.IdempotencyKey = current.IdempotencyKey
	f.events[ev.ID] = &updated
	f.dropEventNotifs(ev.ID)
	f.putNotifs(notifs)
	return updated, nil
}

func (f *fakeStore) SoftDeleteEvent(_ context.Context, id string) (Event, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	if !ok {
		return Event{}, false, ErrNotFound
	}
	if ev.Deleted {
		return Event{}, false, nil
	}
	ev.Deleted = true
	ev.Sequence++
	f.dropEventNotifs(id)
	return *ev, true, nil
}

func (f *fakeStore) DeleteSeriesFrom(_ context.Context, groupID string, from time.Time) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteSeriesLocked(groupID, from), nil
}

func (f *fakeStore) deleteSeriesLocked(groupID string, from time.Time) []Event {
	var removed []Event
	for _, ev := range f.events {
		if ev.RecurringGroupID == groupID && !ev.Deleted && !ev.StartsAt.Before(from) {
			ev.Deleted = true
			ev.Sequence++
			f.dropEventNotifs(ev.ID)
			removed = append(removed, *ev)
		}
	}
	if g, ok := f.groups[groupID]; ok {
		g.Deleted = true
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].StartsAt.Before(removed[j].StartsAt) })
	return removed
}

func (f *fakeStore) ReplaceSeriesFrom(_ context.Context, oldGroupID string, from time.Time, template Event, instances []Event, group RecurringGroup, notifs []notify.Notification) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := f.deleteSeriesLocked(oldGroupID, from)
	tpl := template
	f.events[template.ID] = &tpl
	for _, inst := range instances {
		copied := inst
		f.events[inst.ID] = &copied
	}
	g := group
	f.groups[group.ID] = &g
	f.putNotifs(notifs)
	return removed, nil
}

func (f *fakeStore) SetAttendance(_ context.Context, eventID, userID, status string, lead time.Duration) (Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[eventID]
	if !ok || ev.Deleted {
		return Event{}, ErrNotFound
	}
	ev.Accepted = remove(ev.Accepted, userID)
	ev.Declined = remove(ev.Declined, userID)
	ev.Tentative = remove(ev.Tentative, userID)
	switch status {
	case StatusAccepted:
		ev.Accepted = append(ev.Accepted, userID)
	case StatusDeclined:
		ev.Declined = append(ev.Declined, userID)
	case StatusTentative:
		ev.Tentative = append(ev.Tentative, userID)
	}
	ev.Sequence++
	if status == StatusAccepted {
		f.notifs[notifKey(eventID, userID)] = notify.Notification{
			EventID:   eventID,
			UserID:    userID,
			FireAt:    ev.StartsAt.Add(-lead),
			Attending: true,
		}
	} else {
		delete(f.notifs, notifKey(eventID, userID))
	}
	return *ev, nil
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}

func (f *fakeStore) activeGroupEvents(groupID string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, ev := range f.events {
		if ev.RecurringGroupID == groupID && !ev.Deleted {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out
}

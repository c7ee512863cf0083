package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/groupcal/server/internal/contracts"
)

var testNow = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func newTestService(store *fakeStore) (*Service, *[]contracts.ChangeEvent) {
	changes := &[]contracts.ChangeEvent{}
	svc := NewService(store, func(subject string, payload []byte) error {
		var change contracts.ChangeEvent
		if err := json.Unmarshal(payload, &change); err != nil {
			return err
		}
		if subject != contracts.ChangeSubject(change.ChatID, change.ThreadID) {
			panic("subject mismatch: " + subject)
		}
		*changes = append(*changes, change)
		return nil
	})
	svc.Now = func() time.Time { return testNow }
	svc.NewID = sequentialIDs("id")
	svc.Logf = func(string, ...any) {}
	return svc, changes
}

func singleCommand() CreateCommand {
	start := time.Date(2024, 2, 1, 18, 0, 0, 0, time.UTC)
	return CreateCommand{
		ChatID:         "chat-1",
		Title:          "Dinner",
		StartsAt:       start,
		EndsAt:         start.Add(2 * time.Hour),
		IdempotencyKey: "key-1",
	}
}

func weeklyCommand() CreateCommand {
	cmd := singleCommand()
	cmd.Title = "Standup"
	cmd.StartsAt = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	cmd.EndsAt = cmd.StartsAt.Add(time.Hour)
	cmd.RRule = "FREQ=WEEKLY;BYDAY=MO"
	cmd.IdempotencyKey = "key-weekly"
	return cmd
}

func TestCreate_SingleEvent(t *testing.T) {
	store := newFakeStore()
	svc, changes := newTestService(store)

	ev, err := svc.Create(context.Background(), "alice", singleCommand())
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if ev.Sequence != 0 || ev.Deleted {
		t.Fatalf("unexpected new event state: %+v", ev)
	}
	if len(ev.Accepted) != 1 || ev.Accepted[0] != "alice" {
		t.Fatalf("creator not seeded as accepted: %v", ev.Accepted)
	}
	if ev.RecurringGroupID != "" || ev.RRule != "" {
		t.Fatalf("standalone event carries recurrence state: %+v", ev)
	}
	if len(*changes) != 1 || (*changes)[0].ChangeType != contracts.ChangeCreate {
		t.Fatalf("expected one create change, got %+v", *changes)
	}
	if _, ok := store.notifs[notifKey(ev.ID, "alice")]; !ok {
		t.Fatal("expected reminder for the accepted creator")
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newTestService(newFakeStore())
	ctx := context.Background()

	cmd := singleCommand()
	cmd.ChatID = ""
	if _, err := svc.Create(ctx, "alice", cmd); !errors.Is(err, ErrChatRequired) {
		t.Fatalf("expected ErrChatRequired, got %v", err)
	}

	cmd = singleCommand()
	cmd.Title = "  "
	if _, err := svc.Create(ctx, "alice", cmd); !errors.Is(err, ErrTitleRequired) {
		t.Fatalf("expected ErrTitleRequired, got %v", err)
	}

	cmd = singleCommand()
	cmd.EndsAt = cmd.StartsAt
	if _, err := svc.Create(ctx, "alice", cmd); !errors.Is(err, ErrBadTiming) {
		t.Fatalf("expected ErrBadTiming, got %v", err)
	}

	cmd = singleCommand()
	cmd.Timezone = "Mars/Olympus"
	if _, err := svc.Create(ctx, "alice", cmd); !errors.Is(err, ErrBadTimezone) {
		t.Fatalf("expected ErrBadTimezone, got %v", err)
	}

	cmd = singleCommand()
	cmd.RRule = "FREQ=SOMETIMES"
	if _, err := svc.Create(ctx, "alice", cmd); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
}

func TestCreate_WeeklySeries(t *testing.T) {
	store := newFakeStore()
	svc, changes := newTestService(store)

	tpl, err := svc.Create(context.Background(), "alice", weeklyCommand())
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if !tpl.IsTemplate() {
		t.Fatalf("created event is not a template: %+v", tpl)
	}

	group, ok := store.groups[tpl.RecurringGroupID]
	if !ok {
		t.Fatal("group metadata not registered")
	}
	if group.TemplateEventID != tpl.ID || group.RRule != tpl.RRule {
		t.Fatalf("unexpected group: %+v", group)
	}
	if !group.Horizon.Equal(testNow.Add(materializationHorizon)) {
		t.Fatalf("horizon = %v, want one year from now", group.Horizon)
	}

	members := store.activeGroupEvents(tpl.RecurringGroupID)
	if len(members) < 50 {
		t.Fatalf("expected a year of weekly instances, got %d", len(members))
	}
	if !members[0].StartsAt.Equal(tpl.StartsAt) {
		t.Fatalf("first member should be the template, got %v", members[0].StartsAt)
	}
	if !members[1].StartsAt.Equal(time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("first instance at %v, want 2024-01-08T10:00Z", members[1].StartsAt)
	}
	for i, m := range members[1:] {
		if m.RecurringEventID != tpl.ID {
			t.Fatalf("instance %d does not reference the template", i)
		}
		if m.Duration() != time.Hour {
			t.Fatalf("instance %d duration %v, want 1h", i, m.Duration())
		}
	}
	if len(*changes) != len(members) {
		t.Fatalf("published %d changes, want %d", len(*changes), len(members))
	}
}

func TestCreate_DuplicateSubmission(t *testing.T) {
	store := newFakeStore()
	svc, changes := newTestService(store)
	ctx := context.Background()

	first, err := svc.Create(ctx, "alice", singleCommand())
	if err != nil {
		t.Fatalf("first Create returned error: %v", err)
	}
	publishedBefore := len(*changes)

	second, err := svc.Create(ctx, "alice", singleCommand())
	if err != nil {
		t.Fatalf("duplicate Create returned error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate resolved to %q, want original %q", second.ID, first.ID)
	}
	if len(store.events) != 1 {
		t.Fatalf("duplicate created a second event: %d stored", len(store.events))
	}
	if len(*changes) != publishedBefore {
		t.Fatal("duplicate submission must not publish changes")
	}
}

func TestCreate_SeriesStartingBeyondHorizon(t *testing.T) {
	// The first occurrence lies two years out, past the one-year default
	// horizon: creation succeeds with a bare template and the scheduler
	// materializes instances once the horizon catches up.
	store := newFakeStore()
	svc, changes := newTestService(store)

	cmd := weeklyCommand()
	cmd.StartsAt = testNow.AddDate(2, 0, 0)
	cmd.EndsAt = cmd.StartsAt.Add(time.Hour)

	tpl, err := svc.Create(context.Background(), "alice", cmd)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if !tpl.IsTemplate() {
		t.Fatalf("created event is not a template: %+v", tpl)
	}

	group, ok := store.groups[tpl.RecurringGroupID]
	if !ok {
		t.Fatal("group metadata not registered")
	}
	if !group.Horizon.Equal(testNow.Add(materializationHorizon)) {
		t.Fatalf("horizon = %v, want one year from now", group.Horizon)
	}

	members := store.activeGroupEvents(tpl.RecurringGroupID)
	if len(members) != 1 || members[0].ID != tpl.ID {
		t.Fatalf("expected only the template before the horizon catches up, got %d members", len(members))
	}
	if len(*changes) != 1 || (*changes)[0].ChangeType != contracts.ChangeCreate {
		t.Fatalf("expected one create change, got %+v", *changes)
	}
}

func TestCreate_DuplicateOfDeletedEvent(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	first, err := svc.Create(ctx, "alice", singleCommand())
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := svc.Delete(ctx, first.ID, ModeSingle); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}

	// The unique index still holds the deleted row, but the retry must not
	// resolve to a deleted event as if the create succeeded.
	if _, err := svc.Create(ctx, "alice", singleCommand()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for retry of a deleted create, got %v", err)
	}
}

func TestUpdate_SingleGuardedBySequence(t *testing.T) {
	store := newFakeStore()
	svc, changes := newTestService(store)
	ctx := context.Background()

	ev, err := svc.Create(ctx, "alice", singleCommand())
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	title := "Dinner (moved)"
	updated, err := svc.Update(ctx, "alice", ev.ID, UpdateCommand{Title: &title}, ModeSingle, 0)
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if updated.Sequence != 1 || updated.Title != title {
		t.Fatalf("unexpected updated event: %+v", updated)
	}

	// A writer still holding sequence 0 must lose.
	stale := "Dinner (stale)"
	if _, err := svc.Update(ctx, "bob", ev.ID, UpdateCommand{Title: &stale}, ModeSingle, 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if got := store.events[ev.ID].Title; got != title {
		t.Fatalf("conflicting write landed: %q", got)
	}
	last := (*changes)[len(*changes)-1]
	if last.ChangeType != contracts.ChangeUpdate || last.Event.Sequence != 1 {
		t.Fatalf("unexpected last change: %+v", last)
	}
}

func TestUpdate_SingleDetachesInstanceFromSeries(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	tpl, err := svc.Create(ctx, "alice", weeklyCommand())
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	members := store.activeGroupEvents(tpl.RecurringGroupID)
	instance := members[2]

	title := "One-off agenda"
	updated, err := svc.Update(ctx, "alice", instance.ID, UpdateCommand{Title: &title}, ModeSingle, 0)
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if !updated.ExcludedFromGroup {
		t.Fatal("instance not marked excluded from group")
	}
	if updated.RecurringGroupID != "" || updated.RecurringEventID != "" {
		t.Fatalf("instance still linked to series: %+v", updated)
	}

	// Siblings keep their linkage: a single edit detaches only its target.
	remaining := store.activeGroupEvents(tpl.RecurringGroupID)
	if len(remaining) != len(members)-1 {
		t.Fatalf("sibling membership changed: %d -> %d", len(members), len(remaining))
	}
}

func TestUpdate_ThisAndFutureSupersedesTail(t *testing.T) {
	store := newFakeStore()
	svc, changes := newTestService(store)
	ctx := context.Background()

	tpl, err := svc.Create(ctx, "alice", weeklyCommand())
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	oldGroupID := tpl.RecurringGroupID
	members := store.activeGroupEvents(oldGroupID)
	edited := members[3]
	editDate := edited.StartsAt
	*changes = (*changes)[:0]

	title := "Standup (new room)"
	newTemplate, err := svc.Update(ctx, "bob", edited.ID, UpdateCommand{Title: &title}, ModeThisAndFuture, 0)
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if newTemplate.RecurringGroupID == oldGroupID {
		t.Fatal("thisAndFuture must mint a brand-new group")
	}
	if newTemplate.ID == edited.ID {
		t.Fatal("edited event id must be retired, not reused")
	}
	if !newTemplate.StartsAt.Equal(editDate) {
		t.Fatalf("new template starts at %v, want %v", newTemplate.StartsAt, editDate)
	}
	if !newTemplate.IsTemplate() || newTemplate.Title != title {
		t.Fatalf("unexpected new template: %+v", newTemplate)
	}

	// Old group: everything >= the edit date gone, everything before intact.
	for _, ev := range store.activeGroupEvents(oldGroupID) {
		if !ev.StartsAt.Before(editDate) {
			t.Fatalf("old group still has active instance at %v", ev.StartsAt)
		}
	}
	if got := len(store.activeGroupEvents(oldGroupID)); got != 3 {
		t.Fatalf("old group kept %d instances, want 3", got)
	}
	if !store.groups[oldGroupID].Deleted {
		t.Fatal("old group not retired")
	}

	var deletes, creates int
	for _, change := range *changes {
		switch change.ChangeType {
		case contracts.ChangeDelete:
			deletes++
		case contracts.ChangeCreate:
			creates++
		}
	}
	if deletes != len(members)-3 {
		t.Fatalf("published %d deletes, want %d", deletes, len(members)-3)
	}
	if creates != len(store.activeGroupEvents(newTemplate.RecurringGroupID)) {
		t.Fatalf("published %d creates, want one per new member", creates)
	}
}

func TestUpdate_ThisAndFutureRequiresSeries(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	ev, err := svc.Create(ctx, "alice", singleCommand())
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	title := "x"
	if _, err := svc.Update(ctx, "alice", ev.ID, UpdateCommand{Title: &title}, ModeThisAndFuture, 0); !errors.Is(err, ErrNotRecurring) {
		t.Fatalf("expected ErrNotRecurring, got %v", err)
	}
}

func TestUpdate_UnknownEventAndMode(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	title := "x"
	if _, err := svc.Update(ctx, "alice", "missing", UpdateCommand{Title: &title}, ModeSingle, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	ev, _ := svc.Create(ctx, "alice", singleCommand())
	if _, err := svc.Update(ctx, "alice", ev.ID, UpdateCommand{Title: &title}, "everything", 0); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("expected ErrUnsupportedMode, got %v", err)
	}
}

func TestDelete_Idempotent(t *testing.T) {
	store := newFakeStore()
	svc, changes := newTestService(store)
	ctx := context.Background()

	ev, err := svc.Create(ctx, "alice", singleCommand())
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := svc.Delete(ctx, ev.ID, ModeSingle); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	seqAfterDelete := store.events[ev.ID].Sequence
	publishedAfterDelete := len(*changes)

	if err := svc.Delete(ctx, ev.ID, ModeSingle); err != nil {
		t.Fatalf("repeat Delete returned error: %v", err)
	}
	if store.events[ev.ID].Sequence != seqAfterDelete {
		t.Fatal("repeat delete bumped the sequence")
	}
	if len(*changes) != publishedAfterDelete {
		t.Fatal("repeat delete published a change")
	}
	if err := svc.Delete(ctx, "missing", ModeSingle); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete_ThisAndFuture(t *testing.T) {
	store := newFakeStore()
	svc, changes := newTestService(store)
	ctx := context.Background()

	tpl, err := svc.Create(ctx, "alice", weeklyCommand())
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	members := store.activeGroupEvents(tpl.RecurringGroupID)
	cut := members[5]
	*changes = (*changes)[:0]

	if err := svc.Delete(ctx, cut.ID, ModeThisAndFuture); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	remaining := store.activeGroupEvents(tpl.RecurringGroupID)
	if len(remaining) != 5 {
		t.Fatalf("kept %d members, want 5", len(remaining))
	}
	for _, ev := range remaining {
		if !ev.StartsAt.Before(cut.StartsAt) {
			t.Fatalf("instance at %v should be gone", ev.StartsAt)
		}
	}
	if !store.groups[tpl.RecurringGroupID].Deleted {
		t.Fatal("group not retired")
	}
	if len(*changes) != len(members)-5 {
		t.Fatalf("published %d deletes, want %d", len(*changes), len(members)-5)
	}
}

func TestSetAttendance_MovesBetweenSets(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	ev, err := svc.Create(ctx, "alice", singleCommand())
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if _, err := svc.SetAttendance(ctx, ev.ID, "bob", StatusAccepted); err != nil {
		t.Fatalf("SetAttendance returned error: %v", err)
	}
	if _, ok := store.notifs[notifKey(ev.ID, "bob")]; !ok {
		t.Fatal("accepting must schedule a reminder")
	}

	// Accepted then declined, repeated: bob ends up only in declined.
	for i := 0; i < 2; i++ {
		if _, err := svc.SetAttendance(ctx, ev.ID, "bob", StatusDeclined); err != nil {
			t.Fatalf("SetAttendance returned error: %v", err)
		}
	}
	final := store.events[ev.ID]
	if contains(final.Accepted, "bob") || contains(final.Tentative, "bob") {
		t.Fatalf("bob left in another set: %+v", final)
	}
	if !contains(final.Declined, "bob") {
		t.Fatalf("bob missing from declined: %+v", final)
	}
	if _, ok := store.notifs[notifKey(ev.ID, "bob")]; ok {
		t.Fatal("declining must drop the reminder")
	}

	if _, err := svc.SetAttendance(ctx, ev.ID, "bob", "maybe-later"); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus, got %v", err)
	}
}

func TestGetGroupInfo(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	tpl, err := svc.Create(ctx, "alice", weeklyCommand())
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	members := store.activeGroupEvents(tpl.RecurringGroupID)

	info, err := svc.GetGroupInfo(ctx, members[4].ID)
	if err != nil {
		t.Fatalf("GetGroupInfo returned error: %v", err)
	}
	if info.Group.ID != tpl.RecurringGroupID || info.Template.ID != tpl.ID {
		t.Fatalf("unexpected group info: %+v", info.Group)
	}
	if len(info.Members) != len(members) {
		t.Fatalf("got %d members, want %d", len(info.Members), len(members))
	}

	single, _ := svc.Create(ctx, "alice", singleCommand())
	if _, err := svc.GetGroupInfo(ctx, single.ID); !errors.Is(err, ErrNotRecurring) {
		t.Fatalf("expected ErrNotRecurring, got %v", err)
	}
}

func TestListActive_DefaultsWindow(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	ev, err := svc.Create(ctx, "alice", singleCommand())
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := svc.Delete(ctx, ev.ID, ModeSingle); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}

	listed, err := svc.ListActive(ctx, "chat-1", "", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ListActive returned error: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("deleted event still listed: %+v", listed)
	}
	if _, err := svc.ListActive(ctx, "", "", time.Time{}, time.Time{}); !errors.Is(err, ErrChatRequired) {
		t.Fatalf("expected ErrChatRequired, got %v", err)
	}
}

package events

import (
	"fmt"
	"testing"
	"time"
)

func testTemplate() Event {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	return Event{
		ID:               "tpl-1",
		ChatID:           "chat-1",
		StartsAt:         start,
		EndsAt:           start.Add(time.Hour),
		Timezone:         "UTC",
		Title:            "Standup",
		Accepted:         []string{"alice", "bob"},
		Declined:         []string{"carol"},
		RRule:            "FREQ=WEEKLY;BYDAY=MO",
		RecurringGroupID: "grp-1",
		CreatedBy:        "alice",
	}
}

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func TestMaterializeInstances_WeeklyMonday(t *testing.T) {
	tpl := testTemplate()
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	to := tpl.StartsAt.AddDate(0, 0, 28)

	instances, err := MaterializeInstances(tpl, tpl.StartsAt, to, sequentialIDs("ev"), true, now)
	if err != nil {
		t.Fatalf("MaterializeInstances returned error: %v", err)
	}

	wantStarts := []time.Time{
		time.Date(2024, 1, 8, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 22, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 29, 10, 0, 0, 0, time.UTC),
	}
	if len(instances) != len(wantStarts) {
		t.Fatalf("got %d instances, want %d", len(instances), len(wantStarts))
	}
	for i, inst := range instances {
		if !inst.StartsAt.Equal(wantStarts[i]) {
			t.Errorf("instance %d starts at %v, want %v", i, inst.StartsAt, wantStarts[i])
		}
		if got := inst.EndsAt.Sub(inst.StartsAt); got != time.Hour {
			t.Errorf("instance %d duration %v, want 1h", i, got)
		}
		if inst.StartsAt.Equal(tpl.StartsAt) {
			t.Errorf("instance %d duplicates the template start", i)
		}
		if inst.RecurringGroupID != "grp-1" || inst.RecurringEventID != "tpl-1" {
			t.Errorf("instance %d linkage = (%q, %q)", i, inst.RecurringGroupID, inst.RecurringEventID)
		}
		if inst.RRule != "" {
			t.Errorf("instance %d carries a rule", i)
		}
		if inst.Sequence != 0 {
			t.Errorf("instance %d sequence = %d, want 0", i, inst.Sequence)
		}
	}
}

func TestMaterializeInstances_CreationSeedsCreator(t *testing.T) {
	tpl := testTemplate()
	to := tpl.StartsAt.AddDate(0, 0, 14)

	instances, err := MaterializeInstances(tpl, tpl.StartsAt, to, sequentialIDs("ev"), true, tpl.StartsAt)
	if err != nil {
		t.Fatalf("MaterializeInstances returned error: %v", err)
	}
	for _, inst := range instances {
		if len(inst.Accepted) != 1 || inst.Accepted[0] != "alice" {
			t.Errorf("creation seeding: accepted = %v, want [alice]", inst.Accepted)
		}
		if len(inst.Declined) != 0 {
			t.Errorf("creation seeding: declined = %v, want empty", inst.Declined)
		}
	}
}

func TestMaterializeInstances_ExtensionCopiesAttendees(t *testing.T) {
	tpl := testTemplate()
	from := tpl.StartsAt.AddDate(0, 0, 28)
	to := tpl.StartsAt.AddDate(0, 0, 56)

	instances, err := MaterializeInstances(tpl, from, to, sequentialIDs("ev"), false, tpl.StartsAt)
	if err != nil {
		t.Fatalf("MaterializeInstances returned error: %v", err)
	}
	if len(instances) == 0 {
		t.Fatal("expected instances in extension window")
	}
	for _, inst := range instances {
		if len(inst.Accepted) != 2 || inst.Accepted[0] != "alice" || inst.Accepted[1] != "bob" {
			t.Errorf("extension: accepted = %v, want template's [alice bob]", inst.Accepted)
		}
		if len(inst.Declined) != 1 || inst.Declined[0] != "carol" {
			t.Errorf("extension: declined = %v, want template's [carol]", inst.Declined)
		}
		if !inst.StartsAt.After(from) {
			t.Errorf("instance at %v not after extension start %v", inst.StartsAt, from)
		}
	}
}

func TestMaterializeInstances_WindowEndNotAfterStart(t *testing.T) {
	// A series starting beyond the horizon materializes nothing yet; the
	// inverted window is a valid empty run, not a rule error.
	tpl := testTemplate()

	instances, err := MaterializeInstances(tpl, tpl.StartsAt, tpl.StartsAt.AddDate(-1, 0, 0), sequentialIDs("ev"), true, tpl.StartsAt)
	if err != nil {
		t.Fatalf("inverted window: %v", err)
	}
	if len(instances) != 0 {
		t.Fatalf("inverted window produced %d instances", len(instances))
	}

	instances, err = MaterializeInstances(tpl, tpl.StartsAt, tpl.StartsAt, sequentialIDs("ev"), true, tpl.StartsAt)
	if err != nil {
		t.Fatalf("empty window: %v", err)
	}
	if len(instances) != 0 {
		t.Fatalf("empty window produced %d instances", len(instances))
	}
}

func TestInstanceKey_DeterministicPerGeneration(t *testing.T) {
	gen := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if InstanceKey("tpl-1", gen, 0) != InstanceKey("tpl-1", gen, 0) {
		t.Fatal("same generation and index must derive the same key")
	}
	if InstanceKey("tpl-1", gen, 0) == InstanceKey("tpl-1", gen, 1) {
		t.Fatal("different indexes must derive different keys")
	}
	if InstanceKey("tpl-1", gen, 0) == InstanceKey("tpl-1", gen.AddDate(1, 0, 0), 0) {
		t.Fatal("different generations must derive different keys")
	}
}

func TestMaterializeInstances_RepeatRunSameKeys(t *testing.T) {
	// The unique index on (chat, thread, key) is the double-insert backstop,
	// so a repeated run over the same window must derive identical keys.
	tpl := testTemplate()
	to := tpl.StartsAt.AddDate(0, 1, 0)

	first, err := MaterializeInstances(tpl, tpl.StartsAt, to, sequentialIDs("a"), true, tpl.StartsAt)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := MaterializeInstances(tpl, tpl.StartsAt, to, sequentialIDs("b"), true, tpl.StartsAt)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("run sizes differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].IdempotencyKey != second[i].IdempotencyKey {
			t.Errorf("instance %d keys differ: %q vs %q", i, first[i].IdempotencyKey, second[i].IdempotencyKey)
		}
	}
}

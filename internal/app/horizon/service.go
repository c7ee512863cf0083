// Package horizon keeps recurring series materialized ahead of time. A
// periodic scan finds live groups whose horizon is closing in on now and
// extends each one in its own transaction, so one broken group never blocks
// the rest.
package horizon

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/groupcal/server/internal/app/events"
	"github.com/groupcal/server/internal/app/notify"
	"github.com/groupcal/server/internal/contracts"
	"github.com/groupcal/server/internal/platform/metrics"
	"github.com/nats-io/nuid"
)

// extensionThreshold is how close a group's horizon may get to now before
// the scheduler extends it again.
const extensionThreshold = 30 * 24 * time.Hour

type Store interface {
	GroupsBelowHorizon(ctx context.Context, before time.Time, limit int) ([]events.RecurringGroup, error)
	GetEvent(ctx context.Context, id string) (events.Event, error)
	RetireGroup(ctx context.Context, groupID string) error
	// ExtendHorizon returns the instances it actually inserted; a concurrent
	// extension may have covered part of the window already.
	ExtendHorizon(ctx context.Context, groupID string, newHorizon time.Time, instances []events.Event, notifs []notify.Notification) ([]events.Event, error)
}

type PublishFunc func(subject string, payload []byte) error

type Service struct {
	Store        Store
	Publish      PublishFunc
	Now          func() time.Time
	NewID        func() string
	Logf         func(format string, args ...any)
	ReminderLead time.Duration
}

func NewService(store Store, publish PublishFunc) *Service {
	return &Service{
		Store:        store,
		Publish:      publish,
		Now:          func() time.Time { return time.Now().UTC() },
		NewID:        nuid.Next,
		Logf:         log.Printf,
		ReminderLead: 30 * time.Minute,
	}
}

type Stats struct {
	Scanned  int
	Extended int
	Retired  int
	Skipped  int
	Failed   int
}

// Run performs one scheduler pass over at most limit groups. Each group is
// its own unit of failure: errors are logged and counted, never propagated
// to the other groups. The returned error covers only the initial scan.
func (s *Service) Run(ctx context.Context, limit int) (Stats, error) {
	var stats Stats
	now := s.Now()

	groups, err := s.Store.GroupsBelowHorizon(ctx, now.Add(extensionThreshold), limit)
	if err != nil {
		return stats, err
	}

	for _, group := range groups {
		stats.Scanned++
		outcome := s.extendGroup(ctx, group, now)
		metrics.HorizonRuns.WithLabelValues(outcome).Inc()
		switch outcome {
		case "extended":
			stats.Extended++
		case "retired":
			stats.Retired++
		case "skipped":
			stats.Skipped++
		case "failed":
			stats.Failed++
		}
	}
	return stats, nil
}

func (s *Service) extendGroup(ctx context.Context, group events.RecurringGroup, now time.Time) string {
	template, err := s.Store.GetEvent(ctx, group.TemplateEventID)
	orphaned := errors.Is(err, events.ErrNotFound) ||
		(err == nil && (template.Deleted || template.RRule == ""))
	if orphaned {
		// Self-healing: the template was removed or demoted out-of-band,
		// so the group can never produce instances again.
		if retireErr := s.Store.RetireGroup(ctx, group.ID); retireErr != nil {
			s.Logf("retire orphaned group %s: %v", group.ID, retireErr)
			return "failed"
		}
		s.Logf("retired orphaned group %s (template %s)", group.ID, group.TemplateEventID)
		return "retired"
	}
	if err != nil {
		s.Logf("load template %s for group %s: %v", group.TemplateEventID, group.ID, err)
		return "failed"
	}

	newHorizon := events.DefaultHorizon(now)
	if !newHorizon.After(group.Horizon) {
		return "skipped"
	}

	instances, err := events.MaterializeInstances(template, group.Horizon, newHorizon, s.NewID, false, now)
	if err != nil {
		s.Logf("materialize group %s: %v", group.ID, err)
		return "failed"
	}
	notifs := make([]notify.Notification, 0, len(instances))
	for _, inst := range instances {
		notifs = append(notifs, events.Reminders(inst, s.ReminderLead)...)
	}

	inserted, err := s.Store.ExtendHorizon(ctx, group.ID, newHorizon, instances, notifs)
	if err != nil {
		s.Logf("extend group %s to %v: %v", group.ID, newHorizon, err)
		return "failed"
	}
	for _, inst := range inserted {
		s.publishCreate(inst, now)
	}
	return "extended"
}

func (s *Service) publishCreate(ev events.Event, now time.Time) {
	if s.Publish == nil {
		return
	}
	change := contracts.ChangeEvent{
		ChangeID:   s.NewID(),
		ChatID:     ev.ChatID,
		ThreadID:   ev.ThreadID,
		ChangeType: contracts.ChangeCreate,
		Event:      events.Snapshot(ev),
		OccurredAt: now,
	}
	payload, err := json.Marshal(change)
	if err != nil {
		s.Logf("marshal change for instance %s: %v", ev.ID, err)
		return
	}
	if err := s.Publish(contracts.ChangeSubject(ev.ChatID, ev.ThreadID), payload); err != nil {
		metrics.PublishFailures.WithLabelValues(contracts.ChangeCreate).Inc()
		s.Logf("publish create for instance %s: %v", ev.ID, err)
	}
}

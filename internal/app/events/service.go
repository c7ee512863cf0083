package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/groupcal/server/internal/app/notify"
	"github.com/groupcal/server/internal/app/recurrence"
	"github.com/groupcal/server/internal/contracts"
	"github.com/groupcal/server/internal/platform/metrics"
	"github.com/nats-io/nuid"
)

var (
	ErrChatRequired    = errors.New("chat_id is required")
	ErrTitleRequired   = errors.New("title is required")
	ErrBadTiming       = errors.New("end must be after start")
	ErrBadTimezone     = errors.New("unknown timezone")
	ErrBadStatus       = errors.New("unsupported attendance status")
	ErrUnsupportedMode = errors.New("unsupported edit mode")
)

const defaultReminderLead = 30 * time.Minute

// Store is the persistence contract the mutation service runs on. Each
// multi-row method is one storage transaction: either every write lands or
// none do.
type Store interface {
	GetEvent(ctx context.Context, id string) (Event, error)
	GetEventByKey(ctx context.Context, chatID, threadID, key string) (Event, error)
	ListActive(ctx context.Context, chatID, threadID string, from, to time.Time) ([]Event, error)
	ListGroupEvents(ctx context.Context, groupID string) ([]Event, error)
	GetGroup(ctx context.Context, groupID string) (RecurringGroup, error)

	InsertEvent(ctx context.Context, ev Event, notifs []notify.Notification) error
	InsertSeries(ctx context.Context, template Event, instances []Event, group RecurringGroup, notifs []notify.Notification) error
	// UpdateEventGuarded writes ev conditionally on the stored sequence
	// matching expectedSeq, bumping it by one. The notification rows for the
	// event are replaced with notifs in the same transaction.
	UpdateEventGuarded(ctx context.Context, ev Event, expectedSeq int64, notifs []notify.Notification) (Event, error)
	// SoftDeleteEvent marks one event deleted and drops its notifications.
	// changed=false means it was already deleted (idempotent no-op).
	SoftDeleteEvent(ctx context.Context, id string) (ev Event, changed bool, err error)
	// DeleteSeriesFrom soft-deletes every live group member starting at or
	// after from, drops their notifications and retires the group. Returns
	// the events it deleted.
	DeleteSeriesFrom(ctx context.Context, groupID string, from time.Time) ([]Event, error)
	// ReplaceSeriesFrom is DeleteSeriesFrom plus the insertion of the
	// superseding series, as one transaction.
	ReplaceSeriesFrom(ctx context.Context, oldGroupID string, from time.Time, template Event, instances []Event, group RecurringGroup, notifs []notify.Notification) ([]Event, error)
	// SetAttendance atomically moves userID into the status set, removes it
	// from the other two, bumps the sequence and refreshes the user's
	// reminder row (attending = accepted, firing lead before start).
	SetAttendance(ctx context.Context, eventID, userID, status string, lead time.Duration) (Event, error)
}

type PublishFunc func(subject string, payload []byte) error

// Service implements the event mutation protocol: create, edit and delete of
// single events and recurring series, and attendance changes. Every
// successful mutation publishes one change event per affected event after
// the transaction commits; publishing is best-effort.
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
		ReminderLead: defaultReminderLead,
	}
}

type CreateCommand struct {
	ChatID         string
	ThreadID       string
	Title          string
	Description    string
	StartsAt       time.Time
	EndsAt         time.Time
	Timezone       string
	RRule          string
	IdempotencyKey string
}

// Create inserts a standalone event, or a whole recurring series when the
// command carries a rule. A duplicate idempotency key resolves to the event
// created by the first submission instead of erroring.
func (s *Service) Create(ctx context.Context, actor string, cmd CreateCommand) (Event, error) {
	if strings.TrimSpace(cmd.ChatID) == "" {
		return Event{}, ErrChatRequired
	}
	if strings.TrimSpace(cmd.Title) == "" {
		return Event{}, ErrTitleRequired
	}
	if !cmd.EndsAt.After(cmd.StartsAt) {
		return Event{}, ErrBadTiming
	}
	tz := cmd.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return Event{}, fmt.Errorf("%w: %q", ErrBadTimezone, cmd.Timezone)
	}

	now := s.Now()
	key := cmd.IdempotencyKey
	if key == "" {
		key = s.NewID()
	}
	ev := Event{
		ID:             s.NewID(),
		ChatID:         cmd.ChatID,
		ThreadID:       cmd.ThreadID,
		StartsAt:       cmd.StartsAt,
		EndsAt:         cmd.EndsAt,
		Timezone:       tz,
		Title:          cmd.Title,
		Description:    cmd.Description,
		Accepted:       []string{actor},
		IdempotencyKey: key,
		CreatedBy:      actor,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if recurrence.Normalize(cmd.RRule) == "" {
		err := s.Store.InsertEvent(ctx, ev, s.reminders(ev))
		if errors.Is(err, ErrDuplicateSubmission) {
			return s.Store.GetEventByKey(ctx, ev.ChatID, ev.ThreadID, key)
		}
		if err != nil {
			return Event{}, err
		}
		s.publishChange(contracts.ChangeCreate, ev)
		return ev, nil
	}

	if err := recurrence.Validate(cmd.RRule); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	ev.RRule = recurrence.Normalize(cmd.RRule)
	ev.RecurringGroupID = s.NewID()

	horizon := DefaultHorizon(now)
	instances, err := MaterializeInstances(ev, ev.StartsAt, horizon, s.NewID, true, now)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	group := RecurringGroup{
		ID:              ev.RecurringGroupID,
		ChatID:          ev.ChatID,
		ThreadID:        ev.ThreadID,
		RRule:           ev.RRule,
		TemplateEventID: ev.ID,
		Horizon:         horizon,
	}
	notifs := s.reminders(ev)
	for _, inst := range instances {
		notifs = append(notifs, s.reminders(inst)...)
	}

	err = s.Store.InsertSeries(ctx, ev, instances, group, notifs)
	if errors.Is(err, ErrDuplicateSubmission) {
		return s.Store.GetEventByKey(ctx, ev.ChatID, ev.ThreadID, key)
	}
	if err != nil {
		return Event{}, err
	}
	s.publishChange(contracts.ChangeCreate, ev)
	for _, inst := range instances {
		s.publishChange(contracts.ChangeCreate, inst)
	}
	return ev, nil
}

type UpdateCommand struct {
	Title       *string
	Description *string
	StartsAt    *time.Time
	EndsAt      *time.Time
	Timezone    *string
	RRule       *string
}

// Update edits one event. ModeSingle is a guarded in-place write: the caller
// supplies the sequence it read, and a mismatch surfaces as ErrConflict. A
// single edit of a series member permanently detaches it from its group.
// ModeThisAndFuture supersedes the tail of the series with a brand-new group
// built from the edited values; the old instances stay untouched below the
// edited date.
func (s *Service) Update(ctx context.Context, actor, id string, cmd UpdateCommand, mode string, expectedSeq int64) (Event, error) {
	ev, err := s.Store.GetEvent(ctx, id)
	if err != nil {
		return Event{}, err
	}
	if ev.Deleted {
		return Event{}, ErrNotFound
	}

	merged, err := s.applyFields(ev, cmd)
	if err != nil {
		return Event{}, err
	}

	switch mode {
	case ModeSingle, "":
		return s.updateSingle(ctx, merged, expectedSeq)
	case ModeThisAndFuture:
		return s.updateThisAndFuture(ctx, actor, ev, merged, cmd)
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
}

func (s *Service) updateSingle(ctx context.Context, merged Event, expectedSeq int64) (Event, error) {
	if merged.RecurringGroupID != "" {
		// Detached for good: the instance leaves its series and later
		// series-wide operations no longer touch it.
		merged.ExcludedFromGroup = true
		merged.RecurringGroupID = ""
		merged.RecurringEventID = ""
		merged.RRule = ""
	}
	merged.UpdatedAt = s.Now()

	updated, err := s.Store.UpdateEventGuarded(ctx, merged, expectedSeq, s.reminders(merged))
	if err != nil {
		return Event{}, err
	}
	s.publishChange(contracts.ChangeUpdate, updated)
	return updated, nil
}

func (s *Service) updateThisAndFuture(ctx context.Context, actor string, old, merged Event, cmd UpdateCommand) (Event, error) {
	if old.RecurringGroupID == "" {
		return Event{}, ErrNotRecurring
	}
	oldGroup, err := s.Store.GetGroup(ctx, old.RecurringGroupID)
	if err != nil {
		return Event{}, err
	}

	rule := oldGroup.RRule
	if cmd.RRule != nil {
		if err := recurrence.Validate(*cmd.RRule); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		rule = recurrence.Normalize(*cmd.RRule)
	}

	now := s.Now()
	template := Event{
		ID:               s.NewID(),
		ChatID:           old.ChatID,
		ThreadID:         old.ThreadID,
		StartsAt:         merged.StartsAt,
		EndsAt:           merged.EndsAt,
		Timezone:         merged.Timezone,
		Title:            merged.Title,
		Description:      merged.Description,
		Accepted:         []string{actor},
		RRule:            rule,
		RecurringGroupID: s.NewID(),
		IdempotencyKey:   s.NewID(),
		CreatedBy:        actor,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	horizon := DefaultHorizon(now)
	instances, err := MaterializeInstances(template, template.StartsAt, horizon, s.NewID, true, now)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	group := RecurringGroup{
		ID:              template.RecurringGroupID,
		ChatID:          template.ChatID,
		ThreadID:        template.ThreadID,
		RRule:           rule,
		TemplateEventID: template.ID,
		Horizon:         horizon,
	}
	notifs := s.reminders(template)
	for _, inst := range instances {
		notifs = append(notifs, s.reminders(inst)...)
	}

	removed, err := s.Store.ReplaceSeriesFrom(ctx, old.RecurringGroupID, old.StartsAt, template, instances, group, notifs)
	if err != nil {
		return Event{}, err
	}
	for _, gone := range removed {
		s.publishChange(contracts.ChangeDelete, gone)
	}
	s.publishChange(contracts.ChangeCreate, template)
	for _, inst := range instances {
		s.publishChange(contracts.ChangeCreate, inst)
	}
	return template, nil
}

// Delete removes one event, or the rest of its series in ModeThisAndFuture.
// Deleting an already-deleted event succeeds without effects.
func (s *Service) Delete(ctx context.Context, id, mode string) error {
	ev, err := s.Store.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	if ev.Deleted {
		return nil
	}

	switch mode {
	case ModeSingle, "":
	case ModeThisAndFuture:
		if ev.RecurringGroupID != "" {
			removed, err := s.Store.DeleteSeriesFrom(ctx, ev.RecurringGroupID, ev.StartsAt)
			if err != nil {
				return err
			}
			for _, gone := range removed {
				s.publishChange(contracts.ChangeDelete, gone)
			}
			return nil
		}
		// A standalone event has no future siblings; fall through to single.
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}

	deleted, changed, err := s.Store.SoftDeleteEvent(ctx, id)
	if err != nil {
		return err
	}
	if changed {
		s.publishChange(contracts.ChangeDelete, deleted)
	}
	return nil
}

// SetAttendance moves userID to the given status set. The write is atomic at
// the store and last-write-wins: no caller sequence is checked, the final
// state is the last writer's intent.
func (s *Service) SetAttendance(ctx context.Context, eventID, userID, status string) (Event, error) {
	switch status {
	case StatusAccepted, StatusDeclined, StatusTentative:
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrBadStatus, status)
	}
	ev, err := s.Store.SetAttendance(ctx, eventID, userID, status, s.ReminderLead)
	if err != nil {
		return Event{}, err
	}
	s.publishChange(contracts.ChangeUpdate, ev)
	return ev, nil
}

// ListActive returns the non-deleted events of a chat/thread within the
// window, ordered by start time.
func (s *Service) ListActive(ctx context.Context, chatID, threadID string, from, to time.Time) ([]Event, error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, ErrChatRequired
	}
	if from.IsZero() {
		from = s.Now()
	}
	if to.IsZero() {
		to = from.Add(materializationHorizon)
	}
	return s.Store.ListActive(ctx, chatID, threadID, from, to)
}

// GroupInfo describes the series an event belongs to.
type GroupInfo struct {
	Group    RecurringGroup
	Template Event
	Members  []Event
}

// GetGroupInfo resolves the series an event belongs to, along with its
// template and live members.
func (s *Service) GetGroupInfo(ctx context.Context, eventID string) (GroupInfo, error) {
	ev, err := s.Store.GetEvent(ctx, eventID)
	if err != nil {
		return GroupInfo{}, err
	}
	if ev.Deleted || ev.RecurringGroupID == "" {
		return GroupInfo{}, ErrNotRecurring
	}
	group, err := s.Store.GetGroup(ctx, ev.RecurringGroupID)
	if err != nil {
		return GroupInfo{}, err
	}
	template, err := s.Store.GetEvent(ctx, group.TemplateEventID)
	if err != nil {
		return GroupInfo{}, err
	}
	members, err := s.Store.ListGroupEvents(ctx, group.ID)
	if err != nil {
		return GroupInfo{}, err
	}
	return GroupInfo{Group: group, Template: template, Members: members}, nil
}

func (s *Service) applyFields(ev Event, cmd UpdateCommand) (Event, error) {
	if cmd.Title != nil {
		if strings.TrimSpace(*cmd.Title) == "" {
			return Event{}, ErrTitleRequired
		}
		ev.Title = *cmd.Title
	}
	if cmd.Description != nil {
		ev.Description = *cmd.Description
	}
	if cmd.StartsAt != nil {
		ev.StartsAt = *cmd.StartsAt
	}
	if cmd.EndsAt != nil {
		ev.EndsAt = *cmd.EndsAt
	}
	if cmd.Timezone != nil {
		if _, err := time.LoadLocation(*cmd.Timezone); err != nil {
			return Event{}, fmt.Errorf("%w: %q", ErrBadTimezone, *cmd.Timezone)
		}
		ev.Timezone = *cmd.Timezone
	}
	if !ev.EndsAt.After(ev.StartsAt) {
		return Event{}, ErrBadTiming
	}
	return ev, nil
}

func (s *Service) reminders(ev Event) []notify.Notification {
	return Reminders(ev, s.ReminderLead)
}

// publishChange emits one change event on the stream. The mutation already
// committed, so failures are logged and counted, never surfaced.
func (s *Service) publishChange(changeType string, ev Event) {
	if s.Publish == nil {
		return
	}
	change := contracts.ChangeEvent{
		ChangeID:   s.NewID(),
		ChatID:     ev.ChatID,
		ThreadID:   ev.ThreadID,
		ChangeType: changeType,
		Event:      Snapshot(ev),
		OccurredAt: s.Now(),
	}
	payload, err := json.Marshal(change)
	if err != nil {
		s.Logf("marshal change event for %s: %v", ev.ID, err)
		return
	}
	if err := s.Publish(contracts.ChangeSubject(ev.ChatID, ev.ThreadID), payload); err != nil {
		metrics.PublishFailures.WithLabelValues(changeType).Inc()
		s.Logf("publish %s change for event %s: %v", changeType, ev.ID, err)
	}
}

// Snapshot converts a stored event into its wire form.
func Snapshot(ev Event) contracts.EventSnapshot {
	return contracts.EventSnapshot{
		ID:                ev.ID,
		ChatID:            ev.ChatID,
		ThreadID:          ev.ThreadID,
		StartsAt:          ev.StartsAt,
		EndsAt:            ev.EndsAt,
		Timezone:          ev.Timezone,
		Title:             ev.Title,
		Description:       ev.Description,
		Accepted:          ev.Accepted,
		Declined:          ev.Declined,
		Tentative:         ev.Tentative,
		Sequence:          ev.Sequence,
		Deleted:           ev.Deleted,
		RecurringGroupID:  ev.RecurringGroupID,
		RecurringEventID:  ev.RecurringEventID,
		ExcludedFromGroup: ev.ExcludedFromGroup,
	}
}

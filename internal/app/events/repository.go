package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/groupcal/server/internal/app/notify"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS events (
  id text PRIMARY KEY,
  chat_id text NOT NULL,
  thread_id text NOT NULL DEFAULT '',
  starts_at timestamptz NOT NULL,
  ends_at timestamptz NOT NULL,
  tz text NOT NULL DEFAULT 'UTC',
  title text NOT NULL,
  description text NOT NULL DEFAULT '',
  accepted text[] NOT NULL DEFAULT '{}',
  declined text[] NOT NULL DEFAULT '{}',
  tentative text[] NOT NULL DEFAULT '{}',
  sequence bigint NOT NULL DEFAULT 0,
  deleted boolean NOT NULL DEFAULT false,
  rrule text NOT NULL DEFAULT '',
  recurring_group_id text NOT NULL DEFAULT '',
  recurring_event_id text NOT NULL DEFAULT '',
  excluded_from_group boolean NOT NULL DEFAULT false,
  idempotency_key text NOT NULL,
  created_by text NOT NULL,
  created_at timestamptz NOT NULL,
  updated_at timestamptz NOT NULL
)`

const createEventsIdemIndexSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS events_idem_key
ON events (chat_id, thread_id, idempotency_key)`

const createEventsWindowIndexSQL = `
CREATE INDEX IF NOT EXISTS events_chat_window
ON events (chat_id, thread_id, starts_at) WHERE NOT deleted`

const createEventsGroupIndexSQL = `
CREATE INDEX IF NOT EXISTS events_group
ON events (recurring_group_id) WHERE recurring_group_id <> ''`

const createGroupsTableSQL = `
CREATE TABLE IF NOT EXISTS recurring_groups (
  id text PRIMARY KEY,
  chat_id text NOT NULL,
  thread_id text NOT NULL DEFAULT '',
  rrule text NOT NULL,
  template_event_id text NOT NULL,
  horizon timestamptz NOT NULL,
  deleted boolean NOT NULL DEFAULT false
)`

const createGroupsHorizonIndexSQL = `
CREATE INDEX IF NOT EXISTS recurring_groups_horizon
ON recurring_groups (horizon) WHERE NOT deleted`

const createNotificationsTableSQL = `
CREATE TABLE IF NOT EXISTS notifications (
  event_id text NOT NULL,
  user_id text NOT NULL,
  fire_at timestamptz NOT NULL,
  attending boolean NOT NULL DEFAULT true,
  PRIMARY KEY (event_id, user_id)
)`

const createChatLatestTableSQL = `
CREATE TABLE IF NOT EXISTS chat_latest (
  chat_id text NOT NULL,
  thread_id text NOT NULL DEFAULT '',
  latest_at timestamptz NOT NULL,
  PRIMARY KEY (chat_id, thread_id)
)`

const eventColumns = `
  id, chat_id, thread_id, starts_at, ends_at, tz, title, description,
  accepted, declined, tentative, sequence, deleted, rrule,
  recurring_group_id, recurring_event_id, excluded_from_group,
  idempotency_key, created_by, created_at, updated_at`

const insertEventSQL = `
INSERT INTO events (
  id, chat_id, thread_id, starts_at, ends_at, tz, title, description,
  accepted, declined, tentative, sequence, deleted, rrule,
  recurring_group_id, recurring_event_id, excluded_from_group,
  idempotency_key, created_by, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

// Materialized instances tolerate duplicate runs: the idempotency key wins.
const insertInstanceSQL = insertEventSQL + `
ON CONFLICT (chat_id, thread_id, idempotency_key) DO NOTHING`

const guardedUpdateSQL = `
UPDATE events
SET starts_at = $2, ends_at = $3, tz = $4, title = $5, description = $6,
    rrule = $7, recurring_group_id = $8, recurring_event_id = $9,
    excluded_from_group = $10, sequence = sequence + 1, updated_at = $11
WHERE id = $1 AND NOT deleted AND sequence = $12
RETURNING` + eventColumns

const softDeleteSQL = `
UPDATE events
SET deleted = true, sequence = sequence + 1, updated_at = now()
WHERE id = $1 AND NOT deleted
RETURNING` + eventColumns

const deleteSeriesTailSQL = `
UPDATE events
SET deleted = true, sequence = sequence + 1, updated_at = now()
WHERE recurring_group_id = $1 AND NOT deleted AND starts_at >= $2
RETURNING` + eventColumns

const setAttendanceSQL = `
UPDATE events
SET accepted  = CASE WHEN $3 = 'accepted'  THEN array_append(array_remove(accepted,  $2), $2) ELSE array_remove(accepted,  $2) END,
    declined  = CASE WHEN $3 = 'declined'  THEN array_append(array_remove(declined,  $2), $2) ELSE array_remove(declined,  $2) END,
    tentative = CASE WHEN $3 = 'tentative' THEN array_append(array_remove(tentative, $2), $2) ELSE array_remove(tentative, $2) END,
    sequence = sequence + 1, updated_at = now()
WHERE id = $1 AND NOT deleted
RETURNING` + eventColumns

const insertGroupSQL = `
INSERT INTO recurring_groups (id, chat_id, thread_id, rrule, template_event_id, horizon)
VALUES ($1, $2, $3, $4, $5, $6)`

const retireGroupSQL = `
UPDATE recurring_groups SET deleted = true WHERE id = $1 AND NOT deleted`

// Horizon only ever moves forward; GREATEST makes concurrent extensions safe.
const advanceHorizonSQL = `
UPDATE recurring_groups
SET horizon = GREATEST(horizon, $2)
WHERE id = $1 AND NOT deleted`

const upsertNotificationSQL = `
INSERT INTO notifications (event_id, user_id, fire_at, attending)
VALUES ($1, $2, $3, $4)
ON CONFLICT (event_id, user_id) DO UPDATE
SET fire_at = EXCLUDED.fire_at, attending = EXCLUDED.attending`

// chat_latest is a monotonic upper bound, never an exact recomputation.
const bumpChatLatestSQL = `
INSERT INTO chat_latest (chat_id, thread_id, latest_at)
VALUES ($1, $2, $3)
ON CONFLICT (chat_id, thread_id) DO UPDATE
SET latest_at = GREATEST(chat_latest.latest_at, EXCLUDED.latest_at)`

// Repository is the Postgres event store. Every multi-row operation runs in
// one transaction; commit failures surface as ErrTransactionFailed so the
// caller can retry the whole operation.
type Repository struct {
	Pool   *pgxpool.Pool
	latest *latestCache
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		Pool:   pool,
		latest: newLatestCache(1024),
	}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	statements := []string{
		createEventsTableSQL,
		createEventsIdemIndexSQL,
		createEventsWindowIndexSQL,
		createEventsGroupIndexSQL,
		createGroupsTableSQL,
		createGroupsHorizonIndexSQL,
		createNotificationsTableSQL,
		createChatLatestTableSQL,
	}
	for _, stmt := range statements {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) GetEvent(ctx context.Context, id string) (Event, error) {
	row := r.Pool.QueryRow(ctx, `SELECT`+eventColumns+` FROM events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return ev, err
}

// GetEventByKey resolves an idempotency key to the live event it created.
// Deleted rows still occupy the unique index but no longer resolve, so a
// retried create of a since-deleted event surfaces ErrNotFound instead of a
// deleted event.
func (r *Repository) GetEventByKey(ctx context.Context, chatID, threadID, key string) (Event, error) {
	row := r.Pool.QueryRow(ctx,
		`SELECT`+eventColumns+` FROM events WHERE chat_id = $1 AND thread_id = $2 AND idempotency_key = $3 AND NOT deleted`,
		chatID, threadID, key)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return ev, err
}

func (r *Repository) ListActive(ctx context.Context, chatID, threadID string, from, to time.Time) ([]Event, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT`+eventColumns+`
		 FROM events
		 WHERE chat_id = $1 AND thread_id = $2 AND NOT deleted
		   AND starts_at >= $3 AND starts_at <= $4
		 ORDER BY starts_at`,
		chatID, threadID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *Repository) ListGroupEvents(ctx context.Context, groupID string) ([]Event, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT`+eventColumns+`
		 FROM events
		 WHERE recurring_group_id = $1 AND NOT deleted
		 ORDER BY starts_at`,
		groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *Repository) GetGroup(ctx context.Context, groupID string) (RecurringGroup, error) {
	var g RecurringGroup
	err := r.Pool.QueryRow(ctx,
		`SELECT id, chat_id, thread_id, rrule, template_event_id, horizon, deleted
		 FROM recurring_groups WHERE id = $1`,
		groupID,
	).Scan(&g.ID, &g.ChatID, &g.ThreadID, &g.RRule, &g.TemplateEventID, &g.Horizon, &g.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return RecurringGroup{}, ErrNotFound
	}
	return g, err
}

// GroupsBelowHorizon lists live groups whose horizon falls before the given
// instant, oldest horizon first.
func (r *Repository) GroupsBelowHorizon(ctx context.Context, before time.Time, limit int) ([]RecurringGroup, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT id, chat_id, thread_id, rrule, template_event_id, horizon, deleted
		 FROM recurring_groups
		 WHERE NOT deleted AND horizon < $1
		 ORDER BY horizon
		 LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := make([]RecurringGroup, 0, limit)
	for rows.Next() {
		var g RecurringGroup
		if err := rows.Scan(&g.ID, &g.ChatID, &g.ThreadID, &g.RRule, &g.TemplateEventID, &g.Horizon, &g.Deleted); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (r *Repository) RetireGroup(ctx context.Context, groupID string) error {
	_, err := r.Pool.Exec(ctx, retireGroupSQL, groupID)
	return err
}

func (r *Repository) InsertEvent(ctx context.Context, ev Event, notifs []notify.Notification) error {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return txFailed("begin insert event", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, insertEventSQL, eventArgs(ev)...); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSubmission
		}
		return txFailed("insert event", err)
	}
	if err := upsertNotificationsTx(ctx, tx, notifs); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, bumpChatLatestSQL, ev.ChatID, ev.ThreadID, ev.StartsAt); err != nil {
		return txFailed("bump chat latest", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return txFailed("commit insert event", err)
	}
	r.latest.invalidate(scopeKey(ev.ChatID, ev.ThreadID))
	return nil
}

func (r *Repository) InsertSeries(ctx context.Context, template Event, instances []Event, group RecurringGroup, notifs []notify.Notification) error {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return txFailed("begin insert series", err)
	}
	defer tx.Rollback(ctx)

	if err := insertSeriesTx(ctx, tx, template, instances, group, notifs); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return txFailed("commit insert series", err)
	}
	r.latest.invalidate(scopeKey(template.ChatID, template.ThreadID))
	return nil
}

func (r *Repository) UpdateEventGuarded(ctx context.Context, ev Event, expectedSeq int64, notifs []notify.Notification) (Event, error) {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return Event{}, txFailed("begin guarded update", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, guardedUpdateSQL,
		ev.ID, ev.StartsAt, ev.EndsAt, ev.Timezone, ev.Title, ev.Description,
		ev.RRule, ev.RecurringGroupID, ev.RecurringEventID, ev.ExcludedFromGroup,
		ev.UpdatedAt, expectedSeq)
	updated, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Zero rows matched: either the event is gone, or another writer
		// bumped the sequence first.
		var deleted bool
		checkErr := tx.QueryRow(ctx, `SELECT deleted FROM events WHERE id = $1`, ev.ID).Scan(&deleted)
		if errors.Is(checkErr, pgx.ErrNoRows) || (checkErr == nil && deleted) {
			return Event{}, ErrNotFound
		}
		if checkErr != nil {
			return Event{}, checkErr
		}
		return Event{}, ErrConflict
	}
	if err != nil {
		return Event{}, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM notifications WHERE event_id = $1`, ev.ID); err != nil {
		return Event{}, txFailed("clear notifications", err)
	}
	if err := upsertNotificationsTx(ctx, tx, notifs); err != nil {
		return Event{}, err
	}
	if _, err := tx.Exec(ctx, bumpChatLatestSQL, updated.ChatID, updated.ThreadID, updated.StartsAt); err != nil {
		return Event{}, txFailed("bump chat latest", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Event{}, txFailed("commit guarded update", err)
	}
	r.latest.invalidate(scopeKey(updated.ChatID, updated.ThreadID))
	return updated, nil
}

func (r *Repository) SoftDeleteEvent(ctx context.Context, id string) (Event, bool, error) {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return Event{}, false, txFailed("begin soft delete", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, softDeleteSQL, id)
	deleted, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var isDeleted bool
		checkErr := tx.QueryRow(ctx, `SELECT deleted FROM events WHERE id = $1`, id).Scan(&isDeleted)
		if errors.Is(checkErr, pgx.ErrNoRows) {
			return Event{}, false, ErrNotFound
		}
		if checkErr != nil {
			return Event{}, false, checkErr
		}
		// Already deleted: idempotent success, sequence untouched.
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM notifications WHERE event_id = $1`, id); err != nil {
		return Event{}, false, txFailed("clear notifications", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Event{}, false, txFailed("commit soft delete", err)
	}
	r.latest.invalidate(scopeKey(deleted.ChatID, deleted.ThreadID))
	return deleted, true, nil
}

func (r *Repository) DeleteSeriesFrom(ctx context.Context, groupID string, from time.Time) ([]Event, error) {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return nil, txFailed("begin delete series", err)
	}
	defer tx.Rollback(ctx)

	removed, err := deleteSeriesTailTx(ctx, tx, groupID, from)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, txFailed("commit delete series", err)
	}
	if len(removed) > 0 {
		r.latest.invalidate(scopeKey(removed[0].ChatID, removed[0].ThreadID))
	}
	return removed, nil
}

func (r *Repository) ReplaceSeriesFrom(ctx context.Context, oldGroupID string, from time.Time, template Event, instances []Event, group RecurringGroup, notifs []notify.Notification) ([]Event, error) {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return nil, txFailed("begin replace series", err)
	}
	defer tx.Rollback(ctx)

	removed, err := deleteSeriesTailTx(ctx, tx, oldGroupID, from)
	if err != nil {
		return nil, err
	}
	if err := insertSeriesTx(ctx, tx, template, instances, group, notifs); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, txFailed("commit replace series", err)
	}
	r.latest.invalidate(scopeKey(template.ChatID, template.ThreadID))
	return removed, nil
}

func (r *Repository) SetAttendance(ctx context.Context, eventID, userID, status string, lead time.Duration) (Event, error) {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return Event{}, txFailed("begin set attendance", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, setAttendanceSQL, eventID, userID, status)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, err
	}

	if status == StatusAccepted {
		if _, err := tx.Exec(ctx, upsertNotificationSQL, eventID, userID, ev.StartsAt.Add(-lead), true); err != nil {
			return Event{}, txFailed("refresh notification", err)
		}
	} else {
		if _, err := tx.Exec(ctx, `DELETE FROM notifications WHERE event_id = $1 AND user_id = $2`, eventID, userID); err != nil {
			return Event{}, txFailed("drop notification", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Event{}, txFailed("commit set attendance", err)
	}
	return ev, nil
}

// ExtendHorizon persists one horizon extension for a live group: the new
// instances, their reminders and the advanced horizon, in one transaction.
// A group retired since the scan is skipped without writes. Returns the
// instances actually inserted, which may be fewer than passed when a
// concurrent extension already covered part of the window.
func (r *Repository) ExtendHorizon(ctx context.Context, groupID string, newHorizon time.Time, instances []Event, notifs []notify.Notification) ([]Event, error) {
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return nil, txFailed("begin extend horizon", err)
	}
	defer tx.Rollback(ctx)

	var deleted bool
	var covered time.Time
	err = tx.QueryRow(ctx, `SELECT deleted, horizon FROM recurring_groups WHERE id = $1 FOR UPDATE`, groupID).Scan(&deleted, &covered)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if deleted {
		// Retirement is one-way; a concurrent thisAndFuture edit won.
		return nil, nil
	}
	if !newHorizon.After(covered) {
		// A concurrent pass already extended past this target.
		return nil, nil
	}
	// The instances were computed from a pre-lock horizon read. Overlapping
	// passes derive distinct idempotency keys for the same instants, so the
	// stored horizon, not the unique index, guards against double-insert.
	instances, notifs = dropCovered(instances, notifs, covered)

	for _, inst := range instances {
		if _, err := tx.Exec(ctx, insertInstanceSQL, eventArgs(inst)...); err != nil {
			return nil, txFailed("insert instance", err)
		}
	}
	if err := upsertNotificationsTx(ctx, tx, notifs); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, advanceHorizonSQL, groupID, newHorizon); err != nil {
		return nil, txFailed("advance horizon", err)
	}
	if len(instances) > 0 {
		last := instances[len(instances)-1]
		if _, err := tx.Exec(ctx, bumpChatLatestSQL, last.ChatID, last.ThreadID, last.StartsAt); err != nil {
			return nil, txFailed("bump chat latest", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, txFailed("commit extend horizon", err)
	}
	if len(instances) > 0 {
		r.latest.invalidate(scopeKey(instances[0].ChatID, instances[0].ThreadID))
	}
	return instances, nil
}

// LatestEventAt returns the monotonic latest event start recorded for a
// chat/thread, through the bounded in-process cache. The zero time means no
// events were ever recorded for the scope.
func (r *Repository) LatestEventAt(ctx context.Context, chatID, threadID string) (time.Time, error) {
	key := scopeKey(chatID, threadID)
	if v, ok := r.latest.get(key); ok {
		return v, nil
	}
	var latest time.Time
	err := r.Pool.QueryRow(ctx,
		`SELECT latest_at FROM chat_latest WHERE chat_id = $1 AND thread_id = $2`,
		chatID, threadID,
	).Scan(&latest)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	r.latest.put(key, latest)
	return latest, nil
}

func insertSeriesTx(ctx context.Context, tx pgx.Tx, template Event, instances []Event, group RecurringGroup, notifs []notify.Notification) error {
	if _, err := tx.Exec(ctx, insertEventSQL, eventArgs(template)...); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSubmission
		}
		return txFailed("insert template", err)
	}
	latest := template.StartsAt
	for _, inst := range instances {
		if _, err := tx.Exec(ctx, insertInstanceSQL, eventArgs(inst)...); err != nil {
			return txFailed("insert instance", err)
		}
		if inst.StartsAt.After(latest) {
			latest = inst.StartsAt
		}
	}
	if _, err := tx.Exec(ctx, insertGroupSQL,
		group.ID, group.ChatID, group.ThreadID, group.RRule, group.TemplateEventID, group.Horizon); err != nil {
		return txFailed("insert group", err)
	}
	if err := upsertNotificationsTx(ctx, tx, notifs); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, bumpChatLatestSQL, template.ChatID, template.ThreadID, latest); err != nil {
		return txFailed("bump chat latest", err)
	}
	return nil
}

func deleteSeriesTailTx(ctx context.Context, tx pgx.Tx, groupID string, from time.Time) ([]Event, error) {
	rows, err := tx.Query(ctx, deleteSeriesTailSQL, groupID, from)
	if err != nil {
		return nil, txFailed("delete series tail", err)
	}
	removed, err := scanEvents(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(removed))
	for _, ev := range removed {
		ids = append(ids, ev.ID)
	}
	if len(ids) > 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM notifications WHERE event_id = ANY($1)`, ids); err != nil {
			return nil, txFailed("clear series notifications", err)
		}
	}
	if _, err := tx.Exec(ctx, retireGroupSQL, groupID); err != nil {
		return nil, txFailed("retire group", err)
	}
	return removed, nil
}

func upsertNotificationsTx(ctx context.Context, tx pgx.Tx, notifs []notify.Notification) error {
	for _, n := range notifs {
		if _, err := tx.Exec(ctx, upsertNotificationSQL, n.EventID, n.UserID, n.FireAt, n.Attending); err != nil {
			return txFailed("upsert notification", err)
		}
	}
	return nil
}

// dropCovered removes instances whose start is already inside the committed
// horizon, along with their reminder rows.
func dropCovered(instances []Event, notifs []notify.Notification, covered time.Time) ([]Event, []notify.Notification) {
	kept := make([]Event, 0, len(instances))
	keptIDs := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		if inst.StartsAt.After(covered) {
			kept = append(kept, inst)
			keptIDs[inst.ID] = struct{}{}
		}
	}
	keptNotifs := make([]notify.Notification, 0, len(notifs))
	for _, n := range notifs {
		if _, ok := keptIDs[n.EventID]; ok {
			keptNotifs = append(keptNotifs, n)
		}
	}
	return kept, keptNotifs
}

func eventArgs(ev Event) []any {
	return []any{
		ev.ID, ev.ChatID, ev.ThreadID, ev.StartsAt, ev.EndsAt, ev.Timezone,
		ev.Title, ev.Description, ev.Accepted, ev.Declined, ev.Tentative,
		ev.Sequence, ev.Deleted, ev.RRule, ev.RecurringGroupID,
		ev.RecurringEventID, ev.ExcludedFromGroup, ev.IdempotencyKey,
		ev.CreatedBy, ev.CreatedAt, ev.UpdatedAt,
	}
}

func scanEvent(row pgx.Row) (Event, error) {
	var ev Event
	err := row.Scan(
		&ev.ID, &ev.ChatID, &ev.ThreadID, &ev.StartsAt, &ev.EndsAt, &ev.Timezone,
		&ev.Title, &ev.Description, &ev.Accepted, &ev.Declined, &ev.Tentative,
		&ev.Sequence, &ev.Deleted, &ev.RRule, &ev.RecurringGroupID,
		&ev.RecurringEventID, &ev.ExcludedFromGroup, &ev.IdempotencyKey,
		&ev.CreatedBy, &ev.CreatedAt, &ev.UpdatedAt,
	)
	return ev, err
}

func scanEvents(rows pgx.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func txFailed(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransactionFailed, op, err)
}

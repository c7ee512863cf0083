package notify

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DueReminder is a reminder ready to dispatch, joined with the event fields
// the notification payload needs.
type DueReminder struct {
	EventID  string
	UserID   string
	FireAt   time.Time
	ChatID   string
	ThreadID string
	Title    string
	StartsAt time.Time
}

// Repository reads the reminder schedule. Writes happen inside the event
// store's transactions; the dispatcher only consumes and clears rows.
type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]DueReminder, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT n.event_id, n.user_id, n.fire_at, e.chat_id, e.thread_id, e.title, e.starts_at
		 FROM notifications n
		 JOIN events e ON e.id = n.event_id
		 WHERE n.attending AND n.fire_at <= $1 AND NOT e.deleted
		 ORDER BY n.fire_at
		 LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	due := make([]DueReminder, 0, limit)
	for rows.Next() {
		var d DueReminder
		if err := rows.Scan(&d.EventID, &d.UserID, &d.FireAt, &d.ChatID, &d.ThreadID, &d.Title, &d.StartsAt); err != nil {
			return nil, err
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

func (r *Repository) Delete(ctx context.Context, eventID, userID string) error {
	_, err := r.Pool.Exec(ctx,
		`DELETE FROM notifications WHERE event_id = $1 AND user_id = $2`,
		eventID, userID)
	return err
}

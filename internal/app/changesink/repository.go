package changesink

import (
	"context"
	"encoding/json"

	"github.com/groupcal/server/internal/contracts"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createChangesTableSQL = `
CREATE TABLE IF NOT EXISTS change_events (
  change_id text PRIMARY KEY,
  chat_id text NOT NULL,
  thread_id text NOT NULL DEFAULT '',
  event_id text NOT NULL,
  change_type text NOT NULL,
  event jsonb NOT NULL,
  stream_seq bigint NOT NULL,
  occurred_at timestamptz NOT NULL,
  inserted_at timestamptz NOT NULL DEFAULT now()
)`

const insertChangeSQL = `
INSERT INTO change_events (
  change_id, chat_id, thread_id, event_id, change_type, event, stream_seq, occurred_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (change_id) DO NOTHING`

type ChangeRepository struct {
	Pool *pgxpool.Pool
}

func NewChangeRepository(pool *pgxpool.Pool) *ChangeRepository {
	return &ChangeRepository{Pool: pool}
}

func (r *ChangeRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.Pool.Exec(ctx, createChangesTableSQL)
	return err
}

func (r *ChangeRepository) InsertChange(ctx context.Context, change contracts.ChangeEvent, streamSeq uint64) error {
	snapshot, err := json.Marshal(change.Event)
	if err != nil {
		return err
	}
	_, err = r.Pool.Exec(ctx, insertChangeSQL,
		change.ChangeID,
		change.ChatID,
		change.ThreadID,
		change.Event.ID,
		change.ChangeType,
		snapshot,
		int64(streamSeq),
		change.OccurredAt,
	)
	return err
}

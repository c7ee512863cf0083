// Package changesink persists the calendar change feed into an audit table.
// The same stream drives the bot's pinned summary and the live UI push; the
// sink gives operators a replayable record of every mutation.
package changesink

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/groupcal/server/internal/contracts"
)

var ErrInvalidChangePayload = errors.New("invalid change payload")
var ErrUnsupportedChangeType = errors.New("unsupported change type")

type Repository interface {
	InsertChange(ctx context.Context, change contracts.ChangeEvent, streamSeq uint64) error
}

type Service struct {
	Repository Repository
}

func NewService(repository Repository) *Service {
	return &Service{Repository: repository}
}

func (s *Service) Handle(ctx context.Context, payload []byte, streamSeq uint64) error {
	var change contracts.ChangeEvent
	if err := json.Unmarshal(payload, &change); err != nil {
		return ErrInvalidChangePayload
	}
	switch change.ChangeType {
	case contracts.ChangeCreate, contracts.ChangeUpdate, contracts.ChangeDelete:
	default:
		return ErrUnsupportedChangeType
	}
	return s.Repository.InsertChange(ctx, change, streamSeq)
}

package repositories

import (
	"context"

	"github.com/adboard/settlement/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles the repositories into the single surface the reconcilers
// consume (reconcile.Store).
type Store struct {
	*DealRepo
	messages *MessageRepo
	channels *ChannelRepo
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		DealRepo: NewDealRepo(pool),
		messages: NewMessageRepo(pool),
		channels: NewChannelRepo(pool),
	}
}

func (s *Store) FirstMessage(ctx context.Context, dealID uuid.UUID) (*models.DealMessage, error) {
	return s.messages.First(ctx, dealID)
}

func (s *Store) GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	return s.channels.GetByID(ctx, id)
}

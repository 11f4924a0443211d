package repositories

import (
	"context"

	"github.com/adboard/settlement/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ChannelRepo struct {
	pool *pgxpool.Pool
}

func NewChannelRepo(pool *pgxpool.Pool) *ChannelRepo {
	return &ChannelRepo{pool: pool}
}

func (r *ChannelRepo) Create(ctx context.Context, c *models.Channel) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO channels (telegram_chat_id, username, title, owner_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, c.TelegramChatID, c.Username, c.Title, c.OwnerID).Scan(&c.ID, &c.CreatedAt)
}

func (r *ChannelRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	var c models.Channel
	err := r.pool.QueryRow(ctx, `
		SELECT id, telegram_chat_id, username, title, owner_id, created_at
		FROM channels WHERE id = $1
	`, id).Scan(&c.ID, &c.TelegramChatID, &c.Username, &c.Title, &c.OwnerID, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

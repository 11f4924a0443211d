package repositories

import (
	"context"

	"github.com/adboard/settlement/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MessageRepo is the append-only per-deal message log. The first message
// of a deal holds the brief; rows are never updated or deleted.
type MessageRepo struct {
	pool *pgxpool.Pool
}

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

func (r *MessageRepo) Append(ctx context.Context, m *models.DealMessage) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO deal_messages (deal_id, sender_id, body)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, m.DealID, m.SenderID, m.Body).Scan(&m.ID, &m.CreatedAt)
}

func (r *MessageRepo) First(ctx context.Context, dealID uuid.UUID) (*models.DealMessage, error) {
	var m models.DealMessage
	err := r.pool.QueryRow(ctx, `
		SELECT id, deal_id, sender_id, body, created_at
		FROM deal_messages WHERE deal_id = $1
		ORDER BY created_at ASC LIMIT 1
	`, dealID).Scan(&m.ID, &m.DealID, &m.SenderID, &m.Body, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MessageRepo) ListByDeal(ctx context.Context, dealID uuid.UUID, limit, offset int) ([]models.DealMessage, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, deal_id, sender_id, body, created_at
		FROM deal_messages WHERE deal_id = $1
		ORDER BY created_at ASC LIMIT $2 OFFSET $3
	`, dealID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.DealMessage
	for rows.Next() {
		var m models.DealMessage
		if err := rows.Scan(&m.ID, &m.DealID, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

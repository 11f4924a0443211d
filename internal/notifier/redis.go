package notifier

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const dealEventsChannel = "events:deal"

type event struct {
	DealID      string         `json:"deal_id"`
	RecipientID string         `json:"recipient_id"`
	Event       string         `json:"event"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Redis delivers deal notifications over pub/sub to the bot bridge.
// Best-effort only: failures are logged and swallowed, delivery never
// blocks or rolls back settlement.
type Redis struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedis(client *redis.Client, log *zap.Logger) *Redis {
	return &Redis{client: client, log: log}
}

func (n *Redis) Notify(ctx context.Context, dealID, recipientID uuid.UUID, eventName string, payload map[string]any) error {
	data, err := json.Marshal(event{
		DealID:      dealID.String(),
		RecipientID: recipientID.String(),
		Event:       eventName,
		Payload:     payload,
	})
	if err != nil {
		n.log.Warn("notification marshal failed", zap.Error(err))
		return nil
	}
	if err := n.client.Publish(ctx, dealEventsChannel, string(data)).Err(); err != nil {
		n.log.Warn("notification publish failed",
			zap.String("deal_id", dealID.String()),
			zap.String("event", eventName),
			zap.Error(err),
		)
	}
	return nil
}

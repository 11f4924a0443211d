package reconcile

import (
	"context"
	"time"

	"github.com/adboard/settlement/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const opPublishPost = "publish_post"

// PublicationReconciler posts the brief to the destination channel once a
// deal is funded and its scheduled time (if any) has passed.
type PublicationReconciler struct {
	runner    *Runner
	publisher Publisher
	notifier  Notifier
	batch     int
	log       *zap.Logger
}

func NewPublicationReconciler(runner *Runner, publisher Publisher, notifier Notifier, batch int, log *zap.Logger) *PublicationReconciler {
	return &PublicationReconciler{runner: runner, publisher: publisher, notifier: notifier, batch: batch, log: log}
}

func (p *PublicationReconciler) Run(ctx context.Context) error {
	deals, err := p.runner.store.ListDueForPublication(ctx, time.Now().UTC(), p.batch)
	if err != nil {
		return err
	}
	for _, d := range deals {
		_, err := p.PublishDeal(ctx, d.ID)
		p.runner.logOutcome(opPublishPost, d.ID, err)
	}
	return nil
}

// PublishDeal publishes the deal's brief and records the resulting message.
// If another worker already posted, the existing message id is returned
// instead of publishing twice.
func (p *PublicationReconciler) PublishDeal(ctx context.Context, dealID uuid.UUID) (int64, error) {
	var (
		messageID    int64
		advertiserID uuid.UUID
		ownerID      uuid.UUID
	)

	err := p.runner.withDeal(ctx, dealID, opPublishPost, func(ctx context.Context, tx Tx, deal *models.Deal) error {
		if deal.Status == models.DealStatusPosted && deal.PostMessageID != nil {
			messageID = *deal.PostMessageID
			return Fail(ReasonAlreadyConfirmed, nil)
		}
		if !models.IsPublishableStatus(deal.Status) {
			return Failf(ReasonInvalidStatus, "deal is %s, not publishable", deal.Status)
		}
		now := time.Now().UTC()
		if deal.ScheduledPostTime != nil && now.Before(*deal.ScheduledPostTime) {
			return Failf(ReasonInvalidStatus, "scheduled for %s", deal.ScheduledPostTime)
		}

		brief, err := p.runner.store.FirstMessage(ctx, deal.ID)
		if err != nil {
			return Failf(ReasonUnknown, "deal has no brief message: %v", err)
		}
		channel, err := p.runner.store.GetChannel(ctx, deal.ChannelID)
		if err != nil {
			return Failf(ReasonUnknown, "channel lookup: %v", err)
		}

		msgID, err := p.publisher.Publish(ctx, channel.TelegramChatID, deal.ID, brief.Body)
		if err != nil {
			return Fail(ReasonNetworkError, err)
		}

		verifyUntil := now.Add(time.Duration(deal.MinPublicationDays) * 24 * time.Hour)
		moved, err := tx.MarkPosted(ctx, deal.ID, deal.Status, msgID, now, verifyUntil)
		if err != nil {
			return err
		}
		if !moved {
			return Failf(ReasonConcurrentProcessing, "deal advanced past %s concurrently", deal.Status)
		}

		messageID = msgID
		advertiserID = deal.AdvertiserID
		ownerID = deal.ChannelOwnerID

		return tx.LogAudit(ctx, models.AuditLog{
			ActorType:  "reconciler",
			Action:     "deal_post_published",
			EntityType: "deal",
			EntityID:   &deal.ID,
			Meta: map[string]any{
				"message_id":         msgID,
				"verification_until": verifyUntil,
			},
		})
	})
	if ReasonOf(err) == ReasonAlreadyConfirmed {
		return messageID, nil
	}
	if err != nil {
		return 0, err
	}

	payload := map[string]any{"message_id": messageID}
	_ = p.notifier.Notify(ctx, dealID, advertiserID, EventPostPublished, payload)
	_ = p.notifier.Notify(ctx, dealID, ownerID, EventPostPublished, payload)

	p.log.Info("post published",
		zap.String("deal_id", dealID.String()),
		zap.Int64("message_id", messageID),
	)
	return messageID, nil
}

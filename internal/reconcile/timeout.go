package reconcile

import (
	"context"
	"time"

	"github.com/adboard/settlement/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const opTimeoutCancel = "timeout_cancel"

// TimeoutReconciler cancels payment_pending deals whose payment never
// arrived before timeout_at. Only pre-funding deals are eligible; once the
// escrow holds money the failure paths go through declined instead.
type TimeoutReconciler struct {
	runner   *Runner
	notifier Notifier
	batch    int
	log      *zap.Logger
}

func NewTimeoutReconciler(runner *Runner, notifier Notifier, batch int, log *zap.Logger) *TimeoutReconciler {
	return &TimeoutReconciler{runner: runner, notifier: notifier, batch: batch, log: log}
}

func (t *TimeoutReconciler) Run(ctx context.Context) error {
	deals, err := t.runner.store.ListPaymentTimedOut(ctx, time.Now().UTC(), t.batch)
	if err != nil {
		return err
	}
	for _, d := range deals {
		err := t.CancelTimedOut(ctx, d.ID)
		t.runner.logOutcome(opTimeoutCancel, d.ID, err)
	}
	return nil
}

func (t *TimeoutReconciler) CancelTimedOut(ctx context.Context, dealID uuid.UUID) error {
	var advertiserID, ownerID uuid.UUID

	err := t.runner.withDeal(ctx, dealID, opTimeoutCancel, func(ctx context.Context, tx Tx, deal *models.Deal) error {
		if deal.Status != models.DealStatusPaymentPending {
			return Failf(ReasonInvalidStatus, "deal is %s, not payment_pending", deal.Status)
		}
		if deal.PaymentTxHash != nil {
			return Fail(ReasonAlreadyConfirmed, nil)
		}
		now := time.Now().UTC()
		if deal.TimeoutAt == nil || now.Before(*deal.TimeoutAt) {
			return Failf(ReasonInvalidStatus, "deal not timed out yet")
		}

		moved, err := tx.MarkCancelled(ctx, deal.ID, deal.Status)
		if err != nil {
			return err
		}
		if !moved {
			return Failf(ReasonConcurrentProcessing, "deal advanced past payment_pending concurrently")
		}

		advertiserID = deal.AdvertiserID
		ownerID = deal.ChannelOwnerID

		return tx.LogAudit(ctx, models.AuditLog{
			ActorType:  "reconciler",
			Action:     "deal_timeout_cancelled",
			EntityType: "deal",
			EntityID:   &deal.ID,
			Meta:       map[string]any{"timeout_at": deal.TimeoutAt},
		})
	})
	if err != nil {
		return err
	}

	_ = t.notifier.Notify(ctx, dealID, advertiserID, EventDealCancelled, nil)
	_ = t.notifier.Notify(ctx, dealID, ownerID, EventDealCancelled, nil)

	t.log.Info("deal cancelled on payment timeout", zap.String("deal_id", dealID.String()))
	return nil
}

package reconcile

import (
	"context"
	"time"

	"github.com/adboard/settlement/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notification events fired after a reconciler commits.
const (
	EventPaymentConfirmed = "payment_confirmed"
	EventPostPublished    = "post_published"
	EventDealVerified     = "deal_verified"
	EventDealDeclined     = "deal_declined"
	EventFundsReleased    = "funds_released"
	EventDealRefunded     = "deal_refunded"
	EventDealCancelled    = "deal_cancelled"
)

const opConfirmPayment = "confirm_payment"

// PaymentReconciler watches escrow addresses of payment_pending deals and
// advances them once the ledger shows the expected inbound transfer.
type PaymentReconciler struct {
	runner   *Runner
	ledger   Ledger
	notifier Notifier
	batch    int
	log      *zap.Logger
}

func NewPaymentReconciler(runner *Runner, ledger Ledger, notifier Notifier, batch int, log *zap.Logger) *PaymentReconciler {
	return &PaymentReconciler{runner: runner, ledger: ledger, notifier: notifier, batch: batch, log: log}
}

func (p *PaymentReconciler) Run(ctx context.Context) error {
	deals, err := p.runner.store.ListPaymentPending(ctx, p.batch)
	if err != nil {
		return err
	}
	for _, d := range deals {
		_, err := p.ConfirmPayment(ctx, d.ID)
		p.runner.logOutcome(opConfirmPayment, d.ID, err)
	}
	return nil
}

// ConfirmPayment transitions one deal out of payment_pending if its escrow
// received the price. Idempotent: a deal whose payment is already recorded
// returns the original hash without mutating anything.
func (p *PaymentReconciler) ConfirmPayment(ctx context.Context, dealID uuid.UUID) (string, error) {
	var (
		txHash       string
		advertiserID uuid.UUID
		ownerID      uuid.UUID
		newStatus    string
	)

	err := p.runner.withDeal(ctx, dealID, opConfirmPayment, func(ctx context.Context, tx Tx, deal *models.Deal) error {
		if deal.PaymentTxHash != nil {
			txHash = *deal.PaymentTxHash
			return Fail(ReasonAlreadyConfirmed, nil)
		}
		if deal.Status != models.DealStatusPaymentPending {
			return Failf(ReasonInvalidStatus, "deal is %s, not payment_pending", deal.Status)
		}
		if deal.EscrowAddress == nil {
			return Failf(ReasonMissingAddresses, "deal has no escrow address")
		}

		transfer, err := p.ledger.FindInboundTransfer(ctx, *deal.EscrowAddress, deal.PriceTON)
		if err != nil {
			return Fail(ReasonNetworkError, err)
		}
		if transfer == nil {
			return Fail(ReasonPaymentNotReceived, nil)
		}

		to := models.DealStatusPaid
		if deal.ScheduledPostTime != nil {
			to = models.DealStatusScheduled
		}
		moved, err := tx.MarkPaid(ctx, deal.ID, deal.Status, to, transfer.Hash, transfer.From, time.Now().UTC())
		if err != nil {
			return err
		}
		if !moved {
			return Failf(ReasonConcurrentProcessing, "deal advanced past %s concurrently", deal.Status)
		}

		txHash = transfer.Hash
		newStatus = to
		advertiserID = deal.AdvertiserID
		ownerID = deal.ChannelOwnerID

		return tx.LogAudit(ctx, models.AuditLog{
			ActorType:  "reconciler",
			Action:     "deal_payment_confirmed",
			EntityType: "deal",
			EntityID:   &deal.ID,
			Meta: map[string]any{
				"tx_hash":    transfer.Hash,
				"from":       transfer.From,
				"amount_ton": transfer.Amount.String(),
				"new_status": to,
			},
		})
	})
	if ReasonOf(err) == ReasonAlreadyConfirmed {
		return txHash, nil
	}
	if err != nil {
		return "", err
	}

	payload := map[string]any{"tx_hash": txHash, "status": newStatus}
	_ = p.notifier.Notify(ctx, dealID, advertiserID, EventPaymentConfirmed, payload)
	_ = p.notifier.Notify(ctx, dealID, ownerID, EventPaymentConfirmed, payload)

	p.log.Info("payment confirmed",
		zap.String("deal_id", dealID.String()),
		zap.String("tx_hash", txHash),
		zap.String("status", newStatus),
	)
	return txHash, nil
}

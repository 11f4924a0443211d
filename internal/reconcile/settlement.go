package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/adboard/settlement/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	opReleaseFunds = "release_funds"
	opRefund       = "refund"
)

// refundVisibilityAttempts bounds how long we wait for a submitted refund
// to become visible on the ledger before giving up until the next cycle.
const refundVisibilityAttempts = 3

// SettlementReconciler runs the two terminal sweeps: auto-release of
// verified deals past the cooling-off window, and refunds for declined
// deals.
type SettlementReconciler struct {
	runner           *Runner
	ledger           Ledger
	notifier         Notifier
	autoReleaseAfter time.Duration
	batch            int
	log              *zap.Logger
}

func NewSettlementReconciler(runner *Runner, ledger Ledger, notifier Notifier, autoReleaseAfter time.Duration, batch int, log *zap.Logger) *SettlementReconciler {
	return &SettlementReconciler{
		runner:           runner,
		ledger:           ledger,
		notifier:         notifier,
		autoReleaseAfter: autoReleaseAfter,
		batch:            batch,
		log:              log,
	}
}

func (s *SettlementReconciler) Run(ctx context.Context) error {
	if err := s.runReleases(ctx); err != nil {
		return err
	}
	return s.runRefunds(ctx)
}

func (s *SettlementReconciler) runReleases(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.autoReleaseAfter)
	deals, err := s.runner.store.ListAutoReleasable(ctx, cutoff, s.batch)
	if err != nil {
		return err
	}
	for _, d := range deals {
		_, err := s.ReleaseFunds(ctx, d.ID)
		s.runner.logOutcome(opReleaseFunds, d.ID, err)
	}
	return nil
}

func (s *SettlementReconciler) runRefunds(ctx context.Context) error {
	deals, err := s.runner.store.ListDeclined(ctx, s.batch)
	if err != nil {
		return err
	}
	for _, d := range deals {
		_, err := s.RefundDeal(ctx, d.ID)
		s.runner.logOutcome(opRefund, d.ID, err)
	}
	return nil
}

// ReleaseFunds transfers the agreed price from escrow to the channel
// owner's wallet and completes the deal. Called by the auto-release sweep
// and by the service layer on explicit advertiser confirmation.
func (s *SettlementReconciler) ReleaseFunds(ctx context.Context, dealID uuid.UUID) (string, error) {
	var (
		txHash       string
		advertiserID uuid.UUID
		ownerID      uuid.UUID
	)

	err := s.runner.withDeal(ctx, dealID, opReleaseFunds, func(ctx context.Context, tx Tx, deal *models.Deal) error {
		if deal.Status == models.DealStatusCompleted {
			if deal.ReleaseTxHash != nil {
				txHash = *deal.ReleaseTxHash
			}
			return Fail(ReasonAlreadyReleased, nil)
		}
		if deal.Status != models.DealStatusVerified {
			return Failf(ReasonNoReleaseNeeded, "deal is %s, not verified", deal.Status)
		}
		if deal.EscrowAddress == nil || deal.OwnerWalletAddress == nil {
			return Failf(ReasonMissingAddresses, "escrow or owner wallet address missing")
		}

		memo := fmt.Sprintf("deal:%s:release", deal.ID)
		hash, err := s.ledger.SubmitTransfer(ctx, *deal.EscrowAddress, *deal.OwnerWalletAddress, deal.PriceTON, memo)
		if err != nil {
			return Fail(ReasonNetworkError, err)
		}

		moved, err := tx.MarkCompleted(ctx, deal.ID, hash)
		if err != nil {
			return err
		}
		if !moved {
			return Failf(ReasonConcurrentProcessing, "deal advanced past verified concurrently")
		}

		txHash = hash
		advertiserID = deal.AdvertiserID
		ownerID = deal.ChannelOwnerID

		return tx.LogAudit(ctx, models.AuditLog{
			ActorType:  "reconciler",
			Action:     "deal_funds_released",
			EntityType: "deal",
			EntityID:   &deal.ID,
			Meta: map[string]any{
				"tx_hash":    hash,
				"amount_ton": deal.PriceTON.String(),
				"to":         *deal.OwnerWalletAddress,
			},
		})
	})
	if ReasonOf(err) == ReasonAlreadyReleased {
		return txHash, nil
	}
	if err != nil {
		return "", err
	}

	payload := map[string]any{"tx_hash": txHash}
	_ = s.notifier.Notify(ctx, dealID, advertiserID, EventFundsReleased, payload)
	_ = s.notifier.Notify(ctx, dealID, ownerID, EventFundsReleased, payload)

	s.log.Info("funds released",
		zap.String("deal_id", dealID.String()),
		zap.String("tx_hash", txHash),
	)
	return txHash, nil
}

// RefundDeal returns the escrowed amount to the advertiser. The refund is
// committed only after the submitted transaction is observed on the
// ledger; otherwise the deal stays declined and the sweep retries.
func (s *SettlementReconciler) RefundDeal(ctx context.Context, dealID uuid.UUID) (string, error) {
	var (
		txHash       string
		advertiserID uuid.UUID
		ownerID      uuid.UUID
	)

	err := s.runner.withDeal(ctx, dealID, opRefund, func(ctx context.Context, tx Tx, deal *models.Deal) error {
		if deal.Status == models.DealStatusRefunded {
			if deal.RefundTxHash != nil {
				txHash = *deal.RefundTxHash
			}
			return Fail(ReasonAlreadyRefunded, nil)
		}
		if deal.Status != models.DealStatusDeclined {
			return Failf(ReasonNoRefundNeeded, "deal is %s, not declined", deal.Status)
		}
		if deal.EscrowAddress == nil || deal.AdvertiserWalletAddress == nil {
			return Failf(ReasonMissingAddresses, "escrow or advertiser wallet address missing")
		}

		memo := fmt.Sprintf("deal:%s:refund", deal.ID)
		hash, err := s.ledger.SubmitTransfer(ctx, *deal.EscrowAddress, *deal.AdvertiserWalletAddress, deal.PriceTON, memo)
		if err != nil {
			return Fail(ReasonNetworkError, err)
		}

		// Refunds are triggered by an explicit negative outcome and must
		// not be silently lost: require the tx to be visible before the
		// status change commits.
		exists, err := s.waitForTransaction(ctx, hash, *deal.EscrowAddress)
		if err != nil {
			return Fail(ReasonNetworkError, err)
		}
		if !exists {
			return Failf(ReasonNetworkError, "refund tx %s not yet visible on ledger", hash)
		}

		moved, err := tx.MarkRefunded(ctx, deal.ID, hash)
		if err != nil {
			return err
		}
		if !moved {
			return Failf(ReasonConcurrentProcessing, "deal advanced past declined concurrently")
		}

		txHash = hash
		advertiserID = deal.AdvertiserID
		ownerID = deal.ChannelOwnerID

		return tx.LogAudit(ctx, models.AuditLog{
			ActorType:  "reconciler",
			Action:     "deal_refunded",
			EntityType: "deal",
			EntityID:   &deal.ID,
			Meta: map[string]any{
				"tx_hash":    hash,
				"amount_ton": deal.PriceTON.String(),
				"to":         *deal.AdvertiserWalletAddress,
			},
		})
	})
	if ReasonOf(err) == ReasonAlreadyRefunded {
		return txHash, nil
	}
	if err != nil {
		return "", err
	}

	payload := map[string]any{"tx_hash": txHash}
	_ = s.notifier.Notify(ctx, dealID, advertiserID, EventDealRefunded, payload)
	_ = s.notifier.Notify(ctx, dealID, ownerID, EventDealRefunded, payload)

	s.log.Info("deal refunded",
		zap.String("deal_id", dealID.String()),
		zap.String("tx_hash", txHash),
	)
	return txHash, nil
}

func (s *SettlementReconciler) waitForTransaction(ctx context.Context, hash, address string) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < refundVisibilityAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
		exists, err := s.ledger.TransactionExists(ctx, hash, address)
		if err != nil {
			lastErr = err
			continue
		}
		if exists {
			return true, nil
		}
	}
	return false, lastErr
}

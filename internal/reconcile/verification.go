package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/adboard/settlement/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const opVerifyContent = "verify_content"

// Decline reasons recorded on verification failure.
const (
	DeclineAccessLost     = "publisher_access_lost"
	DeclinePostDeleted    = "post_deleted"
	DeclineContentAltered = "content_altered"
)

// VerificationReconciler checks, after the verification window elapses,
// that the published post is still live, unaltered within the similarity
// threshold, and that the publishing capability still has admin rights.
type VerificationReconciler struct {
	runner         *Runner
	publisher      Publisher
	notifier       Notifier
	diffMaxPercent float64
	batch          int
	log            *zap.Logger
}

func NewVerificationReconciler(runner *Runner, publisher Publisher, notifier Notifier, diffMaxPercent float64, batch int, log *zap.Logger) *VerificationReconciler {
	return &VerificationReconciler{
		runner:         runner,
		publisher:      publisher,
		notifier:       notifier,
		diffMaxPercent: diffMaxPercent,
		batch:          batch,
		log:            log,
	}
}

func (v *VerificationReconciler) Run(ctx context.Context) error {
	deals, err := v.runner.store.ListDueForVerification(ctx, time.Now().UTC(), v.batch)
	if err != nil {
		return err
	}
	for _, d := range deals {
		err := v.VerifyDeal(ctx, d.ID)
		v.runner.logOutcome(opVerifyContent, d.ID, err)
	}
	return nil
}

// VerifyDeal runs both checks for one posted deal. Pass moves the deal to
// verified; content/access failure moves it to declined, from where the
// refund sweep returns the escrow. A not-yet-elapsed window leaves the
// deal untouched.
func (v *VerificationReconciler) VerifyDeal(ctx context.Context, dealID uuid.UUID) error {
	var (
		outcome      string // "" none, "verified" or a decline reason
		advertiserID uuid.UUID
		ownerID      uuid.UUID
	)

	err := v.runner.withDeal(ctx, dealID, opVerifyContent, func(ctx context.Context, tx Tx, deal *models.Deal) error {
		if deal.Status != models.DealStatusPosted {
			if deal.Status == models.DealStatusVerified {
				return Fail(ReasonAlreadyConfirmed, nil)
			}
			return Failf(ReasonInvalidStatus, "deal is %s, not posted", deal.Status)
		}
		now := time.Now().UTC()
		if deal.PostVerificationUntil == nil || now.Before(*deal.PostVerificationUntil) {
			// Window still open: nothing to decide yet.
			return Failf(ReasonInvalidStatus, "verification window open until %s", deal.PostVerificationUntil)
		}
		advertiserID = deal.AdvertiserID
		ownerID = deal.ChannelOwnerID

		channel, err := v.runner.store.GetChannel(ctx, deal.ChannelID)
		if err != nil {
			return Failf(ReasonUnknown, "channel lookup: %v", err)
		}

		decline := func(reason string) error {
			moved, err := tx.MarkDeclined(ctx, deal.ID, deal.Status, reason)
			if err != nil {
				return err
			}
			if !moved {
				return Failf(ReasonConcurrentProcessing, "deal advanced past posted concurrently")
			}
			outcome = reason
			return tx.LogAudit(ctx, models.AuditLog{
				ActorType:  "reconciler",
				Action:     "deal_verification_failed",
				EntityType: "deal",
				EntityID:   &deal.ID,
				Meta:       map[string]any{"reason": reason},
			})
		}

		// Access check: the capability must still hold admin rights.
		access, err := v.publisher.HasAccess(ctx, channel.Username)
		if err != nil {
			return Fail(ReasonNetworkError, err)
		}
		if !access {
			return decline(DeclineAccessLost)
		}

		if deal.PostMessageID == nil {
			return decline(DeclinePostDeleted)
		}

		// Content check: live text vs stored brief.
		live, exists, err := v.publisher.FetchLiveText(ctx, channel.Username, *deal.PostMessageID)
		if err != nil {
			return Fail(ReasonNetworkError, err)
		}
		if !exists {
			return decline(DeclinePostDeleted)
		}

		brief, err := v.runner.store.FirstMessage(ctx, deal.ID)
		if err != nil {
			return Failf(ReasonUnknown, "deal has no brief message: %v", err)
		}
		diff := ContentDiffPercent(brief.Body, live)
		if diff > v.diffMaxPercent {
			return decline(fmt.Sprintf("%s: %.1f%% drift", DeclineContentAltered, diff))
		}

		// Duration check: the post must have stayed up for the agreed days.
		minDuration := time.Duration(deal.MinPublicationDays) * 24 * time.Hour
		if deal.ActualPostTime == nil || now.Sub(*deal.ActualPostTime) < minDuration {
			return Failf(ReasonInvalidStatus, "publication duration not yet met")
		}

		moved, err := tx.MarkVerified(ctx, deal.ID, now)
		if err != nil {
			return err
		}
		if !moved {
			return Failf(ReasonConcurrentProcessing, "deal advanced past posted concurrently")
		}
		outcome = "verified"
		return tx.LogAudit(ctx, models.AuditLog{
			ActorType:  "reconciler",
			Action:     "deal_verified",
			EntityType: "deal",
			EntityID:   &deal.ID,
			Meta:       map[string]any{"content_diff_percent": diff},
		})
	})
	if err != nil {
		return err
	}

	switch outcome {
	case "verified":
		_ = v.notifier.Notify(ctx, dealID, advertiserID, EventDealVerified, nil)
		_ = v.notifier.Notify(ctx, dealID, ownerID, EventDealVerified, nil)
		v.log.Info("deal verified", zap.String("deal_id", dealID.String()))
	case "":
	default:
		payload := map[string]any{"reason": outcome}
		_ = v.notifier.Notify(ctx, dealID, advertiserID, EventDealDeclined, payload)
		_ = v.notifier.Notify(ctx, dealID, ownerID, EventDealDeclined, payload)
		v.log.Warn("deal verification failed",
			zap.String("deal_id", dealID.String()),
			zap.String("reason", outcome),
		)
	}
	return nil
}

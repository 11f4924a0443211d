package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/adboard/settlement/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestWithDealMissingDeal(t *testing.T) {
	store := newFakeStore()
	r := newTestRunner(store)

	err := r.withDeal(context.Background(), uuid.New(), "confirm_payment", func(ctx context.Context, tx Tx, deal *models.Deal) error {
		t.Fatal("fn must not run for a missing deal")
		return nil
	})
	if ReasonOf(err) != ReasonDealNotFound {
		t.Fatalf("reason = %s, want deal_not_found", ReasonOf(err))
	}
}

func TestWithDealLockContentionIsBenign(t *testing.T) {
	store := newFakeStore()
	deal := fundedDeal(models.DealStatusPaymentPending)
	store.addDeal(deal)

	locker := newFakeLocker()
	r := NewRunner(store, locker, 30*time.Second, zap.NewNop())

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = r.withDeal(context.Background(), deal.ID, "confirm_payment", func(ctx context.Context, tx Tx, d *models.Deal) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := r.withDeal(context.Background(), deal.ID, "confirm_payment", func(ctx context.Context, tx Tx, d *models.Deal) error {
		t.Fatal("fn must not run while the lock is held")
		return nil
	})
	close(release)

	reason := ReasonOf(err)
	if reason != ReasonConcurrentProcessing {
		t.Fatalf("reason = %s, want concurrent_processing", reason)
	}
	if !reason.Benign() {
		t.Fatal("lock contention must be benign")
	}
}

// Full lifecycle through all four ledger-driven stages: payment arrives,
// post goes out, content verifies, funds release.
func TestDealLifecycleToCompletion(t *testing.T) {
	store := newFakeStore()
	deal := fundedDeal(models.DealStatusPaymentPending)
	store.addDeal(deal)
	withChannelAndBrief(store, deal)
	brief := store.messages[deal.ID][0].Body

	ledger := &fakeLedger{
		transfer:   &Transfer{Hash: "pay-tx", From: "EQAdvertiser", Amount: deal.PriceTON},
		submitHash: "release-tx",
		txVisible:  true,
	}
	pub := &fakePublisher{publishID: 555, access: true, liveOK: true, liveText: brief}
	notif := &fakeNotifier{}
	runner := newTestRunner(store)

	payments := NewPaymentReconciler(runner, ledger, notif, 100, zap.NewNop())
	publications := NewPublicationReconciler(runner, pub, notif, 100, zap.NewNop())
	verifications := NewVerificationReconciler(runner, pub, notif, 10.0, 100, zap.NewNop())
	settlements := NewSettlementReconciler(runner, ledger, notif, 24*time.Hour, 100, zap.NewNop())

	ctx := context.Background()

	if _, err := payments.ConfirmPayment(ctx, deal.ID); err != nil {
		t.Fatalf("payment: %v", err)
	}
	if _, err := publications.PublishDeal(ctx, deal.ID); err != nil {
		t.Fatalf("publication: %v", err)
	}

	// Force the verification window and posting age into the past.
	store.mu.Lock()
	d := store.deals[deal.ID]
	d.ActualPostTime = timep(time.Now().UTC().Add(-25 * time.Hour))
	d.PostVerificationUntil = timep(time.Now().UTC().Add(-time.Hour))
	store.mu.Unlock()

	if err := verifications.VerifyDeal(ctx, deal.ID); err != nil {
		t.Fatalf("verification: %v", err)
	}

	// Age the verification past the cooling-off window.
	store.mu.Lock()
	d = store.deals[deal.ID]
	d.VerifiedAt = timep(time.Now().UTC().Add(-25 * time.Hour))
	store.mu.Unlock()

	if _, err := settlements.ReleaseFunds(ctx, deal.ID); err != nil {
		t.Fatalf("settlement: %v", err)
	}

	got := store.getDeal(deal.ID)
	if got.Status != models.DealStatusCompleted {
		t.Fatalf("final status = %s, want completed", got.Status)
	}
	if got.PaymentTxHash == nil || got.PostMessageID == nil || got.VerifiedAt == nil || got.ReleaseTxHash == nil {
		t.Fatal("lifecycle columns incomplete")
	}
	if ledger.submitCount() != 1 {
		t.Fatalf("outbound transfers = %d, want 1 (the release)", ledger.submitCount())
	}
	if !ledger.submissions[0].Amount.Equal(decimal.RequireFromString("25.5")) {
		t.Fatalf("released %s, want the agreed 25.5", ledger.submissions[0].Amount)
	}
}

// Negative lifecycle: the post disappears, the deal declines and the
// refund sweep returns the escrow.
func TestDealLifecycleToRefund(t *testing.T) {
	store := newFakeStore()
	deal := postedDeal()
	deal.AdvertiserWalletAddress = strp("EQAdvertiser")
	store.addDeal(deal)
	withChannelAndBrief(store, deal)

	ledger := &fakeLedger{submitHash: "refund-tx", txVisible: true}
	pub := &fakePublisher{access: true, liveOK: false}
	notif := &fakeNotifier{}
	runner := newTestRunner(store)

	verifications := NewVerificationReconciler(runner, pub, notif, 10.0, 100, zap.NewNop())
	settlements := NewSettlementReconciler(runner, ledger, notif, 24*time.Hour, 100, zap.NewNop())

	ctx := context.Background()
	if err := verifications.VerifyDeal(ctx, deal.ID); err != nil {
		t.Fatalf("verification: %v", err)
	}
	if got := store.getDeal(deal.ID); got.Status != models.DealStatusDeclined {
		t.Fatalf("status after verification = %s, want declined", got.Status)
	}

	if err := settlements.Run(ctx); err != nil {
		t.Fatalf("settlement sweep: %v", err)
	}
	got := store.getDeal(deal.ID)
	if got.Status != models.DealStatusRefunded {
		t.Fatalf("final status = %s, want refunded", got.Status)
	}
	if got.RefundTxHash == nil || *got.RefundTxHash != "refund-tx" {
		t.Fatal("refund tx hash not recorded")
	}
	if ledger.submissions[0].To != "EQAdvertiser" {
		t.Fatalf("refund went to %s, want the advertiser", ledger.submissions[0].To)
	}
}

package reconcile

import (
	"context"
	"time"

	"github.com/adboard/settlement/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Tx is the set of store operations available inside one transaction, with
// the candidate deal row held under a row lock. Every Mark* call is a
// conditional update (WHERE status = expected); moved=false means another
// worker already advanced the deal.
type Tx interface {
	GetDealForUpdate(ctx context.Context, id uuid.UUID) (*models.Deal, error)
	MarkPaid(ctx context.Context, id uuid.UUID, from, to, txHash, payerAddr string, confirmedAt time.Time) (bool, error)
	MarkPosted(ctx context.Context, id uuid.UUID, from string, messageID int64, postedAt, verifyUntil time.Time) (bool, error)
	MarkVerified(ctx context.Context, id uuid.UUID, verifiedAt time.Time) (bool, error)
	MarkDeclined(ctx context.Context, id uuid.UUID, from, reason string) (bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, txHash string) (bool, error)
	MarkRefunded(ctx context.Context, id uuid.UUID, txHash string) (bool, error)
	MarkCancelled(ctx context.Context, id uuid.UUID, from string) (bool, error)
	LogAudit(ctx context.Context, entry models.AuditLog) error
}

// Store is the deal store surface the reconcilers scan and mutate. The
// List* scans are cheap, lock-free candidate queries and are never trusted
// for correctness; the authoritative read happens inside InTx.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	ListPaymentPending(ctx context.Context, limit int) ([]models.Deal, error)
	ListDueForPublication(ctx context.Context, now time.Time, limit int) ([]models.Deal, error)
	ListDueForVerification(ctx context.Context, now time.Time, limit int) ([]models.Deal, error)
	ListAutoReleasable(ctx context.Context, cutoff time.Time, limit int) ([]models.Deal, error)
	ListDeclined(ctx context.Context, limit int) ([]models.Deal, error)
	ListPaymentTimedOut(ctx context.Context, now time.Time, limit int) ([]models.Deal, error)
	FirstMessage(ctx context.Context, dealID uuid.UUID) (*models.DealMessage, error)
	GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error)
}

// Locker is the distributed mutual-exclusion seam, keyed per (deal, operation).
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// Transfer is an observed inbound ledger transfer.
type Transfer struct {
	Hash   string
	From   string
	Amount decimal.Decimal
	At     time.Time
}

// Ledger is the blockchain escrow surface.
type Ledger interface {
	// FindInboundTransfer returns a transfer of at least amount to address,
	// or nil when none has arrived yet.
	FindInboundTransfer(ctx context.Context, address string, amount decimal.Decimal) (*Transfer, error)
	SubmitTransfer(ctx context.Context, from, to string, amount decimal.Decimal, memo string) (string, error)
	TransactionExists(ctx context.Context, txHash, address string) (bool, error)
}

// Publisher is the publishing capability on the destination channel.
type Publisher interface {
	Publish(ctx context.Context, chatID int64, dealID uuid.UUID, text string) (int64, error)
	FetchLiveText(ctx context.Context, channelUsername string, messageID int64) (text string, exists bool, err error)
	HasAccess(ctx context.Context, channelUsername string) (bool, error)
}

// Notifier delivers best-effort deal notifications. Failures are logged
// and swallowed by implementations; settlement never blocks on delivery.
type Notifier interface {
	Notify(ctx context.Context, dealID, recipientID uuid.UUID, event string, payload map[string]any) error
}

package repositories

import (
	"context"
	"time"

	"github.com/adboard/settlement/internal/models"
	"github.com/adboard/settlement/internal/reconcile"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const dealColumns = `
	id, deal_type, channel_id, channel_owner_id, advertiser_id, ad_format,
	price_ton::text, status, escrow_address, owner_wallet_address,
	advertiser_wallet_address, payment_tx_hash, payment_confirmed_at,
	scheduled_post_time, actual_post_time, post_message_id,
	post_verification_until, min_publication_duration_days, verified_at,
	decline_reason, release_tx_hash, refund_tx_hash, timeout_at,
	created_at, updated_at`

type DealRepo struct {
	pool *pgxpool.Pool
}

func NewDealRepo(pool *pgxpool.Pool) *DealRepo {
	return &DealRepo{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeal(row rowScanner) (*models.Deal, error) {
	var d models.Deal
	var price string
	err := row.Scan(&d.ID, &d.DealType, &d.ChannelID, &d.ChannelOwnerID, &d.AdvertiserID, &d.AdFormat,
		&price, &d.Status, &d.EscrowAddress, &d.OwnerWalletAddress,
		&d.AdvertiserWalletAddress, &d.PaymentTxHash, &d.PaymentConfirmedAt,
		&d.ScheduledPostTime, &d.ActualPostTime, &d.PostMessageID,
		&d.PostVerificationUntil, &d.MinPublicationDays, &d.VerifiedAt,
		&d.DeclineReason, &d.ReleaseTxHash, &d.RefundTxHash, &d.TimeoutAt,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.PriceTON, err = decimal.NewFromString(price)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DealRepo) Create(ctx context.Context, d *models.Deal) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO deals (deal_type, channel_id, channel_owner_id, advertiser_id, ad_format,
		                   price_ton, status, scheduled_post_time, min_publication_duration_days)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`, d.DealType, d.ChannelID, d.ChannelOwnerID, d.AdvertiserID, d.AdFormat,
		d.PriceTON.String(), d.Status, d.ScheduledPostTime, d.MinPublicationDays,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
}

func (r *DealRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id)
	return scanDeal(row)
}

// UpdateStatusIf performs a bare conditional transition, used by the
// service layer for transitions without side-effect columns.
func (r *DealRepo) UpdateStatusIf(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE deals SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AcceptWithEscrow is the owner-accept transition: assigns the escrow and
// owner wallet addresses exactly once and opens the payment window.
func (r *DealRepo) AcceptWithEscrow(ctx context.Context, id uuid.UUID, from, escrowAddr, ownerWallet string, timeoutAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE deals SET status = $1, escrow_address = $2, owner_wallet_address = $3,
		       timeout_at = $4, updated_at = now()
		WHERE id = $5 AND status = $6 AND escrow_address IS NULL
	`, models.DealStatusPaymentPending, escrowAddr, ownerWallet, timeoutAt, id, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkDeclinedIf is the service-layer decline for funded deals.
func (r *DealRepo) MarkDeclinedIf(ctx context.Context, id uuid.UUID, from, reason string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE deals SET status = $1, decline_reason = $2, updated_at = now()
		WHERE id = $3 AND status = $4
	`, models.DealStatusDeclined, reason, id, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ---- candidate scans (lock-free, never authoritative) ----

func (r *DealRepo) listDeals(ctx context.Context, query string, args ...any) ([]models.Deal, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deals []models.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, *d)
	}
	return deals, rows.Err()
}

func (r *DealRepo) ListPaymentPending(ctx context.Context, limit int) ([]models.Deal, error) {
	return r.listDeals(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE status = 'payment_pending' AND escrow_address IS NOT NULL AND payment_tx_hash IS NULL
		ORDER BY created_at ASC LIMIT $1
	`, capLimit(limit))
}

func (r *DealRepo) ListDueForPublication(ctx context.Context, now time.Time, limit int) ([]models.Deal, error) {
	return r.listDeals(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE status IN ('paid', 'scheduled', 'creative_approved')
		  AND (scheduled_post_time IS NULL OR scheduled_post_time <= $1)
		ORDER BY created_at ASC LIMIT $2
	`, now, capLimit(limit))
}

func (r *DealRepo) ListDueForVerification(ctx context.Context, now time.Time, limit int) ([]models.Deal, error) {
	return r.listDeals(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE status = 'posted' AND post_verification_until <= $1
		ORDER BY post_verification_until ASC LIMIT $2
	`, now, capLimit(limit))
}

func (r *DealRepo) ListAutoReleasable(ctx context.Context, cutoff time.Time, limit int) ([]models.Deal, error) {
	return r.listDeals(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE status = 'verified' AND verified_at <= $1
		ORDER BY verified_at ASC LIMIT $2
	`, cutoff, capLimit(limit))
}

func (r *DealRepo) ListDeclined(ctx context.Context, limit int) ([]models.Deal, error) {
	return r.listDeals(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE status = 'declined'
		ORDER BY updated_at ASC LIMIT $1
	`, capLimit(limit))
}

func (r *DealRepo) ListPaymentTimedOut(ctx context.Context, now time.Time, limit int) ([]models.Deal, error) {
	return r.listDeals(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE status = 'payment_pending' AND payment_tx_hash IS NULL
		  AND timeout_at IS NOT NULL AND timeout_at <= $1
		ORDER BY timeout_at ASC LIMIT $2
	`, now, capLimit(limit))
}

func (r *DealRepo) ListByParticipant(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Deal, error) {
	return r.listDeals(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE advertiser_id = $1 OR channel_owner_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, userID, capLimit(limit), offset)
}

func capLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 100
	}
	return limit
}

// ---- transactional unit of work ----

// InTx runs fn inside one transaction; the dealTx it receives can take a
// row lock on a single deal and perform conditional transitions.
func (r *DealRepo) InTx(ctx context.Context, fn func(tx reconcile.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&dealTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

type dealTx struct {
	tx pgx.Tx
}

// GetDealForUpdate takes the row lock that makes the double-checked read
// authoritative.
func (t *dealTx) GetDealForUpdate(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1 FOR UPDATE`, id)
	return scanDeal(row)
}

func (t *dealTx) conditional(ctx context.Context, query string, args ...any) (bool, error) {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *dealTx) MarkPaid(ctx context.Context, id uuid.UUID, from, to, txHash, payerAddr string, confirmedAt time.Time) (bool, error) {
	return t.conditional(ctx, `
		UPDATE deals SET status = $1, payment_tx_hash = $2, advertiser_wallet_address = $3,
		       payment_confirmed_at = $4, updated_at = now()
		WHERE id = $5 AND status = $6
	`, to, txHash, payerAddr, confirmedAt, id, from)
}

func (t *dealTx) MarkPosted(ctx context.Context, id uuid.UUID, from string, messageID int64, postedAt, verifyUntil time.Time) (bool, error) {
	return t.conditional(ctx, `
		UPDATE deals SET status = 'posted', post_message_id = $1, actual_post_time = $2,
		       post_verification_until = $3, updated_at = now()
		WHERE id = $4 AND status = $5
	`, messageID, postedAt, verifyUntil, id, from)
}

func (t *dealTx) MarkVerified(ctx context.Context, id uuid.UUID, verifiedAt time.Time) (bool, error) {
	return t.conditional(ctx, `
		UPDATE deals SET status = 'verified', verified_at = $1, updated_at = now()
		WHERE id = $2 AND status = 'posted'
	`, verifiedAt, id)
}

func (t *dealTx) MarkDeclined(ctx context.Context, id uuid.UUID, from, reason string) (bool, error) {
	return t.conditional(ctx, `
		UPDATE deals SET status = 'declined', decline_reason = $1, updated_at = now()
		WHERE id = $2 AND status = $3
	`, reason, id, from)
}

func (t *dealTx) MarkCompleted(ctx context.Context, id uuid.UUID, txHash string) (bool, error) {
	return t.conditional(ctx, `
		UPDATE deals SET status = 'completed', release_tx_hash = $1, updated_at = now()
		WHERE id = $2 AND status = 'verified'
	`, txHash, id)
}

func (t *dealTx) MarkRefunded(ctx context.Context, id uuid.UUID, txHash string) (bool, error) {
	return t.conditional(ctx, `
		UPDATE deals SET status = 'refunded', refund_tx_hash = $1, updated_at = now()
		WHERE id = $2 AND status = 'declined'
	`, txHash, id)
}

func (t *dealTx) MarkCancelled(ctx context.Context, id uuid.UUID, from string) (bool, error) {
	return t.conditional(ctx, `
		UPDATE deals SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, from)
}

func (t *dealTx) LogAudit(ctx context.Context, entry models.AuditLog) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO audit_log (actor_user_id, actor_type, action, entity_type, entity_id, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ActorUserID, entry.ActorType, entry.Action, entry.EntityType, entry.EntityID, entry.Meta)
	return err
}

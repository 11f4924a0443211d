package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adboard/settlement/internal/lock"
	"github.com/adboard/settlement/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Runner is the shared double-checked-locking template: a lock-free scan
// nominates candidates, then each candidate is re-read under the
// distributed lock plus a row lock before any side effect happens.
type Runner struct {
	store   Store
	locker  Locker
	lockTTL time.Duration
	log     *zap.Logger
}

func NewRunner(store Store, locker Locker, lockTTL time.Duration, log *zap.Logger) *Runner {
	return &Runner{store: store, locker: locker, lockTTL: lockTTL, log: log}
}

// withDeal acquires the (deal, op) lock, opens a transaction, row-locks the
// deal and hands the fresh row to fn. fn must re-validate preconditions
// against that row, not the scan candidate.
func (r *Runner) withDeal(ctx context.Context, dealID uuid.UUID, op string, fn func(ctx context.Context, tx Tx, deal *models.Deal) error) error {
	key := fmt.Sprintf("deal:%s:operation:%s", dealID, op)
	err := r.locker.WithLock(ctx, key, r.lockTTL, func(ctx context.Context) error {
		return r.store.InTx(ctx, func(tx Tx) error {
			deal, err := tx.GetDealForUpdate(ctx, dealID)
			if errors.Is(err, pgx.ErrNoRows) {
				return Fail(ReasonDealNotFound, err)
			}
			if err != nil {
				return fmt.Errorf("load deal %s: %w", dealID, err)
			}
			return fn(ctx, tx, deal)
		})
	})
	if errors.Is(err, lock.ErrAcquireFailed) || errors.Is(err, lock.ErrLockLost) {
		return Fail(ReasonConcurrentProcessing, err)
	}
	return err
}

// logOutcome applies the propagation policy: benign reasons at debug,
// genuine failures at error. The candidate is retried next cycle either way.
func (r *Runner) logOutcome(op string, dealID uuid.UUID, err error) {
	if err == nil {
		return
	}
	reason := ReasonOf(err)
	if reason.Benign() {
		r.log.Debug("reconcile skipped",
			zap.String("op", op),
			zap.String("deal_id", dealID.String()),
			zap.String("reason", string(reason)),
		)
		return
	}
	r.log.Error("reconcile failed",
		zap.String("op", op),
		zap.String("deal_id", dealID.String()),
		zap.String("reason", string(reason)),
		zap.Error(err),
	)
}

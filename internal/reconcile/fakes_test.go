package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/adboard/settlement/internal/lock"
	"github.com/adboard/settlement/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// fakeStore is an in-memory Store with transactional rollback: a failed
// InTx leaves the deals exactly as they were.
type fakeStore struct {
	mu       sync.Mutex
	deals    map[uuid.UUID]*models.Deal
	messages map[uuid.UUID][]models.DealMessage
	channels map[uuid.UUID]*models.Channel
	audits   []models.AuditLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		deals:    make(map[uuid.UUID]*models.Deal),
		messages: make(map[uuid.UUID][]models.DealMessage),
		channels: make(map[uuid.UUID]*models.Channel),
	}
}

func (s *fakeStore) addDeal(d models.Deal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := d
	s.deals[d.ID] = &cp
}

func (s *fakeStore) getDeal(id uuid.UUID) models.Deal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.deals[id]
}

func (s *fakeStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[uuid.UUID]*models.Deal, len(s.deals))
	for id, d := range s.deals {
		cp := *d
		snapshot[id] = &cp
	}
	auditLen := len(s.audits)

	if err := fn(&fakeTx{s: s}); err != nil {
		s.deals = snapshot
		s.audits = s.audits[:auditLen]
		return err
	}
	return nil
}

func (s *fakeStore) listByStatus(statuses ...string) []models.Deal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Deal
	for _, d := range s.deals {
		for _, st := range statuses {
			if d.Status == st {
				out = append(out, *d)
			}
		}
	}
	return out
}

func (s *fakeStore) ListPaymentPending(ctx context.Context, limit int) ([]models.Deal, error) {
	return s.listByStatus(models.DealStatusPaymentPending), nil
}

func (s *fakeStore) ListDueForPublication(ctx context.Context, now time.Time, limit int) ([]models.Deal, error) {
	var out []models.Deal
	for _, d := range s.listByStatus(models.DealStatusPaid, models.DealStatusScheduled, models.DealStatusCreativeApproved) {
		if d.ScheduledPostTime == nil || !now.Before(*d.ScheduledPostTime) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeStore) ListDueForVerification(ctx context.Context, now time.Time, limit int) ([]models.Deal, error) {
	var out []models.Deal
	for _, d := range s.listByStatus(models.DealStatusPosted) {
		if d.PostVerificationUntil != nil && !now.Before(*d.PostVerificationUntil) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeStore) ListAutoReleasable(ctx context.Context, cutoff time.Time, limit int) ([]models.Deal, error) {
	var out []models.Deal
	for _, d := range s.listByStatus(models.DealStatusVerified) {
		if d.VerifiedAt != nil && !d.VerifiedAt.After(cutoff) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeStore) ListDeclined(ctx context.Context, limit int) ([]models.Deal, error) {
	return s.listByStatus(models.DealStatusDeclined), nil
}

func (s *fakeStore) ListPaymentTimedOut(ctx context.Context, now time.Time, limit int) ([]models.Deal, error) {
	var out []models.Deal
	for _, d := range s.listByStatus(models.DealStatusPaymentPending) {
		if d.PaymentTxHash == nil && d.TimeoutAt != nil && !now.Before(*d.TimeoutAt) {
			out = append(out, d)
		}
	}
	return out, nil
}

// FirstMessage and GetChannel are reached only from inside InTx callbacks,
// where InTx already holds s.mu; locking again would self-deadlock.
func (s *fakeStore) FirstMessage(ctx context.Context, dealID uuid.UUID) (*models.DealMessage, error) {
	msgs := s.messages[dealID]
	if len(msgs) == 0 {
		return nil, pgx.ErrNoRows
	}
	m := msgs[0]
	return &m, nil
}

func (s *fakeStore) GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	ch, ok := s.channels[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *ch
	return &cp, nil
}

func (s *fakeStore) auditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, a := range s.audits {
		out = append(out, a.Action)
	}
	return out
}

// fakeTx mutates the store under the already-held store mutex, mirroring
// the conditional-update semantics of the SQL layer.
type fakeTx struct {
	s *fakeStore
}

func (t *fakeTx) GetDealForUpdate(ctx context.Context, id uuid.UUID) (*models.Deal, error) {
	d, ok := t.s.deals[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *d
	return &cp, nil
}

func (t *fakeTx) MarkPaid(ctx context.Context, id uuid.UUID, from, to, txHash, payerAddr string, confirmedAt time.Time) (bool, error) {
	d, ok := t.s.deals[id]
	if !ok || d.Status != from {
		return false, nil
	}
	d.Status = to
	d.PaymentTxHash = &txHash
	d.AdvertiserWalletAddress = &payerAddr
	d.PaymentConfirmedAt = &confirmedAt
	return true, nil
}

func (t *fakeTx) MarkPosted(ctx context.Context, id uuid.UUID, from string, messageID int64, postedAt, verifyUntil time.Time) (bool, error) {
	d, ok := t.s.deals[id]
	if !ok || d.Status != from {
		return false, nil
	}
	d.Status = models.DealStatusPosted
	d.PostMessageID = &messageID
	d.ActualPostTime = &postedAt
	d.PostVerificationUntil = &verifyUntil
	return true, nil
}

func (t *fakeTx) MarkVerified(ctx context.Context, id uuid.UUID, verifiedAt time.Time) (bool, error) {
	d, ok := t.s.deals[id]
	if !ok || d.Status != models.DealStatusPosted {
		return false, nil
	}
	d.Status = models.DealStatusVerified
	d.VerifiedAt = &verifiedAt
	return true, nil
}

func (t *fakeTx) MarkDeclined(ctx context.Context, id uuid.UUID, from, reason string) (bool, error) {
	d, ok := t.s.deals[id]
	if !ok || d.Status != from {
		return false, nil
	}
	d.Status = models.DealStatusDeclined
	d.DeclineReason = &reason
	return true, nil
}

func (t *fakeTx) MarkCompleted(ctx context.Context, id uuid.UUID, txHash string) (bool, error) {
	d, ok := t.s.deals[id]
	if !ok || d.Status != models.DealStatusVerified {
		return false, nil
	}
	d.Status = models.DealStatusCompleted
	d.ReleaseTxHash = &txHash
	return true, nil
}

func (t *fakeTx) MarkRefunded(ctx context.Context, id uuid.UUID, txHash string) (bool, error) {
	d, ok := t.s.deals[id]
	if !ok || d.Status != models.DealStatusDeclined {
		return false, nil
	}
	d.Status = models.DealStatusRefunded
	d.RefundTxHash = &txHash
	return true, nil
}

func (t *fakeTx) MarkCancelled(ctx context.Context, id uuid.UUID, from string) (bool, error) {
	d, ok := t.s.deals[id]
	if !ok || d.Status != from {
		return false, nil
	}
	d.Status = models.DealStatusCancelled
	return true, nil
}

func (t *fakeTx) LogAudit(ctx context.Context, entry models.AuditLog) error {
	t.s.audits = append(t.s.audits, entry)
	return nil
}

// fakeLocker refuses a second concurrent acquisition of the same key, like
// the Redis lease lock does.
type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.held[key] {
		l.mu.Unlock()
		return lock.ErrAcquireFailed
	}
	l.held[key] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return fn(ctx)
}

type submission struct {
	From, To, Memo string
	Amount         decimal.Decimal
}

type fakeLedger struct {
	mu sync.Mutex

	transfer    *Transfer // returned by FindInboundTransfer
	findErr     error
	submitHash  string
	submitErr   error
	txVisible   bool
	existsErr   error
	findCalls   int
	submissions []submission
}

func (l *fakeLedger) FindInboundTransfer(ctx context.Context, address string, amount decimal.Decimal) (*Transfer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.findCalls++
	if l.findErr != nil {
		return nil, l.findErr
	}
	return l.transfer, nil
}

func (l *fakeLedger) SubmitTransfer(ctx context.Context, from, to string, amount decimal.Decimal, memo string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.submitErr != nil {
		return "", l.submitErr
	}
	l.submissions = append(l.submissions, submission{From: from, To: to, Memo: memo, Amount: amount})
	return l.submitHash, nil
}

func (l *fakeLedger) TransactionExists(ctx context.Context, txHash, address string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.existsErr != nil {
		return false, l.existsErr
	}
	return l.txVisible, nil
}

func (l *fakeLedger) submitCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.submissions)
}

type fakePublisher struct {
	mu sync.Mutex

	publishID    int64
	publishErr   error
	publishCalls int

	liveText  string
	liveOK    bool
	liveErr   error
	access    bool
	accessErr error
}

func (p *fakePublisher) Publish(ctx context.Context, chatID int64, dealID uuid.UUID, text string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return 0, p.publishErr
	}
	p.publishCalls++
	return p.publishID, nil
}

func (p *fakePublisher) FetchLiveText(ctx context.Context, channelUsername string, messageID int64) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveText, p.liveOK, p.liveErr
}

func (p *fakePublisher) HasAccess(ctx context.Context, channelUsername string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.access, p.accessErr
}

type notification struct {
	DealID      uuid.UUID
	RecipientID uuid.UUID
	Event       string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (n *fakeNotifier) Notify(ctx context.Context, dealID, recipientID uuid.UUID, event string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{DealID: dealID, RecipientID: recipientID, Event: event})
	return nil
}

func (n *fakeNotifier) byEvent(event string) []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification
	for _, e := range n.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func newTestRunner(store *fakeStore) *Runner {
	return NewRunner(store, newFakeLocker(), 30*time.Second, zap.NewNop())
}

func strp(s string) *string        { return &s }
func timep(t time.Time) *time.Time { return &t }

func fundedDeal(status string) models.Deal {
	return models.Deal{
		ID:                 uuid.New(),
		DealType:           models.DealTypeListing,
		ChannelID:          uuid.New(),
		ChannelOwnerID:     uuid.New(),
		AdvertiserID:       uuid.New(),
		AdFormat:           models.AdFormatPost,
		PriceTON:           decimal.RequireFromString("25.5"),
		Status:             status,
		EscrowAddress:      strp("EQEscrow"),
		OwnerWalletAddress: strp("EQOwner"),
		MinPublicationDays: 1,
	}
}

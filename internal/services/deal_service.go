package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adboard/settlement/internal/models"
	"github.com/adboard/settlement/internal/reconcile"
	"github.com/adboard/settlement/internal/repositories"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrDealNotFound      = errors.New("deal not found")
	ErrNotParticipant    = errors.New("user is not a participant of this deal")
	ErrInvalidTransition = errors.New("invalid deal status transition")
	ErrWalletRequired    = errors.New("wallet address is required")
	ErrInvalidPrice      = errors.New("price must be positive")
	ErrInvalidAdFormat   = errors.New("unknown ad format")
)

// EscrowAddresser derives the deterministic per-deal escrow address.
type EscrowAddresser interface {
	EscrowAddress(dealID uuid.UUID) (string, error)
}

// FundsReleaser runs the locked release path. The settlement reconciler
// implements it; explicit advertiser confirmation goes through the same
// code as the auto-release sweep.
type FundsReleaser interface {
	ReleaseFunds(ctx context.Context, dealID uuid.UUID) (string, error)
}

// DealService is the user-facing side of the deal lifecycle: creation,
// negotiation, accept/decline/cancel, and explicit completion. Everything
// the ledger drives (payments, publication, verification, settlement)
// belongs to the reconcilers.
type DealService struct {
	deals    *repositories.DealRepo
	messages *repositories.MessageRepo
	channels *repositories.ChannelRepo
	audit    *repositories.AuditRepo
	escrow   EscrowAddresser
	releaser FundsReleaser
	notifier reconcile.Notifier

	paymentTimeout time.Duration
	defaultMinDays int
	log            *zap.Logger
}

func NewDealService(
	deals *repositories.DealRepo,
	messages *repositories.MessageRepo,
	channels *repositories.ChannelRepo,
	audit *repositories.AuditRepo,
	escrow EscrowAddresser,
	releaser FundsReleaser,
	notifier reconcile.Notifier,
	paymentTimeout time.Duration,
	defaultMinDays int,
	log *zap.Logger,
) *DealService {
	return &DealService{
		deals:          deals,
		messages:       messages,
		channels:       channels,
		audit:          audit,
		escrow:         escrow,
		releaser:       releaser,
		notifier:       notifier,
		paymentTimeout: paymentTimeout,
		defaultMinDays: defaultMinDays,
		log:            log,
	}
}

type CreateDealInput struct {
	DealType          string
	ChannelID         uuid.UUID
	AdvertiserID      uuid.UUID
	AdFormat          string
	PriceTON          decimal.Decimal
	Brief             string
	ScheduledPostTime *time.Time
	MinPublicationDays int
}

// CreateDeal opens a pending deal and stores the brief as its first
// message.
func (s *DealService) CreateDeal(ctx context.Context, in CreateDealInput) (*models.Deal, error) {
	if !models.IsValidAdFormat(in.AdFormat) {
		return nil, ErrInvalidAdFormat
	}
	if in.PriceTON.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	channel, err := s.channels.GetByID(ctx, in.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("load channel: %w", err)
	}
	if channel.OwnerID == in.AdvertiserID {
		return nil, fmt.Errorf("advertiser cannot open a deal on their own channel")
	}

	minDays := in.MinPublicationDays
	if minDays <= 0 {
		minDays = s.defaultMinDays
	}
	dealType := in.DealType
	if dealType == "" {
		dealType = models.DealTypeListing
	}

	deal := &models.Deal{
		DealType:           dealType,
		ChannelID:          channel.ID,
		ChannelOwnerID:     channel.OwnerID,
		AdvertiserID:       in.AdvertiserID,
		AdFormat:           in.AdFormat,
		PriceTON:           in.PriceTON,
		Status:             models.DealStatusPending,
		ScheduledPostTime:  in.ScheduledPostTime,
		MinPublicationDays: minDays,
	}
	if err := s.deals.Create(ctx, deal); err != nil {
		return nil, fmt.Errorf("create deal: %w", err)
	}

	if in.Brief != "" {
		msg := &models.DealMessage{DealID: deal.ID, SenderID: in.AdvertiserID, Body: in.Brief}
		if err := s.messages.Append(ctx, msg); err != nil {
			return nil, fmt.Errorf("store brief: %w", err)
		}
	}

	s.auditUser(ctx, in.AdvertiserID, "deal_created", deal.ID, map[string]any{
		"channel_id": channel.ID.String(),
		"price_ton":  deal.PriceTON.String(),
		"ad_format":  deal.AdFormat,
	})
	_ = s.notifier.Notify(ctx, deal.ID, channel.OwnerID, "deal_created", map[string]any{
		"price_ton": deal.PriceTON.String(),
	})

	s.log.Info("deal created",
		zap.String("deal_id", deal.ID.String()),
		zap.String("channel_id", channel.ID.String()),
		zap.String("price_ton", deal.PriceTON.String()),
	)
	return deal, nil
}

// SendMessage appends to the negotiation log. The first reply to a
// pending deal moves it to negotiating.
func (s *DealService) SendMessage(ctx context.Context, dealID, senderID uuid.UUID, body string) (*models.DealMessage, error) {
	deal, err := s.getParticipantDeal(ctx, dealID, senderID)
	if err != nil {
		return nil, err
	}
	switch deal.Status {
	case models.DealStatusPending, models.DealStatusNegotiating,
		models.DealStatusPaymentPending, models.DealStatusPaid,
		models.DealStatusCreativeSubmitted, models.DealStatusCreativeApproved:
	default:
		return nil, fmt.Errorf("%w: cannot message a %s deal", ErrInvalidTransition, deal.Status)
	}

	msg := &models.DealMessage{DealID: dealID, SenderID: senderID, Body: body}
	if err := s.messages.Append(ctx, msg); err != nil {
		return nil, err
	}

	if deal.Status == models.DealStatusPending && senderID == deal.ChannelOwnerID {
		// Losing the race here is fine, the deal just stays pending.
		_, _ = s.deals.UpdateStatusIf(ctx, dealID, models.DealStatusPending, models.DealStatusNegotiating)
	}

	recipient := deal.AdvertiserID
	if senderID == deal.AdvertiserID {
		recipient = deal.ChannelOwnerID
	}
	_ = s.notifier.Notify(ctx, dealID, recipient, "deal_message", nil)
	return msg, nil
}

// AcceptDeal is the channel owner's commitment: it pins the owner payout
// wallet, derives the escrow address, and opens the payment window.
func (s *DealService) AcceptDeal(ctx context.Context, dealID, ownerID uuid.UUID, ownerWallet string) (*models.Deal, error) {
	if ownerWallet == "" {
		return nil, ErrWalletRequired
	}
	deal, err := s.getParticipantDeal(ctx, dealID, ownerID)
	if err != nil {
		return nil, err
	}
	if ownerID != deal.ChannelOwnerID {
		return nil, fmt.Errorf("%w: only the channel owner can accept", ErrNotParticipant)
	}
	if deal.Status != models.DealStatusPending && deal.Status != models.DealStatusNegotiating {
		return nil, fmt.Errorf("%w: deal is %s", ErrInvalidTransition, deal.Status)
	}

	escrowAddr, err := s.escrow.EscrowAddress(dealID)
	if err != nil {
		return nil, fmt.Errorf("derive escrow address: %w", err)
	}

	timeoutAt := time.Now().UTC().Add(s.paymentTimeout)
	moved, err := s.deals.AcceptWithEscrow(ctx, dealID, deal.Status, escrowAddr, ownerWallet, timeoutAt)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("%w: deal advanced concurrently", ErrInvalidTransition)
	}

	s.auditUser(ctx, ownerID, "deal_accepted", dealID, map[string]any{
		"escrow_address": escrowAddr,
	})
	_ = s.notifier.Notify(ctx, dealID, deal.AdvertiserID, "deal_accepted", map[string]any{
		"escrow_address": escrowAddr,
		"amount_ton":     deal.PriceTON.String(),
		"pay_before":     timeoutAt.Format(time.RFC3339),
	})

	s.log.Info("deal accepted",
		zap.String("deal_id", dealID.String()),
		zap.String("escrow_address", escrowAddr),
	)
	return s.deals.GetByID(ctx, dealID)
}

// DeclineDeal is a participant's negative outcome. Unfunded deals go
// straight to cancelled; funded ones go to declined and the refund sweep
// returns the escrow to the advertiser.
func (s *DealService) DeclineDeal(ctx context.Context, dealID, actorID uuid.UUID, reason string) (*models.Deal, error) {
	deal, err := s.getParticipantDeal(ctx, dealID, actorID)
	if err != nil {
		return nil, err
	}

	var moved bool
	if models.IsFundedStatus(deal.Status) {
		moved, err = s.deals.MarkDeclinedIf(ctx, dealID, deal.Status, reason)
	} else {
		switch deal.Status {
		case models.DealStatusPending, models.DealStatusNegotiating, models.DealStatusPaymentPending:
			moved, err = s.deals.UpdateStatusIf(ctx, dealID, deal.Status, models.DealStatusCancelled)
		default:
			return nil, fmt.Errorf("%w: cannot decline a %s deal", ErrInvalidTransition, deal.Status)
		}
	}
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("%w: deal advanced concurrently", ErrInvalidTransition)
	}

	s.auditUser(ctx, actorID, "deal_declined", dealID, map[string]any{
		"reason":      reason,
		"from_status": deal.Status,
	})
	other := deal.AdvertiserID
	if actorID == deal.AdvertiserID {
		other = deal.ChannelOwnerID
	}
	_ = s.notifier.Notify(ctx, dealID, other, reconcile.EventDealDeclined, map[string]any{
		"reason": reason,
	})
	return s.deals.GetByID(ctx, dealID)
}

// CancelDeal withdraws a deal before any funds are held.
func (s *DealService) CancelDeal(ctx context.Context, dealID, actorID uuid.UUID) (*models.Deal, error) {
	deal, err := s.getParticipantDeal(ctx, dealID, actorID)
	if err != nil {
		return nil, err
	}
	switch deal.Status {
	case models.DealStatusPending, models.DealStatusNegotiating, models.DealStatusPaymentPending:
	default:
		return nil, fmt.Errorf("%w: cannot cancel a %s deal", ErrInvalidTransition, deal.Status)
	}

	moved, err := s.deals.UpdateStatusIf(ctx, dealID, deal.Status, models.DealStatusCancelled)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("%w: deal advanced concurrently", ErrInvalidTransition)
	}

	s.auditUser(ctx, actorID, "deal_cancelled", dealID, map[string]any{
		"from_status": deal.Status,
	})
	other := deal.AdvertiserID
	if actorID == deal.AdvertiserID {
		other = deal.ChannelOwnerID
	}
	_ = s.notifier.Notify(ctx, dealID, other, reconcile.EventDealCancelled, nil)
	return s.deals.GetByID(ctx, dealID)
}

// ConfirmCompletion is the advertiser's early sign-off on a verified
// deal. It releases the escrow immediately instead of waiting out the
// auto-release window.
func (s *DealService) ConfirmCompletion(ctx context.Context, dealID, advertiserID uuid.UUID) (string, error) {
	deal, err := s.getParticipantDeal(ctx, dealID, advertiserID)
	if err != nil {
		return "", err
	}
	if advertiserID != deal.AdvertiserID {
		return "", fmt.Errorf("%w: only the advertiser can confirm completion", ErrNotParticipant)
	}
	if deal.Status != models.DealStatusVerified && deal.Status != models.DealStatusCompleted {
		return "", fmt.Errorf("%w: deal is %s, not verified", ErrInvalidTransition, deal.Status)
	}

	txHash, err := s.releaser.ReleaseFunds(ctx, dealID)
	if err != nil {
		return "", err
	}
	s.auditUser(ctx, advertiserID, "deal_completion_confirmed", dealID, map[string]any{
		"tx_hash": txHash,
	})
	return txHash, nil
}

func (s *DealService) GetDeal(ctx context.Context, dealID, actorID uuid.UUID) (*models.Deal, error) {
	return s.getParticipantDeal(ctx, dealID, actorID)
}

func (s *DealService) ListDeals(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Deal, error) {
	return s.deals.ListByParticipant(ctx, userID, limit, offset)
}

func (s *DealService) ListMessages(ctx context.Context, dealID, actorID uuid.UUID, limit, offset int) ([]models.DealMessage, error) {
	if _, err := s.getParticipantDeal(ctx, dealID, actorID); err != nil {
		return nil, err
	}
	return s.messages.ListByDeal(ctx, dealID, limit, offset)
}

func (s *DealService) getParticipantDeal(ctx context.Context, dealID, actorID uuid.UUID) (*models.Deal, error) {
	deal, err := s.deals.GetByID(ctx, dealID)
	if err != nil {
		return nil, ErrDealNotFound
	}
	if actorID != deal.AdvertiserID && actorID != deal.ChannelOwnerID {
		return nil, ErrNotParticipant
	}
	return deal, nil
}

func (s *DealService) auditUser(ctx context.Context, userID uuid.UUID, action string, dealID uuid.UUID, meta map[string]any) {
	err := s.audit.Log(ctx, models.AuditLog{
		ActorUserID: &userID,
		ActorType:   "user",
		Action:      action,
		EntityType:  "deal",
		EntityID:    &dealID,
		Meta:        meta,
	})
	if err != nil {
		s.log.Warn("audit log write failed", zap.String("action", action), zap.Error(err))
	}
}

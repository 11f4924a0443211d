package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Deal types
const (
	DealTypeListing  = "listing"
	DealTypeCampaign = "campaign"
)

// Ad formats
const (
	AdFormatPost   = "post"
	AdFormatRepost = "repost"
	AdFormatStory  = "story"
)

// Deal statuses
const (
	DealStatusPending           = "pending"
	DealStatusNegotiating       = "negotiating"
	DealStatusPaymentPending    = "payment_pending"
	DealStatusPaid              = "paid"
	DealStatusCreativeSubmitted = "creative_submitted"
	DealStatusCreativeApproved  = "creative_approved"
	DealStatusScheduled         = "scheduled"
	DealStatusPosted            = "posted"
	DealStatusVerified          = "verified"
	DealStatusCompleted         = "completed"
	DealStatusCancelled         = "cancelled"
	DealStatusRefunded          = "refunded"
	DealStatusDeclined          = "declined"
)

// Valid state transitions: from -> []to.
// Status only ever moves forward along this graph. Post-payment failure paths
// go through declined so the refund sweep owns the ledger transfer; cancelled
// is reachable only while the escrow holds nothing.
var ValidDealTransitions = map[string][]string{
	DealStatusPending:           {DealStatusNegotiating, DealStatusPaymentPending, DealStatusCancelled},
	DealStatusNegotiating:       {DealStatusPaymentPending, DealStatusCancelled},
	DealStatusPaymentPending:    {DealStatusPaid, DealStatusScheduled, DealStatusCancelled},
	DealStatusPaid:              {DealStatusCreativeSubmitted, DealStatusPosted, DealStatusDeclined},
	DealStatusCreativeSubmitted: {DealStatusCreativeApproved, DealStatusDeclined},
	DealStatusCreativeApproved:  {DealStatusScheduled, DealStatusPosted, DealStatusDeclined},
	DealStatusScheduled:         {DealStatusPosted, DealStatusDeclined},
	DealStatusPosted:            {DealStatusVerified, DealStatusDeclined},
	DealStatusVerified:          {DealStatusCompleted},
	DealStatusDeclined:          {DealStatusRefunded},
	DealStatusCompleted:         {},
	DealStatusCancelled:         {},
	DealStatusRefunded:          {},
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidDealTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

func IsValidAdFormat(f string) bool {
	return f == AdFormatPost || f == AdFormatRepost || f == AdFormatStory
}

// IsPublishableStatus reports whether the publication reconciler may post.
func IsPublishableStatus(s string) bool {
	return s == DealStatusPaid || s == DealStatusScheduled || s == DealStatusCreativeApproved
}

// IsFundedStatus reports whether the escrow holds the advertiser's funds.
func IsFundedStatus(s string) bool {
	switch s {
	case DealStatusPaid, DealStatusCreativeSubmitted, DealStatusCreativeApproved,
		DealStatusScheduled, DealStatusPosted, DealStatusVerified:
		return true
	}
	return false
}

type Deal struct {
	ID                      uuid.UUID       `json:"id"`
	DealType                string          `json:"deal_type"` // listing / campaign
	ChannelID               uuid.UUID       `json:"channel_id"`
	ChannelOwnerID          uuid.UUID       `json:"channel_owner_id"`
	AdvertiserID            uuid.UUID       `json:"advertiser_id"`
	AdFormat                string          `json:"ad_format"` // post / repost / story
	PriceTON                decimal.Decimal `json:"price_ton"`
	Status                  string          `json:"status"`
	EscrowAddress           *string         `json:"escrow_address,omitempty"`
	OwnerWalletAddress      *string         `json:"owner_wallet_address,omitempty"`
	AdvertiserWalletAddress *string         `json:"advertiser_wallet_address,omitempty"`
	PaymentTxHash           *string         `json:"payment_tx_hash,omitempty"`
	PaymentConfirmedAt      *time.Time      `json:"payment_confirmed_at,omitempty"`
	ScheduledPostTime       *time.Time      `json:"scheduled_post_time,omitempty"`
	ActualPostTime          *time.Time      `json:"actual_post_time,omitempty"`
	PostMessageID           *int64          `json:"post_message_id,omitempty"`
	PostVerificationUntil   *time.Time      `json:"post_verification_until,omitempty"`
	MinPublicationDays      int             `json:"min_publication_duration_days"`
	VerifiedAt              *time.Time      `json:"verified_at,omitempty"`
	DeclineReason           *string         `json:"decline_reason,omitempty"`
	ReleaseTxHash           *string         `json:"release_tx_hash,omitempty"`
	RefundTxHash            *string         `json:"refund_tx_hash,omitempty"`
	TimeoutAt               *time.Time      `json:"timeout_at,omitempty"`
	CreatedAt               time.Time       `json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// DealMessage is the append-only per-deal log: free-text negotiation plus the
// brief, which by convention is the first message of the deal. Never mutated.
type DealMessage struct {
	ID        uuid.UUID `json:"id"`
	DealID    uuid.UUID `json:"deal_id"`
	SenderID  uuid.UUID `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel is the publishing destination.
type Channel struct {
	ID             uuid.UUID `json:"id"`
	TelegramChatID int64     `json:"telegram_chat_id"`
	Username       string    `json:"username"`
	Title          string    `json:"title"`
	OwnerID        uuid.UUID `json:"owner_id"`
	CreatedAt      time.Time `json:"created_at"`
}

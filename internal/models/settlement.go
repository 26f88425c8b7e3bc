package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettlementRecord is written once per successful charge and never changed.
type SettlementRecord struct {
	ID                   uuid.UUID       `json:"id" db:"id"`
	SubscriptionID       uuid.UUID       `json:"subscription_id" db:"subscription_id"`
	DonorID              uuid.UUID       `json:"donor_id" db:"donor_id"`
	Amount               decimal.Decimal `json:"amount" db:"amount_cents"`
	FeeAmount            decimal.Decimal `json:"fee_amount" db:"fee_amount_cents"`
	TotalCharged         decimal.Decimal `json:"total_charged" db:"total_charged_cents"`
	Currency             string          `json:"currency" db:"currency"`
	Message              *string         `json:"message,omitempty" db:"message"`
	ReferralCode         *string         `json:"referral_code,omitempty" db:"referral_code"`
	CampaignID           *uuid.UUID      `json:"campaign_id,omitempty" db:"campaign_id"`
	GatewayTransactionID string          `json:"gateway_transaction_id" db:"gateway_transaction_id"`
	GatewayReference     string          `json:"gateway_reference" db:"gateway_reference"`
	LedgerID             *string         `json:"ledger_id,omitempty" db:"ledger_id"`
	PeriodDueDate        time.Time       `json:"period_due_date" db:"period_due_date"`
	ChargedAt            time.Time       `json:"charged_at" db:"charged_at"`
}

// SettlementAdvance carries the subscription changes committed together with
// a settlement record. ClaimToken and PeriodDueDate guard the update so a
// replica that lost its claim cannot advance the schedule.
type SettlementAdvance struct {
	SubscriptionID uuid.UUID
	ClaimToken     uuid.UUID
	PeriodDueDate  time.Time
	NextDueDate    time.Time
	ProcessedAt    time.Time
	Status         SubscriptionStatus
}

// SettlementFailure describes a declined or errored charge attempt.
type SettlementFailure struct {
	SubscriptionID uuid.UUID
	ClaimToken     uuid.UUID
	ErrorMessage   string
	FailedAttempts int
	Status         SubscriptionStatus
	RetryAfter     *time.Time
	At             time.Time
}

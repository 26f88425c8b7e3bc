package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SchedulerActor is recorded as modified_by for changes made by the
// settlement scheduler.
const SchedulerActor = "settlement-scheduler"

type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusPaused    SubscriptionStatus = "paused"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusFailed    SubscriptionStatus = "failed"
	StatusExpired   SubscriptionStatus = "expired"
)

// allowedTransitions lists the lifecycle moves a caller may request. The
// scheduler-owned moves (active -> failed, active -> expired) are applied
// directly by the settlement processor and are not listed here.
var allowedTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	StatusActive:  {StatusPaused, StatusCancelled},
	StatusPaused:  {StatusActive, StatusCancelled},
	StatusFailed:  {StatusCancelled},
	StatusExpired: {StatusCancelled},
}

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCancelled, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == StatusCancelled
}

func (s SubscriptionStatus) CanTransitionTo(next SubscriptionStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Frequency string

const (
	FrequencyMonthly  Frequency = "monthly"
	FrequencyAnnually Frequency = "annually"
)

func ParseFrequency(raw string) (Frequency, bool) {
	f := Frequency(strings.ToLower(strings.TrimSpace(raw)))
	return f, f.Valid()
}

func (f Frequency) Valid() bool {
	return f == FrequencyMonthly || f == FrequencyAnnually
}

// Advance moves t forward by one billing period. Month arithmetic clamps to
// the last day of the target month, so Jan 31 advances to Feb 28 (or 29).
func (f Frequency) Advance(t time.Time) time.Time {
	switch f {
	case FrequencyAnnually:
		return addMonthsClamped(t, 12)
	default:
		return addMonthsClamped(t, 1)
	}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	firstOfTarget := time.Date(y, m+time.Month(months), 1, hh, mm, ss, t.Nanosecond(), t.Location())
	if last := daysIn(firstOfTarget.Year(), firstOfTarget.Month(), t.Location()); d > last {
		d = last
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

type Subscription struct {
	ID                    uuid.UUID          `json:"id" db:"id"`
	DonorID               uuid.UUID          `json:"donor_id" db:"donor_id"`
	Amount                decimal.Decimal    `json:"amount" db:"amount_cents"`
	Currency              string             `json:"currency" db:"currency"`
	Frequency             Frequency          `json:"frequency" db:"frequency"`
	Status                SubscriptionStatus `json:"status" db:"status"`
	StartDate             time.Time          `json:"start_date" db:"start_date"`
	EndDate               *time.Time         `json:"end_date,omitempty" db:"end_date"`
	NextDueDate           time.Time          `json:"next_due_date" db:"next_due_date"`
	LastProcessedDate     *time.Time         `json:"last_processed_date,omitempty" db:"last_processed_date"`
	SuccessfulChargeCount int                `json:"successful_charge_count" db:"successful_charge_count"`
	FailedAttemptCount    int                `json:"failed_attempt_count" db:"failed_attempt_count"`
	RetryAfter            *time.Time         `json:"retry_after,omitempty" db:"retry_after"`
	PaymentToken          string             `json:"-" db:"payment_token"`
	CoverFee              bool               `json:"cover_fee" db:"cover_fee"`
	FeeAmount             decimal.Decimal    `json:"fee_amount" db:"fee_amount_cents"`
	Message               *string            `json:"message,omitempty" db:"message"`
	ReferralCode          *string            `json:"referral_code,omitempty" db:"referral_code"`
	CampaignID            *uuid.UUID         `json:"campaign_id,omitempty" db:"campaign_id"`
	LastErrorMessage      *string            `json:"last_error_message,omitempty" db:"last_error_message"`
	CancelledAt           *time.Time         `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CancelledBy           *string            `json:"cancelled_by,omitempty" db:"cancelled_by"`
	CancellationReason    *string            `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	Deleted               bool               `json:"-" db:"deleted"`
	CreatedBy             string             `json:"created_by" db:"created_by"`
	CreatedAt             time.Time          `json:"created_at" db:"created_at"`
	ModifiedBy            string             `json:"modified_by" db:"modified_by"`
	ModifiedAt            time.Time          `json:"modified_at" db:"modified_at"`
}

// IsDue reports whether the scheduler should charge the subscription at now.
func (s *Subscription) IsDue(now time.Time) bool {
	if s.Deleted || s.Status != StatusActive || s.PaymentToken == "" {
		return false
	}
	if s.NextDueDate.After(now) {
		return false
	}
	if s.EndDate != nil && !s.EndDate.After(now) {
		return false
	}
	return s.RetryAfter == nil || !s.RetryAfter.After(now)
}

// ChargeAmount is the pledge plus the processing fee when the donor covers it.
func (s *Subscription) ChargeAmount() decimal.Decimal {
	if s.CoverFee {
		return s.Amount.Add(s.FeeAmount)
	}
	return s.Amount
}

// MaskedToken returns the last four characters of the payment token.
func (s *Subscription) MaskedToken() string {
	if len(s.PaymentToken) <= 4 {
		return strings.Repeat("*", len(s.PaymentToken))
	}
	return "****" + s.PaymentToken[len(s.PaymentToken)-4:]
}

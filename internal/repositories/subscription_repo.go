package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"givecycle/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SubscriptionRepository persists subscriptions and the settlement claim lease.
type SubscriptionRepository interface {
	WithTx(tx DBTX) SubscriptionRepository

	Create(ctx context.Context, subscription *models.Subscription) error
	GetByID(ctx context.Context, id uuid.UUID, includeDeleted bool) (*models.Subscription, error)
	ListByDonor(ctx context.Context, donorID uuid.UUID, limit, offset int) ([]*models.Subscription, error)
	ListByDonorEmail(ctx context.Context, email string, limit, offset int) ([]*models.Subscription, error)
	ListByStatus(ctx context.Context, status models.SubscriptionStatus, limit, offset int) ([]*models.Subscription, error)
	CountByDonor(ctx context.Context, donorID uuid.UUID) (int, error)
	CountByDonorEmail(ctx context.Context, email string) (int, error)
	CountByStatus(ctx context.Context, status models.SubscriptionStatus) (int, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Subscription, error)
	Update(ctx context.Context, subscription *models.Subscription) error
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.SubscriptionStatus, actor string, at time.Time) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID, from models.SubscriptionStatus, actor, reason string, at time.Time) (bool, error)
	SoftDelete(ctx context.Context, id uuid.UUID, actor string, at time.Time) error

	ClaimForSettlement(ctx context.Context, id uuid.UUID, dueDate time.Time, token uuid.UUID, now, leaseUntil time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, id, token uuid.UUID) error
	AdvanceSchedule(ctx context.Context, advance *models.SettlementAdvance) (bool, error)
	IncrementSuccessfulCharges(ctx context.Context, id uuid.UUID, processedAt time.Time) error
	RecordFailure(ctx context.Context, failure *models.SettlementFailure) (bool, error)
	ExpireEnded(ctx context.Context, now time.Time) (int64, error)
}

const subscriptionColumns = `id, donor_id, amount_cents, currency, frequency, status, start_date, end_date,
		next_due_date, last_processed_date, successful_charge_count, failed_attempt_count, retry_after,
		payment_token, cover_fee, fee_amount_cents, message, referral_code, campaign_id, last_error_message,
		cancelled_at, cancelled_by, cancellation_reason, deleted, created_by, created_at, modified_by, modified_at`

type subscriptionRepo struct {
	db DBTX
}

// NewSubscriptionRepo creates a SubscriptionRepository over db.
func NewSubscriptionRepo(db DBTX) SubscriptionRepository {
	return &subscriptionRepo{db: db}
}

func (r *subscriptionRepo) WithTx(tx DBTX) SubscriptionRepository {
	return &subscriptionRepo{db: tx}
}

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	s := &models.Subscription{}
	var amountCents, feeCents int64
	err := row.Scan(&s.ID, &s.DonorID, &amountCents, &s.Currency, &s.Frequency, &s.Status, &s.StartDate, &s.EndDate,
		&s.NextDueDate, &s.LastProcessedDate, &s.SuccessfulChargeCount, &s.FailedAttemptCount, &s.RetryAfter,
		&s.PaymentToken, &s.CoverFee, &feeCents, &s.Message, &s.ReferralCode, &s.CampaignID, &s.LastErrorMessage,
		&s.CancelledAt, &s.CancelledBy, &s.CancellationReason, &s.Deleted, &s.CreatedBy, &s.CreatedAt, &s.ModifiedBy, &s.ModifiedAt)
	if err != nil {
		return nil, err
	}
	s.Amount = models.FromCents(amountCents)
	s.FeeAmount = models.FromCents(feeCents)
	return s, nil
}

func (r *subscriptionRepo) querySubscriptions(ctx context.Context, query string, args ...interface{}) ([]*models.Subscription, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subscriptions []*models.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subscriptions = append(subscriptions, s)
	}
	return subscriptions, rows.Err()
}

func (r *subscriptionRepo) count(ctx context.Context, query string, args ...interface{}) (int, error) {
	var total int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *subscriptionRepo) Create(ctx context.Context, s *models.Subscription) error {
	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27, $28)
	`
	_, err := r.db.Exec(ctx, query,
		s.ID, s.DonorID, models.ToCents(s.Amount), s.Currency, s.Frequency, s.Status, s.StartDate, s.EndDate,
		s.NextDueDate, s.LastProcessedDate, s.SuccessfulChargeCount, s.FailedAttemptCount, s.RetryAfter,
		s.PaymentToken, s.CoverFee, models.ToCents(s.FeeAmount), s.Message, s.ReferralCode, s.CampaignID, s.LastErrorMessage,
		s.CancelledAt, s.CancelledBy, s.CancellationReason, s.Deleted, s.CreatedBy, s.CreatedAt, s.ModifiedBy, s.ModifiedAt)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (r *subscriptionRepo) GetByID(ctx context.Context, id uuid.UUID, includeDeleted bool) (*models.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE id = $1 AND ($2::boolean OR deleted = false)
	`
	s, err := scanSubscription(r.db.QueryRow(ctx, query, id, includeDeleted))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

func (r *subscriptionRepo) ListByDonor(ctx context.Context, donorID uuid.UUID, limit, offset int) ([]*models.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE donor_id = $1 AND deleted = false
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`
	return r.querySubscriptions(ctx, query, donorID, limit, offset)
}

func (r *subscriptionRepo) ListByDonorEmail(ctx context.Context, email string, limit, offset int) ([]*models.Subscription, error) {
	query := `
		SELECT ` + prefixColumns("s", subscriptionColumns) + `
		FROM subscriptions s
		JOIN donors d ON d.id = s.donor_id
		WHERE lower(d.email) = lower($1) AND s.deleted = false
		ORDER BY s.created_at DESC, s.id
		LIMIT $2 OFFSET $3
	`
	return r.querySubscriptions(ctx, query, email, limit, offset)
}

func (r *subscriptionRepo) ListByStatus(ctx context.Context, status models.SubscriptionStatus, limit, offset int) ([]*models.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = $1 AND deleted = false
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`
	return r.querySubscriptions(ctx, query, status, limit, offset)
}

func (r *subscriptionRepo) CountByDonor(ctx context.Context, donorID uuid.UUID) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM subscriptions WHERE donor_id = $1 AND deleted = false`, donorID)
}

func (r *subscriptionRepo) CountByDonorEmail(ctx context.Context, email string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM subscriptions s
		JOIN donors d ON d.id = s.donor_id
		WHERE lower(d.email) = lower($1) AND s.deleted = false
	`
	return r.count(ctx, query, email)
}

func (r *subscriptionRepo) CountByStatus(ctx context.Context, status models.SubscriptionStatus) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM subscriptions WHERE status = $1 AND deleted = false`, status)
}

// ListDue returns chargeable subscriptions, oldest due date first. The
// predicate mirrors models.Subscription.IsDue and is served by
// idx_subscriptions_due.
func (r *subscriptionRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = 'active'
			AND deleted = false
			AND next_due_date <= $1
			AND (end_date IS NULL OR end_date > $1)
			AND payment_token <> ''
			AND (retry_after IS NULL OR retry_after <= $1)
		ORDER BY next_due_date ASC, id ASC
		LIMIT $2
	`
	return r.querySubscriptions(ctx, query, now, limit)
}

// Update writes the donor-editable fields only. Status, schedule and
// counters have their own targeted updates.
func (r *subscriptionRepo) Update(ctx context.Context, s *models.Subscription) error {
	query := `
		UPDATE subscriptions
		SET amount_cents = $2, payment_token = $3, cover_fee = $4, fee_amount_cents = $5, message = $6,
			referral_code = $7, campaign_id = $8, end_date = $9, modified_by = $10, modified_at = $11
		WHERE id = $1 AND deleted = false AND status <> 'cancelled'
	`
	tag, err := r.db.Exec(ctx, query, s.ID, models.ToCents(s.Amount), s.PaymentToken, s.CoverFee, models.ToCents(s.FeeAmount),
		s.Message, s.ReferralCode, s.CampaignID, s.EndDate, s.ModifiedBy, s.ModifiedAt)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// UpdateStatus moves the row from -> to and reports false when the row was
// no longer in the from state. Any pending retry gate is cleared.
func (r *subscriptionRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.SubscriptionStatus, actor string, at time.Time) (bool, error) {
	query := `
		UPDATE subscriptions
		SET status = $3, retry_after = NULL, modified_by = $4, modified_at = $5
		WHERE id = $1 AND status = $2 AND deleted = false
	`
	tag, err := r.db.Exec(ctx, query, id, from, to, actor, at)
	if err != nil {
		return false, fmt.Errorf("update subscription status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *subscriptionRepo) Cancel(ctx context.Context, id uuid.UUID, from models.SubscriptionStatus, actor, reason string, at time.Time) (bool, error) {
	query := `
		UPDATE subscriptions
		SET status = 'cancelled', cancelled_at = $3, cancelled_by = $4, cancellation_reason = NULLIF($5, ''),
			retry_after = NULL, claim_token = NULL, claimed_until = NULL, modified_by = $4, modified_at = $3
		WHERE id = $1 AND status = $2 AND deleted = false
	`
	tag, err := r.db.Exec(ctx, query, id, from, at, actor, reason)
	if err != nil {
		return false, fmt.Errorf("cancel subscription: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *subscriptionRepo) SoftDelete(ctx context.Context, id uuid.UUID, actor string, at time.Time) error {
	query := `
		UPDATE subscriptions
		SET deleted = true, modified_by = $2, modified_at = $3
		WHERE id = $1 AND deleted = false
	`
	tag, err := r.db.Exec(ctx, query, id, actor, at)
	if err != nil {
		return fmt.Errorf("soft delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ClaimForSettlement takes a short lease on a due row. Only one caller can
// win it for a given next_due_date; the lease expires so a crashed replica
// does not block the row forever. The due predicate is re-checked so a stale
// ListDue snapshot cannot claim a row that is backing off after a decline.
func (r *subscriptionRepo) ClaimForSettlement(ctx context.Context, id uuid.UUID, dueDate time.Time, token uuid.UUID, now, leaseUntil time.Time) (bool, error) {
	query := `
		UPDATE subscriptions
		SET claim_token = $3, claimed_until = $5
		WHERE id = $1
			AND next_due_date = $2
			AND status = 'active'
			AND deleted = false
			AND payment_token <> ''
			AND (retry_after IS NULL OR retry_after <= $4)
			AND (end_date IS NULL OR end_date > $4)
			AND (claimed_until IS NULL OR claimed_until <= $4)
	`
	tag, err := r.db.Exec(ctx, query, id, dueDate, token, now, leaseUntil)
	if err != nil {
		return false, fmt.Errorf("claim subscription: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *subscriptionRepo) ReleaseClaim(ctx context.Context, id, token uuid.UUID) error {
	query := `
		UPDATE subscriptions
		SET claim_token = NULL, claimed_until = NULL
		WHERE id = $1 AND claim_token = $2
	`
	_, err := r.db.Exec(ctx, query, id, token)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// AdvanceSchedule moves next_due_date forward after a successful charge.
// It only applies while the caller still holds the claim for the period it
// charged, and never moves the date backwards. The status is only changed
// while the row is still active, so a pause taken during the charge sticks.
func (r *subscriptionRepo) AdvanceSchedule(ctx context.Context, a *models.SettlementAdvance) (bool, error) {
	query := `
		UPDATE subscriptions
		SET next_due_date = $4, status = CASE WHEN status = 'active' THEN $5 ELSE status END,
			failed_attempt_count = 0, retry_after = NULL,
			last_error_message = NULL, claim_token = NULL, claimed_until = NULL,
			modified_by = $6, modified_at = $7
		WHERE id = $1 AND claim_token = $2 AND next_due_date = $3 AND $4 > next_due_date
	`
	tag, err := r.db.Exec(ctx, query, a.SubscriptionID, a.ClaimToken, a.PeriodDueDate, a.NextDueDate, a.Status,
		models.SchedulerActor, a.ProcessedAt)
	if err != nil {
		return false, fmt.Errorf("advance schedule: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *subscriptionRepo) IncrementSuccessfulCharges(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	query := `
		UPDATE subscriptions
		SET successful_charge_count = successful_charge_count + 1, last_processed_date = $2
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, id, processedAt)
	if err != nil {
		return fmt.Errorf("increment successful charges: %w", err)
	}
	return nil
}

// RecordFailure stores a declined attempt and releases the claim. next_due_date
// is left alone so the period is retried once retry_after passes. As with
// AdvanceSchedule, a row paused mid-charge keeps its status.
func (r *subscriptionRepo) RecordFailure(ctx context.Context, f *models.SettlementFailure) (bool, error) {
	query := `
		UPDATE subscriptions
		SET last_error_message = $3, failed_attempt_count = $4,
			status = CASE WHEN status = 'active' THEN $5 ELSE status END, retry_after = $6,
			claim_token = NULL, claimed_until = NULL, modified_by = $7, modified_at = $8
		WHERE id = $1 AND claim_token = $2
	`
	tag, err := r.db.Exec(ctx, query, f.SubscriptionID, f.ClaimToken, f.ErrorMessage, f.FailedAttempts, f.Status,
		f.RetryAfter, models.SchedulerActor, f.At)
	if err != nil {
		return false, fmt.Errorf("record settlement failure: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireEnded marks active and paused subscriptions whose end date has
// passed as expired and returns how many rows changed.
func (r *subscriptionRepo) ExpireEnded(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE subscriptions
		SET status = 'expired', retry_after = NULL, modified_by = $2, modified_at = $1
		WHERE status IN ('active', 'paused')
			AND deleted = false
			AND end_date IS NOT NULL
			AND end_date <= $1
			AND (claimed_until IS NULL OR claimed_until <= $1)
	`
	tag, err := r.db.Exec(ctx, query, now, models.SchedulerActor)
	if err != nil {
		return 0, fmt.Errorf("expire ended subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

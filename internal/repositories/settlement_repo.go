package repositories

import (
	"context"
	"errors"
	"fmt"

	"givecycle/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateSettlement is returned when a record already exists for the
// same subscription and period.
var ErrDuplicateSettlement = errors.New("settlement already recorded for period")

// SettlementRepository persists settlement records. Records are append-only.
type SettlementRepository interface {
	WithTx(tx DBTX) SettlementRepository

	Create(ctx context.Context, record *models.SettlementRecord) error
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit, offset int) ([]*models.SettlementRecord, error)
	CountBySubscription(ctx context.Context, subscriptionID uuid.UUID) (int, error)
	GetByGatewayTransactionID(ctx context.Context, transactionID string) (*models.SettlementRecord, error)
}

const settlementColumns = `id, subscription_id, donor_id, amount_cents, fee_amount_cents, total_charged_cents, currency,
		message, referral_code, campaign_id, gateway_transaction_id, gateway_reference, ledger_id, period_due_date, charged_at`

type settlementRepo struct {
	db DBTX
}

// NewSettlementRepo creates a SettlementRepository over db.
func NewSettlementRepo(db DBTX) SettlementRepository {
	return &settlementRepo{db: db}
}

func (r *settlementRepo) WithTx(tx DBTX) SettlementRepository {
	return &settlementRepo{db: tx}
}

func scanSettlement(row pgx.Row) (*models.SettlementRecord, error) {
	rec := &models.SettlementRecord{}
	var amountCents, feeCents, totalCents int64
	err := row.Scan(&rec.ID, &rec.SubscriptionID, &rec.DonorID, &amountCents, &feeCents, &totalCents, &rec.Currency,
		&rec.Message, &rec.ReferralCode, &rec.CampaignID, &rec.GatewayTransactionID, &rec.GatewayReference, &rec.LedgerID,
		&rec.PeriodDueDate, &rec.ChargedAt)
	if err != nil {
		return nil, err
	}
	rec.Amount = models.FromCents(amountCents)
	rec.FeeAmount = models.FromCents(feeCents)
	rec.TotalCharged = models.FromCents(totalCents)
	return rec, nil
}

func (r *settlementRepo) Create(ctx context.Context, rec *models.SettlementRecord) error {
	query := `
		INSERT INTO settlement_records (` + settlementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := r.db.Exec(ctx, query, rec.ID, rec.SubscriptionID, rec.DonorID, models.ToCents(rec.Amount),
		models.ToCents(rec.FeeAmount), models.ToCents(rec.TotalCharged), rec.Currency, rec.Message, rec.ReferralCode,
		rec.CampaignID, rec.GatewayTransactionID, rec.GatewayReference, rec.LedgerID, rec.PeriodDueDate, rec.ChargedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateSettlement
		}
		return fmt.Errorf("insert settlement record: %w", err)
	}
	return nil
}

func (r *settlementRepo) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit, offset int) ([]*models.SettlementRecord, error) {
	query := `
		SELECT ` + settlementColumns + `
		FROM settlement_records
		WHERE subscription_id = $1
		ORDER BY charged_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, subscriptionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.SettlementRecord
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *settlementRepo) CountBySubscription(ctx context.Context, subscriptionID uuid.UUID) (int, error) {
	var total int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM settlement_records WHERE subscription_id = $1`, subscriptionID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *settlementRepo) GetByGatewayTransactionID(ctx context.Context, transactionID string) (*models.SettlementRecord, error) {
	query := `
		SELECT ` + settlementColumns + `
		FROM settlement_records
		WHERE gateway_transaction_id = $1
	`
	rec, err := scanSettlement(r.db.QueryRow(ctx, query, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

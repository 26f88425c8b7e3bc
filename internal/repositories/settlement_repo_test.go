package repositories

import (
	"context"
	"regexp"
	"testing"
	"time"

	"givecycle/internal/models"

	"github.com/google/uuid"
	pgx "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

var settlementColumnNames = []string{
	"id", "subscription_id", "donor_id", "amount_cents", "fee_amount_cents", "total_charged_cents", "currency",
	"message", "referral_code", "campaign_id", "gateway_transaction_id", "gateway_reference", "ledger_id",
	"period_due_date", "charged_at",
}

type SettlementRepoTestSuite struct {
	suite.Suite
	mock    pgxmock.PgxPoolIface
	repo    SettlementRepository
	now     time.Time
	context context.Context
}

func (suite *SettlementRepoTestSuite) SetupTest() {
	mock, err := pgxmock.NewPool()
	assert.NoError(suite.T(), err)
	suite.mock = mock
	suite.repo = NewSettlementRepo(mock)
	suite.now = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	suite.context = context.Background()
}

func (suite *SettlementRepoTestSuite) TearDownTest() {
	assert.NoError(suite.T(), suite.mock.ExpectationsWereMet())
	suite.mock.Close()
}

// anyArgs matches n positional arguments of any value.
func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestSettlementRepoTestSuite(t *testing.T) {
	suite.Run(t, new(SettlementRepoTestSuite))
}

func (suite *SettlementRepoTestSuite) record() *models.SettlementRecord {
	return &models.SettlementRecord{
		ID:                   uuid.New(),
		SubscriptionID:       uuid.New(),
		DonorID:              uuid.New(),
		Amount:               decimal.RequireFromString("25.00"),
		FeeAmount:            decimal.RequireFromString("1.03"),
		TotalCharged:         decimal.RequireFromString("26.03"),
		Currency:             "USD",
		GatewayTransactionID: "txn_123",
		GatewayReference:     "ref-1",
		PeriodDueDate:        suite.now,
		ChargedAt:            suite.now,
	}
}

func (suite *SettlementRepoTestSuite) TestCreate_StoresCents() {
	rec := suite.record()

	suite.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settlement_records")).
		WithArgs(rec.ID, rec.SubscriptionID, rec.DonorID, int64(2500), int64(103), int64(2603), "USD", rec.Message,
			rec.ReferralCode, rec.CampaignID, "txn_123", "ref-1", rec.LedgerID, suite.now, suite.now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := suite.repo.Create(suite.context, rec)
	assert.NoError(suite.T(), err)
}

func (suite *SettlementRepoTestSuite) TestCreate_DuplicatePeriod() {
	suite.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settlement_records")).
		WithArgs(anyArgs(15)...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "settlement_records_subscription_period_key"})

	err := suite.repo.Create(suite.context, suite.record())
	assert.ErrorIs(suite.T(), err, ErrDuplicateSettlement)
}

func (suite *SettlementRepoTestSuite) TestListBySubscription() {
	subID := uuid.New()
	ledger := "ledger-9"
	rows := pgxmock.NewRows(settlementColumnNames).
		AddRow(uuid.New(), subID, uuid.New(), int64(2500), int64(0), int64(2500), "USD",
			(*string)(nil), (*string)(nil), (*uuid.UUID)(nil), "txn_2", "ref-2", &ledger, suite.now, suite.now).
		AddRow(uuid.New(), subID, uuid.New(), int64(2500), int64(0), int64(2500), "USD",
			(*string)(nil), (*string)(nil), (*uuid.UUID)(nil), "txn_1", "ref-1", (*string)(nil), suite.now.AddDate(0, -1, 0), suite.now.AddDate(0, -1, 0))

	suite.mock.ExpectQuery(regexp.QuoteMeta("FROM settlement_records WHERE subscription_id = $1 ORDER BY charged_at DESC")).
		WithArgs(subID, 20, 0).
		WillReturnRows(rows)

	result, err := suite.repo.ListBySubscription(suite.context, subID, 20, 0)
	assert.NoError(suite.T(), err)
	assert.Len(suite.T(), result, 2)
	assert.Equal(suite.T(), "ledger-9", *result[0].LedgerID)
	assert.True(suite.T(), result[0].TotalCharged.Equal(decimal.NewFromInt(25)))
	assert.Nil(suite.T(), result[1].LedgerID)
}

func (suite *SettlementRepoTestSuite) TestGetByGatewayTransactionID_NotFound() {
	suite.mock.ExpectQuery(regexp.QuoteMeta("WHERE gateway_transaction_id = $1")).
		WithArgs("txn_missing").
		WillReturnError(pgx.ErrNoRows)

	result, err := suite.repo.GetByGatewayTransactionID(suite.context, "txn_missing")
	assert.ErrorIs(suite.T(), err, models.ErrNotFound)
	assert.Nil(suite.T(), result)
}

func (suite *SettlementRepoTestSuite) TestCountBySubscription() {
	subID := uuid.New()
	suite.mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM settlement_records")).
		WithArgs(subID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	total, err := suite.repo.CountBySubscription(suite.context, subID)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), 7, total)
}

func TestDonorRepo_GetByEmail(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	repo := NewDonorRepo(mock)
	donorID := uuid.New()
	created := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM donors WHERE lower(email) = lower($1)")).
		WithArgs("Jane@Example.com").
		WillReturnRows(pgxmock.NewRows([]string{"id", "email", "full_name", "created_at"}).
			AddRow(donorID, "jane@example.com", "Jane Doe", created))
	mock.ExpectQuery(regexp.QuoteMeta("FROM donors WHERE lower(email) = lower($1)")).
		WithArgs("nobody@example.com").
		WillReturnError(pgx.ErrNoRows)

	donor, err := repo.GetByEmail(context.Background(), "Jane@Example.com")
	assert.NoError(t, err)
	assert.Equal(t, donorID, donor.ID)
	assert.Equal(t, "Jane Doe", donor.FullName)

	_, err = repo.GetByEmail(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepo_GetByID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	assert.NoError(t, err)
	defer mock.Close()

	repo := NewCampaignRepo(mock)
	campaignID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM campaigns WHERE id = $1")).
		WithArgs(campaignID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "code", "name", "active"}).
			AddRow(campaignID, "WINTER24", "Winter Appeal", true))

	campaign, err := repo.GetByID(context.Background(), campaignID)
	assert.NoError(t, err)
	assert.Equal(t, "WINTER24", campaign.Code)
	assert.True(t, campaign.Active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

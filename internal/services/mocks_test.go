package services

import (
	"context"
	"time"

	"givecycle/internal/models"
	"givecycle/internal/repositories"
	"givecycle/pkg/rabbitmq"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type MockSubscriptionRepository struct {
	mock.Mock
}

func (m *MockSubscriptionRepository) WithTx(tx repositories.DBTX) repositories.SubscriptionRepository {
	return m
}

func (m *MockSubscriptionRepository) Create(ctx context.Context, s *models.Subscription) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockSubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID, includeDeleted bool) (*models.Subscription, error) {
	args := m.Called(ctx, id, includeDeleted)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Subscription), args.Error(1)
}

func (m *MockSubscriptionRepository) ListByDonor(ctx context.Context, donorID uuid.UUID, limit, offset int) ([]*models.Subscription, error) {
	args := m.Called(ctx, donorID, limit, offset)
	return args.Get(0).([]*models.Subscription), args.Error(1)
}

func (m *MockSubscriptionRepository) ListByDonorEmail(ctx context.Context, email string, limit, offset int) ([]*models.Subscription, error) {
	args := m.Called(ctx, email, limit, offset)
	return args.Get(0).([]*models.Subscription), args.Error(1)
}

func (m *MockSubscriptionRepository) ListByStatus(ctx context.Context, status models.SubscriptionStatus, limit, offset int) ([]*models.Subscription, error) {
	args := m.Called(ctx, status, limit, offset)
	return args.Get(0).([]*models.Subscription), args.Error(1)
}

func (m *MockSubscriptionRepository) CountByDonor(ctx context.Context, donorID uuid.UUID) (int, error) {
	args := m.Called(ctx, donorID)
	return args.Int(0), args.Error(1)
}

func (m *MockSubscriptionRepository) CountByDonorEmail(ctx context.Context, email string) (int, error) {
	args := m.Called(ctx, email)
	return args.Int(0), args.Error(1)
}

func (m *MockSubscriptionRepository) CountByStatus(ctx context.Context, status models.SubscriptionStatus) (int, error) {
	args := m.Called(ctx, status)
	return args.Int(0), args.Error(1)
}

func (m *MockSubscriptionRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Subscription, error) {
	args := m.Called(ctx, now, limit)
	return args.Get(0).([]*models.Subscription), args.Error(1)
}

func (m *MockSubscriptionRepository) Update(ctx context.Context, s *models.Subscription) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockSubscriptionRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to models.SubscriptionStatus, actor string, at time.Time) (bool, error) {
	args := m.Called(ctx, id, from, to, actor, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockSubscriptionRepository) Cancel(ctx context.Context, id uuid.UUID, from models.SubscriptionStatus, actor, reason string, at time.Time) (bool, error) {
	args := m.Called(ctx, id, from, actor, reason, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockSubscriptionRepository) SoftDelete(ctx context.Context, id uuid.UUID, actor string, at time.Time) error {
	args := m.Called(ctx, id, actor, at)
	return args.Error(0)
}

func (m *MockSubscriptionRepository) ClaimForSettlement(ctx context.Context, id uuid.UUID, dueDate time.Time, token uuid.UUID, now, leaseUntil time.Time) (bool, error) {
	args := m.Called(ctx, id, dueDate, token, now, leaseUntil)
	return args.Bool(0), args.Error(1)
}

func (m *MockSubscriptionRepository) ReleaseClaim(ctx context.Context, id, token uuid.UUID) error {
	args := m.Called(ctx, id, token)
	return args.Error(0)
}

func (m *MockSubscriptionRepository) AdvanceSchedule(ctx context.Context, a *models.SettlementAdvance) (bool, error) {
	args := m.Called(ctx, a)
	return args.Bool(0), args.Error(1)
}

func (m *MockSubscriptionRepository) IncrementSuccessfulCharges(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	args := m.Called(ctx, id, processedAt)
	return args.Error(0)
}

func (m *MockSubscriptionRepository) RecordFailure(ctx context.Context, f *models.SettlementFailure) (bool, error) {
	args := m.Called(ctx, f)
	return args.Bool(0), args.Error(1)
}

func (m *MockSubscriptionRepository) ExpireEnded(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

type MockSettlementRepository struct {
	mock.Mock
}

func (m *MockSettlementRepository) WithTx(tx repositories.DBTX) repositories.SettlementRepository {
	return m
}

func (m *MockSettlementRepository) Create(ctx context.Context, rec *models.SettlementRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockSettlementRepository) ListBySubscription(ctx context.Context, id uuid.UUID, limit, offset int) ([]*models.SettlementRecord, error) {
	args := m.Called(ctx, id, limit, offset)
	return args.Get(0).([]*models.SettlementRecord), args.Error(1)
}

func (m *MockSettlementRepository) CountBySubscription(ctx context.Context, id uuid.UUID) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *MockSettlementRepository) GetByGatewayTransactionID(ctx context.Context, txID string) (*models.SettlementRecord, error) {
	args := m.Called(ctx, txID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SettlementRecord), args.Error(1)
}

type MockDonorRepository struct {
	mock.Mock
}

func (m *MockDonorRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Donor, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Donor), args.Error(1)
}

func (m *MockDonorRepository) GetByEmail(ctx context.Context, email string) (*models.Donor, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Donor), args.Error(1)
}

type MockCampaignRepository struct {
	mock.Mock
}

func (m *MockCampaignRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Campaign), args.Error(1)
}

type MockCacheService struct {
	mock.Mock
}

func (m *MockCacheService) GetSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Subscription), args.Error(1)
}

func (m *MockCacheService) SetSubscription(ctx context.Context, s *models.Subscription, ttl time.Duration) error {
	args := m.Called(ctx, s, ttl)
	return args.Error(0)
}

func (m *MockCacheService) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockCacheService) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	args := m.Called(ctx, exchange, routingKey, body)
	return args.Error(0)
}

func (m *MockPublisher) PublishSubscriptionEvent(ctx context.Context, routingKey string, event rabbitmq.SubscriptionEvent) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *MockPublisher) Close() {}

package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"givecycle/internal/caching"
	"givecycle/internal/models"
	"givecycle/internal/repositories"
	"givecycle/pkg/rabbitmq"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SubscriptionService is the lifecycle engine: it creates subscriptions and
// applies every caller-initiated state change.
type SubscriptionService interface {
	CreateSubscription(ctx context.Context, req *CreateSubscriptionRequest, actor string) (*models.Subscription, error)
	GetSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	ListSubscriptions(ctx context.Context, filter ListSubscriptionsFilter) (*SubscriptionPage, error)
	ListSettlements(ctx context.Context, id uuid.UUID, page, pageSize int) (*SettlementPage, error)

	Pause(ctx context.Context, id uuid.UUID, actor string) (*models.Subscription, error)
	Resume(ctx context.Context, id uuid.UUID, actor string) (*models.Subscription, error)
	Cancel(ctx context.Context, id uuid.UUID, actor, reason string) (*models.Subscription, error)
	UpdateAmount(ctx context.Context, id uuid.UUID, amount decimal.Decimal, actor string) (*models.Subscription, error)
	UpdatePaymentToken(ctx context.Context, id uuid.UUID, token, actor string) (*models.Subscription, error)
	UpdateSubscription(ctx context.Context, id uuid.UUID, req *UpdateSubscriptionRequest, actor string) (*models.Subscription, error)
	DeleteSubscription(ctx context.Context, id uuid.UUID, actor string) error
}

// CreateSubscriptionRequest is the payload for a new recurring donation.
type CreateSubscriptionRequest struct {
	DonorEmail   string          `json:"donor_email" validate:"required,email"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency" validate:"omitempty,iso4217"`
	Frequency    string          `json:"frequency" validate:"required"`
	StartDate    *time.Time      `json:"start_date,omitempty"`
	EndDate      *time.Time      `json:"end_date,omitempty"`
	PaymentToken string          `json:"payment_token" validate:"required,max=255"`
	CoverFee     bool            `json:"cover_fee"`
	FeeAmount    decimal.Decimal `json:"fee_amount"`
	Message      *string         `json:"message,omitempty" validate:"omitempty,max=500"`
	ReferralCode *string         `json:"referral_code,omitempty" validate:"omitempty,max=64"`
	CampaignID   *uuid.UUID      `json:"campaign_id,omitempty"`
}

// UpdateSubscriptionRequest changes only the fields that are set.
type UpdateSubscriptionRequest struct {
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	PaymentToken *string          `json:"payment_token,omitempty" validate:"omitempty,min=1,max=255"`
	CoverFee     *bool            `json:"cover_fee,omitempty"`
	FeeAmount    *decimal.Decimal `json:"fee_amount,omitempty"`
	Message      *string          `json:"message,omitempty" validate:"omitempty,max=500"`
	EndDate      *time.Time       `json:"end_date,omitempty"`
}

type ListSubscriptionsFilter struct {
	DonorEmail string
	DonorID    *uuid.UUID
	Status     string
	Page       int
	PageSize   int
}

// SubscriptionPage is one page of a subscription listing.
type SubscriptionPage struct {
	Items    []*models.Subscription `json:"items"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"page_size"`
	Total    int                    `json:"total"`
}

// SettlementPage is one page of a subscription's charge history.
type SettlementPage struct {
	Items    []*models.SettlementRecord `json:"items"`
	Page     int                        `json:"page"`
	PageSize int                        `json:"page_size"`
	Total    int                        `json:"total"`
}

// SubscriptionServiceConfig carries the business limits applied on create.
// An empty SupportedCurrencies accepts any ISO 4217 code.
type SubscriptionServiceConfig struct {
	MinimumAmount       decimal.Decimal
	DefaultCurrency     string
	SupportedCurrencies []string
	CacheTTL            time.Duration
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
	// casAttempts bounds how often a status change is retried when another
	// writer moved the row between our read and our write.
	casAttempts = 3
)

type subscriptionService struct {
	subscriptionRepo repositories.SubscriptionRepository
	settlementRepo   repositories.SettlementRepository
	donorRepo        repositories.DonorRepository
	campaignRepo     repositories.CampaignRepository
	cache            caching.CacheService
	publisher        rabbitmq.Publisher
	clock            clockwork.Clock
	validate         *validator.Validate
	cfg              SubscriptionServiceConfig
	logger           *zap.Logger
}

// NewSubscriptionService creates a SubscriptionService. A zero MinimumAmount
// or empty DefaultCurrency in cfg falls back to the package defaults.
func NewSubscriptionService(
	subscriptionRepo repositories.SubscriptionRepository,
	settlementRepo repositories.SettlementRepository,
	donorRepo repositories.DonorRepository,
	campaignRepo repositories.CampaignRepository,
	cache caching.CacheService,
	publisher rabbitmq.Publisher,
	clock clockwork.Clock,
	cfg SubscriptionServiceConfig,
	logger *zap.Logger,
) SubscriptionService {
	if cfg.MinimumAmount.IsZero() {
		cfg.MinimumAmount = models.DefaultMinimumAmount
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	return &subscriptionService{
		subscriptionRepo: subscriptionRepo,
		settlementRepo:   settlementRepo,
		donorRepo:        donorRepo,
		campaignRepo:     campaignRepo,
		cache:            cache,
		publisher:        publisher,
		clock:            clock,
		validate:         newValidator(),
		cfg:              cfg,
		logger:           logger,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError turns the first validator failure into a ValidationError.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch fe.Tag() {
		case "required":
			return models.NewValidationError(fe.Field(), "is required")
		case "email":
			return models.NewValidationError(fe.Field(), "must be a valid email address")
		case "iso4217":
			return models.NewValidationError(fe.Field(), "must be an ISO 4217 currency code")
		case "max":
			return models.NewValidationError(fe.Field(), "must be at most "+fe.Param()+" characters")
		case "min":
			return models.NewValidationError(fe.Field(), "must not be empty")
		default:
			return models.NewValidationError(fe.Field(), "is invalid")
		}
	}
	return models.NewValidationError("request", err.Error())
}

func (s *subscriptionService) validateAmount(amount decimal.Decimal) error {
	if !models.HasCentPrecision(amount) {
		return models.NewValidationError("amount", "must have at most two decimal places")
	}
	if amount.LessThan(s.cfg.MinimumAmount) {
		return models.NewValidationError("amount", "must be at least "+s.cfg.MinimumAmount.StringFixed(2))
	}
	return nil
}

func validateFee(fee decimal.Decimal) error {
	if fee.IsNegative() {
		return models.NewValidationError("fee_amount", "must not be negative")
	}
	if !models.HasCentPrecision(fee) {
		return models.NewValidationError("fee_amount", "must have at most two decimal places")
	}
	return nil
}

func (s *subscriptionService) CreateSubscription(ctx context.Context, req *CreateSubscriptionRequest, actor string) (*models.Subscription, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if err := s.validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if err := validateFee(req.FeeAmount); err != nil {
		return nil, err
	}
	frequency, ok := models.ParseFrequency(req.Frequency)
	if !ok {
		return nil, models.NewValidationError("frequency", "must be monthly or annually")
	}
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}
	if !s.settles(currency) {
		return nil, models.NewValidationError("currency",
			fmt.Sprintf("currency %s cannot be settled by the payment gateway (supported: %s)", currency, strings.Join(s.cfg.SupportedCurrencies, ", ")))
	}

	now := s.clock.Now()
	startDate := now
	if req.StartDate != nil {
		startDate = *req.StartDate
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		if startDate.Before(today) {
			return nil, models.NewValidationError("start_date", "must not be in the past")
		}
	}
	if req.EndDate != nil && !req.EndDate.After(startDate) {
		return nil, models.NewValidationError("end_date", "must be after start_date")
	}

	donor, err := s.donorRepo.GetByEmail(ctx, req.DonorEmail)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewValidationError("donor_email", "no donor with this email")
		}
		return nil, fmt.Errorf("failed to look up donor: %w", err)
	}

	if req.CampaignID != nil {
		campaign, err := s.campaignRepo.GetByID(ctx, *req.CampaignID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil, models.NewValidationError("campaign_id", "campaign does not exist")
			}
			return nil, fmt.Errorf("failed to look up campaign: %w", err)
		}
		if !campaign.Active {
			return nil, models.NewValidationError("campaign_id", "campaign is not active")
		}
	}

	if actor == "" {
		actor = donor.Email
	}

	subscription := &models.Subscription{
		ID:           uuid.New(),
		DonorID:      donor.ID,
		Amount:       req.Amount,
		Currency:     currency,
		Frequency:    frequency,
		Status:       models.StatusActive,
		StartDate:    startDate,
		EndDate:      req.EndDate,
		NextDueDate:  startDate,
		PaymentToken: req.PaymentToken,
		CoverFee:     req.CoverFee,
		FeeAmount:    req.FeeAmount,
		Message:      req.Message,
		ReferralCode: req.ReferralCode,
		CampaignID:   req.CampaignID,
		CreatedBy:    actor,
		CreatedAt:    now,
		ModifiedBy:   actor,
		ModifiedAt:   now,
	}

	if err := s.subscriptionRepo.Create(ctx, subscription); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	s.logger.Info("subscription created",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("donor_id", donor.ID.String()),
		zap.String("frequency", string(frequency)),
		zap.String("amount", subscription.Amount.StringFixed(2)))
	s.publish(ctx, rabbitmq.RoutingSubscriptionCreated, subscription, donor.Email, actor, "")
	return subscription, nil
}

// GetSubscription serves from the snapshot cache when it can.
func (s *subscriptionService) GetSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	cached, err := s.cache.GetSubscription(ctx, id)
	if err != nil {
		s.logger.Warn("subscription cache read failed", zap.String("subscription_id", id.String()), zap.Error(err))
	}
	if cached != nil {
		return cached, nil
	}

	subscription, err := s.subscriptionRepo.GetByID(ctx, id, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if err := s.cache.SetSubscription(ctx, subscription, s.cfg.CacheTTL); err != nil {
		s.logger.Warn("subscription cache write failed", zap.String("subscription_id", id.String()), zap.Error(err))
	}
	return subscription, nil
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

func (s *subscriptionService) ListSubscriptions(ctx context.Context, filter ListSubscriptionsFilter) (*SubscriptionPage, error) {
	page, pageSize := normalizePage(filter.Page, filter.PageSize)
	offset := (page - 1) * pageSize

	var (
		items []*models.Subscription
		total int
		err   error
	)
	switch {
	case filter.DonorEmail != "":
		if items, err = s.subscriptionRepo.ListByDonorEmail(ctx, filter.DonorEmail, pageSize, offset); err == nil {
			total, err = s.subscriptionRepo.CountByDonorEmail(ctx, filter.DonorEmail)
		}
	case filter.DonorID != nil:
		if items, err = s.subscriptionRepo.ListByDonor(ctx, *filter.DonorID, pageSize, offset); err == nil {
			total, err = s.subscriptionRepo.CountByDonor(ctx, *filter.DonorID)
		}
	case filter.Status != "":
		status := models.SubscriptionStatus(strings.ToLower(filter.Status))
		if !status.Valid() {
			return nil, models.NewValidationError("status", "unknown status")
		}
		if items, err = s.subscriptionRepo.ListByStatus(ctx, status, pageSize, offset); err == nil {
			total, err = s.subscriptionRepo.CountByStatus(ctx, status)
		}
	default:
		return nil, models.NewValidationError("filter", "donor_email, donor_id or status is required")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	if items == nil {
		items = []*models.Subscription{}
	}
	return &SubscriptionPage{Items: items, Page: page, PageSize: pageSize, Total: total}, nil
}

func (s *subscriptionService) ListSettlements(ctx context.Context, id uuid.UUID, page, pageSize int) (*SettlementPage, error) {
	if _, err := s.subscriptionRepo.GetByID(ctx, id, true); err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	page, pageSize = normalizePage(page, pageSize)
	items, err := s.settlementRepo.ListBySubscription(ctx, id, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	total, err := s.settlementRepo.CountBySubscription(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count settlements: %w", err)
	}
	if items == nil {
		items = []*models.SettlementRecord{}
	}
	return &SettlementPage{Items: items, Page: page, PageSize: pageSize, Total: total}, nil
}

func (s *subscriptionService) Pause(ctx context.Context, id uuid.UUID, actor string) (*models.Subscription, error) {
	return s.transition(ctx, id, models.StatusPaused, actor, "", rabbitmq.RoutingSubscriptionPaused)
}

// Resume reactivates a paused subscription. A NextDueDate already in the
// past is kept, so the next cycle charges it straight away.
func (s *subscriptionService) Resume(ctx context.Context, id uuid.UUID, actor string) (*models.Subscription, error) {
	return s.transition(ctx, id, models.StatusActive, actor, "", rabbitmq.RoutingSubscriptionResumed)
}

func (s *subscriptionService) Cancel(ctx context.Context, id uuid.UUID, actor, reason string) (*models.Subscription, error) {
	return s.transition(ctx, id, models.StatusCancelled, actor, reason, rabbitmq.RoutingSubscriptionCancelled)
}

func checkTransition(from, to models.SubscriptionStatus) error {
	if from.IsTerminal() {
		return models.ErrAlreadyTerminal
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidStateTransition, from, to)
	}
	return nil
}

func (s *subscriptionService) transition(ctx context.Context, id uuid.UUID, to models.SubscriptionStatus, actor, reason, routingKey string) (*models.Subscription, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		subscription, err := s.subscriptionRepo.GetByID(ctx, id, false)
		if err != nil {
			return nil, fmt.Errorf("failed to get subscription: %w", err)
		}
		if err := checkTransition(subscription.Status, to); err != nil {
			return nil, err
		}

		now := s.clock.Now()
		var applied bool
		if to == models.StatusCancelled {
			applied, err = s.subscriptionRepo.Cancel(ctx, id, subscription.Status, actor, reason, now)
		} else {
			applied, err = s.subscriptionRepo.UpdateStatus(ctx, id, subscription.Status, to, actor, now)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update subscription status: %w", err)
		}
		if !applied {
			continue
		}

		from := subscription.Status
		subscription.Status = to
		subscription.RetryAfter = nil
		subscription.ModifiedBy = actor
		subscription.ModifiedAt = now
		if to == models.StatusCancelled {
			subscription.CancelledAt = &now
			subscription.CancelledBy = &actor
			if reason != "" {
				subscription.CancellationReason = &reason
			}
		}

		s.invalidate(ctx, id)
		s.logger.Info("subscription status changed",
			zap.String("subscription_id", id.String()),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("actor", actor))
		s.publish(ctx, routingKey, subscription, "", actor, reason)
		return subscription, nil
	}
	return nil, fmt.Errorf("%w: subscription was modified concurrently", models.ErrInvalidStateTransition)
}

func (s *subscriptionService) UpdateAmount(ctx context.Context, id uuid.UUID, amount decimal.Decimal, actor string) (*models.Subscription, error) {
	return s.UpdateSubscription(ctx, id, &UpdateSubscriptionRequest{Amount: &amount}, actor)
}

func (s *subscriptionService) UpdatePaymentToken(ctx context.Context, id uuid.UUID, token, actor string) (*models.Subscription, error) {
	return s.UpdateSubscription(ctx, id, &UpdateSubscriptionRequest{PaymentToken: &token}, actor)
}

// UpdateSubscription applies donor edits. Amount changes need an active or
// paused subscription; a new token is also accepted while failed so the donor
// can fix their card. NextDueDate is never touched.
func (s *subscriptionService) UpdateSubscription(ctx context.Context, id uuid.UUID, req *UpdateSubscriptionRequest, actor string) (*models.Subscription, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	subscription, err := s.subscriptionRepo.GetByID(ctx, id, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if subscription.Status.IsTerminal() {
		return nil, models.ErrAlreadyTerminal
	}

	editable := subscription.Status == models.StatusActive || subscription.Status == models.StatusPaused
	if req.Amount != nil {
		if !editable {
			return nil, fmt.Errorf("%w: amount cannot change while %s", models.ErrInvalidStateTransition, subscription.Status)
		}
		if err := s.validateAmount(*req.Amount); err != nil {
			return nil, err
		}
		subscription.Amount = *req.Amount
	}
	if req.PaymentToken != nil {
		if !editable && subscription.Status != models.StatusFailed {
			return nil, fmt.Errorf("%w: payment token cannot change while %s", models.ErrInvalidStateTransition, subscription.Status)
		}
		if strings.TrimSpace(*req.PaymentToken) == "" {
			return nil, models.NewValidationError("payment_token", "must not be empty")
		}
		subscription.PaymentToken = *req.PaymentToken
	}
	if req.CoverFee != nil {
		subscription.CoverFee = *req.CoverFee
	}
	if req.FeeAmount != nil {
		if err := validateFee(*req.FeeAmount); err != nil {
			return nil, err
		}
		subscription.FeeAmount = *req.FeeAmount
	}
	if req.Message != nil {
		subscription.Message = req.Message
	}

	now := s.clock.Now()
	if req.EndDate != nil {
		if !req.EndDate.After(subscription.StartDate) || !req.EndDate.After(now) {
			return nil, models.NewValidationError("end_date", "must be after start_date and in the future")
		}
		subscription.EndDate = req.EndDate
	}

	subscription.ModifiedBy = actor
	subscription.ModifiedAt = now
	if err := s.subscriptionRepo.Update(ctx, subscription); err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	s.invalidate(ctx, id)
	s.logger.Info("subscription updated", zap.String("subscription_id", id.String()), zap.String("actor", actor))
	return subscription, nil
}

// DeleteSubscription soft-deletes a subscription that can no longer be
// charged. Active and paused subscriptions must be cancelled first.
func (s *subscriptionService) DeleteSubscription(ctx context.Context, id uuid.UUID, actor string) error {
	subscription, err := s.subscriptionRepo.GetByID(ctx, id, false)
	if err != nil {
		return fmt.Errorf("failed to get subscription: %w", err)
	}
	if subscription.Status == models.StatusActive || subscription.Status == models.StatusPaused {
		return fmt.Errorf("%w: cancel the subscription before deleting it", models.ErrInvalidStateTransition)
	}
	if err := s.subscriptionRepo.SoftDelete(ctx, id, actor, s.clock.Now()); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *subscriptionService) invalidate(ctx context.Context, id uuid.UUID) {
	if err := s.cache.DeleteSubscription(ctx, id); err != nil {
		s.logger.Warn("subscription cache invalidation failed", zap.String("subscription_id", id.String()), zap.Error(err))
	}
}

func (s *subscriptionService) publish(ctx context.Context, routingKey string, subscription *models.Subscription, donorEmail, actor, message string) {
	event := rabbitmq.SubscriptionEvent{
		SubscriptionID: subscription.ID,
		DonorID:        subscription.DonorID,
		DonorEmail:     donorEmail,
		Status:         string(subscription.Status),
		Amount:         subscription.Amount.StringFixed(2),
		Currency:       subscription.Currency,
		Message:        message,
		Actor:          actor,
		Timestamp:      s.clock.Now(),
	}
	if err := s.publisher.PublishSubscriptionEvent(ctx, routingKey, event); err != nil {
		s.logger.Warn("failed to publish subscription event",
			zap.String("routing_key", routingKey),
			zap.String("subscription_id", subscription.ID.String()),
			zap.Error(err))
	}
}

func (s *subscriptionService) settles(currency string) bool {
	return len(s.cfg.SupportedCurrencies) == 0 || slices.Contains(s.cfg.SupportedCurrencies, currency)
}

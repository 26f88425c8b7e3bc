package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"givecycle/internal/models"
	"givecycle/internal/repositories"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubscriptionAdminService is the administrative operation set. Every
// mutating call, and the charge history, names the caller, and the caller
// must own the subscription.
type SubscriptionAdminService interface {
	Create(ctx context.Context, req *CreateSubscriptionRequest) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	List(ctx context.Context, filter ListSubscriptionsFilter) (*SubscriptionPage, error)
	Settlements(ctx context.Context, id uuid.UUID, page, pageSize int, callerEmail string) (*SettlementPage, error)
	Update(ctx context.Context, id uuid.UUID, req *UpdateSubscriptionRequest, callerEmail string) (*models.Subscription, error)
	Pause(ctx context.Context, id uuid.UUID, callerEmail string) (bool, error)
	Resume(ctx context.Context, id uuid.UUID, callerEmail string) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID, reason, callerEmail string) (bool, error)
	Delete(ctx context.Context, id uuid.UUID, callerEmail string) error
}

type subscriptionAdminService struct {
	subscriptions SubscriptionService
	donorRepo     repositories.DonorRepository
	logger        *zap.Logger
}

// NewSubscriptionAdminService wraps subscriptions with caller ownership checks.
func NewSubscriptionAdminService(subscriptions SubscriptionService, donorRepo repositories.DonorRepository, logger *zap.Logger) SubscriptionAdminService {
	return &subscriptionAdminService{
		subscriptions: subscriptions,
		donorRepo:     donorRepo,
		logger:        logger,
	}
}

func (a *subscriptionAdminService) Create(ctx context.Context, req *CreateSubscriptionRequest) (uuid.UUID, error) {
	subscription, err := a.subscriptions.CreateSubscription(ctx, req, strings.ToLower(req.DonorEmail))
	if err != nil {
		return uuid.Nil, err
	}
	return subscription.ID, nil
}

func (a *subscriptionAdminService) Get(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return a.subscriptions.GetSubscription(ctx, id)
}

func (a *subscriptionAdminService) List(ctx context.Context, filter ListSubscriptionsFilter) (*SubscriptionPage, error) {
	return a.subscriptions.ListSubscriptions(ctx, filter)
}

// Settlements returns the charge history of id. Records carry amounts and
// gateway messages, so only the owning donor may read them.
func (a *subscriptionAdminService) Settlements(ctx context.Context, id uuid.UUID, page, pageSize int, callerEmail string) (*SettlementPage, error) {
	if _, err := a.authorize(ctx, id, callerEmail); err != nil {
		return nil, err
	}
	return a.subscriptions.ListSettlements(ctx, id, page, pageSize)
}

// authorize returns the normalized caller email when it belongs to the
// donor that owns subscription id.
func (a *subscriptionAdminService) authorize(ctx context.Context, id uuid.UUID, callerEmail string) (string, error) {
	callerEmail = strings.ToLower(strings.TrimSpace(callerEmail))
	if callerEmail == "" {
		return "", models.NewValidationError("caller_email", "is required")
	}

	subscription, err := a.subscriptions.GetSubscription(ctx, id)
	if err != nil {
		return "", err
	}

	donor, err := a.donorRepo.GetByEmail(ctx, callerEmail)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", models.ErrForbidden
		}
		return "", fmt.Errorf("failed to look up caller: %w", err)
	}
	if donor.ID != subscription.DonorID {
		a.logger.Warn("caller does not own subscription",
			zap.String("subscription_id", id.String()),
			zap.String("caller_email", callerEmail))
		return "", models.ErrForbidden
	}
	return callerEmail, nil
}

func (a *subscriptionAdminService) Update(ctx context.Context, id uuid.UUID, req *UpdateSubscriptionRequest, callerEmail string) (*models.Subscription, error) {
	actor, err := a.authorize(ctx, id, callerEmail)
	if err != nil {
		return nil, err
	}
	return a.subscriptions.UpdateSubscription(ctx, id, req, actor)
}

func (a *subscriptionAdminService) Pause(ctx context.Context, id uuid.UUID, callerEmail string) (bool, error) {
	actor, err := a.authorize(ctx, id, callerEmail)
	if err != nil {
		return false, err
	}
	if _, err := a.subscriptions.Pause(ctx, id, actor); err != nil {
		return false, err
	}
	return true, nil
}

func (a *subscriptionAdminService) Resume(ctx context.Context, id uuid.UUID, callerEmail string) (bool, error) {
	actor, err := a.authorize(ctx, id, callerEmail)
	if err != nil {
		return false, err
	}
	if _, err := a.subscriptions.Resume(ctx, id, actor); err != nil {
		return false, err
	}
	return true, nil
}

func (a *subscriptionAdminService) Cancel(ctx context.Context, id uuid.UUID, reason, callerEmail string) (bool, error) {
	actor, err := a.authorize(ctx, id, callerEmail)
	if err != nil {
		return false, err
	}
	if _, err := a.subscriptions.Cancel(ctx, id, actor, reason); err != nil {
		return false, err
	}
	return true, nil
}

func (a *subscriptionAdminService) Delete(ctx context.Context, id uuid.UUID, callerEmail string) error {
	actor, err := a.authorize(ctx, id, callerEmail)
	if err != nil {
		return err
	}
	return a.subscriptions.DeleteSubscription(ctx, id, actor)
}

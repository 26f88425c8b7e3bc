package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"givecycle/internal/caching"
	"givecycle/internal/models"
	"givecycle/internal/repositories"
	"givecycle/internal/services"
	"givecycle/pkg/rabbitmq"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	cycleLockName        = "givecycle:settlement-cycle"
	maxErrorMessageChars = 500
)

// SettlementConfig tunes a settlement pass. Zero fields take the defaults
// applied by withDefaults.
type SettlementConfig struct {
	BatchSize            int
	Workers              int
	LeaseDuration        time.Duration
	LockTTL              time.Duration
	MaxFailedAttempts    int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMultiplier      float64
}

func (c SettlementConfig) withDefaults() SettlementConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 10 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Minute
	}
	if c.MaxFailedAttempts <= 0 {
		c.MaxFailedAttempts = 4
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = time.Hour
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = 24 * time.Hour
	}
	if c.RetryMultiplier < 1 {
		c.RetryMultiplier = 2
	}
	return c
}

// CycleResult summarises one settlement pass.
type CycleResult struct {
	Attempted int  `json:"attempted"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	Errored   int  `json:"errored"`
	Expired   int  `json:"expired"`
	LockHeld  bool `json:"lock_held"`
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeErrored
)

// SettlementProcessor charges due subscriptions and advances their schedule.
// Several replicas may run it at once: the cycle lock keeps passes apart and
// the per-row claim keeps any one period from being charged twice.
type SettlementProcessor struct {
	subscriptionRepo repositories.SubscriptionRepository
	settlementRepo   repositories.SettlementRepository
	donorRepo        repositories.DonorRepository
	txManager        repositories.TxManager
	gateway          services.PaymentGateway
	locker           caching.CycleLocker
	archive          services.ReceiptArchive
	cache            caching.CacheService
	publisher        rabbitmq.Publisher
	clock            clockwork.Clock
	cfg              SettlementConfig
	logger           *zap.Logger
}

// NewSettlementProcessor wires the stores, the gateway and the cycle lock
// into a processor. Call RunCycle to execute one pass.
func NewSettlementProcessor(
	subscriptionRepo repositories.SubscriptionRepository,
	settlementRepo repositories.SettlementRepository,
	donorRepo repositories.DonorRepository,
	txManager repositories.TxManager,
	gateway services.PaymentGateway,
	locker caching.CycleLocker,
	archive services.ReceiptArchive,
	cache caching.CacheService,
	publisher rabbitmq.Publisher,
	clock clockwork.Clock,
	cfg SettlementConfig,
	logger *zap.Logger,
) *SettlementProcessor {
	return &SettlementProcessor{
		subscriptionRepo: subscriptionRepo,
		settlementRepo:   settlementRepo,
		donorRepo:        donorRepo,
		txManager:        txManager,
		gateway:          gateway,
		locker:           locker,
		archive:          archive,
		cache:            cache,
		publisher:        publisher,
		clock:            clock,
		cfg:              cfg.withDefaults(),
		logger:           logger.With(zap.String("component", "settlement-processor")),
	}
}

// RunCycle runs one settlement pass. It returns an error only when the pass
// could not start; per-subscription problems are logged and counted.
func (p *SettlementProcessor) RunCycle(ctx context.Context) (*CycleResult, error) {
	unlock, err := p.locker.TryLock(ctx, cycleLockName, p.cfg.LockTTL)
	if errors.Is(err, caching.ErrLockHeld) {
		p.logger.Info("settlement cycle already running elsewhere, skipping")
		return &CycleResult{LockHeld: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire settlement cycle lock: %w", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			p.logger.Warn("failed to release settlement cycle lock", zap.Error(err))
		}
	}()

	started := p.clock.Now()
	result := &CycleResult{}

	expired, err := p.subscriptionRepo.ExpireEnded(ctx, started)
	if err != nil {
		p.logger.Error("expire sweep failed", zap.Error(err))
	} else {
		result.Expired = int(expired)
	}

	due, err := p.subscriptionRepo.ListDue(ctx, started, p.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to list due subscriptions: %w", err)
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		semaphore = make(chan struct{}, p.cfg.Workers)
	)
	for _, subscription := range due {
		if ctx.Err() != nil {
			p.logger.Info("settlement cycle interrupted", zap.Int("remaining", len(due)-result.Attempted))
			break
		}

		semaphore <- struct{}{}
		mu.Lock()
		result.Attempted++
		mu.Unlock()

		wg.Add(1)
		go func(s *models.Subscription) {
			defer wg.Done()
			defer func() { <-semaphore }()

			o := p.settleSafely(ctx, s)

			mu.Lock()
			defer mu.Unlock()
			switch o {
			case outcomeSucceeded:
				result.Succeeded++
			case outcomeFailed:
				result.Failed++
			case outcomeSkipped:
				result.Skipped++
			default:
				result.Errored++
			}
		}(subscription)
	}
	wg.Wait()

	p.logger.Info("settlement cycle finished",
		zap.Int("due", len(due)),
		zap.Int("attempted", result.Attempted),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
		zap.Int("errored", result.Errored),
		zap.Int("expired", result.Expired),
		zap.Duration("took", p.clock.Since(started)))
	return result, nil
}

// settleSafely isolates one subscription so a panic or store error does not
// abort the rest of the batch.
func (p *SettlementProcessor) settleSafely(ctx context.Context, subscription *models.Subscription) (o outcome) {
	log := p.logger.With(zap.String("subscription_id", subscription.ID.String()))
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while settling subscription", zap.Any("panic", r), zap.Stack("stack"))
			o = outcomeErrored
		}
	}()

	o, err := p.settle(ctx, subscription, log)
	if err != nil {
		log.Error("failed to settle subscription", zap.Error(err))
		return outcomeErrored
	}
	return o
}

func (p *SettlementProcessor) settle(ctx context.Context, subscription *models.Subscription, log *zap.Logger) (outcome, error) {
	now := p.clock.Now()
	token := uuid.New()

	claimed, err := p.subscriptionRepo.ClaimForSettlement(ctx, subscription.ID, subscription.NextDueDate, token, now, now.Add(p.cfg.LeaseDuration))
	if err != nil {
		return outcomeErrored, fmt.Errorf("failed to claim subscription: %w", err)
	}
	if !claimed {
		log.Debug("subscription claimed by another worker or no longer due")
		return outcomeSkipped, nil
	}

	// Once the gateway is called the outcome must be recorded even if the
	// cycle is being shut down.
	work := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		if err := p.subscriptionRepo.ReleaseClaim(work, subscription.ID, token); err != nil {
			log.Warn("failed to release claim", zap.Error(err))
		}
		return outcomeSkipped, nil
	}

	donorEmail := p.donorEmail(work, subscription, log)
	req := services.ChargeRequest{
		Amount:        subscription.ChargeAmount(),
		Currency:      subscription.Currency,
		Token:         subscription.PaymentToken,
		Reference:     ChargeReference(subscription),
		Description:   fmt.Sprintf("%s donation", subscription.Frequency),
		CustomerEmail: donorEmail,
	}

	charge, err := p.gateway.Charge(work, req)
	if err != nil {
		log.Warn("gateway charge errored", zap.String("reference", req.Reference), zap.Error(err))
		return p.recordFailure(work, subscription, token, err.Error(), donorEmail, log)
	}
	if !charge.Success {
		log.Info("charge declined", zap.String("reference", req.Reference), zap.String("reason", charge.Message))
		return p.recordFailure(work, subscription, token, charge.Message, donorEmail, log)
	}
	return p.completeSettlement(work, subscription, token, req, charge, donorEmail, log)
}

func (p *SettlementProcessor) donorEmail(ctx context.Context, subscription *models.Subscription, log *zap.Logger) string {
	donor, err := p.donorRepo.GetByID(ctx, subscription.DonorID)
	if err != nil {
		log.Warn("failed to load donor", zap.String("donor_id", subscription.DonorID.String()), zap.Error(err))
		return ""
	}
	return donor.Email
}

func (p *SettlementProcessor) completeSettlement(
	ctx context.Context,
	subscription *models.Subscription,
	token uuid.UUID,
	req services.ChargeRequest,
	charge *services.ChargeResult,
	donorEmail string,
	log *zap.Logger,
) (outcome, error) {
	chargedAt := p.clock.Now()
	next := subscription.Frequency.Advance(chargedAt)
	status := models.StatusActive
	if subscription.EndDate != nil && !next.Before(*subscription.EndDate) {
		status = models.StatusExpired
	}

	record := &models.SettlementRecord{
		ID:                   uuid.New(),
		SubscriptionID:       subscription.ID,
		DonorID:              subscription.DonorID,
		Amount:               subscription.Amount,
		TotalCharged:         req.Amount,
		Currency:             subscription.Currency,
		Message:              subscription.Message,
		ReferralCode:         subscription.ReferralCode,
		CampaignID:           subscription.CampaignID,
		GatewayTransactionID: charge.TransactionID,
		GatewayReference:     req.Reference,
		PeriodDueDate:        subscription.NextDueDate,
		ChargedAt:            chargedAt,
	}
	if subscription.CoverFee {
		record.FeeAmount = subscription.FeeAmount
	}
	if ledgerID, err := p.gateway.TransactionDetails(ctx, charge.TransactionID); err != nil {
		log.Warn("failed to fetch ledger id", zap.String("transaction_id", charge.TransactionID), zap.Error(err))
	} else if ledgerID != "" {
		record.LedgerID = &ledgerID
	}

	err := p.txManager.WithinTx(ctx, func(tx repositories.DBTX) error {
		if err := p.settlementRepo.WithTx(tx).Create(ctx, record); err != nil {
			return err
		}
		subscriptions := p.subscriptionRepo.WithTx(tx)
		advanced, err := subscriptions.AdvanceSchedule(ctx, &models.SettlementAdvance{
			SubscriptionID: subscription.ID,
			ClaimToken:     token,
			PeriodDueDate:  subscription.NextDueDate,
			NextDueDate:    next,
			ProcessedAt:    chargedAt,
			Status:         status,
		})
		if err != nil {
			return err
		}
		if !advanced {
			return models.ErrClaimLost
		}
		return subscriptions.IncrementSuccessfulCharges(ctx, subscription.ID, chargedAt)
	})
	if err != nil {
		// The donor has been charged but nothing was recorded. This needs a
		// human to reconcile against the gateway transaction.
		log.Error("charge captured but settlement not recorded",
			zap.String("transaction_id", charge.TransactionID),
			zap.String("reference", req.Reference),
			zap.Error(err))
		return outcomeErrored, nil
	}

	status = p.storedStatus(ctx, subscription.ID, status, log)
	log.Info("subscription settled",
		zap.String("transaction_id", charge.TransactionID),
		zap.String("amount", req.Amount.StringFixed(2)),
		zap.Time("next_due_date", next),
		zap.String("status", string(status)))

	if key, err := p.archive.StoreReceipt(ctx, record); err != nil {
		log.Warn("failed to archive receipt", zap.Error(err))
	} else if key != "" {
		log.Debug("receipt archived", zap.String("object", key))
	}

	p.invalidate(ctx, subscription.ID, log)
	p.publish(ctx, rabbitmq.RoutingSettlementSucceeded, rabbitmq.SubscriptionEvent{
		SubscriptionID: subscription.ID,
		DonorID:        subscription.DonorID,
		DonorEmail:     donorEmail,
		Status:         string(status),
		Amount:         req.Amount.StringFixed(2),
		Currency:       subscription.Currency,
		Actor:          models.SchedulerActor,
		Timestamp:      chargedAt,
	}, log)
	return outcomeSucceeded, nil
}

func (p *SettlementProcessor) recordFailure(
	ctx context.Context,
	subscription *models.Subscription,
	token uuid.UUID,
	message, donorEmail string,
	log *zap.Logger,
) (outcome, error) {
	at := p.clock.Now()
	attempts := subscription.FailedAttemptCount + 1
	failure := &models.SettlementFailure{
		SubscriptionID: subscription.ID,
		ClaimToken:     token,
		ErrorMessage:   truncateMessage(message, maxErrorMessageChars),
		FailedAttempts: attempts,
		Status:         models.StatusActive,
		At:             at,
	}
	if attempts >= p.cfg.MaxFailedAttempts {
		failure.Status = models.StatusFailed
	} else {
		retryAfter := at.Add(p.RetryDelay(attempts))
		failure.RetryAfter = &retryAfter
	}

	recorded, err := p.subscriptionRepo.RecordFailure(ctx, failure)
	if err != nil {
		return outcomeErrored, fmt.Errorf("failed to record charge failure: %w", err)
	}
	if !recorded {
		return outcomeErrored, models.ErrClaimLost
	}

	p.invalidate(ctx, subscription.ID, log)
	failure.Status = p.storedStatus(ctx, subscription.ID, failure.Status, log)
	event := rabbitmq.SubscriptionEvent{
		SubscriptionID: subscription.ID,
		DonorID:        subscription.DonorID,
		DonorEmail:     donorEmail,
		Status:         string(failure.Status),
		Amount:         subscription.ChargeAmount().StringFixed(2),
		Currency:       subscription.Currency,
		FailedAttempts: attempts,
		Message:        failure.ErrorMessage,
		Actor:          models.SchedulerActor,
		Timestamp:      at,
	}
	p.publish(ctx, rabbitmq.RoutingSettlementFailed, event, log)

	if failure.Status == models.StatusFailed {
		log.Warn("subscription failed after repeated declines", zap.Int("failed_attempts", attempts))
		p.publish(ctx, rabbitmq.RoutingPaymentFailed, event, log)
	}
	return outcomeFailed, nil
}

// RetryDelay is the wait before retrying after the given number of
// consecutive failures: exponential, without jitter, capped at
// RetryMaxInterval.
func (p *SettlementProcessor) RetryDelay(failedAttempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.cfg.RetryInitialInterval,
		RandomizationFactor: 0,
		Multiplier:          p.cfg.RetryMultiplier,
		MaxInterval:         p.cfg.RetryMaxInterval,
	}
	b.Reset()

	delay := p.cfg.RetryInitialInterval
	for i := 0; i < failedAttempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// storedStatus reads back the status after a write-back. A donor may pause
// while a charge is in flight, and the write-back leaves that status alone.
func (p *SettlementProcessor) storedStatus(ctx context.Context, id uuid.UUID, want models.SubscriptionStatus, log *zap.Logger) models.SubscriptionStatus {
	current, err := p.subscriptionRepo.GetByID(ctx, id, false)
	if err != nil {
		log.Warn("failed to read back subscription status", zap.Error(err))
		return want
	}
	if current.Status != want {
		log.Info("subscription status changed during settlement",
			zap.String("expected", string(want)),
			zap.String("stored", string(current.Status)))
	}
	return current.Status
}

func (p *SettlementProcessor) invalidate(ctx context.Context, id uuid.UUID, log *zap.Logger) {
	if err := p.cache.DeleteSubscription(ctx, id); err != nil {
		log.Warn("subscription cache invalidation failed", zap.Error(err))
	}
}

func (p *SettlementProcessor) publish(ctx context.Context, routingKey string, event rabbitmq.SubscriptionEvent, log *zap.Logger) {
	if err := p.publisher.PublishSubscriptionEvent(ctx, routingKey, event); err != nil {
		log.Warn("failed to publish settlement event", zap.String("routing_key", routingKey), zap.Error(err))
	}
}

// ChargeReference identifies one charge attempt for one period so the gateway
// can reject a replayed attempt.
func ChargeReference(subscription *models.Subscription) string {
	return fmt.Sprintf("%s-%s-%d",
		subscription.ID,
		subscription.NextDueDate.UTC().Format("20060102"),
		subscription.FailedAttemptCount+1)
}

func truncateMessage(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"givecycle/internal/models"
	"givecycle/internal/repositories"
	"givecycle/internal/services"

	"github.com/google/uuid"
)

// memStore is an in-memory stand-in for the subscriptions and settlements
// tables. Every conditional update is applied under one lock, which gives the
// same compare-and-swap behaviour as the SQL WHERE clauses.
type memStore struct {
	mu            sync.Mutex
	subscriptions map[uuid.UUID]*memRow
	settlements   []*models.SettlementRecord
	donors        map[uuid.UUID]*models.Donor
	// dueHistory records every next_due_date a subscription has held.
	dueHistory map[uuid.UUID][]time.Time
}

type memRow struct {
	sub          models.Subscription
	claimToken   *uuid.UUID
	claimedUntil *time.Time
}

func newMemStore() *memStore {
	return &memStore{
		subscriptions: map[uuid.UUID]*memRow{},
		donors:        map[uuid.UUID]*models.Donor{},
		dueHistory:    map[uuid.UUID][]time.Time{},
	}
}

func (m *memStore) put(s *models.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[s.ID] = &memRow{sub: *s}
	m.dueHistory[s.ID] = append(m.dueHistory[s.ID], s.NextDueDate)
}

func (m *memStore) get(id uuid.UUID) models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriptions[id].sub
}

func (m *memStore) claimed(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriptions[id].claimToken != nil
}

func (m *memStore) records(id uuid.UUID) []*models.SettlementRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SettlementRecord
	for _, r := range m.settlements {
		if r.SubscriptionID == id {
			out = append(out, r)
		}
	}
	return out
}

func (m *memStore) snapshot() (map[uuid.UUID]memRow, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make(map[uuid.UUID]memRow, len(m.subscriptions))
	for id, r := range m.subscriptions {
		rows[id] = *r
	}
	return rows, len(m.settlements)
}

func (m *memStore) restore(rows map[uuid.UUID]memRow, settlements int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range rows {
		row := r
		m.subscriptions[id] = &row
	}
	m.settlements = m.settlements[:settlements]
}

// memTxManager serialises transactions and undoes their writes on error.
type memTxManager struct {
	store *memStore
	mu    sync.Mutex
}

func (t *memTxManager) WithinTx(ctx context.Context, fn func(tx repositories.DBTX) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows, settlements := t.store.snapshot()
	if err := fn(nil); err != nil {
		t.store.restore(rows, settlements)
		return err
	}
	return nil
}

type memSubscriptionRepo struct {
	store *memStore
}

func (r *memSubscriptionRepo) WithTx(repositories.DBTX) repositories.SubscriptionRepository {
	return r
}

func (r *memSubscriptionRepo) Create(_ context.Context, s *models.Subscription) error {
	r.store.put(s)
	return nil
}

func (r *memSubscriptionRepo) GetByID(_ context.Context, id uuid.UUID, includeDeleted bool) (*models.Subscription, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	row, ok := r.store.subscriptions[id]
	if !ok || (row.sub.Deleted && !includeDeleted) {
		return nil, models.ErrNotFound
	}
	s := row.sub
	return &s, nil
}

func (r *memSubscriptionRepo) filter(match func(*models.Subscription) bool) []*models.Subscription {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*models.Subscription
	for _, row := range r.store.subscriptions {
		if !row.sub.Deleted && match(&row.sub) {
			s := row.sub
			out = append(out, &s)
		}
	}
	return out
}

func page(items []*models.Subscription, limit, offset int) []*models.Subscription {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func (r *memSubscriptionRepo) ListByDonor(_ context.Context, donorID uuid.UUID, limit, offset int) ([]*models.Subscription, error) {
	return page(r.filter(func(s *models.Subscription) bool { return s.DonorID == donorID }), limit, offset), nil
}

func (r *memSubscriptionRepo) ListByDonorEmail(_ context.Context, email string, limit, offset int) ([]*models.Subscription, error) {
	return page(r.filter(func(s *models.Subscription) bool {
		d := r.store.donors[s.DonorID]
		return d != nil && strings.EqualFold(d.Email, email)
	}), limit, offset), nil
}

func (r *memSubscriptionRepo) ListByStatus(_ context.Context, status models.SubscriptionStatus, limit, offset int) ([]*models.Subscription, error) {
	return page(r.filter(func(s *models.Subscription) bool { return s.Status == status }), limit, offset), nil
}

func (r *memSubscriptionRepo) CountByDonor(ctx context.Context, donorID uuid.UUID) (int, error) {
	items, _ := r.ListByDonor(ctx, donorID, 1<<30, 0)
	return len(items), nil
}

func (r *memSubscriptionRepo) CountByDonorEmail(ctx context.Context, email string) (int, error) {
	items, _ := r.ListByDonorEmail(ctx, email, 1<<30, 0)
	return len(items), nil
}

func (r *memSubscriptionRepo) CountByStatus(ctx context.Context, status models.SubscriptionStatus) (int, error) {
	items, _ := r.ListByStatus(ctx, status, 1<<30, 0)
	return len(items), nil
}

func (r *memSubscriptionRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*models.Subscription, error) {
	due := r.filter(func(s *models.Subscription) bool { return s.IsDue(now) })
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextDueDate.Equal(due[j].NextDueDate) {
			return due[i].ID.String() < due[j].ID.String()
		}
		return due[i].NextDueDate.Before(due[j].NextDueDate)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *memSubscriptionRepo) Update(_ context.Context, s *models.Subscription) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	row, ok := r.store.subscriptions[s.ID]
	if !ok || row.sub.Deleted || row.sub.Status == models.StatusCancelled {
		return models.ErrNotFound
	}
	row.sub.Amount = s.Amount
	row.sub.PaymentToken = s.PaymentToken
	row.sub.CoverFee = s.CoverFee
	row.sub.FeeAmount = s.FeeAmount
	row.sub.Message = s.Message
	row.sub.EndDate = s.EndDate
	row.sub.ModifiedBy = s.ModifiedBy
	row.sub.ModifiedAt = s.ModifiedAt
	return nil
}

func (r *memSubscriptionRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to models.SubscriptionStatus, actor string, at time.Time) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	row, ok := r.store.subscriptions[id]
	if !ok || row.sub.Deleted || row.sub.Status != from {
		return false, nil
	}
	row.sub.Status = to
	row.sub.RetryAfter = nil
	row.sub.ModifiedBy = actor
	row.sub.ModifiedAt = at
	return true, nil
}

func (r *memSubscriptionRepo) Cancel(_ context.Context, id uuid.UUID, from models.SubscriptionStatus, actor, reason string, at time.Time) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	row, ok := r.store.subscriptions[id]
	if !ok || row.sub.Deleted || row.sub.Status != from {
		return false, nil
	}
	row.sub.Status = models.StatusCancelled
	row.sub.CancelledAt = &at
	row.sub.CancelledBy = &actor
	if reason != "" {
		row.sub.CancellationReason = &reason
	}
	row.claimToken, row.claimedUntil = nil, nil
	return true, nil
}

func (r *memSubscriptionRepo) SoftDelete(_ context.Context, id uuid.UUID, actor string, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	row, ok := r.store.subscriptions[id]
	if !ok || row.sub.Deleted {
		return models.ErrNotFound
	}
	row.sub.Deleted = true
	row.sub.ModifiedBy = actor
	row.sub.ModifiedAt = at
	return nil
}

func (r *memSubscriptionRepo) ClaimForSettlement(_ context.Context, id uuid.UUID, dueDate time.Time, token uuid.UUID, now, leaseUntil time.Time) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	row, ok := r.store.subscriptions[id]
	if !ok || row.sub.Deleted || row.sub.Status != models.StatusActive || !row.sub.NextDueDate.Equal(dueDate) {
		return false, nil
	}
	if row.sub.PaymentToken == "" || (row.sub.RetryAfter != nil && row.sub.RetryAfter.After(now)) ||
		(row.sub.EndDate != nil && !row.sub.EndDate.After(now)) {
		return false, nil
	}
	if row.claimedUntil != nil && row.claimedUntil.After(now) {
		return false, nil
	}
	row.claimToken = &token
	row.claimedUntil = &leaseUntil
	return true, nil
}

func (r *memSubscriptionRepo) ReleaseClaim(_ context.Context, id, token uuid.UUID) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	row, ok := r.store.subscriptions[id]
	if ok && row.claimToken != nil && *row.claimToken == token {
		row.claimToken, row.claimedUntil = nil, nil
	}
	return nil
}

func (r *memSubscriptionRepo) AdvanceSchedule(_ context.Context, a *models.SettlementAdvance) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	row, ok := r.store.subscriptions[a.SubscriptionID]
	if !ok || row.claimToken == nil || *row.claimToken != a.ClaimToken ||
		!row.sub.NextDueDate.Equal(a.PeriodDueDate) || !a.NextDueDate.After(row.sub.NextDueDate) {
		return false, nil
	}
	row.sub.NextDueDate = a.NextDueDate
	if row.sub.Status == models.StatusActive {
		row.sub.Status = a.Status
	}
	row.sub.FailedAttemptCount = 0
	row.sub.RetryAfter = nil
	row.sub.LastErrorMessage = nil
	row.sub.ModifiedBy = models.SchedulerActor
	row.sub.ModifiedAt = a.ProcessedAt
	row.claimToken, row.claimedUntil = nil, nil
	r.store.dueHistory[a.SubscriptionID] = append(r.store.dueHistory[a.SubscriptionID], a.NextDueDate)
	return true, nil
}

func (r *memSubscriptionRepo) IncrementSuccessfulCharges(_ context.Context, id uuid.UUID, processedAt time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	row := r.store.subscriptions[id]
	row.sub.SuccessfulChargeCount++
	row.sub.LastProcessedDate = &processedAt
	return nil
}

func (r *memSubscriptionRepo) RecordFailure(_ context.Context, f *models.SettlementFailure) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	row, ok := r.store.subscriptions[f.SubscriptionID]
	if !ok || row.claimToken == nil || *row.claimToken != f.ClaimToken {
		return false, nil
	}
	msg := f.ErrorMessage
	row.sub.LastErrorMessage = &msg
	row.sub.FailedAttemptCount = f.FailedAttempts
	if row.sub.Status == models.StatusActive {
		row.sub.Status = f.Status
	}
	row.sub.RetryAfter = f.RetryAfter
	row.sub.ModifiedBy = models.SchedulerActor
	row.sub.ModifiedAt = f.At
	row.claimToken, row.claimedUntil = nil, nil
	return true, nil
}

func (r *memSubscriptionRepo) ExpireEnded(_ context.Context, now time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for _, row := range r.store.subscriptions {
		s := &row.sub
		if s.Deleted || (s.Status != models.StatusActive && s.Status != models.StatusPaused) {
			continue
		}
		if s.EndDate == nil || s.EndDate.After(now) {
			continue
		}
		if row.claimedUntil != nil && row.claimedUntil.After(now) {
			continue
		}
		s.Status = models.StatusExpired
		s.RetryAfter = nil
		n++
	}
	return n, nil
}

type memSettlementRepo struct {
	store *memStore
}

func (r *memSettlementRepo) WithTx(repositories.DBTX) repositories.SettlementRepository {
	return r
}

func (r *memSettlementRepo) Create(_ context.Context, rec *models.SettlementRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, existing := range r.store.settlements {
		if existing.SubscriptionID == rec.SubscriptionID && existing.PeriodDueDate.Equal(rec.PeriodDueDate) {
			return repositories.ErrDuplicateSettlement
		}
	}
	r.store.settlements = append(r.store.settlements, rec)
	return nil
}

func (r *memSettlementRepo) ListBySubscription(_ context.Context, id uuid.UUID, limit, offset int) ([]*models.SettlementRecord, error) {
	return r.store.records(id), nil
}

func (r *memSettlementRepo) CountBySubscription(_ context.Context, id uuid.UUID) (int, error) {
	return len(r.store.records(id)), nil
}

func (r *memSettlementRepo) GetByGatewayTransactionID(_ context.Context, txID string) (*models.SettlementRecord, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, rec := range r.store.settlements {
		if rec.GatewayTransactionID == txID {
			return rec, nil
		}
	}
	return nil, models.ErrNotFound
}

type memDonorRepo struct {
	store *memStore
}

func (r *memDonorRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Donor, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if d, ok := r.store.donors[id]; ok {
		return d, nil
	}
	return nil, models.ErrNotFound
}

func (r *memDonorRepo) GetByEmail(_ context.Context, email string) (*models.Donor, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, d := range r.store.donors {
		if strings.EqualFold(d.Email, email) {
			return d, nil
		}
	}
	return nil, models.ErrNotFound
}

// scriptedGateway answers charges from a per-token script and counts calls.
// Tokens without a script are approved.
type scriptedGateway struct {
	mu      sync.Mutex
	calls   []services.ChargeRequest
	results map[string][]scriptedCharge
	onCharge func()
	seq     int
}

type scriptedCharge struct {
	declined bool
	err      error
	panics   bool
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{results: map[string][]scriptedCharge{}}
}

func (g *scriptedGateway) script(token string, charges ...scriptedCharge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results[token] = append(g.results[token], charges...)
}

func (g *scriptedGateway) chargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *scriptedGateway) Name() string { return "scripted" }

func (g *scriptedGateway) Charge(_ context.Context, req services.ChargeRequest) (*services.ChargeResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.seq++
	seq := g.seq
	var next scriptedCharge
	if queue := g.results[req.Token]; len(queue) > 0 {
		next, g.results[req.Token] = queue[0], queue[1:]
	}
	hook := g.onCharge
	g.mu.Unlock()

	if hook != nil {
		hook()
	}
	switch {
	case next.panics:
		panic("gateway client blew up")
	case next.err != nil:
		return nil, next.err
	case next.declined:
		return &services.ChargeResult{Success: false, Message: "card declined"}, nil
	}
	return &services.ChargeResult{Success: true, TransactionID: fmt.Sprintf("txn-%04d", seq), Message: "approved"}, nil
}

func (g *scriptedGateway) TransactionDetails(_ context.Context, transactionID string) (string, error) {
	return "ledger-" + transactionID, nil
}

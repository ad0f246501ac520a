package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vulnscope/internal/database"
	"github.com/vulnscope/internal/tiers"
)

// Store is the persistence the ledger needs
type Store interface {
	GetUserSubscription(ctx context.Context, userID string) (*database.Subscription, error)
	CreateSubscription(ctx context.Context, sub *database.Subscription) error
	UpdateSubscription(ctx context.Context, sub *database.Subscription) error
	GetActiveScansCount(ctx context.Context, userID string) (int, error)
}

// Decision is the outcome of a quota check
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Validation is the outcome of a scan configuration check
type Validation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Update holds the fields of a subscription that may be changed. Nil fields are kept.
type Update struct {
	Tier     *tiers.Tier
	IsActive *bool
	EndDate  *time.Time
}

// Ledger tracks per-user subscriptions and scan usage counters
type Ledger struct {
	store  Store
	policy *tiers.Policy
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewLedger creates a ledger over the given store and tier policy
func NewLedger(store Store, policy *tiers.Policy) *Ledger {
	return &Ledger{
		store:  store,
		policy: policy,
		now:    time.Now,
		locks:  make(map[string]*userLock),
	}
}

// SetClock replaces the time source
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// lockUser serializes ledger mutations for one user
func (l *Ledger) lockUser(userID string) func() {
	l.mu.Lock()
	lock, ok := l.locks[userID]
	if !ok {
		lock = &userLock{}
		l.locks[userID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}

// GetSubscription returns the user's subscription with counters rolled over
// to the current day and month, or nil when the user has none
func (l *Ledger) GetSubscription(ctx context.Context, userID string) (*database.Subscription, error) {
	sub, err := l.store.GetUserSubscription(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if sub == nil {
		return nil, nil
	}
	rollover(sub, l.now())
	return sub, nil
}

// UpsertSubscription creates a free-tier subscription if the user has none,
// then applies the update
func (l *Ledger) UpsertSubscription(ctx context.Context, userID string, update Update) (*database.Subscription, error) {
	if update.Tier != nil && !update.Tier.Valid() {
		return nil, fmt.Errorf("unknown tier: %s", *update.Tier)
	}

	unlock := l.lockUser(userID)
	defer unlock()

	sub, err := l.store.GetUserSubscription(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	now := l.now()
	if sub == nil {
		sub = &database.Subscription{
			UserID:      userID,
			Tier:        tiers.TierFree,
			IsActive:    true,
			StartDate:   now,
			LastUpdated: now,
		}
		applyUpdate(sub, update)
		if err := l.store.CreateSubscription(ctx, sub); err != nil {
			return nil, fmt.Errorf("failed to create subscription: %w", err)
		}
		logrus.Infof("Created %s subscription for user %s", sub.Tier, userID)
		return sub, nil
	}

	if update == (Update{}) {
		rollover(sub, now)
		return sub, nil
	}

	previous := sub.Tier
	applyUpdate(sub, update)
	if err := l.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}
	if previous != sub.Tier {
		logrus.Infof("Changed subscription tier for user %s from %s to %s", userID, previous, sub.Tier)
	}

	rollover(sub, now)
	return sub, nil
}

func applyUpdate(sub *database.Subscription, update Update) {
	if update.Tier != nil {
		sub.Tier = *update.Tier
	}
	if update.IsActive != nil {
		sub.IsActive = *update.IsActive
	}
	if update.EndDate != nil {
		end := *update.EndDate
		sub.EndDate = &end
	}
}

// LimitsFor resolves the tier limits that apply to a user. Users without a
// subscription get free-tier limits.
func (l *Ledger) LimitsFor(ctx context.Context, userID string) (tiers.Limits, error) {
	sub, err := l.store.GetUserSubscription(ctx, userID)
	if err != nil {
		return tiers.Limits{}, fmt.Errorf("failed to get subscription: %w", err)
	}
	if sub == nil {
		return l.policy.LimitsFor(tiers.TierFree), nil
	}
	return l.policy.LimitsFor(sub.Tier), nil
}

// CanStartScan checks the user's quotas. Checks run in order: active
// subscription, concurrency, daily count, monthly count.
func (l *Ledger) CanStartScan(ctx context.Context, userID string) (Decision, error) {
	unlock := l.lockUser(userID)
	defer unlock()

	decision, _, err := l.check(ctx, userID)
	return decision, err
}

func (l *Ledger) check(ctx context.Context, userID string) (Decision, tiers.Limits, error) {
	sub, err := l.store.GetUserSubscription(ctx, userID)
	if err != nil {
		return Decision{}, tiers.Limits{}, fmt.Errorf("failed to get subscription: %w", err)
	}
	if sub == nil {
		return Decision{Reason: "No subscription found"}, tiers.Limits{}, nil
	}

	now := l.now()
	limits := l.policy.LimitsFor(sub.Tier)

	if !sub.IsActive || (sub.EndDate != nil && sub.EndDate.Before(now)) {
		return Decision{Reason: "Subscription is not active"}, limits, nil
	}

	active, err := l.store.GetActiveScansCount(ctx, userID)
	if err != nil {
		return Decision{}, limits, fmt.Errorf("failed to count active scans: %w", err)
	}
	if active >= limits.MaxActiveScansConcurrent {
		return Decision{Reason: fmt.Sprintf("Maximum concurrent scans (%d) reached for your plan", limits.MaxActiveScansConcurrent)}, limits, nil
	}

	rollover(sub, now)

	if sub.DailyCount >= limits.MaxScansPerDay {
		return Decision{Reason: fmt.Sprintf("Daily scan limit (%d) reached", limits.MaxScansPerDay)}, limits, nil
	}
	if sub.MonthlyCount >= limits.MaxScansPerMonth {
		return Decision{Reason: fmt.Sprintf("Monthly scan limit (%d) reached", limits.MaxScansPerMonth)}, limits, nil
	}

	return Decision{Allowed: true}, limits, nil
}

// RecordScanStart increments the user's daily and monthly counters
func (l *Ledger) RecordScanStart(ctx context.Context, userID string) error {
	unlock := l.lockUser(userID)
	defer unlock()

	return l.record(ctx, userID)
}

func (l *Ledger) record(ctx context.Context, userID string) error {
	sub, err := l.store.GetUserSubscription(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get subscription: %w", err)
	}
	if sub == nil {
		return fmt.Errorf("subscription not found for user %s", userID)
	}

	now := l.now()
	rollover(sub, now)
	sub.DailyCount++
	sub.MonthlyCount++
	sub.LastUpdated = now

	if err := l.store.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to record scan start: %w", err)
	}

	return nil
}

// Admit runs start only if the user's quotas allow it and records the usage
// when start succeeds. The check, start and increment run under the user's
// lock, so concurrent requests cannot both pass a quota with one slot left.
func (l *Ledger) Admit(ctx context.Context, userID string, start func(limits tiers.Limits) error) (Decision, error) {
	unlock := l.lockUser(userID)
	defer unlock()

	decision, limits, err := l.check(ctx, userID)
	if err != nil || !decision.Allowed {
		return decision, err
	}

	if err := start(limits); err != nil {
		return decision, err
	}

	if err := l.record(ctx, userID); err != nil {
		logrus.Errorf("Scan started for user %s but usage was not recorded: %v", userID, err)
	}

	return decision, nil
}

// ValidateScanConfig checks requested options against the user's tier
func (l *Ledger) ValidateScanConfig(ctx context.Context, userID string, cfg database.ScanConfig) (Validation, error) {
	limits, err := l.LimitsFor(ctx, userID)
	if err != nil {
		return Validation{}, err
	}
	return ValidateConfig(limits, cfg), nil
}

// ValidateConfig checks requested options against tier limits
func ValidateConfig(limits tiers.Limits, cfg database.ScanConfig) Validation {
	if cfg.Scope == tiers.ScanTypeFull && !limits.AdvancedScanOptions {
		return Validation{Reason: "Full scans require a plan with advanced scan options"}
	}
	if cfg.Depth > limits.ScanDepth {
		return Validation{Reason: fmt.Sprintf("Scan depth %d exceeds your plan's maximum of %d", cfg.Depth, limits.ScanDepth)}
	}
	if cfg.Depth < 0 {
		return Validation{Reason: "Scan depth cannot be negative"}
	}
	return Validation{Valid: true}
}

// rollover zeroes counters whose calendar day or month has passed since the last update
func rollover(sub *database.Subscription, now time.Time) {
	last := sub.LastUpdated.In(now.Location())

	ly, lm, ld := last.Date()
	ny, nm, nd := now.Date()

	if ly != ny || lm != nm {
		sub.DailyCount = 0
		sub.MonthlyCount = 0
		return
	}
	if ld != nd {
		sub.DailyCount = 0
	}
}

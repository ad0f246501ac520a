package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps scans, alerts and subscriptions in process memory.
// It backs STORAGE_DRIVER=memory and the tests of the packages above storage.
type MemoryStore struct {
	mu            sync.RWMutex
	scans         map[uuid.UUID]*Scan
	alerts        map[uuid.UUID][]*Alert
	subscriptions map[string]*Subscription
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scans:         make(map[uuid.UUID]*Scan),
		alerts:        make(map[uuid.UUID][]*Alert),
		subscriptions: make(map[string]*Subscription),
	}
}

// Ping always succeeds
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func copyScan(scan *Scan) *Scan {
	c := *scan
	if scan.Summary != nil {
		summary := *scan.Summary
		c.Summary = &summary
	}
	if scan.EndTime != nil {
		end := *scan.EndTime
		c.EndTime = &end
	}
	c.Config.ExcludedURLs = append([]string(nil), scan.Config.ExcludedURLs...)
	return &c
}

func (m *MemoryStore) CreateScan(ctx context.Context, scan *Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if scan.ID == uuid.Nil {
		scan.ID = uuid.New()
	}
	if _, exists := m.scans[scan.ID]; exists {
		return fmt.Errorf("failed to create scan: duplicate id %s", scan.ID)
	}
	now := time.Now()
	if scan.StartedAt.IsZero() {
		scan.StartedAt = now
	}
	scan.CreatedAt = now
	scan.UpdatedAt = now

	m.scans[scan.ID] = copyScan(scan)
	return nil
}

func (m *MemoryStore) GetScan(ctx context.Context, id uuid.UUID) (*Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scan, ok := m.scans[id]
	if !ok {
		return nil, nil
	}
	return copyScan(scan), nil
}

func (m *MemoryStore) UpdateScan(ctx context.Context, scan *Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scans[scan.ID]; !ok {
		return fmt.Errorf("scan not found")
	}
	scan.UpdatedAt = time.Now()
	m.scans[scan.ID] = copyScan(scan)
	return nil
}

func (m *MemoryStore) FailRunningScan(ctx context.Context, id uuid.UUID, reason string, end time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	scan, ok := m.scans[id]
	if !ok || scan.Status != StatusRunning {
		return false, nil
	}
	scan.Status = StatusFailed
	scan.Error = reason
	scan.EndTime = &end
	scan.Summary = nil
	scan.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) UpdateScanProgress(ctx context.Context, id uuid.UUID, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	scan, ok := m.scans[id]
	if !ok || scan.Status != StatusRunning {
		return nil
	}
	if progress > scan.Progress {
		scan.Progress = progress
		scan.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) GetScanHistory(ctx context.Context, userID string, limit int) ([]*Scan, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var scans []*Scan
	for _, scan := range m.scans {
		if scan.UserID == userID {
			scans = append(scans, copyScan(scan))
		}
	}
	sort.Slice(scans, func(i, j int) bool {
		return scans[i].StartedAt.After(scans[j].StartedAt)
	})
	if len(scans) > limit {
		scans = scans[:limit]
	}
	return scans, nil
}

func (m *MemoryStore) GetActiveScansCount(ctx context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, scan := range m.scans {
		if scan.UserID == userID && scan.Status == StatusRunning {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ListRunningScans(ctx context.Context) ([]*Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var scans []*Scan
	for _, scan := range m.scans {
		if scan.Status == StatusRunning {
			scans = append(scans, copyScan(scan))
		}
	}
	sort.Slice(scans, func(i, j int) bool {
		return scans[i].StartedAt.Before(scans[j].StartedAt)
	})
	return scans, nil
}

func (m *MemoryStore) SaveScanResults(ctx context.Context, scanID uuid.UUID, alerts []*Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scans[scanID]; !ok {
		return fmt.Errorf("failed to save scan results: scan %s not found", scanID)
	}

	stored := make([]*Alert, 0, len(alerts))
	for _, alert := range alerts {
		if alert.ID == uuid.Nil {
			alert.ID = uuid.New()
		}
		alert.ScanID = scanID
		alert.CreatedAt = time.Now()
		c := *alert
		stored = append(stored, &c)
	}
	m.alerts[scanID] = append(m.alerts[scanID], stored...)
	return nil
}

func (m *MemoryStore) GetScanResults(ctx context.Context, scanID uuid.UUID) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alerts := make([]*Alert, 0, len(m.alerts[scanID]))
	for _, alert := range m.alerts[scanID] {
		c := *alert
		alerts = append(alerts, &c)
	}
	return alerts, nil
}

func (m *MemoryStore) GetUserSubscription(ctx context.Context, userID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subscriptions[userID]
	if !ok {
		return nil, nil
	}
	c := *sub
	return &c, nil
}

func (m *MemoryStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subscriptions[sub.UserID]; exists {
		return fmt.Errorf("failed to create subscription: user %s already has one", sub.UserID)
	}
	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	c := *sub
	m.subscriptions[sub.UserID] = &c
	return nil
}

func (m *MemoryStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subscriptions[sub.UserID]; !ok {
		return fmt.Errorf("subscription not found")
	}
	sub.UpdatedAt = time.Now()
	c := *sub
	m.subscriptions[sub.UserID] = &c
	return nil
}

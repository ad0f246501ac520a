package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vulnscope/internal/database"
)

const (
	shutdownReason = "interrupted by shutdown"
	orphanReason   = "scan was not being tracked and was marked failed during reconciliation"
)

// Shutdown stops every poll loop and marks scans still in flight as failed.
// Starts after Shutdown are rejected.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("failed to stop scan polling: %w", ctx.Err())
	}

	o.mu.Lock()
	remaining := make([]*entry, 0, len(o.active))
	for _, e := range o.active {
		remaining = append(remaining, e)
	}
	o.active = make(map[uuid.UUID]*entry)
	o.mu.Unlock()

	for _, e := range remaining {
		o.fail(e, "shutdown", shutdownReason)
		o.releaseAuth(e.auth)
	}

	if len(remaining) > 0 {
		logrus.Infof("Marked %d in-flight scans as interrupted", len(remaining))
	}
	return nil
}

// ReconcileOrphans marks scans that storage lists as running but that no
// poll loop owns, e.g. after a crash, as failed. It returns how many were marked.
func (o *Orchestrator) ReconcileOrphans(ctx context.Context) (int, error) {
	running, err := o.store.ListRunningScans(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list running scans: %w", err)
	}

	marked := 0
	for _, scan := range running {
		o.mu.Lock()
		_, tracked := o.active[scan.ID]
		o.mu.Unlock()
		if tracked {
			continue
		}

		// Finished scans leave the active table too, so only a still running row is failed.
		changed, err := o.store.FailRunningScan(ctx, scan.ID, orphanReason, o.now())
		if err != nil {
			logrus.Errorf("Failed to mark orphaned scan %s failed: %v", scan.ID, err)
			continue
		}
		if !changed {
			continue
		}
		marked++

		if o.publisher != nil {
			e := &entry{
				id:        scan.ID,
				kind:      scan.Kind,
				status:    database.StatusFailed,
				progress:  scan.Progress,
				target:    scan.TargetURL,
				startedAt: scan.StartedAt,
				errMsg:    orphanReason,
			}
			o.publisher.Publish(e.event())
		}
	}

	if marked > 0 {
		logrus.Warnf("Marked %d orphaned scans as failed", marked)
	}
	return marked, nil
}

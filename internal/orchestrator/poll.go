package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vulnscope/internal/database"
	"github.com/vulnscope/internal/scanner"
)

// poll queries the Scanner on every tick until the scan is terminal
func (o *Orchestrator) poll(e *entry) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
		}

		if o.tick(e) {
			return
		}
	}
}

// tick performs one poll and reports whether polling is over
func (o *Orchestrator) tick(e *entry) bool {
	if o.cfg.MaxDuration > 0 && o.now().Sub(e.startedAt) > o.cfg.MaxDuration {
		o.fail(e, "max_duration", fmt.Sprintf("scan exceeded the maximum duration of %s", o.cfg.MaxDuration))
		o.advance(e, false)
		return true
	}

	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.CallTimeout)
	progress, err := o.scanner.Status(ctx, e.job, e.scannerID)
	cancel()

	if err != nil {
		if o.ctx.Err() != nil {
			return true
		}
		e.failures++
		e.log().Warnf("Failed to get scan status (%d/%d): %v", e.failures, o.cfg.MaxPollFailures, err)
		if e.failures >= o.cfg.MaxPollFailures {
			o.fail(e, "poll_failures", fmt.Sprintf("lost contact with the scanner: %v", err))
			o.advance(e, false)
			return true
		}
		o.publish(e)
		return false
	}
	e.failures = 0

	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	o.mu.Lock()
	if progress > e.progress {
		e.progress = progress
	}
	e.scan.Progress = e.progress
	current := e.progress
	o.mu.Unlock()

	ctx, cancel = context.WithTimeout(o.ctx, o.cfg.CallTimeout)
	if err := o.store.UpdateScanProgress(ctx, e.id, current); err != nil {
		e.log().Warnf("Failed to update scan progress: %v", err)
	}
	cancel()

	o.publish(e)

	if current < 100 {
		return false
	}

	if err := o.finalize(e); err != nil {
		if o.ctx.Err() != nil {
			// Left in the active table; Shutdown marks it interrupted.
			return true
		}
		o.fail(e, "finalize", err.Error())
		o.advance(e, false)
		return true
	}

	o.advance(e, true)
	return true
}

// finalize fetches alerts, persists them with the summary and completes the scan
func (o *Orchestrator) finalize(e *entry) error {
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.CallTimeout)
	defer cancel()

	found, err := o.scanner.Alerts(ctx, e.target)
	if err != nil {
		return fmt.Errorf("failed to fetch alerts: %w", err)
	}

	alerts := convertAlerts(e.id, found)
	summary := database.Summarize(alerts)

	if err := o.store.SaveScanResults(ctx, e.id, alerts); err != nil {
		return fmt.Errorf("failed to save scan results: %w", err)
	}

	end := o.now()
	scan := copyScan(e.scan)
	scan.Status = database.StatusCompleted
	scan.Progress = 100
	scan.EndTime = &end
	scan.Summary = &summary
	if err := o.store.UpdateScan(ctx, scan); err != nil {
		return fmt.Errorf("failed to complete scan: %w", err)
	}
	e.scan = scan

	o.mu.Lock()
	e.status = database.StatusCompleted
	o.mu.Unlock()

	o.metrics.RecordScanCompleted(string(e.kind), end.Sub(e.startedAt))
	o.metrics.RecordAlerts(string(database.SeverityHigh), summary.High)
	o.metrics.RecordAlerts(string(database.SeverityMedium), summary.Medium)
	o.metrics.RecordAlerts(string(database.SeverityLow), summary.Low)
	o.metrics.RecordAlerts(string(database.SeverityInformational), summary.Informational)

	e.log().WithField("alerts", summary.Total).Info("Scan completed")
	o.publish(e)
	return nil
}

// fail marks the scan failed. Persisting uses its own deadline so it also
// runs while shutting down.
func (o *Orchestrator) fail(e *entry, label, reason string) {
	end := o.now()

	scan := copyScan(e.scan)
	scan.Status = database.StatusFailed
	scan.EndTime = &end
	scan.Summary = nil
	scan.Error = reason

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CallTimeout)
	defer cancel()
	if err := o.store.UpdateScan(ctx, scan); err != nil {
		e.log().Errorf("Failed to mark scan failed: %v", err)
	}
	e.scan = scan

	o.mu.Lock()
	e.status = database.StatusFailed
	e.errMsg = reason
	o.mu.Unlock()

	o.metrics.RecordScanFailed(string(e.kind), label, end.Sub(e.startedAt))
	e.log().Warnf("Scan failed: %s", reason)
	o.publish(e)
}

// advance runs after the scan reached a terminal state: it drops the active
// entry and, for a completed crawl that is not a follow-up, starts the
// vulnerability scan of the chain.
func (o *Orchestrator) advance(e *entry, completed bool) {
	o.mu.Lock()
	delete(o.active, e.id)
	closed := o.closed
	o.mu.Unlock()

	if completed && e.kind == database.KindCrawl && !e.followUp && !closed {
		o.startFollowUp(e)
		return
	}

	o.releaseAuth(e.auth)
}

// startFollowUp starts the vulnerability scan chained to a completed crawl.
// It reuses the crawl's context and user and is not charged against quotas.
func (o *Orchestrator) startFollowUp(crawl *entry) {
	e := &entry{
		id:         uuid.New(),
		kind:       database.KindVulnerability,
		job:        scanner.JobActiveScan,
		userID:     crawl.userID,
		target:     crawl.target,
		limits:     crawl.limits,
		auth:       crawl.auth,
		followUp:   true,
		recurse:    crawl.recurse,
		policyName: crawl.policyName,
	}

	cfg := crawl.scan.Config
	cfg.AJAX = false
	cfg.APIImportURL = ""
	parent := uuid.NullUUID{UUID: crawl.id, Valid: true}

	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.CallTimeout)
	defer cancel()

	scannerID, err := o.scanner.StartActiveScan(ctx, e.activeScanRequest())
	if err != nil {
		e.log().Errorf("Failed to start follow-up vulnerability scan: %v", err)
		o.recordFailedFollowUp(e, cfg, parent, err)
		o.releaseAuth(e.auth)
		return
	}
	e.scannerID = scannerID

	if _, err := o.register(ctx, e, cfg, parent); err != nil {
		e.log().Errorf("Failed to register follow-up vulnerability scan: %v", err)
	}
}

// recordFailedFollowUp persists a follow-up that never started so the failure shows in history
func (o *Orchestrator) recordFailedFollowUp(e *entry, cfg database.ScanConfig, parent uuid.NullUUID, cause error) {
	now := o.now()
	scan := &database.Scan{
		ID:           e.id,
		UserID:       e.userID,
		TargetURL:    e.target,
		Kind:         e.kind,
		Status:       database.StatusFailed,
		Config:       cfg,
		ParentScanID: parent,
		Error:        fmt.Sprintf("failed to start scan: %v", cause),
		StartedAt:    now,
		EndTime:      &now,
	}
	if e.auth != nil {
		scan.ContextName = e.auth.Name
		scan.ContextID = e.auth.ID
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CallTimeout)
	defer cancel()
	if err := o.store.CreateScan(ctx, scan); err != nil {
		logrus.Errorf("Failed to record failed follow-up scan for %s: %v", e.target, err)
	}

	o.metrics.RecordScanStarted(string(e.kind), true)
	o.metrics.RecordScanFailed(string(e.kind), "start", 0)

	if o.publisher != nil {
		e.startedAt = now
		e.status = database.StatusFailed
		e.errMsg = scan.Error
		o.publisher.Publish(e.event())
	}
}

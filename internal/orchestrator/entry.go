package orchestrator

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vulnscope/internal/authctx"
	"github.com/vulnscope/internal/broadcast"
	"github.com/vulnscope/internal/database"
	"github.com/vulnscope/internal/scanner"
	"github.com/vulnscope/internal/tiers"
)

// entry is the in-process state of one scan being polled. Progress and
// status are guarded by the orchestrator mutex; everything else is owned by
// the scan's poll goroutine.
type entry struct {
	id         uuid.UUID
	scannerID  string
	kind       database.ScanKind
	job        scanner.JobKind
	status     database.ScanStatus
	progress   int
	userID     string
	target     string
	startedAt  time.Time
	limits     tiers.Limits
	auth       *authctx.Context
	usedAJAX   bool
	followUp   bool
	recurse    bool
	policyName string
	failures   int
	errMsg     string

	scan *database.Scan
}

func (e *entry) event() broadcast.Event {
	status := e.status
	if status == "" {
		status = database.StatusRunning
	}
	return broadcast.Event{
		ScanID:    e.id.String(),
		Type:      string(e.kind),
		Status:    string(status),
		Progress:  e.progress,
		TargetURL: e.target,
		StartTime: e.startedAt,
		Error:     e.errMsg,
	}
}

func (e *entry) activeScanRequest() scanner.ActiveScanRequest {
	req := scanner.ActiveScanRequest{
		URL:        e.target,
		PolicyName: e.policyName,
		Recurse:    e.recurse,
	}
	if e.auth != nil {
		req.ContextID = e.auth.ID
		req.UserID = e.auth.UserID
	}
	return req
}

func (e *entry) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"scan_id":    e.id,
		"kind":       e.kind,
		"target":     e.target,
		"scanner_id": e.scannerID,
		"follow_up":  e.followUp,
	})
}

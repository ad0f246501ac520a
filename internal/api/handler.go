package api

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/vulnscope/internal/database"
	"github.com/vulnscope/internal/orchestrator"
	"github.com/vulnscope/internal/report"
	"github.com/vulnscope/internal/subscription"
	"github.com/vulnscope/internal/tiers"
)

const maxHistoryLimit = 100

func badRequest(c fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(response{Error: true, Message: message})
}

// HealthHandler defines the handler for the /healthz endpoint.
func (s *Server) HealthHandler(c fiber.Ctx) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	health := s.svc.Health(ctx)
	if !health.Healthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(health)
	}
	return c.Status(fiber.StatusOK).JSON(health)
}

// TiersHandler defines the handler for the /api/tiers endpoint.
func (s *Server) TiersHandler(c fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(TiersResponse{Tiers: s.svc.Policy.All()})
}

// StartCrawlHandler starts a crawl that is followed by a vulnerability scan.
func (s *Server) StartCrawlHandler(c fiber.Ctx, userID string) error {
	return s.startScan(c, userID, s.svc.Orchestrator.StartCrawl)
}

// StartVulnerabilityHandler starts a standalone vulnerability scan.
func (s *Server) StartVulnerabilityHandler(c fiber.Ctx, userID string) error {
	return s.startScan(c, userID, s.svc.Orchestrator.StartVulnerabilityScan)
}

type startFunc func(ctx context.Context, req orchestrator.ScanRequest) (*database.Scan, error)

func (s *Server) startScan(c fiber.Ctx, userID string, start startFunc) error {
	var data StartScanRequest
	if err := c.Bind().Body(&data); err != nil {
		return badRequest(c, "Invalid data provided.")
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	// Quota checks fail closed without a subscription, so create the default one first.
	if _, err := s.svc.Ledger.UpsertSubscription(ctx, userID, subscription.Update{}); err != nil {
		return fail(c, err)
	}

	scan, err := start(ctx, data.toScanRequest(userID))
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(scan)
}

// HistoryHandler lists the user's most recent scans.
func (s *Server) HistoryHandler(c fiber.Ctx, userID string) error {
	limit := database.DefaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return badRequest(c, "limit must be a positive integer.")
		}
		limit = n
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	scans, err := s.svc.Store.GetScanHistory(ctx, userID, limit)
	if err != nil {
		return fail(c, err)
	}
	if scans == nil {
		scans = []*database.Scan{}
	}
	return c.Status(fiber.StatusOK).JSON(scans)
}

// ActiveHandler returns the scans currently being polled.
func (s *Server) ActiveHandler(c fiber.Ctx, _ string) error {
	return c.Status(fiber.StatusOK).JSON(s.svc.Orchestrator.ActiveScans())
}

// ScanHandler returns one scan record.
func (s *Server) ScanHandler(c fiber.Ctx, userID string) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	scan, err := s.ownedScan(ctx, c, userID)
	if err != nil || scan == nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(scan)
}

// ResultsHandler returns the findings of a scan.
func (s *Server) ResultsHandler(c fiber.Ctx, userID string) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	scan, err := s.ownedScan(ctx, c, userID)
	if err != nil || scan == nil {
		return err
	}

	alerts, err := s.svc.Store.GetScanResults(ctx, scan.ID)
	if err != nil {
		return fail(c, err)
	}
	if alerts == nil {
		alerts = []*database.Alert{}
	}
	return c.Status(fiber.StatusOK).JSON(ResultsResponse{
		ScanID:  scan.ID.String(),
		Summary: database.Summarize(alerts),
		Alerts:  alerts,
	})
}

// ReportHandler renders a report of a completed scan.
func (s *Server) ReportHandler(c fiber.Ctx, userID string) error {
	format := strings.ToLower(c.Query("format", tiers.FormatHTML))
	if !report.Supported(format) {
		return badRequest(c, fmt.Sprintf("Unsupported report format %q.", format))
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	limits, err := s.svc.Ledger.LimitsFor(ctx, userID)
	if err != nil {
		return fail(c, err)
	}
	if !limits.AllowsReportFormat(format) {
		return c.Status(fiber.StatusForbidden).JSON(response{
			Error:   true,
			Message: fmt.Sprintf("Report format %s is not included in your plan.", format),
		})
	}

	scan, err := s.ownedScan(ctx, c, userID)
	if err != nil || scan == nil {
		return err
	}

	rendered, err := s.svc.Reports.Generate(ctx, scan.ID, format)
	if err != nil {
		return fail(c, err)
	}

	c.Set(fiber.HeaderContentType, rendered.ContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", rendered.FileName))
	if rendered.Encoding != "" {
		c.Set("Content-Transfer-Encoding", rendered.Encoding)
	}
	return c.Status(fiber.StatusOK).Send(rendered.Content)
}

// AuthTestHandler performs an authentication dry-run.
func (s *Server) AuthTestHandler(c fiber.Ctx, userID string) error {
	var data AuthTestRequest
	if err := c.Bind().Body(&data); err != nil {
		return badRequest(c, "Invalid data provided.")
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	limits, err := s.svc.Ledger.LimitsFor(ctx, userID)
	if err != nil {
		return fail(c, err)
	}
	if !limits.Features.ContextAuthentication {
		return c.Status(fiber.StatusForbidden).JSON(response{
			Error:   true,
			Message: "Authenticated scanning is not included in your plan.",
		})
	}

	result := s.svc.Auth.TestAuthentication(ctx, data.TargetURL, data.AuthConfig)
	return c.Status(fiber.StatusOK).JSON(result)
}

// SubscriptionHandler returns the user's subscription, creating the default one on first access.
func (s *Server) SubscriptionHandler(c fiber.Ctx, userID string) error {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	sub, err := s.svc.Ledger.UpsertSubscription(ctx, userID, subscription.Update{})
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(SubscriptionResponse{
		Subscription: sub,
		Limits:       s.svc.Policy.LimitsFor(sub.Tier),
	})
}

// UpdateSubscriptionHandler changes the user's tier or active flag. It is
// only served when self-service plan changes are enabled.
func (s *Server) UpdateSubscriptionHandler(c fiber.Ctx, userID string) error {
	if !s.cfg.PlanChanges {
		return c.Status(fiber.StatusForbidden).JSON(response{
			Error:   true,
			Message: "Plan changes are managed by billing.",
		})
	}

	var data SubscriptionUpdateRequest
	if err := c.Bind().Body(&data); err != nil {
		return badRequest(c, "Invalid data provided.")
	}

	update := subscription.Update{IsActive: data.IsActive}
	if data.Tier != nil {
		tier := tiers.Tier(strings.ToLower(strings.TrimSpace(*data.Tier)))
		if !tier.Valid() {
			return badRequest(c, fmt.Sprintf("Unknown tier %q.", *data.Tier))
		}
		update.Tier = &tier
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	sub, err := s.svc.Ledger.UpsertSubscription(ctx, userID, update)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(SubscriptionResponse{
		Subscription: sub,
		Limits:       s.svc.Policy.LimitsFor(sub.Tier),
	})
}

// ownedScan loads the scan named in the path. It writes the error response
// itself and returns a nil scan when the request should stop.
func (s *Server) ownedScan(ctx context.Context, c fiber.Ctx, userID string) (*database.Scan, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return nil, badRequest(c, "Invalid scan id.")
	}

	scan, err := s.svc.Store.GetScan(ctx, id)
	if err != nil {
		return nil, fail(c, err)
	}
	if scan == nil || scan.UserID != userID {
		return nil, fail(c, fmt.Errorf("%w: %s", report.ErrScanNotFound, id))
	}
	return scan, nil
}

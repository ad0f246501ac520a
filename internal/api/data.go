package api

import (
	"github.com/vulnscope/internal/authctx"
	"github.com/vulnscope/internal/database"
	"github.com/vulnscope/internal/orchestrator"
	"github.com/vulnscope/internal/tiers"
)

// response is the error body of every failed request
type response struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// StartScanRequest is the body of both scan start endpoints
type StartScanRequest struct {
	URL          string              `json:"url"`
	Config       database.ScanConfig `json:"config"`
	AJAX         bool                `json:"ajax"`
	APIImport    string              `json:"apiImport"`
	CustomPolicy string              `json:"customPolicy"`
	ContextAuth  *authctx.Config     `json:"contextAuth"`
	RequireAuth  bool                `json:"requireAuth"`
}

func (r StartScanRequest) toScanRequest(userID string) orchestrator.ScanRequest {
	return orchestrator.ScanRequest{
		UserID:       userID,
		URL:          r.URL,
		Config:       r.Config,
		AJAX:         r.AJAX,
		APIImportURL: r.APIImport,
		CustomPolicy: r.CustomPolicy,
		Auth:         r.ContextAuth,
		RequireAuth:  r.RequireAuth,
	}
}

// AuthTestRequest is the body of the authentication dry-run
type AuthTestRequest struct {
	TargetURL  string         `json:"targetUrl"`
	AuthConfig authctx.Config `json:"authConfig"`
}

// SubscriptionUpdateRequest changes a user's plan. Absent fields are kept.
type SubscriptionUpdateRequest struct {
	Tier     *string `json:"tier"`
	IsActive *bool   `json:"isActive"`
}

// SubscriptionResponse is a subscription with the limits it grants
type SubscriptionResponse struct {
	Subscription *database.Subscription `json:"subscription"`
	Limits       tiers.Limits           `json:"limits"`
}

// TiersResponse lists every tier with its limits
type TiersResponse struct {
	Tiers map[tiers.Tier]tiers.Limits `json:"tiers"`
}

// ResultsResponse holds the findings of a scan
type ResultsResponse struct {
	ScanID  string               `json:"scanId"`
	Summary database.ScanSummary `json:"summary"`
	Alerts  []*database.Alert    `json:"alerts"`
}

package orchestrator

import (
	"github.com/google/uuid"
	"github.com/vulnscope/internal/database"
	"github.com/vulnscope/internal/scanner"
)

// convertAlerts normalizes Scanner alerts into records owned by scanID
func convertAlerts(scanID uuid.UUID, found []scanner.Alert) []*database.Alert {
	alerts := make([]*database.Alert, 0, len(found))
	for _, a := range found {
		severity, ok := database.ParseSeverity(a.Risk)
		if !ok {
			severity = database.SeverityInformational
		}
		alerts = append(alerts, &database.Alert{
			ID:          uuid.New(),
			ScanID:      scanID,
			PluginID:    a.PluginID,
			Severity:    severity,
			Confidence:  a.Confidence,
			URL:         a.URL,
			Name:        a.Title(),
			Description: a.Description,
			Solution:    a.Solution,
			References:  a.References(),
			Evidence:    a.Evidence,
		})
	}
	return alerts
}

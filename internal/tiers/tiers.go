package tiers

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tier identifies a subscription level
type Tier string

const (
	TierFree         Tier = "free"
	TierBasic        Tier = "basic"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// Scan types a tier may permit
const (
	ScanTypeQuick = "quick"
	ScanTypeFull  = "full"
)

// Report formats a tier may permit
const (
	FormatHTML = "html"
	FormatJSON = "json"
	FormatXML  = "xml"
	FormatPDF  = "pdf"
)

// AllTiers lists tiers from lowest to highest
var AllTiers = []Tier{TierFree, TierBasic, TierProfessional, TierEnterprise}

// Valid reports whether t names a known tier
func (t Tier) Valid() bool {
	for _, known := range AllTiers {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTier normalizes a tier name. Unknown names fall back to free.
func ParseTier(name string) Tier {
	t := Tier(strings.ToLower(strings.TrimSpace(name)))
	if !t.Valid() {
		return TierFree
	}
	return t
}

// Features holds optional capability switches
type Features struct {
	AJAXSpider            bool `json:"ajaxSpider" yaml:"ajax_spider"`
	CustomScanPolicies    bool `json:"customScanPolicies" yaml:"custom_scan_policies"`
	APIScanning           bool `json:"apiScanning" yaml:"api_scanning"`
	ContextAuthentication bool `json:"contextAuthentication" yaml:"context_authentication"`
}

// Limits is the full set of quotas and capabilities granted by a tier
type Limits struct {
	MaxActiveScansConcurrent int      `json:"maxActiveScansConcurrent" yaml:"max_active_scans_concurrent"`
	MaxScansPerDay           int      `json:"maxScansPerDay" yaml:"max_scans_per_day"`
	MaxScansPerMonth         int      `json:"maxScansPerMonth" yaml:"max_scans_per_month"`
	MaxURLsPerScan           int      `json:"maxUrlsPerScan" yaml:"max_urls_per_scan"`
	ScanDepth                int      `json:"scanDepth" yaml:"scan_depth"`
	AdvancedScanOptions      bool     `json:"advancedScanOptions" yaml:"advanced_scan_options"`
	ScheduledScans           bool     `json:"scheduledScans" yaml:"scheduled_scans"`
	APIAccess                bool     `json:"apiAccess" yaml:"api_access"`
	ReportFormats            []string `json:"reportFormats" yaml:"report_formats"`
	ScanTypes                []string `json:"scanTypes" yaml:"scan_types"`
	RetentionDays            int      `json:"retentionDays" yaml:"retention_days"`
	SupportLevel             string   `json:"supportLevel" yaml:"support_level"`
	Features                 Features `json:"features" yaml:"features"`
}

// AllowsReportFormat reports whether format is granted
func (l Limits) AllowsReportFormat(format string) bool {
	return contains(l.ReportFormats, strings.ToLower(format))
}

// AllowsScanType reports whether scanType is granted
func (l Limits) AllowsScanType(scanType string) bool {
	return contains(l.ScanTypes, strings.ToLower(scanType))
}

func (l Limits) clone() Limits {
	l.ReportFormats = append([]string(nil), l.ReportFormats...)
	l.ScanTypes = append([]string(nil), l.ScanTypes...)
	return l
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

// DefaultLimits returns the built-in tier table
func DefaultLimits() map[Tier]Limits {
	allFeatures := Features{
		AJAXSpider:            true,
		CustomScanPolicies:    true,
		APIScanning:           true,
		ContextAuthentication: true,
	}

	return map[Tier]Limits{
		TierFree: {
			MaxActiveScansConcurrent: 1,
			MaxScansPerDay:           2,
			MaxScansPerMonth:         10,
			MaxURLsPerScan:           50,
			ScanDepth:                2,
			ReportFormats:            []string{FormatHTML, FormatJSON},
			ScanTypes:                []string{ScanTypeQuick},
			RetentionDays:            7,
			SupportLevel:             "community",
		},
		TierBasic: {
			MaxActiveScansConcurrent: 2,
			MaxScansPerDay:           10,
			MaxScansPerMonth:         100,
			MaxURLsPerScan:           500,
			ScanDepth:                5,
			ScheduledScans:           true,
			ReportFormats:            []string{FormatHTML, FormatJSON, FormatXML},
			ScanTypes:                []string{ScanTypeQuick},
			RetentionDays:            30,
			SupportLevel:             "email",
			Features:                 Features{AJAXSpider: true},
		},
		TierProfessional: {
			MaxActiveScansConcurrent: 5,
			MaxScansPerDay:           50,
			MaxScansPerMonth:         1000,
			MaxURLsPerScan:           5000,
			ScanDepth:                10,
			AdvancedScanOptions:      true,
			ScheduledScans:           true,
			APIAccess:                true,
			ReportFormats:            []string{FormatHTML, FormatJSON, FormatXML, FormatPDF},
			ScanTypes:                []string{ScanTypeQuick, ScanTypeFull},
			RetentionDays:            90,
			SupportLevel:             "priority",
			Features:                 allFeatures,
		},
		TierEnterprise: {
			MaxActiveScansConcurrent: 20,
			MaxScansPerDay:           500,
			MaxScansPerMonth:         10000,
			MaxURLsPerScan:           50000,
			ScanDepth:                20,
			AdvancedScanOptions:      true,
			ScheduledScans:           true,
			APIAccess:                true,
			ReportFormats:            []string{FormatHTML, FormatJSON, FormatXML, FormatPDF},
			ScanTypes:                []string{ScanTypeQuick, ScanTypeFull},
			RetentionDays:            365,
			SupportLevel:             "dedicated",
			Features:                 allFeatures,
		},
	}
}

// Policy maps tiers to limits. It is immutable once built.
type Policy struct {
	limits map[Tier]Limits
}

// NewPolicy builds a policy from the default table
func NewPolicy() *Policy {
	return &Policy{limits: DefaultLimits()}
}

// LoadPolicy builds a policy from the default table with optional overrides
// read from a YAML file. An empty path yields the defaults.
func LoadPolicy(path string) (*Policy, error) {
	policy := NewPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tiers file: %w", err)
	}

	if err := policy.applyOverrides(data); err != nil {
		return nil, err
	}

	return policy, nil
}

// applyOverrides decodes each named tier on top of its default entry, so
// fields absent from the document keep their built-in values.
func (p *Policy) applyOverrides(data []byte) error {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse tiers file: %w", err)
	}

	for name, node := range doc {
		tier := Tier(strings.ToLower(name))
		if !tier.Valid() {
			return fmt.Errorf("unknown tier in tiers file: %s", name)
		}

		limits := p.limits[tier].clone()
		if err := node.Decode(&limits); err != nil {
			return fmt.Errorf("failed to decode tier %s: %w", name, err)
		}
		p.limits[tier] = limits
	}

	return nil
}

// LimitsFor returns the limits of a tier. Unknown tiers resolve to free.
func (p *Policy) LimitsFor(tier Tier) Limits {
	if limits, ok := p.limits[tier]; ok {
		return limits.clone()
	}
	return p.limits[TierFree].clone()
}

// All returns every tier's limits keyed by tier name
func (p *Policy) All() map[Tier]Limits {
	out := make(map[Tier]Limits, len(p.limits))
	for tier, limits := range p.limits {
		out[tier] = limits.clone()
	}
	return out
}

// Names returns the configured tier names in ascending order of their daily quota
func (p *Policy) Names() []Tier {
	names := make([]Tier, 0, len(p.limits))
	for tier := range p.limits {
		names = append(names, tier)
	}
	sort.Slice(names, func(i, j int) bool {
		return p.limits[names[i]].MaxScansPerDay < p.limits[names[j]].MaxScansPerDay
	})
	return names
}

// YAML renders the effective table
func (p *Policy) YAML() ([]byte, error) {
	out := make(map[string]Limits, len(p.limits))
	for tier, limits := range p.limits {
		out[string(tier)] = limits
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to render tiers: %w", err)
	}
	return data, nil
}

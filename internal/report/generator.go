package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vulnscope/internal/database"
	"github.com/vulnscope/internal/metrics"
	"github.com/vulnscope/internal/scanner"
	"github.com/vulnscope/internal/tiers"
	"golang.org/x/sync/singleflight"
)

var (
	ErrScanNotFound      = errors.New("scan not found")
	ErrScanNotCompleted  = errors.New("scan is not completed")
	ErrUnsupportedFormat = errors.New("unsupported report format")
)

const (
	SourceScanner  = "scanner"
	SourceFallback = "fallback"

	EncodingBase64 = "base64"
)

var templates = map[string]string{
	tiers.FormatHTML: "traditional-html",
	tiers.FormatJSON: "traditional-json",
	tiers.FormatXML:  "traditional-xml",
	tiers.FormatPDF:  "traditional-pdf",
}

var contentTypes = map[string]string{
	tiers.FormatHTML: "text/html; charset=utf-8",
	tiers.FormatJSON: "application/json",
	tiers.FormatXML:  "application/xml",
	tiers.FormatPDF:  "application/pdf",
}

// Store is the part of storage the generator reads
type Store interface {
	GetScan(ctx context.Context, id uuid.UUID) (*database.Scan, error)
	GetScanResults(ctx context.Context, scanID uuid.UUID) ([]*database.Alert, error)
}

// Config holds report generation settings
type Config struct {
	// Dir is where the Scanner writes report files. It must be readable here.
	Dir     string
	Theme   string
	Title   string
	Timeout time.Duration
}

// Report is a rendered report ready to be served
type Report struct {
	Content     []byte
	ContentType string
	// Encoding is EncodingBase64 when Content holds base64 text rather than raw bytes
	Encoding string
	FileName string
	Source   string
}

// Generator renders reports through the Scanner, falling back to local rendering
type Generator struct {
	api     scanner.API
	store   Store
	cfg     Config
	metrics *metrics.Metrics
	group   singleflight.Group
}

// NewGenerator creates a new report generator
func NewGenerator(api scanner.API, store Store, cfg Config, m *metrics.Metrics) *Generator {
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	if cfg.Title == "" {
		cfg.Title = "Vulnerability Scan Report"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Generator{
		api:     api,
		store:   store,
		cfg:     cfg,
		metrics: m,
	}
}

// Supported reports whether format has a renderer
func Supported(format string) bool {
	_, ok := templates[format]
	return ok
}

// Generate renders the report of a completed scan in the given format.
// Identical concurrent requests share one rendering.
func (g *Generator) Generate(ctx context.Context, scanID uuid.UUID, format string) (*Report, error) {
	if !Supported(format) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	ch := g.group.DoChan(scanID.String()+":"+format, func() (interface{}, error) {
		// The rendering is shared, so it outlives whichever caller started it.
		// The bound leaves the local fallback a full timeout after the Scanner.
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*g.cfg.Timeout)
		defer cancel()
		return g.generate(shared, scanID, format)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Report), nil
	}
}

func (g *Generator) generate(ctx context.Context, scanID uuid.UUID, format string) (*Report, error) {
	scan, err := g.store.GetScan(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get scan: %w", err)
	}
	if scan == nil {
		return nil, fmt.Errorf("%w: %s", ErrScanNotFound, scanID)
	}
	if scan.Status != database.StatusCompleted {
		return nil, fmt.Errorf("%w: scan %s is %s", ErrScanNotCompleted, scanID, scan.Status)
	}

	log := logrus.WithFields(logrus.Fields{
		"scan_id": scanID,
		"format":  format,
	})

	report, err := g.fromScanner(ctx, scan, format)
	if err == nil {
		g.record(format, SourceScanner)
		log.Info("Report generated by scanner")
		return report, nil
	}
	log.Warnf("Scanner report generation failed, rendering locally: %v", err)

	alerts, err := g.store.GetScanResults(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get scan results: %w", err)
	}

	report, err = render(scan, alerts, format, g.cfg.Title)
	if err != nil {
		return nil, fmt.Errorf("failed to render %s report: %w", format, err)
	}
	g.record(format, SourceFallback)
	return report, nil
}

// fromScanner asks the Scanner to write the report into the shared directory
// and reads it back
func (g *Generator) fromScanner(ctx context.Context, scan *database.Scan, format string) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	fileName := fmt.Sprintf("report-%s-%d.%s", scan.ID, time.Now().UnixNano(), format)
	path, err := g.api.GenerateReport(ctx, scanner.ReportRequest{
		Title:    g.cfg.Title,
		Template: templates[format],
		Theme:    g.cfg.Theme,
		Sites:    []string{scan.TargetURL},
		Dir:      g.cfg.Dir,
		FileName: fileName,
	})
	if err != nil {
		return nil, err
	}

	// The Scanner reports its own path; the file lives in our view of the shared directory.
	local := filepath.Join(g.cfg.Dir, filepath.Base(path))
	content, err := os.ReadFile(local)
	if err != nil {
		return nil, fmt.Errorf("failed to read report file: %w", err)
	}
	if err := os.Remove(local); err != nil {
		logrus.Warnf("Failed to remove report file %s: %v", local, err)
	}

	return &Report{
		Content:     content,
		ContentType: contentTypes[format],
		FileName:    downloadName(scan, format),
		Source:      SourceScanner,
	}, nil
}

func (g *Generator) record(format, source string) {
	if g.metrics != nil {
		g.metrics.RecordReport(format, source)
	}
}

func downloadName(scan *database.Scan, format string) string {
	return fmt.Sprintf("scan-report-%s.%s", scan.ID, format)
}

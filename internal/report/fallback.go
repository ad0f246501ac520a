package report

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	gofpdf "github.com/go-pdf/fpdf"
	"github.com/vulnscope/internal/database"
	"github.com/vulnscope/internal/tiers"
)

var severityOrder = map[database.Severity]int{
	database.SeverityHigh:          0,
	database.SeverityMedium:        1,
	database.SeverityLow:           2,
	database.SeverityInformational: 3,
}

// document is the locally rendered view of a scan and its findings
type document struct {
	XMLName     xml.Name             `json:"-" xml:"report"`
	Title       string               `json:"title" xml:"title"`
	GeneratedAt time.Time            `json:"generatedAt" xml:"generatedAt"`
	Scan        documentScan         `json:"scan" xml:"scan"`
	Summary     database.ScanSummary `json:"summary" xml:"summary"`
	Alerts      []documentAlert      `json:"alerts" xml:"alerts>alert"`
}

type documentScan struct {
	ID        string     `json:"id" xml:"id,attr"`
	Type      string     `json:"type" xml:"type"`
	TargetURL string     `json:"targetUrl" xml:"targetUrl"`
	Status    string     `json:"status" xml:"status"`
	StartTime time.Time  `json:"startTime" xml:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty" xml:"endTime,omitempty"`
}

type documentAlert struct {
	Name        string   `json:"name" xml:"name"`
	Severity    string   `json:"severity" xml:"severity,attr"`
	Confidence  string   `json:"confidence" xml:"confidence"`
	URL         string   `json:"url" xml:"url"`
	Description string   `json:"description" xml:"description"`
	Solution    string   `json:"solution" xml:"solution"`
	Evidence    string   `json:"evidence,omitempty" xml:"evidence,omitempty"`
	PluginID    string   `json:"pluginId" xml:"pluginId"`
	References  []string `json:"references,omitempty" xml:"references>reference,omitempty"`
}

func newDocument(scan *database.Scan, alerts []*database.Alert, title string) document {
	doc := document{
		Title:       title,
		GeneratedAt: time.Now().UTC(),
		Scan: documentScan{
			ID:        scan.ID.String(),
			Type:      string(scan.Kind),
			TargetURL: scan.TargetURL,
			Status:    string(scan.Status),
			StartTime: scan.StartedAt,
			EndTime:   scan.EndTime,
		},
		Summary: database.Summarize(alerts),
		Alerts:  make([]documentAlert, 0, len(alerts)),
	}

	sorted := append([]*database.Alert(nil), alerts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return severityOrder[sorted[i].Severity] < severityOrder[sorted[j].Severity]
	})
	for _, a := range sorted {
		doc.Alerts = append(doc.Alerts, documentAlert{
			Name:        a.Name,
			Severity:    string(a.Severity),
			Confidence:  a.Confidence,
			URL:         a.URL,
			Description: a.Description,
			Solution:    a.Solution,
			Evidence:    a.Evidence,
			PluginID:    a.PluginID,
			References:  a.References,
		})
	}
	return doc
}

// render synthesizes a report from persisted records
func render(scan *database.Scan, alerts []*database.Alert, format, title string) (*Report, error) {
	doc := newDocument(scan, alerts, title)

	var (
		content  []byte
		encoding string
		err      error
	)
	switch format {
	case tiers.FormatJSON:
		content, err = json.MarshalIndent(doc, "", "  ")
	case tiers.FormatXML:
		content, err = renderXML(doc)
	case tiers.FormatHTML:
		content, err = renderHTML(doc)
	case tiers.FormatPDF:
		content, err = renderPDF(doc)
		encoding = EncodingBase64
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}

	return &Report{
		Content:     content,
		ContentType: contentTypes[format],
		Encoding:    encoding,
		FileName:    downloadName(scan, format),
		Source:      SourceFallback,
	}, nil
}

func renderXML(doc document) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"date":  func(t time.Time) string { return t.Format(time.RFC1123) },
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2em; color: #222; }
table { border-collapse: collapse; }
td, th { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
.high { color: #b00020; } .medium { color: #e67e00; } .low { color: #b8a000; } .informational { color: #1565c0; }
.alert { border-top: 1px solid #ddd; padding: 0.5em 0; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>Target: <strong>{{.Scan.TargetURL}}</strong><br>
Scan: {{.Scan.ID}} ({{.Scan.Type}})<br>
Started: {{date .Scan.StartTime}}{{if .Scan.EndTime}}<br>Finished: {{date .Scan.EndTime}}{{end}}</p>
<h2>Summary</h2>
<table>
<tr><th>High</th><th>Medium</th><th>Low</th><th>Informational</th><th>Total</th></tr>
<tr><td>{{.Summary.High}}</td><td>{{.Summary.Medium}}</td><td>{{.Summary.Low}}</td><td>{{.Summary.Informational}}</td><td>{{.Summary.Total}}</td></tr>
</table>
<h2>Findings</h2>
{{range .Alerts}}<div class="alert">
<h3 class="{{lower .Severity}}">[{{.Severity}}] {{.Name}}</h3>
<p><strong>URL:</strong> {{.URL}}<br><strong>Confidence:</strong> {{.Confidence}}</p>
{{if .Description}}<p>{{.Description}}</p>{{end}}
{{if .Solution}}<p><strong>Solution:</strong> {{.Solution}}</p>{{end}}
{{if .Evidence}}<p><strong>Evidence:</strong> <code>{{.Evidence}}</code></p>{{end}}
{{if .References}}<ul>{{range .References}}<li>{{.}}</li>{{end}}</ul>{{end}}
</div>
{{else}}<p>No findings.</p>
{{end}}<p><small>Generated {{date .GeneratedAt}}</small></p>
</body>
</html>
`))

func renderHTML(doc document) ([]byte, error) {
	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// renderPDF builds a simple findings document and returns it base64 encoded
func renderPDF(doc document) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(doc.Title, true)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.SetTextColor(30, 30, 30)
	pdf.MultiCell(0, 8, tr(doc.Title), "", "L", false)
	pdf.Ln(2)

	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(80, 80, 80)
	pdf.MultiCell(0, 5, tr(fmt.Sprintf("Target: %s", doc.Scan.TargetURL)), "", "L", false)
	pdf.MultiCell(0, 5, fmt.Sprintf("Scan: %s (%s)", doc.Scan.ID, doc.Scan.Type), "", "L", false)
	pdf.MultiCell(0, 5, fmt.Sprintf("Started: %s", doc.Scan.StartTime.Format(time.RFC1123)), "", "L", false)
	pdf.Ln(5)

	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetFillColor(230, 230, 230)
	headers := []string{"High", "Medium", "Low", "Informational", "Total"}
	counts := []int{doc.Summary.High, doc.Summary.Medium, doc.Summary.Low, doc.Summary.Informational, doc.Summary.Total}
	for _, h := range headers {
		pdf.CellFormat(34, 7, h, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Helvetica", "", 9)
	for _, c := range counts {
		pdf.CellFormat(34, 7, fmt.Sprintf("%d", c), "1", 0, "C", false, 0, "")
	}
	pdf.Ln(10)

	if len(doc.Alerts) == 0 {
		pdf.SetFont("Helvetica", "", 10)
		pdf.MultiCell(0, 5, "No findings.", "", "L", false)
	}

	for _, a := range doc.Alerts {
		r, g, b := severityColor(a.Severity)
		pdf.SetFont("Helvetica", "B", 11)
		pdf.SetTextColor(r, g, b)
		pdf.MultiCell(0, 6, tr(fmt.Sprintf("[%s] %s", a.Severity, a.Name)), "", "L", false)

		pdf.SetFont("Helvetica", "", 9)
		pdf.SetTextColor(60, 60, 60)
		pdf.MultiCell(0, 5, tr("URL: "+a.URL), "", "L", false)
		if a.Description != "" {
			pdf.MultiCell(0, 5, tr(a.Description), "", "L", false)
		}
		if a.Solution != "" {
			pdf.MultiCell(0, 5, tr("Solution: "+a.Solution), "", "L", false)
		}
		pdf.Ln(3)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to write pdf: %w", err)
	}

	out := make([]byte, base64.StdEncoding.EncodedLen(buf.Len()))
	base64.StdEncoding.Encode(out, buf.Bytes())
	return out, nil
}

func severityColor(severity string) (int, int, int) {
	switch database.Severity(severity) {
	case database.SeverityHigh:
		return 176, 0, 32
	case database.SeverityMedium:
		return 230, 126, 0
	case database.SeverityLow:
		return 184, 160, 0
	}
	return 21, 101, 192
}

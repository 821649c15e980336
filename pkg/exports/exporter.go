package exports

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/i4g/dossiers/pkg/logging"
	"github.com/i4g/dossiers/pkg/types"
)

// Request describes one export run.
type Request struct {
	Markdown string
	BaseName string
	// Plan feeds the XLSX case ledger; nil skips it.
	Plan *types.Plan
}

// Artifacts lists the files an export produced. An empty path means that
// format was not produced.
type Artifacts struct {
	PDFPath  string   `json:"pdf_path,omitempty"`
	HTMLPath string   `json:"html_path,omitempty"`
	XLSXPath string   `json:"xlsx_path,omitempty"`
	Warnings []string `json:"warnings"`
}

// Exporter renders markdown into PDF and HTML, plus an XLSX case ledger.
type Exporter struct {
	Dir    string
	logger *slog.Logger
}

// NewExporter creates an Exporter writing into dir
func NewExporter(dir string, logger *slog.Logger) *Exporter {
	return &Exporter{Dir: dir, logger: logging.OrDefault(logger)}
}

// Export writes <base>.pdf, <base>.html and <base>.xlsx. Each format is
// independent: a failure is recorded as a warning and leaves that path empty.
func (e *Exporter) Export(ctx context.Context, req Request) (Artifacts, error) {
	out := Artifacts{Warnings: []string{}}
	if req.BaseName == "" {
		return out, fmt.Errorf("export: base name is required")
	}
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return out, fmt.Errorf("export: create directory: %w", err)
	}

	pdfPath := filepath.Join(e.Dir, req.BaseName+".pdf")
	if err := WritePDF(pdfPath, req.Markdown, e.Dir); err != nil {
		out.Warnings = append(out.Warnings, fmt.Sprintf("PDF export failed: %v", err))
	} else {
		out.PDFPath = pdfPath
	}

	if err := ctx.Err(); err != nil {
		return out, err
	}

	htmlPath := filepath.Join(e.Dir, req.BaseName+".html")
	if err := WriteHTML(htmlPath, req.Markdown, req.BaseName); err != nil {
		out.Warnings = append(out.Warnings, fmt.Sprintf("HTML export failed: %v", err))
	} else {
		out.HTMLPath = htmlPath
	}

	if req.Plan != nil {
		xlsxPath := filepath.Join(e.Dir, req.BaseName+".xlsx")
		if err := WriteLedger(xlsxPath, *req.Plan); err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("XLSX export failed: %v", err))
		} else {
			out.XLSXPath = xlsxPath
		}
	}

	e.logger.Debug("exports written", "base", req.BaseName, "warnings", len(out.Warnings))
	return out, nil
}

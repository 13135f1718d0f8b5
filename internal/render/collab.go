package render

import (
	"context"
	"strings"
	"time"
)

// PDFOptions constrain the headless-browser PDF render: A4, optional
// landscape, scale in (0.1, 2.0].
type PDFOptions struct {
	Landscape bool
	Scale     float64
}

// Browser is the headless-browser collaborator: HTML file to PNG (fixed
// viewport) and HTML file to PDF.
type Browser interface {
	RenderPNG(ctx context.Context, htmlPath, pngPath string) error
	RenderPDF(ctx context.Context, htmlPath, pdfPath string, opts PDFOptions) error
}

// Rasterizer converts one PDF page to PNG at the given dpi.
type Rasterizer interface {
	PageToPNG(ctx context.Context, pdfPath string, page, dpi int, pngPath string) error
}

// PDFToDocx converts pdf to docx with a hard external timeout; on timeout or
// failure callers fall back to HTMLToDocx.
type PDFToDocx interface {
	Convert(ctx context.Context, pdfPath, docxPath string, timeout time.Duration) error
}

// HTMLToDocx exports html to docx via a structured-table export.
type HTMLToDocx interface {
	Convert(ctx context.Context, htmlPath, docxPath string, landscape bool, scale float64) error
}

// HTMLToXlsx exports the first data table of an html file to xlsx.
type HTMLToXlsx interface {
	Convert(ctx context.Context, htmlPath, xlsxPath string) error
}

// EmailSender delivers a finished report. Returns false on a soft delivery
// failure that should not fail the run.
type EmailSender interface {
	Send(ctx context.Context, to []string, subject, body string, attachments []string) (bool, error)
}

// Collaborators bundles the external binary-render contracts a run needs.
// Any nil field disables that output format.
type Collaborators struct {
	Browser    Browser
	Rasterizer Rasterizer
	PDFToDocx  PDFToDocx
	HTMLToDocx HTMLToDocx
	HTMLToXlsx HTMLToXlsx
	Email      EmailSender
}

// NormalizeEmailTargets trims, lowercases the domain part, drops empties and
// duplicates, and preserves first-seen order. Idempotent.
func NormalizeEmailTargets(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, raw := range in {
		addr := normalizeEmail(raw)
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

func normalizeEmail(raw string) string {
	addr := strings.ToLower(strings.TrimSpace(raw))
	if !strings.Contains(addr, "@") {
		return ""
	}
	return addr
}

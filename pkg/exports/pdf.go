package exports

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-pdf/fpdf"
)

var (
	imageLine   = regexp.MustCompile(`^!\[[^\]]*\]\(([^)]+)\)$`)
	inlineMarks = strings.NewReplacer("**", "", "__", "", "`", "")
)

// WritePDF lays out md as a simple A4 document. Headings, bullets, table
// rows and PNG images are recognised; everything else is a paragraph.
// Relative image paths resolve against assetDir.
func WritePDF(path, md, assetDir string) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 15)
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 8, fmt.Sprintf("Page %d", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	scanner := bufio.NewScanner(strings.NewReader(md))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t")
		switch {
		case line == "":
			pdf.Ln(3)
		case strings.HasPrefix(line, "### "):
			heading(pdf, tr(inlineMarks.Replace(line[4:])), 12)
		case strings.HasPrefix(line, "## "):
			heading(pdf, tr(inlineMarks.Replace(line[3:])), 14)
		case strings.HasPrefix(line, "# "):
			heading(pdf, tr(inlineMarks.Replace(line[2:])), 18)
		case strings.HasPrefix(line, "- "):
			pdf.SetFont("Helvetica", "", 10)
			pdf.MultiCell(0, 5, tr("• "+inlineMarks.Replace(line[2:])), "", "L", false)
		case strings.HasPrefix(line, "|"):
			if isSeparatorRow(line) {
				continue
			}
			pdf.SetFont("Courier", "", 8)
			pdf.MultiCell(0, 4, tr(tableRow(line)), "", "L", false)
		case imageLine.MatchString(line):
			src := imageLine.FindStringSubmatch(line)[1]
			if !filepath.IsAbs(src) {
				src = filepath.Join(assetDir, filepath.FromSlash(src))
			}
			if _, err := os.Stat(src); err == nil && strings.EqualFold(filepath.Ext(src), ".png") {
				pdf.ImageOptions(src, 15, pdf.GetY(), 180, 0, true, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")
			}
		default:
			pdf.SetFont("Helvetica", "", 10)
			pdf.MultiCell(0, 5, tr(inlineMarks.Replace(line)), "", "L", false)
		}
		if err := pdf.Error(); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return pdf.OutputFileAndClose(path)
}

func heading(pdf *fpdf.Fpdf, text string, size float64) {
	pdf.Ln(2)
	pdf.SetFont("Helvetica", "B", size)
	pdf.MultiCell(0, size*0.5, text, "", "L", false)
	pdf.Ln(1)
}

func isSeparatorRow(line string) bool {
	return strings.Trim(line, "|-: ") == ""
}

func tableRow(line string) string {
	cells := strings.Split(strings.Trim(line, "|"), "|")
	for i, c := range cells {
		cells[i] = strings.TrimSpace(c)
	}
	return strings.Join(cells, "  |  ")
}

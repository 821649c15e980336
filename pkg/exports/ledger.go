package exports

import (
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/i4g/dossiers/pkg/types"
)

const (
	summarySheet = "Summary"
	casesSheet   = "Cases"
)

// WriteLedger writes the plan's cases to an XLSX workbook with a Summary
// sheet and one row per case on the Cases sheet.
func WriteLedger(path string, plan types.Plan) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	summary := [][]interface{}{
		{"Plan ID", plan.PlanID},
		{"Jurisdiction", plan.JurisdictionKey},
		{"Created", plan.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00")},
		{"Total loss (USD)", plan.TotalLossUSD.InexactFloat64()},
		{"Cases", len(plan.Cases)},
		{"Cross-border", plan.CrossBorder},
		{"Bundle reason", plan.BundleReason},
	}
	for i, row := range summary {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return err
		}
	}

	if _, err := f.NewSheet(casesSheet); err != nil {
		return err
	}
	header := []interface{}{"Case ID", "Accepted", "Jurisdiction", "Loss (USD)", "Cross-border", "Primary entities"}
	if err := f.SetSheetRow(casesSheet, "A1", &header); err != nil {
		return err
	}
	for i, c := range plan.Cases {
		accepted := ""
		if !c.AcceptedAt.IsZero() {
			accepted = c.AcceptedAt.UTC().Format("2006-01-02")
		}
		row := []interface{}{
			c.CaseID,
			accepted,
			c.Jurisdiction,
			c.LossAmountUSD.InexactFloat64(),
			c.CrossBorder,
			strings.Join(c.PrimaryEntities, ", "),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(casesSheet, cell, &row); err != nil {
			return err
		}
	}
	return f.SaveAs(path)
}

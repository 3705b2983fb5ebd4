// Package export writes the flattened divergence view and the audit trail
// as CSV or XLSX.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/TobiSchelling/schoolcheck/internal/database"
	"github.com/TobiSchelling/schoolcheck/internal/divergence"
)

// Format is an export file format.
type Format string

const (
	CSV  Format = "csv"
	XLSX Format = "xlsx"
)

// ParseFormat accepts "csv" or "xlsx" in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case CSV, XLSX:
		return f, nil
	}
	return "", fmt.Errorf("unknown export format %q (want csv or xlsx)", s)
}

// FormatFromPath picks the format from a file extension, defaulting to CSV.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return XLSX
	}
	return CSV
}

// Report writes the flattened report in the given format.
func Report(w io.Writer, format Format, r *divergence.Report) error {
	switch format {
	case XLSX:
		return ReportXLSX(w, r)
	default:
		return ReportCSV(w, r)
	}
}

// ReportCSV writes one line per detail with a header row.
func ReportCSV(w io.Writer, r *divergence.Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(divergence.ExportHeader()); err != nil {
		return err
	}
	for _, row := range divergence.ExportRows(r) {
		if err := cw.Write(row.Strings()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// AuditHeader returns the column names of the audit export.
func AuditHeader() []string {
	return []string{
		"id", "created_at", "type", "severity", "title", "entity_kind", "entity_id",
		"action", "automatic", "actor", "before", "after",
	}
}

func auditStrings(e database.AuditEntry) []string {
	return []string{
		e.ID, e.CreatedAt.Format("2006-01-02 15:04:05"), string(e.Type), e.Severity.Label(), e.Title,
		e.EntityKind, e.EntityID, e.Action, strconv.FormatBool(e.Automatic), e.Actor,
		string(e.Before), string(e.After),
	}
}

// AuditCSV writes audit entries with a header row.
func AuditCSV(w io.Writer, entries []database.AuditEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(AuditHeader()); err != nil {
		return err
	}
	for _, e := range entries {
		if err := cw.Write(auditStrings(e)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Sheet names used in the workbook.
const (
	DivergenceSheet = "Divergences"
	SummarySheet    = "Summary"
)

// ReportXLSX writes a workbook with the flattened rows and a severity
// summary sheet.
func ReportXLSX(w io.Writer, r *divergence.Report) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", DivergenceSheet); err != nil {
		return err
	}
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#E2E8F0"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return err
	}

	if err := writeRow(f, DivergenceSheet, 1, toAny(divergence.ExportHeader())); err != nil {
		return err
	}
	f.SetRowStyle(DivergenceSheet, 1, 1, headerStyle)
	for i, row := range divergence.ExportRows(r) {
		values := toAny(row.Strings())
		values[3] = row.Count
		if err := writeRow(f, DivergenceSheet, i+2, values); err != nil {
			return err
		}
	}
	f.SetColWidth(DivergenceSheet, "C", "C", 32)
	f.SetColWidth(DivergenceSheet, "J", "K", 48)

	if _, err := f.NewSheet(SummarySheet); err != nil {
		return err
	}
	if err := writeRow(f, SummarySheet, 1, []any{"severity", "entities"}); err != nil {
		return err
	}
	f.SetRowStyle(SummarySheet, 1, 1, headerStyle)
	severities := divergence.Severities()
	for i, sev := range severities {
		if err := writeRow(f, SummarySheet, i+2, []any{sev.Label(), r.Summary.BySeverity[sev]}); err != nil {
			return err
		}
	}
	totalRow := len(severities) + 2
	if err := writeRow(f, SummarySheet, totalRow, []any{"TOTAL", r.Summary.Total}); err != nil {
		return err
	}
	if !r.Complete {
		if err := writeRow(f, SummarySheet, totalRow+1, []any{"INCOMPLETE", "some checks did not finish"}); err != nil {
			return err
		}
	}

	return f.Write(w)
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return err
		}
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

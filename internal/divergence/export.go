package divergence

import "strconv"

// ExportHeader returns the column names of the flattened export view.
func ExportHeader() []string {
	return []string{
		"severity", "type", "title", "count", "entity_kind", "name",
		"code", "school", "grade", "problem", "suggested_fix",
	}
}

// ExportRow is one detail flattened together with its finding.
type ExportRow struct {
	SeverityLabel string
	Type          Type
	Title         string
	Count         int
	EntityKind    string
	Name          string
	Code          string
	School        string
	Grade         string
	Problem       string
	SuggestedFix  string
}

// Strings returns the row in ExportHeader order.
func (r ExportRow) Strings() []string {
	return []string{
		r.SeverityLabel, string(r.Type), r.Title, strconv.Itoa(r.Count), r.EntityKind,
		r.Name, r.Code, r.School, r.Grade, r.Problem, r.SuggestedFix,
	}
}

// ExportRows flattens every detail of the report into one row. A finding
// without details still yields one row so it is not lost from the export.
func ExportRows(r *Report) []ExportRow {
	var rows []ExportRow
	for _, f := range r.Findings {
		base := ExportRow{
			SeverityLabel: f.Severity.Label(),
			Type:          f.Type,
			Title:         f.Title,
			Count:         f.Count,
		}
		if len(f.Details) == 0 {
			base.Problem = f.Description
			rows = append(rows, base)
			continue
		}
		for _, d := range f.Details {
			row := base
			row.EntityKind = d.EntityKind
			row.Name = d.Name
			row.Code = d.Code
			row.School = d.School
			row.Grade = d.Grade
			row.Problem = d.Problem
			row.SuggestedFix = d.SuggestedFix
			rows = append(rows, row)
		}
	}
	return rows
}

package divergence

import "time"

// Summary aggregates a report's findings.
type Summary struct {
	Total      int              `json:"total"`
	BySeverity map[Severity]int `json:"by_severity"`
	ByType     map[Type]int     `json:"by_type"`
}

// Report is the result of one detection pass.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Complete    bool      `json:"complete"`
	Findings    []Finding `json:"findings"`
	Summary     Summary   `json:"summary"`
}

// NewReport sorts findings and computes the summary.
func NewReport(findings []Finding, complete bool, now time.Time) *Report {
	Sort(findings)
	return &Report{
		GeneratedAt: now,
		Complete:    complete,
		Findings:    findings,
		Summary:     Summarize(findings),
	}
}

// Summarize counts affected entities by severity and by type.
func Summarize(findings []Finding) Summary {
	s := Summary{
		BySeverity: make(map[Severity]int, len(Severities())),
		ByType:     make(map[Type]int, len(findings)),
	}
	for _, f := range findings {
		s.Total += f.Count
		s.BySeverity[f.Severity] += f.Count
		s.ByType[f.Type] += f.Count
	}
	return s
}

// Filter narrows a report. Zero values match everything.
type Filter struct {
	Severity Severity
	Type     Type
}

// Match reports whether f passes the filter.
func (flt Filter) Match(f Finding) bool {
	if flt.Severity != "" && f.Severity != flt.Severity {
		return false
	}
	if flt.Type != "" && f.Type != flt.Type {
		return false
	}
	return true
}

// Apply returns a new report holding only matching findings.
func (flt Filter) Apply(r *Report) *Report {
	if flt == (Filter{}) {
		return r
	}
	var kept []Finding
	for _, f := range r.Findings {
		if flt.Match(f) {
			kept = append(kept, f)
		}
	}
	return &Report{
		GeneratedAt: r.GeneratedAt,
		Complete:    r.Complete,
		Findings:    kept,
		Summary:     Summarize(kept),
	}
}

// Critical returns the number of entities covered by Critical findings.
func (r *Report) Critical() int {
	return r.Summary.BySeverity[Critical]
}

// Find returns the finding of the given type, if present.
func (r *Report) Find(t Type) (Finding, bool) {
	for _, f := range r.Findings {
		if f.Type == t {
			return f, true
		}
	}
	return Finding{}, false
}

package compliance

import (
	"sort"
	"time"
)

// CategoryReport aggregates the results of one category.
type CategoryReport struct {
	Category    Category `json:"category"`
	Status      Status   `json:"status"`
	Passed      int      `json:"passed"`
	Failed      int      `json:"failed"`
	FailedCodes []string `json:"failed_codes"`
	Errors      []string `json:"errors,omitempty"`
}

type Report struct {
	Scope         string           `json:"scope"`
	GeneratedAt   time.Time        `json:"generated_at"`
	OverallStatus Status           `json:"overall_status"`
	RiskLevel     RiskLevel        `json:"risk_level"`
	TotalChecks   int              `json:"total_checks"`
	FailedChecks  int              `json:"failed_checks"`
	Categories    []CategoryReport `json:"categories"`
}

// Category returns the named category, if present.
func (r Report) Category(c Category) (CategoryReport, bool) {
	for _, cr := range r.Categories {
		if cr.Category == c {
			return cr, true
		}
	}
	return CategoryReport{}, false
}

// GenerateReport aggregates results. The output depends only on the input
// set and generatedAt, not on the order of results.
func GenerateReport(results []Result, scope string, generatedAt time.Time) Report {
	byCategory := make(map[Category]*CategoryReport)
	codes := make(map[Category]map[string]struct{})

	for _, r := range results {
		cr, ok := byCategory[r.Category]
		if !ok {
			cr = &CategoryReport{Category: r.Category, Status: StatusUnknown, FailedCodes: []string{}}
			byCategory[r.Category] = cr
			codes[r.Category] = make(map[string]struct{})
		}
		if r.Error != "" {
			cr.Errors = append(cr.Errors, r.Error)
		}
		if r.Status == StatusFail || r.Error != "" {
			cr.Failed++
			cr.Status = StatusFail
		} else {
			cr.Passed++
			if cr.Status == StatusUnknown {
				cr.Status = StatusPass
			}
		}
		for _, c := range r.FailedChecks {
			codes[r.Category][c] = struct{}{}
		}
	}

	report := Report{
		Scope:         scope,
		GeneratedAt:   generatedAt.UTC(),
		OverallStatus: StatusPass,
		Categories:    make([]CategoryReport, 0, len(byCategory)),
	}
	if len(byCategory) == 0 {
		report.OverallStatus = StatusUnknown
	}

	var failedCategories []Category
	for cat, cr := range byCategory {
		for c := range codes[cat] {
			cr.FailedCodes = append(cr.FailedCodes, c)
		}
		sort.Strings(cr.FailedCodes)
		sort.Strings(cr.Errors)

		report.TotalChecks += cr.Passed + cr.Failed
		report.FailedChecks += cr.Failed
		if cr.Status == StatusFail {
			report.OverallStatus = StatusFail
			failedCategories = append(failedCategories, cat)
		}
		report.Categories = append(report.Categories, *cr)
	}
	sort.Slice(report.Categories, func(i, j int) bool {
		return report.Categories[i].Category < report.Categories[j].Category
	})

	report.RiskLevel = riskLevel(failedCategories)
	return report
}

// riskLevel: nothing failing is LOW, three or more failing categories is
// CRITICAL, a failing encryption or audit category is HIGH, anything else
// MEDIUM.
func riskLevel(failed []Category) RiskLevel {
	switch {
	case len(failed) == 0:
		return RiskLow
	case len(failed) >= 3:
		return RiskCritical
	}
	for _, c := range failed {
		if c == CategoryEncryption || c == CategoryAuditLogging {
			return RiskHigh
		}
	}
	return RiskMedium
}

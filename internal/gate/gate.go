// Package gate computes the quality verdict for a run. Evaluation is a pure
// function of the report and the ruleset: no clock, no I/O, no randomness, so
// the same inputs always yield the same verdict.
package gate

import (
	"strings"

	"github.com/sluice-labs/sluice-go/internal/domain"
)

// Evaluate checks every rule against the report and returns the combined
// outcome. The verdict is pass only when all rules pass; rules are reported
// in ruleset order.
func Evaluate(report domain.QualityReport, ruleset domain.Ruleset) domain.Evaluation {
	results := make([]domain.RuleResult, 0, len(ruleset.Rules))
	failing := make([]string, 0)

	for _, rule := range ruleset.Rules {
		result := checkRule(rule, report)
		results = append(results, result)
		if !result.Passed {
			failing = append(failing, result.Rule)
		}
	}

	verdict := domain.VerdictPass
	if len(failing) > 0 {
		verdict = domain.VerdictFail
	}
	return domain.Evaluation{
		Verdict: verdict,
		Results: results,
		Failing: failing,
	}
}

func checkRule(rule domain.Rule, report domain.QualityReport) domain.RuleResult {
	kind := domain.NormalizeRuleKind(string(rule.Kind))
	result := domain.RuleResult{
		Rule:  strings.TrimSpace(rule.Name),
		Kind:  kind,
		Field: strings.TrimSpace(rule.Field),
	}

	switch kind {
	case domain.RuleKindRowCount:
		result.Observed = map[string]any{"row_count": report.RowCount}
		result.Expected = map[string]any{"min_rows": int64(1)}
		if report.RowCount <= 0 {
			result.Message = "dataset is empty"
			return result
		}
		result.Passed = true
		return result

	case domain.RuleKindCompleteness:
		profile, ok := fieldProfile(report, result.Field)
		if !ok {
			result.Message = "field missing from report"
			return result
		}
		result.Observed = map[string]any{"non_null_fraction": profile.NonNullFraction}
		result.Expected = map[string]any{"threshold": deref(rule.Threshold)}
		if rule.Threshold == nil || profile.NonNullFraction < *rule.Threshold {
			result.Message = "non-null fraction below threshold"
			return result
		}
		result.Passed = true
		return result

	case domain.RuleKindUniqueness:
		profile, ok := fieldProfile(report, result.Field)
		if !ok {
			result.Message = "field missing from report"
			return result
		}
		result.Observed = map[string]any{"distinct_fraction": profile.DistinctFraction}
		result.Expected = map[string]any{"threshold": deref(rule.Threshold)}
		if rule.Threshold == nil || profile.DistinctFraction < *rule.Threshold {
			result.Message = "distinct fraction below threshold"
			return result
		}
		result.Passed = true
		return result

	case domain.RuleKindRange:
		profile, ok := fieldProfile(report, result.Field)
		if !ok {
			result.Message = "field missing from report"
			return result
		}
		result.Observed = map[string]any{}
		result.Expected = map[string]any{}
		if profile.Min != nil {
			result.Observed["min"] = *profile.Min
		}
		if profile.Max != nil {
			result.Observed["max"] = *profile.Max
		}
		if rule.Min != nil {
			result.Expected["min"] = *rule.Min
		}
		if rule.Max != nil {
			result.Expected["max"] = *rule.Max
		}

		if profile.Min == nil || profile.Max == nil {
			result.Message = "field has no numeric bounds"
			return result
		}
		if rule.Min != nil && *profile.Min < *rule.Min {
			result.Message = "observed minimum below allowed range"
			return result
		}
		if rule.Max != nil && *profile.Max > *rule.Max {
			result.Message = "observed maximum above allowed range"
			return result
		}
		result.Passed = true
		return result

	default:
		result.Message = "unsupported rule kind"
		return result
	}
}

func fieldProfile(report domain.QualityReport, field string) (domain.FieldProfile, bool) {
	if field == "" || len(report.Fields) == 0 {
		return domain.FieldProfile{}, false
	}
	profile, ok := report.Fields[field]
	return profile, ok
}

func deref(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

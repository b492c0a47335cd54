package domain

// QualityReport is the dataset profile produced by the evaluate job. It is
// persisted on the run verbatim so the gate verdict can be re-derived later.
type QualityReport struct {
	RowCount int64                   `json:"row_count"`
	Fields   map[string]FieldProfile `json:"fields,omitempty"`
}

// FieldProfile carries the per-field metrics rules are checked against.
// Fractions are in [0, 1]; Min and Max are nil when the profiler produced no
// numeric bounds for the field.
type FieldProfile struct {
	NonNullFraction  float64  `json:"non_null_fraction"`
	DistinctFraction float64  `json:"distinct_fraction"`
	Min              *float64 `json:"min,omitempty"`
	Max              *float64 `json:"max,omitempty"`
}

// RuleResult is the outcome of checking one rule against a report.
type RuleResult struct {
	Rule     string         `json:"rule"`
	Kind     RuleKind       `json:"kind"`
	Field    string         `json:"field,omitempty"`
	Passed   bool           `json:"passed"`
	Observed map[string]any `json:"observed,omitempty"`
	Expected map[string]any `json:"expected,omitempty"`
	Message  string         `json:"message,omitempty"`
}

// Evaluation is the full gate output for a run: the verdict plus one result
// per rule, in ruleset order.
type Evaluation struct {
	Verdict Verdict      `json:"verdict"`
	Results []RuleResult `json:"results"`
	Failing []string     `json:"failing,omitempty"`
}

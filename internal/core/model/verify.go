package model

// VerifyResult holds the four judged scores in [0,1] and their mean. A
// deterministic structural violation forces OverallScore to 0 and records the
// violation; the judged scores are not consulted in that case.
type VerifyResult struct {
	DependencyScore          float64           `json:"dependency_score"`
	AtomicityScore           float64           `json:"atomicity_score"`
	ForcedSerializationScore float64           `json:"forced_serialization_score"`
	SubQACompletenessScore   float64           `json:"subqa_completeness_score"`
	OverallScore             float64           `json:"overall_score"`
	StructuralViolation      string            `json:"structural_violation,omitempty"`
	Audit                    map[string]string `json:"audit,omitempty"`
}

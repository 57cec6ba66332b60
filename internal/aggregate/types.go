// Package aggregate turns per-artefact scores into KPA completion ratios, an
// overall composite score, a rating and a tier.
package aggregate

// Artefact statuses.
const (
	ArtefactScored     = "SCORED"
	ArtefactUnscorable = "UNSCORABLE"
	ExtractFailed      = "FAILED"
)

// KPA statuses.
const (
	StatusAchieved             = "ACHIEVED"
	StatusPartiallyAchieved    = "PARTIALLY ACHIEVED"
	StatusNotAchieved          = "NOT ACHIEVED"
	StatusInsufficientEvidence = "INSUFFICIENT_EVIDENCE"
	StatusMissingKPIs          = "NEEDS_REVIEW_MISSING_KPIS"
)

// KPI is one measurable indicator inside a KPA.
type KPI struct {
	Code          string   `json:"code" yaml:"code"`
	Name          string   `json:"name" yaml:"name"`
	EvidenceTypes []string `json:"evidence_types,omitempty" yaml:"evidence_types,omitempty"`
}

// KPA is a weighted key performance area.
type KPA struct {
	Code      string  `json:"code" yaml:"code"`
	Name      string  `json:"name" yaml:"name"`
	WeightPct float64 `json:"weight_pct" yaml:"weight_pct"`
	KPIs      []KPI   `json:"kpis" yaml:"kpis"`
}

// Contract is the set of KPAs one person is evaluated against.
// Weights are expected to sum to 100; that is not checked here.
type Contract struct {
	ID   string `json:"contract_id" yaml:"contract_id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	KPAs []KPA  `json:"kpas" yaml:"kpas"`
}

// ArtefactScore is the externally produced score of one artefact.
type ArtefactScore struct {
	ID                 string   `json:"artefact_id" yaml:"artefact_id"`
	KPICodes           []string `json:"kpi_codes" yaml:"kpi_codes"`
	CompletionEstimate float64  `json:"completion_estimate" yaml:"completion_estimate"`
	CredibilityWeight  float64  `json:"credibility_weight" yaml:"credibility_weight"`
	Confidence         float64  `json:"confidence" yaml:"confidence"`
	Status             string   `json:"status" yaml:"status"`
	ExtractStatus      string   `json:"extract_status,omitempty" yaml:"extract_status,omitempty"`
	EvidenceType       string   `json:"evidence_type,omitempty" yaml:"evidence_type,omitempty"`
}

// KPASummary is the derived result for one KPA.
type KPASummary struct {
	KPACode       string             `json:"kpa_code"`
	KPAName       string             `json:"kpa_name"`
	WeightPct     float64            `json:"weight_pct"`
	KCR           float64            `json:"kcr"`
	Status        string             `json:"status"`
	ArtefactCount int                `json:"artefact_count"`
	KPIScores     map[string]float64 `json:"kpi_scores"`
}

// FinalPerformance is the overall outcome of one aggregation.
type FinalPerformance struct {
	OverallScore  float64 `json:"overall_score"`
	FinalRating   int     `json:"final_rating"`
	RatingLabel   string  `json:"rating_label"`
	FinalTier     string  `json:"final_tier"`
	Justification string  `json:"justification"`
}

// RatingBand maps an inclusive score range to a rating.
type RatingBand struct {
	Min    float64 `json:"min" yaml:"min"`
	Max    float64 `json:"max" yaml:"max"`
	Rating int     `json:"rating" yaml:"rating"`
	Label  string  `json:"label" yaml:"label"`
}

// Tier condition predicates.
const (
	CondMinRating      = "min_rating"
	CondRatingEquals   = "rating_equals"
	CondNoKPABelow     = "no_kpa_below"
	CondAllKPAsAtLeast = "all_kpas_at_least"
	CondAnyKPABelow    = "any_kpa_below"

	// DefaultTier is assigned when no tier rule matches.
	DefaultTier = "Unspecified"

	// UnratedLabel is used when no rating band contains the score.
	UnratedLabel = "Unrated"
)

// TierRule assigns Tier when every condition holds. Condition values are
// thresholds; a value that is not a number never holds.
type TierRule struct {
	Tier       string         `json:"tier" yaml:"tier"`
	Conditions map[string]any `json:"conditions" yaml:"conditions"`

	// malformed marks a rule whose shape could not be read. It never matches.
	malformed bool
}

// ScoringConfig holds the thresholds, bands and tier rules.
type ScoringConfig struct {
	ConfidenceThreshold  float64      `json:"confidence_threshold" yaml:"confidence_threshold"`
	CredibilityThreshold float64      `json:"credibility_threshold" yaml:"credibility_threshold"`
	RatingBands          []RatingBand `json:"rating_bands" yaml:"rating_bands"`
	TierRules            []TierRule   `json:"tier_rules" yaml:"tier_rules"`
}

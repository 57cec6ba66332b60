package aggregate

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/montanaflynn/stats"
)

// Artefacts with a credibility weight below LowCredibilityWeight contribute
// at most LowCredibilityCap.
const (
	LowCredibilityWeight = 0.5
	LowCredibilityCap    = 0.4
	// InsufficientCap is the highest KCR a KPA with insufficient evidence keeps.
	InsufficientCap = 0.49
)

// Aggregate scores a contract. It is pure: the result depends only on its inputs.
func Aggregate(contract Contract, scores []ArtefactScore, cfg ScoringConfig) ([]KPASummary, FinalPerformance) {
	summaries := make([]KPASummary, 0, len(contract.KPAs))
	overall := 0.0

	for _, kpa := range contract.KPAs {
		s := summarizeKPA(kpa, scores, cfg)
		overall += s.KCR * s.WeightPct / 100
		summaries = append(summaries, s)
	}

	final := FinalPerformance{OverallScore: overall}
	final.FinalRating, final.RatingLabel = assignRating(overall, cfg.RatingBands)
	final.FinalTier = assignTier(final.FinalRating, summaries, cfg.TierRules)
	final.Justification = justify(final, summaries)

	return summaries, final
}

// ACS is the contribution of one artefact before eligibility is considered.
func ACS(a ArtefactScore) float64 {
	if a.Status != ArtefactScored {
		return 0
	}
	v := clamp01(a.CompletionEstimate * a.CredibilityWeight * a.Confidence)
	if a.CredibilityWeight < LowCredibilityWeight {
		v = math.Min(v, LowCredibilityCap)
	}
	return v
}

// Eligible reports whether an artefact may count towards kpi.
func Eligible(a ArtefactScore, kpi KPI) bool {
	if a.Status == ArtefactUnscorable || strings.EqualFold(a.ExtractStatus, ExtractFailed) {
		return false
	}
	if !slices.Contains(a.KPICodes, kpi.Code) {
		return false
	}
	if len(kpi.EvidenceTypes) > 0 && !slices.Contains(kpi.EvidenceTypes, a.EvidenceType) {
		return false
	}
	return true
}

// Status maps a completion ratio to its band.
func Status(kcr float64) string {
	switch {
	case kcr >= 0.8:
		return StatusAchieved
	case kcr >= 0.5:
		return StatusPartiallyAchieved
	default:
		return StatusNotAchieved
	}
}

func summarizeKPA(kpa KPA, scores []ArtefactScore, cfg ScoringConfig) KPASummary {
	s := KPASummary{
		KPACode:   kpa.Code,
		KPAName:   kpa.Name,
		WeightPct: kpa.WeightPct,
		KPIScores: make(map[string]float64, len(kpa.KPIs)),
	}

	if len(kpa.KPIs) == 0 {
		s.Status = StatusMissingKPIs
		return s
	}

	contributing := make(map[int]struct{})
	kcs := make([]float64, 0, len(kpa.KPIs))
	for _, kpi := range kpa.KPIs {
		sum := 0.0
		for i, a := range scores {
			if !Eligible(a, kpi) {
				continue
			}
			contributing[i] = struct{}{}
			sum += ACS(a)
		}
		v := clamp01(sum)
		s.KPIScores[kpi.Code] = v
		kcs = append(kcs, v)
	}

	// kcs is never empty here
	s.KCR, _ = stats.Mean(kcs)
	s.ArtefactCount = len(contributing)
	s.Status = Status(s.KCR)

	confident, credible := false, false
	for i := range contributing {
		if scores[i].Confidence >= cfg.ConfidenceThreshold {
			confident = true
		}
		if scores[i].CredibilityWeight >= cfg.CredibilityThreshold {
			credible = true
		}
	}
	if !confident || !credible {
		s.Status = StatusInsufficientEvidence
		s.KCR = math.Min(s.KCR, InsufficientCap)
	}

	return s
}

// assignRating returns the highest rating whose band contains score.
func assignRating(score float64, bands []RatingBand) (int, string) {
	rating, label, found := 0, UnratedLabel, false
	for _, b := range bands {
		if score < b.Min || score > b.Max {
			continue
		}
		if !found || b.Rating > rating {
			rating, label, found = b.Rating, b.Label, true
		}
	}
	return rating, label
}

// assignTier returns the first tier whose conditions all hold.
func assignTier(rating int, summaries []KPASummary, rules []TierRule) string {
	for _, rule := range rules {
		if ruleMatches(rule, rating, summaries) {
			return rule.Tier
		}
	}
	return DefaultTier
}

func ruleMatches(rule TierRule, rating int, summaries []KPASummary) bool {
	if rule.malformed {
		return false
	}
	for cond, v := range rule.Conditions {
		x, numeric := threshold(v)
		if !numeric {
			return false
		}
		var ok bool
		switch cond {
		case CondMinRating:
			ok = float64(rating) >= x
		case CondRatingEquals:
			ok = float64(rating) == x
		case CondNoKPABelow, CondAllKPAsAtLeast:
			ok = allKPAs(summaries, func(kcr float64) bool { return kcr >= x })
		case CondAnyKPABelow:
			ok = !allKPAs(summaries, func(kcr float64) bool { return kcr >= x })
		default:
			ok = false
		}
		if !ok {
			return false
		}
	}
	return true
}

// threshold reads a condition value as decoded from JSON or YAML.
func threshold(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func allKPAs(summaries []KPASummary, pred func(float64) bool) bool {
	for _, s := range summaries {
		if !pred(s.KCR) {
			return false
		}
	}
	return true
}

var statusPhrases = map[string]string{
	StatusAchieved:             "was achieved",
	StatusPartiallyAchieved:    "was partially achieved",
	StatusNotAchieved:          "was not achieved",
	StatusInsufficientEvidence: "lacks sufficient evidence",
	StatusMissingKPIs:          "has no KPIs and needs review",
}

func justify(final FinalPerformance, summaries []KPASummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall rating %d (%s) with a composite score of %.2f, tier %s.",
		final.FinalRating, final.RatingLabel, final.OverallScore, final.FinalTier)

	ordered := make([]KPASummary, len(summaries))
	copy(ordered, summaries)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].KPACode < ordered[j].KPACode })

	for _, s := range ordered {
		phrase, ok := statusPhrases[s.Status]
		if !ok {
			phrase = "has status " + s.Status
		}
		fmt.Fprintf(&b, " %s %s %s (%.0f%% complete).", s.KPACode, s.KPAName, phrase, s.KCR*100)
	}
	return b.String()
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

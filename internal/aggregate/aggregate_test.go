package aggregate

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func singleKPIContract() Contract {
	return Contract{
		ID: "c1",
		KPAs: []KPA{{
			Code:      "KPA1",
			Name:      "Teaching and Learning",
			WeightPct: 100,
			KPIs:      []KPI{{Code: "KPI1.1", Name: "Lesson planning"}},
		}},
	}
}

func scored(id string, kpis []string, completion, credibility, confidence float64) ArtefactScore {
	return ArtefactScore{
		ID:                 id,
		KPICodes:           kpis,
		CompletionEstimate: completion,
		CredibilityWeight:  credibility,
		Confidence:         confidence,
		Status:             ArtefactScored,
	}
}

func TestSinglePerfectArtefact(t *testing.T) {
	summaries, final := Aggregate(singleKPIContract(), []ArtefactScore{
		scored("a1", []string{"KPI1.1"}, 1, 1, 1),
	}, DefaultScoringConfig())

	require.Len(t, summaries, 1)
	assert.Equal(t, 1.0, summaries[0].KCR)
	assert.Equal(t, StatusAchieved, summaries[0].Status)
	assert.Equal(t, 1, summaries[0].ArtefactCount)
	assert.Equal(t, 5, final.FinalRating)
	assert.Equal(t, "Outstanding", final.RatingLabel)
}

func TestCorroboratingArtefactsSum(t *testing.T) {
	var scores []ArtefactScore
	for _, id := range []string{"a1", "a2", "a3"} {
		scores = append(scores, scored(id, []string{"KPI1.1"}, 0.5, 0.8, 0.5))
	}

	summaries, _ := Aggregate(singleKPIContract(), scores, DefaultScoringConfig())
	assert.InDelta(t, 0.6, summaries[0].KCR, 1e-3)
	assert.Equal(t, StatusPartiallyAchieved, summaries[0].Status)
	assert.Equal(t, 3, summaries[0].ArtefactCount)
}

func TestLowCredibilityIsCappedAndInsufficient(t *testing.T) {
	a := scored("a1", []string{"KPI1.1"}, 1, 0.4, 1)
	assert.Equal(t, 0.4, ACS(a))

	summaries, _ := Aggregate(singleKPIContract(), []ArtefactScore{a}, DefaultScoringConfig())
	assert.InDelta(t, 0.4, summaries[0].KCR, 1e-12)
	assert.Equal(t, StatusInsufficientEvidence, summaries[0].Status)
}

func TestKPAWithoutKPIs(t *testing.T) {
	contract := Contract{KPAs: []KPA{{Code: "KPA9", Name: "Empty", WeightPct: 100}}}

	summaries, final := Aggregate(contract, nil, DefaultScoringConfig())
	assert.Equal(t, StatusMissingKPIs, summaries[0].Status)
	assert.Equal(t, 0.0, summaries[0].KCR)
	assert.Equal(t, 0.0, final.OverallScore)
}

func TestWeakKPABlocksTransformational(t *testing.T) {
	contract := Contract{KPAs: []KPA{
		{Code: "KPA1", Name: "Strong", WeightPct: 70, KPIs: []KPI{{Code: "S1"}}},
		{Code: "KPA2", Name: "Weak", WeightPct: 30, KPIs: []KPI{{Code: "W1"}}},
	}}
	scores := []ArtefactScore{
		scored("s", []string{"S1"}, 1, 1, 1),
		scored("w", []string{"W1"}, 0.3, 0.6, 0.5),
	}

	summaries, final := Aggregate(contract, scores, DefaultScoringConfig())
	assert.Less(t, summaries[1].KCR, 0.6)
	assert.GreaterOrEqual(t, final.FinalRating, 4)
	assert.NotEqual(t, "Transformational", final.FinalTier)
	assert.Equal(t, "Developing", final.FinalTier)
	assert.InDelta(t, 0.727, final.OverallScore, 1e-9)
}

func TestEligibility(t *testing.T) {
	kpi := KPI{Code: "K", EvidenceTypes: []string{"lesson_plan"}}

	a := scored("a", []string{"K"}, 1, 1, 1)
	a.EvidenceType = "lesson_plan"
	assert.True(t, Eligible(a, kpi))

	wrongType := a
	wrongType.EvidenceType = "photo"
	assert.False(t, Eligible(wrongType, kpi))

	failed := a
	failed.ExtractStatus = "failed"
	assert.False(t, Eligible(failed, kpi))

	unscorable := a
	unscorable.Status = ArtefactUnscorable
	assert.False(t, Eligible(unscorable, kpi))

	pending := a
	pending.Status = "PENDING"
	assert.True(t, Eligible(pending, kpi))
	assert.Equal(t, 0.0, ACS(pending))

	assert.False(t, Eligible(a, KPI{Code: "other"}))
}

func TestNoEligibleArtefactsIsInsufficient(t *testing.T) {
	summaries, _ := Aggregate(singleKPIContract(), nil, DefaultScoringConfig())
	assert.Equal(t, StatusInsufficientEvidence, summaries[0].Status)
	assert.Equal(t, 0, summaries[0].ArtefactCount)
}

func TestKCSIsClamped(t *testing.T) {
	scores := []ArtefactScore{
		scored("a", []string{"KPI1.1"}, 1, 1, 1),
		scored("b", []string{"KPI1.1"}, 1, 1, 1),
	}
	summaries, _ := Aggregate(singleKPIContract(), scores, DefaultScoringConfig())
	assert.Equal(t, 1.0, summaries[0].KPIScores["KPI1.1"])
}

func TestRatingWithoutBands(t *testing.T) {
	cfg := DefaultScoringConfig()
	cfg.RatingBands = nil
	_, final := Aggregate(singleKPIContract(), []ArtefactScore{scored("a", []string{"KPI1.1"}, 1, 1, 1)}, cfg)
	assert.Equal(t, 0, final.FinalRating)
	assert.Equal(t, UnratedLabel, final.RatingLabel)
}

func TestHighestMatchingBandWins(t *testing.T) {
	rating, label := assignRating(0.85, DefaultScoringConfig().RatingBands)
	assert.Equal(t, 5, rating)
	assert.Equal(t, "Outstanding", label)

	rating, _ = assignRating(0.7, DefaultScoringConfig().RatingBands)
	assert.Equal(t, 4, rating)
}

func TestTierRules(t *testing.T) {
	summaries := []KPASummary{{KCR: 0.9}, {KCR: 0.7}}

	assert.Equal(t, "Transformational", assignTier(5, summaries, DefaultScoringConfig().TierRules))
	assert.Equal(t, "Performing", assignTier(3, summaries, DefaultScoringConfig().TierRules))
	assert.Equal(t, "Foundational", assignTier(1, []KPASummary{{KCR: 0.55}}, DefaultScoringConfig().TierRules))
	assert.Equal(t, DefaultTier, assignTier(2, summaries, DefaultScoringConfig().TierRules))

	unknown := []TierRule{{Tier: "Odd", Conditions: map[string]any{"median_above": 0.0}}, {Tier: "Any"}}
	assert.Equal(t, "Any", assignTier(5, summaries, unknown))
}

func TestJustificationOrderedByCode(t *testing.T) {
	contract := Contract{KPAs: []KPA{
		{Code: "KPA2", Name: "Second", WeightPct: 50, KPIs: []KPI{{Code: "B"}}},
		{Code: "KPA1", Name: "First", WeightPct: 50, KPIs: []KPI{{Code: "A"}}},
	}}
	_, final := Aggregate(contract, []ArtefactScore{
		scored("a", []string{"A"}, 1, 1, 1),
		scored("b", []string{"B"}, 1, 1, 1),
	}, DefaultScoringConfig())

	assert.True(t, strings.HasPrefix(final.Justification, "Overall rating 5 (Outstanding)"))
	assert.Less(t, strings.Index(final.Justification, "KPA1 First"), strings.Index(final.Justification, "KPA2 Second"))
}

func TestCSVRoundTrip(t *testing.T) {
	contract := Contract{KPAs: []KPA{
		{Code: "KPA1", Name: "Teaching, Learning", WeightPct: 62.5, KPIs: []KPI{{Code: "A"}}},
		{Code: "KPA2", Name: "Admin", WeightPct: 37.5, KPIs: []KPI{{Code: "B"}}},
	}}
	summaries, final := Aggregate(contract, []ArtefactScore{
		scored("a", []string{"A"}, 0.9, 1, 0.9),
		scored("b", []string{"B"}, 0.5, 0.4, 1),
	}, DefaultScoringConfig())

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, summaries, final))
	assert.True(t, strings.HasPrefix(buf.String(), "KPA,Weight %,Completion %,Status,Artefact Count\n"))

	rows, overall, err := ReadCSV(&buf)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for i, s := range summaries {
		assert.Equal(t, SummaryRow(s), rows[i])
	}
	assert.Equal(t, "62.5", rows[0].Weight)
	assert.Equal(t, "81.00", rows[0].Completion)
	assert.Equal(t, StatusAchieved, rows[0].Status)
	assert.Equal(t, StatusInsufficientEvidence, rows[1].Status)
	assert.Equal(t, Row{KPA: "OVERALL", Weight: "100", Completion: formatPct(final.OverallScore), Status: final.FinalTier, ArtefactCount: "-"}, overall)
}

func TestReadCSVRejectsGarbage(t *testing.T) {
	_, _, err := ReadCSV(strings.NewReader("a,b,c,d,e\n"))
	assert.Error(t, err)
	_, _, err = ReadCSV(strings.NewReader("KPA,Weight %,Completion %,Status,Artefact Count\nX,1,2,3,4\n"))
	assert.Error(t, err)
}

func TestWriteXLSX(t *testing.T) {
	summaries, final := Aggregate(singleKPIContract(), []ArtefactScore{scored("a", []string{"KPI1.1"}, 1, 1, 1)}, DefaultScoringConfig())
	path := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, WriteXLSX(path, summaries, final))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Sheet1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, CSVHeader, rows[0])
	assert.Equal(t, []string{"Teaching and Learning", "100", "100.00", StatusAchieved, "1"}, rows[1])
	assert.Equal(t, "OVERALL", rows[2][0])
}

func TestSetRowRejectsBadCoordinates(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()

	require.NoError(t, setRow(f, "Sheet1", 1, []string{"a", "b"}))
	v, err := f.GetCellValue("Sheet1", "B1")
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	assert.Error(t, setRow(f, "Sheet1", 0, []string{"a"}))
}

func TestAggregateAllKeepsOrder(t *testing.T) {
	var jobs []Job
	for _, id := range []string{"c1", "c2", "c3"} {
		c := singleKPIContract()
		c.ID = id
		jobs = append(jobs, Job{Contract: c, Scores: []ArtefactScore{scored("a", []string{"KPI1.1"}, 1, 1, 1)}, Config: DefaultScoringConfig()})
	}

	out, err := AggregateAll(context.Background(), jobs)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, o := range out {
		assert.Equal(t, jobs[i].Contract.ID, o.ContractID)
		assert.Equal(t, 5, o.Final.FinalRating)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = AggregateAll(ctx, jobs)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoaders(t *testing.T) {
	dir := t.TempDir()

	contractYAML := `
contract_id: educator-42
kpas:
  - code: KPA1
    name: Teaching
    weight_pct: 100
    kpis:
      - code: K1
        name: Plans
        evidence_types: [lesson_plan]
`
	scoresJSON := `{"artefacts":[{"artefact_id":"a","kpi_codes":["K1"],"completion_estimate":1,"credibility_weight":1,"confidence":1,"status":"SCORED","evidence_type":"lesson_plan"}]}`
	configYAML := `
confidence_threshold: 0.6
tier_rules:
  - tier: Everyone
    conditions: {}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "contract.yaml"), []byte(contractYAML), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scores.json"), []byte(scoresJSON), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "list.json"), []byte(`[{"artefact_id":"x","status":"SCORED"}]`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scoring.yml"), []byte(configYAML), 0644))

	contract, err := LoadContract(filepath.Join(dir, "contract.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "educator-42", contract.ID)
	assert.Equal(t, []string{"lesson_plan"}, contract.KPAs[0].KPIs[0].EvidenceTypes)

	scores, err := LoadScores(filepath.Join(dir, "scores.json"))
	require.NoError(t, err)
	require.Len(t, scores, 1)

	list, err := LoadScores(filepath.Join(dir, "list.json"))
	require.NoError(t, err)
	assert.Equal(t, "x", list[0].ID)

	cfg, err := LoadScoringConfig(filepath.Join(dir, "scoring.yml"))
	require.NoError(t, err)
	assert.Equal(t, 0.6, cfg.ConfidenceThreshold)
	assert.Equal(t, DefaultCredibilityThreshold, cfg.CredibilityThreshold)
	assert.Empty(t, cfg.RatingBands)

	_, final := Aggregate(contract, scores, cfg)
	assert.Equal(t, UnratedLabel, final.RatingLabel)
	assert.Equal(t, "Everyone", final.FinalTier)

	_, err = LoadContract(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestScoringConfigToleratesOddTierRules(t *testing.T) {
	dir := t.TempDir()
	summaries := []KPASummary{{KCR: 0.9}}

	configJSON := `{
  "rating_bands": [{"min": 0, "max": 1, "rating": 3, "label": "Meets"}],
  "tier_rules": [
    {"tier": "Odd", "conditions": {"kpa_named": "KPA1"}},
    {"tier": "Shapeless", "conditions": ["min_rating"]},
    "bogus",
    {"tier": "Performing", "conditions": {"min_rating": 3}}
  ]
}`
	configYAML := `
rating_bands:
  - {min: 0, max: 1, rating: 3, label: Meets}
tier_rules:
  - tier: Odd
    conditions: {min_rating: high}
  - bogus
  - tier: Performing
    conditions: {min_rating: 3, no_kpa_below: 0.5}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scoring.json"), []byte(configJSON), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scoring.yaml"), []byte(configYAML), 0644))

	for _, name := range []string{"scoring.json", "scoring.yaml"} {
		cfg, err := LoadScoringConfig(filepath.Join(dir, name))
		require.NoError(t, err, name)
		require.Len(t, cfg.RatingBands, 1, name)
		assert.Equal(t, "Performing", assignTier(3, summaries, cfg.TierRules), name)
		assert.Equal(t, DefaultTier, assignTier(2, summaries, cfg.TierRules), name)
	}
}

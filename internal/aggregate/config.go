package aggregate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default thresholds for the insufficient-evidence check.
const (
	DefaultConfidenceThreshold  = 0.5
	DefaultCredibilityThreshold = 0.5
)

// DefaultScoringConfig returns the stock bands and tier rules.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		ConfidenceThreshold:  DefaultConfidenceThreshold,
		CredibilityThreshold: DefaultCredibilityThreshold,
		RatingBands: []RatingBand{
			{Min: 0.85, Max: 1.0, Rating: 5, Label: "Outstanding"},
			{Min: 0.70, Max: 0.85, Rating: 4, Label: "Exceeds Expectations"},
			{Min: 0.50, Max: 0.70, Rating: 3, Label: "Meets Expectations"},
			{Min: 0.30, Max: 0.50, Rating: 2, Label: "Partially Meets"},
			{Min: 0.0, Max: 0.30, Rating: 1, Label: "Does Not Meet"},
		},
		TierRules: []TierRule{
			{Tier: "Transformational", Conditions: map[string]any{CondMinRating: 4.0, CondNoKPABelow: 0.6}},
			{Tier: "Performing", Conditions: map[string]any{CondMinRating: 3.0, CondAllKPAsAtLeast: 0.5}},
			{Tier: "Developing", Conditions: map[string]any{CondAnyKPABelow: 0.5}},
			{Tier: "Foundational", Conditions: map[string]any{CondRatingEquals: 1.0}},
		},
	}
}

// LoadScoringConfig reads a scoring config from JSON or YAML. Thresholds
// default when absent; bands and tiers do not, so a file without
// rating_bands yields rating 0 "Unrated".
func LoadScoringConfig(path string) (ScoringConfig, error) {
	cfg := ScoringConfig{
		ConfidenceThreshold:  DefaultConfidenceThreshold,
		CredibilityThreshold: DefaultCredibilityThreshold,
	}
	if err := decodeFile(path, &cfg); err != nil {
		return ScoringConfig{}, fmt.Errorf("load scoring config: %w", err)
	}
	return cfg, nil
}

type tierRuleFields struct {
	Tier       string         `json:"tier" yaml:"tier"`
	Conditions map[string]any `json:"conditions" yaml:"conditions"`
}

// UnmarshalJSON keeps a rule of unknown shape as a non-matching rule instead
// of failing the whole config.
func (r *TierRule) UnmarshalJSON(data []byte) error {
	var f tierRuleFields
	if err := json.Unmarshal(data, &f); err != nil {
		*r = TierRule{malformed: true}
		return nil
	}
	*r = TierRule{Tier: f.Tier, Conditions: f.Conditions}
	return nil
}

// UnmarshalYAML is the YAML counterpart of UnmarshalJSON.
func (r *TierRule) UnmarshalYAML(node *yaml.Node) error {
	var f tierRuleFields
	if err := node.Decode(&f); err != nil {
		*r = TierRule{malformed: true}
		return nil
	}
	*r = TierRule{Tier: f.Tier, Conditions: f.Conditions}
	return nil
}

// LoadContract reads a contract from JSON or YAML.
func LoadContract(path string) (Contract, error) {
	var c Contract
	if err := decodeFile(path, &c); err != nil {
		return Contract{}, fmt.Errorf("load contract: %w", err)
	}
	return c, nil
}

// LoadScores reads artefact scores from JSON or YAML. The file holds either
// a list or an object with an "artefacts" list.
func LoadScores(path string) ([]ArtefactScore, error) {
	var list []ArtefactScore
	if err := decodeFile(path, &list); err == nil {
		return list, nil
	}

	var wrapped struct {
		Artefacts []ArtefactScore `json:"artefacts" yaml:"artefacts"`
	}
	if err := decodeFile(path, &wrapped); err != nil {
		return nil, fmt.Errorf("load scores: %w", err)
	}
	return wrapped.Artefacts, nil
}

func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return nil
}

package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
)

// DefaultKeywordWeight is the weight of a bare keyword in a list.
const DefaultKeywordWeight = 1.0

// LoadKeywords reads a kpa_keywords.json file.
func LoadKeywords(path string) (map[string]map[string]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keywords: %w", err)
	}
	table, err := ParseKeywords(data)
	if err != nil {
		return nil, fmt.Errorf("parse keywords %s: %w", path, err)
	}
	return table, nil
}

// ParseKeywords decodes the keyword table. Categories map either to a list of
// bare keywords or to a keyword → weight object, and may sit under a top-level
// "keywords" key or directly at the root.
func ParseKeywords(data []byte) (map[string]map[string]float64, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, err
	}

	if nested, ok := root["keywords"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(nested, &inner); err == nil {
			root = inner
		}
	}

	table := make(map[string]map[string]float64, len(root))
	for category, raw := range root {
		var list []string
		if err := json.Unmarshal(raw, &list); err == nil {
			words := make(map[string]float64, len(list))
			for _, w := range list {
				words[w] = DefaultKeywordWeight
			}
			table[category] = words
			continue
		}

		var weighted map[string]float64
		if err := json.Unmarshal(raw, &weighted); err != nil {
			return nil, fmt.Errorf("category %s: expected list or keyword weights", category)
		}
		table[category] = weighted
	}

	return table, nil
}

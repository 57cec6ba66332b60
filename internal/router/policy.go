package router

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// PolicyRule flags evidence that mentions any of its keywords.
type PolicyRule struct {
	Keywords []string
}

type policyFile struct {
	Violations []json.RawMessage `json:"violations"`
}

// LoadPolicy reads a policy_rules.json file.
func LoadPolicy(path string) ([]PolicyRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	rules, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return rules, nil
}

// ParsePolicy decodes {"violations": [{"keywords": [...]}, ...]}.
// Entries of any other shape are skipped, so they never match.
func ParsePolicy(data []byte) ([]PolicyRule, error) {
	var file policyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	var rules []PolicyRule
	for _, raw := range file.Violations {
		var entry struct {
			Keywords []string `json:"keywords"`
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		var keywords []string
		for _, kw := range entry.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				keywords = append(keywords, kw)
			}
		}
		if len(keywords) > 0 {
			rules = append(rules, PolicyRule{Keywords: keywords})
		}
	}
	return rules, nil
}

// violates reports whether any rule keyword is one of the whitespace tokens.
func violates(rules []PolicyRule, fields []string) (string, bool) {
	if len(rules) == 0 || len(fields) == 0 {
		return "", false
	}
	present := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		present[f] = struct{}{}
	}
	for _, rule := range rules {
		for _, kw := range rule.Keywords {
			if _, ok := present[kw]; ok {
				return kw, true
			}
		}
	}
	return "", false
}

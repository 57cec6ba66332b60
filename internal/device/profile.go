// Package device decides how hard the agent may work on this machine: it
// loads device profiles, samples CPU and memory utilization and turns both
// into a batch size and a sleep interval.
package device

import (
	"encoding/json"
	"fmt"
	"os"
)

// DefaultProfileName is used when no profile is configured.
const DefaultProfileName = "default"

// Profile bounds the work done per cycle.
type Profile struct {
	Name             string  `json:"-"`
	BatchSize        int     `json:"batch_size"`
	MaxCPUPercent    float64 `json:"max_cpu_percent"`
	MaxMemoryPercent float64 `json:"max_memory_percent"`
}

// DefaultProfile is the fallback when no profile file or name matches.
var DefaultProfile = Profile{
	Name:             DefaultProfileName,
	BatchSize:        8,
	MaxCPUPercent:    80,
	MaxMemoryPercent: 80,
}

// LoadProfiles reads a device_profiles.json file.
func LoadProfiles(path string) (map[string]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device profiles: %w", err)
	}
	profiles, err := ParseProfiles(data)
	if err != nil {
		return nil, fmt.Errorf("parse device profiles %s: %w", path, err)
	}
	return profiles, nil
}

// ParseProfiles decodes named profiles, either at the top level or under a
// "profiles" key. Missing thresholds fall back to the default profile's.
func ParseProfiles(data []byte) (map[string]Profile, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if nested, ok := raw["profiles"]; ok {
		raw = nil
		if err := json.Unmarshal(nested, &raw); err != nil {
			return nil, fmt.Errorf("profiles: %w", err)
		}
	}

	profiles := make(map[string]Profile, len(raw))
	for name, body := range raw {
		p := DefaultProfile
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		p.Name = name
		if p.BatchSize < 1 {
			return nil, fmt.Errorf("profile %q: batch_size must be at least 1", name)
		}
		profiles[name] = p
	}
	return profiles, nil
}

// Select returns the named profile, then the "default" entry, then DefaultProfile.
func Select(profiles map[string]Profile, name string) Profile {
	if p, ok := profiles[name]; ok && name != "" {
		return p
	}
	if p, ok := profiles[DefaultProfileName]; ok {
		return p
	}
	return DefaultProfile
}

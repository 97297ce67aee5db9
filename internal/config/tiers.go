package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TierSpec holds the resource limits for one tier.
type TierSpec struct {
	MemoryMB  int64 `yaml:"memory_mb" json:"memory_mb"`
	CPUShares int64 `yaml:"cpu_shares" json:"cpu_shares"`
	Dedicated bool  `yaml:"dedicated" json:"dedicated"`
}

// defaultTiers is the built-in catalog, used when no TIERS_FILE is set.
var defaultTiers = map[string]TierSpec{
	"starter":  {MemoryMB: 512, CPUShares: 512},
	"standard": {MemoryMB: 2048, CPUShares: 1024},
	"premium":  {MemoryMB: 8192, CPUShares: 4096, Dedicated: true},
}

// LoadTiers returns the tier catalog, reading the YAML file at path when
// given, otherwise the built-in defaults.
func LoadTiers(path string) (map[string]TierSpec, error) {
	if path == "" {
		tiers := make(map[string]TierSpec, len(defaultTiers))
		for k, v := range defaultTiers {
			tiers[k] = v
		}
		return tiers, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiers file: %w", err)
	}

	var tiers map[string]TierSpec
	if err := yaml.Unmarshal(data, &tiers); err != nil {
		return nil, fmt.Errorf("parse tiers file: %w", err)
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("tiers file %s defines no tiers", path)
	}
	return tiers, nil
}

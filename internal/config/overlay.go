// config/overlay.go
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// StealthFile mirrors a standalone stealth.yml kept next to the main config.
// Operators tune per-site limits far more often than the rest of the config,
// so the file can be swapped without touching config.yml.
type StealthFile struct {
	Global  DomainRules            `yaml:"global"`
	Domains map[string]DomainRules `yaml:"domains"`
}

// EffortFile mirrors a standalone effort_policy.yml.
type EffortFile struct {
	Thresholds     map[string]float64 `yaml:"thresholds"`
	UpgradeRules   []ShiftRule        `yaml:"upgrade_rules"`
	DowngradeRules []ShiftRule        `yaml:"downgrade_rules"`
	SkipRules      []SkipRule         `yaml:"skip_rules"`
}

// OverlayStealth replaces cfg's stealth section from stealthPath if the file
// exists. A missing file is not an error; startup proceeds on config.yml alone.
func OverlayStealth(cfg *Config, stealthPath string) error {
	b, err := os.ReadFile(stealthPath)
	if err != nil {
		return nil
	}

	var sf StealthFile
	if err := yaml.Unmarshal(b, &sf); err != nil {
		return err
	}

	if sf.Global != (DomainRules{}) {
		cfg.Stealth.Global = sf.Global
	}
	if len(sf.Domains) > 0 {
		cfg.Stealth.Domains = sf.Domains
	}
	return nil
}

// OverlayEffort replaces cfg's effort section from effortPath if the file exists.
func OverlayEffort(cfg *Config, effortPath string) error {
	b, err := os.ReadFile(effortPath)
	if err != nil {
		return nil
	}

	var ef EffortFile
	if err := yaml.Unmarshal(b, &ef); err != nil {
		return err
	}

	if len(ef.Thresholds) > 0 {
		cfg.Effort.Thresholds = ef.Thresholds
	}
	if len(ef.UpgradeRules) > 0 {
		cfg.Effort.UpgradeRules = ef.UpgradeRules
	}
	if len(ef.DowngradeRules) > 0 {
		cfg.Effort.DowngradeRules = ef.DowngradeRules
	}
	if len(ef.SkipRules) > 0 {
		cfg.Effort.SkipRules = ef.SkipRules
	}
	return nil
}

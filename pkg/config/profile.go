package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is an optional YAML deployment profile layered over the environment
// configuration, mostly for per-environment rate and lease limits.
type Profile struct {
	Name       string          `yaml:"name"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Lease      LeaseConfig     `yaml:"lease"`
	DrainGrace int             `yaml:"drain_grace_s"`
}

// RateLimitConfig controls the per-caller request budget.
type RateLimitConfig struct {
	RPM   int `yaml:"rpm"`
	Burst int `yaml:"burst"`
}

// LeaseConfig controls capability lease housekeeping.
type LeaseConfig struct {
	SweepIntervalS int `yaml:"sweep_interval_s"`
	GraceS         int `yaml:"grace_s"`
}

// DefaultProfile is used when no profile file is configured.
func DefaultProfile() *Profile {
	return &Profile{
		Name:       "default",
		RateLimit:  RateLimitConfig{RPM: 120, Burst: 20},
		Lease:      LeaseConfig{SweepIntervalS: 30, GraceS: 120},
		DrainGrace: 10,
	}
}

// LoadProfile reads a profile from a YAML file, filling unset fields from the
// default profile.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return DefaultProfile(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}

	p := DefaultProfile()
	if err := yaml.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if p.RateLimit.RPM <= 0 || p.Lease.GraceS < 0 {
		return nil, fmt.Errorf("profile %s: limits must be positive", path)
	}
	return p, nil
}

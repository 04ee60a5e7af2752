// Package consensus reconciles disagreeing model outputs for the same
// semantic unit into one accepted value using feedback-adjusted weights.
package consensus

import (
	"sort"

	"github.com/rotisserie/eris"
)

// Band maps a range of flagged-issue counts to a weight multiplier.
// MaxIssues < 0 means the band is unbounded above.
type Band struct {
	MinIssues  int     `yaml:"min_issues" mapstructure:"min_issues"`
	MaxIssues  int     `yaml:"max_issues" mapstructure:"max_issues"`
	Multiplier float64 `yaml:"multiplier" mapstructure:"multiplier"`
}

func (b Band) contains(issues int) bool {
	return issues >= b.MinIssues && (b.MaxIssues < 0 || issues <= b.MaxIssues)
}

// Policy is the tunable weighting table.
type Policy struct {
	Bands             []Band             `yaml:"bands" mapstructure:"bands"`
	BaseWeights       map[string]float64 `yaml:"base_weights" mapstructure:"base_weights"`
	DefaultBaseWeight float64            `yaml:"default_base_weight" mapstructure:"default_base_weight"`
	// MajorityShare is the share of total weight the winner must exceed to
	// be accepted without a low-confidence flag.
	MajorityShare float64 `yaml:"majority_share" mapstructure:"majority_share"`
}

// DefaultPolicy returns the standard banding: 0 issues 1.2x, 1-2 1.0x,
// 3-5 0.8x, 6+ 0.6x, with a simple-majority acceptance share.
func DefaultPolicy() Policy {
	return Policy{
		Bands: []Band{
			{MinIssues: 0, MaxIssues: 0, Multiplier: 1.2},
			{MinIssues: 1, MaxIssues: 2, Multiplier: 1.0},
			{MinIssues: 3, MaxIssues: 5, Multiplier: 0.8},
			{MinIssues: 6, MaxIssues: -1, Multiplier: 0.6},
		},
		DefaultBaseWeight: 1.0,
		MajorityShare:     0.5,
	}
}

// Validate checks that bands are ordered, non-overlapping, and positive.
func (p Policy) Validate() error {
	bands := append([]Band(nil), p.Bands...)
	sort.Slice(bands, func(i, j int) bool { return bands[i].MinIssues < bands[j].MinIssues })
	for i, b := range bands {
		if b.Multiplier <= 0 {
			return eris.Errorf("consensus: band %d has non-positive multiplier %v", i, b.Multiplier)
		}
		if b.MaxIssues >= 0 && b.MaxIssues < b.MinIssues {
			return eris.Errorf("consensus: band %d max %d below min %d", i, b.MaxIssues, b.MinIssues)
		}
		if i > 0 {
			prev := bands[i-1]
			if prev.MaxIssues < 0 || prev.MaxIssues >= b.MinIssues {
				return eris.Errorf("consensus: bands %d and %d overlap", i-1, i)
			}
		}
	}
	if p.MajorityShare < 0 || p.MajorityShare >= 1 {
		return eris.Errorf("consensus: majority share %v outside [0,1)", p.MajorityShare)
	}
	return nil
}

// Multiplier returns the feedback multiplier for an issue count. Counts not
// covered by any band get 1.0.
func (p Policy) Multiplier(issues int) float64 {
	for _, b := range p.Bands {
		if b.contains(issues) {
			return b.Multiplier
		}
	}
	return 1.0
}

// BaseWeight returns the configured base weight for a model.
func (p Policy) BaseWeight(modelID string) float64 {
	if w, ok := p.BaseWeights[modelID]; ok {
		return w
	}
	if p.DefaultBaseWeight > 0 {
		return p.DefaultBaseWeight
	}
	return 1.0
}

// Weight is base_weight(model) x feedback multiplier.
func (p Policy) Weight(modelID string, issues int) float64 {
	return p.BaseWeight(modelID) * p.Multiplier(issues)
}

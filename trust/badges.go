package trust

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Badge identifiers shipped with the default rules.
const (
	BadgeFirstDeal     = "first_deal"
	BadgeReliable      = "reliable"
	BadgeTopRated      = "top_rated"
	BadgeTrustedSeller = "trusted_seller"
	BadgePowerSeller   = "power_seller"
)

// ErrInvalidRule signals a badge rule that can never be evaluated.
var ErrInvalidRule = errors.New("trust: invalid badge rule")

// BadgeRule awards ID when every configured threshold holds. A nil
// MaxCancellationRate means the rate is not considered.
type BadgeRule struct {
	ID                  string   `yaml:"id"`
	MinDeals            int      `yaml:"min_deals"`
	MinRating           float64  `yaml:"min_rating"`
	MaxCancellationRate *float64 `yaml:"max_cancellation_rate"`
}

func (r BadgeRule) matches(s Stats) bool {
	if s.CompletedDeals < r.MinDeals {
		return false
	}
	if s.AvgRating < r.MinRating {
		return false
	}
	if r.MaxCancellationRate != nil && s.CancellationRate > *r.MaxCancellationRate {
		return false
	}
	return true
}

func (r BadgeRule) validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRule)
	}
	if r.MinDeals < 0 {
		return fmt.Errorf("%w: %s: negative min_deals", ErrInvalidRule, r.ID)
	}
	if r.MinRating < 0 || r.MinRating > maxRating {
		return fmt.Errorf("%w: %s: min_rating outside [0,5]", ErrInvalidRule, r.ID)
	}
	if r.MaxCancellationRate != nil && (*r.MaxCancellationRate < 0 || *r.MaxCancellationRate > 1) {
		return fmt.Errorf("%w: %s: max_cancellation_rate outside [0,1]", ErrInvalidRule, r.ID)
	}
	return nil
}

func rate(v float64) *float64 { return &v }

// DefaultRules are used when no rules file is configured.
func DefaultRules() []BadgeRule {
	return []BadgeRule{
		{ID: BadgeFirstDeal, MinDeals: 1},
		{ID: BadgeReliable, MinDeals: 5, MaxCancellationRate: rate(0.05)},
		{ID: BadgeTopRated, MinDeals: 5, MinRating: 4.8},
		{ID: BadgeTrustedSeller, MinDeals: 10, MinRating: 4.5, MaxCancellationRate: rate(0.1)},
		{ID: BadgePowerSeller, MinDeals: 50},
	}
}

// Engine evaluates badge rules. It holds no per-user state.
type Engine struct {
	rules []BadgeRule
}

// NewEngine validates rules and builds an Engine.
func NewEngine(rules []BadgeRule) (*Engine, error) {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidRule, r.ID)
		}
		seen[r.ID] = true
	}
	cp := make([]BadgeRule, len(rules))
	copy(cp, rules)
	return &Engine{rules: cp}, nil
}

// DefaultEngine returns an Engine over DefaultRules.
func DefaultEngine() *Engine {
	e, err := NewEngine(DefaultRules())
	if err != nil {
		panic(err)
	}
	return e
}

// EarnedBadges returns the complete, sorted badge set implied by s. Callers
// must replace the stored set with the result rather than merge into it.
func (e *Engine) EarnedBadges(s Stats) []string {
	badges := make([]string, 0, len(e.rules))
	for _, r := range e.rules {
		if r.matches(s) {
			badges = append(badges, r.ID)
		}
	}
	sort.Strings(badges)
	return badges
}

// Evaluate returns both the score and the badge set for s.
func (e *Engine) Evaluate(s Stats) (int, []string) {
	return Score(s), e.EarnedBadges(s)
}

type rulesFile struct {
	Badges []BadgeRule `yaml:"badges"`
}

// LoadRules reads badge rules from a YAML file of the form:
//
//	badges:
//	  - id: first_deal
//	    min_deals: 1
func LoadRules(path string) ([]BadgeRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trust: read rules %s: %w", path, err)
	}

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("trust: parse rules %s: %w", path, err)
	}
	if len(f.Badges) == 0 {
		return nil, fmt.Errorf("%w: %s defines no badges", ErrInvalidRule, path)
	}
	for i, r := range f.Badges {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("trust: rule at index %d: %w", i, err)
		}
	}
	return f.Badges, nil
}

// EngineFromFile builds an Engine from path, or the default engine when path
// is empty.
func EngineFromFile(path string) (*Engine, error) {
	if path == "" {
		return DefaultEngine(), nil
	}
	rules, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	return NewEngine(rules)
}

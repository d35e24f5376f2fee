package routing

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/onai-academy/platform/crmsync/internal/models"
)

// Condition is a predicate over one payload field. Every predicate that is
// set must hold. String comparisons are case-insensitive.
type Condition struct {
	Field string `yaml:"field" mapstructure:"field" json:"field"`

	Equals      []string `yaml:"equals,omitempty" mapstructure:"equals" json:"equals,omitempty"`
	Prefix      []string `yaml:"prefix,omitempty" mapstructure:"prefix" json:"prefix,omitempty"`
	ContainsAny []string `yaml:"contains_any,omitempty" mapstructure:"contains_any" json:"contains_any,omitempty"`

	Min *float64 `yaml:"min,omitempty" mapstructure:"min" json:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty" mapstructure:"max" json:"max,omitempty"`

	Exists bool `yaml:"exists,omitempty" mapstructure:"exists" json:"exists,omitempty"`
	Absent bool `yaml:"absent,omitempty" mapstructure:"absent" json:"absent,omitempty"`
}

// Rule routes an event to Target when all of When hold and, if AnyOf is
// non-empty, at least one of AnyOf holds.
type Rule struct {
	Name   string      `yaml:"name" mapstructure:"name" json:"name"`
	Target string      `yaml:"target" mapstructure:"target" json:"target"`
	When   []Condition `yaml:"when,omitempty" mapstructure:"when" json:"when,omitempty"`
	AnyOf  []Condition `yaml:"any_of,omitempty" mapstructure:"any_of" json:"any_of,omitempty"`
}

// RuleFile is the layout of a standalone rules file.
type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML rules file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates YAML rule definitions.
func ParseRules(data []byte) ([]Rule, error) {
	var f RuleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if err := ValidateRules(f.Rules); err != nil {
		return nil, err
	}
	return f.Rules, nil
}

// ValidateRules checks that every rule names a target and carries at least
// one usable condition.
func ValidateRules(rules []Rule) error {
	var errs []error
	for i, r := range rules {
		label := r.Name
		if label == "" {
			label = "#" + strconv.Itoa(i)
		}
		if strings.TrimSpace(r.Target) == "" {
			errs = append(errs, fmt.Errorf("rule %s: target is required", label))
		}
		if r.Target == models.TargetUnknown {
			errs = append(errs, fmt.Errorf("rule %s: %q is reserved for unmatched events", label, models.TargetUnknown))
		}
		if len(r.When) == 0 && len(r.AnyOf) == 0 {
			errs = append(errs, fmt.Errorf("rule %s: needs at least one condition", label))
		}
		for _, c := range append(append([]Condition{}, r.When...), r.AnyOf...) {
			if err := c.validate(); err != nil {
				errs = append(errs, fmt.Errorf("rule %s: %w", label, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (c Condition) validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return errors.New("condition field is required")
	}
	if c.Exists && c.Absent {
		return fmt.Errorf("condition on %s: exists and absent are exclusive", c.Field)
	}
	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		return fmt.Errorf("condition on %s: min %v is above max %v", c.Field, *c.Min, *c.Max)
	}
	if len(c.Equals) == 0 && len(c.Prefix) == 0 && len(c.ContainsAny) == 0 &&
		c.Min == nil && c.Max == nil && !c.Exists && !c.Absent {
		return fmt.Errorf("condition on %s has no predicate", c.Field)
	}
	return nil
}

// Matches evaluates the rule against payload.
func (r Rule) Matches(payload map[string]any) bool {
	for _, c := range r.When {
		if !c.Matches(payload) {
			return false
		}
	}
	if len(r.AnyOf) == 0 {
		return true
	}
	for _, c := range r.AnyOf {
		if c.Matches(payload) {
			return true
		}
	}
	return false
}

// Matches evaluates the condition against payload.
func (c Condition) Matches(payload map[string]any) bool {
	raw, found := lookup(payload, c.Field)
	value := strings.ToLower(models.ScalarString(raw))
	present := found && value != ""

	if c.Absent {
		return !present && len(c.Equals) == 0 && len(c.Prefix) == 0 && len(c.ContainsAny) == 0
	}
	if !present {
		return false
	}

	if len(c.Equals) > 0 && !anyString(c.Equals, func(want string) bool { return value == want }) {
		return false
	}
	if len(c.Prefix) > 0 && !anyString(c.Prefix, func(p string) bool { return strings.HasPrefix(value, p) }) {
		return false
	}
	if len(c.ContainsAny) > 0 && !anyString(c.ContainsAny, func(s string) bool { return strings.Contains(value, s) }) {
		return false
	}

	if c.Min != nil || c.Max != nil {
		n, err := strconv.ParseFloat(strings.ReplaceAll(value, " ", ""), 64)
		if err != nil {
			return false
		}
		if c.Min != nil && n < *c.Min {
			return false
		}
		if c.Max != nil && n > *c.Max {
			return false
		}
	}
	return true
}

func anyString(candidates []string, pred func(string) bool) bool {
	for _, s := range candidates {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" && pred(s) {
			return true
		}
	}
	return false
}

// lookup resolves a field name, first as a literal key, then as a dotted
// path into nested objects.
func lookup(payload map[string]any, field string) (any, bool) {
	if v, ok := payload[field]; ok {
		return v, true
	}
	parts := strings.Split(field, ".")
	if len(parts) < 2 {
		return nil, false
	}
	var cur any = payload
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

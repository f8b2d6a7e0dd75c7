package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// RuleKind identifies a data-quality rule.
type RuleKind string

const (
	RuleNotNull       RuleKind = "not_null"
	RuleUnique        RuleKind = "unique"
	RuleNumeric       RuleKind = "numeric"
	RuleEmailFormat   RuleKind = "email_format"
	RulePhoneFormat   RuleKind = "phone_format"
	RuleDateFormat    RuleKind = "date_format"
	RuleMinLength     RuleKind = "min_length"
	RuleMaxLength     RuleKind = "max_length"
	RuleRegex         RuleKind = "regex"
	RuleRange         RuleKind = "range"
	RuleAllowedValues RuleKind = "allowed_values"
)

// RuleKinds lists every supported rule kind in display order.
var RuleKinds = []RuleKind{
	RuleNotNull, RuleUnique, RuleNumeric, RuleEmailFormat, RulePhoneFormat,
	RuleDateFormat, RuleMinLength, RuleMaxLength, RuleRegex, RuleRange, RuleAllowedValues,
}

// ErrInvalidRule is returned when a quality rule is malformed.
var ErrInvalidRule = errors.New("invalid quality rule")

// RuleParams carries the kind-specific parameters of a QualityRule.
// Only the fields relevant to the rule's kind are set.
type RuleParams struct {
	MinLength     *int     `json:"min_length,omitempty"`
	MaxLength     *int     `json:"max_length,omitempty"`
	MinValue      *float64 `json:"min_value,omitempty"`
	MaxValue      *float64 `json:"max_value,omitempty"`
	Pattern       string   `json:"pattern,omitempty"`
	AllowedValues []string `json:"allowed_values,omitempty"`
}

// QualityRule is a captured, not enforced, data-quality expectation for one column.
type QualityRule struct {
	Column string     `json:"column"`
	Kind   RuleKind   `json:"rule"`
	Params RuleParams `json:"params"`
}

// Validate checks that the rule's kind is known and that its parameters
// match the shape the kind requires. It returns the rule normalized:
// parameters unrelated to the kind are dropped.
func (r QualityRule) Validate() (QualityRule, error) {
	out := QualityRule{Column: r.Column, Kind: r.Kind}
	p := r.Params

	switch r.Kind {
	case RuleNotNull, RuleUnique, RuleNumeric, RuleEmailFormat, RulePhoneFormat, RuleDateFormat:
	case RuleMinLength:
		if p.MinLength == nil || *p.MinLength < 0 {
			return QualityRule{}, fmt.Errorf("%w: %s needs a non-negative min_length", ErrInvalidRule, r.Kind)
		}
		out.Params.MinLength = intPtr(*p.MinLength)
	case RuleMaxLength:
		if p.MaxLength == nil || *p.MaxLength < 0 {
			return QualityRule{}, fmt.Errorf("%w: %s needs a non-negative max_length", ErrInvalidRule, r.Kind)
		}
		out.Params.MaxLength = intPtr(*p.MaxLength)
	case RuleRange:
		if p.MinValue == nil || p.MaxValue == nil {
			return QualityRule{}, fmt.Errorf("%w: range needs min_value and max_value", ErrInvalidRule)
		}
		if *p.MinValue > *p.MaxValue {
			return QualityRule{}, fmt.Errorf("%w: range min_value %v exceeds max_value %v", ErrInvalidRule, *p.MinValue, *p.MaxValue)
		}
		minV, maxV := *p.MinValue, *p.MaxValue
		out.Params.MinValue, out.Params.MaxValue = &minV, &maxV
	case RuleRegex:
		if p.Pattern == "" {
			return QualityRule{}, fmt.Errorf("%w: regex needs a pattern", ErrInvalidRule)
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return QualityRule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		out.Params.Pattern = p.Pattern
	case RuleAllowedValues:
		values := make([]string, 0, len(p.AllowedValues))
		seen := make(map[string]struct{}, len(p.AllowedValues))
		for _, v := range p.AllowedValues {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			values = append(values, v)
		}
		if len(values) == 0 {
			return QualityRule{}, fmt.Errorf("%w: allowed_values needs at least one value", ErrInvalidRule)
		}
		out.Params.AllowedValues = values
	default:
		return QualityRule{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, r.Kind)
	}
	return out, nil
}

// CloneRules returns a deep copy of a column → rule mapping.
func CloneRules(in map[string]QualityRule) map[string]QualityRule {
	out := make(map[string]QualityRule, len(in))
	for col, r := range in {
		c := r
		if r.Params.MinLength != nil {
			c.Params.MinLength = intPtr(*r.Params.MinLength)
		}
		if r.Params.MaxLength != nil {
			c.Params.MaxLength = intPtr(*r.Params.MaxLength)
		}
		if r.Params.MinValue != nil {
			v := *r.Params.MinValue
			c.Params.MinValue = &v
		}
		if r.Params.MaxValue != nil {
			v := *r.Params.MaxValue
			c.Params.MaxValue = &v
		}
		c.Params.AllowedValues = append([]string(nil), r.Params.AllowedValues...)
		out[col] = c
	}
	return out
}

func intPtr(v int) *int { return &v }

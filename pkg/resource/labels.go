package resource

import "strings"

type labelOp int

const (
	opEq labelOp = iota
	opNotEq
	opIn
	opNotIn
	opExists
	opNotExists
)

// LabelRequirement is one term of a label selector.
type LabelRequirement struct {
	op     labelOp
	key    string
	values []string
}

// Eq requires label key to equal value.
func Eq(key, value string) LabelRequirement {
	return LabelRequirement{op: opEq, key: key, values: []string{value}}
}

// NotEq requires label key to be absent or differ from value.
func NotEq(key, value string) LabelRequirement {
	return LabelRequirement{op: opNotEq, key: key, values: []string{value}}
}

// In requires label key to hold one of values.
func In(key string, values ...string) LabelRequirement {
	return LabelRequirement{op: opIn, key: key, values: values}
}

// NotIn requires label key to be absent or hold none of values.
func NotIn(key string, values ...string) LabelRequirement {
	return LabelRequirement{op: opNotIn, key: key, values: values}
}

// Exists requires label key to be present.
func Exists(key string) LabelRequirement { return LabelRequirement{op: opExists, key: key} }

// NotExists requires label key to be absent.
func NotExists(key string) LabelRequirement { return LabelRequirement{op: opNotExists, key: key} }

// String renders the requirement in the registry's selector syntax.
func (r LabelRequirement) String() string {
	switch r.op {
	case opEq:
		return r.key + "=" + r.values[0]
	case opNotEq:
		return r.key + "!=" + r.values[0]
	case opIn:
		return r.key + " in (" + strings.Join(r.values, ", ") + ")"
	case opNotIn:
		return r.key + " notin (" + strings.Join(r.values, ", ") + ")"
	case opNotExists:
		return "!" + r.key
	default:
		return r.key
	}
}

// LabelSelector is a conjunction of requirements.
type LabelSelector []LabelRequirement

// Strings renders each requirement.
func (s LabelSelector) Strings() []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, r.String())
	}
	return out
}

// String renders the whole selector as the labels query value.
func (s LabelSelector) String() string { return strings.Join(s.Strings(), ",") }

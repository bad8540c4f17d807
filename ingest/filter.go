package ingest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/teranos/intake/logger"
)

// FilterCondition is one declarative condition on an item field. A
// source's filter is a flat list of conditions combined with logical AND.
type FilterCondition struct {
	Field    string `yaml:"field" json:"field"`
	Operator string `yaml:"operator" json:"operator"`
	Value    any    `yaml:"value" json:"value"`
}

// badPatterns remembers regex patterns that already failed to compile, so
// a misconfigured filter warns once instead of on every evaluated item.
var badPatterns sync.Map

// Filter operators.
const (
	OpEquals     = "equals"
	OpNotEquals  = "not_equals"
	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
	OpRegex      = "regex"
	OpGT         = "gt"
	OpGTE        = "gte"
	OpLT         = "lt"
	OpLTE        = "lte"
	OpIn         = "in"
	OpNotIn      = "not_in"
)

// EvalConditions evaluates a flat condition list against an item's fields
// map. An empty list accepts all items.
//
// A condition referencing an absent field is a non-match for positive
// operators and a match for not_equals/not_in — absence counts as "not
// equal to anything". Numeric comparisons fail closed when the field is
// not numeric.
func EvalConditions(conds []FilterCondition, fields map[string]any) bool {
	for _, cond := range conds {
		if !evalCondition(cond, fields) {
			return false
		}
	}
	return true
}

func evalCondition(cond FilterCondition, fields map[string]any) bool {
	value, present := fields[cond.Field]

	if !present {
		// Absent field only satisfies negated operators.
		return cond.Operator == OpNotEquals || cond.Operator == OpNotIn
	}

	fieldStr := stringify(value)
	condStr := stringify(cond.Value)

	switch cond.Operator {
	case OpEquals:
		return fieldStr == condStr
	case OpNotEquals:
		return fieldStr != condStr
	case OpContains:
		return strings.Contains(fieldStr, condStr)
	case OpStartsWith:
		return strings.HasPrefix(fieldStr, condStr)
	case OpEndsWith:
		return strings.HasSuffix(fieldStr, condStr)
	case OpRegex:
		re, err := regexp.Compile(condStr)
		if err != nil {
			// Uncompilable pattern rejects the item rather than
			// silently passing everything. Warned once per pattern, not
			// per item.
			if _, logged := badPatterns.LoadOrStore(condStr, struct{}{}); !logged {
				logger.Logger.Warnw("Uncompilable filter regex rejects all items",
					"pattern", condStr,
					"error", err,
				)
			}
			return false
		}
		return re.MatchString(fieldStr)
	case OpGT, OpGTE, OpLT, OpLTE:
		fieldNum, ok1 := toNumber(value)
		condNum, ok2 := toNumber(cond.Value)
		if !ok1 || !ok2 {
			return false // fail closed on non-numeric comparison
		}
		switch cond.Operator {
		case OpGT:
			return fieldNum > condNum
		case OpGTE:
			return fieldNum >= condNum
		case OpLT:
			return fieldNum < condNum
		default:
			return fieldNum <= condNum
		}
	case OpIn:
		return valueSet(cond.Value)[fieldStr]
	case OpNotIn:
		return !valueSet(cond.Value)[fieldStr]
	default:
		// Unknown operator rejects the item.
		return false
	}
}

// valueSet treats a condition value as a set: either a list or a
// comma-separated string.
func valueSet(v any) map[string]bool {
	set := make(map[string]bool)
	switch vv := v.(type) {
	case []any:
		for _, elem := range vv {
			set[stringify(elem)] = true
		}
	case []string:
		for _, elem := range vv {
			set[elem] = true
		}
	case string:
		for _, elem := range strings.Split(vv, ",") {
			set[strings.TrimSpace(elem)] = true
		}
	default:
		set[stringify(v)] = true
	}
	return set
}

// stringify renders a field value for the string-based operators.
// Numbers render without trailing zeros so YAML/JSON float decoding does
// not change equality semantics.
func stringify(v any) string {
	switch vv := v.(type) {
	case string:
		return vv
	case bool:
		return strconv.FormatBool(vv)
	case float64:
		return strconv.FormatFloat(vv, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(vv), 'f', -1, 32)
	case int:
		return strconv.Itoa(vv)
	case int64:
		return strconv.FormatInt(vv, 10)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", vv)
	}
}

func toNumber(v any) (float64, bool) {
	switch vv := v.(type) {
	case float64:
		return vv, true
	case float32:
		return float64(vv), true
	case int:
		return float64(vv), true
	case int64:
		return float64(vv), true
	case string:
		f, err := strconv.ParseFloat(vv, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

package gamebus

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Operator 过滤谓词操作符。
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "notEquals"
	OpGreaterThan Operator = "greaterThan"
	OpLessThan    Operator = "lessThan"
	OpIn          Operator = "in"
)

// FilterRule 单条过滤谓词。Field 是 payload 内的 gjson 路径，
// 或以 "metadata." 前缀访问事件元数据（priority / deliveryMode / tags）。
// 未知操作符判为不匹配（fail closed），畸形过滤器绝不让分发崩溃。
type FilterRule struct {
	Field string      `json:"field"`
	Op    Operator    `json:"operator"`
	Value interface{} `json:"value"`
}

// matchFilters 全部谓词为真才匹配。
func matchFilters(rules []FilterRule, e Event) bool {
	for _, r := range rules {
		if !matchRule(r, e) {
			return false
		}
	}
	return true
}

func matchRule(r FilterRule, e Event) bool {
	if field, ok := strings.CutPrefix(r.Field, "metadata."); ok {
		return matchMeta(r, field, e)
	}
	res := gjson.GetBytes(e.Data, r.Field)
	if !res.Exists() {
		return false
	}
	switch r.Op {
	case OpEquals:
		return res.String() == toString(r.Value)
	case OpNotEquals:
		return res.String() != toString(r.Value)
	case OpGreaterThan:
		f, ok := toFloat(r.Value)
		return ok && res.Float() > f
	case OpLessThan:
		f, ok := toFloat(r.Value)
		return ok && res.Float() < f
	case OpIn:
		return containsValue(r.Value, res.String())
	default:
		return false
	}
}

// matchMeta 对事件元数据求值；仅支持字符串语义字段。
func matchMeta(r FilterRule, field string, e Event) bool {
	var got string
	switch field {
	case "priority":
		got = string(e.Meta.Priority)
	case "deliveryMode":
		got = string(e.Meta.DeliveryMode)
	case "tags":
		// tags 仅支持 in/equals：任一标签命中即为真
		for _, t := range e.Meta.Tags {
			if t == toString(r.Value) || containsValue(r.Value, t) {
				return true
			}
		}
		return false
	default:
		return false
	}
	switch r.Op {
	case OpEquals:
		return got == toString(r.Value)
	case OpNotEquals:
		return got != toString(r.Value)
	case OpIn:
		return containsValue(r.Value, got)
	default:
		return false
	}
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// containsValue value 需为切片；逐项字符串比较。
func containsValue(v interface{}, s string) bool {
	switch list := v.(type) {
	case []string:
		for _, it := range list {
			if it == s {
				return true
			}
		}
	case []interface{}:
		for _, it := range list {
			if toString(it) == s {
				return true
			}
		}
	}
	return false
}

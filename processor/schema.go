package processor

import (
	"fmt"
	"sort"

	"github.com/mengeric/jobcore/model"
)

// Kind 参数取值类型，按 JSON 解码后的 Go 类型判断。
type Kind string

const (
	KindAny    Kind = "any"
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindObject Kind = "object"
	KindArray  Kind = "array"
)

// Schema 一个任务类型的参数结构。未声明的参数原样放行。
type Schema struct {
	Required map[string]Kind
	Optional map[string]Kind
}

// Validate 校验必填项存在且类型匹配，可选项出现时类型匹配。
func (s Schema) Validate(params map[string]any) error {
	for _, name := range sortedKeys(s.Required) {
		v, ok := params[name]
		if !ok || v == nil {
			return fmt.Errorf("%w: missing required param %q", model.ErrValidation, name)
		}
		if !s.Required[name].accepts(v) {
			return fmt.Errorf("%w: param %q must be %s", model.ErrValidation, name, s.Required[name])
		}
	}
	for _, name := range sortedKeys(s.Optional) {
		if v, ok := params[name]; ok && v != nil && !s.Optional[name].accepts(v) {
			return fmt.Errorf("%w: param %q must be %s", model.ErrValidation, name, s.Optional[name])
		}
	}
	return nil
}

func (k Kind) accepts(v any) bool {
	switch k {
	case KindAny, "":
		return true
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
			return true
		}
		return false
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindObject:
		_, ok := v.(map[string]any)
		return ok
	case KindArray:
		_, ok := v.([]any)
		return ok
	}
	return false
}

func sortedKeys(m map[string]Kind) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Number 读取数值参数，兼容 JSON 解码的 float64 与 Go 侧传入的整数。
func Number(params map[string]any, name string, def float64) float64 {
	switch v := params[name].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	}
	return def
}

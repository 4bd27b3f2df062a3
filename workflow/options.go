package workflow

import (
	"encoding/json"
	"fmt"
)

// 节点配置键。编辑器与程序化构造共用同一组键名。
const (
	optConditionField  = "condition_field"
	optConditionType   = "condition_type"
	optConditionChains = "condition_chains"
	optDefaultTarget   = "default_target"

	optRouteSelector = "route_selector"
	optRoutes        = "routes"

	optSteps          = "steps"
	optInputVariable  = "input_variable"
	optMapPrompt      = "map_prompt"
	optReducePrompt   = "reduce_prompt"
	optMaxConcurrency = "max_concurrency"
)

// stringOption 读取字符串配置项，缺失或类型不符时返回默认值。
func stringOption(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return def
}

// intOption 读取整数配置项。JSON 反序列化产出 float64，这里统一收敛。
func intOption(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}

func floatOption(cfg map[string]any, key string, def float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

func boolOption(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}

func sliceOption(cfg map[string]any, key string) []any {
	if v, ok := cfg[key].([]any); ok {
		return v
	}
	return nil
}

func mapOption(cfg map[string]any, key string) map[string]any {
	if v, ok := cfg[key].(map[string]any); ok {
		return v
	}
	return nil
}

// hasOption 判断配置项是否显式出现（与零值区分）。
func hasOption(cfg map[string]any, key string) bool {
	_, ok := cfg[key]
	return ok
}

// asString 把任意绑定值转为字符串，供条件谓词与模板渲染使用。
// nil 视为空串，复合类型走 JSON 序列化保证确定性。
func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case float64, int, int64, bool:
		return fmt.Sprint(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

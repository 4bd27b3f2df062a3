package workflow

import (
	"fmt"

	"github.com/BaSui01/flowgraph/types"
)

// ValidationResult 聚合一次校验发现的全部问题。
// Errors 阻止编译执行；Warnings（如声明了分支目标但没有对应的边）不阻止。
// 切片始终非 nil，保证 JSON 序列化产出 [] 而非 null。
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// NewValidationResult 创建空的（通过状态的）校验结果。
func NewValidationResult() *ValidationResult {
	return &ValidationResult{
		Valid:    true,
		Errors:   make([]string, 0),
		Warnings: make([]string, 0),
	}
}

// AddError 追加一条错误并把结果标记为不通过。消息以错误码开头。
func (r *ValidationResult) AddError(code types.ErrorCode, format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %s", code, fmt.Sprintf(format, args...)))
}

// AddNodeError 追加一条以节点 id 为命名空间的错误。
func (r *ValidationResult) AddNodeError(code types.ErrorCode, nodeID, format string, args ...any) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf("%s: node %q: %s", code, nodeID, fmt.Sprintf(format, args...)))
}

// AddWarning 追加一条警告，不影响 Valid。
func (r *ValidationResult) AddWarning(nodeID, format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf("node %q: %s", nodeID, fmt.Sprintf(format, args...)))
}

// Err 把校验失败折叠为一个结构化错误，供 Builder 中止编译时使用。
// 校验通过时返回 nil。
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	msg := "workflow document failed validation"
	if len(r.Errors) > 0 {
		msg = r.Errors[0]
		if len(r.Errors) > 1 {
			msg = fmt.Sprintf("%s (and %d more)", msg, len(r.Errors)-1)
		}
	}
	return types.NewError(types.ErrStructural, msg)
}

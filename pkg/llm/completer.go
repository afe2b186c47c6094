package llm

import (
	"context"
	"strings"
)

// Purpose 补全调用的用途，决定路由到哪个供应商。
type Purpose string

const (
	PurposeExtraction     Purpose = "extraction"
	PurposeSynthesis      Purpose = "synthesis"
	PurposeClassification Purpose = "classification"
	PurposeValidation     Purpose = "validation"
)

// Purposes 返回全部已知用途。
func Purposes() []Purpose {
	return []Purpose{PurposeExtraction, PurposeSynthesis, PurposeClassification, PurposeValidation}
}

// Priority 调用优先级，用于调度与成本控制。数值越小优先级越高。
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityBatch
)

// Priorities 返回全部优先级，从高到低。
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow, PriorityBatch}
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	case PriorityBatch:
		return "BATCH"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority 解析优先级名称（大小写不敏感），未知名称返回 PriorityMedium 与 false。
func ParsePriority(s string) (Priority, bool) {
	for _, p := range Priorities() {
		if strings.EqualFold(p.String(), strings.TrimSpace(s)) {
			return p, true
		}
	}
	return PriorityMedium, false
}

// Completer 是 LLM 补全能力：给定消息、用途与优先级，返回文本。
type Completer interface {
	Complete(ctx context.Context, messages []Message, purpose Purpose, priority Priority) (string, error)
}

// CompleterFunc 将普通函数适配为 Completer。
type CompleterFunc func(ctx context.Context, messages []Message, purpose Purpose, priority Priority) (string, error)

// Complete 实现 Completer。
func (f CompleterFunc) Complete(ctx context.Context, messages []Message, purpose Purpose, priority Priority) (string, error) {
	return f(ctx, messages, purpose, priority)
}

package biz

import (
	"fmt"

	"github.com/kart-io/sentinel-kb/pkg/utils/json"
)

// Verdict 单次独立校验的结论。
type Verdict struct {
	Valid      bool         `json:"valid"`
	Type       RelationType `json:"type"`
	Confidence float64      `json:"confidence"`
	Reason     string       `json:"reason,omitempty"`
}

// rejectVerdict 无法解析或调用失败时的默认结论。
var rejectVerdict = Verdict{Valid: false, Type: RelationNone, Confidence: 0}

// Consensus 合并两次校验：存在性与类型取 AND，置信度取平均。
func Consensus(a, b Verdict) Verdict {
	agree := a.Valid && b.Valid && a.Type == b.Type && a.Type != RelationNone
	v := Verdict{
		Valid:      agree,
		Type:       RelationNone,
		Confidence: clamp01((clamp01(a.Confidence) + clamp01(b.Confidence)) / 2),
	}
	if agree {
		v.Type = a.Type
	} else {
		v.Reason = fmt.Sprintf("validators disagree: %s/%t vs %s/%t", a.Type, a.Valid, b.Type, b.Valid)
	}
	return v
}

// parseVerdict 解析校验输出，任何字段缺失或非法都退化为拒绝。
func parseVerdict(text string) Verdict {
	var raw struct {
		Valid      *bool    `json:"valid"`
		Type       *string  `json:"type"`
		Confidence *float64 `json:"confidence"`
		Reason     string   `json:"reason"`
	}
	if err := json.UnmarshalLenient(text, &raw); err != nil {
		return rejectVerdict
	}
	if raw.Valid == nil || raw.Type == nil {
		return rejectVerdict
	}
	typ, ok := ParseRelationType(*raw.Type)
	if !ok {
		return rejectVerdict
	}
	v := Verdict{Valid: *raw.Valid, Type: typ, Reason: raw.Reason}
	if raw.Confidence != nil {
		v.Confidence = clamp01(*raw.Confidence)
	}
	if typ == RelationNone {
		v.Valid = false
	}
	return v
}

package biz

import (
	"strings"
	"time"
)

// Intent 查询意图，封闭枚举。
type Intent string

const (
	IntentSpecificControl         Intent = "SPECIFIC_CONTROL"
	IntentComplianceRequirement   Intent = "COMPLIANCE_REQUIREMENT"
	IntentTechnicalImplementation Intent = "TECHNICAL_IMPLEMENTATION"
	IntentComparison              Intent = "COMPARISON"
	IntentBestPractice            Intent = "BEST_PRACTICE"
	IntentGeneralInformation      Intent = "GENERAL_INFORMATION"
)

// Intents 返回全部意图。
func Intents() []Intent {
	return []Intent{
		IntentSpecificControl,
		IntentComplianceRequirement,
		IntentTechnicalImplementation,
		IntentComparison,
		IntentBestPractice,
		IntentGeneralInformation,
	}
}

// ParseIntent 大小写不敏感地解析意图名称。
func ParseIntent(s string) (Intent, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	for _, i := range Intents() {
		if string(i) == s {
			return i, true
		}
	}
	return "", false
}

// AnalysisSource 分析结果来源。
type AnalysisSource string

const (
	SourceLLM   AnalysisSource = "llm"
	SourceRules AnalysisSource = "rules"
)

// Entities 查询或文本中识别出的实体，各集合按大小写不敏感去重并保留首次出现的写法。
type Entities struct {
	Controls     []string `json:"controls"`
	Technologies []string `json:"technologies"`
	Standards    []string `json:"standards"`
	Concepts     []string `json:"concepts"`
}

// Merge 合并两组实体，返回新值。
func (e Entities) Merge(o Entities) Entities {
	return Entities{
		Controls:     mergeUnique(e.Controls, o.Controls),
		Technologies: mergeUnique(e.Technologies, o.Technologies),
		Standards:    mergeUnique(e.Standards, o.Standards),
		Concepts:     mergeUnique(e.Concepts, o.Concepts),
	}
}

// IsEmpty 是否未识别到任何实体。
func (e Entities) IsEmpty() bool {
	return len(e.Controls) == 0 && len(e.Technologies) == 0 && len(e.Standards) == 0 && len(e.Concepts) == 0
}

// Count 实体总数。
func (e Entities) Count() int {
	return len(e.Controls) + len(e.Technologies) + len(e.Standards) + len(e.Concepts)
}

func mergeUnique(lists ...[]string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, l := range lists {
		for _, v := range l {
			v = strings.TrimSpace(v)
			k := strings.ToLower(v)
			if v == "" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, v)
		}
	}
	return out
}

// QueryAnalysis 意图分类结果，创建后不再修改。
type QueryAnalysis struct {
	Intent           Intent         `json:"intent"`
	SecondaryIntents []Intent       `json:"secondary_intents,omitempty"`
	Entities         Entities       `json:"entities"`
	Keywords         []string       `json:"keywords"`
	Confidence       float64        `json:"confidence"`
	Complexity       float64        `json:"complexity"`
	Source           AnalysisSource `json:"source"`
}

// ExpandedQuery 扩展后的查询。
type ExpandedQuery struct {
	Original             string             `json:"original"`
	Terms                []string           `json:"terms"`
	ContextTerms         []string           `json:"context_terms,omitempty"`
	TermConfidence       map[string]float64 `json:"term_confidence"`
	Reasoning            string             `json:"reasoning,omitempty"`
	AlternativePhrasings []string           `json:"alternative_phrasings,omitempty"`
}

// SearchText 返回用于向量检索的文本：原始查询加上置信度不低于 minConfidence 的扩展词。
func (q *ExpandedQuery) SearchText(minConfidence float64, maxTerms int) string {
	if q == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(q.Original)
	lower := strings.ToLower(q.Original)
	added := 0
	for _, t := range append(append([]string{}, q.Terms...), q.ContextTerms...) {
		if added >= maxTerms {
			break
		}
		if q.TermConfidence[t] < minConfidence || strings.Contains(lower, strings.ToLower(t)) {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(t)
		added++
	}
	return b.String()
}

// ResultSource 检索结果来源。
type ResultSource string

const (
	ResultFromGraph  ResultSource = "graph"
	ResultFromVector ResultSource = "vector"
)

// Relationship 结果附带的图关系。
type Relationship struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// RetrievalResult 单条检索结果。
type RetrievalResult struct {
	Source        ResultSource      `json:"source"`
	Content       string            `json:"content"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Relevance     float64           `json:"relevance"`
	NodeType      string            `json:"node_type,omitempty"`
	Relationships []Relationship    `json:"relationships,omitempty"`
}

// RelationType 关系类型。
type RelationType string

const (
	RelationImplements RelationType = "IMPLEMENTS"
	RelationSupports   RelationType = "SUPPORTS"
	RelationReferences RelationType = "REFERENCES"
	RelationConflicts  RelationType = "CONFLICTS"
	// RelationMapsTo 跨标准控制项映射，仅由后台巡检产生。
	RelationMapsTo RelationType = "MAPS_TO"
	RelationNone   RelationType = "NONE"
)

// ParseRelationType 解析关系类型，未知值返回 RelationNone 与 false。
func ParseRelationType(s string) (RelationType, bool) {
	switch RelationType(strings.ToUpper(strings.TrimSpace(s))) {
	case RelationImplements:
		return RelationImplements, true
	case RelationSupports:
		return RelationSupports, true
	case RelationReferences:
		return RelationReferences, true
	case RelationConflicts:
		return RelationConflicts, true
	case RelationMapsTo:
		return RelationMapsTo, true
	case RelationNone:
		return RelationNone, true
	default:
		return RelationNone, false
	}
}

// EntityType 实体类型，与图节点类型一一对应。
type EntityType string

const (
	EntityControl    EntityType = "control"
	EntityTechnology EntityType = "technology"
	EntityStandard   EntityType = "standard"
	EntityConcept    EntityType = "concept"
)

// RelationshipCandidate 待写入图存储的关系候选。
type RelationshipCandidate struct {
	Source     string       `json:"source"`
	Target     string       `json:"target"`
	SourceType EntityType   `json:"source_type"`
	TargetType EntityType   `json:"target_type"`
	Type       RelationType `json:"type"`
	Confidence float64      `json:"confidence"`
	Evidence   string       `json:"evidence,omitempty"`
}

// Layout 解释图布局。
type Layout string

const (
	LayoutSimple     Layout = "simple"
	LayoutNetwork    Layout = "network"
	LayoutComparison Layout = "comparison"
)

// GraphNode 解释图节点。
type GraphNode struct {
	ID     string       `json:"id"`
	Label  string       `json:"label"`
	Type   string       `json:"type"`
	Source ResultSource `json:"source"`
}

// GraphEdge 解释图边。
type GraphEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// ExplanationGraph 仅用于展示的来源子图，不参与排序。
type ExplanationGraph struct {
	Nodes  []GraphNode `json:"nodes"`
	Edges  []GraphEdge `json:"edges"`
	Layout Layout      `json:"layout"`
}

// SourceRef 答案引用的来源。
type SourceRef struct {
	ID        string       `json:"id,omitempty"`
	Title     string       `json:"title,omitempty"`
	Source    ResultSource `json:"source"`
	Standard  string       `json:"standard,omitempty"`
	Relevance float64      `json:"relevance"`
	Excerpt   string       `json:"excerpt,omitempty"`
}

// SynthesizedResponse 合成结果。
type SynthesizedResponse struct {
	Answer     string            `json:"answer"`
	Sources    []SourceRef       `json:"sources"`
	Confidence float64           `json:"confidence"`
	FollowUps  []string          `json:"follow_ups"`
	Graph      *ExplanationGraph `json:"graph,omitempty"`
	Metadata   map[string]any    `json:"metadata"`
}

// StageTimings 各阶段耗时（毫秒）。
type StageTimings struct {
	IntentMs    int64 `json:"intent_ms"`
	RetrievalMs int64 `json:"retrieval_ms"`
	SynthesisMs int64 `json:"synthesis_ms"`
	TotalMs     int64 `json:"total_ms"`
}

// ErrorInfo 结构化错误信息。
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Result 编排器输出。
type Result struct {
	QueryID    string            `json:"query_id"`
	Query      string            `json:"query"`
	Answer     string            `json:"answer"`
	Confidence float64           `json:"confidence"`
	Sources    []SourceRef       `json:"sources"`
	FollowUps  []string          `json:"follow_ups"`
	Graph      *ExplanationGraph `json:"graph,omitempty"`
	Analysis   *QueryAnalysis    `json:"analysis,omitempty"`
	Strategy   *Strategy         `json:"strategy,omitempty"`
	Timings    StageTimings      `json:"timings"`
	Metadata   map[string]any    `json:"metadata"`
	Error      *ErrorInfo        `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ConversationMessage 会话中的一条消息。
type ConversationMessage struct {
	Role    string `json:"role" binding:"required,oneof=user assistant system"`
	Content string `json:"content"`
}

// clamp01 将数值限制在 [0,1]。
func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func msSince(t time.Time) int64 {
	return time.Since(t).Milliseconds()
}

package biz

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/kart-io/logger"

	"github.com/kart-io/sentinel-kb/pkg/llm"
	"github.com/kart-io/sentinel-kb/pkg/utils/json"
)

// intentRule 关键词规则，按顺序匹配，首个命中的规则生效。
type intentRule struct {
	intent Intent
	match  func(text string, ents Entities) bool
}

var (
	comparisonWords = regexp.MustCompile(`(?i)vergleich\w*|unterschied\w*|\bcompar\w*|\bversus\b|\bvs\b|\bdifferen\w*|\bmapping\w*|gegenüber`)
	technicalWords  = regexp.MustCompile(`(?i)implementier\w*|\bimplement\w*|konfigurier\w*|\bconfigur\w*|einricht\w*|\bset ?up\b|\bdeploy\w*|\bhow (?:do|to|can)\b|umsetz\w*|aktivier\w*|\benable\w*|absicher\w*|\bharden\w*`)
	bestPractice    = regexp.MustCompile(`(?i)best[\s-]?practice\w*|empfehl\w*|empfohlen\w*|\brecommend\w*|bewährt\w*|good practice|\btipps?\b|\btips?\b`)
	complianceWords = regexp.MustCompile(`(?i)\bforder\w*|anforderung\w*|\brequir\w*|\bcompliance\b|\bmuss\b|\bmüssen\b|verpflicht\w*|vorgabe\w*|\bmandatory\b|\baudit\w*|nachweis\w*|\bobligation\w*`)
)

var intentRules = []intentRule{
	{IntentComparison, func(t string, e Entities) bool { return comparisonWords.MatchString(t) || len(e.Standards) >= 2 }},
	{IntentSpecificControl, func(_ string, e Entities) bool { return len(e.Controls) > 0 }},
	{IntentTechnicalImplementation, func(t string, _ Entities) bool { return technicalWords.MatchString(t) }},
	{IntentBestPractice, func(t string, _ Entities) bool { return bestPractice.MatchString(t) }},
	{IntentComplianceRequirement, func(t string, _ Entities) bool { return complianceWords.MatchString(t) }},
}

// detectIntentByRules 规则兜底：返回首个命中的意图与其余命中的次要意图。
func detectIntentByRules(text string, ents Entities) (Intent, []Intent) {
	primary := IntentGeneralInformation
	var secondary []Intent
	found := false
	for _, r := range intentRules {
		if !r.match(text, ents) {
			continue
		}
		if !found {
			primary = r.intent
			found = true
			continue
		}
		secondary = append(secondary, r.intent)
	}
	return primary, secondary
}

// complexityScore 基于长度与实体数量的启发式复杂度。
func complexityScore(text string, ents Entities) float64 {
	words := len(strings.Fields(text))
	score := float64(words)/40 + 0.1*float64(ents.Count())
	if len(ents.Standards) >= 2 {
		score += 0.2
	}
	return clamp01(score)
}

// IntentClassifier 意图分类器：模式抽取 + LLM 分类，LLM 失败时退回规则。
type IntentClassifier struct {
	completer llm.Completer
	patterns  *PatternExtractor
	cfg       *ConfigStore
}

// NewIntentClassifier 创建意图分类器。completer 可为 nil，此时只运行模式与规则。
func NewIntentClassifier(completer llm.Completer, patterns *PatternExtractor, cfg *ConfigStore) *IntentClassifier {
	if patterns == nil {
		patterns = NewPatternExtractor()
	}
	return &IntentClassifier{completer: completer, patterns: patterns, cfg: cfg}
}

// Analyze 分析查询。永不失败。
func (c *IntentClassifier) Analyze(ctx context.Context, query, convContext string) *QueryAnalysis {
	cfg := c.cfg.Get().Classifier
	query = strings.TrimSpace(query)

	ents := c.patterns.Extract(query)
	keywords := c.patterns.Keywords(query)

	if c.completer == nil || cfg.SkipLLM || query == "" {
		return c.ruleAnalysis(query, ents, keywords, cfg)
	}

	llmCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	raw, err := c.completer.Complete(llmCtx, classificationMessages(query, convContext), llm.PurposeClassification, llm.PriorityHigh)
	if err != nil {
		logger.Warnw("Intent classification via LLM failed, using rules",
			"error", err.Error(),
		)
		return c.ruleAnalysis(query, ents, keywords, cfg)
	}

	ruleIntent, _ := detectIntentByRules(query, ents)
	parsed, err := parseClassification(raw, ruleIntent, cfg.DefaultConfidence, complexityScore(query, ents))
	if err != nil {
		logger.Warnw("Unparseable classification output, using rules",
			"error", err.Error(),
		)
		return c.ruleAnalysis(query, ents, keywords, cfg)
	}

	confidence := parsed.Confidence
	if !ents.IsEmpty() {
		confidence += cfg.PatternBoost
	}

	merged := ents.Merge(parsed.Entities)
	intent, secondary := promoteControlIntent(parsed.Intent, parsed.SecondaryIntents, merged)

	return &QueryAnalysis{
		Intent:           intent,
		SecondaryIntents: secondary,
		Entities:         merged,
		Keywords:         mergeUnique(keywords, parsed.Keywords),
		Confidence:       clamp01(confidence),
		Complexity:       parsed.Complexity,
		Source:           SourceLLM,
	}
}

// promoteControlIntent 查询中点名了控制项而 LLM 给出的意图不走图检索时，
// 将 SPECIFIC_CONTROL 提升为主意图，原意图降为次要意图。
func promoteControlIntent(intent Intent, secondary []Intent, ents Entities) (Intent, []Intent) {
	if len(ents.Controls) == 0 || SelectStrategy(intent).UseGraph {
		return intent, secondary
	}
	out := []Intent{intent}
	for _, s := range secondary {
		if s != intent && s != IntentSpecificControl {
			out = append(out, s)
		}
	}
	return IntentSpecificControl, out
}

func (c *IntentClassifier) ruleAnalysis(query string, ents Entities, keywords []string, cfg ClassifierConfig) *QueryAnalysis {
	intent, secondary := detectIntentByRules(query, ents)
	return &QueryAnalysis{
		Intent:           intent,
		SecondaryIntents: secondary,
		Entities:         ents,
		Keywords:         keywords,
		Confidence:       clamp01(cfg.FallbackConfidence),
		Complexity:       complexityScore(query, ents),
		Source:           SourceRules,
	}
}

func classificationMessages(query, convContext string) []llm.Message {
	var b strings.Builder
	b.WriteString("Classify the compliance question below.\n")
	if convContext != "" {
		b.WriteString("Conversation context:\n")
		b.WriteString(convContext)
		b.WriteString("\n")
	}
	b.WriteString("Question: ")
	b.WriteString(query)
	return []llm.Message{
		llm.SystemMessage(classificationSystemPrompt),
		llm.UserMessage(b.String()),
	}
}

const classificationSystemPrompt = `You classify questions about information security compliance (BSI IT-Grundschutz, BSI C5, ISO 27001, NIST 800-53).
Answer with one JSON object and nothing else:
{"intent": one of SPECIFIC_CONTROL | COMPLIANCE_REQUIREMENT | TECHNICAL_IMPLEMENTATION | COMPARISON | BEST_PRACTICE | GENERAL_INFORMATION,
 "secondary_intents": [...],
 "entities": {"controls": [...], "technologies": [...], "standards": [...], "concepts": [...]},
 "keywords": [...],
 "confidence": 0.0-1.0,
 "complexity": 0.0-1.0}`

// classification 经过校验的 LLM 分类结果。
type classification struct {
	Intent           Intent
	SecondaryIntents []Intent
	Entities         Entities
	Keywords         []string
	Confidence       float64
	Complexity       float64
}

type rawClassification struct {
	Intent           *string  `json:"intent"`
	SecondaryIntents []string `json:"secondary_intents"`
	Entities         *struct {
		Controls     []string `json:"controls"`
		Technologies []string `json:"technologies"`
		Standards    []string `json:"standards"`
		Concepts     []string `json:"concepts"`
	} `json:"entities"`
	Keywords   []string `json:"keywords"`
	Confidence *float64 `json:"confidence"`
	Complexity *float64 `json:"complexity"`
}

const maxLLMEntityLen = 100

// parseClassification 解析 LLM 输出。找不到 JSON 时返回错误；字段缺失或非法时使用给定默认值。
func parseClassification(text string, defaultIntent Intent, defaultConfidence, defaultComplexity float64) (*classification, error) {
	var raw rawClassification
	if err := json.UnmarshalLenient(text, &raw); err != nil {
		return nil, fmt.Errorf("parse classification: %w", err)
	}

	out := &classification{
		Intent:     defaultIntent,
		Confidence: defaultConfidence,
		Complexity: defaultComplexity,
	}
	if raw.Intent != nil {
		if intent, ok := ParseIntent(*raw.Intent); ok {
			out.Intent = intent
		} else {
			logger.Debugw("Ignoring unknown intent from LLM", "intent", *raw.Intent)
		}
	}
	for _, s := range raw.SecondaryIntents {
		if intent, ok := ParseIntent(s); ok && intent != out.Intent && !containsIntent(out.SecondaryIntents, intent) {
			out.SecondaryIntents = append(out.SecondaryIntents, intent)
		}
	}
	if raw.Entities != nil {
		out.Entities = Entities{
			Controls:     sanitizeStrings(raw.Entities.Controls),
			Technologies: sanitizeStrings(raw.Entities.Technologies),
			Standards:    sanitizeStrings(raw.Entities.Standards),
			Concepts:     sanitizeStrings(raw.Entities.Concepts),
		}
	}
	out.Keywords = sanitizeStrings(raw.Keywords)
	for i, k := range out.Keywords {
		out.Keywords[i] = strings.ToLower(k)
	}
	if raw.Confidence != nil {
		out.Confidence = clamp01(*raw.Confidence)
	}
	if raw.Complexity != nil {
		out.Complexity = clamp01(*raw.Complexity)
	}
	return out, nil
}

func sanitizeStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || len(s) > maxLLMEntityLen {
			continue
		}
		out = append(out, s)
	}
	return mergeUnique(out)
}

func containsIntent(list []Intent, i Intent) bool {
	for _, v := range list {
		if v == i {
			return true
		}
	}
	return false
}

package biz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kart-io/logger"

	"github.com/kart-io/sentinel-kb/internal/kbquery/store"
	"github.com/kart-io/sentinel-kb/pkg/llm"
	"github.com/kart-io/sentinel-kb/pkg/utils/json"
)

// 软失败结果的固定置信度。
const (
	NoResultsConfidence = 0.2
	ErrorConfidence     = 0.0
)

// ErrEmptyAnswer LLM 返回空答案。
var ErrEmptyAnswer = errors.New("empty answer from model")

// 语言识别用的德语标记词。
var germanMarkers = map[string]bool{
	"der": true, "die": true, "das": true, "und": true, "ist": true, "wie": true, "was": true,
	"welche": true, "ich": true, "nicht": true, "für": true, "zu": true, "mit": true, "ein": true,
	"eine": true, "sind": true, "wird": true, "fordert": true, "gibt": true, "kann": true,
}

// DetectLanguage 粗略识别德语或英语，默认英语。
func DetectLanguage(text string) string {
	lower := strings.ToLower(text)
	if strings.ContainsAny(lower, "äöüß") {
		return "de"
	}
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && r != 'ü'
	}) {
		if germanMarkers[w] {
			return "de"
		}
	}
	return "en"
}

func apology(lang string, noResults bool) string {
	switch {
	case lang == "de" && noResults:
		return "Leider habe ich in der Wissensbasis keine passenden Informationen zu Ihrer Frage gefunden. Bitte formulieren Sie die Frage um oder nennen Sie eine konkrete Anforderung bzw. einen Standard."
	case lang == "de":
		return "Entschuldigung, bei der Erstellung der Antwort ist ein Fehler aufgetreten. Bitte versuchen Sie es später erneut."
	case noResults:
		return "Sorry, I could not find relevant information in the knowledge base for your question. Please rephrase it or name a specific control or standard."
	default:
		return "Sorry, something went wrong while generating the answer. Please try again later."
	}
}

func safeFollowUps(lang string) []string {
	if lang == "de" {
		return []string{
			"Welche Anforderungen stellt BSI C5 an die Zugriffskontrolle?",
			"Was fordert ORP.4.A1?",
			"Wie lassen sich ISO 27001 und BSI IT-Grundschutz vergleichen?",
		}
	}
	return []string{
		"What does BSI C5 require for access control?",
		"What does control ORP.4.A1 require?",
		"How do ISO 27001 and BSI IT-Grundschutz compare?",
	}
}

// ResponseSynthesizer 基于检索结果生成答案、解释图、置信度与追问建议。
type ResponseSynthesizer struct {
	completer llm.Completer
	prompts   *PromptRegistry
	tokens    TokenCounter
	cfg       *ConfigStore
}

// NewResponseSynthesizer 创建合成器。
func NewResponseSynthesizer(completer llm.Completer, prompts *PromptRegistry, tokens TokenCounter, cfg *ConfigStore) *ResponseSynthesizer {
	if prompts == nil {
		prompts = NewPromptRegistry()
	}
	if tokens == nil {
		tokens = EstimateCounter{}
	}
	return &ResponseSynthesizer{completer: completer, prompts: prompts, tokens: tokens, cfg: cfg}
}

// Synthesize 生成响应。空结果与生成失败都以结构化结果返回，不返回错误。
func (s *ResponseSynthesizer) Synthesize(ctx context.Context, query string, analysis *QueryAnalysis, results []RetrievalResult) *SynthesizedResponse {
	cfg := s.cfg.Get().Synthesis
	lang := DetectLanguage(query)
	if analysis == nil {
		analysis = &QueryAnalysis{Intent: IntentGeneralInformation}
	}

	if len(results) == 0 {
		return s.NoResults(lang, analysis)
	}

	data := s.buildPromptData(query, analysis, results, lang, cfg)
	graph := BuildExplanationGraph(results, analysis.Intent)
	sources := buildSources(results)

	answer, template, err := s.generate(ctx, data, analysis.Intent, cfg)
	if err != nil {
		logger.Errorw("Answer synthesis failed",
			"intent", analysis.Intent,
			"template", template,
			"error", err.Error(),
		)
		resp := s.Failure(lang, err)
		resp.Sources = sources
		resp.Graph = graph
		return resp
	}

	resp := &SynthesizedResponse{
		Answer:     answer,
		Sources:    sources,
		Confidence: ComputeConfidence(analysis.Confidence, results, cfg),
		Graph:      graph,
		FollowUps:  s.followUps(ctx, query, answer, lang, cfg),
		Metadata: map[string]any{
			"intent":         string(analysis.Intent),
			"template":       template,
			"language":       lang,
			"result_count":   len(results),
			"graph_results":  countSource(results, ResultFromGraph),
			"vector_results": countSource(results, ResultFromVector),
			"context_items":  len(data.Controls) + len(data.Mappings) + len(data.Chunks),
		},
	}
	return resp
}

// NoResults 空检索结果的固定响应。
func (s *ResponseSynthesizer) NoResults(lang string, analysis *QueryAnalysis) *SynthesizedResponse {
	md := map[string]any{"no_results": true, "language": lang}
	if analysis != nil {
		md["intent"] = string(analysis.Intent)
	}
	return &SynthesizedResponse{
		Answer:     apology(lang, true),
		Sources:    []SourceRef{},
		Confidence: NoResultsConfidence,
		FollowUps:  safeFollowUps(lang),
		Graph:      &ExplanationGraph{Nodes: []GraphNode{}, Edges: []GraphEdge{}, Layout: LayoutSimple},
		Metadata:   md,
	}
}

// Failure 生成失败的固定响应。
func (s *ResponseSynthesizer) Failure(lang string, cause error) *SynthesizedResponse {
	md := map[string]any{"error": true, "language": lang}
	if cause != nil && errors.Is(cause, context.DeadlineExceeded) {
		md["timeout"] = true
	}
	return &SynthesizedResponse{
		Answer:     apology(lang, false),
		Sources:    []SourceRef{},
		Confidence: ErrorConfidence,
		FollowUps:  safeFollowUps(lang),
		Metadata:   md,
	}
}

func (s *ResponseSynthesizer) generate(ctx context.Context, data *PromptData, intent Intent, cfg SynthesisConfig) (string, string, error) {
	name := s.prompts.IntentPromptName(intent)
	if s.completer == nil {
		return "", name, fmt.Errorf("no completer configured")
	}

	system, err := s.prompts.Render(PromptSystem, data)
	if err != nil {
		return "", name, err
	}
	user, err := s.prompts.Render(name, data)
	if err != nil {
		logger.Warnw("Intent prompt failed, using fallback", "template", name, "error", err.Error())
		name = PromptFallback
		if user, err = s.prompts.Render(name, data); err != nil {
			return "", name, err
		}
	}

	gctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	answer, err := s.completer.Complete(gctx, []llm.Message{
		llm.SystemMessage(system),
		llm.UserMessage(user),
	}, llm.PurposeSynthesis, llm.PriorityHigh)
	if err != nil {
		return "", name, err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", name, ErrEmptyAnswer
	}
	return answer, name, nil
}

// buildPromptData 将结果分为控制项、映射与文档块三组，每组限量，并按 token 预算截断内容。
func (s *ResponseSynthesizer) buildPromptData(query string, analysis *QueryAnalysis, results []RetrievalResult, lang string, cfg SynthesisConfig) *PromptData {
	data := &PromptData{
		Query:    query,
		Intent:   analysis.Intent,
		Language: lang,
		Entities: analysis.Entities,
	}

	budget := cfg.MaxContextTokens
	take := func(r RetrievalResult) (ContextItem, bool) {
		if budget <= 0 {
			return ContextItem{}, false
		}
		content := truncateToTokens(s.tokens, strings.TrimSpace(r.Content), budget)
		budget -= s.tokens.Count(content)
		return ContextItem{
			ID:        r.Metadata["id"],
			Title:     r.Metadata["title"],
			Standard:  r.Metadata["standard"],
			Source:    string(r.Source),
			Relevance: r.Relevance,
			Content:   content,
			Relations: r.Relationships,
		}, content != ""
	}

	for _, r := range results {
		switch group := resultGroup(r); {
		case group == "control" && len(data.Controls) < cfg.MaxControls:
			if item, ok := take(r); ok {
				data.Controls = append(data.Controls, item)
			}
		case group == "mapping" && len(data.Mappings) < cfg.MaxMappings:
			if item, ok := take(r); ok {
				data.Mappings = append(data.Mappings, item)
			}
		case group == "chunk" && len(data.Chunks) < cfg.MaxChunks:
			if item, ok := take(r); ok {
				data.Chunks = append(data.Chunks, item)
			}
		}
	}
	return data
}

func resultGroup(r RetrievalResult) string {
	for _, rel := range r.Relationships {
		if rel.Type == string(store.EdgeMapsTo) {
			return "mapping"
		}
	}
	if r.Source == ResultFromGraph && r.NodeType == string(store.NodeControl) {
		return "control"
	}
	return "chunk"
}

// ComputeConfidence 加权合并分析置信度与前 k 条结果的平均相关度，结果同时来自两类来源时加成。
func ComputeConfidence(analysisConfidence float64, results []RetrievalResult, cfg SynthesisConfig) float64 {
	if len(results) == 0 {
		return NoResultsConfidence
	}
	rel := make([]float64, len(results))
	for i, r := range results {
		rel[i] = clamp01(r.Relevance)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(rel)))

	k := cfg.TopK
	if k <= 0 || k > len(rel) {
		k = len(rel)
	}
	sum := 0.0
	for _, v := range rel[:k] {
		sum += v
	}
	mean := sum / float64(k)

	w := clamp01(cfg.AnalysisWeight)
	conf := w*clamp01(analysisConfidence) + (1-w)*mean
	if countSource(results, ResultFromGraph) > 0 && countSource(results, ResultFromVector) > 0 {
		conf += cfg.DualSourceBonus
	}
	return clamp01(conf)
}

func countSource(results []RetrievalResult, src ResultSource) int {
	n := 0
	for _, r := range results {
		if r.Source == src {
			n++
		}
	}
	return n
}

func resultID(r RetrievalResult, i int) string {
	if id := r.Metadata["id"]; id != "" {
		return id
	}
	return fmt.Sprintf("%s-%d", r.Source, i+1)
}

func buildSources(results []RetrievalResult) []SourceRef {
	out := make([]SourceRef, 0, len(results))
	for i, r := range results {
		out = append(out, SourceRef{
			ID:        resultID(r, i),
			Title:     r.Metadata["title"],
			Source:    r.Source,
			Standard:  r.Metadata["standard"],
			Relevance: r.Relevance,
			Excerpt:   truncateRunes(strings.TrimSpace(r.Content), 200),
		})
	}
	return out
}

// BuildExplanationGraph 节点为不同的结果来源记录，边为结果附带的关系。
func BuildExplanationGraph(results []RetrievalResult, intent Intent) *ExplanationGraph {
	g := &ExplanationGraph{Nodes: []GraphNode{}, Edges: []GraphEdge{}}
	seenNode := make(map[string]bool)
	seenEdge := make(map[string]bool)

	addNode := func(n GraphNode) {
		if seenNode[n.ID] {
			return
		}
		seenNode[n.ID] = true
		g.Nodes = append(g.Nodes, n)
	}

	for i, r := range results {
		label := r.Metadata["title"]
		if label == "" {
			label = truncateRunes(strings.TrimSpace(r.Content), 60)
		}
		addNode(GraphNode{ID: resultID(r, i), Label: label, Type: r.NodeType, Source: r.Source})
	}
	for _, r := range results {
		for _, rel := range r.Relationships {
			k := rel.Source + "|" + rel.Type + "|" + rel.Target
			if seenEdge[k] {
				continue
			}
			seenEdge[k] = true
			addNode(GraphNode{ID: rel.Source, Label: rel.Source, Type: "related", Source: ResultFromGraph})
			addNode(GraphNode{ID: rel.Target, Label: rel.Target, Type: "related", Source: ResultFromGraph})
			g.Edges = append(g.Edges, GraphEdge{Source: rel.Source, Target: rel.Target, Type: rel.Type})
		}
	}

	g.Layout = chooseLayout(len(g.Nodes), len(g.Edges), intent)
	return g
}

func chooseLayout(nodes, edges int, intent Intent) Layout {
	switch {
	case intent == IntentComparison:
		return LayoutComparison
	case nodes > 5 || edges > 3:
		return LayoutNetwork
	default:
		return LayoutSimple
	}
}

// followUps 生成追问建议，失败时返回空列表。
func (s *ResponseSynthesizer) followUps(ctx context.Context, query, answer, lang string, cfg SynthesisConfig) []string {
	if s.completer == nil || cfg.MaxFollowUps <= 0 {
		return []string{}
	}
	prompt, err := s.prompts.Render(PromptFollowUps, &PromptData{Query: query, Answer: answer, Language: lang, Max: cfg.MaxFollowUps})
	if err != nil {
		return []string{}
	}

	fctx, cancel := context.WithTimeout(ctx, cfg.FollowUpTimeout)
	defer cancel()
	raw, err := s.completer.Complete(fctx, []llm.Message{llm.UserMessage(prompt)}, llm.PurposeSynthesis, llm.PriorityLow)
	if err != nil {
		logger.Debugw("Follow-up generation failed", "error", err.Error())
		return []string{}
	}

	arr, err := json.ExtractArray(raw)
	if err != nil {
		return []string{}
	}
	var items []string
	if err := json.Unmarshal([]byte(arr), &items); err != nil {
		return []string{}
	}
	out := sanitizeStrings(items)
	if len(out) > cfg.MaxFollowUps {
		out = out[:cfg.MaxFollowUps]
	}
	return out
}

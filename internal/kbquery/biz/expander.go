package biz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kart-io/logger"

	"github.com/kart-io/sentinel-kb/internal/kbquery/store"
	"github.com/kart-io/sentinel-kb/pkg/llm"
	"github.com/kart-io/sentinel-kb/pkg/utils/json"
)

// 各来源扩展词的置信度。
const (
	confidenceOriginal = 1.0
	confidenceSynonym  = 0.8
	confidenceGraph    = 0.6
)

// bucketConfidence LLM 置信度档位映射。
func bucketConfidence(bucket string) float64 {
	switch strings.ToUpper(strings.TrimSpace(bucket)) {
	case "HIGH":
		return 0.9
	case "MEDIUM":
		return 0.7
	default:
		return 0.4
	}
}

// synonyms 静态技术同义词表（德/英），键为小写。
var synonyms = map[string][]string{
	"mfa":                  {"multi-factor authentication", "2fa", "zwei-faktor-authentifizierung"},
	"zugriffskontrolle":    {"access control", "berechtigungsmanagement"},
	"zugriffskontrollen":   {"access control", "berechtigungsmanagement"},
	"access control":       {"zugriffskontrolle", "authorization"},
	"passwort":             {"password", "kennwort"},
	"password":             {"passwort", "credential"},
	"password policy":      {"passwort-richtlinie", "kennwortrichtlinie"},
	"verschlüsselung":      {"encryption", "kryptografie"},
	"encryption":           {"verschlüsselung", "cryptography"},
	"protokollierung":      {"logging", "audit log"},
	"logging":              {"protokollierung", "monitoring"},
	"backup":               {"datensicherung", "recovery"},
	"datensicherung":       {"backup"},
	"patch":                {"patch management", "update"},
	"patch management":     {"patchmanagement", "vulnerability remediation"},
	"incident management":  {"sicherheitsvorfall", "incident response"},
	"identity management":  {"identitätsmanagement", "iam"},
	"network segmentation": {"netzsegmentierung", "network zoning"},
	"kubernetes":           {"k8s", "container orchestration"},
	"azure":                {"microsoft azure", "entra id"},
	"aws":                  {"amazon web services"},
	"richtlinie":           {"policy", "guideline"},
	"policy":               {"richtlinie"},
	"anforderung":          {"requirement"},
	"requirement":          {"anforderung", "control"},
}

// QueryExpander 查询扩展：同义词、图上下文、LLM 扩展词与改写。
type QueryExpander struct {
	completer llm.Completer
	graph     store.GraphStore
	patterns  *PatternExtractor
	cfg       *ConfigStore
}

// NewQueryExpander 创建查询扩展器。completer 与 graph 都可以为 nil。
func NewQueryExpander(completer llm.Completer, graph store.GraphStore, patterns *PatternExtractor, cfg *ConfigStore) *QueryExpander {
	if patterns == nil {
		patterns = NewPatternExtractor()
	}
	return &QueryExpander{completer: completer, graph: graph, patterns: patterns, cfg: cfg}
}

// termSet 保持插入顺序的扩展词集合，同一词保留最高置信度。
type termSet struct {
	order []string
	conf  map[string]float64
	index map[string]string // lower -> 首次写法
}

func newTermSet() *termSet {
	return &termSet{conf: make(map[string]float64), index: make(map[string]string)}
}

func (s *termSet) add(term string, confidence float64) bool {
	term = strings.TrimSpace(term)
	if term == "" {
		return false
	}
	k := strings.ToLower(term)
	if existing, ok := s.index[k]; ok {
		if confidence > s.conf[existing] {
			s.conf[existing] = confidence
		}
		return false
	}
	s.index[k] = term
	s.order = append(s.order, term)
	s.conf[term] = clamp01(confidence)
	return true
}

func (s *termSet) has(term string) bool {
	_, ok := s.index[strings.ToLower(strings.TrimSpace(term))]
	return ok
}

// Expand 扩展查询。任何外部调用失败只会使对应来源为空，整体不会中止。
func (e *QueryExpander) Expand(ctx context.Context, query, convContext string) *ExpandedQuery {
	cfg := e.cfg.Get().Expander
	query = strings.TrimSpace(query)

	out := &ExpandedQuery{Original: query, TermConfidence: map[string]float64{}}
	if query == "" {
		return out
	}

	terms := newTermSet()
	ents := e.patterns.Extract(query)

	// 1. 原始词与控制项编号
	for _, c := range ents.Controls {
		terms.add(c, confidenceOriginal)
	}
	for _, k := range e.patterns.Keywords(query) {
		terms.add(k, confidenceOriginal)
	}

	originals := len(terms.order)

	// 2. 同义词表
	lookups := append(append([]string{}, terms.order...), ents.Concepts...)
	lookups = append(lookups, ents.Technologies...)
	for _, t := range lookups {
		for _, syn := range synonyms[strings.ToLower(t)] {
			terms.add(syn, confidenceSynonym)
		}
	}

	// 3. 图上下文
	contextTerms := newTermSet()
	if e.graph != nil && cfg.MaxContextTerms > 0 {
		graphCtx, cancel := context.WithTimeout(ctx, cfg.GraphTimeout)
		for _, t := range e.graphContext(graphCtx, ents, cfg.MaxContextTerms) {
			if !terms.has(t) {
				contextTerms.add(t, confidenceGraph)
			}
		}
		cancel()
	}

	reasoning := []string{fmt.Sprintf("%d original terms, %d synonyms", originals, len(terms.order)-originals)}
	if len(contextTerms.order) > 0 {
		reasoning = append(reasoning, fmt.Sprintf("%d graph context terms", len(contextTerms.order)))
	}

	// 4./5. LLM 扩展词与改写
	if e.completer != nil && cfg.UseLLM {
		llmCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		if exp, err := e.llmTerms(llmCtx, query, convContext); err != nil {
			logger.Debugw("LLM term expansion skipped", "error", err.Error())
		} else {
			conf := bucketConfidence(exp.Bucket)
			for _, t := range exp.Terms {
				terms.add(t, conf)
			}
			if exp.Reasoning != "" {
				reasoning = append(reasoning, exp.Reasoning)
			}
		}
		cancel()

		if cfg.MaxPhrasings > 0 {
			llmCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			phrasings, err := e.llmPhrasings(llmCtx, query, cfg.MaxPhrasings)
			if err != nil {
				logger.Debugw("LLM alternative phrasings skipped", "error", err.Error())
			}
			out.AlternativePhrasings = phrasings
			cancel()
		}
	}

	out.Terms = terms.order
	out.ContextTerms = contextTerms.order
	for t, c := range terms.conf {
		out.TermConfidence[t] = c
	}
	for t, c := range contextTerms.conf {
		out.TermConfidence[t] = c
	}
	out.Reasoning = strings.Join(reasoning, "; ")
	return out
}

// graphContext 查询匹配实体的一跳邻居名称。
func (e *QueryExpander) graphContext(ctx context.Context, ents Entities, limit int) []string {
	var roots []string
	for _, c := range ents.Controls {
		n, err := e.graph.GetNode(ctx, c)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				logger.Debugw("Graph lookup failed during expansion", "id", c, "error", err.Error())
			}
			continue
		}
		roots = append(roots, n.ID)
	}
	for _, name := range append(append([]string{}, ents.Technologies...), ents.Concepts...) {
		nodes, err := e.graph.SearchNodes(ctx, name, []store.NodeType{store.NodeTechnology, store.NodeConcept}, 1)
		if err != nil {
			logger.Debugw("Graph search failed during expansion", "term", name, "error", err.Error())
			continue
		}
		for _, n := range nodes {
			roots = append(roots, n.ID)
		}
	}

	out := newTermSet()
	for _, id := range roots {
		sub, err := e.graph.Neighbors(ctx, id, 1, nil, limit+1)
		if err != nil {
			continue
		}
		for _, n := range sub.Nodes {
			if n.ID == id || n.Type == store.NodeChunk {
				continue
			}
			label := n.Name
			if label == "" {
				label = n.ID
			}
			out.add(label, confidenceGraph)
			if len(out.order) >= limit {
				return out.order
			}
		}
	}
	return out.order
}

type llmExpansion struct {
	Terms     []string
	Reasoning string
	Bucket    string
}

func (e *QueryExpander) llmTerms(ctx context.Context, query, convContext string) (*llmExpansion, error) {
	prompt := "Question: " + query
	if convContext != "" {
		prompt = "Context:\n" + convContext + "\n" + prompt
	}
	raw, err := e.completer.Complete(ctx, []llm.Message{
		llm.SystemMessage(expansionSystemPrompt),
		llm.UserMessage(prompt),
	}, llm.PurposeExtraction, llm.PriorityMedium)
	if err != nil {
		return nil, err
	}
	return parseExpansion(raw)
}

const expansionSystemPrompt = `You expand search queries for an information security compliance knowledge base.
Return one JSON object: {"terms": [up to 8 additional search terms in German or English], "reasoning": "one sentence", "confidence": "LOW" | "MEDIUM" | "HIGH"}`

// parseExpansion 解析扩展结果；confidence 缺失或非法时按 LOW 处理。
func parseExpansion(text string) (*llmExpansion, error) {
	var raw struct {
		Terms      []string `json:"terms"`
		Reasoning  string   `json:"reasoning"`
		Confidence string   `json:"confidence"`
	}
	if err := json.UnmarshalLenient(text, &raw); err != nil {
		return nil, fmt.Errorf("parse expansion: %w", err)
	}
	bucket := strings.ToUpper(strings.TrimSpace(raw.Confidence))
	if bucket != "HIGH" && bucket != "MEDIUM" {
		bucket = "LOW"
	}
	return &llmExpansion{
		Terms:     sanitizeStrings(raw.Terms),
		Reasoning: strings.TrimSpace(raw.Reasoning),
		Bucket:    bucket,
	}, nil
}

func (e *QueryExpander) llmPhrasings(ctx context.Context, query string, max int) ([]string, error) {
	raw, err := e.completer.Complete(ctx, []llm.Message{
		llm.SystemMessage(fmt.Sprintf(phrasingSystemPrompt, max)),
		llm.UserMessage(query),
	}, llm.PurposeExtraction, llm.PriorityLow)
	if err != nil {
		return nil, err
	}
	return parsePhrasings(raw, query, max)
}

const phrasingSystemPrompt = `Rephrase the user's compliance question in up to %d different ways, keeping its language.
Return a JSON array of strings and nothing else.`

// parsePhrasings 解析改写列表，去除空值、重复值与原问题本身。
func parsePhrasings(text, original string, max int) ([]string, error) {
	arr, err := json.ExtractArray(text)
	if err != nil {
		return nil, fmt.Errorf("parse phrasings: %w", err)
	}
	var raw []string
	if err := json.Unmarshal([]byte(arr), &raw); err != nil {
		return nil, fmt.Errorf("parse phrasings: %w", err)
	}

	seen := map[string]bool{strings.ToLower(strings.TrimSpace(original)): true}
	out := make([]string, 0, max)
	for _, p := range raw {
		p = strings.TrimSpace(p)
		k := strings.ToLower(p)
		if p == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
		if len(out) == max {
			break
		}
	}
	return out, nil
}

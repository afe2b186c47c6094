package biz

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/kart-io/logger"
	"golang.org/x/sync/errgroup"

	"github.com/kart-io/sentinel-kb/internal/kbquery/store"
	"github.com/kart-io/sentinel-kb/pkg/llm"
	"github.com/kart-io/sentinel-kb/pkg/utils/json"
)

var conflictWords = regexp.MustCompile(`(?i)\bconflict\w*|widerspr\w*|inkompatib\w*|\bincompatib\w*|\bunvereinbar\w*`)

// entityRef 带类型的实体。
type entityRef struct {
	name string
	typ  EntityType
}

// EntityNodeID 实体在图中的节点 ID：控制项使用编号本身，其余为 "<类型前缀>:<slug>"。
func EntityNodeID(typ EntityType, name string) string {
	if typ == EntityControl {
		return name
	}
	slug := strings.Join(strings.Fields(strings.ToLower(name)), "-")
	switch typ {
	case EntityTechnology:
		return "tech:" + slug
	case EntityStandard:
		return "standard:" + slug
	default:
		return "concept:" + slug
	}
}

// relationRule 共现规则：按实体类型对给出关系类型、方向与基础置信度。
type relationRule struct {
	source, target EntityType
	typ            RelationType
	confidence     float64
}

var relationRules = []relationRule{
	{EntityTechnology, EntityControl, RelationImplements, 0.75},
	{EntityControl, EntityConcept, RelationReferences, 0.8},
	{EntityTechnology, EntityConcept, RelationSupports, 0.72},
	{EntityControl, EntityControl, RelationReferences, 0.7},
}

// matchRule 查找类型对对应的规则，必要时交换方向。
func matchRule(a, b entityRef) (relationRule, entityRef, entityRef, bool) {
	for _, r := range relationRules {
		if a.typ == r.source && b.typ == r.target {
			return r, a, b, true
		}
		if b.typ == r.source && a.typ == r.target {
			return r, b, a, true
		}
	}
	return relationRule{}, a, b, false
}

// CommitReport 提交结果。
type CommitReport struct {
	Committed []RelationshipCandidate `json:"committed"`
	Rejected  []RelationshipCandidate `json:"rejected"`
	Review    []RelationshipCandidate `json:"review"`
	Validated int                     `json:"validated"`
	Errors    int                     `json:"errors"`
}

// RelationshipDiscoverer 从文本中挖掘实体共现关系并写入图存储。
type RelationshipDiscoverer struct {
	completer llm.Completer
	graph     store.GraphStore
	patterns  *PatternExtractor
	cfg       *ConfigStore

	committed atomic.Uint64
}

// NewRelationshipDiscoverer 创建关系发现器。
func NewRelationshipDiscoverer(completer llm.Completer, graph store.GraphStore, patterns *PatternExtractor, cfg *ConfigStore) *RelationshipDiscoverer {
	if patterns == nil {
		patterns = NewPatternExtractor()
	}
	return &RelationshipDiscoverer{completer: completer, graph: graph, patterns: patterns, cfg: cfg}
}

// CommittedTotal 累计写入的关系数。
func (d *RelationshipDiscoverer) CommittedTotal() uint64 {
	return d.committed.Load()
}

// Discover 以句子为窗口生成共现实体对的关系候选，结果按置信度降序。
func (d *RelationshipDiscoverer) Discover(ctx context.Context, text string) []RelationshipCandidate {
	cfg := d.cfg.Get().Discovery

	type key struct {
		s, t string
		typ  RelationType
	}
	found := make(map[key]RelationshipCandidate)
	var unruled [][2]entityRef
	var unruledEvidence []string

	for _, sentence := range Sentences(text) {
		ents := d.patterns.Extract(sentence)
		refs := entityRefs(ents)
		for i := 0; i < len(refs); i++ {
			for j := i + 1; j < len(refs); j++ {
				rule, src, tgt, ok := matchRule(refs[i], refs[j])
				if !ok {
					if refs[i].typ == refs[j].typ && refs[i].typ != EntityStandard {
						unruled = append(unruled, [2]entityRef{refs[i], refs[j]})
						unruledEvidence = append(unruledEvidence, sentence)
					}
					continue
				}
				c := RelationshipCandidate{
					Source:     src.name,
					Target:     tgt.name,
					SourceType: src.typ,
					TargetType: tgt.typ,
					Type:       rule.typ,
					Confidence: rule.confidence,
					Evidence:   truncateRunes(sentence, 300),
				}
				switch {
				case conflictWords.MatchString(sentence):
					c.Type = RelationConflicts
				case (c.Type == RelationImplements || c.Type == RelationSupports) && technicalWords.MatchString(sentence):
					c.Confidence += 0.1
				}
				c.Confidence = clamp01(c.Confidence)

				k := key{c.Source, c.Target, c.Type}
				if cur, ok := found[k]; !ok || c.Confidence > cur.Confidence {
					found[k] = c
				}
			}
		}
	}

	// 没有规则的同类实体对交给 LLM 判断
	if d.completer != nil {
		for i, pair := range unruled {
			if i >= cfg.MaxLLMPairs {
				break
			}
			c, err := d.classifyPair(ctx, pair[0], pair[1], unruledEvidence[i], cfg)
			if err != nil {
				logger.Debugw("LLM relationship classification failed", "error", err.Error())
				continue
			}
			if c.Type == RelationNone {
				continue
			}
			k := key{c.Source, c.Target, c.Type}
			if cur, ok := found[k]; !ok || c.Confidence > cur.Confidence {
				found[k] = *c
			}
		}
	}

	out := make([]RelationshipCandidate, 0, len(found))
	for _, c := range found {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Type < out[j].Type
	})
	if len(out) > cfg.MaxCandidates {
		out = out[:cfg.MaxCandidates]
	}
	return out
}

func entityRefs(e Entities) []entityRef {
	refs := make([]entityRef, 0, e.Count())
	for _, v := range e.Controls {
		refs = append(refs, entityRef{v, EntityControl})
	}
	for _, v := range e.Technologies {
		refs = append(refs, entityRef{v, EntityTechnology})
	}
	for _, v := range e.Standards {
		refs = append(refs, entityRef{v, EntityStandard})
	}
	for _, v := range e.Concepts {
		refs = append(refs, entityRef{v, EntityConcept})
	}
	return refs
}

const relationSystemPrompt = `You classify the relationship between two entities from an information security compliance text.
Allowed types: IMPLEMENTS, SUPPORTS, REFERENCES, CONFLICTS, NONE.
Answer with one JSON object: {"type": "...", "confidence": 0.0-1.0}`

func (d *RelationshipDiscoverer) classifyPair(ctx context.Context, a, b entityRef, evidence string, cfg DiscoveryConfig) (*RelationshipCandidate, error) {
	cctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	prompt := fmt.Sprintf("Source (%s): %s\nTarget (%s): %s\nText: %s", a.typ, a.name, b.typ, b.name, evidence)
	raw, err := d.completer.Complete(cctx, []llm.Message{
		llm.SystemMessage(relationSystemPrompt),
		llm.UserMessage(prompt),
	}, llm.PurposeExtraction, llm.PriorityLow)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Type       string   `json:"type"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.UnmarshalLenient(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse relationship: %w", err)
	}
	typ, ok := ParseRelationType(parsed.Type)
	if !ok || typ == RelationMapsTo {
		typ = RelationNone
	}
	conf := 0.0
	if parsed.Confidence != nil {
		conf = clamp01(*parsed.Confidence)
	}
	return &RelationshipCandidate{
		Source:     a.name,
		Target:     b.name,
		SourceType: a.typ,
		TargetType: b.typ,
		Type:       typ,
		Confidence: conf,
		Evidence:   truncateRunes(evidence, 300),
	}, nil
}

// Validate 两次独立校验并发执行，通过 Consensus 合并。
func (d *RelationshipDiscoverer) Validate(ctx context.Context, c RelationshipCandidate) Verdict {
	if d.completer == nil {
		return rejectVerdict
	}
	cfg := d.cfg.Get().Discovery
	vctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	prompt := fmt.Sprintf("Claim: %s (%s) %s %s (%s)\nEvidence: %s", c.Source, c.SourceType, c.Type, c.Target, c.TargetType, c.Evidence)
	verdicts := [2]Verdict{rejectVerdict, rejectVerdict}
	systems := [2]string{validatorAuditorPrompt, validatorEngineerPrompt}

	var g errgroup.Group
	for i := range verdicts {
		g.Go(func() error {
			raw, err := d.completer.Complete(vctx, []llm.Message{
				llm.SystemMessage(systems[i]),
				llm.UserMessage(prompt),
			}, llm.PurposeValidation, llm.PriorityLow)
			if err != nil {
				logger.Debugw("Relationship validation call failed", "validator", i, "error", err.Error())
				return nil
			}
			verdicts[i] = parseVerdict(raw)
			return nil
		})
	}
	_ = g.Wait()

	return Consensus(verdicts[0], verdicts[1])
}

const validatorAuditorPrompt = `You are a strict compliance auditor. Decide whether the claimed relationship is supported by the evidence.
Allowed types: IMPLEMENTS, SUPPORTS, REFERENCES, CONFLICTS, MAPS_TO, NONE.
Answer with one JSON object: {"valid": true|false, "type": "...", "confidence": 0.0-1.0, "reason": "..."}`

const validatorEngineerPrompt = `You are a security engineer reviewing a knowledge graph. Judge independently whether the relationship holds and which type fits best.
Allowed types: IMPLEMENTS, SUPPORTS, REFERENCES, CONFLICTS, MAPS_TO, NONE.
Answer with one JSON object: {"valid": true|false, "type": "...", "confidence": 0.0-1.0, "reason": "..."}`

// Commit 按置信度分流：不低于校验门槛直接写入；介于提交阈值与门槛之间的做双重校验，
// 仅在两次校验一致且平均置信度不低于提交阈值时写入；其余低于提交阈值的返回待人工复核。
func (d *RelationshipDiscoverer) Commit(ctx context.Context, cands []RelationshipCandidate) *CommitReport {
	cfg := d.cfg.Get().Discovery
	report := &CommitReport{
		Committed: []RelationshipCandidate{},
		Rejected:  []RelationshipCandidate{},
		Review:    []RelationshipCandidate{},
	}

	for _, c := range cands {
		if ctx.Err() != nil {
			break
		}
		switch {
		case c.Type == RelationNone:
			report.Rejected = append(report.Rejected, c)
		case c.Confidence >= cfg.ValidationGate:
			d.write(ctx, c, report)
		case c.Confidence >= cfg.CommitThreshold:
			report.Validated++
			v := d.Validate(ctx, c)
			if !v.Valid {
				report.Rejected = append(report.Rejected, c)
				continue
			}
			c.Type = v.Type
			c.Confidence = v.Confidence
			// 校验后的置信度仍需达到提交阈值
			if c.Confidence < cfg.CommitThreshold {
				report.Review = append(report.Review, c)
				continue
			}
			d.write(ctx, c, report)
		default:
			report.Review = append(report.Review, c)
		}
	}
	return report
}

func (d *RelationshipDiscoverer) write(ctx context.Context, c RelationshipCandidate, report *CommitReport) {
	if d.graph == nil {
		report.Review = append(report.Review, c)
		return
	}
	srcID := EntityNodeID(c.SourceType, c.Source)
	tgtID := EntityNodeID(c.TargetType, c.Target)

	if err := d.ensureNode(ctx, srcID, c.SourceType, c.Source); err != nil {
		report.Errors++
		logger.Warnw("Failed to ensure relationship node", "id", srcID, "error", err.Error())
		return
	}
	if err := d.ensureNode(ctx, tgtID, c.TargetType, c.Target); err != nil {
		report.Errors++
		logger.Warnw("Failed to ensure relationship node", "id", tgtID, "error", err.Error())
		return
	}

	err := d.graph.UpsertEdge(ctx, &store.Edge{
		SourceID:   srcID,
		TargetID:   tgtID,
		Type:       store.EdgeType(c.Type),
		Confidence: clamp01(c.Confidence),
		Evidence:   c.Evidence,
	})
	if err != nil {
		report.Errors++
		logger.Warnw("Failed to commit relationship", "source", srcID, "target", tgtID, "type", c.Type, "error", err.Error())
		return
	}
	d.committed.Add(1)
	report.Committed = append(report.Committed, c)
}

// ensureNode 节点不存在时创建，已存在的节点保持原内容。
func (d *RelationshipDiscoverer) ensureNode(ctx context.Context, id string, typ EntityType, name string) error {
	_, err := d.graph.GetNode(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return d.graph.UpsertNode(ctx, &store.Node{ID: id, Type: store.NodeType(typ), Name: name})
}

// DiscoverAndCommit 发现并提交，用于后台任务与接口调用。
func (d *RelationshipDiscoverer) DiscoverAndCommit(ctx context.Context, text string) ([]RelationshipCandidate, *CommitReport) {
	cands := d.Discover(ctx, text)
	return cands, d.Commit(ctx, cands)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

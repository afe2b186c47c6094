package biz

import (
	"sort"
	"strings"
)

// FusionConfig 融合参数。
type FusionConfig struct {
	GraphBoost   float64
	VectorBoost  float64
	KeywordBonus float64
	DedupPrefix  int
}

func fusionConfigFrom(cfg RetrievalConfig) FusionConfig {
	return FusionConfig{
		GraphBoost:   cfg.GraphBoost,
		VectorBoost:  cfg.VectorBoost,
		KeywordBonus: cfg.KeywordBonus,
		DedupPrefix:  cfg.DedupPrefix,
	}
}

// dedupKey 规范化内容的前缀：小写、合并空白、截取前 n 个字符。
func dedupKey(content string, n int) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	r := []rune(normalized)
	if len(r) > n {
		r = r[:n]
	}
	return string(r)
}

func sourceRank(s ResultSource) int {
	if s == ResultFromGraph {
		return 0
	}
	return 1
}

// better 判断 a 是否优先于 b，给出全序以保证结果与输入顺序无关。
func better(a, b *RetrievalResult, keyA, keyB string) bool {
	if a.Relevance != b.Relevance {
		return a.Relevance > b.Relevance
	}
	if ra, rb := sourceRank(a.Source), sourceRank(b.Source); ra != rb {
		return ra < rb
	}
	if keyA != keyB {
		return keyA < keyB
	}
	return a.Content < b.Content
}

// keywordMatches 统计内容中出现的不同关键词数。
func keywordMatches(content string, keywords []string) int {
	lower := strings.ToLower(content)
	n := 0
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			n++
		}
	}
	return n
}

// FuseResults 去重、加权、排序与截断。结果只取决于输入集合与分析结果。
func FuseResults(results []RetrievalResult, analysis *QueryAnalysis, cfg FusionConfig, maxResults int) []RetrievalResult {
	if len(results) == 0 {
		return []RetrievalResult{}
	}
	if cfg.DedupPrefix <= 0 {
		cfg.DedupPrefix = 100
	}

	type keyed struct {
		r   RetrievalResult
		key string
	}

	// 1. 按内容前缀去重，保留更优的一条
	best := make(map[string]*keyed, len(results))
	for i := range results {
		r := results[i]
		r.Relevance = clamp01(r.Relevance)
		k := dedupKey(r.Content, cfg.DedupPrefix)
		if k == "" {
			continue
		}
		if cur, ok := best[k]; !ok || better(&r, &cur.r, k, cur.key) {
			best[k] = &keyed{r: r, key: k}
		}
	}

	var intent Intent
	var keywords []string
	if analysis != nil {
		intent = analysis.Intent
		keywords = analysis.Keywords
	}

	// 2. 意图加权与关键词密度加成
	fused := make([]keyed, 0, len(best))
	for _, kr := range best {
		r := kr.r
		score := r.Relevance
		switch {
		case intent == IntentSpecificControl && r.Source == ResultFromGraph:
			score *= cfg.GraphBoost
		case intent == IntentTechnicalImplementation && r.Source == ResultFromVector:
			score *= cfg.VectorBoost
		}
		if m := keywordMatches(r.Content, keywords); m > 0 {
			score *= 1 + cfg.KeywordBonus*float64(m)
		}
		r.Relevance = clamp01(score)
		fused = append(fused, keyed{r: r, key: kr.key})
	}

	// 3. 排序与截断
	sort.SliceStable(fused, func(i, j int) bool {
		return better(&fused[i].r, &fused[j].r, fused[i].key, fused[j].key)
	})
	if maxResults > 0 && len(fused) > maxResults {
		fused = fused[:maxResults]
	}

	out := make([]RetrievalResult, len(fused))
	for i := range fused {
		out[i] = fused[i].r
	}
	return out
}

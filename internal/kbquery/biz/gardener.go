package biz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kart-io/logger"
	"github.com/robfig/cron/v3"

	"github.com/kart-io/sentinel-kb/internal/kbquery/store"
)

// ErrCycleRunning 已有巡检周期在执行。
var ErrCycleRunning = errors.New("gardener cycle already running")

// CycleReport 一次巡检周期的统计。
type CycleReport struct {
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Orphans    int       `json:"orphans"`
	Chunks     int       `json:"chunks"`
	Pairs      int       `json:"pairs"`
	Candidates int       `json:"candidates"`
	Committed  int       `json:"committed"`
	Review     int       `json:"review"`
	Errors     int       `json:"errors"`
	Cancelled  bool      `json:"cancelled"`
}

func (r *CycleReport) absorb(cands int, c *CommitReport) {
	r.Candidates += cands
	r.Committed += len(c.Committed)
	r.Review += len(c.Review)
	r.Errors += c.Errors
}

// Gardener 后台图巡检：按计划扫描孤立节点、新增文档块与跨标准控制项对，
// 复用关系发现与校验流程。每次迭代之间有固定间隔以控制外部 API 调用速率。
type Gardener struct {
	discoverer *RelationshipDiscoverer
	graph      store.GraphStore
	patterns   *PatternExtractor
	cfg        *ConfigStore

	running atomic.Bool
	cycles  atomic.Uint64
	last    atomic.Pointer[CycleReport]
	onCycle func(*CycleReport)
	nowFunc func() time.Time
}

// NewGardener 创建巡检器。
func NewGardener(discoverer *RelationshipDiscoverer, graph store.GraphStore, cfg *ConfigStore) *Gardener {
	return &Gardener{
		discoverer: discoverer,
		graph:      graph,
		patterns:   NewPatternExtractor(),
		cfg:        cfg,
		nowFunc:    time.Now,
	}
}

// OnCycle 注册周期完成回调（用于指标）。
func (g *Gardener) OnCycle(fn func(*CycleReport)) {
	g.onCycle = fn
}

// Cycles 已完成的周期数。
func (g *Gardener) Cycles() uint64 { return g.cycles.Load() }

// LastReport 最近一次周期报告，尚未运行时为 nil。
func (g *Gardener) LastReport() *CycleReport { return g.last.Load() }

// Run 按 cron 计划循环执行直到 ctx 取消。计划在每次周期结束后重新计算，
// 单次周期耗时超过间隔时不会叠加执行。
func (g *Gardener) Run(ctx context.Context) error {
	cfg := g.cfg.Get().Gardener
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return fmt.Errorf("invalid gardener schedule %q: %w", cfg.Schedule, err)
	}
	logger.Infow("Gardener started", "schedule", cfg.Schedule)

	timer := time.NewTimer(time.Until(schedule.Next(g.nowFunc())))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Infow("Gardener stopped", "cycles", g.Cycles())
			return ctx.Err()
		case <-timer.C:
			if _, err := g.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleRunning) && ctx.Err() == nil {
				logger.Warnw("Gardener cycle failed", "error", err.Error())
			}

			// 配置热更新后的新计划在下一轮生效
			if next := g.cfg.Get().Gardener.Schedule; next != cfg.Schedule {
				if s, err := cron.ParseStandard(next); err == nil {
					schedule, cfg.Schedule = s, next
					logger.Infow("Gardener schedule updated", "schedule", next)
				} else {
					logger.Warnw("Ignoring invalid gardener schedule", "schedule", next, "error", err.Error())
				}
			}
			timer.Reset(time.Until(schedule.Next(g.nowFunc())))
		}
	}
}

// RunCycle 执行一次完整巡检。
func (g *Gardener) RunCycle(ctx context.Context) (*CycleReport, error) {
	if g.graph == nil || g.discoverer == nil {
		return nil, fmt.Errorf("gardener requires a graph store")
	}
	if !g.running.CompareAndSwap(false, true) {
		return nil, ErrCycleRunning
	}
	defer g.running.Store(false)

	cfg := g.cfg.Get().Gardener
	report := &CycleReport{StartedAt: g.nowFunc()}
	start := time.Now()
	defer func() {
		report.DurationMs = msSince(start)
		g.cycles.Add(1)
		g.last.Store(report)
		if g.onCycle != nil {
			g.onCycle(report)
		}
		logger.Infow("Gardener cycle finished",
			"orphans", report.Orphans,
			"chunks", report.Chunks,
			"pairs", report.Pairs,
			"committed", report.Committed,
			"review", report.Review,
			"cancelled", report.Cancelled,
			"duration_ms", report.DurationMs,
		)
	}()

	var errs []error
	first := true
	// pause 在迭代之间等待，ctx 取消时返回 false
	pause := func() bool {
		if first {
			first = false
			return ctx.Err() == nil
		}
		if cfg.IterationDelay <= 0 {
			return ctx.Err() == nil
		}
		t := time.NewTimer(cfg.IterationDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

	// 1. 孤立节点
	orphans, err := g.graph.OrphanNodes(ctx, cfg.BatchSize)
	if err != nil {
		errs = append(errs, err)
	}
	for _, n := range orphans {
		if !pause() {
			report.Cancelled = true
			return report, ctx.Err()
		}
		report.Orphans++
		cands, commit := g.discoverer.DiscoverAndCommit(ctx, orphanText(n))
		report.absorb(len(cands), commit)
	}

	// 2. 新增文档块
	chunks, err := g.graph.RecentNodes(ctx, store.NodeChunk, g.nowFunc().Add(-cfg.RecentWindow), cfg.BatchSize)
	if err != nil {
		errs = append(errs, err)
	}
	for _, n := range chunks {
		if !pause() {
			report.Cancelled = true
			return report, ctx.Err()
		}
		report.Chunks++
		cands, commit := g.discoverer.DiscoverAndCommit(ctx, n.Content)
		report.absorb(len(cands), commit)
	}

	// 3. 跨标准控制项对
	pairs, err := g.graph.CrossStandardPairs(ctx, cfg.BatchSize)
	if err != nil {
		errs = append(errs, err)
	}
	for _, p := range pairs {
		overlap := g.overlap(p.A, p.B)
		if overlap < cfg.MinPairOverlap {
			continue
		}
		if !pause() {
			report.Cancelled = true
			return report, ctx.Err()
		}
		report.Pairs++
		cand := RelationshipCandidate{
			Source:     p.A.ID,
			Target:     p.B.ID,
			SourceType: EntityControl,
			TargetType: EntityControl,
			Type:       RelationMapsTo,
			Confidence: mappingConfidence(overlap),
			Evidence:   truncateRunes(nodeText(p.A)+" | "+nodeText(p.B), 300),
		}
		commit := g.discoverer.Commit(ctx, []RelationshipCandidate{cand})
		report.absorb(1, commit)
	}

	return report, errors.Join(errs...)
}

// overlap 两个控制项名称与内容关键词的 Jaccard 相似度。
func (g *Gardener) overlap(a, b store.Node) float64 {
	ka := g.patterns.Keywords(a.Name + " " + a.Content)
	kb := g.patterns.Keywords(b.Name + " " + b.Content)
	if len(ka) == 0 || len(kb) == 0 {
		return 0
	}
	set := make(map[string]bool, len(ka))
	for _, k := range ka {
		set[k] = true
	}
	inter := 0
	union := len(set)
	for _, k := range kb {
		if set[k] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// mappingConfidence 相似度映射到 [0.6, 0.9]，多数候选落在需要双重校验的区间。
func mappingConfidence(overlap float64) float64 {
	return clamp01(0.6 + 0.3*clamp01(overlap))
}

func nodeText(n store.Node) string {
	parts := []string{n.ID}
	if n.Name != "" && n.Name != n.ID {
		parts = append(parts, n.Name)
	}
	if n.Content != "" {
		parts = append(parts, n.Content)
	}
	return strings.Join(parts, ": ")
}

// orphanText 将节点自身标识前置到内容的每个句子，使其与句中实体形成共现。
func orphanText(n store.Node) string {
	head := n.ID
	if n.Name != "" && n.Name != n.ID {
		head += " " + n.Name
	}
	sentences := Sentences(n.Content)
	if len(sentences) == 0 {
		return head
	}
	lines := make([]string, len(sentences))
	for i, s := range sentences {
		lines[i] = head + ": " + s
	}
	return strings.Join(lines, "\n")
}

package biz

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kart-io/logger"
)

// ClassifierConfig 意图分类配置。
type ClassifierConfig struct {
	// SkipLLM 为 true 时只运行模式匹配与规则（高负载降级）。
	SkipLLM            bool          `json:"skip-llm" mapstructure:"skip-llm"`
	Timeout            time.Duration `json:"timeout" mapstructure:"timeout" validate:"gt=0"`
	PatternBoost       float64       `json:"pattern-boost" mapstructure:"pattern-boost" validate:"gte=0,lte=1"`
	FallbackConfidence float64       `json:"fallback-confidence" mapstructure:"fallback-confidence" validate:"gte=0,lte=1"`
	DefaultConfidence  float64       `json:"default-confidence" mapstructure:"default-confidence" validate:"gte=0,lte=1"`
}

// ExpanderConfig 查询扩展配置。
type ExpanderConfig struct {
	UseLLM          bool          `json:"use-llm" mapstructure:"use-llm"`
	Timeout         time.Duration `json:"timeout" mapstructure:"timeout" validate:"gt=0"`
	GraphTimeout    time.Duration `json:"graph-timeout" mapstructure:"graph-timeout" validate:"gt=0"`
	MaxContextTerms int           `json:"max-context-terms" mapstructure:"max-context-terms" validate:"gte=0,lte=50"`
	MaxPhrasings    int           `json:"max-phrasings" mapstructure:"max-phrasings" validate:"gte=0,lte=5"`
	// SearchMinConfidence 参与向量检索文本的扩展词最低置信度。
	SearchMinConfidence float64 `json:"search-min-confidence" mapstructure:"search-min-confidence" validate:"gte=0,lte=1"`
	SearchMaxTerms      int     `json:"search-max-terms" mapstructure:"search-max-terms" validate:"gte=0"`
}

// CollectionConfig 向量集合名称。
type CollectionConfig struct {
	Chunks          string `json:"chunks" mapstructure:"chunks" validate:"required"`
	Implementations string `json:"implementations" mapstructure:"implementations" validate:"required"`
	BestPractices   string `json:"best-practices" mapstructure:"best-practices" validate:"required"`
}

// RetrievalConfig 混合检索与融合配置。
type RetrievalConfig struct {
	MaxResults    int           `json:"max-results" mapstructure:"max-results" validate:"gte=1,lte=100"`
	GraphTimeout  time.Duration `json:"graph-timeout" mapstructure:"graph-timeout" validate:"gt=0"`
	VectorTimeout time.Duration `json:"vector-timeout" mapstructure:"vector-timeout" validate:"gt=0"`
	VectorTopK    int           `json:"vector-top-k" mapstructure:"vector-top-k" validate:"gte=1,lte=100"`
	GraphMaxNodes int           `json:"graph-max-nodes" mapstructure:"graph-max-nodes" validate:"gte=1"`

	GraphBoost      float64 `json:"graph-boost" mapstructure:"graph-boost" validate:"gte=1"`
	VectorBoost     float64 `json:"vector-boost" mapstructure:"vector-boost" validate:"gte=1"`
	ExactMatchBoost float64 `json:"exact-match-boost" mapstructure:"exact-match-boost" validate:"gte=1"`
	KeywordBonus    float64 `json:"keyword-bonus" mapstructure:"keyword-bonus" validate:"gte=0,lte=1"`
	DedupPrefix     int     `json:"dedup-prefix" mapstructure:"dedup-prefix" validate:"gte=10"`

	Collections CollectionConfig `json:"collections" mapstructure:"collections"`
}

// DiscoveryConfig 关系发现配置。
type DiscoveryConfig struct {
	CommitThreshold float64       `json:"commit-threshold" mapstructure:"commit-threshold" validate:"gte=0,lte=1"`
	ValidationGate  float64       `json:"validation-gate" mapstructure:"validation-gate" validate:"gte=0,lte=1,gtefield=CommitThreshold"`
	Timeout         time.Duration `json:"timeout" mapstructure:"timeout" validate:"gt=0"`
	MaxCandidates   int           `json:"max-candidates" mapstructure:"max-candidates" validate:"gte=1"`
	MaxLLMPairs     int           `json:"max-llm-pairs" mapstructure:"max-llm-pairs" validate:"gte=0"`
	// Background 查询结束后是否在后台池中对检索结果做关系发现。
	Background bool `json:"background" mapstructure:"background"`
}

// GardenerConfig 后台图巡检配置。
type GardenerConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	// Schedule 标准 cron 表达式或 @every 描述符。
	Schedule       string        `json:"schedule" mapstructure:"schedule" validate:"required"`
	IterationDelay time.Duration `json:"iteration-delay" mapstructure:"iteration-delay" validate:"gte=0"`
	BatchSize      int           `json:"batch-size" mapstructure:"batch-size" validate:"gte=1"`
	RecentWindow   time.Duration `json:"recent-window" mapstructure:"recent-window" validate:"gt=0"`
	MinPairOverlap float64       `json:"min-pair-overlap" mapstructure:"min-pair-overlap" validate:"gte=0,lte=1"`
}

// SynthesisConfig 答案合成配置。
type SynthesisConfig struct {
	Timeout          time.Duration `json:"timeout" mapstructure:"timeout" validate:"gt=0"`
	FollowUpTimeout  time.Duration `json:"follow-up-timeout" mapstructure:"follow-up-timeout" validate:"gt=0"`
	AnalysisWeight   float64       `json:"analysis-weight" mapstructure:"analysis-weight" validate:"gte=0,lte=1"`
	TopK             int           `json:"top-k" mapstructure:"top-k" validate:"gte=1"`
	DualSourceBonus  float64       `json:"dual-source-bonus" mapstructure:"dual-source-bonus" validate:"gte=0,lte=0.5"`
	MaxContextTokens int           `json:"max-context-tokens" mapstructure:"max-context-tokens" validate:"gte=100"`
	MaxControls      int           `json:"max-controls" mapstructure:"max-controls" validate:"gte=0"`
	MaxMappings      int           `json:"max-mappings" mapstructure:"max-mappings" validate:"gte=0"`
	MaxChunks        int           `json:"max-chunks" mapstructure:"max-chunks" validate:"gte=0"`
	MaxFollowUps     int           `json:"max-follow-ups" mapstructure:"max-follow-ups" validate:"gte=0,lte=3"`
}

// OrchestratorConfig 编排配置。
type OrchestratorConfig struct {
	CacheThreshold   float64       `json:"cache-threshold" mapstructure:"cache-threshold" validate:"gte=0,lte=1"`
	IntentTimeout    time.Duration `json:"intent-timeout" mapstructure:"intent-timeout" validate:"gt=0"`
	RetrievalTimeout time.Duration `json:"retrieval-timeout" mapstructure:"retrieval-timeout" validate:"gt=0"`
	SynthesisTimeout time.Duration `json:"synthesis-timeout" mapstructure:"synthesis-timeout" validate:"gt=0"`
	HistoryTurns     int           `json:"history-turns" mapstructure:"history-turns" validate:"gte=0,lte=50"`
	StreamChunkRunes int           `json:"stream-chunk-runes" mapstructure:"stream-chunk-runes" validate:"gte=1"`
}

// IndexerConfig 文档入库配置。
type IndexerConfig struct {
	ChunkSize     int  `json:"chunk-size" mapstructure:"chunk-size" validate:"gte=100"`
	ChunkOverlap  int  `json:"chunk-overlap" mapstructure:"chunk-overlap" validate:"gte=0,ltfield=ChunkSize"`
	MinChunkRunes int  `json:"min-chunk-runes" mapstructure:"min-chunk-runes" validate:"gte=0"`
	Discover      bool `json:"discover" mapstructure:"discover"`
}

// Config 查询流水线的全部可调参数，可通过 ConfigStore 热更新。
type Config struct {
	Classifier   ClassifierConfig   `json:"classifier" mapstructure:"classifier"`
	Expander     ExpanderConfig     `json:"expander" mapstructure:"expander"`
	Retrieval    RetrievalConfig    `json:"retrieval" mapstructure:"retrieval"`
	Discovery    DiscoveryConfig    `json:"discovery" mapstructure:"discovery"`
	Gardener     GardenerConfig     `json:"gardener" mapstructure:"gardener"`
	Synthesis    SynthesisConfig    `json:"synthesis" mapstructure:"synthesis"`
	Orchestrator OrchestratorConfig `json:"orchestrator" mapstructure:"orchestrator"`
	Indexer      IndexerConfig      `json:"indexer" mapstructure:"indexer"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() *Config {
	return &Config{
		Classifier: ClassifierConfig{
			Timeout:            5 * time.Second,
			PatternBoost:       0.1,
			FallbackConfidence: 0.6,
			DefaultConfidence:  0.5,
		},
		Expander: ExpanderConfig{
			UseLLM:              true,
			Timeout:             5 * time.Second,
			GraphTimeout:        2 * time.Second,
			MaxContextTerms:     10,
			MaxPhrasings:        5,
			SearchMinConfidence: 0.6,
			SearchMaxTerms:      12,
		},
		Retrieval: RetrievalConfig{
			MaxResults:      10,
			GraphTimeout:    3 * time.Second,
			VectorTimeout:   5 * time.Second,
			VectorTopK:      8,
			GraphMaxNodes:   40,
			GraphBoost:      1.3,
			VectorBoost:     1.2,
			ExactMatchBoost: 1.1,
			KeywordBonus:    0.1,
			DedupPrefix:     100,
			Collections: CollectionConfig{
				Chunks:          "kb_chunks",
				Implementations: "kb_implementations",
				BestPractices:   "kb_best_practices",
			},
		},
		Discovery: DiscoveryConfig{
			CommitThreshold: 0.7,
			ValidationGate:  0.8,
			Timeout:         20 * time.Second,
			MaxCandidates:   50,
			MaxLLMPairs:     3,
			Background:      true,
		},
		Gardener: GardenerConfig{
			Enabled:        true,
			Schedule:       "@every 30m",
			IterationDelay: 2 * time.Second,
			BatchSize:      20,
			RecentWindow:   24 * time.Hour,
			MinPairOverlap: 0.1,
		},
		Synthesis: SynthesisConfig{
			Timeout:          30 * time.Second,
			FollowUpTimeout:  8 * time.Second,
			AnalysisWeight:   0.4,
			TopK:             5,
			DualSourceBonus:  0.05,
			MaxContextTokens: 3000,
			MaxControls:      5,
			MaxMappings:      5,
			MaxChunks:        8,
			MaxFollowUps:     3,
		},
		Orchestrator: OrchestratorConfig{
			CacheThreshold:   0.7,
			IntentTimeout:    8 * time.Second,
			RetrievalTimeout: 10 * time.Second,
			SynthesisTimeout: 45 * time.Second,
			HistoryTurns:     5,
			StreamChunkRunes: 48,
		},
		Indexer: IndexerConfig{
			ChunkSize:     1200,
			ChunkOverlap:  150,
			MinChunkRunes: 20,
			Discover:      true,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate 校验配置。
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid pipeline config: %w", err)
	}
	return nil
}

// ConfigStore 持有当前生效的配置快照，Reload 是唯一的写入口。
type ConfigStore struct {
	mu      sync.RWMutex
	cfg     Config
	version atomic.Uint64
}

// NewConfigStore 校验并创建配置存储，cfg 为 nil 时使用默认配置。
func NewConfigStore(cfg *Config) (*ConfigStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &ConfigStore{cfg: *cfg}
	s.version.Store(1)
	return s, nil
}

// MustConfigStore 同 NewConfigStore，出错时 panic。仅用于测试与默认值。
func MustConfigStore(cfg *Config) *ConfigStore {
	s, err := NewConfigStore(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// Get 返回当前配置的副本。
func (s *ConfigStore) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Version 每次成功 Reload 后递增。
func (s *ConfigStore) Version() uint64 {
	return s.version.Load()
}

// Reload 原子替换配置；校验失败时保留旧配置。
func (s *ConfigStore) Reload(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		logger.Warnw("Pipeline config reload rejected", "error", err.Error())
		return err
	}

	s.mu.Lock()
	s.cfg = *cfg
	s.mu.Unlock()

	v := s.version.Add(1)
	logger.Infow("Pipeline config reloaded", "version", v)
	return nil
}

// OnConfigChange 供配置文件监听器调用，newConfig 必须为 *Config。
func (s *ConfigStore) OnConfigChange(newConfig any) error {
	cfg, ok := newConfig.(*Config)
	if !ok {
		return fmt.Errorf("unexpected pipeline config type %T", newConfig)
	}
	return s.Reload(cfg)
}

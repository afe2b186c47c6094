package biz

import "github.com/kart-io/sentinel-kb/internal/kbquery/store"

// CollectionRole 向量集合角色，由配置映射到实际集合名称。
type CollectionRole string

const (
	CollectionChunks          CollectionRole = "chunks"
	CollectionImplementations CollectionRole = "implementations"
	CollectionBestPractices   CollectionRole = "best_practices"
)

// GraphConfig 图检索配置。
type GraphConfig struct {
	Depth int `json:"depth"`
	// ExactMatchBoost 识别出的控制项本身以满分返回。
	ExactMatchBoost        bool             `json:"exact_match_boost"`
	IncludeImplementations bool             `json:"include_implementations"`
	IncludeMappings        bool             `json:"include_mappings"`
	EdgeTypes              []store.EdgeType `json:"edge_types,omitempty"`
}

// VectorConfig 向量检索配置。
type VectorConfig struct {
	Collections  []CollectionRole `json:"collections"`
	KeywordBoost bool             `json:"keyword_boost"`
	// FilterByStandard 查询只涉及一个标准时按 standard 元数据过滤。
	FilterByStandard bool `json:"filter_by_standard"`
}

// Strategy 检索策略。
type Strategy struct {
	Intent    Intent       `json:"intent"`
	UseGraph  bool         `json:"use_graph"`
	UseVector bool         `json:"use_vector"`
	Graph     GraphConfig  `json:"graph"`
	Vector    VectorConfig `json:"vector"`
}

// SelectStrategy 意图到检索策略的固定映射，纯函数。
func SelectStrategy(intent Intent) Strategy {
	switch intent {
	case IntentSpecificControl:
		return Strategy{
			Intent:    intent,
			UseGraph:  true,
			UseVector: true,
			Graph: GraphConfig{
				Depth:                  1,
				ExactMatchBoost:        true,
				IncludeImplementations: true,
			},
			Vector: VectorConfig{
				Collections:      []CollectionRole{CollectionChunks},
				KeywordBoost:     true,
				FilterByStandard: true,
			},
		}
	case IntentComplianceRequirement:
		return Strategy{
			Intent:    intent,
			UseGraph:  true,
			UseVector: true,
			Graph:     GraphConfig{Depth: 2},
			Vector: VectorConfig{
				Collections:      []CollectionRole{CollectionChunks},
				FilterByStandard: true,
			},
		}
	case IntentTechnicalImplementation:
		return Strategy{
			Intent:    intent,
			UseGraph:  true,
			UseVector: true,
			Graph: GraphConfig{
				Depth:                  1,
				IncludeImplementations: true,
				EdgeTypes:              []store.EdgeType{store.EdgeImplements, store.EdgeSupports},
			},
			Vector: VectorConfig{
				Collections:  []CollectionRole{CollectionImplementations, CollectionBestPractices},
				KeywordBoost: true,
			},
		}
	case IntentComparison:
		return Strategy{
			Intent:    intent,
			UseGraph:  true,
			UseVector: true,
			Graph: GraphConfig{
				Depth:           2,
				IncludeMappings: true,
			},
			Vector: VectorConfig{
				Collections: []CollectionRole{CollectionChunks},
			},
		}
	case IntentBestPractice:
		return Strategy{
			Intent:    intent,
			UseVector: true,
			Vector: VectorConfig{
				Collections:  []CollectionRole{CollectionBestPractices, CollectionChunks},
				KeywordBoost: true,
			},
		}
	case IntentGeneralInformation:
		return generalStrategy()
	default:
		return generalStrategy()
	}
}

func generalStrategy() Strategy {
	return Strategy{
		Intent:    IntentGeneralInformation,
		UseGraph:  true,
		UseVector: true,
		Graph:     GraphConfig{Depth: 1},
		Vector: VectorConfig{
			Collections: []CollectionRole{CollectionChunks},
		},
	}
}

// collectionName 将集合角色映射为配置中的集合名称。
func collectionName(role CollectionRole, cfg CollectionConfig) string {
	switch role {
	case CollectionImplementations:
		return cfg.Implementations
	case CollectionBestPractices:
		return cfg.BestPractices
	case CollectionChunks:
		return cfg.Chunks
	default:
		return cfg.Chunks
	}
}

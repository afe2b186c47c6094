package biz

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-kb/pkg/llm"
)

// synthesisCompleter 区分答案生成（system + user）与追问生成（仅 user）。
func synthesisCompleter(answer, followUps string) *fakeCompleter {
	fc := newFakeCompleter()
	fc.handler = func(_ llm.Purpose, messages []llm.Message) (string, error) {
		if len(messages) == 1 {
			return followUps, nil
		}
		return answer, nil
	}
	return fc
}

func sampleResults() []RetrievalResult {
	return []RetrievalResult{
		{
			Source: ResultFromGraph, NodeType: "control", Relevance: 0.9,
			Content:  "ORP.4.A1: Regelung für die Einrichtung von Benutzern",
			Metadata: map[string]string{"id": "ORP.4.A1", "title": "Regelung für die Einrichtung von Benutzern", "standard": "BSI IT-Grundschutz"},
			Relationships: []Relationship{
				{Source: "ORP.4.A1", Target: "concept:password-policy", Type: "REFERENCES", Confidence: 0.85},
			},
		},
		{
			Source: ResultFromVector, Relevance: 0.7,
			Content:  "Passwörter müssen mindestens 12 Zeichen lang sein.",
			Metadata: map[string]string{"id": "chunk:1", "standard": "BSI IT-Grundschutz"},
		},
	}
}

func TestResponseSynthesizer_NoResults(t *testing.T) {
	s := NewResponseSynthesizer(synthesisCompleter("x", "[]"), nil, nil, testConfig())
	analysis := &QueryAnalysis{Intent: IntentSpecificControl, Confidence: 0.9}

	resp := s.Synthesize(context.Background(), "Was fordert XYZ.9.A9?", analysis, nil)
	assert.Equal(t, NoResultsConfidence, resp.Confidence)
	assert.Equal(t, true, resp.Metadata["no_results"])
	assert.Equal(t, "de", resp.Metadata["language"])
	assert.NotNil(t, resp.Sources)
	assert.Empty(t, resp.Sources)
	assert.Len(t, resp.FollowUps, 3)
	assert.Equal(t, LayoutSimple, resp.Graph.Layout)
}

func TestResponseSynthesizer_Success(t *testing.T) {
	fc := synthesisCompleter(
		"  ORP.4.A1 fordert eine geregelte Vergabe von Benutzerkennungen [ORP.4.A1].  ",
		`Here you go: ["Was fordert ORP.4.A2?", "Wie setze ich das in Azure um?", "Gilt das auch für C5?", "Noch eine?"]`,
	)
	s := NewResponseSynthesizer(fc, nil, nil, testConfig())
	analysis := &QueryAnalysis{Intent: IntentSpecificControl, Confidence: 0.8, Entities: Entities{Controls: []string{"ORP.4.A1"}}}

	resp := s.Synthesize(context.Background(), "Was fordert ORP.4.A1?", analysis, sampleResults())
	assert.Equal(t, "ORP.4.A1 fordert eine geregelte Vergabe von Benutzerkennungen [ORP.4.A1].", resp.Answer)
	assert.Len(t, resp.FollowUps, 3)
	require.Len(t, resp.Sources, 2)
	assert.Equal(t, "ORP.4.A1", resp.Sources[0].ID)
	assert.Equal(t, "specific_control", resp.Metadata["template"])
	assert.Equal(t, 1, resp.Metadata["graph_results"])
	assert.Equal(t, 1, resp.Metadata["vector_results"])
	assert.Equal(t, 2, resp.Metadata["context_items"])

	// 0.4*0.8 + 0.6*0.8 + 0.05
	assert.InDelta(t, 0.85, resp.Confidence, 1e-9)
	assert.Equal(t, 2, fc.count(llm.PurposeSynthesis))
}

func TestResponseSynthesizer_GenerationFailure(t *testing.T) {
	fc := newFakeCompleter()
	fc.errs[llm.PurposeSynthesis] = errUpstream
	s := NewResponseSynthesizer(fc, nil, nil, testConfig())

	resp := s.Synthesize(context.Background(), "What does ORP.4.A1 require?", &QueryAnalysis{Intent: IntentSpecificControl}, sampleResults())
	assert.Equal(t, ErrorConfidence, resp.Confidence)
	assert.Equal(t, true, resp.Metadata["error"])
	assert.Nil(t, resp.Metadata["timeout"])
	assert.Len(t, resp.Sources, 2)
	assert.NotNil(t, resp.Graph)
	assert.Equal(t, safeFollowUps("en"), resp.FollowUps)
}

func TestResponseSynthesizer_Timeout(t *testing.T) {
	fc := newFakeCompleter()
	fc.errs[llm.PurposeSynthesis] = fmt.Errorf("call model: %w", context.DeadlineExceeded)
	s := NewResponseSynthesizer(fc, nil, nil, testConfig())

	resp := s.Synthesize(context.Background(), "What does ORP.4.A1 require?", nil, sampleResults())
	assert.Equal(t, true, resp.Metadata["timeout"])
}

func TestResponseSynthesizer_EmptyAnswerAndNoCompleter(t *testing.T) {
	s := NewResponseSynthesizer(synthesisCompleter("   ", "[]"), nil, nil, testConfig())
	resp := s.Synthesize(context.Background(), "What is MFA?", nil, sampleResults())
	assert.Equal(t, true, resp.Metadata["error"])

	s = NewResponseSynthesizer(nil, nil, nil, testConfig())
	resp = s.Synthesize(context.Background(), "What is MFA?", nil, sampleResults())
	assert.Equal(t, ErrorConfidence, resp.Confidence)
}

func TestResponseSynthesizer_FollowUpFailureIsEmpty(t *testing.T) {
	s := NewResponseSynthesizer(synthesisCompleter("An answer.", "no list here"), nil, nil, testConfig())

	resp := s.Synthesize(context.Background(), "What is MFA?", &QueryAnalysis{Intent: IntentGeneralInformation, Confidence: 0.5}, sampleResults())
	assert.Equal(t, "An answer.", resp.Answer)
	assert.NotNil(t, resp.FollowUps)
	assert.Empty(t, resp.FollowUps)
}

func TestBuildPromptData_Groups(t *testing.T) {
	s := NewResponseSynthesizer(nil, nil, nil, testConfig())
	results := append(sampleResults(),
		RetrievalResult{
			Source: ResultFromGraph, NodeType: "control", Relevance: 0.6, Content: "IDM-01: Policy for user accounts",
			Relationships: []Relationship{{Source: "IDM-01", Target: "A.9.4.2", Type: "MAPS_TO"}},
		},
		RetrievalResult{Source: ResultFromVector, Relevance: 0.5, Content: "   "},
	)

	data := s.buildPromptData("q", &QueryAnalysis{Intent: IntentComparison}, results, "en", DefaultConfig().Synthesis)
	assert.Len(t, data.Controls, 1)
	assert.Len(t, data.Mappings, 1)
	// 空白内容不进入上下文
	assert.Len(t, data.Chunks, 1)

	cfg := DefaultConfig().Synthesis
	cfg.MaxControls = 0
	data = s.buildPromptData("q", &QueryAnalysis{}, results, "en", cfg)
	assert.Empty(t, data.Controls)
}

func TestComputeConfidence(t *testing.T) {
	cfg := DefaultConfig().Synthesis

	assert.Equal(t, NoResultsConfidence, ComputeConfidence(0.9, nil, cfg))

	vectorOnly := []RetrievalResult{
		{Source: ResultFromVector, Relevance: 0.9},
		{Source: ResultFromVector, Relevance: 0.7},
	}
	dual := []RetrievalResult{
		{Source: ResultFromGraph, Relevance: 0.9},
		{Source: ResultFromVector, Relevance: 0.7},
	}
	single := ComputeConfidence(0.8, vectorOnly, cfg)
	assert.InDelta(t, 0.8, single, 1e-9)
	assert.InDelta(t, single+cfg.DualSourceBonus, ComputeConfidence(0.8, dual, cfg), 1e-9)

	// 相关度越高置信度不降低
	better := []RetrievalResult{{Source: ResultFromVector, Relevance: 1}, {Source: ResultFromVector, Relevance: 0.9}}
	assert.Greater(t, ComputeConfidence(0.8, better, cfg), single)

	// 结果被钳制在 [0, 1]
	assert.Equal(t, 1.0, ComputeConfidence(5, []RetrievalResult{{Source: ResultFromGraph, Relevance: 3}, {Source: ResultFromVector, Relevance: 2}}, cfg))
}

func TestBuildExplanationGraph(t *testing.T) {
	g := BuildExplanationGraph(sampleResults(), IntentSpecificControl)
	assert.Equal(t, LayoutSimple, g.Layout)
	require.Len(t, g.Edges, 1)
	// ORP.4.A1 既是结果也是关系端点，只出现一次
	assert.Len(t, g.Nodes, 3)

	assert.Equal(t, LayoutComparison, BuildExplanationGraph(sampleResults(), IntentComparison).Layout)

	many := make([]RetrievalResult, 6)
	for i := range many {
		many[i] = RetrievalResult{Source: ResultFromVector, Content: fmt.Sprintf("chunk %d", i)}
	}
	g = BuildExplanationGraph(many, IntentGeneralInformation)
	assert.Equal(t, LayoutNetwork, g.Layout)
	assert.Equal(t, "vector-1", g.Nodes[0].ID)
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "de", DetectLanguage("Was fordert ORP.4.A1?"))
	assert.Equal(t, "de", DetectLanguage("Größe der Schlüssel"))
	assert.Equal(t, "en", DetectLanguage("What does ORP.4.A1 require?"))
	assert.Equal(t, "en", DetectLanguage(""))
}

package biz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-kb/internal/kbquery/store"
)

func controlAnalysis() *QueryAnalysis {
	return &QueryAnalysis{
		Intent:   IntentSpecificControl,
		Entities: Entities{Controls: []string{"ORP.4.A1"}, Concepts: []string{"Password Policy"}},
		Keywords: []string{"orp.4.a1", "passwort-richtlinie"},
	}
}

func TestHybridRetriever_SpecificControl(t *testing.T) {
	g := newFakeGraph()
	seedComplianceGraph(g)
	v := newFakeVector()
	v.hits["kb_chunks"] = []store.VectorHit{
		{ID: "c1", Content: "ORP.4.A1: Passwörter müssen mindestens 12 Zeichen lang sein.", Distance: 1, Metadata: map[string]string{"standard": "BSI IT-Grundschutz"}},
	}
	r := NewHybridRetriever(g, v, &fakeEmbedder{}, testConfig())

	out := r.Retrieve(context.Background(), &ExpandedQuery{Original: "ORP.4.A1 Passwort-Richtlinie"}, controlAnalysis(), 0)
	assert.Equal(t, IntentSpecificControl, out.Strategy.Intent)
	assert.Equal(t, 2, out.GraphCount)
	assert.Equal(t, 1, out.VectorCount)
	assert.Empty(t, out.GraphError)
	assert.Empty(t, out.VectorError)
	require.Len(t, out.Results, 3)

	var root, chunk *RetrievalResult
	for i := range out.Results {
		switch out.Results[i].Metadata["id"] {
		case "ORP.4.A1":
			root = &out.Results[i]
		case "c1":
			chunk = &out.Results[i]
		}
	}
	require.NotNil(t, root)
	assert.Equal(t, 1.0, root.Relevance)
	assert.Equal(t, "control", root.NodeType)
	require.Len(t, root.Relationships, 1)

	require.NotNil(t, chunk)
	assert.Equal(t, "kb_chunks", chunk.Metadata["collection"])
	// 0.5 * 1.1 精确匹配加成，再乘一个关键词命中的密度加成
	assert.InDelta(t, 0.55*1.1, chunk.Relevance, 1e-9)
}

func TestHybridRetriever_BranchFailureIsIsolated(t *testing.T) {
	g := newFakeGraph()
	seedComplianceGraph(g)
	v := newFakeVector()
	v.err = errUpstream
	r := NewHybridRetriever(g, v, &fakeEmbedder{}, testConfig())

	out := r.Retrieve(context.Background(), &ExpandedQuery{Original: "ORP.4.A1"}, controlAnalysis(), 0)
	assert.NotEmpty(t, out.VectorError)
	assert.Empty(t, out.GraphError)
	assert.Equal(t, 2, out.GraphCount)
	assert.NotEmpty(t, out.Results)

	g.err = errUpstream
	v.err = nil
	v.hits["kb_chunks"] = []store.VectorHit{{ID: "c1", Content: "Passwortlänge", Distance: 0.5}}
	out = r.Retrieve(context.Background(), &ExpandedQuery{Original: "ORP.4.A1"}, controlAnalysis(), 0)
	assert.NotEmpty(t, out.GraphError)
	assert.Equal(t, 1, out.VectorCount)
	require.Len(t, out.Results, 1)
}

func TestHybridRetriever_EmbedderFailure(t *testing.T) {
	v := newFakeVector()
	r := NewHybridRetriever(nil, v, &fakeEmbedder{err: errUpstream}, testConfig())

	out := r.Retrieve(context.Background(), &ExpandedQuery{Original: "MFA"}, &QueryAnalysis{Intent: IntentBestPractice}, 0)
	assert.Contains(t, out.VectorError, "embed query")
	assert.NotNil(t, out.Results)
	assert.Empty(t, out.Results)
}

func TestHybridRetriever_StandardFilterFallback(t *testing.T) {
	v := newFakeVector()
	v.hits["kb_chunks"] = []store.VectorHit{
		{ID: "iso-1", Content: "Access to systems shall be controlled.", Distance: 0.2, Metadata: map[string]string{"standard": "ISO 27001"}},
	}
	r := NewHybridRetriever(nil, v, &fakeEmbedder{}, testConfig())

	analysis := &QueryAnalysis{Intent: IntentComplianceRequirement, Entities: Entities{Standards: []string{"BSI C5"}}}
	out := r.Retrieve(context.Background(), &ExpandedQuery{Original: "Was fordert BSI C5?"}, analysis, 0)
	require.Len(t, out.Results, 1)

	require.Len(t, v.filters, 2)
	assert.Equal(t, map[string]string{"standard": "BSI C5"}, v.filters[0])
	assert.Nil(t, v.filters[1])
}

func TestHybridRetriever_BestPracticeSkipsGraph(t *testing.T) {
	g := newFakeGraph()
	g.err = errUpstream
	v := newFakeVector()
	r := NewHybridRetriever(g, v, &fakeEmbedder{}, testConfig())

	out := r.Retrieve(context.Background(), &ExpandedQuery{Original: "Backups"}, &QueryAnalysis{Intent: IntentBestPractice}, 0)
	assert.Empty(t, out.GraphError)
	assert.Equal(t, int64(2), v.searches.Load())
}

func TestHybridRetriever_ImplementationsAndMappings(t *testing.T) {
	g := newFakeGraph()
	seedComplianceGraph(g)
	r := NewHybridRetriever(g, nil, nil, testConfig())

	tech := &QueryAnalysis{Intent: IntentTechnicalImplementation, Entities: Entities{Technologies: []string{"Azure"}}}
	out := r.Retrieve(context.Background(), nil, tech, 0)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, "IDM-01", out.Results[0].Metadata["id"])

	cmp := &QueryAnalysis{Intent: IntentComparison, Entities: Entities{Controls: []string{"IDM-01"}}}
	out = r.Retrieve(context.Background(), nil, cmp, 0)
	var mapped bool
	for _, res := range out.Results {
		for _, rel := range res.Relationships {
			if rel.Type == string(store.EdgeMapsTo) {
				mapped = true
			}
		}
	}
	assert.True(t, mapped)
}

func TestVectorRelevance(t *testing.T) {
	assert.Equal(t, 1.0, vectorRelevance(0))
	assert.Equal(t, 0.5, vectorRelevance(1))
	assert.Equal(t, 1.0, vectorRelevance(-3))
}

package biz

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-kb/pkg/llm"
)

func llmExpanderConfig() *ConfigStore {
	cfg := DefaultConfig()
	cfg.Expander.UseLLM = true
	cfg.Expander.MaxPhrasings = 2
	return MustConfigStore(cfg)
}

func TestQueryExpander_SynonymsAndGraphContext(t *testing.T) {
	g := newFakeGraph()
	seedComplianceGraph(g)
	e := NewQueryExpander(nil, g, nil, testConfig())

	q := e.Expand(context.Background(), "Wie implementiere ich MFA in Azure?", "")
	assert.Equal(t, "Wie implementiere ich MFA in Azure?", q.Original)
	assert.Contains(t, q.Terms, "mfa")
	assert.Contains(t, q.Terms, "multi-factor authentication")
	assert.Contains(t, q.Terms, "entra id")
	assert.Equal(t, 1.0, q.TermConfidence["mfa"])
	assert.Equal(t, 0.8, q.TermConfidence["entra id"])

	assert.Equal(t, []string{"Policy for user accounts"}, q.ContextTerms)
	assert.Equal(t, 0.6, q.TermConfidence["Policy for user accounts"])
	assert.Empty(t, q.AlternativePhrasings)
}

func TestQueryExpander_ControlNeighbors(t *testing.T) {
	g := newFakeGraph()
	seedComplianceGraph(g)
	e := NewQueryExpander(nil, g, nil, testConfig())

	q := e.Expand(context.Background(), "ORP.4.A1 Passwort-Richtlinie", "")
	assert.Equal(t, "ORP.4.A1", q.Terms[0])
	assert.Contains(t, q.Terms, "kennwortrichtlinie")
	assert.Contains(t, q.ContextTerms, "Password Policy")
}

func TestQueryExpander_LLMTermsAndPhrasings(t *testing.T) {
	fc := newFakeCompleter()
	fc.handler = func(_ llm.Purpose, messages []llm.Message) (string, error) {
		if strings.Contains(messages[0].Content, "expand search queries") {
			return `{"terms": ["Conditional Access", "mfa", " "], "reasoning": "Azure MFA is configured via Entra ID", "confidence": "high"}`, nil
		}
		return `["How do I set up MFA in Azure?", "wie implementiere ich mfa in azure?", ""]`, nil
	}
	e := NewQueryExpander(fc, nil, nil, llmExpanderConfig())

	q := e.Expand(context.Background(), "Wie implementiere ich MFA in Azure?", "user: Wir nutzen Azure")
	assert.Equal(t, 0.9, q.TermConfidence["Conditional Access"])
	assert.Equal(t, 1.0, q.TermConfidence["mfa"])
	assert.Equal(t, []string{"How do I set up MFA in Azure?"}, q.AlternativePhrasings)
	assert.Contains(t, q.Reasoning, "Entra ID")
	assert.Equal(t, 2, fc.count(llm.PurposeExtraction))
}

func TestQueryExpander_LLMFailureKeepsStaticTerms(t *testing.T) {
	fc := newFakeCompleter()
	fc.errs[llm.PurposeExtraction] = errUpstream
	e := NewQueryExpander(fc, nil, nil, llmExpanderConfig())

	q := e.Expand(context.Background(), "Wie implementiere ich MFA in Azure?", "")
	assert.Contains(t, q.Terms, "multi-factor authentication")
	assert.Empty(t, q.AlternativePhrasings)
}

func TestQueryExpander_GraphErrorIgnored(t *testing.T) {
	g := newFakeGraph()
	g.err = errUpstream
	e := NewQueryExpander(nil, g, nil, testConfig())

	q := e.Expand(context.Background(), "ORP.4.A1 in Azure", "")
	assert.Empty(t, q.ContextTerms)
	assert.Contains(t, q.Terms, "ORP.4.A1")
}

func TestQueryExpander_EmptyQuery(t *testing.T) {
	q := NewQueryExpander(nil, nil, nil, testConfig()).Expand(context.Background(), "   ", "")
	assert.Equal(t, "", q.Original)
	assert.Empty(t, q.Terms)
	assert.NotNil(t, q.TermConfidence)
}

func TestExpandedQuery_SearchText(t *testing.T) {
	q := &ExpandedQuery{
		Original:     "MFA Azure",
		Terms:        []string{"mfa", "2fa", "entra id"},
		ContextTerms: []string{"IDM-01"},
		TermConfidence: map[string]float64{
			"mfa": 1, "2fa": 0.8, "entra id": 0.8, "IDM-01": 0.6,
		},
	}
	assert.Equal(t, "MFA Azure 2fa entra id", q.SearchText(0.7, 12))
	assert.Equal(t, "MFA Azure 2fa", q.SearchText(0.7, 1))
	assert.Equal(t, "MFA Azure 2fa entra id IDM-01", q.SearchText(0.5, 12))

	var nilQuery *ExpandedQuery
	assert.Equal(t, "", nilQuery.SearchText(0, 10))
}

func TestParseExpansion(t *testing.T) {
	exp, err := parseExpansion(`{"terms": ["a"], "confidence": "unsure"}`)
	require.NoError(t, err)
	assert.Equal(t, "LOW", exp.Bucket)
	assert.Equal(t, 0.4, bucketConfidence(exp.Bucket))

	_, err = parseExpansion("nothing")
	assert.Error(t, err)
}

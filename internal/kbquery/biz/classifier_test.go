package biz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-kb/pkg/llm"
)

func TestIntentClassifier_RuleScenarios(t *testing.T) {
	c := NewIntentClassifier(nil, nil, testConfig())

	tests := []struct {
		query  string
		intent Intent
	}{
		{"Was fordert BSI C5 zu Zugriffskontrollen?", IntentComplianceRequirement},
		{"Wie implementiere ich MFA in Azure?", IntentTechnicalImplementation},
		{"ORP.4.A1 Passwort-Richtlinie", IntentSpecificControl},
		{"Vergleich ISO 27001 und BSI IT-Grundschutz", IntentComparison},
		{"Welche Best Practices gibt es für Backups?", IntentBestPractice},
		{"Erzähl mir etwas über Informationssicherheit", IntentGeneralInformation},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			a := c.Analyze(context.Background(), tt.query, "")
			assert.Equal(t, tt.intent, a.Intent)
			assert.Equal(t, SourceRules, a.Source)
			assert.InDelta(t, 0.6, a.Confidence, 1e-9)
		})
	}
}

func TestIntentClassifier_ScenarioEntities(t *testing.T) {
	c := NewIntentClassifier(nil, nil, testConfig())

	a := c.Analyze(context.Background(), "Wie implementiere ich MFA in Azure?", "")
	assert.Contains(t, a.Entities.Technologies, "Azure")
	assert.Contains(t, a.Entities.Concepts, "MFA")

	a = c.Analyze(context.Background(), "ORP.4.A1 Passwort-Richtlinie", "")
	assert.Contains(t, a.Entities.Controls, "ORP.4.A1")
	assert.True(t, SelectStrategy(a.Intent).UseGraph)
}

func TestIntentClassifier_LLMPath(t *testing.T) {
	fc := newFakeCompleter()
	fc.responses[llm.PurposeClassification] = "Sure:\n```json\n" + `{"intent":"technical_implementation","secondary_intents":["BEST_PRACTICE","UNKNOWN"],
"entities":{"technologies":["azure","Entra ID"],"concepts":["MFA"]},"keywords":["MFA","Azure"],"confidence":0.8,"complexity":0.3}` + "\n```"

	c := NewIntentClassifier(fc, nil, testConfig())
	a := c.Analyze(context.Background(), "Wie implementiere ich MFA in Azure?", "")

	assert.Equal(t, SourceLLM, a.Source)
	assert.Equal(t, IntentTechnicalImplementation, a.Intent)
	assert.Equal(t, []Intent{IntentBestPractice}, a.SecondaryIntents)
	// 模式与 LLM 的实体按大小写不敏感合并
	assert.Equal(t, []string{"Azure", "Entra ID"}, a.Entities.Technologies)
	// 0.8 + 模式加成 0.1
	assert.InDelta(t, 0.9, a.Confidence, 1e-9)
	assert.InDelta(t, 0.3, a.Complexity, 1e-9)
}

func TestIntentClassifier_NamedControlKeepsGraph(t *testing.T) {
	fc := newFakeCompleter()
	fc.responses[llm.PurposeClassification] = `{"intent":"BEST_PRACTICE","confidence":0.8}`

	c := NewIntentClassifier(fc, nil, testConfig())
	a := c.Analyze(context.Background(), "ORP.4.A1 Passwort-Richtlinie", "")

	assert.Equal(t, SourceLLM, a.Source)
	assert.Contains(t, a.Entities.Controls, "ORP.4.A1")
	assert.Equal(t, IntentSpecificControl, a.Intent)
	assert.Equal(t, []Intent{IntentBestPractice}, a.SecondaryIntents)
	assert.True(t, SelectStrategy(a.Intent).UseGraph)
}

func TestPromoteControlIntent(t *testing.T) {
	withControl := Entities{Controls: []string{"A.9.4.2"}}

	intent, secondary := promoteControlIntent(IntentComparison, nil, withControl)
	assert.Equal(t, IntentComparison, intent)
	assert.Nil(t, secondary)

	intent, secondary = promoteControlIntent(IntentBestPractice, []Intent{IntentSpecificControl}, withControl)
	assert.Equal(t, IntentSpecificControl, intent)
	assert.Equal(t, []Intent{IntentBestPractice}, secondary)

	intent, _ = promoteControlIntent(IntentBestPractice, nil, Entities{})
	assert.Equal(t, IntentBestPractice, intent)
}

func TestIntentClassifier_FallsBackOnGarbage(t *testing.T) {
	fc := newFakeCompleter()
	fc.responses[llm.PurposeClassification] = "I am not able to answer in JSON"

	c := NewIntentClassifier(fc, nil, testConfig())
	a := c.Analyze(context.Background(), "Was fordert BSI C5 zu Zugriffskontrollen?", "")
	assert.Equal(t, SourceRules, a.Source)
	assert.Equal(t, IntentComplianceRequirement, a.Intent)
}

func TestIntentClassifier_FallsBackOnError(t *testing.T) {
	fc := newFakeCompleter()
	fc.errs[llm.PurposeClassification] = errUpstream

	c := NewIntentClassifier(fc, nil, testConfig())
	a := c.Analyze(context.Background(), "ORP.4.A1", "")
	assert.Equal(t, SourceRules, a.Source)
	assert.Equal(t, IntentSpecificControl, a.Intent)
}

func TestParseClassification_Defaults(t *testing.T) {
	got, err := parseClassification(`{"intent": "nonsense", "confidence": 7}`, IntentComparison, 0.5, 0.2)
	require.NoError(t, err)
	assert.Equal(t, IntentComparison, got.Intent)
	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, 0.2, got.Complexity)

	got, err = parseClassification(`{}`, IntentGeneralInformation, 0.5, 0.2)
	require.NoError(t, err)
	assert.Equal(t, IntentGeneralInformation, got.Intent)
	assert.Equal(t, 0.5, got.Confidence)

	_, err = parseClassification("no json here", IntentGeneralInformation, 0.5, 0.2)
	assert.Error(t, err)
}

package biz

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePromptData(intent Intent) PromptData {
	return PromptData{
		Query:    "ORP.4.A1 Passwort-Richtlinie",
		Intent:   intent,
		Language: "de",
		Entities: Entities{
			Controls:     []string{"ORP.4.A1"},
			Standards:    []string{"BSI IT-Grundschutz", "ISO 27001"},
			Technologies: []string{"Azure"},
		},
		Controls: []ContextItem{{ID: "ORP.4.A1", Title: "Regelung für die Einrichtung von Benutzern", Standard: "BSI IT-Grundschutz", Content: "  Es MUSS geregelt werden.  "}},
		Mappings: []ContextItem{{ID: "IDM-01", Title: "Policy for user accounts", Relations: []Relationship{{Source: "IDM-01", Target: "A.9.4.2", Type: "MAPS_TO"}}}},
		Chunks:   []ContextItem{{Content: "Passwörter müssen mindestens 12 Zeichen lang sein."}},
		Max:      3,
	}
}

func TestPromptRegistry_RendersEveryIntent(t *testing.T) {
	r := NewPromptRegistry()
	for _, intent := range Intents() {
		name := r.IntentPromptName(intent)
		assert.Equal(t, strings.ToLower(string(intent)), name)

		out, err := r.Render(name, samplePromptData(intent))
		require.NoError(t, err, intent)
		assert.Contains(t, out, "Question: ORP.4.A1 Passwort-Richtlinie")
		assert.Contains(t, out, "[ORP.4.A1] (BSI IT-Grundschutz)")
		assert.Contains(t, out, "[1] Passwörter müssen")
		assert.Contains(t, out, "IDM-01 MAPS_TO A.9.4.2")
	}
}

func TestPromptRegistry_SystemAndFollowUps(t *testing.T) {
	r := NewPromptRegistry()

	out, err := r.Render(PromptSystem, PromptData{Language: "de"})
	require.NoError(t, err)
	assert.Contains(t, out, "Answer in German")

	out, err = r.Render(PromptFollowUps, PromptData{Query: "Was ist MFA?", Answer: "MFA ist ...", Max: 2, Language: "en"})
	require.NoError(t, err)
	assert.Contains(t, out, "up to 2")
	assert.Contains(t, out, "in English")
}

func TestPromptRegistry_UnknownNames(t *testing.T) {
	r := NewPromptRegistry()
	assert.Equal(t, PromptFallback, r.IntentPromptName("UNKNOWN"))

	_, err := r.Render("missing", PromptData{})
	assert.Error(t, err)
}

func TestPromptRegistry_LoadYAMLOverride(t *testing.T) {
	r := NewPromptRegistry()
	require.NoError(t, r.LoadYAML([]byte("GENERAL_INFORMATION: \"Kurz: {{.Query}}\"\ncustom: hallo\n")))

	out, err := r.Render("general_information", PromptData{Query: "Was ist ein ISMS?"})
	require.NoError(t, err)
	assert.Equal(t, "Kurz: Was ist ein ISMS?", out)
	assert.True(t, r.Has("custom"))
	assert.True(t, r.Has(PromptSystem))
}

func TestPromptRegistry_InvalidOverrideKeepsTemplates(t *testing.T) {
	r := NewPromptRegistry()
	before, err := r.Render("general_information", samplePromptData(IntentGeneralInformation))
	require.NoError(t, err)

	assert.Error(t, r.LoadYAML([]byte("general_information: [unclosed")))
	assert.Error(t, r.LoadYAML([]byte(`general_information: "{{.Query"`)))

	after, err := r.Render("general_information", samplePromptData(IntentGeneralInformation))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPromptRegistry_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("comparison: \"Vergleich: {{.Query}}\"\n"), 0o600))

	r := NewPromptRegistry()
	require.NoError(t, r.LoadFile(path))
	out, err := r.Render("comparison", PromptData{Query: "ISO vs C5"})
	require.NoError(t, err)
	assert.Equal(t, "Vergleich: ISO vs C5", out)

	assert.Error(t, r.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestEstimateCounter(t *testing.T) {
	c := EstimateCounter{}
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("abcd"))
	assert.Equal(t, 2, c.Count("abcde"))
	assert.Equal(t, 1, c.Count("äöüß"))
}

func TestTruncateToTokens(t *testing.T) {
	c := EstimateCounter{}
	text := strings.Repeat("ab", 20)

	assert.Equal(t, text, truncateToTokens(c, text, 100))
	assert.Len(t, truncateToTokens(c, text, 5), 20)
	assert.Equal(t, "", truncateToTokens(c, text, 0))

	// 多字节字符不会被截断到一半
	got := truncateToTokens(c, strings.Repeat("ä", 10), 1)
	assert.Equal(t, "ääää", got)
}

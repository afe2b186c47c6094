package json

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractObject(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain", input: `{"a":1}`, want: `{"a":1}`},
		{name: "fenced", input: "Here you go:\n```json\n{\"intent\":\"BEST_PRACTICE\"}\n```", want: `{"intent":"BEST_PRACTICE"}`},
		{name: "nested", input: `x {"a":{"b":[1,2]}} y {"c":2}`, want: `{"a":{"b":[1,2]}}`},
		{name: "brace in string", input: `{"text":"a } b"}`, want: `{"text":"a } b"}`},
		{name: "escaped quote", input: `{"text":"say \"}\" now"}`, want: `{"text":"say \"}\" now"}`},
		{name: "none", input: "no json here", wantErr: true},
		{name: "unbalanced", input: `{"a":1`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractObject(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoJSON)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractArray(t *testing.T) {
	got, err := ExtractArray(`Questions: ["a?", "b?"] done`)
	require.NoError(t, err)
	assert.Equal(t, `["a?", "b?"]`, got)
}

func TestUnmarshalLenient(t *testing.T) {
	var out struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	}
	err := UnmarshalLenient("Result:\n{\"intent\": \"COMPARISON\", \"confidence\": 0.8}", &out)
	require.NoError(t, err)
	assert.Equal(t, "COMPARISON", out.Intent)
	assert.InDelta(t, 0.8, out.Confidence, 1e-9)

	assert.Error(t, UnmarshalLenient("nothing", &out))
}

func TestMarshalString(t *testing.T) {
	s, err := MarshalString(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, s)
}

package milvus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterExpr(t *testing.T) {
	expr, err := FilterExpr(nil)
	require.NoError(t, err)
	assert.Empty(t, expr)

	expr, err = FilterExpr(map[string]string{"standard": "BSI C5", "doc_type": "guide"})
	require.NoError(t, err)
	assert.Equal(t, `doc_type == "guide" && standard == "BSI C5"`, expr)

	expr, err = FilterExpr(map[string]string{"title": `a "quoted" \ title`})
	require.NoError(t, err)
	assert.Equal(t, `title == "a \"quoted\" \\ title"`, expr)
}

func TestFilterExpr_RejectsUnknownField(t *testing.T) {
	_, err := FilterExpr(map[string]string{"content": "x"})
	assert.Error(t, err)

	_, err = FilterExpr(map[string]string{"doc_id": "1 || true"})
	assert.Error(t, err)
}

package openai

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-kb/pkg/llm"
	"github.com/kart-io/sentinel-kb/pkg/utils/json"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)

		switch r.URL.Path {
		case "/embeddings":
			var req embeddingRequest
			require.NoError(t, json.Unmarshal(body, &req))
			// 故意倒序返回，验证按 index 回填
			_, _ = w.Write([]byte(`{"data":[{"embedding":[0.2],"index":1},{"embedding":[0.1],"index":0}]}`))
		case "/chat/completions":
			var req chatRequest
			require.NoError(t, json.Unmarshal(body, &req))
			assert.Equal(t, "gpt-4o-mini", req.Model)
			_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hallo"}}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestProvider_EmbedAndChat(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	p, err := NewProvider(map[string]any{"api_key": "test-key", "base_url": srv.URL + "/"})
	require.NoError(t, err)
	assert.Equal(t, ProviderName, p.Name())

	embs, err := p.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, embs, 2)
	assert.Equal(t, float32(0.1), embs[0][0])
	assert.Equal(t, float32(0.2), embs[1][0])

	answer, err := p.Chat(context.Background(), []llm.Message{llm.UserMessage("hi")})
	require.NoError(t, err)
	assert.Equal(t, "hallo", answer)
}

func TestNewProvider_RequiresAPIKey(t *testing.T) {
	_, err := NewProvider(map[string]any{})
	assert.Error(t, err)
}

func TestProvider_RegisteredInRegistry(t *testing.T) {
	assert.Contains(t, llm.ListProviders(), ProviderName)
}

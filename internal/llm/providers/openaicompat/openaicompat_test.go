package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Corphon/SceneBreakdown/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, check func(r *http.Request, body map[string]interface{})) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		check(r, body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"served-model","choices":[{"message":{"content":"[]"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":1}}`))
	}))
}

func TestVendorsRegistered(t *testing.T) {
	names := llm.ListProviders()
	for _, v := range vendors {
		assert.Contains(t, names, v.name)
	}
}

func TestCompleteTextBearerAuth(t *testing.T) {
	srv := chatServer(t, func(r *http.Request, body map[string]interface{}) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		assert.Equal(t, "Scene Breakdown", r.Header.Get("X-Title"))
		msgs := body["messages"].([]interface{})
		require.Len(t, msgs, 2)
		assert.Equal(t, "system", msgs[0].(map[string]interface{})["role"])
		assert.NotContains(t, body, "response_format")
	})
	defer srv.Close()

	p, err := llm.GetProvider("openrouter", map[string]string{"api_key": "k", "base_url": srv.URL})
	require.NoError(t, err)
	resp, err := p.CompleteText(context.Background(), llm.CompletionRequest{
		Prompt: "u", SystemPrompt: "s", JSONOutput: true, MaxTokens: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, "[]", resp.Text)
	assert.Equal(t, "served-model", resp.ModelName)
	assert.Equal(t, "openrouter", resp.ProviderName)
}

func TestCompleteTextKeyHeaderAndJSONMode(t *testing.T) {
	srv := chatServer(t, func(r *http.Request, body map[string]interface{}) {
		assert.Equal(t, "k", r.Header.Get("api-key"))
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Equal(t, map[string]interface{}{"type": "json_object"}, body["response_format"])
	})
	defer srv.Close()

	p, err := llm.GetProvider("githubmodels", map[string]string{
		"api_key": "k", "base_url": srv.URL, "json_mode": "true",
	})
	require.NoError(t, err)
	_, err = p.CompleteText(context.Background(), llm.CompletionRequest{Prompt: "u", JSONOutput: true})
	require.NoError(t, err)
}

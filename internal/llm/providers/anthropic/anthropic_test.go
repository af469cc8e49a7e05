package anthropic

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

func TestCompleteText(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"m","stop_reason":"end_turn",
			"content":[{"type":"text","text":"[{\"sceneNumber\":1}"},{"type":"text","text":"]"}],
			"usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer srv.Close()

	p, err := llm.GetProvider("anthropic", map[string]string{"api_key": "k", "base_url": srv.URL + "/"})
	require.NoError(t, err)

	resp, err := p.CompleteText(context.Background(), llm.CompletionRequest{
		Prompt:       "scenes",
		SystemPrompt: "be exact",
		Temperature:  0.3,
	})
	require.NoError(t, err)
	assert.Equal(t, `[{"sceneNumber":1}]`, resp.Text)
	assert.Equal(t, 10, resp.PromptTokens)
	assert.Equal(t, "be exact", got["system"])
	assert.EqualValues(t, defaultMaxTokens, got["max_tokens"])
}

func TestCompleteTextStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := &Provider{}
	require.NoError(t, p.Initialize(map[string]string{"api_key": "k", "base_url": srv.URL}))
	_, err := p.CompleteText(context.Background(), llm.CompletionRequest{Prompt: "x"})

	var statusErr *llm.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Status)
}

func TestInitializeRequiresKey(t *testing.T) {
	assert.Error(t, (&Provider{}).Initialize(map[string]string{}))
}

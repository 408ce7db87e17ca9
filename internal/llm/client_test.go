package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/stratqual/internal/config"
)

func testConfig(endpoint string) config.LLMConfig {
	return config.LLMConfig{
		Endpoint:    endpoint,
		APIKey:      "test-key",
		Model:       "gpt-4-turbo",
		Temperature: 0.3,
		MaxTokens:   2048,
		Timeout:     5000,
		MaxRetries:  0,
	}
}

func completionBody(content string) map[string]any {
	return map[string]any{
		"id":    "chatcmpl-1",
		"model": "gpt-4-turbo",
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{"prompt_tokens": 100, "completion_tokens": 50, "total_tokens": 150},
	}
}

func TestCompleteSendsOpenAIRequest(t *testing.T) {
	var got ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(completionBody(`{"ok":true}`))
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	resp, err := client.Complete(context.Background(), []ChatMessage{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "hi"},
	}, true)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4-turbo", got.Model)
	assert.Equal(t, 0.3, got.Temperature)
	assert.Equal(t, 2048, got.MaxTokens)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, `{"ok":true}`, resp.Choices[0].Message.Content)
	assert.Equal(t, 150, resp.Usage.TotalTokens)
}

func TestCompleteSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "rate limited", "type": "rate_limit"},
		})
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	_, err := client.Complete(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestCompleteWithRetryRecovers(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(completionBody("done"))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.MaxRetries = 2
	client := NewClient(cfg)

	resp, err := client.CompleteWithRetry(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "done", resp.Choices[0].Message.Content)
}

func TestParseJSONResponse(t *testing.T) {
	type payload struct {
		Confidence float64 `json:"confidence"`
	}

	var p payload
	require.NoError(t, ParseJSONResponse(`{"confidence":0.8}`, &p))
	assert.Equal(t, 0.8, p.Confidence)

	p = payload{}
	fenced := "Here you go:\n```json\n{\"confidence\":0.6}\n```\n"
	require.NoError(t, ParseJSONResponse(fenced, &p))
	assert.Equal(t, 0.6, p.Confidence)

	p = payload{}
	bare := "```\n{\"confidence\":0.4}\n```"
	require.NoError(t, ParseJSONResponse(bare, &p))
	assert.Equal(t, 0.4, p.Confidence)

	assert.Error(t, ParseJSONResponse("not json", &p))
}

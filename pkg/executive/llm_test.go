package executive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteMissingAPIKeyFailsFast(t *testing.T) {
	c := NewLLMClient("", "", "model-x")
	_, err := c.Complete(context.Background(), "sys", "prompt", 100, 0.2)
	assert.Error(t, err)
}

func TestCompleteSuccessReturnsConcatenatedText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(llmResponse{Content: []llmContentBlock{
			{Type: "text", Text: "hello "},
			{Type: "text", Text: "world"},
		}})
	}))
	defer srv.Close()

	c := NewLLMClient(srv.URL, "test-key", "model-x")
	text, err := c.Complete(context.Background(), "sys", "prompt", 100, 0.2)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestCompleteRejectedStatusIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	c := NewLLMClient(srv.URL, "test-key", "model-x")
	_, err := c.Complete(context.Background(), "sys", "prompt", 100, 0.2)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestNewLLMClientDefaultsBaseURL(t *testing.T) {
	c := NewLLMClient("", "key", "model")
	assert.Equal(t, "https://api.anthropic.com/v1", c.baseURL)
}

func TestExtractJSONTrimsSurroundingProse(t *testing.T) {
	in := "Sure, here it is:\n{\"condition_text\":\"x\"}\nHope that helps."
	assert.Equal(t, `{"condition_text":"x"}`, extractJSON(in))
}

func TestExtractJSONReturnsInputWhenNoBraces(t *testing.T) {
	in := "no json here"
	assert.Equal(t, in, extractJSON(in))
}

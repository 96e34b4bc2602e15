package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/ragbox/internal/embedding"
)

func newOpenAITestProvider(t *testing.T, handler http.HandlerFunc) embedding.Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewProvider("openai", map[string]interface{}{
		"api_key":  "sk-test",
		"base_url": srv.URL,
	})
	require.NoError(t, err)
	return p
}

func TestOpenAIEmbedBatch_Success(t *testing.T) {
	var gotReq openAIEmbedRequest
	var gotAuth string
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/embeddings", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"embedding": []float32{0.1, 0.2}, "index": 0},
				{"embedding": []float32{0.3, 0.4}, "index": 1},
			},
		})
	})

	items, err := p.EmbedBatch(context.Background(), "text-embedding-3-small", []string{"a", "b"}, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, 0, items[0].Index)
	require.Equal(t, []float32{0.3, 0.4}, items[1].Embedding)
	require.Equal(t, "Bearer sk-test", gotAuth)
	require.Equal(t, "text-embedding-3-small", gotReq.Model)
	require.Equal(t, 2, gotReq.Dimensions)
	require.Equal(t, []string{"a", "b"}, gotReq.Input)
}

func TestOpenAIEmbedBatch_RateLimitIsRetryable(t *testing.T) {
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	})
	_, err := p.EmbedBatch(context.Background(), "m", []string{"a"}, 2)
	require.Error(t, err)
	require.True(t, embedding.IsRetryable(err))
}

func TestOpenAIEmbedBatch_BadRequestNotRetryable(t *testing.T) {
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid model"}`, http.StatusBadRequest)
	})
	_, err := p.EmbedBatch(context.Background(), "m", []string{"a"}, 2)
	require.Error(t, err)
	require.False(t, embedding.IsRetryable(err))
}

func TestOpenAIEmbedBatch_MissingKeyFailsFast(t *testing.T) {
	p, err := NewProvider("openai", map[string]interface{}{})
	require.NoError(t, err)
	_, err = p.EmbedBatch(context.Background(), "m", []string{"a"}, 2)
	require.Error(t, err)
	require.False(t, embedding.IsRetryable(err))
}

func TestOpenAIEmbedBatch_EmptyDataRetryable(t *testing.T) {
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"data": []interface{}{}})
	})
	_, err := p.EmbedBatch(context.Background(), "m", []string{"a"}, 2)
	require.Error(t, err)
	require.True(t, embedding.IsRetryable(err))
}

func TestNewProvider_UnknownName(t *testing.T) {
	_, err := NewProvider("no-such-provider", nil)
	require.Error(t, err)
}

func TestNewProvider_CaseInsensitive(t *testing.T) {
	p, err := NewProvider("OpenAI", map[string]interface{}{"api_key": "k"})
	require.NoError(t, err)
	require.Equal(t, "openai", p.Name())
}

package embedding

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu      sync.Mutex
	calls   [][]string
	handler func(call int, texts []string, dims int) ([]EmbedItem, error)
}

func (f *fakeProvider) EmbedBatch(ctx context.Context, model string, texts []string, dims int) ([]EmbedItem, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, append([]string(nil), texts...))
	f.mu.Unlock()
	if f.handler != nil {
		return f.handler(call, texts, dims)
	}
	items := make([]EmbedItem, len(texts))
	for i := range texts {
		items[i] = EmbedItem{Index: i, Embedding: testVector(dims, float32(i)+1)}
	}
	return items, nil
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testVector(dims int, fill float32) []float32 {
	v := make([]float32, dims)
	for i := range v {
		v[i] = fill
	}
	return v
}

func newTestEmbedder(p Provider, cfg Config) *Embedder {
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 8
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 4 * time.Millisecond
	}
	return New(p, NewCache(time.Hour, 100), nil, cfg)
}

func TestGenerate_ReturnsConfiguredDimension(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEmbedder(p, Config{Dimension: 16})
	res, err := e.Generate(context.Background(), "hello world")
	require.NoError(t, err)
	require.Len(t, res.Vector, 16)
	require.False(t, res.Degraded)
}

func TestGenerate_InvalidInputNeverCallsProvider(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEmbedder(p, Config{MinTextLen: 5})
	for _, text := range []string{"", "   ", "hi"} {
		_, err := e.Generate(context.Background(), text)
		require.Error(t, err)
		require.True(t, IsValidationError(err), "text %q: %v", text, err)
	}
	require.Equal(t, 0, p.callCount())
}

func TestGenerate_CacheHitSkipsProvider(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEmbedder(p, Config{})
	first, err := e.Generate(context.Background(), "same text")
	require.NoError(t, err)
	second, err := e.Generate(context.Background(), "same text")
	require.NoError(t, err)
	require.Equal(t, first.Vector, second.Vector)
	require.Equal(t, 1, p.callCount())
}

func TestGenerate_WithoutCacheAlwaysCallsProvider(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEmbedder(p, Config{})
	_, err := e.Generate(context.Background(), "same text", WithoutCache())
	require.NoError(t, err)
	_, err = e.Generate(context.Background(), "same text", WithoutCache())
	require.NoError(t, err)
	require.Equal(t, 2, p.callCount())
}

func TestGenerate_TruncatesLongInput(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEmbedder(p, Config{MaxInputChars: 10})
	_, err := e.Generate(context.Background(), "0123456789abcdef")
	require.NoError(t, err)
	require.Equal(t, "0123456789", p.calls[0][0])
}

func TestGenerate_RetriesTransientFailure(t *testing.T) {
	p := &fakeProvider{}
	p.handler = func(call int, texts []string, dims int) ([]EmbedItem, error) {
		if call < 2 {
			return nil, NewProviderError("fake", 503, fmt.Errorf("unavailable"))
		}
		return []EmbedItem{{Index: 0, Embedding: testVector(dims, 1)}}, nil
	}
	e := newTestEmbedder(p, Config{MaxRetries: 3})
	res, err := e.Generate(context.Background(), "flaky text")
	require.NoError(t, err)
	require.Len(t, res.Vector, 8)
	require.Equal(t, 3, p.callCount())
}

func TestGenerate_NonRetryableFailsImmediately(t *testing.T) {
	p := &fakeProvider{}
	p.handler = func(call int, texts []string, dims int) ([]EmbedItem, error) {
		return nil, NewProviderError("fake", 400, fmt.Errorf("bad request"))
	}
	e := newTestEmbedder(p, Config{MaxRetries: 3})
	_, err := e.Generate(context.Background(), "some text")
	require.Error(t, err)
	require.Equal(t, 1, p.callCount())
}

func TestGenerate_RetriesZeroVector(t *testing.T) {
	p := &fakeProvider{}
	p.handler = func(call int, texts []string, dims int) ([]EmbedItem, error) {
		if call == 0 {
			return []EmbedItem{{Index: 0, Embedding: make([]float32, dims)}}, nil
		}
		return []EmbedItem{{Index: 0, Embedding: testVector(dims, 0.5)}}, nil
	}
	e := newTestEmbedder(p, Config{MaxRetries: 2})
	res, err := e.Generate(context.Background(), "zero then fine")
	require.NoError(t, err)
	require.NotZero(t, res.Vector[0])
	require.Equal(t, 2, p.callCount())
}

func TestGenerate_DimensionMismatchNotRetried(t *testing.T) {
	p := &fakeProvider{}
	p.handler = func(call int, texts []string, dims int) ([]EmbedItem, error) {
		return []EmbedItem{{Index: 0, Embedding: testVector(dims+1, 1)}}, nil
	}
	e := newTestEmbedder(p, Config{MaxRetries: 3})
	_, err := e.Generate(context.Background(), "wrong dims")
	require.Error(t, err)
	require.False(t, IsRetryable(err))
	require.Equal(t, 1, p.callCount())
}

func TestBackoff_BaseDelayNonDecreasingAndBounded(t *testing.T) {
	e := newTestEmbedder(&fakeProvider{}, Config{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	})
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := e.baseDelay(attempt)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > time.Second {
			t.Fatalf("delay exceeded cap at attempt %d: %v", attempt, d)
		}
		prev = d
	}
	require.Equal(t, 100*time.Millisecond, e.baseDelay(1))
	require.Equal(t, 200*time.Millisecond, e.baseDelay(2))
	require.Equal(t, time.Second, e.baseDelay(10))
}

func TestBackoff_JitterWithinBounds(t *testing.T) {
	e := newTestEmbedder(&fakeProvider{}, Config{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	})
	for i := 0; i < 50; i++ {
		d := e.backoffDelay(2)
		base := 200 * time.Millisecond
		if d < base || d > base+base*3/10 {
			t.Fatalf("jittered delay out of range: %v", d)
		}
	}
}

func TestGenerateBatch_EmptyInputFails(t *testing.T) {
	e := newTestEmbedder(&fakeProvider{}, Config{})
	_, err := e.GenerateBatch(context.Background(), nil)
	require.Error(t, err)
	require.True(t, IsValidationError(err))
}

func TestGenerateBatch_AllInvalidFails(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEmbedder(p, Config{})
	_, err := e.GenerateBatch(context.Background(), []string{"", "  ", "\n"})
	require.Error(t, err)
	require.True(t, IsValidationError(err))
	require.Equal(t, 0, p.callCount())
}

func TestGenerateBatch_DropsInvalidKeepsValid(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEmbedder(p, Config{})
	results, err := e.GenerateBatch(context.Background(), []string{"first", "", "third"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.Len(t, r.Vector, 8)
		require.False(t, r.Degraded)
	}
}

func TestGenerateBatch_SplitsIntoSubBatches(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEmbedder(p, Config{MaxBatchSize: 20})
	texts := make([]string, 25)
	for i := range texts {
		texts[i] = fmt.Sprintf("document chunk number %d", i)
	}
	results, err := e.GenerateBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, results, 25)
	require.Equal(t, 2, p.callCount())
	require.Len(t, p.calls[0], 20)
	require.Len(t, p.calls[1], 5)
}

func TestGenerateBatch_FailedSubBatchFallsBackToSingles(t *testing.T) {
	p := &fakeProvider{}
	p.handler = func(call int, texts []string, dims int) ([]EmbedItem, error) {
		if call == 1 && len(texts) > 1 {
			return nil, NewProviderError("fake", 500, fmt.Errorf("boom"))
		}
		items := make([]EmbedItem, len(texts))
		for i := range texts {
			items[i] = EmbedItem{Index: i, Embedding: testVector(dims, 1)}
		}
		return items, nil
	}
	e := newTestEmbedder(p, Config{MaxBatchSize: 20, MaxRetries: 1})
	texts := make([]string, 25)
	for i := range texts {
		texts[i] = fmt.Sprintf("document chunk number %d", i)
	}
	results, err := e.GenerateBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, results, 25)
	// first sub-batch of 20, failed sub-batch of 5, then 5 single calls
	require.Equal(t, 7, p.callCount())
	for _, r := range results {
		require.Len(t, r.Vector, 8)
		require.False(t, r.Degraded)
	}
}

func TestGenerateBatch_PlaceholderWhenEverythingFails(t *testing.T) {
	p := &fakeProvider{}
	p.handler = func(call int, texts []string, dims int) ([]EmbedItem, error) {
		return nil, NewProviderError("fake", 500, fmt.Errorf("down"))
	}
	e := newTestEmbedder(p, Config{MaxRetries: 1})
	results, err := e.GenerateBatch(context.Background(), []string{"alpha text", "beta text"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.True(t, r.Degraded)
		require.Len(t, r.Vector, 8)
		for _, v := range r.Vector {
			require.NotZero(t, v)
		}
	}
}

func TestGenerateBatch_CacheHitsSkipProvider(t *testing.T) {
	p := &fakeProvider{}
	e := newTestEmbedder(p, Config{})
	_, err := e.Generate(context.Background(), "warm entry")
	require.NoError(t, err)
	require.Equal(t, 1, p.callCount())

	results, err := e.GenerateBatch(context.Background(), []string{"warm entry", "cold entry"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	// only the cold entry goes to the provider, as a single call
	require.Equal(t, 2, p.callCount())
	require.Equal(t, []string{"cold entry"}, p.calls[1])
}

func TestGenerateBatch_ProviderIndexFieldRespected(t *testing.T) {
	p := &fakeProvider{}
	p.handler = func(call int, texts []string, dims int) ([]EmbedItem, error) {
		// answer in reverse order, index field still identifies each input
		items := make([]EmbedItem, len(texts))
		for i := range texts {
			rev := len(texts) - 1 - i
			items[i] = EmbedItem{Index: rev, Embedding: testVector(dims, float32(rev)+1)}
		}
		return items, nil
	}
	e := newTestEmbedder(p, Config{})
	results, err := e.GenerateBatch(context.Background(), []string{"one text", "two text", "three text"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		require.Equal(t, float32(i)+1, r.Vector[0], "result %d mapped to wrong input", i)
	}
}

func TestGenerateBatch_CanceledContextDegradesRemainder(t *testing.T) {
	p := &fakeProvider{}
	ctx, cancel := context.WithCancel(context.Background())
	p.handler = func(call int, texts []string, dims int) ([]EmbedItem, error) {
		cancel()
		items := make([]EmbedItem, len(texts))
		for i := range texts {
			items[i] = EmbedItem{Index: i, Embedding: testVector(dims, 1)}
		}
		return items, nil
	}
	e := newTestEmbedder(p, Config{MaxBatchSize: 2})
	texts := []string{"first text", "second text", "third text", "fourth text"}
	results, err := e.GenerateBatch(ctx, texts)
	require.NoError(t, err)
	require.Len(t, results, 4)
	require.False(t, results[0].Degraded)
	require.True(t, results[2].Degraded)
	require.True(t, results[3].Degraded)
}

type fakePersistent struct {
	mu     sync.Mutex
	stored map[string][]float32
}

func (f *fakePersistent) Get(ctx context.Context, modelName, contentHash string) ([]float32, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.stored[modelName+":"+contentHash]
	return v, ok, nil
}

func (f *fakePersistent) Save(ctx context.Context, modelName, contentHash string, vector []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stored == nil {
		f.stored = map[string][]float32{}
	}
	f.stored[modelName+":"+contentHash] = vector
	return nil
}

func TestGenerate_PersistentCacheSurvivesMemoryClear(t *testing.T) {
	p := &fakeProvider{}
	persistent := &fakePersistent{}
	e := New(p, NewCache(time.Hour, 100), persistent, Config{
		Model: "test-model", Dimension: 8,
		InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond,
	})
	_, err := e.Generate(context.Background(), "durable text")
	require.NoError(t, err)
	require.Equal(t, 1, p.callCount())

	e.ClearCache()
	_, err = e.Generate(context.Background(), "durable text")
	require.NoError(t, err)
	require.Equal(t, 1, p.callCount(), "persistent hit should not call provider")
}

func TestIsRetryable_Classification(t *testing.T) {
	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(context.Canceled))
	require.False(t, IsRetryable(context.DeadlineExceeded))
	require.False(t, IsRetryable(NewValidationError("bad")))
	require.False(t, IsRetryable(NewProviderError("p", 400, nil)))
	require.False(t, IsRetryable(NewProviderError("p", 401, nil)))
	require.True(t, IsRetryable(NewProviderError("p", 429, nil)))
	require.True(t, IsRetryable(NewProviderError("p", 500, nil)))
	require.True(t, IsRetryable(NewProviderError("p", 503, nil)))
	require.True(t, IsRetryable(fmt.Errorf("connection reset")))
	// transient provider errors stay retryable even when the detail is a
	// validation-shaped message about the response
	require.True(t, IsRetryable(&ProviderError{Provider: "p", Retryable: true, Err: NewValidationError("all-zero vector")}))
}

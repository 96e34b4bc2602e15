package embedding

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// Provider is the upstream embedding API. Implementations live in
// internal/ai. Returned items carry the provider's index field so results
// can be matched back to input order even if the provider reorders them.
type Provider interface {
	EmbedBatch(ctx context.Context, model string, texts []string, dims int) ([]EmbedItem, error)
	Name() string
}

type EmbedItem struct {
	Index     int
	Embedding []float32
}

// Result wraps a produced vector. Degraded marks an emergency placeholder
// substituted after all retries and fallbacks failed; callers that need an
// exact embedding should check it.
type Result struct {
	Vector   []float32
	Degraded bool
}

// PersistentCache is an optional second-level cache that survives process
// restarts, keyed by model and content hash. Lookup failures are treated
// as misses and save failures only logged; correctness never depends on it.
type PersistentCache interface {
	Get(ctx context.Context, modelName, contentHash string) ([]float32, bool, error)
	Save(ctx context.Context, modelName, contentHash string, vector []float32) error
}

type Config struct {
	Model          string
	Dimension      int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxInputChars  int
	MinTextLen     int
	MaxBatchSize   int
	DisableCache   bool
}

func (c *Config) fillDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 8 * time.Second
	}
	if c.MaxInputChars <= 0 {
		c.MaxInputChars = 8000
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 20
	}
}

// Option overrides per-call behavior.
type Option func(*callOptions)

type callOptions struct {
	model     string
	dims      int
	skipCache bool
}

func WithModel(model string) Option {
	return func(o *callOptions) {
		o.model = model
	}
}

func WithDimension(dims int) Option {
	return func(o *callOptions) {
		o.dims = dims
	}
}

func WithoutCache() Option {
	return func(o *callOptions) {
		o.skipCache = true
	}
}

// Embedder turns text into fixed-dimension vectors with caching, bounded
// retry and batch orchestration. It is safe for concurrent use.
type Embedder struct {
	provider   Provider
	cache      *Cache
	persistent PersistentCache
	cfg        Config
}

func New(provider Provider, cache *Cache, persistent PersistentCache, cfg Config) *Embedder {
	cfg.fillDefaults()
	if cache == nil {
		cache = NewCache(0, 0)
	}
	return &Embedder{
		provider:   provider,
		cache:      cache,
		persistent: persistent,
		cfg:        cfg,
	}
}

func (e *Embedder) Model() string {
	return e.cfg.Model
}

func (e *Embedder) Dimension() int {
	return e.cfg.Dimension
}

func (e *Embedder) ClearCache() int {
	return e.cache.Clear()
}

func (e *Embedder) CacheStats() CacheStats {
	return e.cache.Stats()
}

func (e *Embedder) resolveOptions(opts []Option) callOptions {
	call := callOptions{
		model:     e.cfg.Model,
		dims:      e.cfg.Dimension,
		skipCache: e.cfg.DisableCache,
	}
	for _, opt := range opts {
		opt(&call)
	}
	return call
}

// Generate embeds a single text. Invalid input fails immediately with a
// ValidationError and never reaches the network; transient provider
// failures are retried with exponential backoff before surfacing.
func (e *Embedder) Generate(ctx context.Context, text string, opts ...Option) (Result, error) {
	call := e.resolveOptions(opts)
	cleaned, err := e.validateText(text)
	if err != nil {
		return Result{}, err
	}
	cleaned = e.truncate(cleaned)

	var key string
	if !call.skipCache {
		key = CacheKey(call.model, call.dims, cleaned)
		if vector, ok := e.cache.Get(key); ok {
			return Result{Vector: vector}, nil
		}
		if vector, ok := e.persistentGet(ctx, call, cleaned); ok {
			e.cache.Put(key, vector)
			return Result{Vector: vector}, nil
		}
	}

	vector, err := e.embedWithRetry(ctx, call, cleaned)
	if err != nil {
		return Result{}, err
	}
	if !call.skipCache {
		e.cache.Put(key, vector)
		e.persistentSave(ctx, call, cleaned, vector)
	}
	return Result{Vector: vector}, nil
}

// GenerateBatch embeds many texts. Invalid entries are dropped with a
// warning; the returned slice aligns positionally with the surviving valid
// entries and always has that length. A valid entry is never dropped: the
// worst case after all fallbacks is a placeholder vector with Degraded set.
func (e *Embedder) GenerateBatch(ctx context.Context, texts []string, opts ...Option) ([]Result, error) {
	if len(texts) == 0 {
		return nil, NewValidationError("empty batch")
	}
	call := e.resolveOptions(opts)
	logger := logutil.GetLogger(ctx)

	valid := make([]string, 0, len(texts))
	for i, text := range texts {
		cleaned, err := e.validateText(text)
		if err != nil {
			logger.Warn("skipping invalid batch entry", zap.Int("index", i), zap.Error(err))
			continue
		}
		valid = append(valid, e.truncate(cleaned))
	}
	if len(valid) == 0 {
		return nil, NewValidationError("no valid texts in batch of %d", len(texts))
	}

	results := make([]Result, len(valid))
	done := make([]bool, len(valid))

	if !call.skipCache {
		for i, text := range valid {
			if vector, ok := e.cache.Get(CacheKey(call.model, call.dims, text)); ok {
				results[i] = Result{Vector: vector}
				done[i] = true
			}
		}
	}

	var pending []int
	for i := range valid {
		if !done[i] {
			pending = append(pending, i)
		}
	}

	// Sub-batches run sequentially to keep provider rate limits
	// predictable. One failed sub-batch never aborts the others.
	for start := 0; start < len(pending); start += e.cfg.MaxBatchSize {
		end := start + e.cfg.MaxBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		sub := pending[start:end]
		if ctx.Err() != nil {
			logger.Warn("batch embedding canceled, degrading remaining entries",
				zap.Int("remaining", len(pending)-start))
			for _, idx := range pending[start:] {
				results[idx] = e.placeholder(call.dims)
			}
			return results, nil
		}
		e.embedSubBatch(ctx, call, valid, results, sub)
	}
	return results, nil
}

// embedSubBatch fills results for the given indexes. A sub-batch of one
// delegates to the single-text path; a failed multi-input call falls back
// to per-item single calls; items failing everything get placeholders.
func (e *Embedder) embedSubBatch(ctx context.Context, call callOptions, texts []string, results []Result, indexes []int) {
	logger := logutil.GetLogger(ctx)
	if len(indexes) == 1 {
		e.embedSingleInto(ctx, call, texts, results, indexes[0])
		return
	}

	input := make([]string, len(indexes))
	for i, idx := range indexes {
		input[i] = texts[idx]
	}
	items, err := e.provider.EmbedBatch(ctx, call.model, input, call.dims)
	if err != nil {
		logger.Warn("sub-batch embedding failed, retrying entries individually",
			zap.Int("size", len(indexes)), zap.Error(err))
		for _, idx := range indexes {
			e.embedSingleInto(ctx, call, texts, results, idx)
		}
		return
	}

	matched := make([]bool, len(indexes))
	for _, item := range items {
		if item.Index < 0 || item.Index >= len(indexes) {
			logger.Warn("provider returned out-of-range index", zap.Int("index", item.Index))
			continue
		}
		idx := indexes[item.Index]
		if err := e.validateVector(ctx, item.Embedding, call.dims); err != nil {
			logger.Warn("invalid vector in batch response, retrying entry individually",
				zap.Int("index", item.Index), zap.Error(err))
			continue
		}
		results[idx] = Result{Vector: item.Embedding}
		matched[item.Index] = true
		if !call.skipCache {
			key := CacheKey(call.model, call.dims, texts[idx])
			e.cache.Put(key, item.Embedding)
			e.persistentSave(ctx, call, texts[idx], item.Embedding)
		}
	}
	for i, ok := range matched {
		if !ok {
			e.embedSingleInto(ctx, call, texts, results, indexes[i])
		}
	}
}

func (e *Embedder) embedSingleInto(ctx context.Context, call callOptions, texts []string, results []Result, idx int) {
	vector, err := e.embedWithRetry(ctx, call, texts[idx])
	if err != nil {
		logutil.GetLogger(ctx).Warn("embedding failed after retries, substituting placeholder",
			zap.Int("index", idx), zap.Error(err))
		results[idx] = e.placeholder(call.dims)
		return
	}
	results[idx] = Result{Vector: vector}
	if !call.skipCache {
		e.cache.Put(CacheKey(call.model, call.dims, texts[idx]), vector)
		e.persistentSave(ctx, call, texts[idx], vector)
	}
}

// embedWithRetry is an explicit bounded loop; the retry budget is a
// visible parameter, not recursion depth.
func (e *Embedder) embedWithRetry(ctx context.Context, call callOptions, text string) ([]float32, error) {
	logger := logutil.GetLogger(ctx)
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.backoffDelay(attempt)
			logger.Debug("retrying embedding call",
				zap.Int("attempt", attempt), zap.Duration("delay", delay))
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		}
		items, err := e.provider.EmbedBatch(ctx, call.model, []string{text}, call.dims)
		if err != nil {
			if !IsRetryable(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if len(items) == 0 {
			lastErr = &ProviderError{Provider: e.provider.Name(), Retryable: true, Err: NewValidationError("empty response")}
			continue
		}
		vector := items[0].Embedding
		if err := e.validateVector(ctx, vector, call.dims); err != nil {
			if !IsRetryable(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		return vector, nil
	}
	return nil, lastErr
}

// baseDelay doubles from the initial delay and saturates at the cap.
func (e *Embedder) baseDelay(attempt int) time.Duration {
	delay := e.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= e.cfg.MaxBackoff {
			return e.cfg.MaxBackoff
		}
	}
	return delay
}

// backoffDelay adds 0-30% jitter on top of the base delay so a burst of
// failures does not resynchronize.
func (e *Embedder) backoffDelay(attempt int) time.Duration {
	delay := e.baseDelay(attempt)
	jitter := time.Duration(rand.Int63n(int64(delay)*3/10 + 1))
	return delay + jitter
}

func (e *Embedder) validateText(text string) (string, error) {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return "", NewValidationError("empty text")
	}
	if e.cfg.MinTextLen > 0 && len(cleaned) < e.cfg.MinTextLen {
		return "", NewValidationError("text shorter than %d chars", e.cfg.MinTextLen)
	}
	return cleaned, nil
}

func (e *Embedder) truncate(text string) string {
	if len(text) > e.cfg.MaxInputChars {
		return text[:e.cfg.MaxInputChars]
	}
	return text
}

// validateVector enforces the dimension contract. An all-zero vector is a
// provider malfunction that has been observed to be transient, so it is
// retryable; a wrong dimension never fixes itself.
func (e *Embedder) validateVector(ctx context.Context, vector []float32, dims int) error {
	if len(vector) != dims {
		return &ProviderError{
			Provider:  e.provider.Name(),
			Retryable: false,
			Err:       NewValidationError("dimension mismatch: want %d got %d", dims, len(vector)),
		}
	}
	nonZero := 0
	for _, v := range vector {
		if v != 0 {
			nonZero++
		}
	}
	if nonZero == 0 {
		return &ProviderError{
			Provider:  e.provider.Name(),
			Retryable: true,
			Err:       NewValidationError("all-zero vector"),
		}
	}
	if nonZero*100 < dims {
		logutil.GetLogger(ctx).Warn("near-zero embedding vector",
			zap.Int("non_zero", nonZero), zap.Int("dims", dims))
	}
	return nil
}

// placeholder builds a small random non-zero vector so batch callers never
// receive a hole or a shorter slice.
func (e *Embedder) placeholder(dims int) Result {
	vector := make([]float32, dims)
	for i := range vector {
		vector[i] = (rand.Float32() - 0.5) * 0.02
		if vector[i] == 0 {
			vector[i] = 0.001
		}
	}
	return Result{Vector: vector, Degraded: true}
}

func (e *Embedder) persistentGet(ctx context.Context, call callOptions, text string) ([]float32, bool) {
	if e.persistent == nil {
		return nil, false
	}
	vector, ok, err := e.persistent.Get(ctx, call.model, ContentHash(text))
	if err != nil {
		logutil.GetLogger(ctx).Warn("persistent cache lookup failed", zap.Error(err))
		return nil, false
	}
	if !ok || len(vector) != call.dims {
		return nil, false
	}
	return vector, true
}

func (e *Embedder) persistentSave(ctx context.Context, call callOptions, text string, vector []float32) {
	if e.persistent == nil {
		return
	}
	if err := e.persistent.Save(ctx, call.model, ContentHash(text), vector); err != nil {
		logutil.GetLogger(ctx).Warn("persistent cache save failed", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

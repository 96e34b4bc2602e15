package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragbox/internal/ai"
	"github.com/xxxsen/ragbox/internal/embedding"
	"github.com/xxxsen/ragbox/internal/filestore"
	"github.com/xxxsen/ragbox/internal/model"
	appErr "github.com/xxxsen/ragbox/internal/pkg/errors"
	"github.com/xxxsen/ragbox/internal/repo"
	"github.com/xxxsen/ragbox/internal/vectorstore"
)

const resyncPacing = 200 * time.Millisecond

type SearchMatch struct {
	DocumentID string  `json:"document_id"`
	ChunkID    string  `json:"chunk_id"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	Position   int     `json:"position"`
	Score      float32 `json:"score"`
}

// SearchResult degrades instead of failing: when the vector store or the
// embedder is down, Matches is empty and Degraded set, so callers render
// "no context found" rather than an error page.
type SearchResult struct {
	Matches  []SearchMatch `json:"matches"`
	Degraded bool          `json:"degraded"`
}

type RAGService struct {
	embedder  *embedding.Embedder
	store     *vectorstore.Client
	documents *repo.DocumentRepo
	chunker   *ai.Chunker
	files     filestore.Store
	results   *expirable.LRU[string, SearchResult]
}

func NewRAGService(embedder *embedding.Embedder, store *vectorstore.Client, documents *repo.DocumentRepo, files filestore.Store) *RAGService {
	return &RAGService{
		embedder:  embedder,
		store:     store,
		documents: documents,
		chunker:   ai.NewChunker(),
		files:     files,
		results:   expirable.NewLRU[string, SearchResult](2000, nil, 10*time.Minute),
	}
}

// IngestDocument stores a document and indexes its chunks into the vector
// store. Persistence failures on the write path are hard errors.
func (s *RAGService) IngestDocument(ctx context.Context, title, content string, file filestore.ReadSeekCloser, size int64) (*model.Document, error) {
	title = strings.TrimSpace(title)
	if title == "" || strings.TrimSpace(content) == "" {
		return nil, appErr.ErrInvalid
	}
	logger := logutil.GetLogger(ctx).With(zap.String("title", title))

	doc := &model.Document{
		ID:          newID(),
		Title:       title,
		ContentHash: contentHash(content),
	}
	if file != nil {
		doc.FileKey = doc.ID + ".md"
		if err := s.files.Save(ctx, doc.FileKey, file, size); err != nil {
			logger.Error("failed to save original file", zap.Error(err))
			return nil, fmt.Errorf("%w: %v", appErr.ErrIngest, err)
		}
	}
	if err := s.documents.Create(ctx, doc, content); err != nil {
		logger.Error("failed to create document", zap.Error(err))
		return nil, err
	}
	if err := s.indexDocument(ctx, doc, content); err != nil {
		// The row stays stale; the resync job picks it up later.
		logger.Error("failed to index document, left for resync", zap.String("doc_id", doc.ID), zap.Error(err))
		return doc, fmt.Errorf("%w: %v", appErr.ErrIngest, err)
	}
	logger.Info("document ingested", zap.String("doc_id", doc.ID), zap.Int("chunks", doc.ChunkCount))
	return doc, nil
}

// indexDocument chunks, embeds and upserts. Degraded placeholder vectors
// are never written to the store; the document simply stays stale and is
// retried by the resync job.
func (s *RAGService) indexDocument(ctx context.Context, doc *model.Document, content string) error {
	logger := logutil.GetLogger(ctx).With(zap.String("doc_id", doc.ID))
	chunks := s.chunker.Chunk(ctx, content)
	if len(chunks) == 0 {
		return appErr.ErrInvalid
	}
	texts := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		texts = append(texts, chunk.Content)
	}
	results, err := s.embedder.GenerateBatch(ctx, texts)
	if err != nil {
		return err
	}
	vectors := make([]vectorstore.Vector, 0, len(results))
	degraded := 0
	for i, res := range results {
		if res.Degraded {
			degraded++
			continue
		}
		vectors = append(vectors, vectorstore.Vector{
			ID:     chunkID(doc.ID, i),
			Values: res.Vector,
			Metadata: map[string]interface{}{
				"document_id": doc.ID,
				"title":       doc.Title,
				"position":    i,
				"content":     chunks[i].Content,
			},
		})
	}
	if len(vectors) > 0 {
		if _, err := s.store.Upsert(ctx, vectors, ""); err != nil {
			return fmt.Errorf("%w: %v", appErr.ErrUpsert, err)
		}
	}
	if degraded > 0 {
		logger.Warn("some chunks got placeholder embeddings, document stays stale",
			zap.Int("degraded", degraded), zap.Int("total", len(results)))
		return fmt.Errorf("%w: %d of %d chunks degraded", appErr.ErrIngest, degraded, len(results))
	}
	if err := s.documents.MarkEmbedded(ctx, doc.ID, doc.ContentHash, len(chunks)); err != nil {
		return err
	}
	doc.ChunkCount = len(chunks)
	return nil
}

// Search embeds the query and runs a nearest-neighbor lookup. Read-path
// failures degrade to an empty result; only invalid input is an error.
func (s *RAGService) Search(ctx context.Context, query string, topK int, filter vectorstore.Filter) (SearchResult, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("query", query))
	if topK <= 0 {
		topK = 5
	}
	cacheKey := fmt.Sprintf("%d:%s", topK, query)
	if filter == nil {
		if cached, ok := s.results.Get(cacheKey); ok {
			return cached, nil
		}
	}
	res, err := s.embedder.Generate(ctx, query)
	if err != nil {
		if embedding.IsValidationError(err) {
			return SearchResult{}, appErr.ErrInvalid
		}
		logger.Warn("query embedding failed, degrading to empty result", zap.Error(err))
		return SearchResult{Matches: []SearchMatch{}, Degraded: true}, nil
	}
	qres := s.store.Query(ctx, res.Vector, topK, true, filter, "")
	if qres.Failed {
		logger.Warn("vector store query failed", zap.String("reason", qres.ErrMessage))
		return SearchResult{Matches: []SearchMatch{}, Degraded: true}, nil
	}
	matches := make([]SearchMatch, 0, len(qres.Matches))
	for _, m := range qres.Matches {
		matches = append(matches, matchFromStore(m))
	}
	out := SearchResult{Matches: matches}
	if filter == nil {
		s.results.Add(cacheKey, out)
	}
	return out, nil
}

// RetrieveContext builds the grounding text for a chat answer. It shares
// Search's degradation contract and returns "" when nothing was found.
func (s *RAGService) RetrieveContext(ctx context.Context, query string, topK int) (string, error) {
	res, err := s.Search(ctx, query, topK, nil)
	if err != nil {
		return "", err
	}
	if len(res.Matches) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(res.Matches))
	for _, m := range res.Matches {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n\n---\n\n"), nil
}

func (s *RAGService) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	doc, _, err := s.documents.Get(ctx, id)
	return doc, err
}

func (s *RAGService) ListDocuments(ctx context.Context, offset, limit int) ([]model.Document, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.documents.List(ctx, offset, limit)
}

// DeleteDocument drops the chunk vectors first, then the row. Chunk ids
// are deterministic (doc id + position) so no chunk table is needed.
func (s *RAGService) DeleteDocument(ctx context.Context, id string) error {
	doc, _, err := s.documents.Get(ctx, id)
	if err != nil {
		return err
	}
	if doc.ChunkCount > 0 {
		ids := make([]string, 0, doc.ChunkCount)
		for i := 0; i < doc.ChunkCount; i++ {
			ids = append(ids, chunkID(doc.ID, i))
		}
		if err := s.store.Delete(ctx, ids, ""); err != nil {
			return fmt.Errorf("%w: %v", appErr.ErrUpsert, err)
		}
	}
	return s.documents.Delete(ctx, id)
}

// ResyncStale re-indexes documents whose content changed since their last
// successful embedding pass. Runs from the cron job, paced to stay under
// provider rate limits.
func (s *RAGService) ResyncStale(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = 20
	}
	docs, contents, err := s.documents.ListStale(ctx, limit)
	if err != nil {
		return err
	}
	logger := logutil.GetLogger(ctx)
	for i := range docs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		doc := &docs[i]
		if err := s.indexDocument(ctx, doc, contents[doc.ID]); err != nil {
			logger.Warn("resync failed for document", zap.String("doc_id", doc.ID), zap.Error(err))
			continue
		}
		logger.Info("document resynced", zap.String("doc_id", doc.ID), zap.Int("chunks", doc.ChunkCount))
		time.Sleep(resyncPacing)
	}
	return nil
}

func (s *RAGService) CacheStats() embedding.CacheStats {
	return s.embedder.CacheStats()
}

func (s *RAGService) ClearCache() int {
	s.results.Purge()
	return s.embedder.ClearCache()
}

func (s *RAGService) Health(ctx context.Context) vectorstore.HealthStatus {
	return s.store.HealthCheck(ctx)
}

func matchFromStore(m vectorstore.Match) SearchMatch {
	out := SearchMatch{ChunkID: m.ID, Score: m.Score}
	if m.Metadata == nil {
		return out
	}
	if v, ok := m.Metadata["document_id"].(string); ok {
		out.DocumentID = v
	}
	if v, ok := m.Metadata["title"].(string); ok {
		out.Title = v
	}
	if v, ok := m.Metadata["content"].(string); ok {
		out.Content = v
	}
	if v, ok := m.Metadata["position"].(float64); ok {
		out.Position = int(v)
	}
	return out
}

func chunkID(docID string, position int) string {
	return fmt.Sprintf("%s-%d", docID, position)
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

package job

import (
	"context"

	"github.com/xxxsen/ragbox/internal/service"
)

// EmbeddingResyncJob re-indexes documents whose content changed or whose
// indexing failed at upload time.
type EmbeddingResyncJob struct {
	rag   *service.RAGService
	batch int
}

func NewEmbeddingResyncJob(rag *service.RAGService, batch int) *EmbeddingResyncJob {
	return &EmbeddingResyncJob{rag: rag, batch: batch}
}

func (j *EmbeddingResyncJob) Name() string {
	return "embedding_resync"
}

func (j *EmbeddingResyncJob) Run(ctx context.Context) error {
	if j.rag == nil {
		return nil
	}
	return j.rag.ResyncStale(ctx, j.batch)
}

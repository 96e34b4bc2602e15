package model

const (
	DocumentStateNormal  = 1
	DocumentStateDeleted = 2
)

type Document struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	FileKey     string `json:"file_key"`
	ContentHash string `json:"content_hash"`
	ChunkCount  int    `json:"chunk_count"`
	State       int    `json:"state"`
	Ctime       int64  `json:"ctime"`
	Mtime       int64  `json:"mtime"`
}

// Chunk is one embeddable segment of a document. The chunk id doubles as
// the vector id in the vector store.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Position   int    `json:"position"`
	Content    string `json:"content"`
	TokenCount int    `json:"token_count"`
}

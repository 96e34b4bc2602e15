package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/ragbox/internal/model"
	"github.com/xxxsen/ragbox/internal/pkg/dbutil"
	appErr "github.com/xxxsen/ragbox/internal/pkg/errors"
)

var documentFields = []string{"id", "title", "file_key", "content", "content_hash", "embedded_hash", "chunk_count", "state", "ctime", "mtime"}

type DocumentRepo struct {
	db *sql.DB
}

func NewDocumentRepo(db *sql.DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

func (r *DocumentRepo) Create(ctx context.Context, doc *model.Document, content string) error {
	now := time.Now().UnixMilli()
	data := map[string]interface{}{
		"id":            doc.ID,
		"title":         doc.Title,
		"file_key":      doc.FileKey,
		"content":       content,
		"content_hash":  doc.ContentHash,
		"embedded_hash": "",
		"chunk_count":   doc.ChunkCount,
		"state":         model.DocumentStateNormal,
		"ctime":         now,
		"mtime":         now,
	}
	query, args, err := builder.BuildInsert("documents", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	query, args = dbutil.Finalize(query, args)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrConflict
		}
		return err
	}
	return nil
}

func (r *DocumentRepo) Get(ctx context.Context, id string) (*model.Document, string, error) {
	where := map[string]interface{}{
		"id":    id,
		"state": model.DocumentStateNormal,
	}
	query, args, err := builder.BuildSelect("documents", where, documentFields)
	if err != nil {
		return nil, "", err
	}
	query, args = dbutil.Finalize(query, args)
	row := r.db.QueryRowContext(ctx, query, args...)
	var doc model.Document
	var content, embeddedHash string
	if err := row.Scan(&doc.ID, &doc.Title, &doc.FileKey, &content, &doc.ContentHash, &embeddedHash,
		&doc.ChunkCount, &doc.State, &doc.Ctime, &doc.Mtime); err != nil {
		if err == sql.ErrNoRows {
			return nil, "", appErr.ErrNotFound
		}
		return nil, "", err
	}
	return &doc, content, nil
}

func (r *DocumentRepo) List(ctx context.Context, offset, limit int) ([]model.Document, error) {
	where := map[string]interface{}{
		"state":    model.DocumentStateNormal,
		"_orderby": "mtime desc",
		"_limit":   []uint{uint(offset), uint(limit)},
	}
	query, args, err := builder.BuildSelect("documents", where,
		[]string{"id", "title", "file_key", "content_hash", "embedded_hash", "chunk_count", "state", "ctime", "mtime"})
	if err != nil {
		return nil, err
	}
	query, args = dbutil.Finalize(query, args)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []model.Document
	for rows.Next() {
		var doc model.Document
		var embeddedHash string
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.FileKey, &doc.ContentHash, &embeddedHash,
			&doc.ChunkCount, &doc.State, &doc.Ctime, &doc.Mtime); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// MarkEmbedded records that the current content made it into the vector
// store; ListStale compares the two hashes to find pending work.
func (r *DocumentRepo) MarkEmbedded(ctx context.Context, id, contentHash string, chunkCount int) error {
	where := map[string]interface{}{"id": id}
	update := map[string]interface{}{
		"embedded_hash": contentHash,
		"chunk_count":   chunkCount,
		"mtime":         time.Now().UnixMilli(),
	}
	query, args, err := builder.BuildUpdate("documents", where, update)
	if err != nil {
		return err
	}
	query, args = dbutil.Finalize(query, args)
	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

// ListStale returns documents whose content was never embedded or changed
// since the last embedding pass.
func (r *DocumentRepo) ListStale(ctx context.Context, limit int) ([]model.Document, map[string]string, error) {
	const query = `
		SELECT id, title, file_key, content, content_hash, chunk_count, state, ctime, mtime
		FROM documents
		WHERE embedded_hash <> content_hash AND state = $1
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, model.DocumentStateNormal, limit)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var docs []model.Document
	contents := make(map[string]string)
	for rows.Next() {
		var doc model.Document
		var content string
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.FileKey, &content, &doc.ContentHash,
			&doc.ChunkCount, &doc.State, &doc.Ctime, &doc.Mtime); err != nil {
			return nil, nil, err
		}
		docs = append(docs, doc)
		contents[doc.ID] = content
	}
	return docs, contents, rows.Err()
}

func (r *DocumentRepo) Delete(ctx context.Context, id string) error {
	where := map[string]interface{}{"id": id}
	update := map[string]interface{}{
		"state": model.DocumentStateDeleted,
		"mtime": time.Now().UnixMilli(),
	}
	query, args, err := builder.BuildUpdate("documents", where, update)
	if err != nil {
		return err
	}
	query, args = dbutil.Finalize(query, args)
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrNotFound
	}
	return nil
}

package handler

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/ragbox/internal/pkg/errcode"
	appErr "github.com/xxxsen/ragbox/internal/pkg/errors"
	"github.com/xxxsen/ragbox/internal/pkg/response"
	"github.com/xxxsen/ragbox/internal/service"
)

const maxUploadBytes = 8 << 20

type DocumentHandler struct {
	rag *service.RAGService
}

func NewDocumentHandler(rag *service.RAGService) *DocumentHandler {
	return &DocumentHandler{rag: rag}
}

type createDocumentRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (h *DocumentHandler) Create(c *gin.Context) {
	var req createDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	doc, err := h.rag.IngestDocument(c.Request.Context(), req.Title, req.Content, nil, 0)
	if err != nil {
		if errors.Is(err, appErr.ErrIngest) || errors.Is(err, appErr.ErrUpsert) {
			response.Error(c, errcode.ErrIngestFailed, "document stored but indexing failed")
			return
		}
		handleError(c, err)
		return
	}
	response.Success(c, doc)
}

// Upload takes a multipart markdown file; the body doubles as content.
func (h *DocumentHandler) Upload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		response.Error(c, errcode.ErrInvalidFile, "file is required")
		return
	}
	if header.Size > maxUploadBytes {
		response.Error(c, errcode.ErrInvalidFile, "file too large")
		return
	}
	file, err := header.Open()
	if err != nil {
		response.Error(c, errcode.ErrUploadFailed, "cannot read upload")
		return
	}
	defer file.Close()
	raw, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		response.Error(c, errcode.ErrUploadFailed, "cannot read upload")
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		response.Error(c, errcode.ErrUploadFailed, "cannot read upload")
		return
	}
	title := strings.TrimSuffix(header.Filename, ".md")
	doc, err := h.rag.IngestDocument(c.Request.Context(), title, string(raw), file, header.Size)
	if err != nil {
		if errors.Is(err, appErr.ErrIngest) || errors.Is(err, appErr.ErrUpsert) {
			response.Error(c, errcode.ErrIngestFailed, "document stored but indexing failed")
			return
		}
		handleError(c, err)
		return
	}
	response.Success(c, doc)
}

func (h *DocumentHandler) Get(c *gin.Context) {
	doc, err := h.rag.GetDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, doc)
}

func (h *DocumentHandler) List(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	docs, err := h.rag.ListDocuments(c.Request.Context(), offset, limit)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"documents": docs})
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	if err := h.rag.DeleteDocument(c.Request.Context(), c.Param("id")); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"deleted": true})
}

package handler

import (
	"fmt"
	"net/http"
	"time"

	"basegraph.app/analysisd/common/id"
	"basegraph.app/analysisd/internal/domain"
	"basegraph.app/analysisd/internal/http/dto"
	"basegraph.app/analysisd/internal/store"
	"github.com/gin-gonic/gin"
)

// DocumentHandler exposes document CRUD over HTTP.
type DocumentHandler struct {
	Documents *store.DocumentStore
}

// Upsert handles PUT /documents/{id}.
func (h *DocumentHandler) Upsert(c *gin.Context) {
	ctx := c.Request.Context()
	var req dto.UpsertDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	docID := c.Param("id")
	if docID == "" {
		docID = fmt.Sprintf("doc_%d", id.New())
	}
	d := &domain.Document{
		DocID:     docID,
		Title:     req.Title,
		Author:    req.Author,
		Role:      req.Role,
		Content:   req.Content,
		CharCount: len(req.Content),
		CreatedAt: time.Now(),
	}
	if err := h.Documents.Upsert(ctx, h.Documents.HandleConn(), d); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, dto.ToDocumentResponse(d))
}

// Get handles GET /documents/{id}.
func (h *DocumentHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	d, err := h.Documents.Get(ctx, c.Param("id"))
	if err != nil {
		failStore(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.ToDocumentResponse(d))
}

// Delete handles DELETE /documents/{id}.
func (h *DocumentHandler) Delete(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.Documents.Delete(ctx, c.Param("id")); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

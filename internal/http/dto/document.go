package dto

import (
	"time"

	"basegraph.app/analysisd/internal/domain"
)

// UpsertDocumentRequest is the body of PUT /documents/{id}.
type UpsertDocumentRequest struct {
	Title   string `json:"title"`
	Author  string `json:"author"`
	Role    string `json:"role"` // "target" or "prior"
	Content string `json:"content" binding:"required"`
}

type DocumentResponse struct {
	DocID     string    `json:"doc_id"`
	Title     string    `json:"title"`
	Author    string    `json:"author,omitempty"`
	Role      string    `json:"role"`
	CharCount int       `json:"char_count"`
	CreatedAt time.Time `json:"created_at"`
}

func ToDocumentResponse(d *domain.Document) DocumentResponse {
	return DocumentResponse{
		DocID:     d.DocID,
		Title:     d.Title,
		Author:    d.Author,
		Role:      d.Role,
		CharCount: d.CharCount,
		CreatedAt: d.CreatedAt,
	}
}

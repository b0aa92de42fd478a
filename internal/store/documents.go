package store

import (
	"context"
	"database/sql"
	"errors"

	"basegraph.app/analysisd/core/db"
	"basegraph.app/analysisd/internal/domain"
)

// DocumentStore persists source documents attached to jobs.
type DocumentStore struct {
	db *db.DB
}

// HandleConn exposes the store's root (non-transactional) connection, for
// callers issuing a single statement outside of WithTx.
func (s *DocumentStore) HandleConn() db.Conn {
	return s.db.Handle()
}

// Upsert inserts or replaces a document by ID.
func (s *DocumentStore) Upsert(ctx context.Context, conn db.Conn, d *domain.Document) error {
	_, err := s.getRaw(ctx, conn, d.DocID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil {
		_, err := conn.ExecContext(ctx, `
			UPDATE executor_documents SET title = ?, author = ?, role = ?, content = ?, char_count = ?
			WHERE doc_id = ?`, d.Title, d.Author, d.Role, d.Content, d.CharCount, d.DocID)
		return err
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO executor_documents (doc_id, title, author, role, content, char_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.DocID, d.Title, d.Author, d.Role, d.Content, d.CharCount, formatTime(d.CreatedAt))
	return err
}

// Get loads a document by ID. If no row exists, Get returns a placeholder
// document rather than ErrNotFound: the spec treats a document referenced
// by ID before its content arrives as a valid (if empty) context input,
// not a failure.
func (s *DocumentStore) Get(ctx context.Context, docID string) (*domain.Document, error) {
	d, err := s.getRaw(ctx, s.db.Handle(), docID)
	if errors.Is(err, ErrNotFound) {
		return &domain.Document{DocID: docID, Placeholder: true}, nil
	}
	return d, err
}

func (s *DocumentStore) getRaw(ctx context.Context, conn db.Conn, docID string) (*domain.Document, error) {
	row := conn.QueryRowContext(ctx, `
		SELECT doc_id, title, author, role, content, char_count, created_at
		FROM executor_documents WHERE doc_id = ?`, docID)

	var (
		d         domain.Document
		author    sql.NullString
		createdAt string
	)
	if err := row.Scan(&d.DocID, &d.Title, &author, &d.Role, &d.Content, &d.CharCount, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d.Author = author.String
	d.CreatedAt = parseTime(createdAt)
	return &d, nil
}

// Delete removes a document by ID. Deleting a document already referenced
// by a job's DocumentIDs is allowed — later reads fall back to a
// placeholder, same as a document never uploaded.
func (s *DocumentStore) Delete(ctx context.Context, docID string) error {
	_, err := s.db.Handle().ExecContext(ctx, `DELETE FROM executor_documents WHERE doc_id = ?`, docID)
	return err
}

// GetMany resolves a set of document IDs in one pass, returning placeholder
// documents for any ID with no matching row.
func (s *DocumentStore) GetMany(ctx context.Context, docIDs []string) ([]*domain.Document, error) {
	docs := make([]*domain.Document, 0, len(docIDs))
	for _, id := range docIDs {
		d, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// Package repository is the document record store. It owns the one persistent
// entity in the system and every status transition a record can make.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DocumentStatus enumerates the lifecycle of an uploaded document.
type DocumentStatus string

const (
	StatusUploaded  DocumentStatus = "uploaded"
	StatusProcessed DocumentStatus = "processed"
	StatusFailed    DocumentStatus = "failed"
)

var (
	// ErrNotFound is returned when no record matches, or when a conditional
	// update matched zero rows (e.g. a completion racing a delete).
	ErrNotFound = errors.New("document not found")
	// ErrNameTaken is returned when an artifact name claim loses to an
	// existing record holding the same name.
	ErrNameTaken = errors.New("artifact name already claimed")
)

// Document represents a row in the documents table.
type Document struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	FileName     string         `json:"fileName"`
	RawKey       string         `json:"-"`
	Status       DocumentStatus `json:"status"`
	Text         *string        `json:"text,omitempty"`
	ArtifactName *string        `json:"artifactName,omitempty"`
	ArtifactURL  *string        `json:"artifactUrl,omitempty"`
	ErrorMessage *string        `json:"errorMessage,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// DocumentStore is the persistence contract shared by the API and the worker.
// The Postgres implementation below is used in production; the memory
// implementation backs tests.
type DocumentStore interface {
	Create(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	Delete(ctx context.Context, id string) error
	ListByOwner(ctx context.Context, userID string, page, limit int) ([]Document, int, error)
	SearchText(ctx context.Context, userID, query string) ([]Document, error)
	FindByArtifactName(ctx context.Context, userID, name string) (*Document, error)
	ClaimArtifactName(ctx context.Context, id, name string) error
	MarkProcessed(ctx context.Context, id, text, artifactURL string) error
	MarkFailed(ctx context.Context, id, msg string) error
}

// DocumentRepository wraps all SQL used throughout the API and worker.
type DocumentRepository struct {
	pool *pgxpool.Pool
}

// NewDocumentRepository constructs a repository.
func NewDocumentRepository(pool *pgxpool.Pool) *DocumentRepository {
	return &DocumentRepository{pool: pool}
}

const documentColumns = `id, user_id, file_name, raw_key, status, text_content, artifact_name, artifact_url, error_message, created_at, updated_at`

// Create inserts a freshly uploaded document. The record always starts in
// status uploaded with no extracted text and no artifact.
func (r *DocumentRepository) Create(ctx context.Context, doc *Document) error {
	now := time.Now().UTC()
	doc.Status = StatusUploaded
	doc.Text = nil
	doc.ArtifactName = nil
	doc.ArtifactURL = nil
	doc.CreatedAt = now
	doc.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO documents (id, user_id, file_name, raw_key, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, doc.ID, doc.UserID, doc.FileName, doc.RawKey, doc.Status, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// Get returns a document by id.
func (r *DocumentRepository) Get(ctx context.Context, id string) (*Document, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select document: %w", err)
	}
	return doc, nil
}

// Delete removes the record. The caller must have already deleted (or
// confirmed absent) the remote artifact; record removal is the last step of
// the deletion ordering contract.
func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM documents WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOwner returns one page of the owner's documents, newest first, plus
// the total count across all pages.
func (r *DocumentRepository) ListByOwner(ctx context.Context, userID string, page, limit int) ([]Document, int, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit
	rows, err := r.pool.Query(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE user_id=$1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}
	docs, err := collectDocuments(rows)
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents WHERE user_id=$1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}
	return docs, total, nil
}

// SearchText performs a case-insensitive substring match against extracted
// text. Records still awaiting processing carry no text and never match.
func (r *DocumentRepository) SearchText(ctx context.Context, userID, query string) ([]Document, error) {
	pattern := "%" + escapeLike(query) + "%"
	rows, err := r.pool.Query(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE user_id=$1 AND status=$2 AND text_content ILIKE $3
		ORDER BY created_at DESC
	`, userID, StatusProcessed, pattern)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	return collectDocuments(rows)
}

// FindByArtifactName returns the owner's record carrying the artifact name.
func (r *DocumentRepository) FindByArtifactName(ctx context.Context, userID, name string) (*Document, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE user_id=$1 AND artifact_name=$2`, userID, name)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select by artifact name: %w", err)
	}
	return doc, nil
}

// ClaimArtifactName atomically claims a unique artifact name for the record.
// The partial unique index turns the claim into a single conditional write:
// a concurrent claim for the same name fails with ErrNameTaken and the caller
// probes the next candidate. Re-claiming a name the record already holds
// succeeds so a retried pipeline run is idempotent.
func (r *DocumentRepository) ClaimArtifactName(ctx context.Context, id, name string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE documents SET artifact_name=$2, updated_at=$3
		WHERE id=$1 AND (artifact_name IS NULL OR artifact_name=$2)
	`, id, name, time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrNameTaken
		}
		return fmt.Errorf("claim artifact name: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkProcessed applies the completion patch. The update is conditional on
// the row still existing and not already being processed, so a late
// completion can never resurrect a deleted record.
func (r *DocumentRepository) MarkProcessed(ctx context.Context, id, text, artifactURL string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE documents
		SET status=$2, text_content=$3, artifact_url=$4, error_message=NULL, updated_at=$5
		WHERE id=$1 AND status<>$2
	`, id, StatusProcessed, text, artifactURL, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a failed processing attempt with its message.
func (r *DocumentRepository) MarkFailed(ctx context.Context, id, msg string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE documents SET status=$2, error_message=$3, updated_at=$4
		WHERE id=$1 AND status<>$5
	`, id, StatusFailed, msg, time.Now().UTC(), StatusProcessed)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDocument(row pgx.Row) (*Document, error) {
	var doc Document
	if err := row.Scan(
		&doc.ID, &doc.UserID, &doc.FileName, &doc.RawKey, &doc.Status,
		&doc.Text, &doc.ArtifactName, &doc.ArtifactURL, &doc.ErrorMessage,
		&doc.CreatedAt, &doc.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &doc, nil
}

func collectDocuments(rows pgx.Rows) ([]Document, error) {
	defer rows.Close()
	docs := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

func escapeLike(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(s)
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/docgrove/docgrove/internal/config"
	"github.com/docgrove/docgrove/internal/core"
	"github.com/docgrove/docgrove/internal/models"
)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (core.DbClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Sensible pool settings for an API service; adjust as needed.
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	const q = `
		INSERT INTO documents
			(id, owner_id, title, file_name, content_type, raw_blob_path, status, progress, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()), COALESCE($10, now()))
	`
	_, err := c.db.ExecContext(ctx, q,
		doc.ID, doc.OwnerID, doc.Title, doc.FileName, doc.ContentType,
		doc.RawBlobPath, doc.Status, doc.Progress, doc.CreatedAt, doc.UpdatedAt)
	return err
}

func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	const q = `
		SELECT id, owner_id, title, file_name, content_type, raw_blob_path,
		       status, progress, batch_count, current_batch,
		       COALESCE(layout_summary::text, ''), error_message, created_at, updated_at
		FROM documents
		WHERE id = $1
	`
	var d models.Document
	err := c.db.QueryRowContext(ctx, q, id).Scan(
		&d.ID, &d.OwnerID, &d.Title, &d.FileName, &d.ContentType, &d.RawBlobPath,
		&d.Status, &d.Progress, &d.BatchCount, &d.CurrentBatch,
		&d.LayoutSummary, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *DatabaseClient) ListDocumentsByOwner(ctx context.Context, ownerID string) ([]models.Document, error) {
	const q = `
		SELECT id, owner_id, title, file_name, content_type, status, progress,
		       batch_count, current_batch, error_message, created_at, updated_at
		FROM documents
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`
	rows, err := c.db.QueryContext(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(
			&d.ID, &d.OwnerID, &d.Title, &d.FileName, &d.ContentType, &d.Status, &d.Progress,
			&d.BatchCount, &d.CurrentBatch, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateStatus sets the status and raises progress. GREATEST keeps progress
// monotonic even if a slow writer lands after a faster one.
func (c *DatabaseClient) UpdateStatus(ctx context.Context, id, status string, progress int) error {
	const q = `
		UPDATE documents
		SET status = $2, progress = GREATEST(progress, $3), updated_at = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, id, status, progress)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("document not found: %s", id)
	}
	return nil
}

func (c *DatabaseClient) SetError(ctx context.Context, id, message string) error {
	const q = `
		UPDATE documents
		SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1
	`
	_, err := c.db.ExecContext(ctx, q, id, models.StatusError, message)
	return err
}

func (c *DatabaseClient) SaveBatchLayout(ctx context.Context, id string, batchCount int, summaryJSON string, progress int) error {
	const q = `
		UPDATE documents
		SET batch_count = $2,
		    layout_summary = $3::jsonb,
		    current_batch = 0,
		    status = $4,
		    progress = GREATEST(progress, $5),
		    updated_at = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, id, batchCount, summaryJSON, models.StatusEmbedding, progress)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("document not found: %s", id)
	}
	return nil
}

// AdvanceCursor moves the batch cursor forward. Both fields are monotonic
// so a duplicate invocation replaying an old batch can never rewind the
// checkpoint of a newer one.
func (c *DatabaseClient) AdvanceCursor(ctx context.Context, id string, currentBatch, progress int) error {
	const q = `
		UPDATE documents
		SET current_batch = GREATEST(current_batch, $2),
		    progress = GREATEST(progress, $3),
		    updated_at = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, id, currentBatch, progress)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("document not found: %s", id)
	}
	return nil
}

func (c *DatabaseClient) ClearRawBlobPath(ctx context.Context, id string) error {
	const q = `
		UPDATE documents
		SET raw_blob_path = '', updated_at = now()
		WHERE id = $1
	`
	_, err := c.db.ExecContext(ctx, q, id)
	return err
}

func (c *DatabaseClient) ClearError(ctx context.Context, id, status string) error {
	const q = `
		UPDATE documents
		SET status = $2, error_message = '', updated_at = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, id, status)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("document not found: %s", id)
	}
	return nil
}

func (c *DatabaseClient) MarkComplete(ctx context.Context, id string) error {
	const q = `
		UPDATE documents
		SET status = $2, progress = 100, layout_summary = NULL,
		    error_message = '', updated_at = now()
		WHERE id = $1
	`
	_, err := c.db.ExecContext(ctx, q, id, models.StatusComplete)
	return err
}

func (c *DatabaseClient) DeleteDocument(ctx context.Context, id string) error {
	const q = `DELETE FROM documents WHERE id = $1`
	_, err := c.db.ExecContext(ctx, q, id)
	return err
}

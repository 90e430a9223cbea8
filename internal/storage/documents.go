package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/docpipeline/internal/model"
)

const documentColumns = `
	id, storage_path, original_filename, mime_type, file_size_bytes,
	classification, confidence, label_scores, classification_source,
	ocr_storage_path, metadata, corrected_at, created_at, updated_at`

// Insert creates a new document row. createdAt, updatedAt, classification,
// and classificationSource are assigned here per spec invariants; callers
// supply only the upload-time fields.
func (db *DB) Insert(ctx context.Context, storagePath, originalFilename, mimeType string, fileSizeBytes int64, metadata map[string]string) (model.Document, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return model.Document{}, fmt.Errorf("storage: marshal metadata: %w", err)
	}

	doc := model.Document{
		ID:                   uuid.New(),
		StoragePath:          storagePath,
		OriginalFilename:     originalFilename,
		MimeType:             mimeType,
		FileSizeBytes:        fileSizeBytes,
		Classification:       model.ClassificationUnclassified,
		ClassificationSource: model.SourceML,
		Metadata:             metadata,
	}

	row := db.pool.QueryRow(ctx, `
		INSERT INTO documents (
			id, storage_path, original_filename, mime_type, file_size_bytes,
			classification, classification_source, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING created_at, updated_at`,
		doc.ID, doc.StoragePath, doc.OriginalFilename, doc.MimeType, doc.FileSizeBytes,
		doc.Classification, doc.ClassificationSource, metaJSON,
	)
	if err := row.Scan(&doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return model.Document{}, classify("insert document", err)
	}
	return doc, nil
}

// GetByID returns the document or ErrNotFound. A malformed identifier never
// reaches this call — handlers validate with uuid.Parse first, per the
// repository's "absent, not error" contract for bad IDs.
func (db *DB) GetByID(ctx context.Context, id uuid.UUID) (model.Document, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Document{}, ErrNotFound
		}
		return model.Document{}, classify("get document", err)
	}
	return doc, nil
}

// List returns documents filtered by classification (when non-empty),
// ordered newest-first with a deterministic tiebreak on id, bounded by
// limit/offset.
func (db *DB) List(ctx context.Context, classification string, limit, offset int) ([]model.Document, error) {
	var rows pgx.Rows
	var err error
	if classification == "" {
		rows, err = db.pool.Query(ctx, `
			SELECT `+documentColumns+` FROM documents
			ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
	} else {
		rows, err = db.pool.Query(ctx, `
			SELECT `+documentColumns+` FROM documents
			WHERE classification = $1
			ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, classification, limit, offset)
	}
	if err != nil {
		return nil, classify("list documents", err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

// SearchMetadata returns documents whose metadata contains all of the
// supplied key/value pairs (jsonb containment, not prefix matching). An
// empty query matches none — see the repository's documented resolution of
// the spec's open question on this behavior.
func (db *DB) SearchMetadata(ctx context.Context, pairs map[string]string, limit int) ([]model.Document, error) {
	if len(pairs) == 0 {
		return []model.Document{}, nil
	}
	queryJSON, err := json.Marshal(pairs)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal metadata query: %w", err)
	}

	rows, err := db.pool.Query(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE metadata @> $1::jsonb
		ORDER BY created_at DESC LIMIT $2`, queryJSON, limit)
	if err != nil {
		return nil, classify("search metadata", err)
	}
	defer rows.Close()
	return collectDocuments(rows)
}

// UpdateClassification conditionally applies an automatic classification
// verdict. It is a no-op unless the document exists, has never been
// manually corrected, and has never received a prior ML verdict — i.e. it
// fires at most once per document, making duplicate broker deliveries safe.
// Returns false (no error) when the condition did not hold.
func (db *DB) UpdateClassification(ctx context.Context, id uuid.UUID, classification string, confidence float64, ocrPath *string, labelScores map[string]float64) (bool, error) {
	var scoresJSON []byte
	if labelScores != nil {
		var err error
		scoresJSON, err = json.Marshal(labelScores)
		if err != nil {
			return false, fmt.Errorf("storage: marshal label scores: %w", err)
		}
	}

	var applied bool
	// Concurrent worker deliveries for the same document (and a racing human
	// correction) can collide on this conditional UPDATE; retry serialization
	// failures and deadlocks rather than surfacing them to the caller.
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tag, err := db.pool.Exec(ctx, `
			UPDATE documents SET
				classification = $2,
				confidence = $3,
				ocr_storage_path = $4,
				label_scores = $5,
				classification_source = 'ml',
				updated_at = now()
			WHERE id = $1
			  AND classification_source <> 'manual'
			  AND classification = 'unclassified'`,
			id, classification, confidence, ocrPath, scoresJSON,
		)
		if err != nil {
			return err
		}
		applied = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, classify("update classification", err)
	}
	return applied, nil
}

// CorrectClassification unconditionally applies a human correction.
// Returns false if the document does not exist.
func (db *DB) CorrectClassification(ctx context.Context, id uuid.UUID, newLabel string) (bool, error) {
	var applied bool
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tag, err := db.pool.Exec(ctx, `
			UPDATE documents SET
				classification = $2,
				classification_source = 'manual',
				corrected_at = now(),
				updated_at = now()
			WHERE id = $1`,
			id, newLabel,
		)
		if err != nil {
			return err
		}
		applied = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, classify("correct classification", err)
	}
	return applied, nil
}

// ResetClassification returns a document to its unclassified state, used by
// the retry endpoint before re-publishing a classify message.
func (db *DB) ResetClassification(ctx context.Context, id uuid.UUID) (bool, error) {
	var applied bool
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tag, err := db.pool.Exec(ctx, `
			UPDATE documents SET
				classification = 'unclassified',
				confidence = NULL,
				ocr_storage_path = NULL,
				label_scores = NULL,
				updated_at = now()
			WHERE id = $1`,
			id,
		)
		if err != nil {
			return err
		}
		applied = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, classify("reset classification", err)
	}
	return applied, nil
}

// Delete removes a document row. Returns false if it did not exist.
func (db *DB) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return false, classify("delete document", err)
	}
	return tag.RowsAffected() == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (model.Document, error) {
	var doc model.Document
	var metaJSON, scoresJSON []byte

	err := row.Scan(
		&doc.ID, &doc.StoragePath, &doc.OriginalFilename, &doc.MimeType, &doc.FileSizeBytes,
		&doc.Classification, &doc.Confidence, &scoresJSON, &doc.ClassificationSource,
		&doc.OCRStoragePath, &metaJSON, &doc.CorrectedAt, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return model.Document{}, err
	}

	doc.Metadata = map[string]string{}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &doc.Metadata); err != nil {
			return model.Document{}, fmt.Errorf("storage: unmarshal metadata: %w", err)
		}
	}
	if len(scoresJSON) > 0 {
		if err := json.Unmarshal(scoresJSON, &doc.LabelScores); err != nil {
			return model.Document{}, fmt.Errorf("storage: unmarshal label scores: %w", err)
		}
	}
	return doc, nil
}

func collectDocuments(rows pgx.Rows) ([]model.Document, error) {
	docs := []model.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, classify("scan document", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate documents", err)
	}
	return docs, nil
}

// Package model holds the domain types shared across the document pipeline:
// the Document entity, its wire representations, and the queue message
// envelope that carries a document through classification.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClassificationUnclassified is the default classification assigned at upload.
const ClassificationUnclassified = "unclassified"

// ClassificationSource records whether the current label came from the
// classifier or from a human correction.
type ClassificationSource string

const (
	SourceML     ClassificationSource = "ml"
	SourceManual ClassificationSource = "manual"
)

// Document is the central entity: an uploaded file, its storage location,
// and its current classification verdict.
//
// Invariants (see SPEC_FULL.md §3):
//  1. ID is unique and never reused.
//  2. Classification == "unclassified" implies Confidence == nil and OCRStoragePath == nil.
//  3. Once ClassificationSource == SourceManual, no automatic update may overwrite
//     Classification, Confidence, or LabelScores.
//  4. UpdatedAt >= CreatedAt and is monotonically non-decreasing.
//  5. LabelScores, when present, contains Classification as a key.
type Document struct {
	ID                   uuid.UUID            `json:"id"`
	StoragePath          string               `json:"storage_path"`
	OriginalFilename     string               `json:"original_filename"`
	MimeType             string               `json:"mime_type"`
	FileSizeBytes        int64                `json:"file_size_bytes"`
	Classification       string               `json:"classification"`
	Confidence           *float64             `json:"confidence,omitempty"`
	LabelScores          map[string]float64   `json:"label_scores,omitempty"`
	ClassificationSource ClassificationSource `json:"classification_source"`
	OCRStoragePath       *string              `json:"ocr_storage_path,omitempty"`
	Metadata             map[string]string    `json:"metadata"`
	CorrectedAt          *time.Time           `json:"corrected_at,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// DocumentMessage is the wire payload published to exchange.document and
// consumed from queue.classification. Consumers must tolerate unknown
// additional fields (forward compatibility) via json.Unmarshal's default
// ignore-unknown-field behavior; they must never hand-decode with strict
// field checking on this type.
type DocumentMessage struct {
	DocumentID    uuid.UUID `json:"documentId"`
	Action        string    `json:"action"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// ActionClassify is the only action the worker currently knows how to run.
const ActionClassify = "classify"

// MaxUploadFilenameLength bounds the original filename to a sane size;
// the real limit in practice is MIME-length-driven, but a hard cap keeps
// the metadata column bounded.
const MaxUploadFilenameLength = 512

// ValidateUploadFilename rejects path-traversal-shaped filenames before any
// storage call, per spec §8 boundary behavior: a filename containing '/' or
// '\' is rejected before touching the blob store.
func ValidateUploadFilename(name string) error {
	if name == "" {
		return fmt.Errorf("filename is required")
	}
	if len(name) > MaxUploadFilenameLength {
		return fmt.Errorf("filename must be at most %d characters", MaxUploadFilenameLength)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("filename must not contain path separators")
	}
	return nil
}

// ValidateClassificationLabel checks a manually-supplied classification label.
// Labels follow the same conservative charset as the rest of the system's
// short identifiers: letters, digits, hyphens, underscores.
func ValidateClassificationLabel(label string) error {
	if label == "" {
		return fmt.Errorf("classification is required")
	}
	if len(label) > 128 {
		return fmt.Errorf("classification must be at most 128 characters")
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return fmt.Errorf("classification contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

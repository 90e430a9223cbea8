// Package blobstore persists uploaded file bytes and OCR artifacts under a
// configurable root directory, laid out by date so no single directory
// accumulates an unbounded number of entries.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store is the narrow interface the API and worker depend on; the only
// implementation is the local filesystem Store below, but handlers and the
// worker pipeline depend on this interface so tests can supply a fake.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// FSStore is a local-filesystem Store rooted at Root.
type FSStore struct {
	Root string
}

// New returns an FSStore rooted at root. The directory is created if absent.
func New(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	return &FSStore{Root: root}, nil
}

// UploadKey computes the storage key for a newly uploaded document using
// the {yyyy}/{MM}/{dd}/{id}.{ext} layout named in spec §6.
func UploadKey(now time.Time, id uuid.UUID, originalFilename string) string {
	ext := strings.TrimPrefix(filepath.Ext(originalFilename), ".")
	name := id.String()
	if ext != "" {
		name += "." + ext
	}
	return filepath.Join(now.Format("2006"), now.Format("01"), now.Format("02"), name)
}

// OCRKey computes the storage key for a document's OCR artifact, relative
// to the same root as the original upload.
func OCRKey(id uuid.UUID) string {
	return filepath.Join(id.String()+"-ocr", "ocr-results.json")
}

func (s *FSStore) resolve(key string) (string, error) {
	full := filepath.Join(s.Root, filepath.FromSlash(key))
	if !strings.HasPrefix(full, filepath.Clean(s.Root)+string(os.PathSeparator)) && full != filepath.Clean(s.Root) {
		return "", fmt.Errorf("blobstore: key escapes root: %q", key)
	}
	return full, nil
}

// Put writes r to key, creating parent directories as needed.
func (s *FSStore) Put(ctx context.Context, key string, r io.Reader) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("blobstore: mkdir: %w", err)
	}
	f, err := os.Create(full)
	if err != nil {
		return fmt.Errorf("blobstore: create: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("blobstore: write: %w", err)
	}
	return nil
}

// Get opens key for reading. Callers must Close the returned ReadCloser.
func (s *FSStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	full, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("blobstore: open: %w", err)
	}
	return f, nil
}

// Delete removes key. Missing files are not treated as an error.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: remove: %w", err)
	}
	return nil
}

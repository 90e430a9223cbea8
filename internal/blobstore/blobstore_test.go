package blobstore_test

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/docpipeline/internal/blobstore"
)

func TestUploadKeyLayout(t *testing.T) {
	id := uuid.New()
	now := time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)
	key := blobstore.UploadKey(now, id, "report.pdf")
	assert.Equal(t, "2026/03/07/"+id.String()+".pdf", key)
}

func TestUploadKeyNoExtension(t *testing.T) {
	id := uuid.New()
	now := time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)
	key := blobstore.UploadKey(now, id, "noext")
	assert.Equal(t, "2026/03/07/"+id.String(), key)
}

func TestOCRKeyLayout(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, id.String()+"-ocr/ocr-results.json", blobstore.OCRKey(id))
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)

	ctx := t.Context()
	key := "2026/03/07/doc.pdf"
	require.NoError(t, store.Put(ctx, key, bytes.NewReader([]byte("hello"))))

	rc, err := store.Get(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	_ = rc.Close()
	assert.Equal(t, "hello", string(data))

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	assert.Error(t, err)
}

func TestDeleteMissingIsNotError(t *testing.T) {
	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, store.Delete(t.Context(), "does/not/exist.pdf"))
}

func TestPutRejectsKeyEscapingRoot(t *testing.T) {
	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	err = store.Put(t.Context(), "../escape.pdf", bytes.NewReader(nil))
	assert.Error(t, err)
}

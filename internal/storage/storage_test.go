package storage_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/ashita-ai/docpipeline/internal/model"
	"github.com/ashita-ai/docpipeline/internal/storage"
	"github.com/ashita-ai/docpipeline/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("docpipeline"),
		postgres.WithUsername("docpipeline"),
		postgres.WithPassword("docpipeline"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get connection string: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	testDB, err = storage.New(ctx, dsn, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	if err := testDB.RunMigrations(ctx, migrations.FS); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func TestInsertAndGetByID(t *testing.T) {
	ctx := context.Background()

	doc, err := testDB.Insert(ctx, "2026/01/15/abc.pdf", "report.pdf", "application/pdf", 4096,
		map[string]string{"department": "finance", "unicode": "café ☃"})
	require.NoError(t, err)
	assert.Equal(t, model.ClassificationUnclassified, doc.Classification)
	assert.Equal(t, model.SourceML, doc.ClassificationSource)

	got, err := testDB.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, "report.pdf", got.OriginalFilename)
	assert.Equal(t, "café ☃", got.Metadata["unicode"])
}

func TestGetByIDNotFound(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListFiltersByClassification(t *testing.T) {
	ctx := context.Background()

	doc, err := testDB.Insert(ctx, "path/a", "a.pdf", "application/pdf", 10, nil)
	require.NoError(t, err)

	ok, err := testDB.UpdateClassification(ctx, doc.ID, "invoice", 0.95, nil, map[string]float64{"invoice": 0.95})
	require.NoError(t, err)
	assert.True(t, ok)

	results, err := testDB.List(ctx, "invoice", 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, d := range results {
		assert.Equal(t, "invoice", d.Classification)
	}
}

func TestSearchMetadataContainment(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.Insert(ctx, "path/b", "b.pdf", "application/pdf", 10,
		map[string]string{"department": "legal", "region": "us"})
	require.NoError(t, err)

	results, err := testDB.SearchMetadata(ctx, map[string]string{"department": "legal"}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, d := range results {
		assert.Equal(t, "legal", d.Metadata["department"])
	}
}

func TestSearchMetadataEmptyQueryMatchesNone(t *testing.T) {
	ctx := context.Background()

	results, err := testDB.SearchMetadata(ctx, map[string]string{}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestUpdateClassificationFiresOnce(t *testing.T) {
	ctx := context.Background()

	doc, err := testDB.Insert(ctx, "path/c", "c.pdf", "application/pdf", 10, nil)
	require.NoError(t, err)

	ok, err := testDB.UpdateClassification(ctx, doc.ID, "contract", 0.8, nil, map[string]float64{"contract": 0.8})
	require.NoError(t, err)
	assert.True(t, ok, "first automatic classification should succeed")

	ok, err = testDB.UpdateClassification(ctx, doc.ID, "invoice", 0.99, nil, map[string]float64{"invoice": 0.99})
	require.NoError(t, err)
	assert.False(t, ok, "duplicate delivery must not overwrite the first verdict")

	got, err := testDB.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "contract", got.Classification)
}

func TestUpdateClassificationBlockedByManualCorrection(t *testing.T) {
	ctx := context.Background()

	doc, err := testDB.Insert(ctx, "path/d", "d.pdf", "application/pdf", 10, nil)
	require.NoError(t, err)

	ok, err := testDB.CorrectClassification(ctx, doc.ID, "receipt")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = testDB.UpdateClassification(ctx, doc.ID, "invoice", 0.5, nil, nil)
	require.NoError(t, err)
	assert.False(t, ok, "manual correction must never be overwritten by an automatic update")

	got, err := testDB.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "receipt", got.Classification)
	assert.Equal(t, model.SourceManual, got.ClassificationSource)
	assert.NotNil(t, got.CorrectedAt)
}

func TestResetClassification(t *testing.T) {
	ctx := context.Background()

	doc, err := testDB.Insert(ctx, "path/e", "e.pdf", "application/pdf", 10, nil)
	require.NoError(t, err)

	_, err = testDB.UpdateClassification(ctx, doc.ID, "invoice", 0.9, nil, map[string]float64{"invoice": 0.9})
	require.NoError(t, err)

	ok, err := testDB.ResetClassification(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := testDB.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ClassificationUnclassified, got.Classification)
	assert.Nil(t, got.Confidence)
	assert.Nil(t, got.LabelScores)
}

func TestDeleteDocument(t *testing.T) {
	ctx := context.Background()

	doc, err := testDB.Insert(ctx, "path/f", "f.pdf", "application/pdf", 10, nil)
	require.NoError(t, err)

	ok, err := testDB.Delete(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = testDB.GetByID(ctx, doc.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ok, err = testDB.Delete(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, ok, "deleting an already-deleted document returns false")
}

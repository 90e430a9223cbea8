package storage_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordReprocessAttempt(t *testing.T) {
	ctx := context.Background()
	docID := uuid.New()

	require.NoError(t, testDB.RecordReprocessAttempt(ctx, docID, 1, "reprocessed", ""))
	require.NoError(t, testDB.RecordReprocessAttempt(ctx, docID, 2, "parked", "republish failed: dial tcp: timeout"))

	rows, err := testDB.Pool().Query(ctx, `
		SELECT attempt, outcome, error_detail FROM dlq_reprocess_log
		WHERE document_id = $1 ORDER BY attempt`, docID)
	require.NoError(t, err)
	defer rows.Close()

	type row struct {
		attempt int
		outcome string
		detail  *string
	}
	var got []row
	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.attempt, &r.outcome, &r.detail))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())

	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].attempt)
	assert.Equal(t, "reprocessed", got[0].outcome)
	assert.Nil(t, got[0].detail)
	assert.Equal(t, 2, got[1].attempt)
	assert.Equal(t, "parked", got[1].outcome)
	require.NotNil(t, got[1].detail)
	assert.Equal(t, "republish failed: dial tcp: timeout", *got[1].detail)
}

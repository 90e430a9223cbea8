package storage

import (
	"context"

	"github.com/google/uuid"
)

// RecordReprocessAttempt appends an audit row to dlq_reprocess_log. It gives
// the DLQ reprocessor (C5) a persistent trail of every reinject-or-park
// decision, independent of the broker's own (ephemeral) message state.
func (db *DB) RecordReprocessAttempt(ctx context.Context, documentID uuid.UUID, attempt int, outcome, errorDetail string) error {
	var detail *string
	if errorDetail != "" {
		detail = &errorDetail
	}

	_, err := db.pool.Exec(ctx, `
		INSERT INTO dlq_reprocess_log (document_id, attempt, outcome, error_detail)
		VALUES ($1, $2, $3, $4)`,
		documentID, attempt, outcome, detail,
	)
	if err != nil {
		return classify("record reprocess attempt", err)
	}
	return nil
}

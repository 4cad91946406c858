package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gladys-project/gladys/pkg/types"
)

// FeedbackRepo persists normalized feedback signals.
type FeedbackRepo struct {
	db *sqlx.DB
}

type feedbackRow struct {
	ID            string    `db:"id"`
	TargetType    string    `db:"target_type"`
	TargetID      string    `db:"target_id"`
	FeedbackType  string    `db:"feedback_type"`
	FeedbackValue float64   `db:"feedback_value"`
	Weight        float64   `db:"weight"`
	Processed     bool      `db:"processed"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r feedbackRow) toDomain() types.FeedbackEvent {
	return types.FeedbackEvent{
		ID:            r.ID,
		TargetType:    types.FeedbackTargetType(r.TargetType),
		TargetID:      r.TargetID,
		FeedbackType:  types.FeedbackType(r.FeedbackType),
		FeedbackValue: r.FeedbackValue,
		Weight:        r.Weight,
		Processed:     r.Processed,
		CreatedAt:     r.CreatedAt,
	}
}

// Record persists a feedback event, append-only.
func (r *FeedbackRepo) Record(ctx context.Context, fe *types.FeedbackEvent) (*types.FeedbackEvent, error) {
	if fe.ID == "" {
		fe.ID = uuid.NewString()
	}
	if fe.Weight == 0 {
		fe.Weight = 1
	}
	fe.CreatedAt = time.Now()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO feedback_events (id, target_type, target_id, feedback_type, feedback_value, weight, processed, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, fe.ID, string(fe.TargetType), fe.TargetID, string(fe.FeedbackType), fe.FeedbackValue, fe.Weight, fe.Processed, fe.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("record feedback: %w", err)
	}
	return fe, nil
}

// MarkProcessed flips the processed flag once the confidence update
// dispatched from this feedback event has been applied.
func (r *FeedbackRepo) MarkProcessed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE feedback_events SET processed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark feedback processed: %w", err)
	}
	return nil
}

// DeleteProcessedOlderThan removes already-processed feedback events created
// before cutoff, keeping the table from growing unbounded once their
// confidence update has long since been applied.
func (r *FeedbackRepo) DeleteProcessedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM feedback_events WHERE processed = TRUE AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete processed feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete processed feedback: %w", err)
	}
	return n, nil
}

// Unprocessed returns pending feedback events for recovery after a restart.
func (r *FeedbackRepo) Unprocessed(ctx context.Context, limit int) ([]types.FeedbackEvent, error) {
	var rows []feedbackRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM feedback_events WHERE processed = FALSE ORDER BY created_at ASC LIMIT $1
	`, limit); err != nil {
		return nil, fmt.Errorf("query unprocessed feedback: %w", err)
	}
	out := make([]types.FeedbackEvent, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

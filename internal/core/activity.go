package core

import (
	"context"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SubjectRef points an activity event at the record it documents.
type SubjectRef struct {
	Kind string // "warehouse_stock", "stock_request_item", "invoice", ...
	ID   int
}

// ActivitySink records domain events for audit display. Record is
// fire-and-forget: a sink failure must never abort the operation it
// documents, so implementations log and swallow their own errors.
type ActivitySink interface {
	Record(ctx context.Context, actorID int, action, description string, subject SubjectRef)
}

type activityLog struct {
	pool *pgxpool.Pool
}

// NewActivityLog returns a sink that persists events to activity_logs.
func NewActivityLog(pool *pgxpool.Pool) ActivitySink {
	return &activityLog{pool: pool}
}

func (a *activityLog) Record(ctx context.Context, actorID int, action, description string, subject SubjectRef) {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO activity_logs (actor_id, action, description, subject_kind, subject_id)
		VALUES ($1, $2, $3, $4, $5)
	`, actorID, action, description, subject.Kind, subject.ID)
	if err != nil {
		log.Printf("activity: failed to record %s on %s %d: %v", action, subject.Kind, subject.ID, err)
	}
}

// NopSink discards all events. Used in tests and as a safe default.
type NopSink struct{}

func (NopSink) Record(context.Context, int, string, string, SubjectRef) {}

// Package checkpoint implements the durable, transactional {job, collection}
// -> resume-token store that the change-stream watcher depends on for
// crash-safe resumption.
package checkpoint

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Checkpoint is the persisted record keyed by (job_id, collection_name).
type Checkpoint struct {
	JobID            string
	Collection       string
	ResumeToken      bson.Raw
	LastEventTime    *time.Time
	RecordsProcessed int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store is the checkpoint persistence contract. Implementations must uphold:
//
//	(I1) at most one checkpoint per (job_id, collection)
//	(I2) records_processed and updated_at never decrease
//	(I3) a checkpoint is written only after the caller's batch has been
//	     durably handed off to the sink
//
// SaveCheckpoint and LoadCheckpoint retry transient backend failures
// internally; callers see only KindInvalidToken / KindNonRetryable /
// KindTransientBackend (after retries are exhausted).
type Store interface {
	// SaveCheckpoint upserts the resume token for (jobID, collection).
	// recordsProcessed is the new cumulative total, not a delta.
	SaveCheckpoint(ctx context.Context, jobID, collection string, token bson.Raw, lastEventTime *time.Time, recordsProcessed int64) error

	// LoadCheckpoint returns the latest token, or (nil, nil) if no row
	// exists or the stored token is corrupted. A corrupted-token read is
	// logged by the implementation but never surfaced as an error — the
	// caller treats it as a cold start.
	LoadCheckpoint(ctx context.Context, jobID, collection string) (bson.Raw, error)

	// LoadRecordsProcessed returns the cumulative records_processed
	// counter for (jobID, collection), or 0 if no row exists.
	LoadRecordsProcessed(ctx context.Context, jobID, collection string) (int64, error)

	// DeleteCheckpoint removes the row. Used only during job teardown or
	// an operator-initiated reset.
	DeleteCheckpoint(ctx context.Context, jobID, collection string) error

	Close() error
}

// validateToken applies a deliberately thin validation rule: a non-empty,
// structurally valid BSON document. Anything else is KindInvalidToken.
func validateToken(token bson.Raw) error {
	if len(token) == 0 {
		return newError(KindInvalidToken, errDefault("empty resume token"))
	}
	var probe bson.M
	if err := bson.Unmarshal(token, &probe); err != nil {
		return newError(KindInvalidToken, err)
	}
	if len(probe) == 0 {
		return newError(KindInvalidToken, errDefault("resume token decodes to an empty document"))
	}
	return nil
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func errDefault(msg string) error { return simpleErr(msg) }

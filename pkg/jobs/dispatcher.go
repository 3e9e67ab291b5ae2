package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/diagen-io/diagen/pkg/storage"
)

// Request is a validated job submission.
type Request struct {
	Kind         string
	ObjectKey    string
	Language     string
	ConnectionID string
}

// Validate normalizes the object key and checks kind-specific fields.
// Synthesis jobs may omit the connection id (the caller then polls or
// fetches the artifact itself); channel-originated kinds cannot.
func (r *Request) Validate() error {
	switch r.Kind {
	case KindAnalyze, KindCDKModules, KindOptimize:
		if r.ConnectionID == "" {
			return &ValidationError{Field: "connection_id",
				Message: fmt.Sprintf("connection id is required for %s jobs", r.Kind)}
		}
	case KindSynthesize:
	default:
		return &ValidationError{Field: "kind",
			Message: fmt.Sprintf("unknown job kind %q", r.Kind)}
	}

	key, err := storage.NormalizeKey(r.ObjectKey)
	if err != nil {
		return &ValidationError{Field: "object_key",
			Message: fmt.Sprintf("invalid object key: %v", err)}
	}
	r.ObjectKey = key
	return nil
}

// Dispatcher enqueues jobs for the worker pool. It is the single write
// path into the queue for both the duplex channel and the REST API.
type Dispatcher struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher over the given database.
func NewDispatcher(db *sql.DB, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{db: db, logger: logger.With("component", "dispatcher")}
}

// Submit validates and enqueues a job, satisfying the channel side's
// submitter contract.
func (d *Dispatcher) Submit(ctx context.Context, kind, objectKey, language, connectionID string) error {
	_, err := d.SubmitJob(ctx, Request{
		Kind:         kind,
		ObjectKey:    objectKey,
		Language:     language,
		ConnectionID: connectionID,
	})
	return err
}

// SubmitJob validates and enqueues a job, returning its id.
func (d *Dispatcher) SubmitJob(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	jobID := uuid.New().String()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, object_key, language, connection_id, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		jobID, req.Kind, req.ObjectKey, req.Language, req.ConnectionID, StatusPending)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s job: %w", req.Kind, err)
	}

	d.logger.Info("Job enqueued",
		"job_id", jobID, "kind", req.Kind, "connection_id", req.ConnectionID)
	return jobID, nil
}

// GetJob loads one job row by id.
func (d *Dispatcher) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, kind, object_key, language, connection_id, status,
		       error_message, created_at, started_at, completed_at
		FROM jobs WHERE id = $1`, jobID)

	var job Job
	err := row.Scan(&job.ID, &job.Kind, &job.ObjectKey, &job.Language,
		&job.ConnectionID, &job.Status, &job.ErrorMessage,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("job %s: %w", jobID, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return &job, nil
}

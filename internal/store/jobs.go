package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"player-order-service/internal/models"
)

// InsertJob persists a freshly queued recalculation job.
func (s *Store) InsertJob(ctx context.Context, j models.RecalculationJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recalc_jobs (id, scope, status, result, last_error, submitted_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, j.ID, j.Scope, j.Status, j.Result, j.LastError, j.SubmittedAt, j.StartedAt, j.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.RecalculationJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, scope, status, result, last_error, submitted_at, started_at, finished_at
		FROM recalc_jobs WHERE id = $1
	`, id)
	return scanJob(row)
}

func scanJob(row rowScanner) (models.RecalculationJob, error) {
	var j models.RecalculationJob
	var result, lastErr pgtype.Text
	var started, finished pgtype.Timestamptz
	err := row.Scan(&j.ID, &j.Scope, &j.Status, &result, &lastErr, &j.SubmittedAt, &started, &finished)
	if noRows(err) {
		return models.RecalculationJob{}, ErrNotFound
	}
	if err != nil {
		return models.RecalculationJob{}, fmt.Errorf("scan job: %w", err)
	}
	j.Result = textPtr(result)
	j.LastError = textPtr(lastErr)
	j.StartedAt = tsPtr(started)
	j.FinishedAt = tsPtr(finished)
	return j, nil
}

// ActiveJobByScope finds the queued or running job holding a scope.
func (s *Store) ActiveJobByScope(ctx context.Context, scope string) (models.RecalculationJob, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, scope, status, result, last_error, submitted_at, started_at, finished_at
		FROM recalc_jobs WHERE scope = $1 AND status IN ('queued', 'running')
		ORDER BY submitted_at DESC LIMIT 1
	`, scope)
	j, err := scanJob(row)
	if err == ErrNotFound {
		return models.RecalculationJob{}, false, nil
	}
	if err != nil {
		return models.RecalculationJob{}, false, err
	}
	return j, true, nil
}

// MarkJobRunning transitions queued→running.
func (s *Store) MarkJobRunning(ctx context.Context, id string) error {
	return s.transitionJob(ctx, `
		UPDATE recalc_jobs SET status = 'running', started_at = NOW()
		WHERE id = $1 AND status = 'queued'
	`, id)
}

// MarkJobCompleted transitions running→completed with a result summary.
func (s *Store) MarkJobCompleted(ctx context.Context, id, result string) error {
	return s.transitionJob(ctx, `
		UPDATE recalc_jobs SET status = 'completed', result = $2, finished_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, id, result)
}

// MarkJobFailed transitions running→failed, recording the cause for
// operators. Failed jobs are retried only by explicit resubmission.
func (s *Store) MarkJobFailed(ctx context.Context, id, cause string) error {
	return s.transitionJob(ctx, `
		UPDATE recalc_jobs SET status = 'failed', last_error = $2, finished_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, id, cause)
}

// MarkJobCancelled transitions queued→cancelled. Running jobs are not
// touched; their cancellation is best-effort and they may complete.
func (s *Store) MarkJobCancelled(ctx context.Context, id string) error {
	return s.transitionJob(ctx, `
		UPDATE recalc_jobs SET status = 'cancelled', finished_at = NOW()
		WHERE id = $1 AND status = 'queued'
	`, id)
}

func (s *Store) transitionJob(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("job transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

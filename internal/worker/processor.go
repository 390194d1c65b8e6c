package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"player-order-service/internal/config"
	"player-order-service/internal/models"
	"player-order-service/internal/queue"
	"player-order-service/internal/store"
	"player-order-service/internal/telemetry"
)

// Jobs is the persistence surface the processor needs.
type Jobs interface {
	GetJob(ctx context.Context, id string) (models.RecalculationJob, error)
	MarkJobRunning(ctx context.Context, id string) error
	MarkJobCompleted(ctx context.Context, id, result string) error
	MarkJobFailed(ctx context.Context, id, cause string) error
	AppendAudit(ctx context.Context, entityID, event, detail string) error
}

// Materializer recomputes and stores the rating scalar for a scope.
type Materializer interface {
	Materialize(ctx context.Context, scope string) (models.RatingSnapshot, error)
}

// Processor drains the recalculation queue. Failed jobs are marked and
// left for explicit resubmission; there is no automatic retry, because
// a recalculation is cheap to re-request and its inputs only grow.
type Processor struct {
	cfg      config.Config
	queue    *queue.RecalcQueue
	jobs     Jobs
	ratings  Materializer
	workerID string
}

// NewProcessor wires the worker loop.
func NewProcessor(cfg config.Config, q *queue.RecalcQueue, jobs Jobs, ratings Materializer, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		jobs:     jobs,
		ratings:  ratings,
		workerID: workerID,
	}
}

// Run polls until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && len(reclaimed) > 0 {
			telemetry.RecalcInFlight.Sub(float64(len(reclaimed)))
			log.Printf("worker %s: reclaimed %d expired leases", p.workerID, len(reclaimed))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.RecalcQueueDepth.Set(float64(depth))
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}
		p.runOne(ctx, jobID)
	}
}

// RunOnce processes a single ready job if one exists. Used by tests
// and drain tooling.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}
	p.runOne(ctx, jobID)
	return true, nil
}

func (p *Processor) runOne(ctx context.Context, jobID string) {
	job, err := p.jobs.GetJob(ctx, jobID)
	if err != nil {
		// Queue entry without a row; drop it.
		_ = p.queue.Ack(ctx, jobID)
		log.Printf("worker %s: job %s not found: %v", p.workerID, jobID, err)
		return
	}
	if job.Status == models.JobCancelled {
		p.finish(ctx, job)
		return
	}

	if err := p.jobs.MarkJobRunning(ctx, jobID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another worker beat us to it.
			_ = p.queue.Ack(ctx, jobID)
			return
		}
		_ = p.queue.Ack(ctx, jobID)
		log.Printf("worker %s: mark job %s running: %v", p.workerID, jobID, err)
		return
	}

	telemetry.RecalcInFlight.Inc()
	defer telemetry.RecalcInFlight.Dec()

	snap, err := p.ratings.Materialize(ctx, job.Scope)
	if err != nil {
		if markErr := p.jobs.MarkJobFailed(ctx, jobID, err.Error()); markErr != nil {
			log.Printf("worker %s: mark job %s failed: %v", p.workerID, jobID, markErr)
		}
		_ = p.jobs.AppendAudit(ctx, jobID, "recalc_failed", err.Error())
		telemetry.RecalcFailed.Inc()
		p.finish(ctx, job)
		return
	}

	result := fmt.Sprintf("score=%.4f success_rate=%.4f", snap.Score, snap.SuccessRate)
	if err := p.jobs.MarkJobCompleted(ctx, jobID, result); err != nil {
		log.Printf("worker %s: mark job %s completed: %v", p.workerID, jobID, err)
	}
	_ = p.jobs.AppendAudit(ctx, jobID, "recalc_completed", result)
	telemetry.RecalcCompleted.Inc()
	p.finish(ctx, job)
}

// finish acknowledges the queue entry and frees the scope reservation
// so the next submission can create a fresh job.
func (p *Processor) finish(ctx context.Context, job models.RecalculationJob) {
	if err := p.queue.Ack(ctx, job.ID); err != nil {
		log.Printf("worker %s: ack job %s: %v", p.workerID, job.ID, err)
	}
	if err := p.queue.ReleaseScope(ctx, job.Scope); err != nil {
		log.Printf("worker %s: release scope %s: %v", p.workerID, job.Scope, err)
	}
}

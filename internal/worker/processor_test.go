package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"player-order-service/internal/config"
	"player-order-service/internal/models"
	"player-order-service/internal/queue"
	"player-order-service/internal/store"
)

type stubJobs struct {
	jobs      map[string]models.RecalculationJob
	completed map[string]string
	failed    map[string]string
}

func newStubJobs() *stubJobs {
	return &stubJobs{
		jobs:      map[string]models.RecalculationJob{},
		completed: map[string]string{},
		failed:    map[string]string{},
	}
}

func (s *stubJobs) GetJob(_ context.Context, id string) (models.RecalculationJob, error) {
	j, ok := s.jobs[id]
	if !ok {
		return models.RecalculationJob{}, store.ErrNotFound
	}
	return j, nil
}

func (s *stubJobs) MarkJobRunning(_ context.Context, id string) error {
	j, ok := s.jobs[id]
	if !ok || j.Status != models.JobQueued {
		return store.ErrConflict
	}
	j.Status = models.JobRunning
	s.jobs[id] = j
	return nil
}

func (s *stubJobs) MarkJobCompleted(_ context.Context, id, result string) error {
	j := s.jobs[id]
	j.Status = models.JobCompleted
	s.jobs[id] = j
	s.completed[id] = result
	return nil
}

func (s *stubJobs) MarkJobFailed(_ context.Context, id, cause string) error {
	j := s.jobs[id]
	j.Status = models.JobFailed
	s.jobs[id] = j
	s.failed[id] = cause
	return nil
}

func (s *stubJobs) AppendAudit(_ context.Context, _, _, _ string) error { return nil }

type stubMaterializer struct {
	snap models.RatingSnapshot
	err  error
}

func (m stubMaterializer) Materialize(_ context.Context, _ string) (models.RatingSnapshot, error) {
	return m.snap, m.err
}

func setupProcessor(t *testing.T, jobs *stubJobs, m Materializer) (*Processor, *queue.RecalcQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewRecalcQueue(client, 30*time.Second)
	cfg := config.Config{WorkerPollInterval: 10 * time.Millisecond}
	return NewProcessor(cfg, q, jobs, m, "worker-test"), q
}

func enqueue(t *testing.T, q *queue.RecalcQueue, job models.RecalculationJob, jobs *stubJobs) {
	t.Helper()
	ctx := context.Background()
	jobs.jobs[job.ID] = job
	if _, _, err := q.Reserve(ctx, job.Scope, job.ID); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := q.Enqueue(ctx, job.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestProcessorCompletesJob(t *testing.T) {
	ctx := context.Background()
	jobs := newStubJobs()
	p, q := setupProcessor(t, jobs, stubMaterializer{
		snap: models.RatingSnapshot{Score: 4.25, SuccessRate: 0.9},
	})
	enqueue(t, q, models.RecalculationJob{ID: "job-1", Scope: "runner-1:executor", Status: models.JobQueued}, jobs)

	processed, err := p.RunOnce(ctx)
	if err != nil || !processed {
		t.Fatalf("RunOnce: processed=%v err=%v", processed, err)
	}
	if jobs.jobs["job-1"].Status != models.JobCompleted {
		t.Fatalf("status = %s, want completed", jobs.jobs["job-1"].Status)
	}
	if jobs.completed["job-1"] == "" {
		t.Fatal("result not recorded")
	}
	// Scope reservation must be free for the next submission.
	if _, created, err := q.Reserve(ctx, "runner-1:executor", "job-2"); err != nil || !created {
		t.Fatalf("scope not released: created=%v err=%v", created, err)
	}
}

func TestProcessorFailedJobIsNotRetried(t *testing.T) {
	ctx := context.Background()
	jobs := newStubJobs()
	p, q := setupProcessor(t, jobs, stubMaterializer{err: errors.New("metrics unavailable")})
	enqueue(t, q, models.RecalculationJob{ID: "job-1", Scope: "runner-1:executor", Status: models.JobQueued}, jobs)

	if _, err := p.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if jobs.jobs["job-1"].Status != models.JobFailed {
		t.Fatalf("status = %s, want failed", jobs.jobs["job-1"].Status)
	}
	if jobs.failed["job-1"] != "metrics unavailable" {
		t.Fatalf("cause = %q", jobs.failed["job-1"])
	}
	// Nothing requeued.
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("ready depth = %d, failed jobs must not retry automatically", depth)
	}
}

func TestProcessorSkipsCancelledJob(t *testing.T) {
	ctx := context.Background()
	jobs := newStubJobs()
	p, q := setupProcessor(t, jobs, stubMaterializer{})
	enqueue(t, q, models.RecalculationJob{ID: "job-1", Scope: "runner-1:executor", Status: models.JobCancelled}, jobs)

	if _, err := p.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if jobs.jobs["job-1"].Status != models.JobCancelled {
		t.Fatalf("status = %s, cancelled jobs must stay cancelled", jobs.jobs["job-1"].Status)
	}
	if len(jobs.completed)+len(jobs.failed) != 0 {
		t.Fatal("cancelled job must not execute")
	}
}

func TestProcessorDropsOrphanedQueueEntry(t *testing.T) {
	ctx := context.Background()
	jobs := newStubJobs()
	p, q := setupProcessor(t, jobs, stubMaterializer{})
	if err := q.Enqueue(ctx, "ghost"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := p.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("ready depth = %d, orphaned entry must be dropped", depth)
	}
}

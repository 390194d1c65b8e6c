package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testQueue(t *testing.T) *RecalcQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRecalcQueue(client, time.Minute)
}

func TestReserveCoalesces(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	holder, created, err := q.Reserve(ctx, "subject:alice", "job-1")
	if err != nil || !created || holder != "job-1" {
		t.Fatalf("first reserve: holder=%q created=%v err=%v", holder, created, err)
	}

	holder, created, err = q.Reserve(ctx, "subject:alice", "job-2")
	if err != nil || created {
		t.Fatalf("second reserve should coalesce: created=%v err=%v", created, err)
	}
	if holder != "job-1" {
		t.Fatalf("coalesced holder = %q, want job-1", holder)
	}

	// A different scope reserves independently.
	if _, created, _ := q.Reserve(ctx, "subject:bob", "job-3"); !created {
		t.Fatal("independent scope should reserve")
	}

	if err := q.ReleaseScope(ctx, "subject:alice"); err != nil {
		t.Fatal(err)
	}
	if _, created, _ := q.Reserve(ctx, "subject:alice", "job-4"); !created {
		t.Fatal("scope should be free after release")
	}
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	if err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, "job-2"); err != nil {
		t.Fatal(err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 2 {
		t.Fatalf("depth = %d", depth)
	}

	got, err := q.DequeueWithLease(ctx)
	if err != nil || got != "job-1" {
		t.Fatalf("dequeue = %q err=%v", got, err)
	}
	if err := q.Ack(ctx, got); err != nil {
		t.Fatal(err)
	}

	got, _ = q.DequeueWithLease(ctx)
	if got != "job-2" {
		t.Fatalf("fifo violated: %q", got)
	}
	_ = q.Ack(ctx, got)

	got, err = q.DequeueWithLease(ctx)
	if err != nil || got != "" {
		t.Fatalf("empty queue should return empty id, got %q err=%v", got, err)
	}
}

func TestRequeueExpired(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	_ = q.Enqueue(ctx, "job-1")
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatal(err)
	}

	// Before the lease deadline nothing is reclaimed.
	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("premature reclaim: %v err=%v", ids, err)
	}

	ids, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil || len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("reclaim = %v err=%v", ids, err)
	}
	if got, _ := q.DequeueWithLease(ctx); got != "job-1" {
		t.Fatalf("reclaimed job not ready: %q", got)
	}
}

func TestCancelRemovesQueuedJob(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	_, _, _ = q.Reserve(ctx, "subject:alice", "job-1")
	_ = q.Enqueue(ctx, "job-1")
	if err := q.Cancel(ctx, "job-1", "subject:alice"); err != nil {
		t.Fatal(err)
	}
	if got, _ := q.DequeueWithLease(ctx); got != "" {
		t.Fatalf("cancelled job still dequeued: %q", got)
	}
	if _, created, _ := q.Reserve(ctx, "subject:alice", "job-2"); !created {
		t.Fatal("scope should be free after cancel")
	}
}

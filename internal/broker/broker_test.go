package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/civicband/clerk/internal/domain"
	"github.com/civicband/clerk/internal/logging"
)

func newTestBroker(t *testing.T) (Broker, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(srv.Close)

	b, err := New(srv.Addr(), logging.Nop(), Options{})
	if err != nil {
		t.Fatalf("connect broker: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, srv
}

func TestEnqueueReserveAck(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	jobID, err := b.Enqueue(ctx, domain.QueueOCR, map[string]any{"site": "a.example", "page": 1}, domain.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := b.Reserve(ctx, []string{domain.QueueOCR}, time.Second)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if job == nil || job.ID != jobID {
		t.Fatalf("expected to reserve job %s, got %+v", jobID, job)
	}
	if job.Attempt != 1 {
		t.Fatalf("expected attempt=1 after first reserve, got %d", job.Attempt)
	}

	if err := b.Ack(ctx, job.ID, domain.Done()); err != nil {
		t.Fatalf("ack: %v", err)
	}

	none, err := b.Reserve(ctx, []string{domain.QueueOCR}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("reserve after ack: %v", err)
	}
	if none != nil {
		t.Fatalf("expected no job after the only one was acked, got %+v", none)
	}
}

func TestHighPriorityReservedBeforeNormal(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, domain.QueueFetch, map[string]any{"site": "normal.example"}, domain.EnqueueOptions{Priority: domain.PriorityNormal}); err != nil {
		t.Fatalf("enqueue normal: %v", err)
	}
	urgentID, err := b.Enqueue(ctx, domain.QueueFetch, map[string]any{"site": "urgent.example"}, domain.EnqueueOptions{Priority: domain.PriorityHigh})
	if err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	job, err := b.Reserve(ctx, []string{domain.QueueFetch}, time.Second)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if job == nil || job.ID != urgentID {
		t.Fatalf("expected the high-priority job to be reserved first, got %+v", job)
	}
}

func TestDependentJobDeferredUntilDependenciesTerminate(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	page1, err := b.Enqueue(ctx, domain.QueueOCR, map[string]any{"site": "a.example", "page": 1}, domain.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue page1: %v", err)
	}
	page2, err := b.Enqueue(ctx, domain.QueueOCR, map[string]any{"site": "a.example", "page": 2}, domain.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue page2: %v", err)
	}
	coordID, err := b.Enqueue(ctx, domain.QueueCompilation, map[string]any{"site": "a.example"}, domain.EnqueueOptions{
		DependsOn: []string{page1, page2},
	})
	if err != nil {
		t.Fatalf("enqueue coordinator: %v", err)
	}

	// the coordinator must not be reservable while dependencies remain.
	job, err := b.Reserve(ctx, []string{domain.QueueCompilation}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("reserve before deps done: %v", err)
	}
	if job != nil {
		t.Fatalf("expected coordinator to stay deferred, got %+v", job)
	}

	j1, err := b.Reserve(ctx, []string{domain.QueueOCR}, time.Second)
	if err != nil || j1 == nil {
		t.Fatalf("reserve page1: job=%v err=%v", j1, err)
	}
	if err := b.Ack(ctx, j1.ID, domain.Fail(errors.New("ocr exploded"))); err != nil {
		t.Fatalf("ack page1 failure: %v", err)
	}

	// one dependency failing still counts as terminated; coordinator
	// should remain deferred until BOTH pages terminate.
	job, err = b.Reserve(ctx, []string{domain.QueueCompilation}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("reserve after one dep done: %v", err)
	}
	if job != nil {
		t.Fatalf("expected coordinator to still be deferred with one dependency outstanding, got %+v", job)
	}

	j2, err := b.Reserve(ctx, []string{domain.QueueOCR}, time.Second)
	if err != nil || j2 == nil {
		t.Fatalf("reserve page2: job=%v err=%v", j2, err)
	}
	if err := b.Ack(ctx, j2.ID, domain.Done()); err != nil {
		t.Fatalf("ack page2 success: %v", err)
	}

	coord, err := b.Reserve(ctx, []string{domain.QueueCompilation}, time.Second)
	if err != nil {
		t.Fatalf("reserve coordinator: %v", err)
	}
	if coord == nil || coord.ID != coordID {
		t.Fatalf("expected coordinator %s to become runnable once both deps terminated, got %+v", coordID, coord)
	}
}

func TestCancelRemovesPendingJob(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	jobID, err := b.Enqueue(ctx, domain.QueueFetch, map[string]any{"site": "a.example"}, domain.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := b.Cancel(ctx, jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	job, err := b.Reserve(ctx, []string{domain.QueueFetch}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("reserve after cancel: %v", err)
	}
	if job != nil {
		t.Fatalf("expected cancelled job to never be reserved, got %+v", job)
	}
}

func TestPurgeCancelsAllSiteJobs(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := b.Enqueue(ctx, domain.QueueOCR, map[string]any{"site": "purge.example", "page": i}, domain.EnqueueOptions{}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if _, err := b.Enqueue(ctx, domain.QueueOCR, map[string]any{"site": "other.example"}, domain.EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue other site: %v", err)
	}

	if err := b.Purge(ctx, "purge.example"); err != nil {
		t.Fatalf("purge: %v", err)
	}

	job, err := b.Reserve(ctx, []string{domain.QueueOCR}, time.Second)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if job == nil {
		t.Fatal("expected the other site's job to remain reservable")
	}
	if site, _ := job.Payload["site"].(string); site != "other.example" {
		t.Fatalf("expected only other.example's job to survive purge, got %+v", job.Payload)
	}
}

func TestQueueDepthReflectsPendingJobs(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	if n, err := b.QueueDepth(ctx, domain.QueueFetch, domain.PriorityNormal); err != nil || n != 0 {
		t.Fatalf("expected empty queue depth 0, got %d err=%v", n, err)
	}
	for i := 0; i < 3; i++ {
		if _, err := b.Enqueue(ctx, domain.QueueFetch, map[string]any{"site": "a.example"}, domain.EnqueueOptions{}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	n, err := b.QueueDepth(ctx, domain.QueueFetch, domain.PriorityNormal)
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected depth 3, got %d", n)
	}
}

func TestActiveWorkersCountsLiveHeartbeatsOnly(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	if err := b.RegisterWorker(ctx, "ocr", "w1", time.Minute); err != nil {
		t.Fatalf("register w1: %v", err)
	}
	if err := b.RegisterWorker(ctx, "ocr", "w2", -time.Second); err != nil {
		t.Fatalf("register w2: %v", err)
	}

	n, err := b.ActiveWorkers(ctx, "ocr")
	if err != nil {
		t.Fatalf("active workers: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 live worker (w2's heartbeat already expired), got %d", n)
	}

	if err := b.UnregisterWorker(ctx, "ocr", "w1"); err != nil {
		t.Fatalf("unregister w1: %v", err)
	}
	n, err = b.ActiveWorkers(ctx, "ocr")
	if err != nil {
		t.Fatalf("active workers after unregister: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 workers after unregister, got %d", n)
	}
}

func TestAckRecordsFailedJobs(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	jobID, err := b.Enqueue(ctx, domain.QueueOCR, map[string]any{"site": "a.example"}, domain.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := b.Reserve(ctx, []string{domain.QueueOCR}, time.Second)
	if err != nil || job == nil {
		t.Fatalf("reserve: job=%v err=%v", job, err)
	}
	if err := b.Ack(ctx, job.ID, domain.Fail(errors.New("boom"))); err != nil {
		t.Fatalf("ack failure: %v", err)
	}

	failed, err := b.Failed(ctx, domain.QueueOCR, 10)
	if err != nil {
		t.Fatalf("failed registry: %v", err)
	}
	if len(failed) != 1 || failed[0].Job.ID != jobID || failed[0].Error != "boom" {
		t.Fatalf("unexpected failed registry contents: %+v", failed)
	}
}

package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"textdetect-service/internal/entity"
	"textdetect-service/internal/inference"
	"textdetect-service/internal/service"
	"textdetect-service/internal/worker"
)

func startPool(t *testing.T, repo *memRepo, reader *textReader) *service.RedisBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	broker := service.NewRedisBroker(rdb, "pool-test")
	processor := worker.NewProcessor(repo, reader, inference.NewEngine(nil), nil)
	pool := worker.NewPool(broker, processor, 2)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return broker
}

func waitForStatus(t *testing.T, repo *memRepo, job *entity.Job, want entity.JobStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if repo.status(job.ID) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s, last %s", job.ID, want, repo.status(job.ID))
}

func TestPool_ProcessesQueuedJobs(t *testing.T) {
	repo := newMemRepo()
	broker := startPool(t, repo, &textReader{text: sampleText})

	jobs := []*entity.Job{repo.addJob(true), repo.addJob(true), repo.addJob(true)}
	for _, j := range jobs {
		if _, err := broker.Enqueue(context.Background(), j.ID.String()); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	for _, j := range jobs {
		waitForStatus(t, repo, j, entity.StatusSucceeded)
		if n := len(repo.resultsFor(j.ID)); n != 1 {
			t.Fatalf("expected one result for %s, got %d", j.ID, n)
		}
	}
}

func TestPool_NonRetryableFailureIsDeadLettered(t *testing.T) {
	repo := newMemRepo()
	broker := startPool(t, repo, &textReader{text: sampleText})

	job := repo.addJob(false)
	handle, err := broker.Enqueue(context.Background(), job.ID.String())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitForStatus(t, repo, job, entity.StatusFailed)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		failed, err := broker.Failed(context.Background(), 10)
		if err != nil {
			t.Fatalf("failed: %v", err)
		}
		if len(failed) == 1 && failed[0].Handle == handle {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected delivery %s in the failed registry", handle)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestPool_ReapedFinalAttemptFailsJob(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &stepClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	policy := service.DefaultRetryPolicy()
	policy.MaxRetries = 0
	broker := service.NewRedisBroker(rdb, "reap-test", service.WithClock(clock.Now), service.WithPolicy(policy))

	repo := newMemRepo()
	processor := worker.NewProcessor(repo, &textReader{text: sampleText}, inference.NewEngine(nil), nil)
	pool := worker.NewPool(broker, processor, 1)

	job := repo.addJob(true)
	if _, err := broker.Enqueue(ctx, job.ID.String()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// a worker claims the only attempt, sets RUNNING and dies
	d, err := broker.Claim(ctx, time.Second)
	if err != nil || !d.Final() {
		t.Fatalf("expected a final attempt, got %+v, %v", d, err)
	}
	if _, err := repo.TransitionStatus(ctx, job.ID, 0, entity.StatusRunning); err != nil {
		t.Fatal(err)
	}

	clock.Advance(601 * time.Second)
	pool.Reap(ctx)

	if got := repo.status(job.ID); got != entity.StatusFailed {
		t.Fatalf("expected FAILED after the final attempt expired, got %s", got)
	}
	repo.checkMonotonic(t, job.ID)

	failed, _ := broker.Failed(ctx, 10)
	if len(failed) != 1 || failed[0].JobID != job.ID.String() {
		t.Fatalf("expected the delivery dead-lettered, got %+v", failed)
	}
}

func TestProcessor_AbandonLeavesTerminalJobs(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	p, _ := newProcessor(repo, &textReader{text: sampleText})
	job := repo.addJob(true)

	if err := p.Process(ctx, worker.Attempt{JobID: job.ID.String(), Number: 1}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Abandon(ctx, job.ID.String(), context.DeadlineExceeded); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if got := repo.status(job.ID); got != entity.StatusSucceeded {
		t.Fatalf("succeeded job must stay SUCCEEDED, got %s", got)
	}
	if err := p.Abandon(ctx, uuid.NewString(), context.DeadlineExceeded); err != nil {
		t.Fatalf("missing job must be ignored, got %v", err)
	}
}

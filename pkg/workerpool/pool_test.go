package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewRequiresWorkerFunc(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, nil); err == nil {
		t.Fatal("nil worker function accepted")
	}
}

func TestProcessesAllTasks(t *testing.T) {
	var processed int64
	fn := func(ctx context.Context, task *Task) *Result {
		atomic.AddInt64(&processed, 1)
		return &Result{TaskID: task.ID, Success: true}
	}

	pool, err := New(Config{Workers: 4, QueueSize: 64}, fn, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()

	const n = 32
	for i := 0; i < n; i++ {
		if err := pool.Submit(&Task{ID: fmt.Sprintf("task-%d", i)}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	waitFor(t, func() bool { return atomic.LoadInt64(&processed) == n })
	if err := pool.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	stats := pool.Stats()
	if stats.TasksSubmitted != n || stats.TasksCompleted != n {
		t.Fatalf("stats = %+v, want %d submitted and completed", stats, n)
	}
}

func TestRetriesFailedTask(t *testing.T) {
	var attempts int64
	fn := func(ctx context.Context, task *Task) *Result {
		if atomic.AddInt64(&attempts, 1) == 1 {
			return &Result{TaskID: task.ID, Success: false, Error: errors.New("transient")}
		}
		return &Result{TaskID: task.ID, Success: true}
	}

	pool, err := New(Config{
		Workers: 1, QueueSize: 8,
		MaxRetries: 2, RetryDelay: time.Millisecond,
	}, fn, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	if err := pool.Submit(&Task{ID: "flaky"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, func() bool { return pool.Stats().TasksCompleted == 1 })
	if got := atomic.LoadInt64(&attempts); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
	if pool.Stats().TasksRetried != 1 {
		t.Fatalf("retried = %d, want 1", pool.Stats().TasksRetried)
	}
}

func TestExhaustedRetriesCountAsFailed(t *testing.T) {
	fn := func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: false, Error: errors.New("permanent")}
	}

	pool, err := New(Config{
		Workers: 1, QueueSize: 8,
		MaxRetries: 1, RetryDelay: time.Millisecond,
	}, fn, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()
	defer pool.Stop()

	if err := pool.Submit(&Task{ID: "doomed"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, func() bool { return pool.Stats().TasksFailed == 1 })
	if pool.Stats().TasksCompleted != 0 {
		t.Fatal("failed task counted as completed")
	}
}

func TestSubmitNeverBlocksOnFullQueue(t *testing.T) {
	release := make(chan struct{})
	fn := func(ctx context.Context, task *Task) *Result {
		<-release
		return &Result{TaskID: task.ID, Success: true}
	}

	pool, err := New(Config{Workers: 1, QueueSize: 1}, fn, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()
	defer func() {
		close(release)
		pool.Stop()
	}()

	// First task occupies the worker, second fills the queue. Give the
	// worker a moment to pick the first one up.
	if err := pool.Submit(&Task{ID: "running"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, func() bool { return pool.Stats().QueueDepth == 0 })
	if err := pool.Submit(&Task{ID: "queued"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- pool.Submit(&Task{ID: "overflow"}) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("overflow submit succeeded, want queue-full error")
		}
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full queue")
	}
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	var processed int64
	fn := func(ctx context.Context, task *Task) *Result {
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&processed, 1)
		return &Result{TaskID: task.ID, Success: true}
	}

	pool, err := New(Config{
		Workers: 2, QueueSize: 32,
		GracefulShutdownTimeout: 5 * time.Second,
	}, fn, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()

	const n = 10
	for i := 0; i < n; i++ {
		if err := pool.Submit(&Task{ID: fmt.Sprintf("task-%d", i)}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	if err := pool.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := atomic.LoadInt64(&processed); got != n {
		t.Fatalf("processed = %d, want all %d drained before Stop returned", got, n)
	}

	if err := pool.Submit(&Task{ID: "late"}); err == nil {
		t.Fatal("submit after Stop accepted")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	fn := func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true}
	}

	pool, err := New(Config{Workers: 1, QueueSize: 8}, fn, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()

	if err := pool.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := pool.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestSubmitDuringStop(t *testing.T) {
	fn := func(ctx context.Context, task *Task) *Result {
		time.Sleep(time.Millisecond)
		return &Result{TaskID: task.ID, Success: true}
	}

	pool, err := New(Config{Workers: 2, QueueSize: 64}, fn, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()

	// Submitters race Stop; every Submit must either enqueue or return an
	// error, never panic on a closed queue.
	var wg sync.WaitGroup
	var accepted int64
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := pool.Submit(&Task{ID: fmt.Sprintf("g%d-%d", g, i)}); err == nil {
					atomic.AddInt64(&accepted, 1)
				}
			}
		}(g)
	}

	if err := pool.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	wg.Wait()

	stats := pool.Stats()
	got := stats.TasksCompleted + stats.TasksFailed
	if want := atomic.LoadInt64(&accepted); got != want {
		t.Fatalf("processed %d of %d accepted tasks", got, want)
	}
}

func TestConcurrentSubmitters(t *testing.T) {
	var processed int64
	fn := func(ctx context.Context, task *Task) *Result {
		atomic.AddInt64(&processed, 1)
		return &Result{TaskID: task.ID, Success: true}
	}

	pool, err := New(Config{Workers: 4, QueueSize: 256}, fn, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()

	var wg sync.WaitGroup
	var submitted int64
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if err := pool.Submit(&Task{ID: fmt.Sprintf("g%d-%d", g, i)}); err == nil {
					atomic.AddInt64(&submitted, 1)
				}
			}
		}(g)
	}
	wg.Wait()

	waitFor(t, func() bool {
		return atomic.LoadInt64(&processed) == atomic.LoadInt64(&submitted)
	})
	if err := pool.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

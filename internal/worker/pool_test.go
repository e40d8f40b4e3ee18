package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type countingJob struct {
	id   string
	runs *int32
	done *sync.WaitGroup
	err  error
}

func (j *countingJob) Execute(ctx context.Context) error {
	atomic.AddInt32(j.runs, 1)
	j.done.Done()
	return j.err
}

func (j *countingJob) ID() string { return j.id }

func TestDispatcherRunsSubmittedJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewDispatcher(3, 10, testLogger())
	pool.Run(ctx)
	defer pool.Stop()

	var runs int32
	var done sync.WaitGroup
	const jobCount = 20
	done.Add(jobCount)
	for i := 0; i < jobCount; i++ {
		pool.Submit(&countingJob{id: "job", runs: &runs, done: &done})
	}

	waitDone := make(chan struct{})
	go func() {
		done.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("jobs did not finish in time")
	}
	if got := atomic.LoadInt32(&runs); got != jobCount {
		t.Errorf("runs = %d, want %d", got, jobCount)
	}
}

func TestDispatcherSurvivesJobErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewDispatcher(1, 10, testLogger())
	pool.Run(ctx)
	defer pool.Stop()

	var runs int32
	var done sync.WaitGroup
	done.Add(2)
	pool.Submit(&countingJob{id: "failing", runs: &runs, done: &done, err: errors.New("boom")})
	pool.Submit(&countingJob{id: "after", runs: &runs, done: &done})

	waitDone := make(chan struct{})
	go func() {
		done.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("pool stalled after a job error")
	}
	if got := atomic.LoadInt32(&runs); got != 2 {
		t.Errorf("runs = %d, want 2", got)
	}
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	// No Run call: nothing drains the queue, so submissions past the buffer
	// must be dropped instead of blocking the caller.
	pool := NewDispatcher(1, 2, testLogger())

	var runs int32
	var done sync.WaitGroup
	submitted := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			pool.Submit(&countingJob{id: "overflow", runs: &runs, done: &done})
		}
		close(submitted)
	}()

	select {
	case <-submitted:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked on a full queue")
	}
}

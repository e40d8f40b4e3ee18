// Package worker runs orchestration jobs off the webhook handlers and the
// timeout sweep so neither blocks on ledger or provider round-trips.
package worker

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Job is a unit of orchestration work: a correlation to resolve or an entity
// to advance.
type Job interface {
	Execute(ctx context.Context) error
	ID() string
}

// Worker pulls jobs from a shared pool and runs them in its own goroutine.
type Worker struct {
	id         int
	workerPool chan chan Job
	jobChannel chan Job
	quit       chan struct{}
	wg         *sync.WaitGroup
	logger     *logrus.Logger
}

func newWorker(id int, workerPool chan chan Job, wg *sync.WaitGroup, logger *logrus.Logger) Worker {
	return Worker{
		id:         id,
		workerPool: workerPool,
		jobChannel: make(chan Job),
		quit:       make(chan struct{}),
		wg:         wg,
		logger:     logger,
	}
}

func (w Worker) start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			// Re-register this worker's channel as available.
			w.workerPool <- w.jobChannel

			select {
			case job := <-w.jobChannel:
				if err := job.Execute(ctx); err != nil {
					w.logger.WithFields(logrus.Fields{
						"worker": w.id,
						"job":    job.ID(),
						"error":  err.Error(),
					}).Error("Job failed")
				}
			case <-w.quit:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (w Worker) stop() {
	close(w.quit)
}

// Dispatcher manages a pool of workers and routes submitted jobs to them.
type Dispatcher struct {
	maxWorkers int
	workerPool chan chan Job
	jobQueue   chan Job
	workers    []Worker
	wg         sync.WaitGroup
	quit       chan struct{}
	logger     *logrus.Logger
}

// NewDispatcher creates a Dispatcher with maxWorkers workers and a buffered
// queue of jobQueueSize.
func NewDispatcher(maxWorkers, jobQueueSize int, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		maxWorkers: maxWorkers,
		workerPool: make(chan chan Job, maxWorkers),
		jobQueue:   make(chan Job, jobQueueSize),
		workers:    make([]Worker, 0, maxWorkers),
		quit:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the workers and the dispatch loop. ctx cancellation stops all
// workers; jobs in flight finish first.
func (d *Dispatcher) Run(ctx context.Context) {
	for i := 1; i <= d.maxWorkers; i++ {
		worker := newWorker(i, d.workerPool, &d.wg, d.logger)
		d.workers = append(d.workers, worker)
		worker.start(ctx)
	}
	go d.dispatch()
	d.logger.WithField("workers", d.maxWorkers).Info("Worker pool running")
}

func (d *Dispatcher) dispatch() {
	for {
		select {
		case job := <-d.jobQueue:
			go func(job Job) {
				jobChannel := <-d.workerPool
				jobChannel <- job
			}(job)
		case <-d.quit:
			return
		}
	}
}

// Submit queues a job without blocking. When the queue is full the job is
// dropped and logged; the sweep re-queues lost work on a later pass, via the
// expired-attempt scan for dispatched entities and the stalled scan for
// entities still waiting on their next dispatch.
func (d *Dispatcher) Submit(job Job) {
	select {
	case d.jobQueue <- job:
	default:
		d.logger.WithField("job", job.ID()).Warn("Job queue full; dropping job")
	}
}

// Stop shuts down the dispatch loop and waits for workers to drain.
func (d *Dispatcher) Stop() {
	close(d.quit)
	for _, worker := range d.workers {
		worker.stop()
	}
	d.wg.Wait()
	d.logger.Info("Worker pool stopped")
}

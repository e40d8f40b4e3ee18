package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"clipforge/internal/ledger"
	"clipforge/internal/worker"
)

// advanceJob runs one Advance on the worker pool.
type advanceJob struct {
	sched *Scheduler
	ref   ledger.EntityRef
}

// NewAdvanceJob wraps an Advance call as a pool job.
func NewAdvanceJob(sched *Scheduler, ref ledger.EntityRef) worker.Job {
	return &advanceJob{sched: sched, ref: ref}
}

func (j *advanceJob) Execute(ctx context.Context) error {
	return j.sched.Advance(ctx, j.ref)
}

func (j *advanceJob) ID() string {
	return "advance-" + string(j.ref.Kind) + "-" + j.ref.ID.String()
}

// stallGrace is how long an entity may idle without a live attempt before
// the sweep re-queues its advance. Long enough that entities moving through
// the pool normally never show up in the stalled scan.
const stallGrace = time.Minute

// Sweep is the pull half of the orchestrator: a periodic pass over entities
// whose live attempt deadline has lapsed with no callback, plus entities
// idling with no live attempt at all because their queued advance was lost.
// It tolerates racing a callback for the same attempt; whichever side wins
// the ledger CAS determines the outcome and the loser's action is discarded.
type Sweep struct {
	store  ledger.Store
	sched  *Scheduler
	pool   *worker.Dispatcher
	logger *logrus.Logger
}

// NewSweep creates the timeout sweep.
func NewSweep(store ledger.Store, sched *Scheduler, pool *worker.Dispatcher, logger *logrus.Logger) *Sweep {
	return &Sweep{store: store, sched: sched, pool: pool, logger: logger}
}

// Run performs one sweep pass, queueing an Advance for every expired attempt
// and every stalled entity.
func (sw *Sweep) Run(ctx context.Context) {
	expired, err := sw.store.ListExpiredAttempts(ctx, time.Now())
	if err != nil {
		sw.logger.WithField("error", err.Error()).Error("Timeout sweep failed to list expired attempts")
		return
	}
	if len(expired) > 0 {
		sw.logger.WithField("expired", len(expired)).Info("Timeout sweep found expired attempts")
	}

	// A video waiting on its segments idles at created and shows up here
	// every pass; its Advance is a no-op until the aggregate gate opens.
	stalled, err := sw.store.ListStalled(ctx, time.Now().Add(-stallGrace))
	if err != nil {
		sw.logger.WithField("error", err.Error()).Error("Timeout sweep failed to list stalled entities")
		return
	}
	if len(stalled) > 0 {
		sw.logger.WithField("stalled", len(stalled)).Info("Timeout sweep found stalled entities")
	}

	for _, ref := range append(expired, stalled...) {
		sw.pool.Submit(NewAdvanceJob(sw.sched, ref))
	}
}

package handlers

import (
	"github.com/sirupsen/logrus"

	"clipforge/internal/correlator"
	"clipforge/internal/ledger"
	"clipforge/internal/scheduler"
	"clipforge/internal/worker"
)

// ApplicationHandler holds shared dependencies for handlers.
type ApplicationHandler struct {
	Store      ledger.Store
	Correlator *correlator.Correlator
	Scheduler  *scheduler.Scheduler
	Pool       *worker.Dispatcher
	Logger     *logrus.Logger
}

// NewApplicationHandler creates an ApplicationHandler with the given dependencies.
func NewApplicationHandler(store ledger.Store, corr *correlator.Correlator, sched *scheduler.Scheduler, pool *worker.Dispatcher, logger *logrus.Logger) *ApplicationHandler {
	return &ApplicationHandler{
		Store:      store,
		Correlator: corr,
		Scheduler:  sched,
		Pool:       pool,
		Logger:     logger,
	}
}

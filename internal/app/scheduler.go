/**
 * @description
 * Cron scheduler for the periodic reconcile sweep. A single job runs
 * ReconcileAll on the configured schedule; a panic inside one run is recovered
 * so the schedule survives.
 *
 * @dependencies
 * - context, log, time: Standard Go libraries.
 * - github.com/robfig/cron/v3: Cron scheduling.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the periodic reconciliation job.
type Scheduler struct {
	cron      *cron.Cron
	service   *Service
	schedule  string
	jobBudget time.Duration
}

// NewScheduler creates a scheduler that sweeps via the given service.
func NewScheduler(service *Service, schedule string) *Scheduler {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Scheduler{
		cron:      c,
		service:   service,
		schedule:  schedule,
		jobBudget: 2 * time.Minute,
	}
}

// Start registers the reconcile job and starts the cron loop.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedule, s.runReconcile); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule reconcile job\" schedule=%q err=%v", s.schedule, err)
		return
	}
	log.Printf("level=info component=scheduler msg=\"scheduled reconcile job\" schedule=%q", s.schedule)
	s.cron.Start()
}

// Stop stops the cron loop; the returned context is done once any running
// job finishes.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runReconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobBudget)
	defer cancel()
	s.service.ReconcileAll(ctx)
}

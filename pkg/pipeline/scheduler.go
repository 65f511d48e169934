package pipeline

import (
	"fmt"

	"github.com/guido-cesarano/forgeflow/pkg/logger"
	"github.com/guido-cesarano/forgeflow/pkg/tasks"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Submitter is the slice of a pipeline manager the scheduler needs. Both
// Manager and EnhancedManager satisfy it.
type Submitter interface {
	SubmitDevTask(planTask tasks.PlanTask, n tasks.Notifier, priority int) (string, error)
}

// Scheduler submits recurring dev tasks on cron specs. Typical use is
// regenerating scaffolding or docs tasks on a cadence.
type Scheduler struct {
	cron   *cron.Cron
	target Submitter
	log    zerolog.Logger
}

// NewScheduler creates a stopped scheduler submitting into target.
func NewScheduler(target Submitter) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		target: target,
		log:    logger.Component("scheduler"),
	}
}

// Schedule registers a recurring submission of the task on the cron spec
// (six-field, seconds first; "@every 1m" also works) and returns the entry
// id. Each firing submits a fresh pipeline task.
func (s *Scheduler) Schedule(spec string, planTask tasks.PlanTask, priority int) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(spec, func() {
		taskID, err := s.target.SubmitDevTask(planTask, nil, priority)
		if err != nil {
			s.log.Error().Err(err).Str("plan_task", planTask.ID).Msg("scheduled submission failed")
			return
		}
		s.log.Info().Str("task_id", taskID).Str("plan_task", planTask.ID).Msg("scheduled task submitted")
	})
	if err != nil {
		return 0, fmt.Errorf("schedule %q: %w", spec, err)
	}
	s.log.Info().Int("entry_id", int(id)).Str("spec", spec).Str("plan_task", planTask.ID).Msg("cron job registered")
	return id, nil
}

// Remove unregisters a cron entry.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
}

// Entries returns the currently registered cron entries.
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}

// Start begins firing registered jobs in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts firing; jobs already running are not interrupted.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.log.Info().Msg("scheduler stopped")
}

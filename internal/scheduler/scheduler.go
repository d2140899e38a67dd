// Package scheduler runs recurring background jobs on cron schedules.
package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a named unit of recurring work.
type Job interface {
	Name() string
	Run() error
}

// Scheduler wraps a seconds-granularity cron runner. All schedules are
// evaluated in UTC.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu   sync.Mutex
	jobs []string
}

// New creates a stopped scheduler.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// AddJob registers a job on a six-field cron spec. Job errors are
// logged and never stop the schedule.
func (s *Scheduler) AddJob(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := job.Run(); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("Scheduled job failed")
			return
		}
		s.log.Info().
			Str("job", job.Name()).
			Dur("took", time.Since(start)).
			Msg("Scheduled job finished")
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.jobs = append(s.jobs, job.Name())
	s.mu.Unlock()
	s.log.Info().Str("job", job.Name()).Str("spec", spec).Msg("Job registered")
	return nil
}

// Start begins dispatching in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.RegisteredJobs())).Msg("Scheduler started")
}

// Stop halts dispatching and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// RegisteredJobs lists job names in registration order.
func (s *Scheduler) RegisteredJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.jobs...)
}

// Package scheduler runs the background jobs: the deadline sweep over
// expired pending teams and the delay-queue consumer that delivers deferred
// timeout checks and refund retries. Jobs run in singleton mode so a slow
// pass cannot overlap itself.
package scheduler

import (
	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
)

// Job is one registered background task.
type Job interface {
	GetName() string
	GetSchedule() gocron.JobDefinition
	Execute()
}

// Manager owns the gocron scheduler and the registered jobs.
type Manager struct {
	scheduler gocron.Scheduler
	jobs      []Job
}

// NewManager creates a scheduler manager with the given jobs.
func NewManager(jobs ...Job) (*Manager, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Manager{scheduler: s, jobs: jobs}, nil
}

// RegisterJobs registers every job with the scheduler.
func (m *Manager) RegisterJobs() {
	for _, job := range m.jobs {
		_, err := m.scheduler.NewJob(
			job.GetSchedule(),
			gocron.NewTask(job.Execute),
			gocron.WithName(job.GetName()),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			log.Error().Err(err).Str("job", job.GetName()).Msg("failed to register job")
			continue
		}
		log.Info().Str("job", job.GetName()).Msg("job registered")
	}
}

// Start begins running the registered jobs.
func (m *Manager) Start() {
	m.scheduler.Start()
	log.Info().Int("jobs", len(m.jobs)).Msg("scheduler started")
}

// Stop shuts the scheduler down, waiting for running jobs to finish.
func (m *Manager) Stop() {
	if err := m.scheduler.Shutdown(); err != nil {
		log.Error().Err(err).Msg("failed to shut down scheduler")
		return
	}
	log.Info().Msg("scheduler stopped")
}

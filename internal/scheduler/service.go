package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

// Service drives the trigger clock and the supervisor on gocron. Both run in
// singleton mode and only while the elector holds leadership.
type Service struct {
	logger             zerolog.Logger
	clock              *TriggerClock
	supervisor         *Supervisor
	elector            *Elector
	tick               time.Duration
	supervisorInterval time.Duration
	scheduler          *gocron.Scheduler
	now                func() time.Time
}

// NewService wires the service. A nil supervisor disables orphan checks.
func NewService(
	logger zerolog.Logger,
	clock *TriggerClock,
	supervisor *Supervisor,
	elector *Elector,
	tick time.Duration,
	supervisorInterval time.Duration,
) *Service {
	return &Service{
		logger:             logger.With().Str("component", "scheduler_service").Logger(),
		clock:              clock,
		supervisor:         supervisor,
		elector:            elector,
		tick:               tick,
		supervisorInterval: supervisorInterval,
		now:                time.Now,
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.logger.Info().Dur("tick", s.tick).Msg("starting scheduler service")

	s.elector.Start(ctx)

	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.WithDistributedElector(s.elector)
	s.scheduler = scheduler

	_, err := scheduler.Every(s.tick).SingletonMode().Do(func() {
		s.runTick(ctx)
	})
	if err != nil {
		return errors.Wrap(err, "failed to schedule trigger clock")
	}

	if s.supervisor != nil && s.supervisorInterval > 0 {
		_, err := scheduler.Every(s.supervisorInterval).SingletonMode().Do(func() {
			s.runSupervisor(ctx)
		})
		if err != nil {
			return errors.Wrap(err, "failed to schedule supervisor")
		}
	}

	scheduler.StartAsync()

	return nil
}

// Run starts the service and blocks until ctx ends. Lock and store failures
// are logged and retried; they never stop the service.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

func (s *Service) Shutdown() error {
	s.logger.Info().Msg("shutting down scheduler service")
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	return s.elector.Shutdown()
}

func (s *Service) runTick(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.tick)
	defer cancel()

	if _, err := s.clock.Tick(ctx, s.now()); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("trigger clock tick failed")
	}
}

func (s *Service) runSupervisor(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.supervisorInterval)
	defer cancel()

	orphans, err := s.supervisor.Check(ctx, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("supervisor check failed")
		return
	}
	if len(orphans) > 0 {
		s.logger.Warn().Int("orphans", len(orphans)).Msg("supervisor found orphaned jobs")
	}
}

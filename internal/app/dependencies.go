package app

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/samber/do"

	"jobdispatch/internal/api"
	"jobdispatch/internal/broker"
	"jobdispatch/internal/config"
	"jobdispatch/internal/constants"
	"jobdispatch/internal/db"
	"jobdispatch/internal/lock"
	"jobdispatch/internal/logging"
	"jobdispatch/internal/publisher"
	"jobdispatch/internal/scheduler"
	"jobdispatch/internal/store"
	"jobdispatch/internal/store/sqlstore"
)

const redisLockPrefix = "jobdispatch"

// Provide registers every component of the control-plane. Components are
// built lazily on first Invoke and shut down in reverse order by
// injector.Shutdown.
func Provide(i *do.Injector, cfg config.Config) {
	do.ProvideValue(i, cfg)
	provideLogger(i)
	provideDatabase(i)
	provideLockManager(i)
	provideJobStore(i)
	provideBroker(i)
	providePublisher(i)
	provideJobManager(i)
	provideScheduler(i)
	provideAPI(i)
}

func provideLogger(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (zerolog.Logger, error) {
		cfg, err := do.Invoke[config.Config](i)
		if err != nil {
			return zerolog.Nop(), err
		}
		logger, err := logging.NewLogger(cfg.Logging)
		if err != nil {
			return zerolog.Nop(), errors.Wrap(err, "failed to create logger")
		}
		return logger.With().Str("scope", cfg.Scope).Logger(), nil
	})
}

func provideDatabase(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*db.Database, error) {
		cfg, err := do.Invoke[config.Config](i)
		if err != nil {
			return nil, err
		}
		conn, dialect, err := db.Open(context.Background(), cfg.Storage)
		if err != nil {
			return nil, err
		}
		return &db.Database{DB: conn, Dialect: dialect}, nil
	})
}

// provideLockManager picks the lock backing migrations and trigger clock
// leadership.
func provideLockManager(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (lock.DistributedLockManager, error) {
		cfg, err := do.Invoke[config.Config](i)
		if err != nil {
			return nil, err
		}

		switch driver := cfg.Lock.Resolved(cfg.Storage.Driver); driver {
		case config.LockDriverPostgres:
			database, err := do.Invoke[*db.Database](i)
			if err != nil {
				return nil, err
			}
			return lock.NewPostgresDistributedLockManager(database.DB), nil
		case config.LockDriverRedis:
			opts, err := redis.ParseURL(cfg.Lock.RedisURL)
			if err != nil {
				return nil, errors.Wrap(err, "failed to parse lock redis url")
			}
			ttl := time.Duration(cfg.Lock.TTLSec) * time.Second
			return lock.NewRedisDistributedLockManager(redis.NewClient(opts), redisLockPrefix, ttl), nil
		case config.LockDriverLocal:
			return lock.NewLocalLockManager(), nil
		default:
			return nil, errors.Newf("unsupported lock driver %q", driver)
		}
	})
}

// provideJobStore migrates the schema before handing out the store.
func provideJobStore(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (store.JobStore, error) {
		database, err := do.Invoke[*db.Database](i)
		if err != nil {
			return nil, err
		}
		locks, err := do.Invoke[lock.DistributedLockManager](i)
		if err != nil {
			return nil, err
		}
		logger, err := do.Invoke[zerolog.Logger](i)
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := db.Migrate(ctx, database.DB, database.Dialect, locks, logger); err != nil {
			return nil, errors.Wrap(err, "failed to migrate job store")
		}
		return sqlstore.NewJobStore(database.DB, database.Dialect), nil
	})
}

func provideBroker(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (broker.MessageBroker, error) {
		cfg, err := do.Invoke[config.Config](i)
		if err != nil {
			return nil, err
		}
		logger, err := do.Invoke[zerolog.Logger](i)
		if err != nil {
			return nil, err
		}
		return broker.NewRabbitMQ(cfg.Broker.URL, logging.Component(logger, "rabbitmq"))
	})
}

func providePublisher(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*publisher.Publisher, error) {
		cfg, err := do.Invoke[config.Config](i)
		if err != nil {
			return nil, err
		}
		b, err := do.Invoke[broker.MessageBroker](i)
		if err != nil {
			return nil, err
		}
		logger, err := do.Invoke[zerolog.Logger](i)
		if err != nil {
			return nil, err
		}
		return publisher.New(b, logger, cfg.Location()), nil
	})
}

func provideJobManager(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*scheduler.JobManager, error) {
		cfg, err := do.Invoke[config.Config](i)
		if err != nil {
			return nil, err
		}
		s, err := do.Invoke[store.JobStore](i)
		if err != nil {
			return nil, err
		}
		b, err := do.Invoke[broker.MessageBroker](i)
		if err != nil {
			return nil, err
		}
		p, err := do.Invoke[*publisher.Publisher](i)
		if err != nil {
			return nil, err
		}
		logger, err := do.Invoke[zerolog.Logger](i)
		if err != nil {
			return nil, err
		}
		return scheduler.NewJobManager(s, b, p, logger, cfg.Scope, cfg.Location()), nil
	})
}

// provideScheduler wires the trigger clock, the supervisor and the elector
// into the service that runs them.
func provideScheduler(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*scheduler.Service, error) {
		cfg, err := do.Invoke[config.Config](i)
		if err != nil {
			return nil, err
		}
		s, err := do.Invoke[store.JobStore](i)
		if err != nil {
			return nil, err
		}
		p, err := do.Invoke[*publisher.Publisher](i)
		if err != nil {
			return nil, err
		}
		locks, err := do.Invoke[lock.DistributedLockManager](i)
		if err != nil {
			return nil, err
		}
		logger, err := do.Invoke[zerolog.Logger](i)
		if err != nil {
			return nil, err
		}

		clock := scheduler.NewTriggerClock(s, p, logger, cfg.Scope, cfg.Location())

		var supervisor *scheduler.Supervisor
		supervisorInterval := time.Duration(cfg.Supervisor.IntervalSeconds) * time.Second
		if cfg.Supervisor.Enabled {
			supervisor = scheduler.NewSupervisor(s, p, logger, cfg.Scope, cfg.Supervisor.StaleFactor, cfg.Supervisor.Reseed)
		}

		lockID := constants.ScopedLockID(constants.TriggerClockLock, cfg.Scope)
		elector := scheduler.NewElector(locks, lockID, logger, cfg.TickInterval())

		return scheduler.NewService(logger, clock, supervisor, elector, cfg.TickInterval(), supervisorInterval), nil
	})
}

func provideAPI(i *do.Injector) {
	do.Provide(i, func(i *do.Injector) (*api.Server, error) {
		cfg, err := do.Invoke[config.Config](i)
		if err != nil {
			return nil, err
		}
		manager, err := do.Invoke[*scheduler.JobManager](i)
		if err != nil {
			return nil, err
		}
		logger, err := do.Invoke[zerolog.Logger](i)
		if err != nil {
			return nil, err
		}

		handler := api.NewRouteHandler(manager, api.HealthInfo{
			Scope:         cfg.Scope,
			TickSeconds:   cfg.TickIntervalSeconds,
			StorageDriver: string(cfg.Storage.Driver),
		})
		return api.NewServer(cfg.HTTP, handler, logger), nil
	})
}

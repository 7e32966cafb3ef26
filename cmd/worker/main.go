// Command worker is a reference consumer: it logs every message it receives
// and follows the full worker contract around that.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"jobdispatch/client"
	"jobdispatch/internal/broker"
	"jobdispatch/internal/config"
	"jobdispatch/internal/logging"
	"jobdispatch/internal/models"
	"jobdispatch/internal/publisher"
	"jobdispatch/worker"
)

type options struct {
	scope        string
	jobID        string
	sharedJobs   []string
	queue        string
	brokerURL    string
	schedulerURL string
	maxParallel  int
	bootstrap    bool
	logging      config.Logging
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logging.Fatal(err, "worker failed")
	}
}

func newRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()
	opts := options{}

	root := &cobra.Command{
		Use:   "worker",
		Short: "Reference job worker",
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Consume one job's queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runWorker(ctx, opts)
		},
	}

	flags := run.Flags()
	flags.StringVar(&opts.scope, "scope", defaults.Scope, "Scope of the job.")
	flags.StringVar(&opts.jobID, "job-id", "", "Job to consume.")
	flags.StringSliceVar(&opts.sharedJobs, "shared-job", nil, "Other job ids published to the same queue.")
	flags.StringVar(&opts.queue, "queue", "", "Live queue; defaults to <scope>.jobs.<job-id>.")
	flags.StringVar(&opts.brokerURL, "broker-url", defaults.Broker.URL, "RabbitMQ URL.")
	flags.StringVar(&opts.schedulerURL, "scheduler-url", "http://localhost:8095", "Control API base URL.")
	flags.IntVar(&opts.maxParallel, "max-parallel", 1, "Messages handled at once.")
	flags.BoolVar(&opts.bootstrap, "bootstrap", false, "Publish one startup run when the worker starts.")
	flags.StringVarP(&opts.logging.Level, "logging.level", "l", "info", "The logging level.")
	flags.BoolVarP(&opts.logging.Pretty, "logging.pretty", "p", false, "Use pretty logging instead of JSON logging.")
	_ = run.MarkFlagRequired("job-id")

	root.AddCommand(run)
	return root
}

func runWorker(ctx context.Context, opts options) error {
	logger, err := logging.NewLogger(opts.logging)
	if err != nil {
		return err
	}

	b, err := broker.NewRabbitMQ(opts.brokerURL, logger)
	if err != nil {
		return errors.Wrap(err, "failed to connect to broker")
	}
	defer b.Close()

	registry := worker.NewRegistry()
	for _, jobID := range append([]string{opts.jobID}, opts.sharedJobs...) {
		if err := registry.Register(jobID, logParams(logger)); err != nil {
			return err
		}
	}

	cfg := worker.Config{
		Scope:       opts.scope,
		JobID:       opts.jobID,
		Queue:       opts.queue,
		MaxParallel: opts.maxParallel,
		Bootstrap:   opts.bootstrap,
	}
	runtime, err := worker.New(cfg,
		b,
		publisher.New(b, logger, nil),
		client.New(opts.schedulerURL, opts.scope),
		registry.Handle,
		logger,
	)
	if err != nil {
		return err
	}

	return runtime.Run(ctx)
}

func logParams(logger zerolog.Logger) worker.Handler {
	return func(_ context.Context, msg *models.JobMessage) error {
		logger.Info().
			Str("job_id", msg.JobID).
			Str("run_id", msg.RunID).
			Str("trigger_source", string(msg.TriggerSource)).
			Interface("params", msg.Params).
			Msg("handling job")
		return nil
	}
}

package main

import (
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/samber/do"
	"github.com/spf13/cobra"

	"jobdispatch/internal/app"
	"jobdispatch/internal/config"
	"jobdispatch/internal/logging"
)

var (
	configPath string
	logger     zerolog.Logger
)

func newRootCmd(i *do.Injector) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Job dispatch control-plane",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			// Source order determines precedence. The last source loaded will
			// override any previous values.
			var sources []*config.Source
			if configPath != "" {
				sources = append(sources, config.NewJsonFileSource(configPath))
			}
			sources = append(sources,
				config.NewEnvVarSource(),
				config.NewPFlagSource(cmd.Flags()),
			)

			cfg, err := config.LoadSources(sources...)
			if err != nil {
				return errors.Wrap(err, "failed to load configs")
			}

			app.Provide(i, cfg)

			logger, err = do.Invoke[zerolog.Logger](i)
			if err != nil {
				return errors.Wrap(err, "failed to initialize logger")
			}

			return nil
		},
	}
}

func Execute() {
	i := do.New()
	rootCmd := newRootCmd(i)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config-path", "c", "", "Path to a JSON config file.")
	flags.StringP("logging.level", "l", "", "The logging level, e.g. 'debug', 'info', 'error', etc.")
	flags.BoolP("logging.pretty", "p", false, "Use pretty logging instead of JSON logging.")
	flags.String("scope", "", "Scope (tenant/environment) this control-plane serves.")
	flags.Int("tick-interval-seconds", 0, "Trigger clock tick in seconds.")
	flags.String("storage.driver", "", "Job store driver: postgres or sqlite.")
	flags.String("storage.dsn", "", "Job store connection string.")
	flags.String("broker.url", "", "RabbitMQ URL.")

	rootCmd.AddCommand(newRunCommand(i))
	rootCmd.AddCommand(newSeedCommand(i))

	if err := rootCmd.Execute(); err != nil {
		if logger.GetLevel() == zerolog.NoLevel {
			// NoLevel indicates that the logger is uninitialized. In this case
			// we'll use our fallback logger.
			logging.Fatal(err, "command failed")
		} else {
			logger.Fatal().
				Err(err).
				Msg("command failed")
		}
	}
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/samber/do"
	"github.com/spf13/cobra"

	"jobdispatch/internal/app"
)

func newSeedCommand(i *do.Injector) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Apply job definitions from a YAML file and exit",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.NewApp(i)
			if err != nil {
				return errors.Wrap(err, "failed to initialize application")
			}
			defer func() {
				err = errors.CombineErrors(err, a.Shutdown())
			}()

			res, err := a.Seed(ctx, file)
			if err != nil {
				return err
			}

			logger.Info().
				Int("created", res.Created).
				Int("updated", res.Updated).
				Msg("seed complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with a jobs: list.")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

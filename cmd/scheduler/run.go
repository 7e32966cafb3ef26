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

func newRunCommand(i *do.Injector) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the control API and the trigger clock",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.NewApp(i)
			if err != nil {
				return errors.Wrap(err, "failed to initialize application")
			}

			return a.Run(ctx)
		},
	}
}

package cli

import (
	"context"
	"errors"
	"sync"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var workers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: "Start the HTTP API. Unless --workers=false is given, the outbox " +
			"dispatcher and the webhook runner run in the same process.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			a.logger.Info("babel: starting",
				"version", Version,
				"listen_addr", a.cfg.ListenAddr,
				"db_driver", a.cfg.DBDriver,
				"host_id", a.cfg.HostID,
				"workers", workers,
			)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			var wg sync.WaitGroup
			if workers {
				a.startWorkers(ctx, &wg)
			}
			err = a.server().Run(ctx)
			cancel()
			wg.Wait()
			return err
		},
	}

	cmd.Flags().BoolVar(&workers, "workers", true, "Run the outbox dispatcher and webhook runner in this process")

	return cmd
}

func newDispatchCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run the outbox dispatcher and webhook runner without the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if once {
				return a.drain(cmd.Context())
			}

			a.logger.Info("babel: dispatching", "version", Version, "db_driver", a.cfg.DBDriver)
			var wg sync.WaitGroup
			a.startWorkers(cmd.Context(), &wg)
			wg.Wait()
			a.logger.Info("dispatcher stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Deliver what is due once and exit")

	return cmd
}

// drain makes one delivery pass over the outbox and the due webhooks. Halted
// queues are reported but do not stop webhook delivery.
func (a *app) drain(ctx context.Context) error {
	outboxErr := a.outbox.Dispatch(ctx)
	n, err := a.runner.Process(ctx)
	a.logger.Info("drained", "webhook_deliveries", n)
	return errors.Join(outboxErr, err)
}

// startWorkers runs the background loops until ctx is cancelled.
func (a *app) startWorkers(ctx context.Context, wg *sync.WaitGroup) {
	wg.Go(func() { a.outbox.Run(ctx) })
	wg.Go(func() { a.runner.Run(ctx) })
}

// File: cmd/run.go
package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kestrelvault/kestrel/internal/observability"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		// A protocol version mismatch means newer clients are talking to
		// an older worker; exit and let the supervisor restart us.
		reload := func() {
			logger.Warn("Worker reload requested, shutting down.")
			cancel()
		}

		components, err := createComponents(ctx, cfg, reload)
		if err != nil {
			return err
		}
		defer components.Shutdown()

		if _, err := components.Auth.Init(ctx); err != nil {
			logger.Warn("Initial session resume failed.", zap.Error(err))
		}

		if components.CDP != nil {
			if err := components.CDP.Start(ctx); err != nil {
				return err
			}
		}

		errCh := make(chan error, 1)
		go func() { errCh <- components.Gateway.Start() }()

		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		}
	},
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"triagent/internal/app"
	"triagent/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the triage engine",
	Long: `Applies pending database migrations, starts the triage workers, and
serves the webhook ingress, health probes and admin API until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		logging.Boot("Received %s, shutting down", sig)
		cancel()
	}()

	application, err := app.New(ctx, cfg, version)
	if err != nil {
		return err
	}
	defer application.Close()

	return application.Run(ctx)
}

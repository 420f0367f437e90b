package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonathan/storyforge/internal/server"
	"github.com/spf13/cobra"
)

var (
	servePort  int
	serveWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start an HTTP server that exposes REST endpoints for definitions, runs, progress
streams and branches. Definition files in definitions_dir are reloaded as they change.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (default from config, 8080)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "Reload definition files in definitions_dir when they change")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cmd.Flags().Changed("port") {
		cfg.Port = servePort
	}

	a, err := buildApp(ctx, cfg, logger, appOptions{generation: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if serveWatch && dirExists(cfg.DefinitionsDir) {
		go func() {
			if err := a.catalog.Watch(ctx, cfg.DefinitionsDir); err != nil {
				logger.Warn().Err(err).Msg("definition watcher stopped")
			}
		}()
	}

	srv, err := server.New(server.Config{
		Port:       cfg.Port,
		Engine:     a.engine,
		Log:        a.log,
		Logger:     logger,
		Gatherer:   a.registry,
		Registerer: a.registry,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Start(ctx)
}

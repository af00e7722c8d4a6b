package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryanchriswhite/overlaysync/internal/api"
	"github.com/bryanchriswhite/overlaysync/internal/capture"
	"github.com/bryanchriswhite/overlaysync/internal/config"
	"github.com/bryanchriswhite/overlaysync/internal/event"
	"github.com/bryanchriswhite/overlaysync/internal/logger"
	"github.com/bryanchriswhite/overlaysync/internal/tracker"
	"github.com/bryanchriswhite/overlaysync/internal/window"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the overlaysync server",
	Long: `Start the tracker and the HTTP API.

Every target in the config file is tracked at startup. More sessions can be
created through the API, which also streams their events over WebSocket.`,
	Example: `  # Start server on default port (8080)
  overlaysync serve

  # Start server on custom port
  overlaysync serve --port 9090

  # Start with specific config file
  overlaysync serve --config /path/to/config.yaml

  # Start with debug logging
  overlaysync serve --log-level debug`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.WithComponent("serve")
	log.Info().
		Str("config", configMgr.ConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	obs, err := window.NewX11Observer(cfg.Display)
	if err != nil {
		return fmt.Errorf("failed to initialize window observer: %w", err)
	}
	defer func() {
		if err := obs.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close window observer")
		}
	}()

	var shooter capture.Screenshotter
	if c, err := capture.NewX11Capturer(obs.Conn(), obs.Screen()); err != nil {
		log.Warn().Err(err).Msg("Screenshots disabled")
	} else {
		shooter = c
	}

	tr := tracker.New(obs, shooter, tracker.Config{PollInterval: cfg.Tracker.PollInterval})
	hub := event.NewHub()
	defer hub.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tr.Run(ctx)
	})

	for _, target := range cfg.Targets {
		id, err := tr.Track(ctx, target.Title, window.Handle(target.OverlayWindow), hub)
		if err != nil {
			log.Warn().
				Err(err).
				Str("title", target.Title).
				Msg("Failed to track configured target")
			continue
		}
		log.Info().
			Uint32("session", uint32(id)).
			Str("title", target.Title).
			Msg("Tracking configured target")
	}

	configMgr.Watch(func(c *config.Config) {
		logger.SetLevel(c.LogLevel)
	})

	server := api.NewServer(tr, hub, api.Options{MaxDimension: cfg.Screenshot.MaxDimension})
	g.Go(func() error {
		return server.Serve(ctx, cfg.ServerPort)
	})

	log.Info().
		Int("port", cfg.ServerPort).
		Int("targets", len(cfg.Targets)).
		Msg("overlaysync is running, press Ctrl+C to stop")

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Shut down gracefully")
	return nil
}

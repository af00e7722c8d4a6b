package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryanchriswhite/overlaysync/internal/event"
	"github.com/bryanchriswhite/overlaysync/internal/logger"
	"github.com/bryanchriswhite/overlaysync/internal/overlay"
	"github.com/bryanchriswhite/overlaysync/internal/tracker"
	"github.com/bryanchriswhite/overlaysync/internal/window"
	"github.com/spf13/cobra"
)

var trackCmd = &cobra.Command{
	Use:   "track TITLE",
	Short: "Track one window title and print its events",
	Long: `Track windows whose title is exactly TITLE and print every tracking event
to stdout until interrupted. Logs go to stderr.`,
	Example: `  # Print events as json lines
  overlaysync track "Calculator"

  # Keep an existing window glued to the target
  overlaysync track "Calculator" --overlay 0x3a00007

  # Create a demo overlay window and print yaml
  overlaysync track "Calculator" --create-overlay --format yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runTrack,
}

var (
	trackOverlay       string
	trackCreateOverlay bool
	trackFormat        string
)

func init() {
	rootCmd.AddCommand(trackCmd)

	trackCmd.Flags().StringVar(&trackOverlay, "overlay", "", "id of an existing overlay window (decimal or 0x hex)")
	trackCmd.Flags().BoolVar(&trackCreateOverlay, "create-overlay", false, "create a demo overlay window that shows the target state")
	trackCmd.Flags().StringVarP(&trackFormat, "format", "f", "json", "output format (json or yaml)")
}

func runTrack(cmd *cobra.Command, args []string) error {
	if trackOverlay != "" && trackCreateOverlay {
		return fmt.Errorf("--overlay and --create-overlay are mutually exclusive")
	}

	printer, err := newRecordPrinter(os.Stdout, trackFormat)
	if err != nil {
		return err
	}

	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.WithComponent("track")

	obs, err := window.NewX11Observer(cfg.Display)
	if err != nil {
		return fmt.Errorf("failed to initialize window observer: %w", err)
	}
	defer func() {
		if err := obs.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close window observer")
		}
	}()

	var sink event.Sink = printer
	overlayWindow := window.None
	switch {
	case trackOverlay != "":
		if overlayWindow, err = window.ParseHandle(trackOverlay); err != nil {
			return err
		}
	case trackCreateOverlay:
		w, err := overlay.Open(cfg.Display, overlay.DefaultOptions())
		if err != nil {
			return err
		}
		defer func() {
			if err := w.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close overlay window")
			}
		}()
		overlayWindow = w.Handle()
		painter := overlay.NewPainter(w, args[0])
		w.OnExpose(painter.Repaint)
		sink = event.Tee(printer, painter)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr := tracker.New(obs, nil, tracker.Config{PollInterval: cfg.Tracker.PollInterval})
	runErr := make(chan error, 1)
	go func() {
		runErr <- tr.Run(ctx)
	}()

	id, err := tr.Track(ctx, args[0], overlayWindow, sink)
	if err != nil {
		stop()
		<-runErr
		return fmt.Errorf("failed to track %q: %w", args[0], err)
	}
	log.Info().
		Uint32("session", uint32(id)).
		Str("title", args[0]).
		Stringer("overlay", overlayWindow).
		Msg("Tracking, press Ctrl+C to stop")

	sessionErr := make(chan error, 1)
	go func() {
		sessionErr <- tr.Wait(ctx, id)
	}()

	select {
	case err := <-sessionErr:
		if err != nil && ctx.Err() == nil {
			stop()
			<-runErr
			return fmt.Errorf("tracking %q failed: %w", args[0], err)
		}
		return <-runErr
	case err := <-runErr:
		return err
	}
}

package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/overlaysync/internal/config"
	"github.com/bryanchriswhite/overlaysync/internal/logger"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "overlaysync",
		Short: "overlaysync - keep overlay windows glued to target windows",
		Long: `overlaysync watches the desktop for windows with a given title and keeps
an overlay window synchronized with them: it follows the target's position
and size, shows while the target is attached and hides when it goes away.

Features:
  • Exact title matching against the foreground window
  • Attach, focus, blur, detach, fullscreen and move/resize events
  • Any number of concurrent tracking sessions
  • Screenshots and MJPEG previews of the tracked window
  • REST + WebSocket API for integration
  • Persistent configuration`,
		SilenceUsage: true,
	}
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/overlaysync/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "human readable log output")
	rootCmd.PersistentFlags().String("display", "", "X display to connect to (default is $DISPLAY)")
	rootCmd.PersistentFlags().Duration("poll-interval", 0, "foreground reconciliation interval (default is 83ms)")
}

// loadConfig opens the config file, applies flag overrides and initializes
// logging from the result.
func loadConfig(cmd *cobra.Command) (*config.Manager, *config.Config, error) {
	configMgr, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := configMgr.BindFlags(cmd.Flags()); err != nil {
		return nil, nil, err
	}

	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	return configMgr, cfg, nil
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

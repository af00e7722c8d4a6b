package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/overlaysync/internal/config"
	"github.com/bryanchriswhite/overlaysync/internal/window"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage overlaysync configuration",
	Long:  `View and manage overlaysync configuration settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current overlaysync configuration.`,
	Example: `  # Show configuration as YAML (default)
  overlaysync config show

  # Show configuration as JSON
  overlaysync config show --format json`,
	RunE: runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a configuration value",
	Long:  `Set a specific configuration value.`,
	Example: `  # Set server port
  overlaysync config set server_port 9090

  # Poll the foreground window less often
  overlaysync config set tracker.poll_interval 200ms`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Get a configuration value",
	Long:  `Get a specific configuration value.`,
	Example: `  # Get server port
  overlaysync config get server_port

  # Get log level
  overlaysync config get log_level`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigGet,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	Long:  `Display the path to the configuration file.`,
	RunE:  runConfigPath,
}

var configAddTargetCmd = &cobra.Command{
	Use:   "add-target TITLE",
	Short: "Track a window title whenever the server starts",
	Example: `  # Track Calculator with an existing overlay window
  overlaysync config add-target "Calculator" --overlay 0x3a00007`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigAddTarget,
}

var (
	formatFlag       string
	addTargetOverlay string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configAddTargetCmd)

	configShowCmd.Flags().StringVarP(&formatFlag, "format", "f", "yaml", "output format (yaml or json)")
	configAddTargetCmd.Flags().StringVar(&addTargetOverlay, "overlay", "", "overlay window id (decimal or 0x hex)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return writeFormatted(os.Stdout, formatFlag, cfg)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	configMgr, err := config.NewManager(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := configMgr.Set(key, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	fmt.Printf("Configuration updated: %s = %s\n", key, value)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	configMgr, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	value, ok := configMgr.Value(key)
	if !ok {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	fmt.Println(value)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println(configMgr.ConfigPath())
	return nil
}

func runConfigAddTarget(cmd *cobra.Command, args []string) error {
	target := config.Target{Title: args[0]}
	if addTargetOverlay != "" {
		h, err := window.ParseHandle(addTargetOverlay)
		if err != nil {
			return err
		}
		target.OverlayWindow = uint64(h)
	}

	configMgr, err := config.NewManager(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := configMgr.AddTarget(target); err != nil {
		return err
	}

	fmt.Printf("Target added: %s\n", target.Title)
	return nil
}

package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/bryanchriswhite/overlaysync/internal/window"
	"github.com/spf13/cobra"
)

var windowsCmd = &cobra.Command{
	Use:   "windows",
	Short: "List top-level windows",
	Long: `List the top-level windows known to the window manager, with the exact
titles to pass to "overlaysync track".`,
	Example: `  # List windows in table format (default)
  overlaysync windows

  # List windows in JSON format
  overlaysync windows --format json

  # Show the active window
  overlaysync windows --current`,
	RunE: runWindows,
}

var (
	windowsFormat  string
	windowsCurrent bool
)

func init() {
	rootCmd.AddCommand(windowsCmd)

	windowsCmd.Flags().StringVarP(&windowsFormat, "format", "f", "table", "output format (table, json or yaml)")
	windowsCmd.Flags().BoolVarP(&windowsCurrent, "current", "c", false, "show the active window")
}

func runWindows(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	obs, err := window.NewX11Observer(cfg.Display)
	if err != nil {
		return fmt.Errorf("failed to connect to X11: %w", err)
	}
	defer obs.Close()

	if windowsCurrent {
		return showCurrentWindow(obs)
	}

	windows, err := obs.ListWindows()
	if err != nil {
		return fmt.Errorf("failed to list windows: %w", err)
	}

	if windowsFormat == "table" {
		return printWindowsTable(windows)
	}
	return writeFormatted(os.Stdout, windowsFormat, windows)
}

func printWindowsTable(windows []window.Info) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tTITLE\tCLASS\tPID\tGEOMETRY")
	fmt.Fprintln(w, "--\t-----\t-----\t---\t--------")

	for _, info := range windows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", info.Handle, info.Title, info.Class, info.PID, geometry(info.Bounds))
	}

	return nil
}

func showCurrentWindow(obs *window.X11Observer) error {
	h := obs.Foreground()
	if h == window.None {
		fmt.Println("No window is currently active")
		return nil
	}
	info := obs.Info(h)

	if windowsFormat != "table" {
		return writeFormatted(os.Stdout, windowsFormat, info)
	}

	fmt.Printf("ID:       %s\n", info.Handle)
	fmt.Printf("Title:    %s\n", info.Title)
	fmt.Printf("Class:    %s\n", info.Class)
	fmt.Printf("PID:      %d\n", info.PID)
	fmt.Printf("Geometry: %s\n", geometry(info.Bounds))
	return nil
}

func geometry(b window.Bounds) string {
	return fmt.Sprintf("%dx%d at (%d, %d)", b.Width, b.Height, b.X, b.Y)
}

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/webpeel/webpeel/internal/fetch"
)

// newScreenshotCmd creates the 'screenshot' subcommand, a thin shortcut
// over the browser pipeline's capture path.
func newScreenshotCmd() *cobra.Command {
	var (
		outFile  string
		fullPage bool
		stealth  bool
		wait     time.Duration
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "screenshot URL",
		Short: "Captures a rendered page as a PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			png, err := appInstance.engine.Screenshot(cmd.Context(), args[0], fetch.BrowserOptions{
				Wait:     wait,
				Timeout:  timeout,
				Stealth:  stealth,
				FullPage: fullPage,
			})
			if err != nil {
				return err
			}
			if len(png) == 0 {
				return fmt.Errorf("no screenshot captured for %s", args[0])
			}

			if outFile == "" {
				_, err = cmd.OutOrStdout().Write(png)
				return err
			}
			return os.WriteFile(outFile, png, 0o644)
		},
	}

	cmd.Flags().StringVar(&outFile, "out", "", "write the PNG to a file instead of stdout")
	cmd.Flags().BoolVar(&fullPage, "full-page", false, "capture the full scroll height")
	cmd.Flags().BoolVar(&stealth, "stealth", false, "use the stealth browser")
	cmd.Flags().DurationVar(&wait, "wait", 0, "extra settle delay after navigation")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall timeout (0 uses the configured default)")

	return cmd
}

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/iksnae/chattabs/internal"
	"github.com/spf13/cobra"
)

var healthcheckVerbose bool

var (
	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39"))

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("62")).
			Bold(true).
			Underline(true)
)

// healthcheckCmd represents the healthcheck command
var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Check that the chat server and the local cache are usable",
	Long: `Check the health of chattabs by verifying:
  • Configuration
  • Chat server reachability and chat count
  • Local cache accessibility

The command fails when the server cannot be reached.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, sectionStyle.Render("chattabs health check"))
		fmt.Fprintln(out)

		fmt.Fprintln(out, infoStyle.Render("Step 1: Configuration"))
		internal.PrintSuccess(out, "Configuration is valid")
		if healthcheckVerbose {
			fmt.Fprintf(out, "   Server: %s\n", cfg.Server)
			fmt.Fprintf(out, "   Base path: %s\n", cfg.BasePath)
			fmt.Fprintf(out, "   Timeout: %v\n", cfg.Timeout())
			if cfg.Model != "" {
				fmt.Fprintf(out, "   Model: %s\n", cfg.Model)
			}
		}
		fmt.Fprintln(out)

		fmt.Fprintln(out, infoStyle.Render("Step 2: Chat server"))
		gw := newGateway()
		start := time.Now()
		chats, serverErr := gw.ListSessions(cmd.Context())
		if serverErr != nil {
			internal.PrintError(out, fmt.Sprintf("Cannot reach %s: %v", gw.BaseURL(), serverErr))
		} else {
			internal.PrintSuccess(out, fmt.Sprintf("Server reachable, %d chat(s)", len(chats)))
			if healthcheckVerbose {
				fmt.Fprintf(out, "   Responded in %v\n", time.Since(start).Round(time.Millisecond))
			}
		}
		fmt.Fprintln(out)

		// the cache is opened read-only so a health check never creates it
		fmt.Fprintln(out, infoStyle.Render("Step 3: Local cache"))
		if _, err := os.Stat(cfg.CachePath); os.IsNotExist(err) {
			internal.PrintInfo(out, "No cache yet, it is created when a chat is first read")
		} else if cache, err := internal.OpenCacheReadOnly(cfg.CachePath); err != nil {
			internal.PrintWarning(out, fmt.Sprintf("Cannot open cache: %v", err))
		} else {
			defer cache.Close()
			cached, err := cache.ListChats(cmd.Context())
			if err != nil {
				internal.PrintWarning(out, fmt.Sprintf("Cache unreadable: %v", err))
			} else {
				internal.PrintSuccess(out, fmt.Sprintf("Cache readable, %d chat(s)", len(cached)))
			}
		}
		if healthcheckVerbose {
			fmt.Fprintf(out, "   Path: %s\n", cfg.CachePath)
		}
		fmt.Fprintln(out)

		if serverErr != nil {
			return fmt.Errorf("health check failed: %w", serverErr)
		}
		internal.PrintSuccess(out, "All checks passed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthcheckCmd)
	healthcheckCmd.Flags().BoolVarP(&healthcheckVerbose, "verbose", "v", false, "Show detailed information")
}

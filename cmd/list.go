package cmd

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/iksnae/chattabs/internal"
	"github.com/spf13/cobra"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List chats",
	Long: `List all chats known to the server, most recently updated first.

With --offline, or when the server cannot be reached, the chats stored in
the local cache are listed instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		source := "server"

		var chats []internal.ChatSummary
		var err error
		if !offline {
			chats, err = newGateway().ListSessions(ctx)
			if err != nil && !fromCache(err) {
				return fmt.Errorf("failed to list chats: %w", err)
			}
		}

		if offline || err != nil {
			if err != nil {
				internal.LogWarn("Server unavailable, listing cached chats: %v", err)
			}
			cache, cacheErr := openCache()
			if cacheErr != nil {
				return cacheErr
			}
			defer cache.Close()

			chats, cacheErr = cache.ListChats(ctx)
			if cacheErr != nil {
				return fmt.Errorf("failed to list cached chats: %w", cacheErr)
			}
			source = "cache"
		}

		displayChats(cmd.OutOrStdout(), chats, source)
		return nil
	},
}

func displayChats(out io.Writer, chats []internal.ChatSummary, source string) {
	if len(chats) == 0 {
		fmt.Fprintln(out, headerStyle.Render("No chats found"))
		return
	}

	chats = append([]internal.ChatSummary(nil), chats...)
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
	})

	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Found %d chat(s) (%s)", len(chats), source)))
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, titleStyle.Render("ID")+"\t"+titleStyle.Render("Title")+"\t"+titleStyle.Render("Updated")+"\t")
	_, _ = fmt.Fprintln(w, strings.Repeat("─", 80))

	for _, chat := range chats {
		title := chat.Title
		if title == "" {
			title = "Untitled"
		}
		title = truncate(title, 50)

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t\n", idStyle.Render(chat.ID), title, dateStyle.Render(formatRelative(chat.UpdatedAt, time.Now())))
	}
	_ = w.Flush()

	fmt.Fprintln(out)
	fmt.Fprintln(out, idStyle.Render("Tip: chattabs show "+chats[0].ID))
}

// truncate shortens s to at most limit runes, marking the cut with "..."
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}

// formatRelative renders recent times compactly
func formatRelative(t, now time.Time) string {
	if t.IsZero() {
		return "—"
	}
	t = t.Local()
	diff := now.Sub(t)
	switch {
	case diff < 24*time.Hour:
		return t.Format("Today 15:04")
	case diff < 7*24*time.Hour:
		return t.Format("Mon 15:04")
	case diff < 365*24*time.Hour:
		return t.Format("Jan 02 15:04")
	default:
		return t.Format("2006-01-02")
	}
}

// messageCount renders a count for status lines
func messageCount(n int) string {
	if n == 1 {
		return "1 message"
	}
	return strconv.Itoa(n) + " messages"
}

func init() {
	rootCmd.AddCommand(listCmd)
}

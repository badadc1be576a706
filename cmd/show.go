package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/iksnae/chattabs/internal"
	"github.com/spf13/cobra"
)

var showLimit int

var (
	// Styles for show command
	sessionHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("212")).
				Padding(0, 1).
				MarginBottom(1)

	sessionMetaStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("243")).
				MarginBottom(1)

	userMessageStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("39")).
				Bold(true).
				Padding(0, 1)

	assistantMessageStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("135")).
				Bold(true).
				Padding(0, 1)

	messageContentStyle = lipgloss.NewStyle().
				Padding(0, 2).
				MarginBottom(1)
)

// showCmd represents the show command
var showCmd = &cobra.Command{
	Use:   "show <chat-id>",
	Short: "Show the messages of a chat",
	Long: `Display the messages of a chat. The chat is stored in the local cache so it
can be shown later with --offline.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chat, err := fetchChat(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		displayChatHeader(out, chat)

		messages := chat.Messages
		total := len(messages)
		if showLimit > 0 && showLimit < total {
			messages = messages[total-showLimit:]
			fmt.Fprintln(out, sessionMetaStyle.Render(fmt.Sprintf("... %d earlier message(s) hidden", total-showLimit)))
		}

		for _, msg := range messages {
			displayMessage(out, msg)
		}
		return nil
	},
}

func displayChatHeader(out io.Writer, chat *internal.ChatRecord) {
	title := chat.Title
	if title == "" {
		title = "Untitled"
	}
	fmt.Fprintln(out, sessionHeaderStyle.Render(title))

	meta := []string{"ID: " + chat.ID, messageCount(len(chat.Messages))}
	if !chat.UpdatedAt.IsZero() {
		meta = append(meta, "Updated: "+chat.UpdatedAt.Local().Format(time.RFC3339))
	}
	fmt.Fprintln(out, sessionMetaStyle.Render(strings.Join(meta, " • ")))
}

func displayMessage(out io.Writer, msg internal.Message) {
	label := userMessageStyle.Render("You")
	if msg.Role == internal.RoleAssistant {
		label = assistantMessageStyle.Render("Assistant")
	}
	fmt.Fprintln(out, label)
	fmt.Fprintln(out, messageContentStyle.Render(msg.Content))
}

func init() {
	rootCmd.AddCommand(showCmd)
	showCmd.Flags().IntVarP(&showLimit, "limit", "n", 0, "Show only the last N messages")
}

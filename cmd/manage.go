package cmd

import (
	"fmt"
	"strings"

	"github.com/iksnae/chattabs/internal"
	"github.com/spf13/cobra"
)

// newCmd represents the new command
var newCmd = &cobra.Command{
	Use:   "new [title]",
	Short: "Create a chat",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		title := strings.TrimSpace(strings.Join(args, " "))
		if title == "" {
			title = cfg.DefaultTitle
		}

		id := internal.NewID()
		chat, err := newGateway().CreateSession(cmd.Context(), id, title)
		if err != nil {
			return fmt.Errorf("failed to create chat: %w", err)
		}

		internal.PrintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Created %q", chat.Title))
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

// renameCmd represents the rename command
var renameCmd = &cobra.Command{
	Use:   "rename <chat-id> <title>",
	Short: "Rename a chat",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		title := strings.TrimSpace(strings.Join(args[1:], " "))
		if title == "" {
			return fmt.Errorf("title must not be empty")
		}

		if err := newGateway().RenameSession(cmd.Context(), id, title); err != nil {
			return fmt.Errorf("failed to rename chat: %w", err)
		}

		internal.PrintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Renamed %s to %q", id, title))
		return nil
	},
}

// deleteCmd represents the delete command
var deleteCmd = &cobra.Command{
	Use:   "delete <chat-id>",
	Short: "Delete a chat and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		if err := newGateway().DeleteSession(cmd.Context(), id); err != nil {
			return fmt.Errorf("failed to delete chat: %w", err)
		}

		if cache, err := openCache(); err == nil {
			if err := cache.DeleteChat(cmd.Context(), id); err != nil {
				internal.LogWarn("%v", err)
			}
			cache.Close()
		}

		internal.PrintSuccess(cmd.OutOrStdout(), "Deleted "+id)
		return nil
	},
}

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <message>",
	Short: "Send a message and stream the reply",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		content := strings.Join(args[1:], " ")
		if strings.TrimSpace(content) == "" {
			return fmt.Errorf("message must not be empty")
		}

		out := cmd.OutOrStdout()
		_, err := newGateway().SendAndStream(cmd.Context(), id, internal.NewID(), content, func(fragment string) {
			fmt.Fprint(out, fragment)
		})
		fmt.Fprintln(out)
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
		return nil
	},
}

// cacheCmd groups the cache maintenance commands
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the local chat cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached chat",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := openCache()
		if err != nil {
			return err
		}
		defer cache.Close()

		n, err := cache.Clear(cmd.Context())
		if err != nil {
			return err
		}
		internal.PrintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Cleared %d cached chat(s)", n))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(newCmd, renameCmd, deleteCmd, sendCmd, cacheCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/iksnae/chattabs/internal"
	"github.com/iksnae/chattabs/internal/export"
	"github.com/spf13/cobra"
)

var (
	format string
	output string
)

// exportCmd represents the export command
var exportCmd = &cobra.Command{
	Use:   "export <chat-id>",
	Short: "Export a chat to a file",
	Long: `Export a chat as jsonl, md, yaml or json.

Without --output the export is written to stdout. If --output names an
existing directory the file is called <chat-id>.<ext> inside it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exporter, err := export.NewExporter(format)
		if err != nil {
			return err
		}

		chat, err := fetchChat(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if output == "" {
			return exporter.Export(chat, cmd.OutOrStdout())
		}

		path := output
		if info, err := os.Stat(output); err == nil && info.IsDir() {
			path = filepath.Join(output, fmt.Sprintf("%s.%s", chat.ID, exporter.Extension()))
		}

		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create file %s: %w", path, err)
		}
		defer file.Close()

		if err := exporter.Export(chat, file); err != nil {
			return fmt.Errorf("failed to export chat %s: %w", chat.ID, err)
		}

		internal.PrintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Exported %s to %s", messageCount(len(chat.Messages)), path))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&format, "format", "f", "md", "Export format (jsonl, md, yaml, json)")
	exportCmd.Flags().StringVarP(&output, "output", "o", "", "Output file or directory (default stdout)")
}

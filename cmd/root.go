package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/iksnae/chattabs/internal"
	"github.com/iksnae/chattabs/internal/config"
	"github.com/iksnae/chattabs/internal/gateway"
	"github.com/spf13/cobra"
)

var (
	verbose    bool
	configPath string
	serverURL  string
	modelName  string
	offline    bool
	version    string = "dev"
	commit     string = "unknown"
	date       string = "unknown"

	// cfg is resolved once per invocation by the root PersistentPreRunE
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chattabs",
	Short: "Tabbed terminal client for a chat server",
	Long: `A terminal client for a chat server that keeps several conversations open
as tabs and streams assistant replies as they are generated.

Features:
  • Interactive tabbed chat with streamed replies
  • List, show, rename and delete chats
  • Export chats as JSONL, Markdown, YAML or JSON
  • Offline access to chats seen before via a local cache

Quick Start:
  chattabs chat                     # Open the interactive client
  chattabs list                     # List all chats
  chattabs show <chat-id>           # Print a chat
  chattabs export <chat-id> -f md   # Export a chat as Markdown`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	defer internal.SyncLogger()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves the configuration: file, then environment, then flags
func loadConfig() error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}

	loaded.ApplyEnv()
	if serverURL != "" {
		loaded.Server = serverURL
	}
	if modelName != "" {
		loaded.Model = modelName
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := internal.ParseLogLevel(loaded.LogLevel)
	if err != nil {
		return err
	}
	internal.SetLogLevel(level)
	if verbose {
		internal.SetVerbose(true)
	}

	cfg = loaded
	internal.LogDebug("Using server %s%s", cfg.Server, cfg.BasePath)
	return nil
}

func newGateway() *gateway.HTTPClient {
	return gateway.NewHTTPClient(cfg.Server,
		gateway.WithBasePath(cfg.BasePath),
		gateway.WithModel(cfg.Model),
		gateway.WithTimeout(cfg.Timeout()),
	)
}

// openCache opens the transcript cache. Callers treat failures as a missing
// cache.
func openCache() (*internal.CacheManager, error) {
	cache, err := internal.NewCacheManager(cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", cfg.CachePath, err)
	}
	return cache, nil
}

// cacheChat stores a fetched chat, logging failures
func cacheChat(ctx context.Context, chat *internal.ChatRecord) {
	cache, err := openCache()
	if err != nil {
		internal.LogWarn("%v", err)
		return
	}
	defer cache.Close()

	if err := cache.SaveChat(ctx, chat); err != nil {
		internal.LogWarn("Failed to cache chat %s: %v", chat.ID, err)
	}
}

// fromCache reports whether a read should be answered by the cache
func fromCache(err error) bool {
	return offline || internal.IsTransportError(err)
}

// fetchChat loads a chat from the server, falling back to the cache when
// offline or when the server cannot be reached
func fetchChat(ctx context.Context, id string) (*internal.ChatRecord, error) {
	var err error
	if !offline {
		var chat *internal.ChatRecord
		chat, err = newGateway().GetSession(ctx, id)
		if err == nil {
			cacheChat(ctx, chat)
			return chat, nil
		}
		if !fromCache(err) {
			return nil, fmt.Errorf("failed to get chat: %w", err)
		}
		internal.LogWarn("Server unavailable, reading chat from cache: %v", err)
	}

	cache, cacheErr := openCache()
	if cacheErr != nil {
		return nil, cacheErr
	}
	defer cache.Close()

	chat, cacheErr := cache.LoadChat(ctx, id)
	if cacheErr != nil {
		if err != nil {
			return nil, fmt.Errorf("failed to get chat: %w", err)
		}
		return nil, cacheErr
	}
	return chat, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.chattabs/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Chat server URL (overrides config and $"+config.ServerEnv+")")
	rootCmd.PersistentFlags().StringVar(&modelName, "model", "", "Model requested for replies")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "Read chats from the local cache only")

	// Set version template to ensure --version flag works
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

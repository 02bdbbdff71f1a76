package main

import (
	"log/slog"
	"os"

	"imagesearch/internal/config"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command. Running it without a subcommand
// starts the server.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "imagesearch",
		Short:         "Content-addressed image search server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			setupLogging(cmd)
		},
		RunE: runServe,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(),
		newIndexCmd(),
		newThumbnailsCmd(),
		newShowConfigCmd(),
		newInitDatabaseCmd(),
	)
	return root
}

func setupLogging(cmd *cobra.Command) {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

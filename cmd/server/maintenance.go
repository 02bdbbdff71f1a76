package main

import (
	"context"
	"fmt"
	"strings"

	"imagesearch/internal/models"
	"imagesearch/internal/services"
	"imagesearch/internal/storage"
	"imagesearch/internal/vectordb"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index <dir>",
		Short: "Index every image under a local directory",
		Long: "Copy images from a local directory into the configured storage and index them. " +
			"Images already indexed are skipped.",
		Args: cobra.ExactArgs(1),
		RunE: runIndex,
	}
	cmd.Flags().String("pattern", "**", "glob matched against paths relative to <dir>")
	cmd.Flags().StringSlice("categories", nil, "categories given to every image")
	cmd.Flags().Bool("starred", false, "star every image")
	cmd.Flags().Bool("skip-ocr", false, "skip OCR text extraction")
	cmd.Flags().String("thumbnail", string(models.ThumbnailIfNecessary), "thumbnail policy: if_necessary, always or never")
	return cmd
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	pattern, _ := flags.GetString("pattern")
	categories, _ := flags.GetStringSlice("categories")
	starred, _ := flags.GetBool("starred")
	skipOCR, _ := flags.GetBool("skip-ocr")
	rawPolicy, _ := flags.GetString("thumbnail")
	policy, err := models.ParseThumbnailPolicy(rawPolicy)
	if err != nil {
		return err
	}

	src, err := storage.NewLocal(args[0])
	if err != nil {
		return err
	}

	ctx, stop := exitOnSignal(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, wireOptions{models: true})
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.processor.IndexDirectory(ctx, src, pattern,
		services.Draft{Categories: categories, Starred: starred},
		services.UploadOptions{SkipOCR: skipOCR, Thumbnail: policy})
	if err != nil {
		return err
	}
	// Wait for the worker before reporting.
	a.processor.Shutdown()
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "admitted %d, duplicates %d, failed %d, indexed %d\n",
		report.Admitted, report.Duplicates, report.Failed, a.processor.Processed())
	return err
}

func newThumbnailsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "thumbnails",
		Short: "Generate missing thumbnails for locally stored images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := exitOnSignal(cmd.Context())
			defer stop()

			a, err := newApp(ctx, cfg, wireOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.processor.BackfillThumbnails(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "generated %d thumbnails\n", n)
			return err
		},
	}
}

func newShowConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show-config",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg.Redacted()); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func newInitDatabaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-database",
		Short: "Create the vector table and its indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.VectorDB.DSN) == "" {
				return fmt.Errorf("vectordb.dsn is empty, nothing to initialise")
			}
			store, pool, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			return reportCount(cmd.Context(), cmd, store)
		},
	}
}

func reportCount(ctx context.Context, cmd *cobra.Command, store vectordb.Store) error {
	n, err := store.Count(ctx, nil)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "database ready, %d images indexed\n", n)
	return err
}

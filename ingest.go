package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/itish2003/ragask/config"
	"github.com/itish2003/ragask/services"
)

func newIngestCommand(root *rootOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "ingest [path]",
		Short: "Index .txt, .md and .pdf files into the Chroma collection",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap(root, (*config.Config).ValidateIngest)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			ctx := cmd.Context()

			if cfg.Search.Provider != config.ProviderChroma {
				return fmt.Errorf("ingest requires search provider %q, configured %q", config.ProviderChroma, cfg.Search.Provider)
			}
			path := cfg.Ingest.Path
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return errors.New("no path given and INDEX_PATH is not set")
			}

			if err := services.SetUnidocLicense(cfg.Ingest.UnidocLicenseKey); err != nil {
				logger.Warn("PDF processing will fail", zap.Error(err))
			}

			httpClient := services.NewHTTPClient(cfg.Server.HTTPTimeout)
			embedder := services.NewOllamaEmbedder(httpClient, cfg.Search.OllamaURL, cfg.Search.EmbeddingModel)
			retriever, err := services.NewChromaRetriever(ctx, cfg.Search, embedder, logger)
			if err != nil {
				return err
			}
			defer closeIfCloser(retriever, logger)

			indexer := services.NewIndexingService(retriever.Collection(), embedder, cfg.Ingest, logger)
			report, err := indexer.ScanAndIndex(ctx, path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d, unchanged %d, removed %d, failed %d\n",
				report.Indexed, report.Unchanged, report.Removed, report.Failed)

			if !watch {
				return nil
			}
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("--watch needs a directory, %s is a file", path)
			}
			return indexer.Watch(ctx, path)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep watching the directory for changes")
	return cmd
}

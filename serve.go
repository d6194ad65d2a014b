package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/itish2003/ragask/config"
	"github.com/itish2003/ragask/controller"
	"github.com/itish2003/ragask/services"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap(root, (*config.Config).Validate)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx := cmd.Context()

			httpClient := services.NewHTTPClient(cfg.Server.HTTPTimeout)
			retriever, err := services.NewRetriever(ctx, httpClient, cfg.Search, logger)
			if err != nil {
				return err
			}
			defer closeIfCloser(retriever, logger)
			generator, err := services.NewGenerator(ctx, httpClient, cfg.Chat)
			if err != nil {
				return err
			}

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics := services.NewMetrics(registry)

			orchestrator := services.NewOrchestrator(cfg.RagConfig, retriever, generator, logger, metrics)
			ragController := controller.NewRAGController(orchestrator, logger, version)

			gin.SetMode(cfg.Server.Mode)
			router := controller.NewRouter(ragController, logger,
				promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

			server := &http.Server{
				Addr:    cfg.Server.Addr,
				Handler: router,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server starting",
					zap.String("addr", server.Addr),
					zap.String("search_provider", cfg.Search.Provider),
					zap.String("chat_provider", cfg.Chat.Provider),
					zap.String("version", version))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("server shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/itish2003/ragask/config"
	"github.com/itish2003/ragask/logging"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "1.0.0"

type rootOptions struct {
	configPath string
	envFiles   []string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "ragask",
		Short:         "Answer questions with Azure AI Search context and an LLM",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load (default .env)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCommand(opts),
		newAskCommand(opts),
		newIngestCommand(opts),
	)
	return cmd
}

// bootstrap resolves the configuration and builds the logger. Configuration
// errors surface here, before any network call.
func bootstrap(opts *rootOptions, validate func(*config.Config) error) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.configPath, opts.envFiles...)
	if err != nil {
		return nil, nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, nil, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func closeIfCloser(v any, logger *zap.Logger) {
	if c, ok := v.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warn("failed to close backend client", zap.Error(err))
		}
	}
}

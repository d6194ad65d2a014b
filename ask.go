package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/itish2003/ragask/config"
	"github.com/itish2003/ragask/services"
)

func newAskCommand(root *rootOptions) *cobra.Command {
	var question string

	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Answer one question read from stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap(root, (*config.Config).Validate)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
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

			orchestrator := services.NewOrchestrator(cfg.RagConfig, retriever, generator, logger, nil)
			if question == "" {
				fmt.Fprintln(os.Stderr, "Enter a question:")
			}
			return runAsk(ctx, orchestrator, cmd.InOrStdin(), cmd.OutOrStdout(), question)
		},
	}
	cmd.Flags().StringVarP(&question, "question", "q", "", "question to ask instead of reading stdin")
	return cmd
}

// runAsk answers one question and prints the retrieved context followed by
// the answer. When question is empty, one line is read from in.
func runAsk(ctx context.Context, svc services.RAGService, in io.Reader, out io.Writer, question string) error {
	if question == "" {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read question: %w", err)
		}
		question = strings.TrimSpace(line)
	}
	if question == "" {
		return services.ErrEmptyQuestion
	}

	answer, err := svc.Answer(ctx, question)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\nRetrieved Context:\n\n%s\n", answer.Context)
	fmt.Fprintf(out, "\nAnswer:\n\n%s\n", answer.Answer)
	return nil
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/aether-labs/internal/agent"
	"github.com/ashureev/aether-labs/internal/catalog"
	"github.com/ashureev/aether-labs/internal/chat"
	"github.com/ashureev/aether-labs/internal/config"
	"github.com/ashureev/aether-labs/internal/tui"
	"github.com/spf13/cobra"
)

var errNoAPIKey = errors.New("GEMINI_API_KEY is not set")

var newCompleter = func(ctx context.Context, cfg *config.Config, cat *catalog.Catalog, logger *slog.Logger) (chat.Completer, error) {
	if !cfg.CompletionEnabled() {
		return nil, errNoAPIKey
	}
	return agent.NewGenAICompleter(ctx, agent.Config{
		APIKey:            cfg.Gemini.APIKey,
		Model:             cfg.Gemini.Model,
		Timeout:           cfg.Gemini.Timeout,
		SystemInstruction: cat.Assistant.SystemInstruction,
	}, logger)
}

// AskCmd asks the workshop assistant a single question.
func AskCmd(opts *options) *cobra.Command {
	var (
		width int
		style string
		raw   bool
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask the workshop assistant a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cat, err := opts.load()
			if err != nil {
				return err
			}
			logger := opts.logger(cmd)

			completer, err := newCompleter(cmd.Context(), cfg, cat, logger)
			if err != nil {
				return err
			}
			session := chat.NewSession(completer, cat.Assistant.Greeting, logger)
			defer func() { _ = session.Close() }()

			reply, err := session.Submit(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if raw {
				fmt.Fprintln(out, reply.Text)
				return nil
			}
			rendered, err := tui.RenderMarkdown(reply.Text, width, style)
			if err != nil {
				logger.Warn("Markdown rendering failed, printing raw reply", "error", err)
				fmt.Fprintln(out, reply.Text)
				return nil
			}
			fmt.Fprint(out, rendered)
			return nil
		},
	}
	cmd.Flags().IntVar(&width, "width", 80, "wrap width for the rendered reply")
	cmd.Flags().StringVar(&style, "style", "dark", "glamour style: dark or light")
	cmd.Flags().BoolVar(&raw, "raw", false, "print the reply without markdown rendering")
	return cmd
}

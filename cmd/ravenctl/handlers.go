package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"raven/internal/capabilities"
	"raven/internal/channels/console"
	"raven/internal/config"
	"raven/internal/domain/models/llm"
	llmSvc "raven/internal/domain/services/llm"
	"raven/internal/repository/postgres"
	serviceLLM "raven/internal/service/llm"
	"raven/internal/service/llm/embeddings"
	"raven/internal/service/llm/tools"
)

// cliLogger keeps the terminal for the conversation: warnings only, on stderr.
func cliLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func runMigrate(cmd *cobra.Command) error {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	ctx := cmd.Context()

	pool, err := postgres.CreateConnectionPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	embedder, err := serviceLLM.SetupEmbedder(cfg, cliLogger())
	if err != nil {
		return err
	}
	dims := embeddings.Dimensions(cfg.EmbeddingModel)
	if _, ok := embedder.(*embeddings.HashEmbedder); ok {
		dims = embeddings.Dimensions(embeddings.HashModel)
	}

	applied, err := postgres.Migrate(ctx, pool, postgres.MigrationOptions{
		Prefix:     cfg.TablePrefix,
		Dimensions: dims,
	}, cliLogger())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(applied) == 0 {
		fmt.Fprintf(out, "%sSchema up to date (prefix: %s)%s\n", colorGreen, cfg.TablePrefix, colorReset)
		return nil
	}
	for _, name := range applied {
		fmt.Fprintf(out, "%sapplied%s %s\n", colorGreen, colorReset, name)
	}
	return nil
}

func runDrop(cmd *cobra.Command, confirm bool) error {
	cfg := config.Load()
	if cfg.Environment == "prod" {
		return errors.New("refusing to drop tables in the prod environment")
	}
	if !confirm {
		return errors.New("dropping deletes every message; pass --yes to confirm")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	pool, err := postgres.CreateConnectionPool(cmd.Context(), cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgres.DropAll(cmd.Context(), pool, cfg.TablePrefix); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%sAll tables dropped (prefix: %s)%s\n", colorYellow, cfg.TablePrefix, colorReset)
	return nil
}

// catalogEntry is one line of the catalog listing
type catalogEntry struct {
	Kind        string   `yaml:"kind"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tools       []string `yaml:"tools,omitempty"`
}

func runCatalog(cmd *cobra.Command, format string) error {
	registry, err := capabilities.NewRegistry()
	if err != nil {
		return err
	}
	builtins := tools.NewToolRegistryBuilder().WithBuiltins().Build()

	var entries []catalogEntry
	for _, d := range builtins.Descriptors() {
		entries = append(entries, catalogEntry{Kind: "tool", Name: d.Name, Description: d.Description})
	}
	for _, agent := range registry.Agents() {
		entries = append(entries, catalogEntry{
			Kind:        "agent",
			Name:        agent.Name,
			Description: agent.Description,
			Tools:       agent.Tools,
		})
	}

	out := cmd.OutOrStdout()
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(entries); err != nil {
			return err
		}
		return enc.Close()
	case "table":
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KIND\tNAME\tTOOLS\tDESCRIPTION")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Kind, e.Name, strings.Join(e.Tools, ","), firstLine(e.Description))
		}
		return w.Flush()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func runChat(cmd *cobra.Command, conversationID, authorID string) error {
	cfg := config.Load()
	logger := cliLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	stores, err := serviceLLM.SetupStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	out := cmd.OutOrStdout()
	services, err := serviceLLM.SetupServices(ctx, cfg, stores, serviceLLM.ServiceOptions{
		Channel: console.NewChannel(out, colorCyan+"raven> "+colorReset),
	}, logger)
	if err != nil {
		return err
	}
	dispatcher := services.Dispatcher

	fmt.Fprintf(out, "%sConversation %s as %s. /cancel, /clear, /quit%s\n", colorBlue, conversationID, authorID, colorReset)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// Input closed: let the last answer finish
				return dispatcher.Wait(ctx, conversationID, authorID)
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case "/quit":
				return nil
			case "/cancel":
				if err := dispatcher.Cancel(ctx, conversationID, authorID); err != nil {
					return err
				}
				fmt.Fprintf(out, "%sStopped thinking%s\n", colorYellow, colorReset)
			case "/clear":
				if err := dispatcher.Clear(ctx, conversationID, authorID); err != nil {
					return err
				}
				fmt.Fprintf(out, "%sConversation cleared%s\n", colorYellow, colorReset)
			default:
				_, err := dispatcher.Submit(ctx, &llmSvc.InboundRequest{
					ConversationID: conversationID,
					AuthorID:       authorID,
					Parts:          []llm.ContentPart{llm.NewTextPart(0, line)},
				})
				if err != nil {
					fmt.Fprintf(out, "%s%v%s\n", colorRed, err, colorReset)
				}
			}
		}
	}
}

// offlineModel stands in for the chat model in commands that never generate.
type offlineModel struct{}

var errOffline = errors.New("no model in this command")

func (offlineModel) Generate(context.Context, *llmSvc.GenerateRequest) (*llmSvc.StepResult, error) {
	return nil, errOffline
}

func (offlineModel) Stream(context.Context, *llmSvc.GenerateRequest) (<-chan llmSvc.StreamEvent, error) {
	return nil, errOffline
}

func runClear(cmd *cobra.Command, conversationID, authorID string) error {
	cfg := config.Load()
	logger := cliLogger()
	ctx := cmd.Context()

	stores, err := serviceLLM.SetupStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	services, err := serviceLLM.SetupServices(ctx, cfg, stores, serviceLLM.ServiceOptions{
		ChatModel: offlineModel{},
	}, logger)
	if err != nil {
		return err
	}

	if err := services.Dispatcher.Clear(ctx, conversationID, authorID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%sCleared %s%s\n", colorGreen, conversationID, colorReset)
	return nil
}

package main

import (
	"os"

	"github.com/spf13/cobra"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorBlue   = "\033[34m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ravenctl",
		Short:         "Manage and talk to the raven assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildMigrateCmd(),
		buildDropCmd(),
		buildCatalogCmd(),
		buildChatCmd(),
		buildClearCmd(),
	)
	return root
}

func buildMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd)
		},
	}
}

func buildDropCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop every table of the configured prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrop(cmd, confirm)
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "Confirm dropping all tables")
	return cmd
}

func buildCatalogCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the builtin tools and the agents of the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCatalog(cmd, format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table or yaml")
	return cmd
}

func buildChatCmd() *cobra.Command {
	var conversationID, authorID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant in the terminal",
		Long: `Starts an interactive session against the configured model and stores.
Lines are submitted as messages. /cancel stops the current answer,
/clear forgets the conversation and /quit exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, conversationID, authorID)
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "cli", "Conversation ID")
	cmd.Flags().StringVar(&authorID, "author", defaultAuthor(), "Author ID")
	return cmd
}

func buildClearCmd() *cobra.Command {
	var authorID string
	cmd := &cobra.Command{
		Use:   "clear <conversation-id>",
		Short: "Delete a conversation's history, blobs and memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClear(cmd, args[0], authorID)
		},
	}
	cmd.Flags().StringVar(&authorID, "author", "", "Author whose queue and agent histories are dropped")
	_ = cmd.MarkFlagRequired("author")
	return cmd
}

func defaultAuthor() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "cli"
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zjrosen/strand/internal/infrastructure/sqlite"
	"github.com/zjrosen/strand/internal/metadata"
	"github.com/zjrosen/strand/internal/paths"
	"github.com/zjrosen/strand/internal/presentation"
)

var (
	convsAll    bool
	convName    string
	convDir     string
	convMode    string
	convParent  string
	convNewPath string
)

var conversationsListCmd = &cobra.Command{
	Use:   "conversations:list",
	Short: "List conversations as JSON",
	Long: `List conversations in the catalog as JSON, newest first.

Archived conversations are hidden unless --all is given.

Examples:
  strand conversations:list
  strand conversations:list --all`,
	RunE: runConversationsList,
}

var conversationsCreateCmd = &cobra.Command{
	Use:   "conversations:create",
	Short: "Create a conversation",
	Long: `Create a conversation in the catalog and print its record as JSON.

Examples:
  strand conversations:create --name "refactor plan" --dir /work/repo
  strand conversations:create --name "subtask" --parent conv-42 --mode plan`,
	RunE: runConversationsCreate,
}

var conversationsArchiveCmd = &cobra.Command{
	Use:   "conversations:archive <conversation-id>",
	Short: "Archive a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationsArchive,
}

var conversationsMoveCmd = &cobra.Command{
	Use:   "conversations:move <conversation-id>",
	Short: "Re-point a conversation at a new working directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationsMove,
}

func init() {
	conversationsListCmd.Flags().BoolVar(&convsAll, "all", false,
		"include archived conversations")
	conversationsCreateCmd.Flags().StringVar(&convName, "name", "",
		"display name (required)")
	conversationsCreateCmd.Flags().StringVar(&convDir, "dir", "",
		"working directory")
	conversationsCreateCmd.Flags().StringVar(&convMode, "mode", "agent",
		"conversation mode: agent or plan")
	conversationsCreateCmd.Flags().StringVar(&convParent, "parent", "",
		"parent conversation id")
	_ = conversationsCreateCmd.MarkFlagRequired("name")
	conversationsMoveCmd.Flags().StringVar(&convNewPath, "dir", "",
		"new working directory (required)")
	_ = conversationsMoveCmd.MarkFlagRequired("dir")

	rootCmd.AddCommand(conversationsListCmd)
	rootCmd.AddCommand(conversationsCreateCmd)
	rootCmd.AddCommand(conversationsArchiveCmd)
	rootCmd.AddCommand(conversationsMoveCmd)
}

func openRepository() (*sqlite.DB, *sqlite.ConversationRepository, error) {
	db, err := sqlite.NewDB(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening conversation database: %w", err)
	}
	return db, db.ConversationRepository(), nil
}

func runConversationsList(cmd *cobra.Command, args []string) error {
	db, repo, err := openRepository()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	convs, err := repo.List(context.Background())
	if err != nil {
		return err
	}

	if !convsAll {
		visible := convs[:0]
		for _, c := range convs {
			if !c.Archived {
				visible = append(visible, c)
			}
		}
		convs = visible
	}

	formatter := presentation.NewFormatter(os.Stdout)
	return formatter.FormatConversations(presentation.FromConversations(convs))
}

func runConversationsCreate(cmd *cobra.Command, args []string) error {
	mode := metadata.Mode(convMode)
	if mode != metadata.ModeAgent && mode != metadata.ModePlan {
		return fmt.Errorf("mode must be \"agent\" or \"plan\", got %q", convMode)
	}

	db, repo, err := openRepository()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	workDir := ""
	if convDir != "" {
		workDir = paths.ResolveWorkDir(convDir)
	}

	now := time.Now()
	conv := metadata.Conversation{
		ID:        uuid.NewString(),
		ParentID:  convParent,
		Name:      convName,
		Mode:      mode,
		WorkDir:   workDir,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.Save(context.Background(), conv); err != nil {
		return err
	}

	formatter := presentation.NewFormatter(os.Stdout)
	return formatter.FormatResult(presentation.FromConversation(conv))
}

func runConversationsArchive(cmd *cobra.Command, args []string) error {
	db, repo, err := openRepository()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := repo.Archive(context.Background(), args[0]); err != nil {
		return fmt.Errorf("archiving %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "archived %s\n", args[0])
	return nil
}

func runConversationsMove(cmd *cobra.Command, args []string) error {
	db, repo, err := openRepository()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	dir := paths.ResolveWorkDir(convNewPath)
	if err := repo.UpdateWorkDir(context.Background(), args[0], dir); err != nil {
		return fmt.Errorf("moving %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "moved %s to %s\n", args[0], dir)
	return nil
}

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/strand/internal/app"
	"github.com/zjrosen/strand/internal/conversation/message"
	"github.com/zjrosen/strand/internal/conversation/status"
)

var (
	chatMessages []string
	chatTimeout  time.Duration
)

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Run turns against a conversation from the terminal",
	Long: `Open a conversation and run one or more turns against it.

With -m, each message is sent in order and the assistant's reply is printed
once the turn settles. Without -m, lines are read from stdin until EOF,
one turn per line.

Examples:
  # Single turn
  strand chat conv-42 -m "summarize the diff"

  # Two queued turns
  strand chat conv-42 -m "first question" -m "follow-up"

  # Interactive: one turn per stdin line
  strand chat conv-42`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringArrayVarP(&chatMessages, "message", "m", nil,
		"message to send (repeatable, sent in order)")
	chatCmd.Flags().DurationVar(&chatTimeout, "timeout", 5*time.Minute,
		"per-turn settle timeout")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	conversationID := args[0]

	engine, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Shutdown(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := engine.OpenConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	runTurn := func(text string) error {
		before := len(sess.Messages())
		if _, err := engine.Send(ctx, text, message.Attachment{}); err != nil {
			return err
		}
		if err := waitSettled(ctx, engine, sess.ID); err != nil {
			return err
		}
		for _, m := range sess.Messages()[before:] {
			if m.IsAssistant() {
				fmt.Fprintln(cmd.OutOrStdout(), m.Text())
			}
		}
		return nil
	}

	if len(chatMessages) > 0 {
		for _, text := range chatMessages {
			if err := runTurn(text); err != nil {
				return err
			}
		}
		return nil
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := runTurn(text); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// waitSettled blocks until the session is idle with an empty queue, the
// turn errors, or the timeout elapses.
func waitSettled(ctx context.Context, engine *app.Engine, sessionID string) error {
	deadline := time.After(chatTimeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st := engine.Statuses().Get(sessionID)
			if st == status.Error {
				return fmt.Errorf("turn failed; see log for details")
			}
			if st == status.Ready && engine.Queues().Len(sessionID) == 0 {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("turn did not settle within %s", chatTimeout)
		case <-ctx.Done():
			_ = engine.Stop(context.Background())
			return ctx.Err()
		}
	}
}

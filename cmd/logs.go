package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/paths"
	"github.com/zjrosen/strand/internal/pubsub"
)

var (
	logsFollow bool
	logsLines  int
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the application log",
	Long: `Print the tail of the application log.

With --follow, keep the terminal open and stream new entries as the engine
writes them. Press q or ctrl+c to stop.

Examples:
  strand logs
  strand logs --lines 200
  strand logs --follow`,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false,
		"stream new entries as they are written")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 50,
		"number of trailing lines to print")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	logPath := paths.LogPath()
	if logPath == "" {
		return fmt.Errorf("cannot resolve the log file location")
	}

	data, err := os.ReadFile(logPath) //nolint:gosec // G304: path is derived from the home dir
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading log file: %w", err)
	}
	for _, line := range lastLines(data, logsLines) {
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}

	if !logsFollow {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// New entries flow file → broker → the shell's listener loop.
	broker := pubsub.NewBroker[string]()
	defer broker.Close()
	listener := pubsub.NewContinuousListener(ctx, broker)
	log.SafeGo("logs-follow", func() { followFile(ctx, logPath, broker) })

	p := tea.NewProgram(logsModel{listener: listener}, tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}

// lastLines returns up to n trailing lines of data.
func lastLines(data []byte, n int) []string {
	trimmed := strings.TrimRight(string(data), "\n")
	if trimmed == "" || n <= 0 {
		return nil
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// followFile publishes lines appended to path until ctx is cancelled. It
// starts at the current end of file; history is the non-follow path's job.
func followFile(ctx context.Context, path string, broker *pubsub.Broker[string]) {
	f, err := os.Open(path) //nolint:gosec // G304: path is derived from the home dir
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return
	}

	reader := bufio.NewReader(f)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var pending strings.Builder
	for {
		chunk, err := reader.ReadString('\n')
		pending.WriteString(chunk)
		if err == nil {
			broker.Publish(pubsub.CreatedEvent, strings.TrimRight(pending.String(), "\n"))
			pending.Reset()
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// logsModel prints streamed log entries. It re-issues Listen after each
// event, the subscription pattern every shell over the engine follows.
type logsModel struct {
	listener *pubsub.ContinuousListener[string]
}

func (m logsModel) Init() tea.Cmd {
	return m.listener.Listen()
}

func (m logsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case pubsub.Event[string]:
		return m, tea.Sequence(tea.Println(msg.Payload), m.listener.Listen())
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m logsModel) View() string { return "" }

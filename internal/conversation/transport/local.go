package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/zjrosen/strand/internal/conversation/message"
	"github.com/zjrosen/strand/internal/log"
)

func init() {
	Register(KindLocal, func(cfg Config) (Transport, error) {
		if cfg.Command == "" {
			return nil, fmt.Errorf("local transport requires a command")
		}
		return newLocalTransport(cfg), nil
	})
}

// localTransport spawns one subprocess per turn. The turn's message history
// is written to stdin as JSON; the subprocess emits stream events as JSONL
// on stdout and exits when the turn settles.
type localTransport struct {
	mu      sync.Mutex
	command string
	args    []string
	workDir string
	resume  string

	cancel context.CancelFunc // active turn, nil when idle
	closed bool
}

func newLocalTransport(cfg Config) *localTransport {
	return &localTransport{
		command: cfg.Command,
		args:    cfg.Args,
		workDir: cfg.WorkDir,
		resume:  cfg.ResumeStreamID,
	}
}

// turnRequest is the JSON document handed to the subprocess on stdin.
type turnRequest struct {
	Messages []message.Message `json:"messages"`
	WorkDir  string            `json:"work_dir,omitempty"`
	Resume   string            `json:"resume,omitempty"`
}

func (t *localTransport) Send(ctx context.Context, msgs []message.Message) (<-chan Event, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, os.ErrClosed
	}
	if t.cancel != nil {
		t.mu.Unlock()
		return nil, ErrStreamActive
	}

	turnCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	cmd := exec.CommandContext(turnCtx, t.command, t.args...) //nolint:gosec // G204: command comes from trusted config
	cmd.Dir = t.workDir
	req := turnRequest{Messages: msgs, WorkDir: t.workDir, Resume: t.resume}
	// A resume id is consumed by the turn it was captured for
	t.resume = ""
	t.mu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		t.clearActive()
		return nil, fmt.Errorf("encoding turn request: %w", err)
	}
	cmd.Stdin = strings.NewReader(string(payload))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.clearActive()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.clearActive()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		t.clearActive()
		return nil, fmt.Errorf("starting %s: %w", t.command, err)
	}

	log.Debug(log.CatTransport, "local turn started", "command", t.command, "pid", cmd.Process.Pid)

	ch := make(chan Event, 64)
	log.SafeGo("local-transport-stream", func() {
		defer close(ch)
		defer t.clearActive()

		lastStderr := drainStderr(stderr)
		sawTerminal := t.pump(turnCtx, stdout, ch)

		waitErr := cmd.Wait()
		if sawTerminal {
			return
		}

		// Process exited without a terminal event: synthesize one so the
		// session always settles
		switch {
		case turnCtx.Err() != nil:
			ch <- Event{Kind: EventErrored, Err: context.Canceled.Error(), Canceled: true}
		case waitErr != nil:
			msg := waitErr.Error()
			if line := lastStderr(); line != "" {
				msg = line
			}
			ch <- Event{Kind: EventErrored, Err: msg}
		default:
			ch <- Event{Kind: EventFinished}
		}
	})

	return ch, nil
}

// pump copies parsed events from stdout to ch until EOF or cancellation.
// Returns true if a terminal event was forwarded.
func (t *localTransport) pump(ctx context.Context, stdout io.Reader, ch chan<- Event) bool {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	sawTerminal := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Warn(log.CatTransport, "skipping malformed stream line", "error", err)
			continue
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			return sawTerminal
		}
		if ev.IsTerminal() {
			sawTerminal = true
		}
	}
	return sawTerminal
}

// drainStderr captures stderr in the background and returns a getter for the
// last non-empty line, used to enrich exit errors.
func drainStderr(stderr io.Reader) func() string {
	var mu sync.Mutex
	var last string
	done := make(chan struct{})

	log.SafeGo("local-transport-stderr", func() {
		defer close(done)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				mu.Lock()
				last = line
				mu.Unlock()
			}
		}
	})

	return func() string {
		<-done
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func (t *localTransport) clearActive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *localTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (t *localTransport) SetWorkDir(dir string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.workDir = dir
}

func (t *localTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/strand/internal/conversation/message"
	"github.com/zjrosen/strand/internal/log"
)

func init() {
	Register(KindRemote, func(cfg Config) (Transport, error) {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("remote transport requires a base URL")
		}
		return newRemoteTransport(cfg), nil
	})
}

// remoteTransport opens a turn with a POST and consumes the response body as
// a server-sent-event stream. Stopping issues a cancel to the in-flight
// request and a best-effort DELETE against the stream resource.
type remoteTransport struct {
	mu      sync.Mutex
	baseURL string
	workDir string
	resume  string
	client  *http.Client

	cancel   context.CancelFunc // active turn, nil when idle
	streamID string             // active backend stream, for stop
	closed   bool
}

func newRemoteTransport(cfg Config) *remoteTransport {
	return &remoteTransport{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		workDir: cfg.WorkDir,
		resume:  cfg.ResumeStreamID,
		client:  &http.Client{}, // no overall timeout: streams run until the turn settles
	}
}

func (t *remoteTransport) Send(ctx context.Context, msgs []message.Message) (<-chan Event, error) {
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

	req := turnRequest{Messages: msgs, WorkDir: t.workDir, Resume: t.resume}
	t.resume = ""
	t.mu.Unlock()

	body, err := json.Marshal(req)
	if err != nil {
		t.clearActive()
		return nil, fmt.Errorf("encoding turn request: %w", err)
	}

	url := t.baseURL + "/v1/turns"
	httpReq, err := http.NewRequestWithContext(turnCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.clearActive()
		return nil, fmt.Errorf("building turn request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		t.clearActive()
		return nil, fmt.Errorf("opening turn stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		t.clearActive()
		return nil, fmt.Errorf("turn stream rejected: status %d", resp.StatusCode)
	}

	ch := make(chan Event, 64)
	log.SafeGo("remote-transport-stream", func() {
		defer close(ch)
		defer t.clearActive()
		defer resp.Body.Close()

		sawTerminal := t.consumeSSE(turnCtx, resp, ch)
		if sawTerminal {
			return
		}
		if turnCtx.Err() != nil {
			ch <- Event{Kind: EventErrored, Err: context.Canceled.Error(), Canceled: true}
			return
		}
		ch <- Event{Kind: EventErrored, Err: "stream ended without completion event"}
	})

	return ch, nil
}

// consumeSSE reads "data:" frames, decodes each payload as an Event, and
// forwards it. Returns true once a terminal event was delivered.
func (t *remoteTransport) consumeSSE(ctx context.Context, resp *http.Response, ch chan<- Event) bool {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataLines []string
	sawTerminal := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(dataLines) == 0 {
				continue
			}
			payload := strings.Join(dataLines, "\n")
			dataLines = dataLines[:0]

			var ev Event
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				log.Warn(log.CatTransport, "skipping malformed SSE frame", "error", err)
				continue
			}
			if ev.Kind == EventStreamStarted {
				t.mu.Lock()
				t.streamID = ev.StreamID
				t.mu.Unlock()
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return sawTerminal
			}
			if ev.IsTerminal() {
				sawTerminal = true
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(line[len("data:"):]))
		}
	}
	return sawTerminal
}

func (t *remoteTransport) clearActive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.streamID = ""
}

func (t *remoteTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancel
	streamID := t.streamID
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	if streamID == "" {
		return nil
	}

	// Best-effort server-side cancellation so the backend stops billing
	// the turn; the local stream is already torn down either way.
	stopCtx, stopCancel := context.WithTimeout(ctx, 5*time.Second)
	defer stopCancel()

	url := fmt.Sprintf("%s/v1/turns/%s", t.baseURL, streamID)
	req, err := http.NewRequestWithContext(stopCtx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("building stop request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		log.Warn(log.CatTransport, "server-side stop failed", "stream", streamID, "error", err)
		return nil
	}
	_ = resp.Body.Close()
	return nil
}

func (t *remoteTransport) SetWorkDir(dir string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.workDir = dir
}

func (t *remoteTransport) Close() error {
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

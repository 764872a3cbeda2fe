package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strand/internal/config"
	"github.com/zjrosen/strand/internal/conversation/message"
	"github.com/zjrosen/strand/internal/conversation/queue"
	"github.com/zjrosen/strand/internal/conversation/status"
	"github.com/zjrosen/strand/internal/metadata"
	"github.com/zjrosen/strand/internal/panels"
	"github.com/zjrosen/strand/internal/testutil"
)

// fastScript emits a complete happy-path turn immediately.
const fastScript = `printf '%s\n%s\n%s\n' \
'{"kind":"stream_started","stream_id":"st-1"}' \
'{"kind":"chunk","text":"hello"}' \
'{"kind":"finished"}'`

// slowScript holds the turn open long enough for the test to observe the
// busy state before finishing.
const slowScript = `printf '%s\n' '{"kind":"stream_started","stream_id":"st-2"}'
sleep 0.3
printf '%s\n' '{"kind":"finished"}'`

// failingScript streams briefly and then fails the turn.
const failingScript = `printf '%s\n' '{"kind":"stream_started","stream_id":"st-3"}'
sleep 0.3
printf '%s\n' '{"kind":"errored","error":"backend fell over"}'`

type recordingNotifier struct {
	mu        sync.Mutex
	completes []string
	errors    []string
}

func (n *recordingNotifier) Complete(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completes = append(n.completes, name)
}

func (n *recordingNotifier) Error(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, name)
}

func (n *recordingNotifier) completeCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.completes)
}

func (n *recordingNotifier) errorCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.errors)
}

func newTestEngine(t *testing.T, script string) (*Engine, *recordingNotifier) {
	t.Helper()

	cfg := config.Defaults()
	cfg.DBPath = filepath.Join(t.TempDir(), "strand.db")
	cfg.AutoRefresh = false
	cfg.Transport.Command = "sh"
	cfg.Transport.Args = []string{"-c", script}
	cfg.Tabs.GraceWindowMS = 30

	notifier := &recordingNotifier{}
	e, err := New(cfg, WithNotifier(notifier))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e, notifier
}

func saveConversation(t *testing.T, e *Engine, id, name string) {
	t.Helper()
	testutil.NewBuilder(t, e.Repository()).
		WithConversation(id, testutil.Name(name)).
		Build()
}

func waitReady(t *testing.T, e *Engine, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.Statuses().Get(sessionID) == status.Ready && e.Queues().Len(sessionID) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEngineOpenSendAndFinish(t *testing.T) {
	e, notifier := newTestEngine(t, fastScript)
	saveConversation(t, e, "conv-1", "refactor plan")

	sess, err := e.OpenConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Equal(t, "conv-1", sess.ID)
	require.True(t, e.Tabs().IsMounted("conv-1"))
	require.Equal(t, "conv-1", e.Messages().ActiveSessionID())

	queued, err := e.Send(context.Background(), "hi there", message.Attachment{})
	require.NoError(t, err)
	require.Empty(t, queued, "idle session should send directly")

	waitReady(t, e, "conv-1")

	msgs := sess.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, message.RoleUser, msgs[0].Role)
	require.Equal(t, message.RoleAssistant, msgs[1].Role)
	require.Equal(t, "hello", msgs[1].Text())

	// The session stayed focused for the whole turn, so the finish is seen
	// live and no notification fires.
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, notifier.completeCount(), "focused finish must stay quiet")
	require.False(t, e.Unseen("conv-1"))
}

func TestEngineBackgroundFinishNotifies(t *testing.T) {
	e, notifier := newTestEngine(t, slowScript)
	saveConversation(t, e, "conv-a", "long refactor")
	saveConversation(t, e, "conv-b", "other work")

	_, err := e.OpenConversation(context.Background(), "conv-a")
	require.NoError(t, err)
	_, err = e.Send(context.Background(), "go", message.Attachment{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return e.Statuses().Get("conv-a").Busy()
	}, 2*time.Second, 5*time.Millisecond)

	// Move focus away while the turn is still streaming.
	_, err = e.OpenConversation(context.Background(), "conv-b")
	require.NoError(t, err)

	waitReady(t, e, "conv-a")
	require.Eventually(t, func() bool {
		return notifier.completeCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"long refactor"}, notifier.completes)
}

func TestEngineOpenIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, fastScript)
	saveConversation(t, e, "conv-1", "one")

	first, err := e.OpenConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	second, err := e.OpenConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, e.Sessions().Len())
}

func TestEngineOpenUnknownConversation(t *testing.T) {
	e, _ := newTestEngine(t, fastScript)

	_, err := e.OpenConversation(context.Background(), "missing")
	require.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestEngineOpenArchivedConversation(t *testing.T) {
	e, _ := newTestEngine(t, fastScript)
	saveConversation(t, e, "conv-1", "done")
	require.NoError(t, e.Repository().Archive(context.Background(), "conv-1"))

	_, err := e.OpenConversation(context.Background(), "conv-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "archived")
}

func TestEngineQueuesWhileBusy(t *testing.T) {
	e, _ := newTestEngine(t, slowScript)
	saveConversation(t, e, "conv-1", "busy one")

	_, err := e.OpenConversation(context.Background(), "conv-1")
	require.NoError(t, err)

	_, err = e.Send(context.Background(), "first", message.Attachment{})
	require.NoError(t, err)

	// The slow turn is streaming; the next sends must queue, then drain in
	// order as turns settle.
	require.Eventually(t, func() bool {
		return e.Statuses().Get("conv-1").Busy()
	}, 2*time.Second, 5*time.Millisecond)

	id2, err := e.Send(context.Background(), "second", message.Attachment{})
	require.NoError(t, err)
	require.NotEmpty(t, id2, "send during a turn should queue")

	id3, err := e.Send(context.Background(), "third", message.Attachment{})
	require.NoError(t, err)
	require.NotEmpty(t, id3)

	waitReady(t, e, "conv-1")

	sess, ok := e.Sessions().Get("conv-1")
	require.True(t, ok)
	var userTexts []string
	for _, m := range sess.Messages() {
		if m.Role == message.RoleUser {
			userTexts = append(userTexts, m.Text())
		}
	}
	require.Equal(t, []string{"first", "second", "third"}, userTexts)
}

func TestEngineStopSuppressesNotification(t *testing.T) {
	e, notifier := newTestEngine(t, slowScript)
	saveConversation(t, e, "conv-1", "quiet")

	_, err := e.OpenConversation(context.Background(), "conv-1")
	require.NoError(t, err)

	_, err = e.Send(context.Background(), "go", message.Attachment{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.Statuses().Get("conv-1").Busy()
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Stop(context.Background()))
	require.Eventually(t, func() bool {
		return !e.Statuses().Get("conv-1").Busy()
	}, 5*time.Second, 10*time.Millisecond)

	// Give a straggling notification a chance to land before asserting.
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, notifier.completeCount(), "manual abort must not notify")
}

func TestEngineUnseenMarking(t *testing.T) {
	e, _ := newTestEngine(t, fastScript)
	saveConversation(t, e, "conv-a", "a")
	saveConversation(t, e, "conv-b", "b")

	_, err := e.OpenConversation(context.Background(), "conv-a")
	require.NoError(t, err)
	_, err = e.Send(context.Background(), "work", message.Attachment{})
	require.NoError(t, err)

	// Switch focus away while conv-a finishes in the background.
	_, err = e.OpenConversation(context.Background(), "conv-b")
	require.NoError(t, err)

	waitReady(t, e, "conv-a")
	require.Eventually(t, func() bool {
		return e.Unseen("conv-a")
	}, 2*time.Second, 10*time.Millisecond)
	require.False(t, e.Unseen("conv-b"), "active tab never marks unseen")

	e.MarkSeen("conv-a")
	require.False(t, e.Unseen("conv-a"))
}

func TestEngineSendClearsDraft(t *testing.T) {
	e, _ := newTestEngine(t, slowScript)
	saveConversation(t, e, "conv-1", "drafty")
	ctx := context.Background()

	require.NoError(t, e.Repository().SaveDraft(ctx, "conv-1", "conv-1", "half-typed"))

	_, err := e.OpenConversation(ctx, "conv-1")
	require.NoError(t, err)

	// Direct send commits the draft's content to a turn.
	_, err = e.Send(ctx, "half-typed", message.Attachment{})
	require.NoError(t, err)
	content, err := e.Repository().Draft(ctx, "conv-1", "conv-1")
	require.NoError(t, err)
	require.Empty(t, content)

	// A send during the turn queues instead; the draft clears all the same.
	require.NoError(t, e.Repository().SaveDraft(ctx, "conv-1", "conv-1", "follow-up"))
	require.Eventually(t, func() bool {
		return e.Statuses().Get("conv-1").Busy()
	}, 2*time.Second, 5*time.Millisecond)
	id, err := e.Send(ctx, "follow-up", message.Attachment{})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	content, err = e.Repository().Draft(ctx, "conv-1", "conv-1")
	require.NoError(t, err)
	require.Empty(t, content)
}

func TestEngineErrorDoesNotMarkUnseen(t *testing.T) {
	e, notifier := newTestEngine(t, failingScript)
	saveConversation(t, e, "conv-a", "fragile")
	saveConversation(t, e, "conv-b", "other")

	_, err := e.OpenConversation(context.Background(), "conv-a")
	require.NoError(t, err)
	_, err = e.Send(context.Background(), "go", message.Attachment{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return e.Statuses().Get("conv-a").Busy()
	}, 2*time.Second, 5*time.Millisecond)

	// Background the failing turn.
	_, err = e.OpenConversation(context.Background(), "conv-b")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.Statuses().Get("conv-a") == status.Error
	}, 5*time.Second, 10*time.Millisecond)

	// Errors surface through the error status; the quiet unseen marker is
	// reserved for successful background completions.
	require.False(t, e.Unseen("conv-a"))
	require.Eventually(t, func() bool {
		return notifier.errorCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, notifier.completeCount())
}

func TestEngineDisposalKeepsQueue(t *testing.T) {
	e, _ := newTestEngine(t, fastScript)
	saveConversation(t, e, "conv-a", "a")
	saveConversation(t, e, "conv-b", "b")

	_, err := e.OpenConversation(context.Background(), "conv-a")
	require.NoError(t, err)

	// Park an item for a session with no live backing; it must survive the
	// disposal sweep untouched.
	e.Queues().Enqueue("conv-orphan", queue.NewItem("later", message.Attachment{}))

	_, err = e.OpenConversation(context.Background(), "conv-b")
	require.NoError(t, err)
	e.Tabs().CloseTab("conv-a")

	require.Eventually(t, func() bool {
		_, alive := e.Sessions().Get("conv-a")
		return !alive
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 1, e.Queues().Len("conv-orphan"), "queues survive disposal")
}

func TestEngineResumeStreamIDPersisted(t *testing.T) {
	e, _ := newTestEngine(t, fastScript)
	saveConversation(t, e, "conv-1", "resume me")

	_, err := e.OpenConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	_, err = e.Send(context.Background(), "hi", message.Attachment{})
	require.NoError(t, err)
	waitReady(t, e, "conv-1")

	require.Eventually(t, func() bool {
		conv, err := e.Repository().Conversation(context.Background(), "conv-1")
		return err == nil && conv.ResumeStreamID == "st-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineSidePeekHonorsFlag(t *testing.T) {
	e, _ := newTestEngine(t, fastScript)

	// Flag absent from defaults; the request is a no-op.
	e.SetTerminalSidePeek(true)
	require.Equal(t, panels.TerminalDockBottom, e.Panels().TerminalMode())

	cfg := config.Defaults()
	cfg.DBPath = filepath.Join(t.TempDir(), "strand.db")
	cfg.AutoRefresh = false
	cfg.Transport.Command = "sh"
	cfg.Transport.Args = []string{"-c", fastScript}
	cfg.Flags["terminal-side-peek"] = true

	e2, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e2.Shutdown(context.Background()) })

	e2.SetTerminalSidePeek(true)
	require.Equal(t, panels.TerminalSidePeek, e2.Panels().TerminalMode())
	e2.SetTerminalSidePeek(false)
	require.Equal(t, panels.TerminalDockBottom, e2.Panels().TerminalMode())
}

func TestEngineShutdownIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, fastScript)
	require.NoError(t, e.Shutdown(context.Background()))
	require.NoError(t, e.Shutdown(context.Background()))
}

func TestEngineSendWithoutOpenConversation(t *testing.T) {
	e, _ := newTestEngine(t, fastScript)

	_, err := e.Send(context.Background(), "hi", message.Attachment{})
	require.ErrorIs(t, err, ErrNoActiveSession)
	require.ErrorIs(t, e.Stop(context.Background()), ErrNoActiveSession)
}

func TestEngineConversationsList(t *testing.T) {
	e, _ := newTestEngine(t, fastScript)
	for i := range 3 {
		saveConversation(t, e, fmt.Sprintf("conv-%d", i), fmt.Sprintf("n%d", i))
	}

	list, err := e.Conversations(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 3)
}

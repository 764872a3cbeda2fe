package msgstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/strand/internal/conversation/message"
	"github.com/zjrosen/strand/internal/conversation/status"
	"github.com/zjrosen/strand/internal/pubsub"
)

func userMsg(id, text string) message.Message {
	return message.Message{ID: id, Role: message.RoleUser, Parts: []message.Part{message.TextPart(text)}}
}

func assistantMsg(id, text string) message.Message {
	return message.Message{ID: id, Role: message.RoleAssistant, Parts: []message.Part{message.TextPart(text)}}
}

func TestSyncFromInactiveSessionIsDropped(t *testing.T) {
	s := NewStore()
	defer s.Close()

	s.SetActive("a")
	s.Sync("a", []message.Message{userMsg("u1", "from a")}, status.Ready)
	require.Equal(t, []string{"u1"}, s.MessageIDs())

	// A write from a non-active session leaves the store untouched
	s.Sync("b", []message.Message{userMsg("u2", "from b")}, status.Streaming)
	require.Equal(t, []string{"u1"}, s.MessageIDs())
	_, ok := s.Message("u2")
	require.False(t, ok)
	require.False(t, s.IsStreaming())
}

func TestStaleWriteAfterSwitchIsRejected(t *testing.T) {
	s := NewStore()
	defer s.Close()

	s.SetActive("a")
	s.Sync("a", []message.Message{userMsg("u1", "first")}, status.Ready)

	// B takes over; A's in-flight write must be dropped, not queued
	s.SetActive("b")
	s.Sync("a", []message.Message{userMsg("u1", "stale")}, status.Ready)

	require.Empty(t, s.MessageIDs())
	_, ok := s.Message("u1")
	require.False(t, ok)

	s.Sync("b", []message.Message{userMsg("u9", "fresh")}, status.Ready)
	require.Equal(t, []string{"u9"}, s.MessageIDs())
}

func TestSwitchClearsCachedContent(t *testing.T) {
	s := NewStore()
	defer s.Close()

	s.SetActive("a")
	s.Sync("a", []message.Message{userMsg("u1", "hello")}, status.Streaming)
	require.True(t, s.IsStreaming())

	s.SetActive("b")
	require.Empty(t, s.MessageIDs())
	require.Equal(t, "", s.CachedSessionID())
	require.False(t, s.IsStreaming())
}

func TestSetActiveSameIDIsNoop(t *testing.T) {
	s := NewStore()
	defer s.Close()

	s.SetActive("a")
	s.Sync("a", []message.Message{userMsg("u1", "keep me")}, status.Ready)
	s.SetActive("a")
	require.Equal(t, []string{"u1"}, s.MessageIDs())
}

func TestDiffPublishesOnlyChangedMessages(t *testing.T) {
	s := NewStore()
	defer s.Close()
	s.SetActive("a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Subscribe(ctx)

	s.Sync("a", []message.Message{userMsg("u1", "q"), assistantMsg("a1", "ans")}, status.Ready)
	drain(t, ch) // initial population touches everything

	// Second sync changes only a1
	s.Sync("a", []message.Message{userMsg("u1", "q"), assistantMsg("a1", "answer grew")}, status.Ready)

	changes := drain(t, ch)
	var msgChanges []Change
	for _, c := range changes {
		if c.Kind == MessageChanged {
			msgChanges = append(msgChanges, c)
		}
	}
	require.Len(t, msgChanges, 1)
	require.Equal(t, "a1", msgChanges[0].MessageID)
}

func TestAssistantGrouping(t *testing.T) {
	s := NewStore()
	defer s.Close()
	s.SetActive("a")

	s.Sync("a", []message.Message{
		userMsg("u1", "first question"),
		assistantMsg("a1", "first answer"),
		assistantMsg("a2", "continuation"),
		userMsg("u2", "second question"),
		assistantMsg("a3", "second answer"),
	}, status.Ready)

	require.Equal(t, []string{"a1", "a2"}, s.AssistantIDs("u1"))
	require.Equal(t, []string{"a3"}, s.AssistantIDs("u2"))
	require.Empty(t, s.AssistantIDs("nope"))
}

func TestLastUserFlagMoves(t *testing.T) {
	s := NewStore()
	defer s.Close()
	s.SetActive("a")

	s.Sync("a", []message.Message{userMsg("u1", "one")}, status.Ready)
	require.True(t, s.IsLastUser("u1"))

	s.Sync("a", []message.Message{
		userMsg("u1", "one"),
		assistantMsg("a1", "reply"),
		userMsg("u2", "two"),
	}, status.Ready)

	require.False(t, s.IsLastUser("u1"))
	require.True(t, s.IsLastUser("u2"))
	require.False(t, s.IsLastUser(""))
}

func TestStreamingFlags(t *testing.T) {
	s := NewStore()
	defer s.Close()
	s.SetActive("a")

	msgs := []message.Message{userMsg("u1", "go"), assistantMsg("a1", "thinking")}
	s.Sync("a", msgs, status.Streaming)
	require.True(t, s.IsStreaming())
	// No tool call visible: generic working indicator
	require.True(t, s.IsStreamingIdle())

	withTool := message.Message{ID: "a1", Role: message.RoleAssistant, Parts: []message.Part{
		message.TextPart("thinking"),
		message.ToolPart("t1", "grep", nil),
	}}
	s.Sync("a", []message.Message{msgs[0], withTool}, status.Streaming)
	require.True(t, s.IsStreaming())
	require.False(t, s.IsStreamingIdle())

	s.Sync("a", []message.Message{msgs[0], withTool}, status.Ready)
	require.False(t, s.IsStreaming())
	require.False(t, s.IsStreamingIdle())
}

func TestPurge(t *testing.T) {
	s := NewStore()
	defer s.Close()
	s.SetActive("a")
	s.Sync("a", []message.Message{userMsg("u1", "x")}, status.Ready)

	// Purging a different session leaves the cache alone
	s.Purge("b")
	require.Equal(t, []string{"u1"}, s.MessageIDs())

	s.Purge("a")
	require.Empty(t, s.MessageIDs())
	_, ok := s.Message("u1")
	require.False(t, ok)
}

func TestMessageReturnsCopy(t *testing.T) {
	s := NewStore()
	defer s.Close()
	s.SetActive("a")
	s.Sync("a", []message.Message{userMsg("u1", "original")}, status.Ready)

	m, ok := s.Message("u1")
	require.True(t, ok)
	m.Parts[0].Text = "mutated"

	again, _ := s.Message("u1")
	require.Equal(t, "original", again.Parts[0].Text)
}

func drain(t *testing.T, ch <-chan pubsub.Event[Change]) []Change {
	t.Helper()
	var out []Change
	for {
		select {
		case ev := <-ch:
			out = append(out, ev.Payload)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

// For any interleaving of activations and syncs, the store only ever holds
// content written by the session that was active at sync time.
func TestSingleActiveWriterProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewStore()
		defer s.Close()

		sessions := []string{"a", "b", "c"}
		activeContent := map[string][]string{} // session -> last synced ids
		active := ""

		ops := rapid.SliceOfN(rapid.IntRange(0, 1), 1, 50).Draw(t, "ops")
		for i, op := range ops {
			sid := rapid.SampledFrom(sessions).Draw(t, "session")
			switch op {
			case 0: // activate
				s.SetActive(sid)
				active = sid
			case 1: // sync a snapshot tagged with the writing session
				id := fmt.Sprintf("%s-msg-%d", sid, i)
				msgs := []message.Message{userMsg(id, "payload")}
				s.Sync(sid, msgs, status.Ready)
				if sid == active {
					activeContent[sid] = []string{id}
				}
			}

			// Everything cached belongs to the active session
			for _, mid := range s.MessageIDs() {
				require.Equal(t, active, string(mid[0]), "message %s cached while %s active", mid, active)
			}
			if active != "" && s.CachedSessionID() != "" {
				require.Equal(t, active, s.CachedSessionID())
				require.Equal(t, activeContent[active], s.MessageIDs())
			}
		}
	})
}

// Package session owns one sub-conversation's message list, status, and
// transport. A session accepts one turn at a time; everything it learns from
// the transport stream is folded into the message list and published to
// subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/zjrosen/strand/internal/conversation/message"
	"github.com/zjrosen/strand/internal/conversation/status"
	"github.com/zjrosen/strand/internal/conversation/transport"
	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/pubsub"
)

// ErrBusy is returned when a send arrives while a turn is active.
var ErrBusy = errors.New("session is busy")

// ErrNothingToRegenerate is returned when regeneration is requested but the
// message list holds no user message to re-send.
var ErrNothingToRegenerate = errors.New("no user message to regenerate")

// Update is a snapshot of the session published after every mutation.
type Update struct {
	SessionID string
	Messages  []message.Message
	Status    status.Status
}

// Hooks are the session's outward callbacks. Each turn settles through
// exactly one of OnFinish or OnError.
type Hooks struct {
	// OnFinish fires on turn completion. aborted is true when the turn was
	// settled by a user-requested stop rather than natural completion.
	OnFinish func(aborted bool)
	// OnError fires when the transport settles the turn with a failure.
	OnError func(err error)
	// OnStreamStarted reports the backend stream id once a turn opens,
	// so it can be persisted for resumption.
	OnStreamStarted func(streamID string)
}

// Config carries everything needed to construct a Session.
type Config struct {
	ID                   string
	ParentConversationID string
	InitialMessages      []message.Message
	Transport            transport.Transport
	Statuses             *status.Store
	Hooks                Hooks
}

// turnState tracks the in-flight turn. One per send; nil when idle.
type turnState struct {
	assistantID   string
	stopRequested bool
	settled       bool
}

// Session is the runtime object for one sub-conversation.
type Session struct {
	ID                   string
	ParentConversationID string

	mu       sync.Mutex
	msgs     []message.Message
	tr       transport.Transport
	statuses *status.Store
	hooks    Hooks
	broker   *pubsub.Broker[Update]
	turn     *turnState
	closed   bool
}

// New constructs a Session from cfg. The transport and status store must be
// non-nil; hooks may be partially or fully unset.
func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("session %s: transport is required", cfg.ID)
	}
	if cfg.Statuses == nil {
		return nil, fmt.Errorf("session %s: status store is required", cfg.ID)
	}
	s := &Session{
		ID:                   cfg.ID,
		ParentConversationID: cfg.ParentConversationID,
		msgs:                 message.CloneAll(cfg.InitialMessages),
		tr:                   cfg.Transport,
		statuses:             cfg.Statuses,
		hooks:                cfg.Hooks,
		broker:               pubsub.NewBroker[Update](),
	}
	s.statuses.Set(s.ID, status.Ready)
	return s, nil
}

// Subscribe returns a channel of session updates scoped to ctx.
func (s *Session) Subscribe(ctx context.Context) <-chan pubsub.Event[Update] {
	return s.broker.Subscribe(ctx)
}

// Messages returns a deep copy of the current ordered message list.
func (s *Session) Messages() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return message.CloneAll(s.msgs)
}

// Status returns the session's current coarse status.
func (s *Session) Status() status.Status {
	return s.statuses.Get(s.ID)
}

// Send appends a user message built from text and attachments and opens a
// turn for it. The session must be ready.
func (s *Session) Send(ctx context.Context, text string, att message.Attachment) error {
	parts := message.BuildUserParts(text, att)
	if len(parts) == 0 {
		return fmt.Errorf("session %s: empty message", s.ID)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return os.ErrClosed
	}
	if s.turn != nil {
		s.mu.Unlock()
		return ErrBusy
	}
	turn := &turnState{}
	s.turn = turn
	s.msgs = append(s.msgs, message.NewUser(parts))
	history := message.CloneAll(s.msgs)
	s.mu.Unlock()

	return s.startTurn(ctx, turn, history)
}

// Regenerate re-invokes the transport for the existing last user message
// without duplicating it. A trailing assistant message (a failed or partial
// reply) is dropped first. Used for manual retry after an error and for
// auto-resuming a turn that was submitted but never answered.
func (s *Session) Regenerate(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return os.ErrClosed
	}
	if s.turn != nil {
		s.mu.Unlock()
		return ErrBusy
	}
	idx := message.LastUserIndex(s.msgs)
	if idx < 0 {
		s.mu.Unlock()
		return ErrNothingToRegenerate
	}
	turn := &turnState{}
	s.turn = turn
	s.msgs = s.msgs[:idx+1]
	history := message.CloneAll(s.msgs)
	s.mu.Unlock()

	return s.startTurn(ctx, turn, history)
}

// EditLastUser replaces the last user message's content, drops everything
// after it, and re-sends. The edit-and-resend recovery path after an error.
func (s *Session) EditLastUser(ctx context.Context, text string, att message.Attachment) error {
	parts := message.BuildUserParts(text, att)
	if len(parts) == 0 {
		return fmt.Errorf("session %s: empty message", s.ID)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return os.ErrClosed
	}
	if s.turn != nil {
		s.mu.Unlock()
		return ErrBusy
	}
	idx := message.LastUserIndex(s.msgs)
	if idx < 0 {
		s.mu.Unlock()
		return ErrNothingToRegenerate
	}
	turn := &turnState{}
	s.turn = turn
	s.msgs = s.msgs[:idx+1]
	s.msgs[idx].Parts = parts
	history := message.CloneAll(s.msgs)
	s.mu.Unlock()

	return s.startTurn(ctx, turn, history)
}

// startTurn opens the transport stream and spawns the consumer goroutine.
func (s *Session) startTurn(ctx context.Context, turn *turnState, history []message.Message) error {
	s.statuses.Set(s.ID, status.Submitted)
	s.publish()

	ch, err := s.tr.Send(ctx, history)
	if err != nil {
		s.settleError(turn, fmt.Errorf("opening turn: %w", err))
		return err
	}

	log.SafeGo("session-"+s.ID, func() {
		s.consume(turn, ch)
	})
	return nil
}

// consume folds stream events into the message list until the turn settles.
func (s *Session) consume(turn *turnState, ch <-chan transport.Event) {
	for ev := range ch {
		switch ev.Kind {
		case transport.EventStreamStarted:
			s.statuses.Set(s.ID, status.Streaming)
			if s.hooks.OnStreamStarted != nil {
				s.hooks.OnStreamStarted(ev.StreamID)
			}
			s.publish()
		case transport.EventChunk:
			s.statuses.Set(s.ID, status.Streaming)
			s.appendChunk(turn, ev.Text, ev.Reasoning)
			s.publish()
		case transport.EventToolCall:
			if ev.Tool != nil {
				s.statuses.Set(s.ID, status.Streaming)
				s.applyTool(turn, *ev.Tool)
				s.publish()
			}
		case transport.EventUsage:
			if ev.Usage != nil {
				s.accumulateUsage(turn, *ev.Usage)
				s.publish()
			}
		case transport.EventFinished:
			if ev.Usage != nil {
				s.accumulateUsage(turn, *ev.Usage)
			}
			s.settleFinish(turn)
			return
		case transport.EventErrored:
			s.mu.Lock()
			stopped := turn.stopRequested
			s.mu.Unlock()
			if stopped || ev.Canceled {
				// A stop raced the stream; partial content stays, status
				// converges to ready, no error surfaces.
				s.settleAborted(turn)
			} else {
				s.settleError(turn, errors.New(ev.Err))
			}
			return
		}
	}
	// Stream closed without a terminal event. Transports synthesize one, so
	// this only happens on transport Close; settle quietly so status never
	// sticks at streaming.
	s.settleAborted(turn)
}

// appendChunk extends the turn's assistant message, creating it on the first
// chunk. Consecutive chunks of the same kind merge into one part.
func (s *Session) appendChunk(turn *turnState, text string, reasoning bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.assistantLocked(turn)
	want := message.PartText
	if reasoning {
		want = message.PartReasoning
	}
	if n := len(msg.Parts); n > 0 && msg.Parts[n-1].Type == want {
		msg.Parts[n-1].Text += text
		return
	}
	if reasoning {
		msg.Parts = append(msg.Parts, message.ReasoningPart(text))
	} else {
		msg.Parts = append(msg.Parts, message.TextPart(text))
	}
}

// applyTool upserts a tool invocation part by tool id.
func (s *Session) applyTool(turn *turnState, tu transport.ToolUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.assistantLocked(turn)
	for i := range msg.Parts {
		p := &msg.Parts[i]
		if p.Type == message.PartToolInvocation && p.ToolID == tu.ID {
			p.ToolState = tu.State
			if tu.Output != "" {
				p.Output = tu.Output
			}
			if len(tu.Input) > 0 {
				p.ToolInput = tu.Input
			}
			return
		}
	}
	part := message.ToolPart(tu.ID, tu.Name, tu.Input)
	part.ToolState = tu.State
	part.Output = tu.Output
	msg.Parts = append(msg.Parts, part)
}

func (s *Session) accumulateUsage(turn *turnState, u message.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.assistantLocked(turn)
	if msg.Metadata == nil {
		msg.Metadata = &message.Metadata{}
	}
	msg.Metadata.Accumulate(u)
}

// assistantLocked returns the turn's assistant message, creating it lazily.
// Caller holds s.mu.
func (s *Session) assistantLocked(turn *turnState) *message.Message {
	if turn.assistantID != "" {
		for i := range s.msgs {
			if s.msgs[i].ID == turn.assistantID {
				return &s.msgs[i]
			}
		}
	}
	s.msgs = append(s.msgs, message.NewAssistant())
	turn.assistantID = s.msgs[len(s.msgs)-1].ID
	return &s.msgs[len(s.msgs)-1]
}

// Stop requests cancellation of the active turn. Best-effort: the turn may
// still complete naturally, but status always converges to ready.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.turn == nil {
		s.mu.Unlock()
		return nil
	}
	s.turn.stopRequested = true
	s.mu.Unlock()

	log.Debug(log.CatSession, "stop requested", "session", s.ID)
	return s.tr.Stop(ctx)
}

// settleFinish closes the turn as naturally completed.
func (s *Session) settleFinish(turn *turnState) {
	if !s.takeSettle(turn) {
		return
	}
	s.statuses.Set(s.ID, status.Ready)
	s.publish()
	log.Debug(log.CatSession, "turn finished", "session", s.ID)
	if s.hooks.OnFinish != nil {
		s.hooks.OnFinish(false)
	}
}

// settleAborted closes the turn after a user stop. Partial assistant content
// is retained and the completion hook fires with aborted set.
func (s *Session) settleAborted(turn *turnState) {
	if !s.takeSettle(turn) {
		return
	}
	s.statuses.Set(s.ID, status.Ready)
	s.publish()
	log.Debug(log.CatSession, "turn aborted", "session", s.ID)
	if s.hooks.OnFinish != nil {
		s.hooks.OnFinish(true)
	}
}

// settleError closes the turn with a transport failure.
func (s *Session) settleError(turn *turnState, err error) {
	if !s.takeSettle(turn) {
		return
	}
	s.statuses.Set(s.ID, status.Error)
	s.publish()
	log.ErrorErr(log.CatSession, "turn errored", err, "session", s.ID)
	if s.hooks.OnError != nil {
		s.hooks.OnError(err)
	}
}

// takeSettle marks the turn settled. Returns false if it already was, so a
// turn settles through exactly one path.
func (s *Session) takeSettle(turn *turnState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.settled {
		return false
	}
	turn.settled = true
	if s.turn == turn {
		s.turn = nil
	}
	return true
}

// SetWorkDir redirects the transport's working directory without touching
// message history or the in-flight stream.
func (s *Session) SetWorkDir(dir string) {
	s.tr.SetWorkDir(dir)
}

// publish sends a full snapshot to subscribers.
func (s *Session) publish() {
	s.mu.Lock()
	snapshot := message.CloneAll(s.msgs)
	s.mu.Unlock()
	s.broker.Publish(pubsub.UpdatedEvent, Update{
		SessionID: s.ID,
		Messages:  snapshot,
		Status:    s.statuses.Get(s.ID),
	})
}

// Close tears down the transport and the update broker. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.tr.Close()
	s.broker.Close()
	return err
}

package transport

import (
	"context"
	"os"
	"sync"

	"github.com/zjrosen/strand/internal/conversation/message"
)

func init() {
	Register(KindScript, func(cfg Config) (Transport, error) {
		return NewScript(), nil
	})
}

// Script is an in-memory transport for tests. Each Send opens a stream the
// test drives directly via Emit/Settle, or plays a pre-loaded script.
// This function and type are only intended for use in tests.
type Script struct {
	mu      sync.Mutex
	ch      chan Event
	scripts [][]Event
	workDir string
	closed  bool

	sendCount int
	stopCount int
	lastSent  []message.Message

	// OnStop, when set, runs inside Stop before the stream is settled.
	OnStop func()
}

// NewScript creates an idle scripted transport.
func NewScript() *Script {
	return &Script{}
}

// Enqueue loads a script for the next Send. Scripts are consumed in order;
// a Send with no remaining script leaves the stream open for manual Emit.
func (s *Script) Enqueue(events ...Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = append(s.scripts, events)
}

func (s *Script) Send(ctx context.Context, msgs []message.Message) (<-chan Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, os.ErrClosed
	}
	if s.ch != nil {
		s.mu.Unlock()
		return nil, ErrStreamActive
	}

	s.sendCount++
	s.lastSent = message.CloneAll(msgs)
	ch := make(chan Event, 64)
	s.ch = ch

	var script []Event
	if len(s.scripts) > 0 {
		script = s.scripts[0]
		s.scripts = s.scripts[1:]
	}
	s.mu.Unlock()

	if script != nil {
		for _, ev := range script {
			ch <- ev
		}
		s.settle(ch)
	}
	return ch, nil
}

// Emit delivers an event on the active stream, settling it after a terminal
// event the way real transports do. Panics if no stream is open, which in a
// test means Send was never called.
func (s *Script) Emit(ev Event) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	ch <- ev
	if ev.IsTerminal() {
		s.settle(ch)
	}
}

// Settle closes the active stream, if any.
func (s *Script) Settle() {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	s.settle(ch)
}

func (s *Script) settle(ch chan Event) {
	if ch == nil {
		return
	}
	s.mu.Lock()
	if s.ch == ch {
		s.ch = nil
		close(ch)
	}
	s.mu.Unlock()
}

func (s *Script) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopCount++
	onStop := s.OnStop
	ch := s.ch
	s.mu.Unlock()

	if onStop != nil {
		onStop()
	}
	if ch != nil {
		ch <- Event{Kind: EventErrored, Err: context.Canceled.Error(), Canceled: true}
		s.settle(ch)
	}
	return nil
}

func (s *Script) SetWorkDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workDir = dir
}

func (s *Script) Close() error {
	s.mu.Lock()
	ch := s.ch
	s.ch = nil
	s.closed = true
	s.mu.Unlock()
	if ch != nil {
		close(ch)
	}
	return nil
}

// SendCount returns how many turns were opened.
func (s *Script) SendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCount
}

// StopCount returns how many stop requests were made.
func (s *Script) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCount
}

// LastSent returns the message history passed to the most recent Send.
func (s *Script) LastSent() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSent
}

// WorkDir returns the current working directory setting.
func (s *Script) WorkDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workDir
}

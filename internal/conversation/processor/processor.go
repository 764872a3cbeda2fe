// Package processor drains per-session input queues. Whenever a session
// transitions to ready with queued input waiting, the processor pops the head
// and sends it, regardless of which tab the user has focused. Driven entirely
// by change notifications, never by polling.
package processor

import (
	"context"
	"sync"

	"github.com/zjrosen/strand/internal/conversation/queue"
	"github.com/zjrosen/strand/internal/conversation/registry"
	"github.com/zjrosen/strand/internal/conversation/status"
	"github.com/zjrosen/strand/internal/log"
)

// Processor is the global queue drain loop.
type Processor struct {
	statuses *status.Store
	queues   *queue.Store
	sessions *registry.Registry

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New wires a processor over the shared stores. Call Start to begin
// draining.
func New(statuses *status.Store, queues *queue.Store, sessions *registry.Registry) *Processor {
	return &Processor{
		statuses: statuses,
		queues:   queues,
		sessions: sessions,
	}
}

// Start launches the drain loop. Safe to call once; subsequent calls are a
// no-op until Stop.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = true
	done := p.done
	p.mu.Unlock()

	statusCh := p.statuses.Subscribe(loopCtx)
	queueCh := p.queues.Subscribe(loopCtx)

	log.SafeGo("queue-processor", func() {
		defer close(done)

		// Sweep queues left over from a previous mount cycle
		for _, id := range p.queues.Sessions() {
			p.drain(loopCtx, id)
		}

		for {
			select {
			case <-loopCtx.Done():
				return
			case ev, ok := <-statusCh:
				if !ok {
					return
				}
				if ev.Payload.Status == status.Ready {
					p.drain(loopCtx, ev.Payload.SessionID)
				}
			case ev, ok := <-queueCh:
				if !ok {
					return
				}
				p.drain(loopCtx, ev.Payload.SessionID)
			}
		}
	})
}

// drain sends at most one queued item for the session. The next item waits
// for the following ready transition, so a failing backend is never hammered
// in a tight loop.
func (p *Processor) drain(ctx context.Context, sessionID string) {
	if p.statuses.Get(sessionID) != status.Ready {
		return
	}
	if p.queues.Len(sessionID) == 0 {
		return
	}
	sess, ok := p.sessions.Get(sessionID)
	if !ok {
		// Session was disposed; its queue survives for a later remount
		return
	}

	item, ok := p.queues.PopFirst(sessionID)
	if !ok {
		return
	}

	// A residual stream can linger if the ready transition raced a manual
	// send; clear it before opening the queued turn.
	if err := sess.Stop(ctx); err != nil {
		log.Warn(log.CatQueue, "residual stop failed", "session", sessionID, "error", err)
	}

	log.Debug(log.CatQueue, "sending queued item", "session", sessionID, "item", item.ID)
	if err := sess.Send(ctx, item.Text, item.Attachment()); err != nil {
		// Put it back at the head; retried on the next ready transition
		p.queues.Prepend(sessionID, item)
		log.Warn(log.CatQueue, "queued send failed, item requeued", "session", sessionID, "item", item.ID, "error", err)
	}
}

// Stop halts the drain loop and waits for it to exit.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.started = false
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	<-done
}

// Package app wires the conversation engine together: the session registry,
// queue processor, message store, keep-alive pool, panel controller, and the
// persistence and notification layers behind them.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zjrosen/strand/internal/config"
	"github.com/zjrosen/strand/internal/conversation/message"
	"github.com/zjrosen/strand/internal/conversation/msgstore"
	"github.com/zjrosen/strand/internal/conversation/processor"
	"github.com/zjrosen/strand/internal/conversation/queue"
	"github.com/zjrosen/strand/internal/conversation/registry"
	"github.com/zjrosen/strand/internal/conversation/session"
	"github.com/zjrosen/strand/internal/conversation/status"
	"github.com/zjrosen/strand/internal/conversation/transport"
	"github.com/zjrosen/strand/internal/flags"
	"github.com/zjrosen/strand/internal/infrastructure/sqlite"
	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/metadata"
	"github.com/zjrosen/strand/internal/notify"
	"github.com/zjrosen/strand/internal/panels"
	"github.com/zjrosen/strand/internal/tabs"
	"github.com/zjrosen/strand/internal/tracing"
	"github.com/zjrosen/strand/internal/watcher"
)

// ErrNoActiveSession is returned when an operation needs an open
// conversation and none is active.
var ErrNoActiveSession = errors.New("no active session")

// Engine is the composition root for one running strand instance.
type Engine struct {
	cfg config.Config

	db   *sqlite.DB
	repo *sqlite.ConversationRepository
	meta *metadata.CachedProvider

	statuses *status.Store
	queues   *queue.Store
	sessions *registry.Registry
	msgs     *msgstore.Store
	proc     *processor.Processor
	tabs     *tabs.Manager
	panels   *panels.Controller
	watch    *watcher.Watcher

	notifier notify.Notifier
	tracer   *tracing.Provider
	flags    *flags.Registry

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	unseen    map[string]bool
	listeners map[string]context.CancelFunc
	spans     map[string]func(err error, aborted bool)
	closed    bool
}

// Option customizes engine construction.
type Option func(*Engine)

// WithNotifier overrides the notification sink.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// New builds and starts an engine from cfg. Call Shutdown when done.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sqlite.NewDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening conversation database: %w", err)
	}

	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:       cfg,
		db:        db,
		repo:      db.ConversationRepository(),
		statuses:  status.NewStore(),
		queues:    queue.NewStore(),
		msgs:      msgstore.NewStore(),
		panels:    panels.NewController(),
		notifier:  notify.LogNotifier{},
		tracer:    tracer,
		flags:     flags.New(cfg.Flags),
		ctx:       ctx,
		cancel:    cancel,
		unseen:    make(map[string]bool),
		listeners: make(map[string]context.CancelFunc),
		spans:     make(map[string]func(error, bool)),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.meta = metadata.NewCachedProvider(e.repo, cfg.Metadata.CacheTTL())
	e.sessions = registry.New(e.statuses)
	e.proc = processor.New(e.statuses, e.queues, e.sessions)
	e.proc.Start(ctx)

	graceOpts := []tabs.Option{}
	if cfg.Tabs.GraceWindow() > 0 {
		graceOpts = append(graceOpts, tabs.WithGraceWindow(cfg.Tabs.GraceWindow()))
	}
	e.tabs = tabs.NewManager(e.dispose, graceOpts...)

	if cfg.AutoRefresh {
		w, err := watcher.New(watcher.DefaultConfig())
		if err == nil {
			e.watch = w
			events := w.Start()
			log.SafeGo("engine-watcher", func() { e.watchLoop(events) })
		}
		// The engine works without auto-refresh; watcher init errors are
		// not fatal.
	}

	return e, nil
}

// OpenConversation brings a conversation's session live and makes it the
// active tab. Idempotent: reopening an already-live conversation switches
// to it without constructing anything.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) (*session.Session, error) {
	conv, err := e.meta.Conversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", conversationID, err)
	}
	if conv.Archived {
		return nil, fmt.Errorf("conversation %s is archived", conversationID)
	}

	resumeStreamID := conv.ResumeStreamID
	if !e.flags.Enabled(flags.FlagSessionResume) {
		resumeStreamID = ""
	}

	sessionID := conv.ID
	sess, err := e.sessions.GetOrCreate(sessionID, registry.SessionConfig{
		ParentConversationID: conv.ParentID,
		Transport: transport.Config{
			Kind:           transport.Kind(e.cfg.Transport.Kind),
			Command:        e.cfg.Transport.Command,
			Args:           e.cfg.Transport.Args,
			BaseURL:        e.cfg.Transport.BaseURL,
			WorkDir:        conv.WorkDir,
			ResumeStreamID: resumeStreamID,
		},
		Hooks: e.hooksFor(sessionID, conv.Name),
	})
	if err != nil {
		return nil, err
	}

	e.startListener(sess)
	if e.watch != nil && conv.WorkDir != "" {
		if err := e.watch.Watch(sessionID, conv.WorkDir); err != nil {
			log.Warn(log.CatWatcher, "cannot watch working directory", "dir", conv.WorkDir, "error", err)
		}
	}

	e.tabs.Open(sessionID)
	e.tabs.SetActive(sessionID)
	e.msgs.SetActive(sessionID)
	e.markSeen(sessionID)

	return sess, nil
}

// hooksFor builds the settle callbacks for one session.
func (e *Engine) hooksFor(sessionID, name string) session.Hooks {
	return session.Hooks{
		OnStreamStarted: func(streamID string) {
			e.sessions.RegisterStreamID(sessionID, streamID)
			// Persist whatever the registry pinned; a late duplicate start
			// event must not overwrite the first id.
			if pinned := e.sessions.StreamID(sessionID); pinned != "" {
				if err := e.repo.SetResumeStreamID(context.Background(), sessionID, pinned); err != nil {
					log.WarnErr(log.CatSession, "cannot persist resume stream id", err, "session", sessionID)
				}
			}
			e.beginSpan(sessionID)
		},
		OnFinish: func(aborted bool) {
			e.endSpan(sessionID, nil, aborted)
			manual := e.sessions.WasManuallyAborted(sessionID)
			if aborted || manual {
				return
			}
			// A focused session's finish is seen as it happens; only
			// background completions leave a marker and notify.
			if e.tabs.Active() == sessionID {
				return
			}
			e.markUnseen(sessionID)
			if e.cfg.Notifications.Enabled {
				e.notifier.Complete(name)
			}
		},
		OnError: func(err error) {
			e.endSpan(sessionID, err, false)
			// Errors never mark unseen; they surface through the error
			// status instead of a quiet marker.
			if e.cfg.Notifications.Enabled && e.cfg.Notifications.OnError {
				e.notifier.Error(name)
			}
		},
	}
}

// startListener mirrors session updates into the fine-grained store. One
// listener per live session.
func (e *Engine) startListener(sess *session.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.listeners[sess.ID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(e.ctx)
	e.listeners[sess.ID] = cancel
	ch := sess.Subscribe(ctx)
	verbose := e.flags.Enabled(flags.FlagVerboseStreamLog)
	log.SafeGo("engine-sync-"+sess.ID, func() {
		for ev := range ch {
			if verbose {
				log.Debug(log.CatSession, "stream update",
					"session", ev.Payload.SessionID,
					"status", ev.Payload.Status,
					"messages", len(ev.Payload.Messages))
			}
			e.msgs.Sync(ev.Payload.SessionID, ev.Payload.Messages, ev.Payload.Status)
		}
	})
}

// Send submits text to the active session, or queues it when a turn is in
// flight. Returns the queued item id when queued, "" when sent directly.
func (e *Engine) Send(ctx context.Context, text string, att message.Attachment) (string, error) {
	sessionID := e.msgs.ActiveSessionID()
	if sessionID == "" {
		return "", ErrNoActiveSession
	}
	sess, ok := e.sessions.Get(sessionID)
	if !ok {
		return "", ErrNoActiveSession
	}

	if e.statuses.Get(sessionID).Busy() {
		id := e.queues.Enqueue(sessionID, queue.NewItem(text, att))
		e.clearDraft(sess)
		return id, nil
	}

	err := sess.Send(ctx, text, att)
	if errors.Is(err, session.ErrBusy) {
		// Lost the race with a queued drain; fall back to the queue.
		id := e.queues.Enqueue(sessionID, queue.NewItem(text, att))
		e.clearDraft(sess)
		return id, nil
	}
	if err != nil {
		return "", err
	}
	e.clearDraft(sess)
	return "", nil
}

// clearDraft drops the composer draft once its content is committed to a
// turn or the queue. Bookkeeping only; failures are logged and swallowed.
func (e *Engine) clearDraft(sess *session.Session) {
	convID := sess.ParentConversationID
	if convID == "" {
		convID = sess.ID
	}
	if err := e.repo.ClearDraft(context.Background(), convID, sess.ID); err != nil {
		log.WarnErr(log.CatDB, "cannot clear draft", err, "session", sess.ID)
	}
}

// Stop aborts the active session's in-flight turn. The abort is recorded as
// manual so completion notifications stay quiet.
func (e *Engine) Stop(ctx context.Context) error {
	sessionID := e.msgs.ActiveSessionID()
	sess, ok := e.sessions.Get(sessionID)
	if !ok {
		return ErrNoActiveSession
	}
	e.sessions.MarkManuallyAborted(sessionID)
	return sess.Stop(ctx)
}

// Regenerate re-runs the active session's last user message.
func (e *Engine) Regenerate(ctx context.Context) error {
	sess, ok := e.sessions.Get(e.msgs.ActiveSessionID())
	if !ok {
		return ErrNoActiveSession
	}
	return sess.Regenerate(ctx)
}

// EditLastUser replaces the active session's last user message and resends.
func (e *Engine) EditLastUser(ctx context.Context, text string, att message.Attachment) error {
	sess, ok := e.sessions.Get(e.msgs.ActiveSessionID())
	if !ok {
		return ErrNoActiveSession
	}
	return sess.EditLastUser(ctx, text, att)
}

// HotUpdateWorkingDirectory moves every session under a conversation to a
// new directory without tearing streams down.
func (e *Engine) HotUpdateWorkingDirectory(parentConversationID, newPath string) {
	e.sessions.HotUpdateWorkingDirectory(parentConversationID, newPath)
	if err := e.repo.UpdateWorkDir(context.Background(), parentConversationID, newPath); err != nil && !errors.Is(err, metadata.ErrNotFound) {
		log.WarnErr(log.CatRegistry, "cannot persist working directory", err, "conversation", parentConversationID)
	}
}

// Unseen reports whether a session finished a turn while in the background
// since the user last viewed it.
func (e *Engine) Unseen(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unseen[sessionID]
}

// MarkSeen clears a session's unseen marker, typically on tab focus.
func (e *Engine) MarkSeen(sessionID string) {
	e.markSeen(sessionID)
	e.msgs.SetActive(sessionID)
	e.tabs.SetActive(sessionID)
}

func (e *Engine) markSeen(sessionID string) {
	e.mu.Lock()
	delete(e.unseen, sessionID)
	e.mu.Unlock()
}

func (e *Engine) markUnseen(sessionID string) {
	e.mu.Lock()
	e.unseen[sessionID] = true
	e.mu.Unlock()
}

func (e *Engine) beginSpan(sessionID string) {
	_, end := e.tracer.StartTurn(e.ctx, sessionID)
	e.mu.Lock()
	if prev, ok := e.spans[sessionID]; ok {
		// A turn that never settled through hooks; close its span as lost.
		e.mu.Unlock()
		prev(errors.New("turn superseded"), false)
		e.mu.Lock()
	}
	e.spans[sessionID] = end
	e.mu.Unlock()
}

func (e *Engine) endSpan(sessionID string, err error, aborted bool) {
	e.mu.Lock()
	end, ok := e.spans[sessionID]
	delete(e.spans, sessionID)
	e.mu.Unlock()
	if ok {
		end(err, aborted)
	}
}

// dispose is the keep-alive pool's unmount callback. The queue survives so
// reopening the conversation drains pending items into a fresh session.
func (e *Engine) dispose(sessionID string) {
	e.mu.Lock()
	if cancel, ok := e.listeners[sessionID]; ok {
		cancel()
		delete(e.listeners, sessionID)
	}
	e.mu.Unlock()

	e.sessions.Unregister(sessionID)
	e.msgs.Purge(sessionID)
	if e.watch != nil {
		e.watch.Unwatch(sessionID)
	}
	log.Debug(log.CatTabs, "session disposed", "session", sessionID)
}

// watchLoop reacts to working-directory activity: any change invalidates
// the cached metadata; a removed directory additionally logs loudly so the
// user can re-point the conversation.
func (e *Engine) watchLoop(events <-chan watcher.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.meta.Invalidate(e.ctx, ev.ConversationID)
			if ev.Gone {
				log.Warn(log.CatWatcher, "working directory removed", "conversation", ev.ConversationID, "dir", ev.Dir)
			}
		case <-e.ctx.Done():
			return
		}
	}
}

// Conversations lists the catalog, newest first.
func (e *Engine) Conversations(ctx context.Context) ([]metadata.Conversation, error) {
	return e.meta.List(ctx)
}

// Repository exposes the persistence layer for catalog maintenance.
func (e *Engine) Repository() *sqlite.ConversationRepository { return e.repo }

// Tabs exposes the keep-alive pool.
func (e *Engine) Tabs() *tabs.Manager { return e.tabs }

// Panels exposes the panel mutual-exclusion controller.
func (e *Engine) Panels() *panels.Controller { return e.panels }

// Queues exposes the per-session input queues.
func (e *Engine) Queues() *queue.Store { return e.queues }

// Statuses exposes the per-session status store.
func (e *Engine) Statuses() *status.Store { return e.statuses }

// Messages exposes the fine-grained message store for the active session.
func (e *Engine) Messages() *msgstore.Store { return e.msgs }

// Sessions exposes the session registry.
func (e *Engine) Sessions() *registry.Registry { return e.sessions }

// Flags exposes the feature flag registry.
func (e *Engine) Flags() *flags.Registry { return e.flags }

// SetTerminalSidePeek switches the terminal panel between its docked and
// side-peek placements. Enabling side-peek requires the terminal-side-peek
// feature flag; disabling always works.
func (e *Engine) SetTerminalSidePeek(enabled bool) {
	if enabled && !e.flags.Enabled(flags.FlagTerminalSidePeek) {
		log.Debug(log.CatPanel, "Side-peek requested but flag disabled")
		return
	}
	mode := panels.TerminalDockBottom
	if enabled {
		mode = panels.TerminalSidePeek
	}
	e.panels.SetTerminalMode(mode)
}

// Shutdown stops background work and releases every resource. Idempotent.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.proc.Stop()
	e.tabs.Close()
	if e.watch != nil {
		_ = e.watch.Stop()
	}
	e.cancel()
	e.sessions.Close()
	e.panels.Shutdown()
	e.msgs.Close()
	e.queues.Close()
	e.statuses.Close()
	if err := e.tracer.Shutdown(ctx); err != nil {
		log.WarnErr(log.CatSession, "tracing shutdown failed", err)
	}
	return e.db.Close()
}

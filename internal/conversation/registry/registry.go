// Package registry is the process-wide table of live sessions plus the
// per-session bookkeeping that outlives any single turn: the manual-abort
// flag, the resume stream id, and the working directory.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zjrosen/strand/internal/conversation/message"
	"github.com/zjrosen/strand/internal/conversation/session"
	"github.com/zjrosen/strand/internal/conversation/status"
	"github.com/zjrosen/strand/internal/conversation/transport"
	"github.com/zjrosen/strand/internal/log"
)

// ErrNoSession is the sentinel for construction failure: callers show a
// retry affordance instead of crashing.
var ErrNoSession = errors.New("no session available")

// SessionConfig carries everything needed to construct a session on first
// need.
type SessionConfig struct {
	ParentConversationID string
	InitialMessages      []message.Message
	Transport            transport.Config
	Hooks                session.Hooks
}

type entry struct {
	sess         *session.Session
	parentConvID string
	workDir      string

	aborted bool

	// streamID is the backend stream to resume on reconnect. Once captured
	// at construction it is pinned so a stale metadata refetch cannot cause
	// double resumption.
	streamID       string
	streamIDPinned bool
}

// Registry owns every live Session. All access to sessions and their
// side-table flags goes through its methods.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	statuses *status.Store
}

// New creates an empty registry writing statuses into the given store.
func New(statuses *status.Store) *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		statuses: statuses,
	}
}

// GetOrCreate returns the live session for sessionID, constructing it from
// cfg when absent. Idempotent under rapid repeated calls: a second call with
// the same id never constructs a second session.
func (r *Registry) GetOrCreate(sessionID string, cfg SessionConfig) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[sessionID]; ok {
		return e.sess, nil
	}

	tr, err := transport.New(cfg.Transport)
	if err != nil {
		log.ErrorErr(log.CatRegistry, "transport construction failed", err, "session", sessionID)
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}

	sess, err := session.New(session.Config{
		ID:                   sessionID,
		ParentConversationID: cfg.ParentConversationID,
		InitialMessages:      cfg.InitialMessages,
		Transport:            tr,
		Statuses:             r.statuses,
		Hooks:                cfg.Hooks,
	})
	if err != nil {
		_ = tr.Close()
		log.ErrorErr(log.CatRegistry, "session construction failed", err, "session", sessionID)
		return nil, fmt.Errorf("%w: %v", ErrNoSession, err)
	}

	r.entries[sessionID] = &entry{
		sess:           sess,
		parentConvID:   cfg.ParentConversationID,
		workDir:        cfg.Transport.WorkDir,
		streamID:       cfg.Transport.ResumeStreamID,
		streamIDPinned: cfg.Transport.ResumeStreamID != "",
	}
	log.Debug(log.CatRegistry, "session created", "session", sessionID, "conversation", cfg.ParentConversationID)
	return sess, nil
}

// Get returns the live session for sessionID, if any.
func (r *Registry) Get(sessionID string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// HotUpdateWorkingDirectory redirects the transports of every session under
// the conversation to newPath without touching message history or in-flight
// streams. Unknown conversation ids are a no-op.
func (r *Registry) HotUpdateWorkingDirectory(parentConversationID, newPath string) {
	r.mu.Lock()
	var moved []*session.Session
	for _, e := range r.entries {
		if e.parentConvID == parentConversationID {
			e.workDir = newPath
			moved = append(moved, e.sess)
		}
	}
	r.mu.Unlock()

	for _, sess := range moved {
		sess.SetWorkDir(newPath)
	}
	if len(moved) > 0 {
		log.Info(log.CatRegistry, "working directory updated",
			"conversation", parentConversationID, "path", newPath, "sessions", len(moved))
	}
}

// MarkManuallyAborted records that the user stopped this session's stream.
// Unknown ids are a no-op.
func (r *Registry) MarkManuallyAborted(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		e.aborted = true
	}
}

// ClearManuallyAborted resets the abort flag without reading it.
func (r *Registry) ClearManuallyAborted(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		e.aborted = false
	}
}

// WasManuallyAborted reports and clears the abort flag in one step, so a
// suppressed notification cannot leak into a later, unrelated completion.
func (r *Registry) WasManuallyAborted(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return false
	}
	aborted := e.aborted
	e.aborted = false
	return aborted
}

// RegisterStreamID records the backend stream this session resumes on
// reconnect. The value captured at construction wins; later writes for a
// pinned session are dropped.
func (r *Registry) RegisterStreamID(sessionID, streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return
	}
	if e.streamIDPinned {
		return
	}
	e.streamID = streamID
	e.streamIDPinned = streamID != ""
}

// StreamID returns the recorded resume stream id, empty when none.
func (r *Registry) StreamID(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		return e.streamID
	}
	return ""
}

// WorkingDirectory returns the session's current working directory.
func (r *Registry) WorkingDirectory(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		return e.workDir
	}
	return ""
}

// SessionIDs returns the ids of all live sessions.
func (r *Registry) SessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Unregister disposes the session's transport and removes the entry.
// Idempotent; unknown ids are a no-op.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	delete(r.entries, sessionID)
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := e.sess.Close(); err != nil {
		log.Warn(log.CatRegistry, "session close failed", "session", sessionID, "error", err)
	}
	r.statuses.Delete(sessionID)
	log.Debug(log.CatRegistry, "session unregistered", "session", sessionID)
}

// Close unregisters every live session.
func (r *Registry) Close() {
	for _, id := range r.SessionIDs() {
		r.Unregister(id)
	}
}

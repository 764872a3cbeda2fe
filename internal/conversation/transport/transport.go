// Package transport carries a conversation turn's request/response stream
// between a session and its backend. Implementations register themselves by
// kind; the session engine treats local-process and remote-network backends
// as the same capability.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/zjrosen/strand/internal/conversation/message"
)

// Kind identifies a transport implementation.
type Kind string

const (
	// KindLocal streams from a spawned subprocess.
	KindLocal Kind = "local"
	// KindRemote streams from an HTTP backend over SSE.
	KindRemote Kind = "remote"
	// KindScript is an in-memory transport for tests.
	KindScript Kind = "script"
)

// ErrUnknownKind is returned when an unregistered transport kind is requested.
var ErrUnknownKind = fmt.Errorf("unknown transport kind")

// ErrStreamActive is returned when Send is called while a previous turn's
// stream has not settled.
var ErrStreamActive = fmt.Errorf("transport stream already active")

// Config holds the parameters a transport needs to reach its backend.
type Config struct {
	Kind Kind

	// Local transport: executable and arguments.
	Command string
	Args    []string

	// Remote transport: backend base URL.
	BaseURL string

	// WorkDir is the conversation's working directory. Hot-swappable via
	// SetWorkDir without recreating the transport.
	WorkDir string

	// ResumeStreamID, when set, asks the backend to resume an existing
	// stream instead of opening a new turn.
	ResumeStreamID string
}

// Transport sends a turn to a backend and yields an ordered stream of events
// until the turn completes, errors, or is aborted.
type Transport interface {
	// Send forwards the full message history for one turn. The returned
	// channel delivers events in order and is closed once the turn settles.
	// At most one stream may be active at a time.
	Send(ctx context.Context, msgs []message.Message) (<-chan Event, error)

	// Stop requests cancellation of the active stream. Best-effort: events
	// already in flight may still arrive. No-op when idle.
	Stop(ctx context.Context) error

	// SetWorkDir updates the working directory for subsequent turns.
	SetWorkDir(dir string)

	// Close releases backend resources. Idempotent.
	Close() error
}

// Factory constructs a transport from config.
type Factory func(Config) (Transport, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[Kind]Factory)
)

// Register adds a transport factory for the given kind.
// Called from init() functions of implementation files.
func Register(kind Kind, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = factory
}

// New creates a Transport for cfg.Kind.
// Returns ErrUnknownKind if no factory is registered.
func New(cfg Config) (Transport, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, cfg.Kind)
	}
	return factory(cfg)
}

// Registered returns all registered transport kinds.
func Registered() []Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	return kinds
}

// Package panels enforces which auxiliary panels may be open at the same
// time. When opening one panel auto-closes another, the controller remembers
// who displaced whom so closing the newcomer restores exactly the panel it
// pushed out, and nothing else.
package panels

import (
	"context"
	"sync"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/pubsub"
)

// Panel identifies one auxiliary panel.
type Panel string

const (
	Details  Panel = "details"
	Plan     Panel = "plan"
	Terminal Panel = "terminal"
	Diff     Panel = "diff"
)

// TerminalMode selects where the terminal renders. Only the side-peek
// placement competes with Details for space.
type TerminalMode string

const (
	TerminalDockBottom TerminalMode = "dock-bottom"
	TerminalSidePeek   TerminalMode = "side-peek"
)

// Change reports one panel opening or closing. Cause is set when the change
// was an auto-close or a restore driven by another panel.
type Change struct {
	Panel Panel
	Open  bool
	Cause Panel
}

// Controller is the panel open/close state machine.
type Controller struct {
	mu           sync.Mutex
	open         map[Panel]bool
	terminalMode TerminalMode

	// closedBy records which panel auto-closed the key. A single pointer,
	// overwritten on each new auto-close: last writer wins on restore.
	closedBy map[Panel]Panel

	broker *pubsub.Broker[Change]
}

// NewController creates a controller with every panel closed and the
// terminal docked at the bottom.
func NewController() *Controller {
	return &Controller{
		open:         make(map[Panel]bool),
		closedBy:     make(map[Panel]Panel),
		terminalMode: TerminalDockBottom,
		broker:       pubsub.NewBroker[Change](),
	}
}

// Subscribe returns a channel of panel changes scoped to ctx.
func (c *Controller) Subscribe(ctx context.Context) <-chan pubsub.Event[Change] {
	return c.broker.Subscribe(ctx)
}

// conflictsLocked reports whether a and b may not be open together under the
// current terminal mode. Caller holds c.mu.
func (c *Controller) conflictsLocked(a, b Panel) bool {
	pair := func(x, y Panel) bool { return (a == x && b == y) || (a == y && b == x) }
	if pair(Details, Plan) {
		return true
	}
	if pair(Details, Terminal) {
		return c.terminalMode == TerminalSidePeek
	}
	return false
}

// Open opens p, auto-closing any panel it conflicts with and recording p as
// the cause. Opening an already-open panel is a no-op.
func (c *Controller) Open(p Panel) {
	c.mu.Lock()
	if c.open[p] {
		c.mu.Unlock()
		return
	}
	var changes []Change
	for other, isOpen := range c.open {
		if isOpen && c.conflictsLocked(p, other) {
			c.open[other] = false
			c.closedBy[other] = p
			changes = append(changes, Change{Panel: other, Open: false, Cause: p})
			log.Debug(log.CatPanel, "panel auto-closed", "panel", string(other), "by", string(p))
		}
	}
	c.open[p] = true
	// p is open again; any stale record of who once closed it is moot
	delete(c.closedBy, p)
	changes = append(changes, Change{Panel: p, Open: true})
	c.mu.Unlock()
	c.publish(changes)
}

// Close closes p. If p had auto-closed another panel, that panel is restored,
// unless its closed-by record was since overwritten or it would conflict with
// something still open. Closing a closed panel is a no-op.
func (c *Controller) Close(p Panel) {
	c.mu.Lock()
	if !c.open[p] {
		c.mu.Unlock()
		return
	}
	c.open[p] = false
	changes := []Change{{Panel: p, Open: false}}

	for displaced, cause := range c.closedBy {
		if cause != p {
			continue
		}
		delete(c.closedBy, displaced)
		if c.blockedLocked(displaced) {
			continue
		}
		c.open[displaced] = true
		changes = append(changes, Change{Panel: displaced, Open: true, Cause: p})
		log.Debug(log.CatPanel, "panel restored", "panel", string(displaced), "closer", string(p))
	}
	c.mu.Unlock()
	c.publish(changes)
}

// blockedLocked reports whether restoring p would conflict with an open
// panel. Caller holds c.mu.
func (c *Controller) blockedLocked(p Panel) bool {
	for other, isOpen := range c.open {
		if isOpen && c.conflictsLocked(p, other) {
			return true
		}
	}
	return false
}

// Toggle flips p between open and closed.
func (c *Controller) Toggle(p Panel) {
	if c.IsOpen(p) {
		c.Close(p)
	} else {
		c.Open(p)
	}
}

// IsOpen reports whether p is currently open.
func (c *Controller) IsOpen(p Panel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open[p]
}

// SetTerminalMode moves the terminal between dock and side-peek. Entering
// side-peek with both Terminal and Details open resolves the new conflict by
// auto-closing Details, as if the terminal had just opened beside it.
func (c *Controller) SetTerminalMode(mode TerminalMode) {
	c.mu.Lock()
	if c.terminalMode == mode {
		c.mu.Unlock()
		return
	}
	c.terminalMode = mode

	var changes []Change
	if mode == TerminalSidePeek && c.open[Terminal] && c.open[Details] {
		c.open[Details] = false
		c.closedBy[Details] = Terminal
		changes = append(changes, Change{Panel: Details, Open: false, Cause: Terminal})
	}
	c.mu.Unlock()
	c.publish(changes)
}

// TerminalMode returns the terminal's current placement.
func (c *Controller) TerminalMode() TerminalMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminalMode
}

func (c *Controller) publish(changes []Change) {
	for _, ch := range changes {
		c.broker.Publish(pubsub.UpdatedEvent, ch)
	}
}

// Shutdown closes the change broker.
func (c *Controller) Shutdown() {
	c.broker.Close()
}

// Package notify is the sink for turn-completion signals. The engine does
// not know whether a notification renders a toast, a sound, or an OS banner;
// it only distinguishes completions from errors.
package notify

import "github.com/zjrosen/strand/internal/log"

// Notifier receives completion and error signals, named by conversation.
type Notifier interface {
	Complete(name string)
	Error(name string)
}

// LogNotifier writes notifications to the application log. The default sink
// for headless runs.
type LogNotifier struct{}

func (LogNotifier) Complete(name string) {
	log.Info(log.CatSession, "conversation finished", "name", name)
}

func (LogNotifier) Error(name string) {
	log.Warn(log.CatSession, "conversation failed", "name", name)
}

// Noop drops every notification.
type Noop struct{}

func (Noop) Complete(string) {}
func (Noop) Error(string)    {}

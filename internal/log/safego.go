package log

import (
	"fmt"
	"runtime/debug"
)

// SafeGo runs fn in a new goroutine with panic recovery.
// A recovered panic is logged with the goroutine's name and stack trace
// instead of crashing the process. Background subscribers (session brokers,
// the queue processor, watcher loops) must never take the engine down.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(CatSession, "recovered panic in goroutine",
					"goroutine", name,
					"panic", fmt.Sprintf("%v", r),
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn()
	}()
}

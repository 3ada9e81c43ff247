package safe

import (
	"WarChat/logger"
)

// Go starts a new goroutine that recovers from panic, so that panics
// in background work (notification delivery, reconnect loops) don't
// crash the process.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] panic recovered: %v", r)
			}
		}()
		f()
	}()
}

// Call invokes f on the current goroutine, swallowing any panic.
// Used for best-effort callbacks such as notification sinks.
func Call(f func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[safe.Call] panic recovered: %v", r)
		}
	}()
	f()
}

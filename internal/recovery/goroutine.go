package recovery

import (
	"runtime/debug"

	"github.com/ontimeapp/ontime/internal/logger"
)

// SafeGo runs a function in a goroutine with automatic panic recovery so a
// single background task panic cannot take down a live meeting.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("panic recovered in goroutine '%s': %v", name, r)
				logger.Errorf("stack trace:\n%s", debug.Stack())
			}
		}()
		fn()
	}()
}

// SafeGoWithCleanup runs a function in a goroutine with panic recovery and cleanup
func SafeGoWithCleanup(name string, fn func(), cleanup func()) {
	go func() {
		defer func() {
			if cleanup != nil {
				cleanup()
			}
			if r := recover(); r != nil {
				logger.Errorf("panic recovered in goroutine '%s': %v", name, r)
				logger.Errorf("stack trace:\n%s", debug.Stack())
			}
		}()
		fn()
	}()
}

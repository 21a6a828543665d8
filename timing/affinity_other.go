//go:build !linux

package timing

import "runtime"

// PinCurrentGoroutine locks the calling goroutine to its OS thread.
// CPU affinity pinning is Linux-specific; elsewhere this is a no-op
// beyond the thread lock.
func PinCurrentGoroutine(cpu int) error {
	runtime.LockOSThread()
	return nil
}

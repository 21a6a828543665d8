//go:build linux

package timing

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PinCurrentGoroutine locks the calling goroutine to its current OS
// thread and restricts that thread to the given CPU, reducing
// scheduling jitter for a Presenter or Camera Driver loop. The caller
// should hold the goroutine for the lifetime of the loop; unlocking is
// left to the caller via runtime.UnlockOSThread.
func PinCurrentGoroutine(cpu int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("timing: set affinity to cpu %d: %w", cpu, err)
	}
	return nil
}

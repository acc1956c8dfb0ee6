//go:build !linux

package pool

// residentSetBytes has no portable implementation; the memory-per-child
// limit is effectively disabled off linux.
func residentSetBytes(pid int) int64 { return 0 }

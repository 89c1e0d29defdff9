package preflight

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MinFileDescriptors is the minimum required file descriptor limit.
const MinFileDescriptors = 1024

// descriptorsPerWorker covers a build worker's open shard files and leases.
const descriptorsPerWorker = 16

// RequiredFileDescriptors returns the limit needed for workers parallel
// build workers.
func RequiredFileDescriptors(workers int) uint64 {
	need := uint64(max(workers, 1)) * descriptorsPerWorker
	return max(need, MinFileDescriptors)
}

// CheckFileDescriptors checks if the file descriptor limit is sufficient
// for the configured number of migration workers.
func (c *Checker) CheckFileDescriptors(workers int) CheckResult {
	result := CheckResult{
		Name:     "file_descriptors",
		Required: true,
	}

	var rLimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("failed to check file descriptor limit: %v", err)
		return result
	}

	need := RequiredFileDescriptors(workers)
	result.Message = fmt.Sprintf("%d (minimum: %d)", rLimit.Cur, need)
	if rLimit.Cur < need {
		result.Status = StatusFail
		result.Details = "Run 'ulimit -n 10240' or lower migrate.workers"
		return result
	}
	result.Status = StatusPass
	return result
}

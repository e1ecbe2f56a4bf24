//go:build linux

package main

import "syscall"

// diskUsage reports used/total bytes for the filesystem containing path,
// via statfs. Grounded on the teacher's internal/resources/sysinfo_linux.go
// GetDiskUsage.
func diskUsage(path string) (used, total uint64) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0
	}
	total = stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	return total - free, total
}

//go:build linux

package memory

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapArena maps size bytes rounded up to the page size, optionally backed by
// hugepages. Hugepage failures fall back to regular pages.
func mapArena(size int, hugepages bool) ([]byte, bool, error) {
	pageSize := os.Getpagesize()
	alignedSize := ((size + pageSize - 1) / pageSize) * pageSize

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if hugepages {
		flags |= unix.MAP_HUGETLB
	}

	data, err := unix.Mmap(-1, 0, alignedSize, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil && hugepages {
		flags &^= unix.MAP_HUGETLB
		data, err = unix.Mmap(-1, 0, alignedSize, unix.PROT_READ|unix.PROT_WRITE, flags)
	}
	if err != nil {
		return nil, false, fmt.Errorf("mmap failed: %w", err)
	}
	return data, true, nil
}

// lockArena pins the arena in RAM. Requires CAP_IPC_LOCK or a large enough
// RLIMIT_MEMLOCK.
func lockArena(data []byte) error {
	return unix.Mlock(data)
}

// RaiseMemlockLimit lifts RLIMIT_MEMLOCK so locked regions are not capped by
// the default 64 KiB limit.
func RaiseMemlockLimit() error {
	return unix.Setrlimit(unix.RLIMIT_MEMLOCK, &unix.Rlimit{
		Cur: unix.RLIM_INFINITY,
		Max: unix.RLIM_INFINITY,
	})
}

func unmapArena(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Munmap(data)
}

//go:build !linux

package memory

// mapArena falls back to the Go heap where anonymous hugepage mappings are not
// available.
func mapArena(size int, _ bool) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func lockArena([]byte) error { return nil }

// RaiseMemlockLimit is a no-op off Linux.
func RaiseMemlockLimit() error { return nil }

func unmapArena([]byte) error { return nil }
